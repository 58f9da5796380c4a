package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/files"
	memstore "github.com/mossida/midday/internal/infra/inmemory"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/provider"
	"github.com/mossida/midday/internal/reconcile"
	"github.com/mossida/midday/internal/schedule"
	"github.com/mossida/midday/internal/store"
)

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []*jobs.Job
}

func (p *recordingPublisher) Publish(ctx context.Context, job *jobs.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	job.ID = fmt.Sprintf("job-%d", len(p.jobs)+1)
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []*jobs.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*jobs.Job(nil), p.jobs...)
}

type fakeRegistry struct {
	mu      sync.Mutex
	err     error
	calls   int
	entries map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{entries: make(map[string]string)}
}

func (r *fakeRegistry) Register(ctx context.Context, id, spec string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	r.entries[id] = spec
	return id + "#1", nil
}

func (r *fakeRegistry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	return nil
}

func (r *fakeRegistry) Registered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

type harness struct {
	svc      *Service
	store    *memstore.Store
	locker   *memstore.Locker
	fetcher  *provider.StaticFetcher
	registry *fakeRegistry
	pub      *recordingPublisher
	files    *files.Local
	sleeps   []time.Duration
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	local, err := files.NewLocal(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:    memstore.NewStore(),
		locker:   memstore.NewLocker(),
		fetcher:  provider.NewStaticFetcher(),
		registry: newFakeRegistry(),
		pub:      &recordingPublisher{},
		files:    local,
	}
	h.svc = NewService(Deps{
		Store:      h.store,
		Locker:     h.locker,
		Fetcher:    h.fetcher,
		Registry:   h.registry,
		Dispatcher: NewDispatcher(h.pub),
		Files:      h.files,
	}, cfg)
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) addAccount(t *testing.T, id string) *domain.BankAccount {
	t.Helper()
	account := &domain.BankAccount{ID: id, TeamID: "team-1", ExternalAccountID: "ext-" + id}
	require.NoError(t, h.store.CreateBankAccount(context.Background(), account))
	return account
}

func (h *harness) transactions(t *testing.T, bankAccountID string) []domain.Transaction {
	t.Helper()
	txs, err := h.store.ListTransactions(context.Background(), store.TransactionFilter{BankAccountID: bankAccountID})
	require.NoError(t, err)
	return txs
}

func rawTx(id, amt string) provider.RawTransaction {
	return provider.RawTransaction{
		ID:          id,
		Date:        civil.Date{Year: 2024, Month: time.March, Day: 15},
		Description: "payment " + id,
		Amount:      decimal.RequireFromString(amt),
		Currency:    "EUR",
	}
}

func TestAccountCreated_RequestsInitialSyncBeforeRegistration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")
	h.fetcher.Set("ext-acc-1", rawTx("TX1", "-12.50"), rawTx("TX2", "100"))

	msg := AccountCreated{BankAccountID: "acc-1", ExternalAccountID: "ext-acc-1", TeamID: "team-1"}
	require.NoError(t, h.svc.HandleAccountCreated(ctx, msg))

	published := h.pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, jobs.JobTypeInitialSync, published[0].Type)
	assert.Equal(t, "acc-1", published[0].Key)
	assert.False(t, h.registry.Registered("acc-1"), "registration must wait for the initial sync")

	sched, err := h.store.GetSchedule(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatePendingInitialSync, sched.State)

	var initial InitialSyncRequested
	require.NoError(t, json.Unmarshal(published[0].Payload, &initial))
	res, err := h.svc.HandleInitialSync(ctx, initial)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, "insert_only", res.Mode)
	assert.True(t, h.registry.Registered("acc-1"))

	sched, err = h.store.GetSchedule(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStateScheduled, sched.State)
	assert.Equal(t, domain.DefaultCron, sched.Cron)
	assert.Equal(t, "acc-1#1", sched.RegistrationID)
	assert.Len(t, h.transactions(t, "acc-1"), 2)
}

func TestAccountCreated_IgnoresScheduledAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.store.SaveSchedule(ctx, &domain.Schedule{
		BankAccountID: "acc-1",
		State:         domain.ScheduleStateScheduled,
	}))

	require.NoError(t, h.svc.HandleAccountCreated(ctx, AccountCreated{BankAccountID: "acc-1"}))
	assert.Empty(t, h.pub.published())
}

func TestInitialSync_RegistrationExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RegistrationAttempts: 3})
	h.addAccount(t, "acc-1")
	h.fetcher.Set("ext-acc-1", rawTx("TX1", "-12.50"))
	h.registry.err = errors.New("scheduler unavailable")

	res, err := h.svc.HandleInitialSync(ctx, InitialSyncRequested{BankAccountID: "acc-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScheduleRegistration)
	assert.ErrorIs(t, err, jobs.ErrPermanent)

	assert.Equal(t, 1, res.Written, "the sync itself succeeded")
	assert.Equal(t, 3, h.registry.calls)
	assert.Len(t, h.sleeps, 2)

	sched, err := h.store.GetSchedule(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatePendingInitialSync, sched.State)
	assert.Equal(t, 3, sched.Attempts)
	assert.Contains(t, sched.LastError, "scheduler unavailable")
}

func TestInitialSync_InvalidCronIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Cron: "every hour", RegistrationAttempts: 5})
	h.addAccount(t, "acc-1")
	h.svc.registry = schedule.NewCronRegistry(ctx, func(context.Context, string) {})

	_, err := h.svc.HandleInitialSync(ctx, InitialSyncRequested{BankAccountID: "acc-1"})
	assert.ErrorIs(t, err, ErrScheduleRegistration)
	assert.ErrorIs(t, err, schedule.ErrInvalidCron)
	assert.Empty(t, h.sleeps)
}

func TestInitialSync_FetchFailureStillRegisters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")
	h.fetcher.Set("ext-acc-1", rawTx("TX1", "1"))
	h.fetcher.Fail("ext-acc-1", errors.New("connection reset"))

	_, err := h.svc.HandleInitialSync(ctx, InitialSyncRequested{BankAccountID: "acc-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrFetchFailed)
	assert.NotErrorIs(t, err, jobs.ErrPermanent)

	assert.True(t, h.registry.Registered("acc-1"))
	assert.Empty(t, h.transactions(t, "acc-1"), "a partial fetch is never written")
}

func TestInitialSync_UnknownAccountIsPermanent(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.svc.HandleInitialSync(context.Background(), InitialSyncRequested{BankAccountID: "missing"})
	assert.ErrorIs(t, err, jobs.ErrPermanent)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScheduleFired_RedeliveredTransactionIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")
	h.fetcher.Set("ext-acc-1", rawTx("TX1", "-12.50"))

	_, err := h.svc.HandleInitialSync(ctx, InitialSyncRequested{BankAccountID: "acc-1"})
	require.NoError(t, err)

	h.fetcher.Set("ext-acc-1", rawTx("TX1", "-12.50"), rawTx("TX2", "40"))
	res, err := h.svc.HandleScheduleFired(ctx, ScheduleFired{BankAccountID: "acc-1"})
	require.NoError(t, err)

	assert.Equal(t, "upsert_ignore_duplicates", res.Mode)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Duplicates)

	txs := h.transactions(t, "acc-1")
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Equal(t, "team-1", tx.TeamID)
		assert.Equal(t, "acc-1", tx.BankAccountID)
	}
}

func TestScheduleFired_SkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")
	h.fetcher.Set("ext-acc-1", rawTx("TX1", "1"))

	release, acquired, err := h.locker.TryLock(ctx, "sync:acc-1")
	require.NoError(t, err)
	require.True(t, acquired)
	defer release()

	res, err := h.svc.HandleScheduleFired(ctx, ScheduleFired{BankAccountID: "acc-1"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.transactions(t, "acc-1"))
}

type gatedFetcher struct {
	entered chan string
	release chan struct{}
	txs     []provider.RawTransaction
}

func (f *gatedFetcher) Transactions(ctx context.Context, externalAccountID string) iter.Seq2[provider.RawTransaction, error] {
	return func(yield func(provider.RawTransaction, error) bool) {
		f.entered <- externalAccountID
		<-f.release
		for _, tx := range f.txs {
			if !yield(tx, nil) {
				return
			}
		}
	}
}

func TestSync_ModesDoNotShareResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	account := h.addAccount(t, "acc-1")
	fetcher := &gatedFetcher{
		entered: make(chan string, 2),
		release: make(chan struct{}),
		txs:     []provider.RawTransaction{rawTx("TX1", "-1")},
	}
	h.svc.fetcher = fetcher
	h.svc.locker = nil

	results := make(chan SyncResult, 2)
	run := func(mode reconcile.Mode) {
		res, _ := h.svc.sync(ctx, account, mode)
		results <- res
	}

	go run(reconcile.ModeInsertOnly)
	<-fetcher.entered
	go run(reconcile.ModeUpsertIgnoreDuplicates)
	select {
	case <-fetcher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("second mode waited on the first sync")
	}
	close(fetcher.release)

	modes := map[string]bool{}
	for i := 0; i < 2; i++ {
		res := <-results
		assert.False(t, res.Shared)
		modes[res.Mode] = true
	}
	assert.Equal(t, map[string]bool{"insert_only": true, "upsert_ignore_duplicates": true}, modes)
}

func TestScheduleFired_UnknownAccountTearsDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.registry.Register(ctx, "gone", domain.DefaultCron)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveSchedule(ctx, &domain.Schedule{BankAccountID: "gone", State: domain.ScheduleStateScheduled}))

	res, err := h.svc.HandleScheduleFired(ctx, ScheduleFired{BankAccountID: "gone"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, h.registry.Registered("gone"))

	_, err = h.store.GetSchedule(ctx, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAccountUnlinked_RemovesSchedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")

	_, err := h.svc.HandleInitialSync(ctx, InitialSyncRequested{BankAccountID: "acc-1"})
	require.NoError(t, err)
	require.True(t, h.registry.Registered("acc-1"))

	require.NoError(t, h.svc.HandleAccountUnlinked(ctx, AccountUnlinked{BankAccountID: "acc-1"}))
	assert.False(t, h.registry.Registered("acc-1"))

	sched, err := h.svc.Schedule(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStateUnlinked, sched.State)

	// a second delivery is harmless
	require.NoError(t, h.svc.HandleAccountUnlinked(ctx, AccountUnlinked{BankAccountID: "acc-1"}))
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")
	h.addAccount(t, "acc-2")

	for _, s := range []*domain.Schedule{
		{BankAccountID: "acc-1", Cron: "*/5 * * * *", State: domain.ScheduleStateScheduled},
		{BankAccountID: "acc-2", Cron: domain.DefaultCron, State: domain.ScheduleStatePendingInitialSync},
		{BankAccountID: "acc-3", Cron: domain.DefaultCron, State: domain.ScheduleStatePendingInitialSync},
	} {
		require.NoError(t, h.store.SaveSchedule(ctx, s))
	}

	require.NoError(t, h.svc.Restore(ctx))

	assert.True(t, h.registry.Registered("acc-1"))
	assert.Equal(t, "*/5 * * * *", h.registry.entries["acc-1"])

	published := h.pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, jobs.JobTypeInitialSync, published[0].Type)
	assert.Equal(t, "acc-2", published[0].Key)

	_, err := h.store.GetSchedule(ctx, "acc-3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestore_RegistrationFailureRequestsInitialSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RegistrationAttempts: 3})
	h.addAccount(t, "acc-1")
	require.NoError(t, h.store.SaveSchedule(ctx, &domain.Schedule{
		BankAccountID: "acc-1",
		Cron:          domain.DefaultCron,
		State:         domain.ScheduleStateScheduled,
	}))
	h.registry.err = errors.New("scheduler unavailable")

	require.NoError(t, h.svc.Restore(ctx))

	assert.Equal(t, 3, h.registry.calls)
	assert.Len(t, h.sleeps, 2)

	sched, err := h.store.GetSchedule(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatePendingInitialSync, sched.State)
	assert.Contains(t, sched.LastError, "scheduler unavailable")

	published := h.pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, jobs.JobTypeInitialSync, published[0].Type)
	assert.Equal(t, "acc-1", published[0].Key)
}

const importCSV = `Date;Description;Amount;Balance
15/03/2024;Coffee;-3,50;1.234,56
16/03/2024;Salary;2.000,00;3.234,56
yesterday;Broken;1,00;
`

func (h *harness) putFile(t *testing.T, name, content string) string {
	t.Helper()
	ref, err := h.files.Put(context.Background(), name, strings.NewReader(content))
	require.NoError(t, err)
	return ref
}

func validImport(ref string) ImportRequest {
	return ImportRequest{
		FilePaths:      []string{ref},
		BankAccountID:  "acc-1",
		Currency:       "eur",
		CurrentBalance: "3.234,56",
		Mappings: domain.ImportMapping{
			Date:        "Date",
			Description: "Description",
			Amount:      "Amount",
			Balance:     "Balance",
		},
		DateFormat: "02/01/2006",
		Convention: "comma",
	}
}

func TestHandleImport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")
	ref := h.putFile(t, "statement.csv", importCSV)

	res, err := h.svc.HandleImport(ctx, ImportRequested{ImportRequest: validImport(ref), TeamID: "team-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Files)
	assert.Equal(t, 3, res.RowsTotal)
	assert.Equal(t, 2, res.RowsImported)
	assert.Equal(t, 1, res.RowsSkipped)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "statement.csv", res.Warnings[0].File)
	assert.Equal(t, "date", res.Warnings[0].Field)
	assert.True(t, res.Warnings[0].Skipped)

	txs := h.transactions(t, "acc-1")
	require.Len(t, txs, 2)
	assert.True(t, decimal.RequireFromString("-3.5").Equal(txs[0].Amount))
	assert.True(t, decimal.RequireFromString("2000").Equal(txs[1].Amount))
	assert.Equal(t, "EUR", txs[0].Currency)
	assert.Empty(t, txs[0].ProviderTransactionID)

	account, err := h.store.GetBankAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, account.Balance)
	assert.True(t, decimal.RequireFromString("3234.56").Equal(*account.Balance))
	assert.Equal(t, "EUR", account.Currency)
}

func TestHandleImport_Deduplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")
	ref := h.putFile(t, "statement.csv", importCSV)

	req := validImport(ref)
	req.Deduplicate = true
	msg := ImportRequested{ImportRequest: req, TeamID: "team-1"}

	first, err := h.svc.HandleImport(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 2, first.RowsImported)

	second, err := h.svc.HandleImport(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 0, second.RowsImported)
	assert.Equal(t, 2, second.Duplicates)
	assert.Len(t, h.transactions(t, "acc-1"), 2)
}

func TestHandleImport_MissingFileIsPermanent(t *testing.T) {
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")

	_, err := h.svc.HandleImport(context.Background(), ImportRequested{ImportRequest: validImport("nope.csv")})
	assert.ErrorIs(t, err, jobs.ErrPermanent)
	assert.ErrorIs(t, err, files.ErrInvalidRef)
}

func TestImportRequest_Validate(t *testing.T) {
	err := ImportRequest{Currency: "euro", CurrentBalance: "abc", DateFormat: "yyyy"}.Validate()
	require.Error(t, err)

	var fe FieldErrors
	require.True(t, errors.As(err, &fe))

	fields := make([]string, 0, len(fe))
	for _, e := range fe {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"file_paths",
		"bank_account_id",
		"currency",
		"mappings.amount",
		"mappings.date",
		"mappings.description",
		"current_balance",
		"date_format",
	}, fields)

	assert.NoError(t, validImport("a.csv").Validate())
}

func TestRequestImport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")

	job, err := h.svc.RequestImport(ctx, "team-1", validImport("a.csv"))
	require.NoError(t, err)
	assert.Equal(t, jobs.JobTypeImport, job.Type)

	var msg ImportRequested
	require.NoError(t, json.Unmarshal(job.Payload, &msg))
	assert.Equal(t, "team-1", msg.TeamID)
	assert.Equal(t, []string{"a.csv"}, msg.FilePaths)

	_, err = h.svc.RequestImport(ctx, "team-2", validImport("a.csv"))
	var fe FieldErrors
	assert.True(t, errors.As(err, &fe))
}

func TestLinkAndUnlinkAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{EmitAccountEvents: true})

	account, err := h.svc.LinkAccount(ctx, LinkAccountRequest{TeamID: "team-1", ExternalAccountID: "ext-9", Currency: "gbp"})
	require.NoError(t, err)
	assert.NotEmpty(t, account.ID)
	assert.Equal(t, "GBP", account.Currency)

	require.NoError(t, h.svc.UnlinkAccount(ctx, account.ID))

	published := h.pub.published()
	require.Len(t, published, 2)
	assert.Equal(t, jobs.JobTypeAccountCreated, published[0].Type)
	assert.Equal(t, jobs.JobTypeAccountUnlinked, published[1].Type)

	_, err = h.store.GetBankAccount(ctx, account.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.LinkAccount(ctx, LinkAccountRequest{})
	var fe FieldErrors
	assert.True(t, errors.As(err, &fe))
}

func TestSuggestMapping(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.putFile(t, "statement.csv", importCSV)

	got, err := h.svc.SuggestMapping(context.Background(), ref)
	require.NoError(t, err)

	assert.Equal(t, []string{"Date", "Description", "Amount", "Balance"}, got.Headers)
	assert.Equal(t, "Amount", got.Mappings.Amount)
	assert.Equal(t, "Date", got.Mappings.Date)
	assert.Equal(t, "comma", got.Convention)
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.addAccount(t, "acc-1")
	h.fetcher.Set("ext-acc-1", rawTx("TX1", "5"))

	payload, err := json.Marshal(ScheduleFired{BankAccountID: "acc-1"})
	require.NoError(t, err)
	job := &jobs.Job{ID: "j1", Type: jobs.JobTypeScheduledSync, Payload: payload}
	require.NoError(t, h.svc.Handle(ctx, job))

	var res SyncResult
	require.NoError(t, json.Unmarshal(job.Result, &res))
	assert.Equal(t, 1, res.Written)

	err = h.svc.Handle(ctx, &jobs.Job{ID: "j2", Type: "unknown"})
	assert.ErrorIs(t, err, jobs.ErrPermanent)

	err = h.svc.Handle(ctx, &jobs.Job{ID: "j3", Type: jobs.JobTypeImport, Payload: []byte("{")})
	assert.ErrorIs(t, err, jobs.ErrPermanent)
}
