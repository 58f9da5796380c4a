package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossida/midday/internal/api/middleware"
	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/files"
	memstore "github.com/mossida/midday/internal/infra/inmemory"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/jobs/inmemory"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/provider"
	"github.com/mossida/midday/internal/schedule"
	"github.com/mossida/midday/internal/workflow"
)

const statementCSV = `Date;Description;Amount;Balance
15/03/2024;Coffee;-3,50;1.234,56
16/03/2024;Salary;2.000,00;3.234,56
`

type testServer struct {
	handler  http.Handler
	store    *memstore.Store
	jobStore *inmemory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := memstore.NewStore()
	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(inmemory.QueueConfig{}, jobStore)
	t.Cleanup(func() { _ = queue.Close() })

	src, err := files.NewLocal(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	svc := workflow.NewService(workflow.Deps{
		Store:      st,
		Locker:     memstore.NewLocker(),
		Fetcher:    provider.NewStaticFetcher(),
		Registry:   schedule.NewCronRegistry(ctx, func(context.Context, string) {}),
		Dispatcher: workflow.NewDispatcher(queue),
		Files:      src,
	}, workflow.Config{EmitAccountEvents: true})

	log := logger.NewWithWriter(io.Discard)
	return &testServer{handler: NewRouter(svc, jobStore, log), store: st, jobStore: jobStore}
}

func (s *testServer) do(t *testing.T, method, target, team string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if team != "" {
		req.Header.Set(middleware.TeamHeader, team)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(t *testing.T, method, target, team string, v any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return s.do(t, method, target, team, bytes.NewReader(data))
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) linkAccount(t *testing.T, id, team string) {
	t.Helper()
	rec := s.doJSON(t, http.MethodPost, "/api/bank-accounts", team, map[string]string{
		"id":                  id,
		"external_account_id": "ext-" + id,
		"currency":            "eur",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLinkAccount(t *testing.T) {
	s := newTestServer(t)

	rec := s.doJSON(t, http.MethodPost, "/api/bank-accounts", "team-1", map[string]string{
		"id":                  "acc-1",
		"external_account_id": "ext-acc-1",
		"currency":            "eur",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	account := decodeBody[domain.BankAccount](t, rec)
	assert.Equal(t, "acc-1", account.ID)
	assert.Equal(t, "team-1", account.TeamID)
	assert.Equal(t, "EUR", account.Currency)

	list, err := s.jobStore.ListJobs(context.Background(), jobs.JobFilter{Type: jobs.JobTypeAccountCreated})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "acc-1", list[0].Key)
}

func TestLinkAccount_Invalid(t *testing.T) {
	s := newTestServer(t)

	rec := s.doJSON(t, http.MethodPost, "/api/bank-accounts", "team-1", map[string]string{"currency": "euro"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody[struct {
		Error  string                `json:"error"`
		Fields []workflow.FieldError `json:"fields"`
	}](t, rec)
	assert.Equal(t, "Invalid request", body.Error)
	assert.Len(t, body.Fields, 2)

	rec = s.doJSON(t, http.MethodPost, "/api/bank-accounts", "team-1", map[string]string{
		"team_id":             "team-2",
		"external_account_id": "ext",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/bank-accounts", "team-1", strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnlinkAccount(t *testing.T) {
	s := newTestServer(t)
	s.linkAccount(t, "acc-1", "team-1")

	rec := s.do(t, http.MethodDelete, "/api/bank-accounts/acc-1", "team-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	list, err := s.jobStore.ListJobs(context.Background(), jobs.JobFilter{Type: jobs.JobTypeAccountUnlinked})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	rec = s.do(t, http.MethodDelete, "/api/bank-accounts/acc-1", "team-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadAndSuggestMapping(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/imports/upload?filename=statement.csv", "team-1", strings.NewReader(statementCSV))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	uploaded := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "statement.csv", uploaded["file_path"])

	rec = s.doJSON(t, http.MethodPost, "/api/imports/suggest-mapping", "team-1", map[string]string{"file_path": uploaded["file_path"]})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got struct {
		Headers    []string             `json:"headers"`
		Mappings   domain.ImportMapping `json:"mappings"`
		Convention string               `json:"convention"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"Date", "Description", "Amount", "Balance"}, got.Headers)
	assert.Equal(t, "Amount", got.Mappings.Amount)
	assert.Equal(t, "comma", got.Convention)
}

func TestUpload_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/imports/upload", "team-1", strings.NewReader(statementCSV))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/api/imports/suggest-mapping", "team-1", map[string]string{"file_path": "missing.csv"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/api/imports/suggest-mapping", "team-1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func importBody(accountID string) map[string]any {
	return map[string]any{
		"file_paths":      []string{"statement.csv"},
		"bank_account_id": accountID,
		"currency":        "EUR",
		"current_balance": "3.234,56",
		"mappings": map[string]string{
			"date":        "Date",
			"description": "Description",
			"amount":      "Amount",
		},
		"date_format": "02/01/2006",
		"convention":  "comma",
	}
}

func TestRequestImport(t *testing.T) {
	s := newTestServer(t)
	s.linkAccount(t, "acc-1", "team-1")

	rec := s.doJSON(t, http.MethodPost, "/api/imports", "team-1", importBody("acc-1"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	accepted := decodeBody[map[string]string](t, rec)
	assert.Equal(t, string(jobs.JobStatusPending), accepted["status"])
	require.NotEmpty(t, accepted["job_id"])

	rec = s.do(t, http.MethodGet, "/api/jobs/"+accepted["job_id"], "team-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeBody[jobs.Job](t, rec)
	assert.Equal(t, jobs.JobTypeImport, job.Type)
	assert.Equal(t, "acc-1", job.Key)

	rec = s.do(t, http.MethodGet, "/api/jobs?bank_account_id=acc-1&type=transactions.import", "team-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[struct {
		Jobs  []jobs.Job `json:"jobs"`
		Count int        `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, listed.Count)
}

func TestRequestImport_Errors(t *testing.T) {
	s := newTestServer(t)
	s.linkAccount(t, "acc-1", "team-1")

	body := importBody("acc-1")
	body["currency"] = "euro"
	rec := s.doJSON(t, http.MethodPost, "/api/imports", "team-1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/api/imports", "team-2", importBody("acc-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/api/imports", "team-1", importBody("acc-404"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/jobs/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSchedule_Unlinked(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/schedules/acc-9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sched := decodeBody[domain.Schedule](t, rec)
	assert.Equal(t, "acc-9", sched.BankAccountID)
	assert.Equal(t, domain.ScheduleStateUnlinked, sched.State)
}

func TestListTransactions(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	day := func(d int) civil.Date { return civil.Date{Year: 2024, Month: time.March, Day: d} }
	_, err := s.store.InsertTransactions(ctx, []domain.Transaction{
		{ID: "t1", TeamID: "team-1", BankAccountID: "acc-1", Date: day(1), Description: "a", Amount: decimal.NewFromInt(-1), Currency: "EUR"},
		{ID: "t2", TeamID: "team-1", BankAccountID: "acc-1", Date: day(10), Description: "b", Amount: decimal.NewFromInt(2), Currency: "EUR"},
		{ID: "t3", TeamID: "team-2", BankAccountID: "acc-2", Date: day(10), Description: "c", Amount: decimal.NewFromInt(3), Currency: "EUR"},
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/transactions?bank_account_id=acc-1&start_date=2024-03-05&end_date=2024-03-31", "team-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]domain.Transaction](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "t2", txs[0].ID)

	rec = s.do(t, http.MethodGet, "/api/transactions", "team-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs = decodeBody[[]domain.Transaction](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "t3", txs[0].ID)

	rec = s.do(t, http.MethodGet, "/api/transactions?bank_account_id=none", "team-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/transactions?start_date=03/05/2024", "team-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/transactions?start_date=2024-03-10&end_date=2024-03-01", "team-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPut, "/api/imports", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
