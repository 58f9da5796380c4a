package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/provider"
	"github.com/mossida/midday/internal/reconcile"
	"github.com/mossida/midday/internal/store"
)

const (
	reconcileInsertOnly = reconcile.ModeInsertOnly
	reconcileUpsert     = reconcile.ModeUpsertIgnoreDuplicates
)

// SyncResult is recorded on sync jobs.
type SyncResult struct {
	BankAccountID string `json:"bank_account_id"`
	Mode          string `json:"mode,omitempty"`
	Fetched       int    `json:"fetched"`
	Written       int    `json:"written"`
	Duplicates    int    `json:"duplicates"`

	// Skipped is set when another process held the account's sync lock.
	Skipped bool `json:"skipped,omitempty"`
	// Shared is set when the result came from a sync already in flight.
	Shared bool `json:"shared,omitempty"`
}

// HandleScheduleFired runs a recurring sync. A firing for a removed account
// tears its schedule down.
func (s *Service) HandleScheduleFired(ctx context.Context, msg ScheduleFired) (SyncResult, error) {
	account, err := s.store.GetBankAccount(ctx, msg.BankAccountID)
	if errors.Is(err, store.ErrNotFound) {
		log := logger.FromContext(ctx)
		log.Warn().
			Str("bank_account_id", msg.BankAccountID).
			Msg("schedule fired for unknown bank account, removing it")
		if err := s.teardown(ctx, msg.BankAccountID); err != nil {
			return SyncResult{BankAccountID: msg.BankAccountID}, fmt.Errorf("HandleScheduleFired: %w", err)
		}
		return SyncResult{BankAccountID: msg.BankAccountID, Skipped: true}, nil
	}
	if err != nil {
		return SyncResult{BankAccountID: msg.BankAccountID}, fmt.Errorf("HandleScheduleFired: %w", err)
	}
	return s.sync(ctx, account, reconcileUpsert)
}

// sync fetches the account's transactions and reconciles them. Concurrent
// calls for one account and mode share one run, and the optional Locker skips
// a run while another sync of the account holds it.
func (s *Service) sync(ctx context.Context, account *domain.BankAccount, mode reconcile.Mode) (SyncResult, error) {
	v, err, shared := s.syncs.Do(account.ID+":"+mode.String(), func() (any, error) {
		return s.syncLocked(ctx, account, mode)
	})
	res := v.(SyncResult)
	res.Shared = shared
	return res, err
}

func (s *Service) syncLocked(ctx context.Context, account *domain.BankAccount, mode reconcile.Mode) (SyncResult, error) {
	log := logger.FromContext(ctx).With().
		Str("bank_account_id", account.ID).
		Str("team_id", account.TeamID).
		Stringer("mode", mode).
		Logger()
	ctx = logger.WithContext(ctx, log)

	res := SyncResult{BankAccountID: account.ID, Mode: mode.String()}

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, "sync:"+account.ID)
		if err != nil {
			return res, fmt.Errorf("sync: acquiring lock: %w", err)
		}
		if !acquired {
			log.Info().Msg("sync already running elsewhere, skipping")
			res.Skipped = true
			return res, nil
		}
		defer release()
	}

	fetchCtx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	raws, err := provider.Collect(s.fetcher.Transactions(fetchCtx, account.ExternalAccountID))
	if err != nil {
		return res, fmt.Errorf("sync: %s: %w", account.ID, err)
	}
	res.Fetched = len(raws)

	out, err := s.engine.Reconcile(ctx, account.TeamID, account.ID, provider.Transactions(raws), mode)
	res.Written = out.Written
	res.Duplicates = out.Skipped
	if err != nil {
		return res, fmt.Errorf("sync: %s: %w", account.ID, err)
	}

	log.Info().
		Int("fetched", res.Fetched).
		Int("count", res.Written).
		Int("duplicates", res.Duplicates).
		Msg("transactions synced")
	return res, nil
}

// account loads a bank account; a missing account is a permanent failure.
func (s *Service) account(ctx context.Context, id string) (*domain.BankAccount, error) {
	account, err := s.store.GetBankAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("bank account %s: %w: %w", id, jobs.ErrPermanent, err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading bank account %s: %w", id, err)
	}
	return account, nil
}
