package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/schedule"
	"github.com/mossida/midday/internal/store"
)

// HandleAccountCreated moves the account to PendingInitialSync and emits the
// initial sync. The recurring trigger is registered by the initial sync job,
// so registration always follows this event.
func (s *Service) HandleAccountCreated(ctx context.Context, msg AccountCreated) error {
	ctx, log := logger.ForAccount(ctx, msg.TeamID, msg.BankAccountID)

	existing, err := s.store.GetSchedule(ctx, msg.BankAccountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		now := s.now()
		pending := &domain.Schedule{
			BankAccountID: msg.BankAccountID,
			TeamID:        msg.TeamID,
			Cron:          s.cfg.Cron,
			State:         domain.ScheduleStatePendingInitialSync,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.SaveSchedule(ctx, pending); err != nil {
			return fmt.Errorf("HandleAccountCreated: saving schedule: %w", err)
		}
	case err != nil:
		return fmt.Errorf("HandleAccountCreated: loading schedule: %w", err)
	case existing.State == domain.ScheduleStateScheduled:
		log.Info().Msg("account already scheduled, ignoring duplicate creation event")
		return nil
	}

	job, err := s.dispatcher.Dispatch(ctx, InitialSyncRequested(msg))
	if err != nil {
		return fmt.Errorf("HandleAccountCreated: %w", err)
	}

	log.Info().Str("initial_sync_job_id", job.ID).Msg("initial sync requested")
	return nil
}

// HandleInitialSync runs the first sync in insert-only mode, then registers
// the recurring trigger whatever the sync outcome.
func (s *Service) HandleInitialSync(ctx context.Context, msg InitialSyncRequested) (SyncResult, error) {
	account, err := s.account(ctx, msg.BankAccountID)
	if err != nil {
		return SyncResult{BankAccountID: msg.BankAccountID}, err
	}

	result, syncErr := s.sync(ctx, account, reconcileInsertOnly)
	regErr := s.ensureScheduled(ctx, account)

	if syncErr == nil && errors.Is(regErr, ErrScheduleRegistration) {
		// retrying the job would not help; the failure is already alerted
		regErr = fmt.Errorf("%w: %w", jobs.ErrPermanent, regErr)
	}
	return result, errors.Join(syncErr, regErr)
}

// HandleAccountUnlinked removes the recurring trigger and the schedule row.
func (s *Service) HandleAccountUnlinked(ctx context.Context, msg AccountUnlinked) error {
	if err := s.teardown(ctx, msg.BankAccountID); err != nil {
		return fmt.Errorf("HandleAccountUnlinked: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("bank_account_id", msg.BankAccountID).
		Msg("recurring sync removed")
	return nil
}

func (s *Service) teardown(ctx context.Context, bankAccountID string) error {
	if err := s.registry.Unregister(ctx, bankAccountID); err != nil {
		return fmt.Errorf("unregistering: %w", err)
	}
	if err := s.store.DeleteSchedule(ctx, bankAccountID); err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	return nil
}

// ensureScheduled registers the account's trigger with bounded, backed-off
// retries. Already scheduled accounts are left alone.
func (s *Service) ensureScheduled(ctx context.Context, account *domain.BankAccount) error {
	ctx, log := logger.ForAccount(ctx, account.TeamID, account.ID)

	sched, err := s.store.GetSchedule(ctx, account.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		now := s.now()
		sched = &domain.Schedule{
			BankAccountID: account.ID,
			TeamID:        account.TeamID,
			Cron:          s.cfg.Cron,
			State:         domain.ScheduleStatePendingInitialSync,
			CreatedAt:     now,
		}
	case err != nil:
		return fmt.Errorf("ensureScheduled: loading schedule: %w", err)
	case sched.State == domain.ScheduleStateScheduled && s.registry.Registered(account.ID):
		return nil
	}
	if sched.Cron == "" {
		sched.Cron = s.cfg.Cron
	}

	bo := s.cfg.RegistrationBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RegistrationAttempts; attempt++ {
		regID, err := s.registry.Register(ctx, account.ID, sched.Cron)
		sched.Attempts = attempt
		sched.UpdatedAt = s.now()

		if err == nil {
			sched.State = domain.ScheduleStateScheduled
			sched.RegistrationID = regID
			sched.LastError = ""
			if err := s.store.SaveSchedule(ctx, sched); err != nil {
				return fmt.Errorf("ensureScheduled: saving schedule: %w", err)
			}
			log.Info().
				Str("cron", sched.Cron).
				Str("registration_id", regID).
				Int("attempts", attempt).
				Msg("recurring sync scheduled")
			return nil
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("schedule registration failed")
		if errors.Is(err, schedule.ErrInvalidCron) || attempt == s.cfg.RegistrationAttempts {
			break
		}
		if err := s.sleep(ctx, bo.Pause()); err != nil {
			lastErr = err
			break
		}
	}

	sched.State = domain.ScheduleStatePendingInitialSync
	sched.LastError = lastErr.Error()
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		log.Error().Err(err).Msg("failed to record schedule registration failure")
	}

	log.Error().
		Err(lastErr).
		Bool("alert", true).
		Int("attempts", sched.Attempts).
		Msg("recurring sync could not be scheduled")

	return fmt.Errorf("%w: bank account %s: %w", ErrScheduleRegistration, account.ID, lastErr)
}

// Restore re-registers every scheduled account and re-requests the initial
// sync of accounts left pending. A scheduled account whose registration
// still fails after retries gets a new initial sync, which registers again.
// It runs once at process start.
func (s *Service) Restore(ctx context.Context) error {
	log := logger.FromContext(ctx)

	schedules, err := s.store.ListSchedules(ctx, "")
	if err != nil {
		return fmt.Errorf("Restore: listing schedules: %w", err)
	}

	var errs []error
	restored, requested := 0, 0
	for _, sched := range schedules {
		if sched.State != domain.ScheduleStateScheduled && sched.State != domain.ScheduleStatePendingInitialSync {
			continue
		}

		account, err := s.store.GetBankAccount(ctx, sched.BankAccountID)
		if errors.Is(err, store.ErrNotFound) {
			if err := s.teardown(ctx, sched.BankAccountID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("loading %s: %w", sched.BankAccountID, err))
			continue
		}

		if sched.State == domain.ScheduleStateScheduled {
			err = s.ensureScheduled(ctx, account)
			if err == nil {
				restored++
				continue
			}
			if ctx.Err() != nil {
				return fmt.Errorf("Restore: %w", err)
			}
		}

		if _, err := s.dispatcher.Dispatch(ctx, InitialSyncRequested{
			BankAccountID:     account.ID,
			ExternalAccountID: account.ExternalAccountID,
			TeamID:            account.TeamID,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		requested++
	}

	log.Info().
		Int("restored", restored).
		Int("initial_syncs_requested", requested).
		Msg("schedules restored")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("Restore: %w", err)
	}
	return nil
}
