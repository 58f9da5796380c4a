package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/importer"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/store"
)

// LinkAccountRequest is the body of an account creation request.
type LinkAccountRequest struct {
	ID                string `json:"id,omitempty"`
	TeamID            string `json:"team_id"`
	ExternalAccountID string `json:"external_account_id"`
	Name              string `json:"name,omitempty"`
	Currency          string `json:"currency,omitempty"`
}

// Validate checks the request shape and returns FieldErrors, or nil.
func (r LinkAccountRequest) Validate() error {
	var errs FieldErrors
	if strings.TrimSpace(r.TeamID) == "" {
		errs.Add("team_id", "is required")
	}
	if strings.TrimSpace(r.ExternalAccountID) == "" {
		errs.Add("external_account_id", "is required")
	}
	if r.Currency != "" && !currencyCode.MatchString(r.Currency) {
		errs.Add("currency", "must be a 3-letter ISO 4217 code")
	}
	return errs.Err()
}

// LinkAccount stores a new bank account and, when the service emits account
// events itself, dispatches AccountCreated.
func (s *Service) LinkAccount(ctx context.Context, req LinkAccountRequest) (*domain.BankAccount, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	account := &domain.BankAccount{
		ID:                req.ID,
		TeamID:            req.TeamID,
		ExternalAccountID: req.ExternalAccountID,
		Name:              req.Name,
		Currency:          strings.ToUpper(req.Currency),
		CreatedAt:         s.now(),
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if err := s.store.CreateBankAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("LinkAccount: %w", err)
	}

	if s.cfg.EmitAccountEvents {
		if _, err := s.dispatcher.Dispatch(ctx, AccountCreated{
			BankAccountID:     account.ID,
			ExternalAccountID: account.ExternalAccountID,
			TeamID:            account.TeamID,
		}); err != nil {
			return account, fmt.Errorf("LinkAccount: %w", err)
		}
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("bank_account_id", account.ID).
		Str("team_id", account.TeamID).
		Msg("bank account linked")
	return account, nil
}

// UnlinkAccount deletes a bank account and, when the service emits account
// events itself, dispatches AccountUnlinked.
func (s *Service) UnlinkAccount(ctx context.Context, id string) error {
	if err := s.store.DeleteBankAccount(ctx, id); err != nil {
		return fmt.Errorf("UnlinkAccount: %w", err)
	}
	if s.cfg.EmitAccountEvents {
		if _, err := s.dispatcher.Dispatch(ctx, AccountUnlinked{BankAccountID: id}); err != nil {
			return fmt.Errorf("UnlinkAccount: %w", err)
		}
	}
	log := logger.FromContext(ctx)
	log.Info().Str("bank_account_id", id).Msg("bank account unlinked")
	return nil
}

// Schedule returns the schedule of a bank account. Accounts without one are
// reported as unlinked.
func (s *Service) Schedule(ctx context.Context, bankAccountID string) (*domain.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, bankAccountID)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.Schedule{BankAccountID: bankAccountID, State: domain.ScheduleStateUnlinked}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Schedule: %w", err)
	}
	return sched, nil
}

// Transactions lists stored transactions.
func (s *Service) Transactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

// UploadFile stores an import file and returns its reference.
func (s *Service) UploadFile(ctx context.Context, name string, r io.Reader) (string, error) {
	if s.files == nil {
		return "", errors.New("UploadFile: no file source configured")
	}
	return s.files.Put(ctx, name, r)
}

// SuggestMapping proposes a column mapping and number format for the file at ref.
func (s *Service) SuggestMapping(ctx context.Context, ref string) (importer.Suggestion, error) {
	if s.files == nil {
		return importer.Suggestion{}, errors.New("SuggestMapping: no file source configured")
	}
	rc, err := s.files.Open(ctx, ref)
	if err != nil {
		return importer.Suggestion{}, fmt.Errorf("SuggestMapping: %w", err)
	}
	defer rc.Close()

	headers, samples, err := importer.Headers(rc, importer.ReadOptions{}, 5)
	if err != nil {
		return importer.Suggestion{}, fmt.Errorf("SuggestMapping: %w", err)
	}
	m, err := s.suggester.SuggestMapping(ctx, headers, samples)
	if err != nil {
		return importer.Suggestion{}, fmt.Errorf("SuggestMapping: %w", err)
	}
	return importer.Suggestion{
		Headers:    headers,
		Mappings:   m,
		Convention: importer.DetectConvention(samples, m.Amount).String(),
	}, nil
}
