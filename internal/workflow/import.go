package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/mossida/midday/internal/amount"
	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/files"
	"github.com/mossida/midday/internal/importer"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/logger"
)

// maxResultWarnings caps the warnings stored on an import job.
const maxResultWarnings = 100

var currencyCode = regexp.MustCompile(`^[A-Za-z]{3}$`)

// ImportRequest is the body of an import request.
type ImportRequest struct {
	FilePaths      []string             `json:"file_paths"`
	BankAccountID  string               `json:"bank_account_id"`
	Currency       string               `json:"currency"`
	CurrentBalance string               `json:"current_balance,omitempty"`
	Inverted       bool                 `json:"inverted"`
	Mappings       domain.ImportMapping `json:"mappings"`

	// DateFormat is a Go layout; empty tries common layouts.
	DateFormat string `json:"date_format,omitempty"`
	// Convention is auto, decimal_point or decimal_comma; empty uses the
	// service default.
	Convention string `json:"convention,omitempty"`
	// Deduplicate gives rows stable ids so importing a file twice is a no-op.
	Deduplicate bool `json:"deduplicate,omitempty"`
}

// Validate checks the request shape and returns FieldErrors, or nil.
func (r ImportRequest) Validate() error {
	var errs FieldErrors

	if len(r.FilePaths) == 0 {
		errs.Add("file_paths", "at least one file is required")
	}
	for i, p := range r.FilePaths {
		if strings.TrimSpace(p) == "" {
			errs.Add(fmt.Sprintf("file_paths[%d]", i), "must not be empty")
		}
	}
	if strings.TrimSpace(r.BankAccountID) == "" {
		errs.Add("bank_account_id", "is required")
	}
	if !currencyCode.MatchString(r.Currency) {
		errs.Add("currency", "must be a 3-letter ISO 4217 code")
	}
	if strings.TrimSpace(r.Mappings.Amount) == "" {
		errs.Add("mappings.amount", "is required")
	}
	if strings.TrimSpace(r.Mappings.Date) == "" {
		errs.Add("mappings.date", "is required")
	}
	if strings.TrimSpace(r.Mappings.Description) == "" {
		errs.Add("mappings.description", "is required")
	}

	conv := amount.Auto
	if r.Convention != "" {
		c, err := amount.ParseConvention(r.Convention)
		if err != nil {
			errs.Add("convention", err.Error())
		} else {
			conv = c
		}
	}
	if r.CurrentBalance != "" {
		if _, err := amount.Normalize(r.CurrentBalance, conv); err != nil {
			errs.Add("current_balance", err.Error())
		}
	}
	if r.DateFormat != "" && !validDateLayout(r.DateFormat) {
		errs.Add("date_format", "must be a Go date layout such as 02/01/2006")
	}

	return errs.Err()
}

// validDateLayout reports whether layout round-trips a calendar date.
func validDateLayout(layout string) bool {
	ref := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	t, err := time.Parse(layout, ref.Format(layout))
	return err == nil && civil.DateOf(t) == civil.DateOf(ref)
}

// ImportWarning is a row warning recorded on the import job.
type ImportWarning struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Field   string `json:"field,omitempty"`
	Skipped bool   `json:"skipped"`
	Message string `json:"message"`
}

// ImportResult is recorded on import jobs.
type ImportResult struct {
	BankAccountID string          `json:"bank_account_id"`
	Files         int             `json:"files"`
	RowsTotal     int             `json:"rows_total"`
	RowsImported  int             `json:"rows_imported"`
	RowsSkipped   int             `json:"rows_skipped"`
	Duplicates    int             `json:"duplicates"`
	Warnings      []ImportWarning `json:"warnings,omitempty"`
}

// RequestImport validates req and dispatches the import job.
func (s *Service) RequestImport(ctx context.Context, teamID string, req ImportRequest) (*jobs.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	account, err := s.store.GetBankAccount(ctx, req.BankAccountID)
	if err != nil {
		return nil, fmt.Errorf("RequestImport: %w", err)
	}
	if teamID != "" && account.TeamID != teamID {
		return nil, FieldErrors{{Field: "bank_account_id", Message: "does not belong to the team"}}
	}
	return s.dispatcher.Dispatch(ctx, ImportRequested{ImportRequest: req, TeamID: account.TeamID})
}

// HandleImport updates the account balance once, then maps every file and
// reconciles its rows in upsert-ignore mode. Invalid rows are skipped and
// reported on the result.
func (s *Service) HandleImport(ctx context.Context, msg ImportRequested) (ImportResult, error) {
	res := ImportResult{BankAccountID: msg.BankAccountID}

	if err := msg.Validate(); err != nil {
		return res, fmt.Errorf("HandleImport: %w: %w", jobs.ErrPermanent, err)
	}
	if s.files == nil {
		return res, fmt.Errorf("HandleImport: no file source configured: %w", jobs.ErrPermanent)
	}

	account, err := s.account(ctx, msg.BankAccountID)
	if err != nil {
		return res, fmt.Errorf("HandleImport: %w", err)
	}
	ctx, log := logger.ForAccount(ctx, account.TeamID, account.ID)

	conv := s.cfg.Convention
	if msg.Convention != "" {
		conv, _ = amount.ParseConvention(msg.Convention)
	}
	currency := strings.ToUpper(msg.Currency)

	if msg.CurrentBalance != "" {
		balance, err := amount.Normalize(msg.CurrentBalance, conv)
		if err != nil {
			return res, fmt.Errorf("HandleImport: current_balance: %w: %w", jobs.ErrPermanent, err)
		}
		if err := s.store.UpdateBankAccountBalance(ctx, account.ID, currency, balance); err != nil {
			return res, fmt.Errorf("HandleImport: updating balance: %w", err)
		}
		log.Info().Str("balance", balance.String()).Str("currency", currency).Msg("account balance updated")
	}

	for _, ref := range msg.FilePaths {
		if err := s.importFile(ctx, account, msg, conv, currency, ref, &res); err != nil {
			// rows without a provider id are not idempotent, so a
			// partially written import is not retried
			if res.RowsImported > 0 && !errors.Is(err, jobs.ErrPermanent) {
				err = fmt.Errorf("%w: %w", jobs.ErrPermanent, err)
			}
			return res, fmt.Errorf("HandleImport: %s: %w", ref, err)
		}
		res.Files++
	}

	log.Info().
		Int("files", res.Files).
		Int("rows_total", res.RowsTotal).
		Int("count", res.RowsImported).
		Int("rows_skipped", res.RowsSkipped).
		Msg("transactions imported")
	return res, nil
}

func (s *Service) importFile(ctx context.Context, account *domain.BankAccount, msg ImportRequested, conv amount.Convention, currency, ref string, res *ImportResult) error {
	rc, err := s.files.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, files.ErrInvalidRef) {
			return fmt.Errorf("%w: %w", jobs.ErrPermanent, err)
		}
		return err
	}
	defer rc.Close()

	mapper := &importer.Mapper{
		Mapping:     msg.Mappings,
		Inverted:    msg.Inverted,
		Convention:  conv,
		DateFormat:  msg.DateFormat,
		Currency:    currency,
		Fingerprint: msg.Deduplicate,
		Namespace:   account.ID,
	}

	out, err := s.engine.Reconcile(ctx, account.TeamID, account.ID, mapper.MapRows(importer.ReadRows(rc, importer.ReadOptions{})), reconcileUpsert)
	res.RowsTotal += mapper.Total()
	res.RowsImported += out.Written
	res.RowsSkipped += mapper.Skipped()
	res.Duplicates += out.Skipped

	name := files.BaseName(ref)
	for _, w := range mapper.Warnings() {
		if len(res.Warnings) >= maxResultWarnings {
			break
		}
		res.Warnings = append(res.Warnings, ImportWarning{
			File:    name,
			Line:    w.Line,
			Field:   w.Field,
			Skipped: w.Skipped,
			Message: w.Err.Error(),
		})
	}

	if err != nil {
		return err
	}
	if err := mapper.Err(); err != nil {
		return fmt.Errorf("reading rows: %w", err)
	}
	if n := len(mapper.Warnings()); n > 0 {
		log := logger.FromContext(ctx)
		log.Warn().Str("file", name).Int("warnings", n).Msg("rows skipped or incomplete")
	}
	return nil
}
