package importer

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/mossida/midday/internal/amount"
	"github.com/mossida/midday/internal/domain"
)

// Mapper projects CSV rows into transactions using a column mapping.
// A Mapper is used for a single import and is not safe for concurrent use.
type Mapper struct {
	Mapping    domain.ImportMapping
	Inverted   bool              // negate every amount
	Convention amount.Convention // number format of amount and balance columns
	// DateFormat is a Go layout. When empty, the first date that parses picks
	// a default layout and every later row must match it.
	DateFormat string
	Currency   string

	// Fingerprint assigns import_<hash> provider ids so re-importing a file is
	// a no-op. Namespace scopes the ids, usually to the bank account.
	Fingerprint bool
	Namespace   string

	warnings []RowWarning
	total    int
	err      error
	layout   string
	fp       *fingerprinter
}

// MapRows returns the transactions for the valid rows. Invalid rows are
// skipped and recorded in Warnings. Read errors other than malformed records
// end the sequence; they are recorded as a warning on line 0 and reported by
// Err.
func (m *Mapper) MapRows(rows iter.Seq2[RawRow, error]) iter.Seq[domain.Transaction] {
	return func(yield func(domain.Transaction) bool) {
		for row, err := range rows {
			if err != nil {
				var rowErr *RowError
				if !errors.As(err, &rowErr) {
					m.err = err
					m.warn(RowWarning{Err: err})
					return
				}
				m.total++
				m.warn(RowWarning{Line: rowErr.Line, Skipped: true, Err: rowErr.Err})
				continue
			}

			m.total++
			tx, ok := m.mapRow(row)
			if !ok {
				continue
			}
			if !yield(tx) {
				return
			}
		}
	}
}

func (m *Mapper) mapRow(row RawRow) (domain.Transaction, bool) {
	required := []struct{ field, column string }{
		{"amount", m.Mapping.Amount},
		{"date", m.Mapping.Date},
		{"description", m.Mapping.Description},
	}
	values := make(map[string]string, len(required))
	for _, r := range required {
		v, ok := row.Get(r.column)
		if !ok {
			m.warn(RowWarning{
				Line:    row.Line,
				Field:   r.field,
				Skipped: true,
				Err:     fmt.Errorf("%w: column %q", ErrMissingMappedField, r.column),
			})
			return domain.Transaction{}, false
		}
		values[r.field] = v
	}

	amt, err := amount.Normalize(values["amount"], m.Convention)
	if err != nil {
		m.warn(RowWarning{Line: row.Line, Field: "amount", Skipped: true, Err: err})
		return domain.Transaction{}, false
	}
	if m.Inverted {
		amt = amt.Neg()
	}

	layout := m.DateFormat
	if layout == "" {
		layout = m.layout
	}
	date, matched, err := DetectDate(values["date"], layout)
	if err != nil {
		m.warn(RowWarning{Line: row.Line, Field: "date", Skipped: true, Err: err})
		return domain.Transaction{}, false
	}
	m.layout = matched

	tx := domain.Transaction{
		Date:        date,
		Description: values["description"],
		Amount:      amt,
		Currency:    strings.ToUpper(m.Currency),
	}

	if m.Mapping.Balance != "" {
		if raw, ok := row.Get(m.Mapping.Balance); ok {
			bal, err := amount.Normalize(raw, m.Convention)
			if err != nil {
				// the row is still valid without its running balance
				m.warn(RowWarning{Line: row.Line, Field: "balance", Err: err})
			} else {
				tx.Balance = &bal
			}
		}
	}

	if m.Fingerprint {
		if m.fp == nil {
			m.fp = newFingerprinter(m.Namespace)
		}
		tx.ProviderTransactionID = m.fp.id(row.Fields)
	}
	return tx, true
}

func (m *Mapper) warn(w RowWarning) {
	m.warnings = append(m.warnings, w)
}

// Warnings returns the row warnings collected so far.
func (m *Mapper) Warnings() []RowWarning {
	return m.warnings
}

// Total returns the number of rows read so far, valid or not.
func (m *Mapper) Total() int {
	return m.total
}

// Skipped returns the number of rows dropped so far.
func (m *Mapper) Skipped() int {
	n := 0
	for _, w := range m.warnings {
		if w.Skipped {
			n++
		}
	}
	return n
}

// Err returns the read error that ended MapRows early, if any.
func (m *Mapper) Err() error {
	return m.err
}
