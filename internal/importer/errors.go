package importer

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingMappedField marks a row whose mapped amount, date or
	// description column is absent or empty.
	ErrMissingMappedField = errors.New("missing mapped field")

	// ErrMalformedDate marks a row whose date column cannot be parsed.
	ErrMalformedDate = errors.New("malformed date")
)

// RowWarning describes a row that was skipped or imported with a field dropped.
type RowWarning struct {
	Line    int    `json:"line"`
	Field   string `json:"field,omitempty"`
	Skipped bool   `json:"skipped"`
	Err     error  `json:"-"`
}

func (w *RowWarning) Error() string {
	if w.Field == "" {
		return fmt.Sprintf("line %d: %v", w.Line, w.Err)
	}
	return fmt.Sprintf("line %d: %s: %v", w.Line, w.Field, w.Err)
}

func (w *RowWarning) Unwrap() error { return w.Err }
