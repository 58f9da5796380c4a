package workflow

import (
	"errors"
	"strings"
)

// ErrScheduleRegistration is returned when the recurring trigger of an
// account could not be registered within the configured attempts.
var ErrScheduleRegistration = errors.New("schedule registration failed")

// FieldError is a single invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors collects request validation failures.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, e := range fe {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Add records a failure for field.
func (fe *FieldErrors) Add(field, message string) {
	*fe = append(*fe, FieldError{Field: field, Message: message})
}

// Err returns fe as an error, or nil when empty.
func (fe FieldErrors) Err() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}
