package reconcile

import (
	"errors"
	"fmt"
)

// ErrDuplicateTransaction marks a provider transaction that already existed
// during an insert-only reconcile.
var ErrDuplicateTransaction = errors.New("duplicate transaction")

// DuplicateError identifies the conflicting provider transaction.
type DuplicateError struct {
	ProviderTransactionID string
	BankAccountID         string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate transaction %s on bank account %s", e.ProviderTransactionID, e.BankAccountID)
}

// Is makes errors.Is(err, ErrDuplicateTransaction) true.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateTransaction
}
