package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Transaction represents one normalized transaction, either pulled from the
// banking-data provider or mapped from an imported file.
// TeamID and BankAccountID are stamped by the reconcile engine; fetched and
// mapped records do not carry them.
type Transaction struct {
	ID string `json:"id"` // assigned before the first write

	// ProviderTransactionID is the dedup key. Empty for manually imported rows,
	// in which case uniqueness is not enforced.
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`

	TeamID        string `json:"team_id"`
	BankAccountID string `json:"bank_account_id"`

	Date        civil.Date       `json:"date"`
	Description string           `json:"description"`
	Amount      decimal.Decimal  `json:"amount"`            // negative = outflow
	Currency    string           `json:"currency"`          // ISO 4217
	Balance     *decimal.Decimal `json:"balance,omitempty"` // running balance after the transaction

	CreatedAt time.Time `json:"created_at"`
}

// HasProviderID reports whether the transaction takes part in deduplication.
func (t *Transaction) HasProviderID() bool {
	return t.ProviderTransactionID != ""
}
