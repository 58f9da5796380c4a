package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BankAccount is a linked account at the banking-data provider.
// Every bank account belongs to exactly one team.
type BankAccount struct {
	ID                string           `json:"id"`
	TeamID            string           `json:"team_id"`
	ExternalAccountID string           `json:"external_account_id"` // provider reference used for fetching
	Name              string           `json:"name,omitempty"`
	Currency          string           `json:"currency,omitempty"`
	Balance           *decimal.Decimal `json:"balance,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}
