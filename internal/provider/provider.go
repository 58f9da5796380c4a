// Package provider abstracts the banking-data provider transactions are
// pulled from.
package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/mossida/midday/internal/domain"
)

// ErrFetchFailed wraps any error that interrupted a fetch. Fetch failures are
// transient from the workflow's point of view and retried by the job queue.
var ErrFetchFailed = errors.New("provider fetch failed")

// RawTransaction is a transaction as delivered by the provider.
type RawTransaction struct {
	ID          string
	Date        civil.Date
	Description string
	Amount      decimal.Decimal
	Currency    string
	Balance     *decimal.Decimal
}

// Fetcher returns the transactions of one external account.
type Fetcher interface {
	// Transactions yields the account's transactions. An error ends the
	// sequence.
	Transactions(ctx context.Context, externalAccountID string) iter.Seq2[RawTransaction, error]
}

// Collect drains seq. Any error discards what was read and is returned
// wrapped in ErrFetchFailed, so callers never reconcile a partial fetch.
func Collect(seq iter.Seq2[RawTransaction, error]) ([]RawTransaction, error) {
	var out []RawTransaction
	for tx, err := range seq {
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

// ToTransaction converts a provider transaction to the domain type.
func ToTransaction(raw RawTransaction) domain.Transaction {
	return domain.Transaction{
		ProviderTransactionID: raw.ID,
		Date:                  raw.Date,
		Description:           raw.Description,
		Amount:                raw.Amount,
		Currency:              raw.Currency,
		Balance:               raw.Balance,
	}
}

// Transactions converts a collected fetch into a domain sequence.
func Transactions(raws []RawTransaction) iter.Seq[domain.Transaction] {
	return func(yield func(domain.Transaction) bool) {
		for _, raw := range raws {
			if !yield(ToTransaction(raw)) {
				return
			}
		}
	}
}

// StaticFetcher serves fixed transactions per external account. It backs
// local runs without provider credentials.
type StaticFetcher struct {
	mu       sync.RWMutex
	accounts map[string][]RawTransaction
	errs     map[string]error
}

// NewStaticFetcher creates an empty StaticFetcher.
func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{
		accounts: make(map[string][]RawTransaction),
		errs:     make(map[string]error),
	}
}

// Set replaces the transactions served for externalAccountID.
func (f *StaticFetcher) Set(externalAccountID string, txs ...RawTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[externalAccountID] = slices.Clone(txs)
	delete(f.errs, externalAccountID)
}

// Fail makes the next fetches for externalAccountID yield err after the
// configured transactions.
func (f *StaticFetcher) Fail(externalAccountID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[externalAccountID] = err
}

// Transactions implements Fetcher.
func (f *StaticFetcher) Transactions(ctx context.Context, externalAccountID string) iter.Seq2[RawTransaction, error] {
	f.mu.RLock()
	txs := slices.Clone(f.accounts[externalAccountID])
	failErr := f.errs[externalAccountID]
	f.mu.RUnlock()

	return func(yield func(RawTransaction, error) bool) {
		for _, tx := range txs {
			if err := ctx.Err(); err != nil {
				yield(RawTransaction{}, err)
				return
			}
			if !yield(tx, nil) {
				return
			}
		}
		if failErr != nil {
			yield(RawTransaction{}, failErr)
		}
	}
}

var _ Fetcher = (*StaticFetcher)(nil)
