// Package gocardless implements provider.Fetcher against the GoCardless Bank
// Account Data API.
package gocardless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/provider"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://bankaccountdata.gocardless.com"

// tokenSkew renews access tokens this long before they expire.
const tokenSkew = 30 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL           string
	SecretID          string
	SecretKey         string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client talks to GoCardless. It is safe for concurrent use.
type Client struct {
	baseURL   string
	secretID  string
	secretKey string
	http      *http.Client
	limiter   *rate.Limiter

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, errors.New("NewClient: secret id and secret key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretID:  cfg.SecretID,
		secretKey: cfg.SecretKey,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, 1),
		now:       time.Now,
	}, nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gocardless: status %d: %s", e.StatusCode, e.Body)
}

type tokenResponse struct {
	Access        string `json:"access"`
	AccessExpires int    `json:"access_expires"` // seconds
}

// accessToken returns a cached token or exchanges the secrets for a new one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"secret_id":  c.secretID,
		"secret_key": c.secretKey,
	})
	if err != nil {
		return "", fmt.Errorf("accessToken: marshal: %w", err)
	}

	var tok tokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/v2/token/new/", "", bytes.NewReader(body), &tok); err != nil {
		return "", fmt.Errorf("accessToken: %w", err)
	}
	if tok.Access == "" {
		return "", errors.New("accessToken: empty access token")
	}

	c.token = tok.Access
	c.expires = c.now().Add(time.Duration(tok.AccessExpires)*time.Second - tokenSkew)
	return c.token, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

type amountField struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type bookedTransaction struct {
	TransactionID                     string      `json:"transactionId"`
	InternalTransactionID             string      `json:"internalTransactionId"`
	BookingDate                       string      `json:"bookingDate"`
	ValueDate                         string      `json:"valueDate"`
	TransactionAmount                 amountField `json:"transactionAmount"`
	RemittanceInformationUnstructured string      `json:"remittanceInformationUnstructured"`
	RemittanceInformationArray        []string    `json:"remittanceInformationUnstructuredArray"`
	CreditorName                      string      `json:"creditorName"`
	DebtorName                        string      `json:"debtorName"`
	AdditionalInformation             string      `json:"additionalInformation"`
	BalanceAfterTransaction           *struct {
		BalanceAmount amountField `json:"balanceAmount"`
	} `json:"balanceAfterTransaction"`
}

type transactionsResponse struct {
	Transactions struct {
		Booked []bookedTransaction `json:"booked"`
	} `json:"transactions"`
}

// Transactions implements provider.Fetcher. Only booked transactions are
// returned; pending ones have no stable id. Booked rows without an id, a date
// or a parseable amount are skipped and logged.
func (c *Client) Transactions(ctx context.Context, externalAccountID string) iter.Seq2[provider.RawTransaction, error] {
	return func(yield func(provider.RawTransaction, error) bool) {
		log := logger.FromContext(ctx)

		token, err := c.accessToken(ctx)
		if err != nil {
			yield(provider.RawTransaction{}, err)
			return
		}

		var resp transactionsResponse
		path := "/api/v2/accounts/" + externalAccountID + "/transactions/"
		if err := c.do(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
			yield(provider.RawTransaction{}, fmt.Errorf("Transactions: %w", err))
			return
		}

		log.Debug().
			Str("external_account_id", externalAccountID).
			Int("count", len(resp.Transactions.Booked)).
			Msg("fetched booked transactions")

		skipped := 0
		defer func() {
			if skipped > 0 {
				log.Warn().
					Str("external_account_id", externalAccountID).
					Int("count", skipped).
					Msg("skipped malformed booked transactions")
			}
		}()

		for _, bt := range resp.Transactions.Booked {
			raw, err := transform(bt)
			if err != nil {
				skipped++
				log.Warn().Err(err).Str("external_account_id", externalAccountID).Msg("skipping booked transaction")
				continue
			}
			if !yield(raw, nil) {
				return
			}
		}
	}
}

func transform(bt bookedTransaction) (provider.RawTransaction, error) {
	id := bt.TransactionID
	if id == "" {
		id = bt.InternalTransactionID
	}
	if id == "" {
		return provider.RawTransaction{}, errors.New("transform: transaction without id")
	}

	dateStr := bt.BookingDate
	if dateStr == "" {
		dateStr = bt.ValueDate
	}
	date, err := civil.ParseDate(dateStr)
	if err != nil {
		return provider.RawTransaction{}, fmt.Errorf("transform: %s: date %q: %w", id, dateStr, err)
	}

	amt, err := decimal.NewFromString(bt.TransactionAmount.Amount)
	if err != nil {
		return provider.RawTransaction{}, fmt.Errorf("transform: %s: amount %q: %w", id, bt.TransactionAmount.Amount, err)
	}

	raw := provider.RawTransaction{
		ID:          id,
		Date:        date,
		Description: description(bt, amt),
		Amount:      amt,
		Currency:    strings.ToUpper(bt.TransactionAmount.Currency),
	}
	if bt.BalanceAfterTransaction != nil && bt.BalanceAfterTransaction.BalanceAmount.Amount != "" {
		bal, err := decimal.NewFromString(bt.BalanceAfterTransaction.BalanceAmount.Amount)
		if err == nil {
			raw.Balance = &bal
		}
	}
	return raw, nil
}

// description prefers the counterparty name, then remittance information.
func description(bt bookedTransaction, amt decimal.Decimal) string {
	counterparty := bt.CreditorName
	if amt.IsPositive() && bt.DebtorName != "" {
		counterparty = bt.DebtorName
	}
	for _, s := range []string{
		counterparty,
		bt.RemittanceInformationUnstructured,
		strings.Join(bt.RemittanceInformationArray, " "),
		bt.AdditionalInformation,
	} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return "Unknown"
}

var _ provider.Fetcher = (*Client)(nil)
