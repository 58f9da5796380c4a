package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mossida/midday/internal/logger"
)

// Notification channels written by the bank_accounts triggers.
const (
	ChannelBankAccountCreated = "bank_account_created"
	ChannelBankAccountDeleted = "bank_account_deleted"
)

// AccountEvent is a bank account row change delivered by NOTIFY.
type AccountEvent struct {
	Channel           string `json:"-"`
	BankAccountID     string `json:"id"`
	TeamID            string `json:"team_id"`
	ExternalAccountID string `json:"external_account_id"`
}

// AccountEventHandler receives account events. A returned error is logged.
type AccountEventHandler func(ctx context.Context, ev AccountEvent) error

// Listener forwards bank account NOTIFY events to a handler. Events sent while
// it is disconnected are lost; the startup restore picks up pending accounts.
type Listener struct {
	pool    *pgxpool.Pool
	handler AccountEventHandler
	backoff gax.Backoff
}

// NewListener creates a Listener.
func NewListener(pool *pgxpool.Pool, handler AccountEventHandler) *Listener {
	return &Listener{
		pool:    pool,
		handler: handler,
		backoff: gax.Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2},
	}
}

// Run listens until ctx is done, reconnecting after connection errors.
func (l *Listener) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	bo := l.backoff

	for {
		err := l.listen(ctx, func() { bo = l.backoff })
		if ctx.Err() != nil {
			return nil
		}

		pause := bo.Pause()
		log.Warn().Err(err).Dur("retry_in", pause).Msg("account event listener disconnected")
		if err := gax.Sleep(ctx, pause); err != nil {
			return nil
		}
	}
}

func (l *Listener) listen(ctx context.Context, connected func()) error {
	log := logger.FromContext(ctx)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	// LISTEN state stays on the session, so the connection is not reused
	defer func() {
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	for _, ch := range []string{ChannelBankAccountCreated, ChannelBankAccountDeleted} {
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			return fmt.Errorf("LISTEN %s: %w", ch, err)
		}
	}
	connected()
	log.Info().Msg("listening for bank account events")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		ev, err := decodeAccountEvent(n.Channel, n.Payload)
		if err != nil {
			log.Error().Err(err).Str("channel", n.Channel).Msg("invalid account event")
			continue
		}
		if err := l.handler(ctx, ev); err != nil {
			log.Error().Err(err).
				Str("channel", ev.Channel).
				Str("bank_account_id", ev.BankAccountID).
				Msg("failed to handle account event")
		}
	}
}

func decodeAccountEvent(channel, payload string) (AccountEvent, error) {
	var ev AccountEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("decoding %s payload: %w", channel, err)
	}
	if ev.BankAccountID == "" {
		return ev, errors.New("event has no bank account id")
	}
	ev.Channel = channel
	return ev, nil
}
