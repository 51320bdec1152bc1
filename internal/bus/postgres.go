package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/logging"
)

// PostgresBus carries events over LISTEN/NOTIFY. Store triggers publish the
// same payloads, so instances colocated with the Postgres metadata store
// need no separate broker. Each subscriber holds one dedicated connection.
type PostgresBus struct {
	pool *pgxpool.Pool
	dsn  string
}

// NewPostgresBus creates a Postgres-backed bus. The pool serves Publish;
// each Subscribe dials its own connection from dsn.
func NewPostgresBus(pool *pgxpool.Pool, dsn string) *PostgresBus {
	return &PostgresBus{pool: pool, dsn: dsn}
}

func (b *PostgresBus) Publish(ctx context.Context, e Event) error {
	_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", e.Channel, string(e.Encode()))
	return err
}

func (b *PostgresBus) Subscribe(ctx context.Context, h Handler) error {
	first := true
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := pgx.Connect(ctx, b.dsn)
		if err == nil {
			for _, ch := range []string{ChannelGateway, ChannelExecution} {
				if _, lerr := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); lerr != nil {
					err = lerr
					break
				}
			}
		}
		if err != nil {
			if conn != nil {
				conn.Close(context.Background())
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			logging.Warn("bus: listen failed, retrying",
				zap.Error(err), zap.Duration("backoff", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		bo.Reset()
		if !first {
			h.OnReconnect()
		}
		first = false

		err = b.consume(ctx, conn, h)
		conn.Close(context.Background())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		logging.Warn("bus: connection lost, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *PostgresBus) consume(ctx context.Context, conn *pgx.Conn, h Handler) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		e, err := Decode(n.Channel, []byte(n.Payload))
		if err != nil {
			logging.Warn("bus: dropping malformed event",
				zap.String("channel", n.Channel), zap.Error(err))
			continue
		}
		h.OnEvent(e)
	}
}

func (b *PostgresBus) Close() error {
	return nil // pool lifecycle is owned by the caller
}
