package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/funcrun/internal/logging"
)

// RedisBus carries events over Redis Pub/Sub. Each subscriber holds one
// dedicated connection and reconnects with exponential backoff (1 s base,
// 30 s cap), flushing all caches after a reconnect.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a Redis-backed bus on an existing client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	return b.client.Publish(ctx, e.Channel, e.Encode()).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	first := true
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ps := b.client.Subscribe(ctx, ChannelGateway, ChannelExecution)
		// Wait for the subscription to be confirmed before trusting it.
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			logging.Warn("bus: subscribe failed, retrying",
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
			// Events may have been missed while disconnected.
			h.OnReconnect()
		}
		first = false

		err := b.consume(ctx, ps, h)
		ps.Close()
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

func (b *RedisBus) consume(ctx context.Context, ps *redis.PubSub, h Handler) error {
	ch := ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return context.Canceled
			}
			e, err := Decode(msg.Channel, []byte(msg.Payload))
			if err != nil {
				logging.Warn("bus: dropping malformed event",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			h.OnEvent(e)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *RedisBus) Close() error {
	return nil // client lifecycle is owned by the caller
}
