// Package source feeds raw events from external transports into the engine.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/automod/engine"
	"github.com/liamcoop/automod/event"
	"github.com/liamcoop/automod/internal/logger"
)

// Handler consumes one raw wire event
type Handler interface {
	HandleRaw(ctx context.Context, data []byte) (*event.Context, []engine.Report, error)
}

// RedisConsumer subscribes to a pub/sub channel and hands each payload to
// the engine. Handling is concurrent, so events from the channel may finish
// out of order.
type RedisConsumer struct {
	Parallelism int
	Channel     string
	Logger      *slog.Logger
	RedisClient redis.UniversalClient
	Engine      Handler

	// received and failed are updated from handler goroutines; use atomics
	received int64
	failed   int64
}

// Run blocks until ctx is cancelled or the subscription closes. Events that
// are already being handled are waited for before returning.
func (rc *RedisConsumer) Run(ctx context.Context) error {
	if rc.Engine == nil {
		return fmt.Errorf("nil engine")
	}
	if rc.Channel == "" {
		return fmt.Errorf("no channel configured")
	}
	log := logger.Component(rc.Logger, "source").With("channel", rc.Channel)

	sub := rc.RedisClient.Subscribe(ctx, rc.Channel)
	defer sub.Close()

	// wait for the subscription to be confirmed so no publish is missed
	// after Run reports it is listening
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s failed: %w", rc.Channel, err)
	}
	log.Info("subscribed to event channel", "parallelism", rc.Parallelism)

	var g errgroup.Group
	if rc.Parallelism > 0 {
		g.SetLimit(rc.Parallelism)
	}
	defer g.Wait()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Info("event channel consumer stopping")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("event subscription closed")
			}
			atomic.AddInt64(&rc.received, 1)
			payload := []byte(msg.Payload)
			g.Go(func() error {
				rc.handle(ctx, log, payload)
				return nil
			})
		}
	}
}

// handle never returns an error: a bad event must not stop the consumer
func (rc *RedisConsumer) handle(ctx context.Context, log *slog.Logger, payload []byte) {
	ectx, _, err := rc.Engine.HandleRaw(ctx, payload)
	if err != nil {
		atomic.AddInt64(&rc.failed, 1)
		log.Error("failed to handle event", "err", err)
		return
	}
	log.Debug("handled event", "event", ectx.ID, "kind", ectx.Kind, "scope", ectx.Scope)
}

// Received is the number of messages read from the channel
func (rc *RedisConsumer) Received() int64 {
	return atomic.LoadInt64(&rc.received)
}

// Failed is the number of messages the engine rejected
func (rc *RedisConsumer) Failed() int64 {
	return atomic.LoadInt64(&rc.failed)
}
