// Package worker consumes the domain events the API publishes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jwalitptl/medrecords-api/pkg/event"
	"github.com/jwalitptl/medrecords-api/pkg/messaging"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
)

// Handler processes one event. Returning an error makes the consumer retry.
type Handler func(ctx context.Context, evt event.Event) error

type ConsumerConfig struct {
	Channel       string
	RetryAttempts int
	RetryDelay    time.Duration
}

// Consumer subscribes to the event channel and dispatches each event to
// the handlers registered for its type. Handlers registered with
// HandleAll see every event.
type Consumer struct {
	broker   messaging.Broker
	config   ConsumerConfig
	handlers map[event.EventType][]Handler
	all      []Handler
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewConsumer(broker messaging.Broker, config ConsumerConfig, logger zerolog.Logger, m *metrics.Metrics) *Consumer {
	if config.Channel == "" {
		config.Channel = event.DefaultChannel
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &Consumer{
		broker:   broker,
		config:   config,
		handlers: make(map[event.EventType][]Handler),
		logger:   logger.With().Str("component", "worker").Logger(),
		metrics:  m,
	}
}

func (c *Consumer) Handle(eventType event.EventType, h Handler) {
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

func (c *Consumer) HandleAll(h Handler) {
	c.all = append(c.all, h)
}

// Run blocks until ctx is cancelled or the subscription closes.
func (c *Consumer) Run(ctx context.Context) error {
	messages, err := c.broker.Subscribe(ctx, c.config.Channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.logger.Info().Str("channel", c.config.Channel).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("worker shutting down")
			return nil
		case msg, ok := <-messages:
			if !ok {
				c.logger.Info().Msg("subscription closed")
				return nil
			}
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg []byte) {
	var evt event.Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		c.metrics.ObserveConsumed("unknown", false, 0)
		c.logger.Warn().Err(err).Msg("dropping malformed event")
		return
	}

	handlers := append(append([]Handler{}, c.all...), c.handlers[evt.Type]...)
	ok := true
	for _, h := range handlers {
		err := retry(ctx, c.config.RetryAttempts, c.config.RetryDelay, func() error {
			return h(ctx, evt)
		})
		if err != nil {
			ok = false
			c.logger.Error().Err(err).
				Str("event_id", evt.ID.String()).
				Str("event_type", string(evt.Type)).
				Msg("failed to handle event")
		}
	}

	var latency time.Duration
	if !evt.OccurredAt.IsZero() {
		latency = time.Since(evt.OccurredAt)
	}
	c.metrics.ObserveConsumed(string(evt.Type), ok, latency)
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}

// AuditLog writes every event to the audit logger. Payloads are already
// free of tokens and NICs.
func AuditLog(logger zerolog.Logger) Handler {
	logger = logger.With().Str("component", "audit").Logger()
	return func(ctx context.Context, evt event.Event) error {
		logger.Info().
			Str("event_id", evt.ID.String()).
			Str("event_type", string(evt.Type)).
			Str("actor_id", evt.ActorID).
			Time("occurred_at", evt.OccurredAt).
			Fields(evt.Payload).
			Msg("audit")
		return nil
	}
}
