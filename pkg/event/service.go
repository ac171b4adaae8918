package event

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/medrecords-api/pkg/messaging"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
)

// Publisher emits domain events. Emit never fails the caller: the mutation
// has already been committed when it runs.
type Publisher interface {
	Emit(ctx context.Context, eventType EventType, actorID string, payload map[string]interface{})
}

type Service struct {
	broker  messaging.Broker
	channel string
	metrics *metrics.Metrics
	logger  zerolog.Logger
	timeout time.Duration
}

func NewService(broker messaging.Broker, channel string, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if broker == nil {
		broker = messaging.NopBroker{}
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Service{
		broker:  broker,
		channel: channel,
		metrics: m,
		logger:  logger.With().Str("component", "events").Logger(),
		timeout: 2 * time.Second,
	}
}

func (s *Service) Emit(ctx context.Context, eventType EventType, actorID string, payload map[string]interface{}) {
	evt := Event{
		ID:         uuid.New(),
		Type:       eventType,
		ActorID:    actorID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}

	// detached from the request so a client disconnect does not drop the event
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.broker.Publish(pubCtx, s.channel, evt); err != nil {
		s.metrics.ObservePublish(string(eventType), false)
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Str("event_id", evt.ID.String()).Msg("failed to publish event")
		return
	}
	s.metrics.ObservePublish(string(eventType), true)
	s.logger.Debug().Str("event_type", string(eventType)).Str("event_id", evt.ID.String()).Msg("event published")
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, EventType, string, map[string]interface{}) {}
