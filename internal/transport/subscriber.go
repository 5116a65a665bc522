package transport

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"budget-guard/internal/config"
	"budget-guard/internal/ingress"
	"budget-guard/internal/metrics"
)

// Subscriber pulls budget notifications from a Pub/Sub subscription. Each message is
// handled on its own goroutine by the client library.
type Subscriber struct {
	sub     *pubsub.Subscription
	handler HandlerFunc
	logger  zerolog.Logger
}

// NewSubscriber binds a handler to the configured subscription.
func NewSubscriber(client *pubsub.Client, cfg config.SubscriberConfig, handler HandlerFunc, logger zerolog.Logger) *Subscriber {
	sub := client.Subscription(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}
	return &Subscriber{
		sub:     sub,
		handler: handler,
		logger:  logger.With().Str("component", "subscriber").Str("subscription", cfg.Subscription).Logger(),
	}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info().Msg("receiving budget notifications")
	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		metrics.MessagesReceived.WithLabelValues("pull").Inc()
		msg := ingress.Message{
			ID:          m.ID,
			Data:        m.Data,
			Attributes:  m.Attributes,
			PublishTime: m.PublishTime,
		}
		if s.handler(ctx, msg) {
			m.Ack()
			return
		}
		evt := s.logger.Debug().Str("message_id", m.ID)
		if m.DeliveryAttempt != nil {
			evt = evt.Int("delivery_attempt", *m.DeliveryAttempt)
		}
		evt.Msg("nacking message for redelivery")
		m.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive from subscription: %w", err)
	}
	return nil
}
