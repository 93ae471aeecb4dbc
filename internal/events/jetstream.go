// internal/events/jetstream.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/config"
)

// JetStreamBus publishes events to a NATS JetStream stream and consumes them
// through durable consumers.
type JetStreamBus struct {
	nc            *nats.Conn
	js            jetstream.JetStream
	streamName    string
	subjectPrefix string
	consumers     []jetstream.ConsumeContext
}

// NewJetStreamBus connects to NATS and makes sure the stream exists.
func NewJetStreamBus(ctx context.Context, cfg config.NATSConfig) (*JetStreamBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logrus.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.WithField("url", nc.ConnectedUrl()).Info("Reconnected to NATS")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logrus.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.StreamName, err)
	}

	return &JetStreamBus{
		nc:            nc,
		js:            js,
		streamName:    cfg.StreamName,
		subjectPrefix: cfg.SubjectPrefix,
	}, nil
}

// Subject returns the subject an event type is published on.
// Format: {prefix}.{event_type}, e.g. licensing.events.license.created
func (b *JetStreamBus) Subject(eventType string) string {
	return b.subjectPrefix + "." + eventType
}

// Publish sends the event with its id as the message id, so redelivered
// outbox rows are dropped by the stream's duplicate window.
func (b *JetStreamBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := b.js.Publish(ctx, b.Subject(event.Type), data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

// Consume attaches handler to a durable consumer filtered to eventType
// ("*" for every type). Failed messages are negatively acknowledged.
func (b *JetStreamBus) Consume(ctx context.Context, durable, eventType string, handler Handler) error {
	filter := b.subjectPrefix + ".>"
	if eventType != "*" {
		filter = b.Subject(eventType)
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.streamName, jetstream.ConsumerConfig{
		Durable:       sanitizeDurable(durable),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		FilterSubject: filter,
		MaxDeliver:    10,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logrus.WithError(err).WithField("subject", msg.Subject()).Error("Dropping malformed event")
			_ = msg.Term()
			return
		}
		if err := handler(ctx, event); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"event_id": event.ID, "type": event.Type}).
				Warn("Event handler failed, requesting redelivery")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer %s: %w", durable, err)
	}

	b.consumers = append(b.consumers, cc)
	return nil
}

func sanitizeDurable(name string) string {
	return strings.NewReplacer(".", "_", "*", "all", ">", "all", " ", "_").Replace(name)
}

// Close stops consumers and closes the connection.
func (b *JetStreamBus) Close() {
	for _, cc := range b.consumers {
		cc.Stop()
	}
	if b.nc != nil {
		b.nc.Close()
	}
}
