// internal/events/dispatcher.go
package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// DispatcherConfig tunes the outbox dispatcher.
type DispatcherConfig struct {
	Interval       time.Duration // time between idle passes
	BatchSize      int
	MaxAttempts    int           // after this many failed passes an event is parked as failed
	PublishRetries uint64        // in-pass retries per event
	RetryInterval  time.Duration // initial in-pass backoff
	RetryDelay     time.Duration // base delay before a failed event becomes available again
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:       10 * time.Second,
		BatchSize:      100,
		MaxAttempts:    8,
		PublishRetries: 2,
		RetryInterval:  200 * time.Millisecond,
		RetryDelay:     30 * time.Second,
	}
}

// DispatchResult summarizes one pass.
type DispatchResult struct {
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

// Dispatcher publishes committed outbox rows. Delivery is at least once.
type Dispatcher struct {
	cfg       DispatcherConfig
	store     repository.OutboxRepository
	publisher Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
	kick      chan struct{}
	running   atomic.Bool
	stopCh    chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, store repository.OutboxRepository, publisher Publisher, clk clock.Clock, m *metrics.Metrics) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		clock:     clk,
		metrics:   m,
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Kick asks a running dispatcher to start a pass now.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// DispatchPending publishes every available pending event once.
func (d *Dispatcher) DispatchPending(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult
	now := d.clock.Now()

	pending, err := d.store.ListPendingEvents(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to load pending events: %w", err)
	}
	if d.metrics != nil {
		d.metrics.OutboxPending.Set(float64(len(pending)))
	}

	for _, row := range pending {
		event := FromOutbox(row)
		entry := logrus.WithFields(logrus.Fields{"event_id": event.ID, "type": event.Type})

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = d.cfg.RetryInterval
		b.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(b, d.cfg.PublishRetries), ctx)

		pubErr := backoff.Retry(func() error {
			return d.publisher.Publish(ctx, event)
		}, policy)

		if pubErr == nil {
			if err := d.store.MarkEventDispatched(ctx, row.ID, d.clock.Now()); err != nil {
				return result, fmt.Errorf("failed to mark event %s dispatched: %w", row.ID, err)
			}
			result.Dispatched++
			d.observe("dispatched")
			continue
		}

		attempts := row.Attempts + 1
		giveUp := attempts >= d.cfg.MaxAttempts
		retryAt := d.clock.Now().Add(d.retryDelay(attempts))
		if err := d.store.MarkEventFailed(ctx, row.ID, pubErr.Error(), retryAt, giveUp); err != nil {
			return result, fmt.Errorf("failed to record failure of event %s: %w", row.ID, err)
		}
		result.Failed++
		if giveUp {
			entry.WithError(pubErr).Error("Outbox event parked after repeated failures")
			d.observe("parked")
		} else {
			entry.WithError(pubErr).WithField("retry_at", retryAt).Warn("Outbox event publish failed")
			d.observe("failed")
		}
	}

	return result, nil
}

func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	delay := d.cfg.RetryDelay
	for i := 1; i < attempts && delay < time.Hour; i++ {
		delay *= 2
	}
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

func (d *Dispatcher) observe(result string) {
	if d.metrics != nil {
		d.metrics.OutboxDispatched.WithLabelValues(result).Inc()
	}
}

func (d *Dispatcher) Name() string {
	return "outbox-dispatcher"
}

// Start runs passes until ctx is canceled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already running")
	}
	defer d.running.Store(false)

	logrus.WithField("interval", d.cfg.Interval).Info("Starting outbox dispatcher")
	for {
		if _, err := d.DispatchPending(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("Outbox dispatch pass failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.stopCh:
			return nil
		case <-d.kick:
		case <-d.clock.After(d.cfg.Interval):
		}
	}
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.running.Load() {
		return nil
	}
	select {
	case d.stopCh <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
