// internal/sweeper/sweeper.go
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/clock"
)

// Sweeper is a long-running background task that performs periodic work.
type Sweeper interface {
	// Start blocks until the context is canceled or Stop is called.
	Start(ctx context.Context) error
	// Stop asks the sweeper to finish its current cycle and return.
	Stop(ctx context.Context) error
	Name() string
}

// Periodic runs fn every interval.
type Periodic struct {
	name     string
	interval time.Duration
	clock    clock.Clock
	fn       func(ctx context.Context) error
	running  atomic.Bool
	stopCh   chan struct{}
}

func NewPeriodic(name string, interval time.Duration, clk clock.Clock, fn func(ctx context.Context) error) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		clock:    clk,
		fn:       fn,
		stopCh:   make(chan struct{}),
	}
}

func (p *Periodic) Name() string {
	return p.name
}

func (p *Periodic) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper %s already running", p.name)
	}
	defer p.running.Store(false)

	entry := logrus.WithField("sweeper", p.name)
	entry.WithField("interval", p.interval).Info("Starting sweeper")

	for {
		start := p.clock.Now()
		if err := p.fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			entry.WithError(err).Error("Sweep cycle failed")
		} else {
			entry.WithField("duration", p.clock.Since(start)).Debug("Sweep cycle completed")
		}

		select {
		case <-ctx.Done():
			entry.Info("Sweeper stopping due to context cancellation")
			return nil
		case <-p.stopCh:
			entry.Info("Sweeper stop requested")
			return nil
		case <-p.clock.After(p.interval):
		}
	}
}

func (p *Periodic) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}
	select {
	case p.stopCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Group starts sweepers together and stops them together.
type Group struct {
	sweepers []Sweeper
	wg       sync.WaitGroup
}

func NewGroup(sweepers ...Sweeper) *Group {
	return &Group{sweepers: sweepers}
}

func (g *Group) Start(ctx context.Context) {
	for _, s := range g.sweepers {
		g.wg.Add(1)
		go func(s Sweeper) {
			defer g.wg.Done()
			if err := s.Start(ctx); err != nil {
				logrus.WithError(err).WithField("sweeper", s.Name()).Error("Sweeper exited with error")
			}
		}(s)
	}
}

// Stop signals every sweeper and waits for them to return.
func (g *Group) Stop(ctx context.Context) error {
	var errs []error
	for _, s := range g.sweepers {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
