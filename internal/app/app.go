// internal/app/app.go
package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/database"
	"github.com/javajoker/imi-licensing/internal/events"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/repository"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/sweeper"
)

// handlerDurable names the JetStream consumer feeding the in-process handlers.
const handlerDurable = "licensing-handlers"

// App is the wired licensing core shared by the server and the CLI.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Services   *services.Container
	Bus        events.Publisher
	Handlers   *events.LocalBus
	Dispatcher *events.Dispatcher
}

// New connects to the database and event bus and wires every service.
// The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, clk clock.Clock) (*App, error) {
	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		return nil, err
	}

	db, err := database.Initialize(cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: db}
	svc, err := services.NewContainer(repository.NewGormStore(db), cfg, pricing, clk, metrics.New())
	if err != nil {
		database.Close(db)
		return nil, err
	}
	a.Services = svc

	a.Handlers = events.NewLocalBus()
	notifications := services.NewNotificationService(svc.Store, services.NewSMTPMailer(cfg.Email), cfg.Frontend.BaseURL, svc.Metrics)
	notifications.Register(a.Handlers)
	if cfg.Proof.ArchiveEnabled {
		services.NewProofArchive(svc.Storage, svc.Store).Register(a.Handlers)
	}

	if err := a.connectBus(ctx); err != nil {
		a.Close()
		return nil, err
	}

	dispatchCfg := events.DefaultDispatcherConfig()
	if cfg.Sweep.OutboxInterval > 0 {
		dispatchCfg.Interval = cfg.Sweep.OutboxInterval
	}
	if cfg.Sweep.BatchSize > 0 {
		dispatchCfg.BatchSize = cfg.Sweep.BatchSize
	}
	a.Dispatcher = events.NewDispatcher(dispatchCfg, svc.Store, a.Bus, clk, svc.Metrics)
	return a, nil
}

// connectBus publishes to JetStream when NATS is configured and feeds the
// stream back into the local handlers; otherwise the handlers receive events
// directly.
func (a *App) connectBus(ctx context.Context) error {
	if a.Config.NATS.URL == "" {
		logrus.Info("NATS not configured, delivering events in process")
		a.Bus = a.Handlers
		return nil
	}

	bus, err := events.NewJetStreamBus(ctx, a.Config.NATS)
	if err != nil {
		return err
	}
	if err := bus.Consume(ctx, handlerDurable, "*", a.Handlers.Publish); err != nil {
		bus.Close()
		return fmt.Errorf("failed to attach event handlers: %w", err)
	}
	a.Bus = bus
	logrus.WithField("url", a.Config.NATS.URL).Info("Publishing events to JetStream")
	return nil
}

// Migrate creates the schema and seeds the system administrator.
func (a *App) Migrate() error {
	if err := database.RunMigrations(a.DB); err != nil {
		return err
	}
	return database.SeedInitialData(a.DB)
}

// Sweepers returns the background jobs: the three lifecycle sweeps and the
// outbox dispatcher.
func (a *App) Sweepers(clk clock.Clock) *sweeper.Group {
	interval := a.Config.Sweep.Interval
	sweeps := a.Services.Sweeps

	run := func(fn func(ctx context.Context) (*services.SweepResult, error)) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			result, err := fn(ctx)
			if err != nil {
				return err
			}
			if len(result.Errors) > 0 {
				logrus.WithFields(logrus.Fields{"sweep": result.Sweep, "errors": len(result.Errors)}).
					Warn("Sweep finished with failed items")
			}
			a.Dispatcher.Kick()
			return nil
		}
	}

	return sweeper.NewGroup(
		sweeper.NewPeriodic(services.SweepTransitions, interval, clk, run(sweeps.ProcessAutomatedTransitions)),
		sweeper.NewPeriodic(services.SweepAutoRenewal, interval, clk, run(sweeps.ProcessAutoRenewals)),
		sweeper.NewPeriodic(services.SweepDeadlines, interval, clk, run(sweeps.ProcessDeadlines)),
		a.Dispatcher,
	)
}

// Close releases the bus, the worker pool and the database connection.
func (a *App) Close() {
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Services != nil {
		a.Services.Close()
	}
	if a.DB != nil {
		database.Close(a.DB)
	}
}
