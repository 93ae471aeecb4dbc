// internal/services/container.go
package services

import (
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// Container holds every service wired over one store and clock.
type Container struct {
	Store   repository.Store
	Clock   clock.Clock
	Metrics *metrics.Metrics

	Calculator  *FeeCalculator
	Conflicts   *ConflictService
	Pipeline    *ValidationPipeline
	Machine     *StateMachine
	Proofs      *ProofService
	Storage     *StorageService
	Licenses    *LicenseService
	Amendments  *AmendmentService
	Extensions  *ExtensionService
	Renewals    *RenewalService
	Pricing     *PricingService
	Sweeps      *SweepService
	Idempotency *IdempotencyService
	Admin       *AdminService
	IP          *IPService
}

func NewContainer(store repository.Store, cfg *config.Config, pricing config.PricingConfig, clk clock.Clock, m *metrics.Metrics) (*Container, error) {
	proofs, err := NewProofService(cfg.Proof)
	if err != nil {
		return nil, err
	}
	storage, err := NewStorageService(cfg.AWS)
	if err != nil {
		return nil, err
	}

	c := &Container{Store: store, Clock: clk, Metrics: m, Proofs: proofs, Storage: storage}
	c.Calculator = NewFeeCalculator(pricing)
	c.Conflicts = NewConflictService(store, clk, cfg.Licensing, m)
	c.Pipeline = NewValidationPipeline(c.Conflicts, cfg.Licensing, clk, m)
	c.Machine = NewStateMachine(store, c.Pipeline, cfg.Licensing, clk, m)
	c.Licenses = NewLicenseService(store, c.Pipeline, c.Machine, proofs, c.Calculator, cfg.Licensing, clk)
	c.Amendments = NewAmendmentService(store, c.Conflicts, cfg.Licensing, clk)
	c.Extensions = NewExtensionService(store, c.Machine, cfg.Licensing, clk)
	c.Renewals = NewRenewalService(store, c.Conflicts, c.Pipeline, c.Machine, c.Calculator, cfg.Licensing, clk)
	c.Pricing = NewPricingService(store, c.Calculator, clk)
	c.Sweeps = NewSweepService(store, c.Machine, c.Renewals, c.Amendments, cfg.Licensing, cfg.Sweep, clk, m)
	c.Idempotency = NewIdempotencyService(store, cfg.Licensing.IdempotencyStaleAfter, clk)
	c.Admin = NewAdminService(store, c.Machine, c.Sweeps, clk)
	c.IP = NewIPService(store, clk)
	return c, nil
}

// Close releases the sweep worker pool.
func (c *Container) Close() {
	c.Sweeps.Close()
}
