// internal/services/sweep_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// Sweep names, used in results, logs and metric labels.
const (
	SweepTransitions = "transitions"
	SweepAutoRenewal = "auto_renewal"
	SweepDeadlines   = "deadlines"
)

type SweepError struct {
	LicenseID uuid.UUID `json:"license_id"`
	Error     string    `json:"error"`
}

// SweepResult summarizes one pass. A failed item never stops the others.
type SweepResult struct {
	Sweep     string       `json:"sweep"`
	Processed int          `json:"processed"`
	Skipped   int          `json:"skipped"`
	Errors    []SweepError `json:"errors"`
}

func (r *SweepResult) merge(other *SweepResult) {
	r.Processed += other.Processed
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeProcessed
)

type SweepService struct {
	store      repository.Store
	machine    *StateMachine
	renewals   *RenewalService
	amendments *AmendmentService
	cfg        config.LicensingConfig
	sweepCfg   config.SweepConfig
	clock      clock.Clock
	metrics    *metrics.Metrics
	pool       pond.Pool
}

func NewSweepService(store repository.Store, machine *StateMachine, renewals *RenewalService, amendments *AmendmentService, cfg config.LicensingConfig, sweepCfg config.SweepConfig, clk clock.Clock, m *metrics.Metrics) *SweepService {
	workers := sweepCfg.WorkerPoolSize
	if workers < 1 {
		workers = 1
	}
	return &SweepService{
		store:      store,
		machine:    machine,
		renewals:   renewals,
		amendments: amendments,
		cfg:        cfg,
		sweepCfg:   sweepCfg,
		clock:      clk,
		metrics:    m,
		pool:       pond.NewPool(workers),
	}
}

// Close waits for in-flight items and releases the worker pool.
func (s *SweepService) Close() {
	s.pool.StopAndWait()
}

// ProcessAutomatedTransitions advances time-driven statuses:
// ACTIVE to EXPIRING_SOON near the end date, expired grants to EXPIRED (or
// RENEWED when a renewal is attached) and stale drafts to CANCELED.
func (s *SweepService) ProcessAutomatedTransitions(ctx context.Context) (*SweepResult, error) {
	start := s.clock.Now()
	now := start
	result := &SweepResult{Sweep: SweepTransitions, Errors: []SweepError{}}

	horizon := now.AddDate(0, 0, s.cfg.ExpiringSoonDays)
	active, err := s.candidates(ctx, repository.LicenseFilter{
		Statuses:      []models.LicenseStatus{models.LicenseStatusActive},
		EndOnOrBefore: &horizon,
	})
	if err != nil {
		return nil, err
	}
	result.merge(s.run(ctx, SweepTransitions, active, s.advanceActive))

	expiring, err := s.candidates(ctx, repository.LicenseFilter{
		Statuses:  []models.LicenseStatus{models.LicenseStatusExpiringSoon},
		EndBefore: &now,
	})
	if err != nil {
		return nil, err
	}
	result.merge(s.run(ctx, SweepTransitions, expiring, s.closeExpiring))

	staleBefore := now.AddDate(0, 0, -s.cfg.DraftInactivityDays)
	drafts, err := s.candidates(ctx, repository.LicenseFilter{
		Statuses:      []models.LicenseStatus{models.LicenseStatusDraft},
		UpdatedBefore: &staleBefore,
	})
	if err != nil {
		return nil, err
	}
	result.merge(s.run(ctx, SweepTransitions, drafts, s.cancelStaleDraft))

	s.finish(result, start)
	return result, nil
}

func (s *SweepService) advanceActive(ctx context.Context, licenseID uuid.UUID) (sweepOutcome, error) {
	return s.transition(ctx, licenseID, func(tx repository.Store, license *models.License) (bool, error) {
		now := s.clock.Now()
		if license.Status != models.LicenseStatusActive {
			return false, nil
		}
		opts := automatedOptions("")
		if license.EndDate.Before(now) {
			opts.Reason = "end date passed"
			return true, s.machine.expireOverdue(ctx, tx, license, opts)
		}
		days := DaysUntil(now, license.EndDate)
		if days > s.cfg.ExpiringSoonDays {
			return false, nil
		}
		opts.Reason = fmt.Sprintf("%d days until end date", days)
		return true, s.machine.apply(ctx, tx, license, models.LicenseStatusExpiringSoon, opts)
	})
}

func (s *SweepService) closeExpiring(ctx context.Context, licenseID uuid.UUID) (sweepOutcome, error) {
	return s.transition(ctx, licenseID, func(tx repository.Store, license *models.License) (bool, error) {
		if license.Status != models.LicenseStatusExpiringSoon || !license.EndDate.Before(s.clock.Now()) {
			return false, nil
		}
		attached, err := s.renewals.attachedRenewal(ctx, tx, license.ID)
		if err != nil {
			return false, err
		}
		if attached != nil {
			return true, s.machine.apply(ctx, tx, license, models.LicenseStatusRenewed,
				automatedOptions(fmt.Sprintf("succeeded by renewal %s", attached.ID)))
		}
		return true, s.machine.apply(ctx, tx, license, models.LicenseStatusExpired, automatedOptions("end date passed"))
	})
}

func (s *SweepService) cancelStaleDraft(ctx context.Context, licenseID uuid.UUID) (sweepOutcome, error) {
	return s.transition(ctx, licenseID, func(tx repository.Store, license *models.License) (bool, error) {
		cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.DraftInactivityDays)
		if license.Status != models.LicenseStatusDraft || !license.UpdatedAt.Before(cutoff) {
			return false, nil
		}
		return true, s.machine.apply(ctx, tx, license, models.LicenseStatusCanceled,
			automatedOptions(fmt.Sprintf("draft inactive for more than %d days", s.cfg.DraftInactivityDays)))
	})
}

// transition reloads the license under lock and lets fn decide. fn reports
// false when the license no longer qualifies.
func (s *SweepService) transition(ctx context.Context, licenseID uuid.UUID, fn func(tx repository.Store, license *models.License) (bool, error)) (sweepOutcome, error) {
	outcome := outcomeSkipped
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, licenseID)
		if err != nil {
			return loadError(err, "license", licenseID)
		}
		applied, err := fn(tx, license)
		if err != nil {
			return err
		}
		if applied {
			outcome = outcomeProcessed
		}
		return nil
	})
	return outcome, err
}

func automatedOptions(reason string) TransitionOptions {
	return TransitionOptions{
		Actor:         models.SystemActor,
		Reason:        reason,
		Automated:     true,
		consequential: true,
	}
}

// ProcessAutoRenewals generates and accepts an AUTOMATIC offer for every
// auto-renewing grant inside the auto-renew window. Grants that already
// have a renewal, or are not eligible, are skipped.
func (s *SweepService) ProcessAutoRenewals(ctx context.Context) (*SweepResult, error) {
	start := s.clock.Now()
	horizon := start.AddDate(0, 0, s.cfg.AutoRenewWindowDays)
	autoRenew := true

	candidates, err := s.candidates(ctx, repository.LicenseFilter{
		Statuses:      renewableStatuses,
		AutoRenew:     &autoRenew,
		EndOnOrBefore: &horizon,
	})
	if err != nil {
		return nil, err
	}

	result := s.run(ctx, SweepAutoRenewal, candidates, s.autoRenew)
	s.finish(result, start)
	return result, nil
}

func (s *SweepService) autoRenew(ctx context.Context, licenseID uuid.UUID) (sweepOutcome, error) {
	opts := RenewalOptions{Strategy: models.RenewalStrategyAutomatic}
	eligibility, err := s.renewals.CheckEligibility(ctx, licenseID, opts)
	if err != nil {
		return outcomeSkipped, err
	}
	if !eligibility.Eligible {
		logrus.WithFields(logrus.Fields{
			"license_id": licenseID,
			"reasons":    eligibility.Reasons,
		}).Debug("Auto-renewal skipped")
		return outcomeSkipped, nil
	}

	offer, err := s.renewals.GenerateOffer(ctx, licenseID, models.SystemActor, opts)
	if err != nil {
		return outcomeSkipped, err
	}
	if _, err := s.renewals.AcceptOffer(ctx, licenseID, offer.ID, models.SystemActor); err != nil {
		return outcomeSkipped, err
	}
	return outcomeProcessed, nil
}

// ProcessDeadlines closes amendments and renewal offers whose deadline passed.
func (s *SweepService) ProcessDeadlines(ctx context.Context) (*SweepResult, error) {
	start := s.clock.Now()
	candidates, err := s.candidates(ctx, repository.LicenseFilter{
		Statuses: []models.LicenseStatus{
			models.LicenseStatusActive,
			models.LicenseStatusExpiringSoon,
			models.LicenseStatusExpired,
			models.LicenseStatusPendingApproval,
		},
	})
	if err != nil {
		return nil, err
	}

	result := s.run(ctx, SweepDeadlines, candidates, func(ctx context.Context, licenseID uuid.UUID) (sweepOutcome, error) {
		amendments, err := s.amendments.ExpireOverdue(ctx, licenseID)
		if err != nil {
			return outcomeSkipped, err
		}
		offers := 0
		if license, err := s.store.GetLicense(ctx, licenseID); err == nil && hasLapsedOffer(license, s.clock.Now()) {
			if offers, err = s.renewals.ExpireOffers(ctx, licenseID); err != nil {
				return outcomeSkipped, err
			}
		}
		if amendments+offers == 0 {
			return outcomeSkipped, nil
		}
		return outcomeProcessed, nil
	})
	s.finish(result, start)
	return result, nil
}

func hasLapsedOffer(license *models.License, now time.Time) bool {
	for _, offer := range license.RenewalOffers {
		if offer.Status == models.OfferStatusPending && now.After(offer.ExpiresAt) {
			return true
		}
	}
	return false
}

func (s *SweepService) candidates(ctx context.Context, filter repository.LicenseFilter) ([]uuid.UUID, error) {
	filter.SortByEndDate = true
	filter.Limit = s.sweepCfg.BatchSize
	licenses, _, err := s.store.ListLicenses(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list sweep candidates")
	}
	ids := make([]uuid.UUID, 0, len(licenses))
	for i := range licenses {
		ids = append(ids, licenses[i].ID)
	}
	return ids, nil
}

// run processes ids on the worker pool and collects the outcome of each.
func (s *SweepService) run(ctx context.Context, sweep string, ids []uuid.UUID, fn func(ctx context.Context, licenseID uuid.UUID) (sweepOutcome, error)) *SweepResult {
	result := &SweepResult{Sweep: sweep, Errors: []SweepError{}}
	if len(ids) == 0 {
		return result
	}

	var mu sync.Mutex
	group := s.pool.NewGroup()
	for _, id := range ids {
		group.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			outcome, err := fn(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors = append(result.Errors, SweepError{LicenseID: id, Error: err.Error()})
				s.observe(sweep, "error")
				logrus.WithFields(logrus.Fields{
					"sweep":      sweep,
					"license_id": id,
				}).WithError(err).Warn("Sweep item failed")
			case outcome == outcomeProcessed:
				result.Processed++
				s.observe(sweep, "processed")
			default:
				result.Skipped++
				s.observe(sweep, "skipped")
			}
		})
	}
	_ = group.Wait()
	return result
}

func (s *SweepService) observe(sweep, outcome string) {
	if s.metrics != nil {
		s.metrics.SweepItems.WithLabelValues(sweep, outcome).Inc()
	}
}

func (s *SweepService) finish(result *SweepResult, start time.Time) {
	elapsed := s.clock.Since(start)
	if s.metrics != nil {
		s.metrics.SweepDuration.WithLabelValues(result.Sweep).Observe(elapsed.Seconds())
	}
	logrus.WithFields(logrus.Fields{
		"sweep":     result.Sweep,
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"errors":    len(result.Errors),
		"duration":  elapsed,
	}).Info("Sweep completed")
}
