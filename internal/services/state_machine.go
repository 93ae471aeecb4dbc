// internal/services/state_machine.go
package services

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/events"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

var transitionGraph = map[models.LicenseStatus][]models.LicenseStatus{
	models.LicenseStatusDraft: {
		models.LicenseStatusPendingApproval,
		models.LicenseStatusCanceled,
	},
	models.LicenseStatusPendingApproval: {
		models.LicenseStatusPendingSignature,
		models.LicenseStatusDraft,
		models.LicenseStatusRejected,
		models.LicenseStatusCanceled,
	},
	models.LicenseStatusPendingSignature: {
		models.LicenseStatusActive,
		models.LicenseStatusPendingApproval,
		models.LicenseStatusCanceled,
	},
	models.LicenseStatusActive: {
		models.LicenseStatusExpiringSoon,
		models.LicenseStatusTerminated,
		models.LicenseStatusDisputed,
		models.LicenseStatusSuspended,
	},
	models.LicenseStatusExpiringSoon: {
		models.LicenseStatusExpired,
		models.LicenseStatusRenewed,
		models.LicenseStatusTerminated,
		models.LicenseStatusActive,
		models.LicenseStatusSuspended,
	},
	models.LicenseStatusExpired: {
		models.LicenseStatusRenewed,
	},
	models.LicenseStatusDisputed: {
		models.LicenseStatusActive,
		models.LicenseStatusTerminated,
		models.LicenseStatusSuspended,
	},
	models.LicenseStatusSuspended: {
		models.LicenseStatusActive,
		models.LicenseStatusTerminated,
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to models.LicenseStatus) bool {
	for _, next := range transitionGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions lists the statuses reachable from s in one step.
func AllowedTransitions(s models.LicenseStatus) []models.LicenseStatus {
	return append([]models.LicenseStatus(nil), transitionGraph[s]...)
}

// IsTerminal reports whether s has no outgoing edges.
func IsTerminal(s models.LicenseStatus) bool {
	return len(transitionGraph[s]) == 0
}

// reasonRequired are the targets that must carry a reason.
var reasonRequired = map[models.LicenseStatus]bool{
	models.LicenseStatusTerminated: true,
	models.LicenseStatusDisputed:   true,
	models.LicenseStatusSuspended:  true,
}

// adminOnly are the targets brand and creator actors cannot reach.
var adminOnly = map[models.LicenseStatus]bool{
	models.LicenseStatusSuspended:        true,
	models.LicenseStatusPendingSignature: true,
	models.LicenseStatusRejected:         true,
	models.LicenseStatusExpiringSoon:     true,
	models.LicenseStatusExpired:          true,
}

type TransitionOptions struct {
	Actor     models.Actor `json:"actor"`
	Reason    string       `json:"reason,omitempty"`
	Automated bool         `json:"automated"`
	// AdminOverride lets an admin leave a terminal status.
	AdminOverride bool `json:"admin_override,omitempty"`

	// consequential marks transitions the core makes on behalf of an actor
	// whose permission was already checked by the calling workflow.
	consequential bool
}

// StateMachine applies lifecycle transitions with their requirements and
// side effects.
type StateMachine struct {
	store    repository.Store
	pipeline *ValidationPipeline
	cfg      config.LicensingConfig
	clock    clock.Clock
	metrics  *metrics.Metrics
	rec      recorder
}

func NewStateMachine(store repository.Store, pipeline *ValidationPipeline, cfg config.LicensingConfig, clk clock.Clock, m *metrics.Metrics) *StateMachine {
	return &StateMachine{
		store:    store,
		pipeline: pipeline,
		cfg:      cfg,
		clock:    clk,
		metrics:  m,
		rec:      recorder{clock: clk},
	}
}

// Transition moves a license to status to in one transaction.
func (m *StateMachine) Transition(ctx context.Context, licenseID uuid.UUID, to models.LicenseStatus, opts TransitionOptions) error {
	err := m.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, licenseID)
		if err != nil {
			return loadError(err, "license", licenseID)
		}
		return m.apply(ctx, tx, license, to, opts)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"license_id": licenseID,
			"to":         to,
			"actor_id":   opts.Actor.ID,
		}).WithError(err).Debug("Transition rejected")
	}
	return err
}

// apply transitions license inside tx and persists it. license must have
// been loaded through tx.
func (m *StateMachine) apply(ctx context.Context, tx repository.Store, license *models.License, to models.LicenseStatus, opts TransitionOptions) error {
	from := license.Status
	if !to.IsValid() {
		return apperrors.NewValidation("invalid transition", fmt.Sprintf("unknown status %q", to))
	}
	if from == to {
		return apperrors.NewStateTransition("license %s is already %s", license.ID, to)
	}
	if !CanTransition(from, to) {
		override := opts.AdminOverride && opts.Actor.Role == models.ActorRoleAdmin && IsTerminal(from)
		if !override {
			return apperrors.NewStateTransition("cannot transition license %s from %s to %s", license.ID, from, to).
				WithContext("allowed", AllowedTransitions(from))
		}
	}
	if err := m.authorize(ctx, tx, license, to, opts); err != nil {
		return err
	}
	if err := m.checkRequirements(ctx, tx, license, to, opts); err != nil {
		return err
	}

	license.Status = to
	if to == models.LicenseStatusActive && license.SignedAt == nil {
		now := m.clock.Now()
		license.SignedAt = &now
	}
	if err := tx.UpdateLicense(ctx, license); err != nil {
		return apperrors.Wrap(err, "failed to update license %s", license.ID)
	}

	return m.record(ctx, tx, license, from, to, opts)
}

func (m *StateMachine) record(ctx context.Context, tx repository.Store, license *models.License, from, to models.LicenseStatus, opts TransitionOptions) error {
	entry := &models.StatusHistoryEntry{
		LicenseID:      license.ID,
		FromStatus:     from,
		ToStatus:       to,
		TransitionedBy: opts.Actor.ID,
		Reason:         opts.Reason,
		Automated:      opts.Automated,
		CreatedAt:      m.clock.Now(),
	}
	if err := tx.AppendStatusHistory(ctx, entry); err != nil {
		return apperrors.Wrap(err, "failed to append status history for %s", license.ID)
	}

	if err := m.rec.audit(ctx, tx, opts.Actor, ActionLicenseStatusChanged, resourceLicense, license.ID,
		map[string]interface{}{"status": from},
		map[string]interface{}{"status": to, "reason": opts.Reason, "automated": opts.Automated},
	); err != nil {
		return err
	}

	if err := m.rec.emit(ctx, tx, events.TypeLicenseStatusChanged, license.ID, events.LicenseStatusChanged{
		LicenseID: license.ID,
		IPAssetID: license.IPAssetID,
		BrandID:   license.BrandID,
		From:      from,
		To:        to,
		ActorID:   opts.Actor.ID,
		Reason:    opts.Reason,
		Automated: opts.Automated,
	}); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(from), string(to), strconv.FormatBool(opts.Automated)).Inc()
	}
	return nil
}

// authorize checks that the actor is a party allowed to move the license to to.
func (m *StateMachine) authorize(ctx context.Context, tx repository.Store, license *models.License, to models.LicenseStatus, opts TransitionOptions) error {
	if opts.consequential {
		return nil
	}
	leavingHold := license.Status == models.LicenseStatusDisputed || license.Status == models.LicenseStatusSuspended

	switch opts.Actor.Role {
	case models.ActorRoleAdmin, models.ActorRoleSystem:
		return nil
	case models.ActorRoleBrand:
		if opts.Actor.ID != license.BrandID {
			return apperrors.NewPermission("brand %s is not a party to license %s", opts.Actor.ID, license.ID)
		}
	case models.ActorRoleCreator:
		isOwner, err := isActiveOwner(ctx, tx, license.IPAssetID, opts.Actor.ID, m.clock)
		if err != nil {
			return err
		}
		if !isOwner {
			return apperrors.NewPermission("creator %s does not own the asset of license %s", opts.Actor.ID, license.ID)
		}
	default:
		return apperrors.NewPermission("unknown actor role %q", opts.Actor.Role)
	}

	if adminOnly[to] || leavingHold {
		return apperrors.NewPermission("only an administrator can move license %s from %s to %s", license.ID, license.Status, to)
	}
	return nil
}

func (m *StateMachine) checkRequirements(ctx context.Context, tx repository.Store, license *models.License, to models.LicenseStatus, opts TransitionOptions) error {
	if reasonRequired[to] && strings.TrimSpace(opts.Reason) == "" {
		return apperrors.NewStateTransition("a reason is required to move license %s to %s", license.ID, to)
	}

	switch to {
	case models.LicenseStatusRenewed:
		children, _, err := tx.ListLicenses(ctx, repository.LicenseFilter{ParentLicenseID: &license.ID})
		if err != nil {
			return apperrors.Wrap(err, "failed to load renewals of %s", license.ID)
		}
		for _, child := range children {
			if child.Status != models.LicenseStatusCanceled && child.Status != models.LicenseStatusRejected {
				return nil
			}
		}
		return apperrors.NewStateTransition("license %s has no renewal grant", license.ID)

	case models.LicenseStatusPendingApproval:
		if license.Status == models.LicenseStatusDraft {
			return m.revalidate(ctx, tx, license)
		}

	case models.LicenseStatusPendingSignature:
		if pending := license.PendingApprovals(); len(pending) > 0 {
			return apperrors.NewStateTransition("license %s has %d outstanding approvals", license.ID, len(pending))
		}

	case models.LicenseStatusActive:
		switch license.Status {
		case models.LicenseStatusPendingSignature:
			return m.requireSignatures(ctx, tx, license)
		case models.LicenseStatusExpiringSoon:
			if DaysUntil(m.clock.Now(), license.EndDate) <= m.cfg.ExpiringSoonDays {
				return apperrors.NewStateTransition("license %s still ends within %d days", license.ID, m.cfg.ExpiringSoonDays)
			}
		}
	}
	return nil
}

// revalidate re-runs the pipeline under the asset lock and records the
// approvals the grant needs.
func (m *StateMachine) revalidate(ctx context.Context, tx repository.Store, license *models.License) error {
	if err := tx.LockAsset(ctx, license.IPAssetID); err != nil {
		return loadError(err, "ip_asset", license.IPAssetID)
	}
	result, err := m.pipeline.Run(ctx, tx, LicenseInputFrom(license), ValidationOptions{Mode: ModeCollectAll})
	if err != nil {
		return err
	}

	license.ConflictSnapshots = append(license.ConflictSnapshots, models.ConflictSnapshot{
		TakenAt:   m.clock.Now(),
		Stage:     "submission",
		Conflicts: result.Conflicts,
		Warnings:  result.AllWarnings,
	})
	if !result.Valid {
		return validationFailure(result)
	}
	license.RequiredApprovals = result.RequiredApprovals
	return nil
}

func (m *StateMachine) requireSignatures(ctx context.Context, tx repository.Store, license *models.License) error {
	if !license.HasSignatureFrom(license.BrandID) {
		return apperrors.NewStateTransition("license %s is missing the brand signature", license.ID)
	}
	for _, sig := range license.Signatures {
		if sig.Role != models.ActorRoleCreator {
			continue
		}
		isOwner, err := isActiveOwner(ctx, tx, license.IPAssetID, sig.SignerID, m.clock)
		if err != nil {
			return err
		}
		if isOwner {
			return nil
		}
	}
	return apperrors.NewStateTransition("license %s is missing an owner signature", license.ID)
}

// expireOverdue moves an ACTIVE grant past its end date through
// EXPIRING_SOON to EXPIRED inside tx, writing one history entry per hop.
func (m *StateMachine) expireOverdue(ctx context.Context, tx repository.Store, license *models.License, opts TransitionOptions) error {
	if license.Status == models.LicenseStatusActive {
		if err := m.apply(ctx, tx, license, models.LicenseStatusExpiringSoon, opts); err != nil {
			return err
		}
	}
	return m.apply(ctx, tx, license, models.LicenseStatusExpired, opts)
}

// validationFailure converts an invalid result into the matching error.
func validationFailure(result *ValidationResult) error {
	if len(result.Conflicts) > 0 {
		return apperrors.NewConflict("license conflicts with existing grants", result.Conflicts, result.AllErrors...)
	}
	return apperrors.NewValidation("license failed validation", result.AllErrors...)
}

// DaysUntil returns the whole days from now until t, negative once t has passed.
func DaysUntil(now, t time.Time) int {
	return int(math.Floor(t.Sub(now).Hours() / 24))
}

func isActiveOwner(ctx context.Context, repo repository.AssetRepository, assetID, userID uuid.UUID, clk clock.Clock) (bool, error) {
	records, err := repo.ListOwnerships(ctx, assetID)
	if err != nil {
		return false, apperrors.Wrap(err, "failed to load ownership for asset %s", assetID)
	}
	for _, o := range models.ActiveOwnerships(records, clk.Now()) {
		if o.OwnerID == userID {
			return true, nil
		}
	}
	return false, nil
}
