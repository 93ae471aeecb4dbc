// internal/services/extension_service.go
package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/events"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
	"github.com/javajoker/imi-licensing/internal/utils"
)

var extendableStatuses = []models.LicenseStatus{
	models.LicenseStatusActive,
	models.LicenseStatusExpiringSoon,
}

type ExtensionService struct {
	store   repository.Store
	machine *StateMachine
	cfg     config.LicensingConfig
	clock   clock.Clock
	rec     recorder
}

type ExtensionRequestInput struct {
	LicenseID     uuid.UUID    `json:"license_id" validate:"required"`
	Actor         models.Actor `json:"-"`
	ExtensionDays int          `json:"extension_days" validate:"required,min=1,max=365"`
	Reason        string       `json:"reason,omitempty" validate:"max=2000"`
}

type ExtensionDecisionInput struct {
	ExtensionID uuid.UUID    `json:"extension_id" validate:"required"`
	Actor       models.Actor `json:"-"`
	Approve     bool         `json:"approve"`
	Reason      string       `json:"reason,omitempty" validate:"max=2000"`
}

type ExtensionResult struct {
	Extension *models.Extension `json:"extension"`
	License   *models.License   `json:"license"`
	// Applied is set when the new end date is in force.
	Applied bool `json:"applied"`
}

func NewExtensionService(store repository.Store, machine *StateMachine, cfg config.LicensingConfig, clk clock.Clock) *ExtensionService {
	return &ExtensionService{
		store:   store,
		machine: machine,
		cfg:     cfg,
		clock:   clk,
		rec:     recorder{clock: clk},
	}
}

// ExtensionFee prorates the license fee over the added days.
func ExtensionFee(feeCents int64, durationDays, extensionDays int) int64 {
	if durationDays < 1 {
		durationDays = 1
	}
	return int64(math.Round(float64(feeCents) / float64(durationDays) * float64(extensionDays)))
}

// RequestExtension pushes the end date of a running license out. Short
// extensions apply immediately; longer ones wait for an owner's approval.
func (s *ExtensionService) RequestExtension(ctx context.Context, in ExtensionRequestInput) (*ExtensionResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperrors.NewValidation("invalid extension request", utils.ValidationMessages(err)...)
	}
	if s.cfg.MaxExtensionDays > 0 && in.ExtensionDays > s.cfg.MaxExtensionDays {
		return nil, apperrors.NewValidation("invalid extension request", fmt.Sprintf("extension_days must be at most %d", s.cfg.MaxExtensionDays))
	}

	result := &ExtensionResult{}
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, in.LicenseID)
		if err != nil {
			return loadError(err, "license", in.LicenseID)
		}
		if !containsLicenseStatus(extendableStatuses, license.Status) {
			return apperrors.NewStateTransition("license %s is %s and cannot be extended", license.ID, license.Status)
		}
		if err := s.authorizeRequest(ctx, tx, license, in.Actor); err != nil {
			return err
		}

		existing, err := tx.ListExtensions(ctx, license.ID)
		if err != nil {
			return apperrors.Wrap(err, "failed to load extensions of %s", license.ID)
		}
		for _, e := range existing {
			if e.Status == models.ExtensionStatusPending {
				return apperrors.NewStateTransition("license %s already has a pending extension %s", license.ID, e.ID)
			}
		}

		newEnd := license.EndDate.AddDate(0, 0, in.ExtensionDays)
		if err := s.checkExtensionConflicts(ctx, tx, license, newEnd); err != nil {
			return err
		}

		ext := &models.Extension{
			LicenseID:          license.ID,
			RequestedBy:        in.Actor.ID,
			OriginalEndDate:    license.EndDate,
			NewEndDate:         newEnd,
			ExtensionDays:      in.ExtensionDays,
			AdditionalFeeCents: ExtensionFee(license.FeeCents, license.DurationDays(), in.ExtensionDays),
			ApprovalRequired:   in.ExtensionDays > s.cfg.ExtensionApprovalThresholdDays,
			Status:             models.ExtensionStatusPending,
			Reason:             in.Reason,
		}
		ext.EnsureID()

		var approvers []uuid.UUID
		if ext.ApprovalRequired {
			records, err := tx.ListOwnerships(ctx, license.IPAssetID)
			if err != nil {
				return apperrors.Wrap(err, "failed to load ownership for asset %s", license.IPAssetID)
			}
			approvers = models.DistinctOwnerIDs(models.ActiveOwnerships(records, s.clock.Now()))
		} else {
			now := s.clock.Now()
			requester := in.Actor.ID
			ext.Status = models.ExtensionStatusApproved
			ext.DecidedBy = &requester
			ext.DecidedAt = &now
		}

		if err := tx.CreateExtension(ctx, ext); err != nil {
			return apperrors.Wrap(err, "failed to create extension for %s", license.ID)
		}
		if err := s.rec.audit(ctx, tx, in.Actor, ActionExtensionRequested, resourceExtension, ext.ID, nil, map[string]interface{}{
			"license_id":           license.ID,
			"extension_days":       ext.ExtensionDays,
			"additional_fee_cents": ext.AdditionalFeeCents,
			"approval_required":    ext.ApprovalRequired,
		}); err != nil {
			return err
		}
		if err := s.rec.emit(ctx, tx, events.TypeExtensionRequested, license.ID, events.ExtensionRequested{
			ExtensionID:        ext.ID,
			LicenseID:          license.ID,
			ExtensionDays:      ext.ExtensionDays,
			AdditionalFeeCents: ext.AdditionalFeeCents,
			ApproverIDs:        approvers,
		}); err != nil {
			return err
		}

		if !ext.ApprovalRequired {
			if err := s.applyExtension(ctx, tx, license, ext, in.Actor); err != nil {
				return err
			}
			if err := s.resolved(ctx, tx, ext, in.Actor); err != nil {
				return err
			}
			result.Applied = true
		}

		result.Extension = ext
		result.License = license
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"license_id":   in.LicenseID,
		"extension_id": result.Extension.ID,
		"days":         in.ExtensionDays,
		"applied":      result.Applied,
	}).Info("Extension requested")

	return result, nil
}

func (s *ExtensionService) authorizeRequest(ctx context.Context, tx repository.Store, license *models.License, actor models.Actor) error {
	switch actor.Role {
	case models.ActorRoleAdmin:
		return nil
	case models.ActorRoleBrand:
		if actor.ID != license.BrandID {
			return apperrors.NewPermission("brand %s is not a party to license %s", actor.ID, license.ID)
		}
		return nil
	case models.ActorRoleCreator:
		isOwner, err := isActiveOwner(ctx, tx, license.IPAssetID, actor.ID, s.clock)
		if err != nil {
			return err
		}
		if !isOwner {
			return apperrors.NewPermission("creator %s does not own the asset of license %s", actor.ID, license.ID)
		}
		return nil
	case models.ActorRoleSystem:
		return apperrors.NewPermission("system actors cannot request extensions")
	default:
		return apperrors.NewPermission("unknown actor role %q", actor.Role)
	}
}

// checkExtensionConflicts blocks an EXCLUSIVE license from growing into
// another EXCLUSIVE grant on the same asset.
func (s *ExtensionService) checkExtensionConflicts(ctx context.Context, tx repository.Store, license *models.License, newEnd time.Time) error {
	if license.LicenseType != models.LicenseTypeExclusive {
		return nil
	}
	oldEnd := license.EndDate
	others, err := tx.FindOverlappingLicenses(ctx, repository.OverlapQuery{
		IPAssetID:    license.IPAssetID,
		Start:        oldEnd,
		End:          newEnd,
		Statuses:     ConflictCandidateStatuses,
		LicenseTypes: []models.LicenseType{models.LicenseTypeExclusive},
		ExcludeID:    &license.ID,
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to load overlapping licenses for asset %s", license.IPAssetID)
	}
	if len(others) == 0 {
		return nil
	}

	conflicts := make([]models.Conflict, 0, len(others))
	for i := range others {
		other := &others[i]
		conflicts = append(conflicts, models.Conflict{
			ConflictingLicenseID: other.ID,
			ReasonCode:           models.ConflictExclusiveOverlap,
			Details: fmt.Sprintf("exclusive license %s runs from %s to %s",
				other.ID, other.StartDate.Format(dateLayout), other.EndDate.Format(dateLayout)),
			OverlapStart: latest(oldEnd, other.StartDate),
			OverlapEnd:   earliest(newEnd, other.EndDate),
			Summary:      other.Summary(),
		})
	}
	return apperrors.NewConflict("extension overlaps another exclusive license", conflicts)
}

// ProcessApproval records an owner's decision on a pending extension.
func (s *ExtensionService) ProcessApproval(ctx context.Context, in ExtensionDecisionInput) (*ExtensionResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperrors.NewValidation("invalid extension decision", utils.ValidationMessages(err)...)
	}
	if !in.Approve && strings.TrimSpace(in.Reason) == "" {
		return nil, apperrors.NewValidation("invalid extension decision", "a rejection needs a reason")
	}

	result := &ExtensionResult{}
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		ext, err := tx.GetExtension(ctx, in.ExtensionID)
		if err != nil {
			return loadError(err, "extension", in.ExtensionID)
		}
		license, err := tx.GetLicenseForUpdate(ctx, ext.LicenseID)
		if err != nil {
			return loadError(err, "license", ext.LicenseID)
		}
		// Re-read under the license lock; a concurrent decision may have won.
		ext, err = tx.GetExtensionForUpdate(ctx, in.ExtensionID)
		if err != nil {
			return loadError(err, "extension", in.ExtensionID)
		}
		if ext.Status != models.ExtensionStatusPending {
			return apperrors.NewStateTransition("extension %s is already %s", ext.ID, ext.Status)
		}

		switch in.Actor.Role {
		case models.ActorRoleCreator:
			isOwner, err := isActiveOwner(ctx, tx, license.IPAssetID, in.Actor.ID, s.clock)
			if err != nil {
				return err
			}
			if !isOwner {
				return apperrors.NewPermission("creator %s does not own the asset of license %s", in.Actor.ID, license.ID)
			}
		case models.ActorRoleBrand, models.ActorRoleAdmin, models.ActorRoleSystem:
			return apperrors.NewPermission("only an asset owner can decide extension %s", ext.ID)
		default:
			return apperrors.NewPermission("unknown actor role %q", in.Actor.Role)
		}

		now := s.clock.Now()
		decidedBy := in.Actor.ID
		ext.DecidedBy = &decidedBy
		ext.DecidedAt = &now

		if in.Approve {
			if !containsLicenseStatus(extendableStatuses, license.Status) {
				return apperrors.NewStateTransition("license %s is %s and can no longer be extended", license.ID, license.Status)
			}
			if !license.EndDate.Equal(ext.OriginalEndDate) {
				return apperrors.NewStateTransition("end date of license %s changed since extension %s was requested", license.ID, ext.ID)
			}
			if err := s.checkExtensionConflicts(ctx, tx, license, ext.NewEndDate); err != nil {
				return err
			}
			ext.Status = models.ExtensionStatusApproved
			if err := s.applyExtension(ctx, tx, license, ext, in.Actor); err != nil {
				return err
			}
			result.Applied = true
		} else {
			ext.Status = models.ExtensionStatusRejected
			ext.RejectionReason = in.Reason
		}

		if err := tx.UpdateExtension(ctx, ext); err != nil {
			return apperrors.Wrap(err, "failed to update extension %s", ext.ID)
		}
		if err := s.resolved(ctx, tx, ext, in.Actor); err != nil {
			return err
		}

		result.Extension = ext
		result.License = license
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyExtension moves the end date and adds the prorated fee. An
// EXPIRING_SOON license pushed beyond the expiry window becomes ACTIVE again.
func (s *ExtensionService) applyExtension(ctx context.Context, tx repository.Store, license *models.License, ext *models.Extension, actor models.Actor) error {
	license.EndDate = ext.NewEndDate
	license.FeeCents += ext.AdditionalFeeCents

	if license.Status == models.LicenseStatusExpiringSoon && DaysUntil(s.clock.Now(), license.EndDate) > s.cfg.ExpiringSoonDays {
		return s.machine.apply(ctx, tx, license, models.LicenseStatusActive, TransitionOptions{
			Actor:         actor,
			Reason:        fmt.Sprintf("extended by %d days", ext.ExtensionDays),
			consequential: true,
		})
	}
	if err := tx.UpdateLicense(ctx, license); err != nil {
		return apperrors.Wrap(err, "failed to extend license %s", license.ID)
	}
	return nil
}

func (s *ExtensionService) resolved(ctx context.Context, tx repository.Store, ext *models.Extension, actor models.Actor) error {
	if err := s.rec.audit(ctx, tx, actor, ActionExtensionResolved, resourceExtension, ext.ID,
		map[string]interface{}{"status": models.ExtensionStatusPending},
		map[string]interface{}{"status": ext.Status, "reason": ext.RejectionReason},
	); err != nil {
		return err
	}
	return s.rec.emit(ctx, tx, events.TypeExtensionResolved, ext.LicenseID, events.ExtensionResolved{
		ExtensionID: ext.ID,
		LicenseID:   ext.LicenseID,
		Status:      ext.Status,
		RequestedBy: ext.RequestedBy,
		Reason:      ext.RejectionReason,
	})
}

func (s *ExtensionService) ListExtensions(ctx context.Context, licenseID uuid.UUID) ([]models.Extension, error) {
	extensions, err := s.store.ListExtensions(ctx, licenseID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load extensions of %s", licenseID)
	}
	return extensions, nil
}
