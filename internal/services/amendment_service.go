// internal/services/amendment_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/events"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
	"github.com/javajoker/imi-licensing/internal/utils"
)

// amendableStatuses are the statuses whose terms may be amended.
var amendableStatuses = []models.LicenseStatus{
	models.LicenseStatusActive,
	models.LicenseStatusPendingApproval,
}

const amendmentExpiredNote = "approval deadline passed"

type AmendmentService struct {
	store     repository.Store
	conflicts *ConflictService
	cfg       config.LicensingConfig
	clock     clock.Clock
	rec       recorder
}

type ProposeAmendmentInput struct {
	LicenseID uuid.UUID             `json:"license_id" validate:"required"`
	Actor     models.Actor          `json:"-"`
	Type      models.AmendmentType  `json:"type" validate:"required,oneof=FINANCIAL SCOPE DATES OTHER"`
	Changes   models.AmendmentTerms `json:"changes" validate:"-"`
	Reason    string                `json:"reason" validate:"required,max=2000"`
	// Deadline defaults to AmendmentDeadlineDays from now.
	Deadline *time.Time `json:"deadline,omitempty"`
}

type AmendmentDecisionInput struct {
	AmendmentID uuid.UUID    `json:"amendment_id" validate:"required"`
	Actor       models.Actor `json:"-"`
	Approve     bool         `json:"approve"`
	Comment     string       `json:"comment,omitempty" validate:"max=2000"`
}

type AmendmentResult struct {
	Amendment          *models.Amendment `json:"amendment"`
	RemainingApprovals int               `json:"remaining_approvals"`
	Warnings           []string          `json:"warnings,omitempty"`
}

func NewAmendmentService(store repository.Store, conflicts *ConflictService, cfg config.LicensingConfig, clk clock.Clock) *AmendmentService {
	return &AmendmentService{
		store:     store,
		conflicts: conflicts,
		cfg:       cfg,
		clock:     clk,
		rec:       recorder{clock: clk},
	}
}

// ProposeAmendment records a change to a license and the counter-parties
// that must approve it.
func (s *AmendmentService) ProposeAmendment(ctx context.Context, in ProposeAmendmentInput) (*AmendmentResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperrors.NewValidation("invalid amendment", utils.ValidationMessages(err)...)
	}
	if msgs := amendmentTermErrors(in.Changes); len(msgs) > 0 {
		return nil, apperrors.NewValidation("invalid amendment", msgs...)
	}

	now := s.clock.Now()
	deadline := now.AddDate(0, 0, s.cfg.AmendmentDeadlineDays)
	if in.Deadline != nil {
		if !in.Deadline.After(now) {
			return nil, apperrors.NewValidation("invalid amendment", "deadline must be in the future")
		}
		deadline = *in.Deadline
	}

	result := &AmendmentResult{}
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, in.LicenseID)
		if err != nil {
			return loadError(err, "license", in.LicenseID)
		}
		if !containsLicenseStatus(amendableStatuses, license.Status) {
			return apperrors.NewStateTransition("license %s is %s and cannot be amended", license.ID, license.Status)
		}

		approvers, err := s.counterParties(ctx, tx, license, in.Actor)
		if err != nil {
			return err
		}

		warnings, err := s.checkAmendedTerms(ctx, tx, license, in.Type, in.Changes)
		if err != nil {
			return err
		}
		result.Warnings = warnings

		number, err := tx.NextAmendmentNumber(ctx, license.ID)
		if err != nil {
			return apperrors.Wrap(err, "failed to number amendment for %s", license.ID)
		}

		amendment := &models.Amendment{
			LicenseID:        license.ID,
			AmendmentNumber:  number,
			ProposedBy:       in.Actor.ID,
			ProposerRole:     in.Actor.Role,
			Type:             in.Type,
			Reason:           in.Reason,
			Before:           datatypes.NewJSONType(in.Changes.Snapshot(license)),
			After:            datatypes.NewJSONType(in.Changes),
			Status:           models.AmendmentStatusProposed,
			ApprovalDeadline: deadline,
		}
		amendment.EnsureID()
		approverIDs := make([]uuid.UUID, 0, len(approvers))
		for _, a := range approvers {
			amendment.Approvals = append(amendment.Approvals, models.ApprovalRecord{
				AmendmentID:  amendment.ID,
				ApproverID:   a.ID,
				ApproverRole: a.Role,
				Status:       models.ApprovalStatusPending,
			})
			approverIDs = append(approverIDs, a.ID)
		}

		if err := tx.CreateAmendment(ctx, amendment); err != nil {
			return apperrors.Wrap(err, "failed to create amendment for %s", license.ID)
		}

		if err := s.rec.audit(ctx, tx, in.Actor, ActionAmendmentProposed, resourceAmendment, amendment.ID, nil, map[string]interface{}{
			"license_id":       license.ID,
			"amendment_number": number,
			"type":             in.Type,
			"approvers":        approverIDs,
		}); err != nil {
			return err
		}
		if err := s.rec.emit(ctx, tx, events.TypeAmendmentProposed, license.ID, events.AmendmentProposed{
			AmendmentID:     amendment.ID,
			LicenseID:       license.ID,
			AmendmentNumber: number,
			Type:            in.Type,
			ProposedBy:      in.Actor.ID,
			ApproverIDs:     approverIDs,
			Deadline:        deadline,
		}); err != nil {
			return err
		}

		result.Amendment = amendment
		result.RemainingApprovals = len(approvers)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"license_id":   in.LicenseID,
		"amendment_id": result.Amendment.ID,
		"type":         in.Type,
		"approvers":    result.RemainingApprovals,
	}).Info("Amendment proposed")

	return result, nil
}

// counterParties authorizes the proposer and returns who must approve.
func (s *AmendmentService) counterParties(ctx context.Context, tx repository.Store, license *models.License, proposer models.Actor) ([]models.Actor, error) {
	records, err := tx.ListOwnerships(ctx, license.IPAssetID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load ownership for asset %s", license.IPAssetID)
	}
	owners := models.DistinctOwnerIDs(models.ActiveOwnerships(records, s.clock.Now()))
	brand := models.Actor{ID: license.BrandID, Role: models.ActorRoleBrand}

	var approvers []models.Actor
	switch proposer.Role {
	case models.ActorRoleBrand:
		if proposer.ID != license.BrandID {
			return nil, apperrors.NewPermission("brand %s is not a party to license %s", proposer.ID, license.ID)
		}
		for _, id := range owners {
			approvers = append(approvers, models.Actor{ID: id, Role: models.ActorRoleCreator})
		}
	case models.ActorRoleCreator:
		if !containsUUID(owners, proposer.ID) {
			return nil, apperrors.NewPermission("creator %s does not own the asset of license %s", proposer.ID, license.ID)
		}
		approvers = append(approvers, brand)
	case models.ActorRoleAdmin:
		approvers = append(approvers, brand)
		for _, id := range owners {
			approvers = append(approvers, models.Actor{ID: id, Role: models.ActorRoleCreator})
		}
	case models.ActorRoleSystem:
		return nil, apperrors.NewPermission("system actors cannot propose amendments")
	default:
		return nil, apperrors.NewPermission("unknown actor role %q", proposer.Role)
	}

	if len(approvers) == 0 {
		return nil, apperrors.NewValidation("invalid amendment", fmt.Sprintf("asset %s has no active owners to approve the amendment", license.IPAssetID))
	}
	return approvers, nil
}

// checkAmendedTerms validates the license as it would look after the
// amendment. DATES and SCOPE amendments are checked for conflicts.
func (s *AmendmentService) checkAmendedTerms(ctx context.Context, tx repository.Store, license *models.License, kind models.AmendmentType, changes models.AmendmentTerms) ([]string, error) {
	amended := *license
	changes.ApplyTo(&amended)
	if !amended.EndDate.After(amended.StartDate) {
		return nil, apperrors.NewValidation("invalid amendment", "amended end_date must be after start_date")
	}
	if kind != models.AmendmentTypeDates && kind != models.AmendmentTypeScope {
		return nil, nil
	}

	conflicts, err := s.conflicts.check(ctx, tx, LicenseInputFrom(&amended).conflictInput())
	if err != nil {
		return nil, err
	}
	if conflicts.HasConflicts {
		return nil, apperrors.NewConflict("amended terms conflict with existing grants", conflicts.Conflicts)
	}
	return conflicts.Warnings, nil
}

func amendmentTermErrors(t models.AmendmentTerms) []string {
	if t.IsEmpty() {
		return []string{"an amendment must change at least one term"}
	}
	var msgs []string
	if t.FeeCents != nil && *t.FeeCents < 0 {
		msgs = append(msgs, "fee_cents must be at least 0")
	}
	if t.RevShareBps != nil && (*t.RevShareBps < 0 || *t.RevShareBps > 10000) {
		msgs = append(msgs, "rev_share_bps must be between 0 and 10000")
	}
	if t.Scope != nil {
		msgs = append(msgs, ScopeErrors(*t.Scope)...)
	}
	if t.BillingFrequency != nil {
		switch *t.BillingFrequency {
		case models.BillingFrequencyOneTime, models.BillingFrequencyMonthly, models.BillingFrequencyQuarterly, models.BillingFrequencyAnnual:
		default:
			msgs = append(msgs, fmt.Sprintf("unknown billing frequency %q", *t.BillingFrequency))
		}
	}
	return msgs
}

// ProcessApproval records one counter-party decision and resolves the
// amendment when it is unanimous or rejected.
func (s *AmendmentService) ProcessApproval(ctx context.Context, in AmendmentDecisionInput) (*AmendmentResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperrors.NewValidation("invalid amendment decision", utils.ValidationMessages(err)...)
	}
	if !in.Approve && strings.TrimSpace(in.Comment) == "" {
		return nil, apperrors.NewValidation("invalid amendment decision", "a rejection needs a comment")
	}

	result := &AmendmentResult{}
	var expired bool
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		amendment, err := s.lockAmendment(ctx, tx, in.AmendmentID)
		if err != nil {
			return err
		}
		result.Amendment = amendment
		if amendment.Status != models.AmendmentStatusProposed {
			return apperrors.NewStateTransition("amendment %s is already %s", amendment.ID, amendment.Status)
		}

		if s.clock.Now().After(amendment.ApprovalDeadline) {
			expired = true
			return s.resolve(ctx, tx, amendment, models.SystemActor, models.AmendmentStatusRejected, amendmentExpiredNote)
		}

		idx := -1
		for i := range amendment.Approvals {
			if amendment.Approvals[i].ApproverID == in.Actor.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apperrors.NewPermission("%s is not an approver of amendment %s", in.Actor.ID, amendment.ID)
		}
		record := &amendment.Approvals[idx]
		if record.Status != models.ApprovalStatusPending {
			return apperrors.NewStateTransition("decision by %s on amendment %s is already recorded", in.Actor.ID, amendment.ID)
		}

		now := s.clock.Now()
		record.Status = models.ApprovalStatusApproved
		if !in.Approve {
			record.Status = models.ApprovalStatusRejected
		}
		record.Comment = in.Comment
		record.DecidedAt = &now
		if err := tx.UpdateApprovalRecord(ctx, record); err != nil {
			return apperrors.Wrap(err, "failed to update approval record %s", record.ID)
		}
		if err := s.rec.audit(ctx, tx, in.Actor, ActionAmendmentDecision, resourceAmendment, amendment.ID, nil, map[string]interface{}{
			"decision": record.Status,
			"comment":  in.Comment,
		}); err != nil {
			return err
		}

		_, rejected, pending := amendment.ApprovalTally()
		result.RemainingApprovals = pending
		switch {
		case rejected > 0:
			return s.resolve(ctx, tx, amendment, in.Actor, models.AmendmentStatusRejected, in.Comment)
		case pending == 0:
			warnings, err := s.applyAmendment(ctx, tx, amendment)
			if err != nil {
				return err
			}
			result.Warnings = warnings
			return s.resolve(ctx, tx, amendment, in.Actor, models.AmendmentStatusApproved, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return result, apperrors.NewStateTransition("amendment %s passed its approval deadline", in.AmendmentID)
	}
	return result, nil
}

// lockAmendment takes the license lock first, the order every license
// mutation uses, then re-reads the amendment so concurrent decisions see each
// other's committed approvals.
func (s *AmendmentService) lockAmendment(ctx context.Context, tx repository.Store, id uuid.UUID) (*models.Amendment, error) {
	amendment, err := tx.GetAmendment(ctx, id)
	if err != nil {
		return nil, loadError(err, "amendment", id)
	}
	if _, err := tx.GetLicenseForUpdate(ctx, amendment.LicenseID); err != nil {
		return nil, loadError(err, "license", amendment.LicenseID)
	}
	amendment, err = tx.GetAmendmentForUpdate(ctx, id)
	if err != nil {
		return nil, loadError(err, "amendment", id)
	}
	return amendment, nil
}

// applyAmendment merges the approved terms into the license.
func (s *AmendmentService) applyAmendment(ctx context.Context, tx repository.Store, amendment *models.Amendment) ([]string, error) {
	license, err := tx.GetLicenseForUpdate(ctx, amendment.LicenseID)
	if err != nil {
		return nil, loadError(err, "license", amendment.LicenseID)
	}
	if !containsLicenseStatus(amendableStatuses, license.Status) {
		return nil, apperrors.NewStateTransition("license %s is %s and can no longer be amended", license.ID, license.Status)
	}

	changes := amendment.After.Data()
	warnings, err := s.checkAmendedTerms(ctx, tx, license, amendment.Type, changes)
	if err != nil {
		return nil, err
	}

	changes.ApplyTo(license)
	license.AmendmentCount++
	if err := tx.UpdateLicense(ctx, license); err != nil {
		return nil, apperrors.Wrap(err, "failed to apply amendment %s", amendment.ID)
	}
	return warnings, nil
}

func (s *AmendmentService) resolve(ctx context.Context, tx repository.Store, amendment *models.Amendment, actor models.Actor, status models.AmendmentStatus, note string) error {
	now := s.clock.Now()
	amendment.Status = status
	amendment.ResolvedAt = &now
	amendment.ResolutionNote = note
	if err := tx.UpdateAmendment(ctx, amendment); err != nil {
		return apperrors.Wrap(err, "failed to update amendment %s", amendment.ID)
	}

	if err := s.rec.audit(ctx, tx, actor, ActionAmendmentResolved, resourceAmendment, amendment.ID,
		map[string]interface{}{"status": models.AmendmentStatusProposed},
		map[string]interface{}{"status": status, "note": note},
	); err != nil {
		return err
	}
	return s.rec.emit(ctx, tx, events.TypeAmendmentResolved, amendment.LicenseID, events.AmendmentResolved{
		AmendmentID: amendment.ID,
		LicenseID:   amendment.LicenseID,
		Status:      status,
		ProposedBy:  amendment.ProposedBy,
		Note:        note,
	})
}

// ExpireOverdue rejects the PROPOSED amendments of a license whose deadline
// has passed and returns how many it rejected.
func (s *AmendmentService) ExpireOverdue(ctx context.Context, licenseID uuid.UUID) (int, error) {
	expired := 0
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		amendments, err := tx.ListAmendments(ctx, licenseID)
		if err != nil {
			return apperrors.Wrap(err, "failed to load amendments of %s", licenseID)
		}
		now := s.clock.Now()
		for i := range amendments {
			a := &amendments[i]
			if a.Status != models.AmendmentStatusProposed || !now.After(a.ApprovalDeadline) {
				continue
			}
			if err := s.resolve(ctx, tx, a, models.SystemActor, models.AmendmentStatusRejected, amendmentExpiredNote); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	return expired, err
}

func (s *AmendmentService) GetAmendment(ctx context.Context, id uuid.UUID) (*models.Amendment, error) {
	amendment, err := s.store.GetAmendment(ctx, id)
	if err != nil {
		return nil, loadError(err, "amendment", id)
	}
	return amendment, nil
}

func (s *AmendmentService) ListAmendments(ctx context.Context, licenseID uuid.UUID) ([]models.Amendment, error) {
	amendments, err := s.store.ListAmendments(ctx, licenseID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load amendments of %s", licenseID)
	}
	return amendments, nil
}

func containsLicenseStatus(list []models.LicenseStatus, s models.LicenseStatus) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func containsUUID(list []uuid.UUID, id uuid.UUID) bool {
	for _, item := range list {
		if item == id {
			return true
		}
	}
	return false
}
