// internal/services/license_service.go
package services

import (
	"context"
	"encoding/json"
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

type LicenseService struct {
	store    repository.Store
	pipeline *ValidationPipeline
	machine  *StateMachine
	proofs   *ProofService
	calc     *FeeCalculator
	cfg      config.LicensingConfig
	clock    clock.Clock
	rec      recorder
}

type ApprovalInput struct {
	LicenseID uuid.UUID    `json:"license_id" validate:"required"`
	Actor     models.Actor `json:"-"`
	Approve   bool         `json:"approve"`
	Comment   string       `json:"comment,omitempty" validate:"max=2000"`
}

type SignatureInput struct {
	LicenseID uuid.UUID    `json:"license_id" validate:"required"`
	Actor     models.Actor `json:"-"`
}

// SignatureResult reports the license after a signature and whether it executed.
type SignatureResult struct {
	License  *models.License `json:"license"`
	Executed bool            `json:"executed"`
	Missing  []string        `json:"missing_signatures"`
}

type LicenseListParams struct {
	utils.PaginationParams
	IPAssetID *uuid.UUID             `json:"ip_asset_id,omitempty"`
	BrandID   *uuid.UUID             `json:"brand_id,omitempty"`
	Statuses  []models.LicenseStatus `json:"statuses,omitempty"`
}

func NewLicenseService(store repository.Store, pipeline *ValidationPipeline, machine *StateMachine, proofs *ProofService, calc *FeeCalculator, cfg config.LicensingConfig, clk clock.Clock) *LicenseService {
	return &LicenseService{
		store:    store,
		pipeline: pipeline,
		machine:  machine,
		proofs:   proofs,
		calc:     calc,
		cfg:      cfg,
		clock:    clk,
		rec:      recorder{clock: clk},
	}
}

// ValidateLicense runs the validation pipeline without persisting anything.
// An unpriced grant is validated at its calculated fee.
func (s *LicenseService) ValidateLicense(ctx context.Context, in LicenseInput, opts ValidationOptions) (*ValidationResult, error) {
	in, err := s.priceGrant(ctx, s.store, in)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Run(ctx, s.store, in, opts)
}

// priceGrant fills in the calculated fee when in carries none. Inputs the
// pipeline will reject anyway are left unpriced.
func (s *LicenseService) priceGrant(ctx context.Context, store repository.Store, in LicenseInput) (LicenseInput, error) {
	if in.FeeCents != nil || !in.EndDate.After(in.StartDate) {
		return in, nil
	}

	asset, err := store.GetAsset(ctx, in.IPAssetID)
	if err != nil {
		if isNotFound(err) {
			return in, nil
		}
		return in, apperrors.Wrap(err, "failed to load asset %s", in.IPAssetID)
	}

	spend, err := store.SumBrandFees(ctx, in.BrandID, SpendHistoryStatuses, nil)
	if err != nil {
		return in, apperrors.Wrap(err, "failed to load spend history for brand %s", in.BrandID)
	}

	quote := s.calc.Calculate(FeeInputs{
		AssetType:   string(asset.AssetType),
		LicenseType: in.LicenseType,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		Scope:       in.Scope,
	}, spend)
	in.FeeCents = &quote.FeeCents

	logrus.WithFields(logrus.Fields{
		"ip_asset_id": in.IPAssetID,
		"brand_id":    in.BrandID,
		"fee_cents":   quote.FeeCents,
	}).Debug("Priced grant from rate tables")
	return in, nil
}

// CreateLicense validates in under the asset lock and stores it as a DRAFT.
// A grant without a fee is priced from the rate tables first.
func (s *LicenseService) CreateLicense(ctx context.Context, in LicenseInput, actor models.Actor) (*models.License, error) {
	if err := s.authorizeCreate(ctx, in, actor); err != nil {
		return nil, err
	}

	var license *models.License
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.LockAsset(ctx, in.IPAssetID); err != nil && !isNotFound(err) {
			return apperrors.Wrap(err, "failed to lock asset %s", in.IPAssetID)
		}

		in, err := s.priceGrant(ctx, tx, in)
		if err != nil {
			return err
		}

		result, err := s.pipeline.Run(ctx, tx, in, ValidationOptions{Mode: ModeCollectAll})
		if err != nil {
			return err
		}
		if !result.Valid {
			return validationFailure(result)
		}

		license = buildLicense(in, actor, models.LicenseStatusDraft, result, "creation", s.clock.Now())
		if err := tx.CreateLicense(ctx, license); err != nil {
			return apperrors.Wrap(err, "failed to create license")
		}
		return s.rec.licenseCreated(ctx, tx, license, actor, result.AllWarnings)
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"license_id":  license.ID,
		"ip_asset_id": license.IPAssetID,
		"brand_id":    license.BrandID,
		"type":        license.LicenseType,
	}).Info("License created")

	return license, nil
}

// buildLicense turns validated input into a new license in status.
func buildLicense(in LicenseInput, actor models.Actor, status models.LicenseStatus, result *ValidationResult, stage string, now time.Time) *models.License {
	license := &models.License{
		IPAssetID:         in.IPAssetID,
		BrandID:           in.BrandID,
		ProjectID:         in.ProjectID,
		ParentLicenseID:   in.ParentLicenseID,
		CreatedBy:         actor.ID,
		LicenseType:       in.LicenseType,
		Status:            status,
		StartDate:         in.StartDate,
		EndDate:           in.EndDate,
		FeeCents:          in.Fee(),
		RevShareBps:       in.RevShareBps,
		AutoRenew:         in.AutoRenew,
		PaymentTerms:      in.PaymentTerms,
		BillingFrequency:  in.BillingFrequency,
		RequiredApprovals: result.RequiredApprovals,
		ConflictSnapshots: []models.ConflictSnapshot{{
			TakenAt:   now,
			Stage:     stage,
			Conflicts: result.Conflicts,
			Warnings:  result.AllWarnings,
		}},
	}
	license.EnsureID()
	license.SetScope(in.Scope)
	return license
}

func (s *LicenseService) authorizeCreate(ctx context.Context, in LicenseInput, actor models.Actor) error {
	switch actor.Role {
	case models.ActorRoleAdmin, models.ActorRoleSystem:
		return nil
	case models.ActorRoleBrand:
		if actor.ID != in.BrandID {
			return apperrors.NewPermission("brand %s cannot create a license for brand %s", actor.ID, in.BrandID)
		}
		return nil
	case models.ActorRoleCreator:
		isOwner, err := isActiveOwner(ctx, s.store, in.IPAssetID, actor.ID, s.clock)
		if err != nil {
			return err
		}
		if !isOwner {
			return apperrors.NewPermission("creator %s does not own asset %s", actor.ID, in.IPAssetID)
		}
		return nil
	default:
		return apperrors.NewPermission("unknown actor role %q", actor.Role)
	}
}

// SubmitForApproval moves a DRAFT to PENDING_APPROVAL, re-validating it and
// recording the approvals it needs.
func (s *LicenseService) SubmitForApproval(ctx context.Context, licenseID uuid.UUID, actor models.Actor) (*models.License, error) {
	if err := s.machine.Transition(ctx, licenseID, models.LicenseStatusPendingApproval, TransitionOptions{Actor: actor}); err != nil {
		return nil, err
	}
	return s.GetLicense(ctx, licenseID)
}

// ApproveLicense records the actor's decision on a PENDING_APPROVAL license.
// A rejection rejects the license; the last approval moves it to
// PENDING_SIGNATURE.
func (s *LicenseService) ApproveLicense(ctx context.Context, in ApprovalInput) (*models.License, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperrors.NewValidation("invalid approval", utils.ValidationMessages(err)...)
	}

	var license *models.License
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		var err error
		license, err = tx.GetLicenseForUpdate(ctx, in.LicenseID)
		if err != nil {
			return loadError(err, "license", in.LicenseID)
		}
		if license.Status != models.LicenseStatusPendingApproval {
			return apperrors.NewStateTransition("license %s is %s, not awaiting approval", license.ID, license.Status)
		}

		matched, err := s.matchApprovals(license, in.Actor)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		decision := models.ApprovalStatusApproved
		if !in.Approve {
			decision = models.ApprovalStatusRejected
		}
		for _, i := range matched {
			req := &license.RequiredApprovals[i]
			req.Status = decision
			decidedBy := in.Actor.ID
			req.DecidedBy = &decidedBy
			req.DecidedAt = &now
		}
		license.ApprovalHistory = append(license.ApprovalHistory, models.ApprovalHistoryEntry{
			ApproverID: in.Actor.ID,
			Role:       in.Actor.Role,
			Decision:   decision,
			Comment:    in.Comment,
			DecidedAt:  now,
		})
		remaining := len(license.PendingApprovals())

		if err := s.rec.audit(ctx, tx, in.Actor, ActionLicenseApproval, resourceLicense, license.ID, nil, map[string]interface{}{
			"decision":  decision,
			"comment":   in.Comment,
			"remaining": remaining,
		}); err != nil {
			return err
		}
		if err := s.rec.emit(ctx, tx, events.TypeLicenseApproval, license.ID, events.LicenseApproval{
			LicenseID:  license.ID,
			ApproverID: in.Actor.ID,
			Role:       in.Actor.Role,
			Decision:   decision,
			Remaining:  remaining,
		}); err != nil {
			return err
		}

		opts := TransitionOptions{Actor: in.Actor, consequential: true}
		switch {
		case decision == models.ApprovalStatusRejected:
			opts.Reason = in.Comment
			if strings.TrimSpace(opts.Reason) == "" {
				opts.Reason = "approval rejected"
			}
			return s.machine.apply(ctx, tx, license, models.LicenseStatusRejected, opts)
		case remaining == 0:
			opts.Reason = "all required approvals granted"
			return s.machine.apply(ctx, tx, license, models.LicenseStatusPendingSignature, opts)
		default:
			if err := tx.UpdateLicense(ctx, license); err != nil {
				return apperrors.Wrap(err, "failed to update license %s", license.ID)
			}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return license, nil
}

// matchApprovals returns the indexes of the pending requirements the actor
// can decide.
func (s *LicenseService) matchApprovals(license *models.License, actor models.Actor) ([]int, error) {
	var matched []int
	decided := false
	for i, req := range license.RequiredApprovals {
		var mine bool
		switch actor.Role {
		case models.ActorRoleAdmin:
			mine = req.Role == models.ActorRoleAdmin
		case models.ActorRoleCreator:
			mine = req.Role == models.ActorRoleCreator && req.ApproverID != nil && *req.ApproverID == actor.ID
		case models.ActorRoleBrand, models.ActorRoleSystem:
			return nil, apperrors.NewPermission("%s actors do not approve licenses", actor.Role)
		default:
			return nil, apperrors.NewPermission("unknown actor role %q", actor.Role)
		}
		if !mine {
			continue
		}
		if req.Status == models.ApprovalStatusPending {
			matched = append(matched, i)
		} else {
			decided = true
		}
	}

	if len(matched) == 0 {
		if decided {
			return nil, apperrors.NewStateTransition("approval by %s on license %s is already recorded", actor.ID, license.ID)
		}
		return nil, apperrors.NewPermission("%s %s is not a required approver of license %s", actor.Role, actor.ID, license.ID)
	}
	return matched, nil
}

// RecordSignature adds the actor's signature to a PENDING_SIGNATURE license.
// Once the brand and an owner have signed the license executes: an execution
// proof is issued and it becomes ACTIVE.
func (s *LicenseService) RecordSignature(ctx context.Context, in SignatureInput) (*SignatureResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperrors.NewValidation("invalid signature", utils.ValidationMessages(err)...)
	}

	result := &SignatureResult{}
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, in.LicenseID)
		if err != nil {
			return loadError(err, "license", in.LicenseID)
		}
		if license.Status != models.LicenseStatusPendingSignature {
			return apperrors.NewStateTransition("license %s is %s, not awaiting signatures", license.ID, license.Status)
		}

		switch in.Actor.Role {
		case models.ActorRoleBrand:
			if in.Actor.ID != license.BrandID {
				return apperrors.NewPermission("brand %s is not a party to license %s", in.Actor.ID, license.ID)
			}
		case models.ActorRoleCreator:
			isOwner, err := isActiveOwner(ctx, tx, license.IPAssetID, in.Actor.ID, s.clock)
			if err != nil {
				return err
			}
			if !isOwner {
				return apperrors.NewPermission("creator %s does not own the asset of license %s", in.Actor.ID, license.ID)
			}
		case models.ActorRoleAdmin, models.ActorRoleSystem:
			return apperrors.NewPermission("only the brand and asset owners sign licenses")
		default:
			return apperrors.NewPermission("unknown actor role %q", in.Actor.Role)
		}
		if license.HasSignatureFrom(in.Actor.ID) {
			return apperrors.NewStateTransition("%s %s has already signed license %s", in.Actor.Role, in.Actor.ID, license.ID)
		}

		now := s.clock.Now()
		license.Signatures = append(license.Signatures, models.SignatureRecord{
			SignerID:  in.Actor.ID,
			Role:      in.Actor.Role,
			SignedAt:  now,
			IPAddress: requestMetaFrom(ctx).IPAddress,
		})
		missing := missingSignatures(license)

		if err := s.rec.audit(ctx, tx, in.Actor, ActionLicenseSigned, resourceLicense, license.ID, nil, map[string]interface{}{
			"signatures": len(license.Signatures),
			"missing":    missing,
		}); err != nil {
			return err
		}
		if err := s.rec.emit(ctx, tx, events.TypeLicenseSigned, license.ID, events.LicenseSigned{
			LicenseID: license.ID,
			SignerID:  in.Actor.ID,
			Role:      in.Actor.Role,
			Remaining: len(missing),
		}); err != nil {
			return err
		}

		result.License = license
		result.Missing = missing
		if len(missing) > 0 {
			if err := tx.UpdateLicense(ctx, license); err != nil {
				return apperrors.Wrap(err, "failed to update license %s", license.ID)
			}
			return nil
		}

		result.Executed = true
		return s.execute(ctx, tx, license, in.Actor, now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// execute issues the execution proof and activates the license.
func (s *LicenseService) execute(ctx context.Context, tx repository.Store, license *models.License, actor models.Actor, now time.Time) error {
	var payload []byte
	if s.proofs != nil {
		proof, canonical, err := s.proofs.Issue(license, now)
		if err != nil {
			return apperrors.Wrap(err, "failed to issue execution proof for %s", license.ID)
		}
		license.ExecutionProof = datatypes.NewJSONType(proof)
		payload = canonical
	}

	if err := s.machine.apply(ctx, tx, license, models.LicenseStatusActive, TransitionOptions{
		Actor:         actor,
		Reason:        "all parties signed",
		consequential: true,
	}); err != nil {
		return err
	}
	if payload == nil {
		return nil
	}

	proof := license.ExecutionProof.Data()
	if err := s.rec.audit(ctx, tx, actor, ActionProofIssued, resourceLicense, license.ID, nil, map[string]interface{}{
		"algorithm":    proof.Algorithm,
		"payload_hash": proof.PayloadHash,
		"key_id":       proof.KeyID,
	}); err != nil {
		return err
	}
	return s.rec.emit(ctx, tx, events.TypeProofIssued, license.ID, events.ProofIssued{
		LicenseID: license.ID,
		Proof:     proof,
		Payload:   json.RawMessage(payload),
	})
}

// missingSignatures names the parties that still have to sign. Creator
// signatures were checked against active ownership when recorded.
func missingSignatures(license *models.License) []string {
	missing := []string{}
	if !license.HasSignatureFrom(license.BrandID) {
		missing = append(missing, string(models.ActorRoleBrand))
	}
	ownerSigned := false
	for _, sig := range license.Signatures {
		if sig.Role == models.ActorRoleCreator {
			ownerSigned = true
			break
		}
	}
	if !ownerSigned {
		missing = append(missing, string(models.ActorRoleCreator))
	}
	return missing
}

// VerifyProof checks the stored execution proof of a license.
func (s *LicenseService) VerifyProof(ctx context.Context, licenseID uuid.UUID) (bool, error) {
	if s.proofs == nil {
		return false, apperrors.NewStateTransition("execution proofs are not configured")
	}
	license, err := s.GetLicense(ctx, licenseID)
	if err != nil {
		return false, err
	}
	return s.proofs.VerifyProof(license)
}

func (s *LicenseService) GetLicense(ctx context.Context, licenseID uuid.UUID) (*models.License, error) {
	license, err := s.store.GetLicense(ctx, licenseID)
	if err != nil {
		return nil, loadError(err, "license", licenseID)
	}
	return license, nil
}

// CanView reports whether actor may read license.
func (s *LicenseService) CanView(ctx context.Context, license *models.License, actor models.Actor) error {
	switch actor.Role {
	case models.ActorRoleAdmin, models.ActorRoleSystem:
		return nil
	case models.ActorRoleBrand:
		if actor.ID == license.BrandID {
			return nil
		}
	case models.ActorRoleCreator:
		isOwner, err := isActiveOwner(ctx, s.store, license.IPAssetID, actor.ID, s.clock)
		if err != nil {
			return err
		}
		if isOwner {
			return nil
		}
	default:
		return apperrors.NewPermission("unknown actor role %q", actor.Role)
	}
	return apperrors.NewPermission("%s %s is not a party to license %s", actor.Role, actor.ID, license.ID)
}

func (s *LicenseService) ListLicenses(ctx context.Context, params LicenseListParams) ([]models.License, int64, error) {
	params.PaginationParams = params.PaginationParams.Normalize()
	licenses, total, err := s.store.ListLicenses(ctx, repository.LicenseFilter{
		IPAssetID: params.IPAssetID,
		BrandID:   params.BrandID,
		Statuses:  params.Statuses,
		Limit:     params.Limit,
		Offset:    params.Offset(),
	})
	if err != nil {
		return nil, 0, apperrors.Wrap(err, "failed to list licenses")
	}
	return licenses, total, nil
}

func (s *LicenseService) GetStatusHistory(ctx context.Context, licenseID uuid.UUID) ([]models.StatusHistoryEntry, error) {
	if _, err := s.GetLicense(ctx, licenseID); err != nil {
		return nil, err
	}
	history, err := s.store.ListStatusHistory(ctx, licenseID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load status history for %s", licenseID)
	}
	return history, nil
}

func (s *LicenseService) GetAuditTrail(ctx context.Context, licenseID uuid.UUID) ([]models.AuditLog, error) {
	entries, err := s.store.ListAudit(ctx, licenseID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load audit trail for %s", licenseID)
	}
	return entries, nil
}
