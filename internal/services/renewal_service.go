// internal/services/renewal_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/events"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
	"github.com/javajoker/imi-licensing/internal/utils"
)

var renewableStatuses = []models.LicenseStatus{
	models.LicenseStatusActive,
	models.LicenseStatusExpiringSoon,
	models.LicenseStatusExpired,
}

// attachedRenewalStatuses are the child statuses that count as a renewal in progress.
var attachedRenewalStatuses = []models.LicenseStatus{
	models.LicenseStatusActive,
	models.LicenseStatusPendingApproval,
	models.LicenseStatusPendingSignature,
}

// maxLineageDepth bounds the walk up the parent chain.
const maxLineageDepth = 50

type EligibilityResult struct {
	LicenseID      uuid.UUID            `json:"license_id"`
	Eligible       bool                 `json:"eligible"`
	Reasons        []string             `json:"reasons"`
	Warnings       []string             `json:"warnings"`
	DaysUntilEnd   int                  `json:"days_until_end"`
	PriorRenewals  int                  `json:"prior_renewals"`
	SuggestedTerms *models.RenewalTerms `json:"suggested_terms,omitempty"`
	Conflicts      []models.Conflict    `json:"conflicts,omitempty"`
}

func (r *EligibilityResult) block(format string, args ...interface{}) {
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

type RenewalService struct {
	store     repository.Store
	conflicts *ConflictService
	pipeline  *ValidationPipeline
	machine   *StateMachine
	pricer    *RenewalPricer
	cfg       config.LicensingConfig
	clock     clock.Clock
	rec       recorder
}

func NewRenewalService(store repository.Store, conflicts *ConflictService, pipeline *ValidationPipeline, machine *StateMachine, calc *FeeCalculator, cfg config.LicensingConfig, clk clock.Clock) *RenewalService {
	return &RenewalService{
		store:     store,
		conflicts: conflicts,
		pipeline:  pipeline,
		machine:   machine,
		pricer:    NewRenewalPricer(calc, cfg.EarlyRenewalDays),
		cfg:       cfg,
		clock:     clk,
		rec:       recorder{clock: clk},
	}
}

// CheckEligibility reports whether a license may be renewed and, when it
// may, the terms an offer would carry.
func (s *RenewalService) CheckEligibility(ctx context.Context, licenseID uuid.UUID, opts RenewalOptions) (*EligibilityResult, error) {
	if err := utils.ValidateStruct(opts); err != nil {
		return nil, apperrors.NewValidation("invalid renewal options", utils.ValidationMessages(err)...)
	}
	license, err := s.store.GetLicense(ctx, licenseID)
	if err != nil {
		return nil, loadError(err, "license", licenseID)
	}
	return s.eligibility(ctx, s.store, license, opts)
}

func (s *RenewalService) eligibility(ctx context.Context, tx repository.Store, license *models.License, opts RenewalOptions) (*EligibilityResult, error) {
	now := s.clock.Now()
	result := &EligibilityResult{
		LicenseID:    license.ID,
		Reasons:      []string{},
		Warnings:     []string{},
		DaysUntilEnd: DaysUntil(now, license.EndDate),
	}

	if !containsLicenseStatus(renewableStatuses, license.Status) {
		result.block("license is %s; only ACTIVE, EXPIRING_SOON or EXPIRED licenses can be renewed", license.Status)
	}

	attached, err := s.attachedRenewal(ctx, tx, license.ID)
	if err != nil {
		return nil, err
	}
	if attached != nil {
		result.block("renewal %s is already %s", attached.ID, attached.Status)
	}

	switch {
	case result.DaysUntilEnd > s.cfg.RenewalWindowBeforeDays:
		result.block("too early to renew: %d days remain, the window opens %d days before expiry",
			result.DaysUntilEnd, s.cfg.RenewalWindowBeforeDays)
	case -result.DaysUntilEnd > s.cfg.RenewalGraceAfterDays:
		result.block("renewal window closed %d days after expiry", s.cfg.RenewalGraceAfterDays)
	}

	asset, err := tx.GetAsset(ctx, license.IPAssetID)
	switch {
	case isNotFound(err):
		result.block("asset %s not found", license.IPAssetID)
	case err != nil:
		return nil, loadError(err, "ip_asset", license.IPAssetID)
	case asset.IsDeleted():
		result.block("asset %s has been deleted", asset.ID)
	default:
		records, err := tx.ListOwnerships(ctx, asset.ID)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to load ownership for asset %s", asset.ID)
		}
		active := models.ActiveOwnerships(records, now)
		if len(active) == 0 {
			result.block("asset %s has no valid ownership records", asset.ID)
		}
		for _, o := range active {
			if o.HasOpenDispute() {
				result.block("ownership of %s by %s is disputed", asset.ID, o.OwnerID)
			}
		}
	}

	brand, err := tx.GetUser(ctx, license.BrandID)
	switch {
	case isNotFound(err):
		result.block("brand %s not found", license.BrandID)
	case err != nil:
		return nil, loadError(err, "user", license.BrandID)
	case !brand.IsActive():
		result.block("brand account %s is not active", brand.ID)
	}

	result.PriorRenewals, err = s.priorRenewals(ctx, tx, license)
	if err != nil {
		return nil, err
	}

	result.Eligible = len(result.Reasons) == 0
	if !result.Eligible {
		return result, nil
	}

	terms, err := s.terms(ctx, tx, license, asset, result.PriorRenewals, opts)
	if err != nil {
		return nil, err
	}
	result.SuggestedTerms = &terms

	conflictCheck, err := s.conflicts.check(ctx, tx, ConflictInput{
		IPAssetID:   license.IPAssetID,
		BrandID:     license.BrandID,
		StartDate:   terms.StartDate,
		EndDate:     terms.EndDate,
		LicenseType: license.LicenseType,
		Scope:       license.GetScope(),
		RevShareBps: terms.RevShareBps,
		ExcludeID:   &license.ID,
	})
	if err != nil {
		return nil, err
	}
	result.Conflicts = conflictCheck.Conflicts
	result.Warnings = append(result.Warnings, conflictCheck.Warnings...)
	for _, c := range conflictCheck.Conflicts {
		result.Warnings = append(result.Warnings, fmt.Sprintf("renewal period conflicts with license %s: %s", c.ConflictingLicenseID, c.Details))
	}
	return result, nil
}

func (s *RenewalService) terms(ctx context.Context, tx repository.Store, license *models.License, asset *models.IPAsset, priorRenewals int, opts RenewalOptions) (models.RenewalTerms, error) {
	spend, err := tx.SumBrandFees(ctx, license.BrandID, SpendHistoryStatuses, nil)
	if err != nil {
		return models.RenewalTerms{}, apperrors.Wrap(err, "failed to load spend history for brand %s", license.BrandID)
	}
	terms, err := s.pricer.Terms(RenewalContext{
		License:              license,
		AssetType:            string(asset.AssetType),
		PriorRenewals:        priorRenewals,
		HistoricalSpendCents: spend,
		Now:                  s.clock.Now(),
	}, opts)
	if err != nil {
		return models.RenewalTerms{}, apperrors.NewValidation("invalid renewal options", err.Error())
	}
	return terms, nil
}

// attachedRenewal returns a child of licenseID that is in progress or in force.
func (s *RenewalService) attachedRenewal(ctx context.Context, tx repository.Store, licenseID uuid.UUID) (*models.License, error) {
	children, _, err := tx.ListLicenses(ctx, repository.LicenseFilter{
		ParentLicenseID: &licenseID,
		Statuses:        attachedRenewalStatuses,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load renewals of %s", licenseID)
	}
	if len(children) == 0 {
		return nil, nil
	}
	return &children[0], nil
}

// priorRenewals is the depth of the parent chain above license.
func (s *RenewalService) priorRenewals(ctx context.Context, tx repository.Store, license *models.License) (int, error) {
	depth := 0
	parentID := license.ParentLicenseID
	for parentID != nil && depth < maxLineageDepth {
		parent, err := tx.GetLicense(ctx, *parentID)
		if isNotFound(err) {
			break
		}
		if err != nil {
			return 0, loadError(err, "license", *parentID)
		}
		depth++
		parentID = parent.ParentLicenseID
	}
	return depth, nil
}

// GenerateOffer prices a renewal and attaches it to the license as a PENDING
// offer. Older pending offers expire.
func (s *RenewalService) GenerateOffer(ctx context.Context, licenseID uuid.UUID, actor models.Actor, opts RenewalOptions) (*models.RenewalOfferRecord, error) {
	if err := utils.ValidateStruct(opts); err != nil {
		return nil, apperrors.NewValidation("invalid renewal options", utils.ValidationMessages(err)...)
	}

	var offer models.RenewalOfferRecord
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, licenseID)
		if err != nil {
			return loadError(err, "license", licenseID)
		}
		if err := s.authorizeOffer(ctx, tx, license, actor); err != nil {
			return err
		}

		eligibility, err := s.eligibility(ctx, tx, license, opts)
		if err != nil {
			return err
		}
		if !eligibility.Eligible {
			return apperrors.NewValidation("license is not eligible for renewal", eligibility.Reasons...)
		}

		now := s.clock.Now()
		for i := range license.RenewalOffers {
			if license.RenewalOffers[i].Status == models.OfferStatusPending {
				if err := s.closeOffer(ctx, tx, license, i, models.OfferStatusExpired, actor); err != nil {
					return err
				}
			}
		}

		strategy := opts.Strategy
		if strategy == "" {
			strategy = models.RenewalStrategyAutomatic
		}
		offer = models.RenewalOfferRecord{
			ID:          ulid.MustNewDefault(now).String(),
			Strategy:    strategy,
			Terms:       *eligibility.SuggestedTerms,
			Status:      models.OfferStatusPending,
			GeneratedBy: actor.ID,
			GeneratedAt: now,
			ExpiresAt:   s.offerDeadline(now),
			Warnings:    eligibility.Warnings,
		}
		license.RenewalOffers = append(license.RenewalOffers, offer)
		if err := tx.UpdateLicense(ctx, license); err != nil {
			return apperrors.Wrap(err, "failed to attach renewal offer to %s", license.ID)
		}

		if err := s.rec.audit(ctx, tx, actor, ActionRenewalOffer, resourceLicense, license.ID, nil, map[string]interface{}{
			"offer_id":   offer.ID,
			"strategy":   offer.Strategy,
			"fee_cents":  offer.Terms.FeeCents,
			"start_date": offer.Terms.StartDate,
			"end_date":   offer.Terms.EndDate,
			"expires_at": offer.ExpiresAt,
		}); err != nil {
			return err
		}
		return s.rec.emit(ctx, tx, events.TypeRenewalOfferGenerated, license.ID, events.RenewalOfferGenerated{
			LicenseID: license.ID,
			BrandID:   license.BrandID,
			OfferID:   offer.ID,
			Terms:     offer.Terms,
			ExpiresAt: offer.ExpiresAt,
		})
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"license_id": licenseID,
		"offer_id":   offer.ID,
		"strategy":   offer.Strategy,
		"fee_cents":  offer.Terms.FeeCents,
	}).Info("Renewal offer generated")

	return &offer, nil
}

func (s *RenewalService) authorizeOffer(ctx context.Context, tx repository.Store, license *models.License, actor models.Actor) error {
	switch actor.Role {
	case models.ActorRoleAdmin, models.ActorRoleSystem:
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
	default:
		return apperrors.NewPermission("unknown actor role %q", actor.Role)
	}
}

// authorizeOfferDecision allows the licensee side to accept or reject an offer.
func authorizeOfferDecision(license *models.License, actor models.Actor) error {
	switch actor.Role {
	case models.ActorRoleAdmin, models.ActorRoleSystem:
		return nil
	case models.ActorRoleBrand:
		if actor.ID != license.BrandID {
			return apperrors.NewPermission("brand %s is not a party to license %s", actor.ID, license.ID)
		}
		return nil
	case models.ActorRoleCreator:
		return apperrors.NewPermission("renewal offers are decided by the brand")
	default:
		return apperrors.NewPermission("unknown actor role %q", actor.Role)
	}
}

// pendingOffer finds offerID and checks it can still be decided. An offer
// past its deadline is marked EXPIRED and expired is set.
func (s *RenewalService) pendingOffer(ctx context.Context, tx repository.Store, license *models.License, offerID string, actor models.Actor) (idx int, expired bool, err error) {
	idx = license.FindOffer(offerID)
	if idx < 0 {
		return -1, false, apperrors.NewNotFound("renewal_offer", offerID)
	}
	offer := license.RenewalOffers[idx]
	if offer.Status != models.OfferStatusPending {
		return -1, false, apperrors.NewStateTransition("renewal offer %s is %s", offerID, offer.Status)
	}
	if s.clock.Now().After(offer.ExpiresAt) {
		if err := s.closeOffer(ctx, tx, license, idx, models.OfferStatusExpired, actor); err != nil {
			return -1, false, err
		}
		if err := tx.UpdateLicense(ctx, license); err != nil {
			return -1, false, apperrors.Wrap(err, "failed to expire renewal offer %s", offerID)
		}
		return idx, true, nil
	}
	return idx, false, nil
}

// AcceptOffer creates the renewal license from a PENDING offer and moves the
// parent to RENEWED when its status allows it.
func (s *RenewalService) AcceptOffer(ctx context.Context, licenseID uuid.UUID, offerID string, actor models.Actor) (*models.License, error) {
	var child *models.License
	expired := false

	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, licenseID)
		if err != nil {
			return loadError(err, "license", licenseID)
		}
		if err := authorizeOfferDecision(license, actor); err != nil {
			return err
		}
		idx, lapsed, err := s.pendingOffer(ctx, tx, license, offerID, actor)
		if err != nil {
			return err
		}
		if lapsed {
			expired = true
			return nil
		}

		if !containsLicenseStatus(renewableStatuses, license.Status) {
			return apperrors.NewStateTransition("license %s is %s and can no longer be renewed", license.ID, license.Status)
		}
		attached, err := s.attachedRenewal(ctx, tx, license.ID)
		if err != nil {
			return err
		}
		if attached != nil {
			return apperrors.NewStateTransition("license %s already has renewal %s", license.ID, attached.ID)
		}

		terms := license.RenewalOffers[idx].Terms
		parentID := license.ID
		fee := terms.FeeCents
		in := LicenseInput{
			IPAssetID:        license.IPAssetID,
			BrandID:          license.BrandID,
			ProjectID:        license.ProjectID,
			ParentLicenseID:  &parentID,
			LicenseType:      license.LicenseType,
			StartDate:        terms.StartDate,
			EndDate:          terms.EndDate,
			FeeCents:         &fee,
			RevShareBps:      terms.RevShareBps,
			Scope:            license.GetScope(),
			AutoRenew:        license.AutoRenew,
			PaymentTerms:     license.PaymentTerms,
			BillingFrequency: license.BillingFrequency,
		}

		if err := tx.LockAsset(ctx, in.IPAssetID); err != nil && !isNotFound(err) {
			return apperrors.Wrap(err, "failed to lock asset %s", in.IPAssetID)
		}
		result, err := s.pipeline.Run(ctx, tx, in, ValidationOptions{Mode: ModeCollectAll})
		if err != nil {
			return err
		}
		if !result.Valid {
			return validationFailure(result)
		}

		now := s.clock.Now()
		child = buildLicense(in, actor, models.LicenseStatusPendingApproval, result, "renewal", now)
		if err := tx.CreateLicense(ctx, child); err != nil {
			return apperrors.Wrap(err, "failed to create renewal of %s", license.ID)
		}
		if err := s.rec.licenseCreated(ctx, tx, child, actor, result.AllWarnings); err != nil {
			return err
		}

		childID := child.ID
		offer := &license.RenewalOffers[idx]
		offer.Status = models.OfferStatusAccepted
		offer.DecidedAt = &now
		offer.AcceptedLicenseID = &childID

		if CanTransition(license.Status, models.LicenseStatusRenewed) {
			if err := s.machine.apply(ctx, tx, license, models.LicenseStatusRenewed, TransitionOptions{
				Actor:         actor,
				Reason:        fmt.Sprintf("renewed by %s", child.ID),
				Automated:     actor.Role == models.ActorRoleSystem,
				consequential: true,
			}); err != nil {
				return err
			}
		} else if err := tx.UpdateLicense(ctx, license); err != nil {
			return apperrors.Wrap(err, "failed to update license %s", license.ID)
		}

		if err := s.rec.audit(ctx, tx, actor, ActionRenewalAccepted, resourceLicense, license.ID,
			map[string]interface{}{"offer_id": offerID, "status": models.OfferStatusPending},
			map[string]interface{}{"offer_id": offerID, "status": models.OfferStatusAccepted, "renewal_license_id": child.ID},
		); err != nil {
			return err
		}
		return s.rec.emit(ctx, tx, events.TypeRenewalOfferResolved, license.ID, events.RenewalOfferResolved{
			LicenseID:        license.ID,
			OfferID:          offerID,
			Status:           models.OfferStatusAccepted,
			RenewalLicenseID: &childID,
		})
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, apperrors.NewStateTransition("renewal offer %s has expired", offerID)
	}

	logrus.WithFields(logrus.Fields{
		"license_id":         licenseID,
		"offer_id":           offerID,
		"renewal_license_id": child.ID,
		"fee_cents":          child.FeeCents,
	}).Info("Renewal offer accepted")

	return child, nil
}

// RejectOffer declines a PENDING offer.
func (s *RenewalService) RejectOffer(ctx context.Context, licenseID uuid.UUID, offerID string, actor models.Actor, reason string) error {
	expired := false
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, licenseID)
		if err != nil {
			return loadError(err, "license", licenseID)
		}
		if err := authorizeOfferDecision(license, actor); err != nil {
			return err
		}
		idx, lapsed, err := s.pendingOffer(ctx, tx, license, offerID, actor)
		if err != nil {
			return err
		}
		if lapsed {
			expired = true
			return nil
		}

		if err := s.closeOffer(ctx, tx, license, idx, models.OfferStatusRejected, actor, strings.TrimSpace(reason)); err != nil {
			return err
		}
		if err := tx.UpdateLicense(ctx, license); err != nil {
			return apperrors.Wrap(err, "failed to reject renewal offer %s", offerID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if expired {
		return apperrors.NewStateTransition("renewal offer %s has expired", offerID)
	}
	return nil
}

// ExpireOffers marks the overdue PENDING offers of a license EXPIRED and
// returns how many it closed.
func (s *RenewalService) ExpireOffers(ctx context.Context, licenseID uuid.UUID) (int, error) {
	expired := 0
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, licenseID)
		if err != nil {
			return loadError(err, "license", licenseID)
		}
		now := s.clock.Now()
		for i := range license.RenewalOffers {
			offer := license.RenewalOffers[i]
			if offer.Status != models.OfferStatusPending || !now.After(offer.ExpiresAt) {
				continue
			}
			if err := s.closeOffer(ctx, tx, license, i, models.OfferStatusExpired, models.SystemActor); err != nil {
				return err
			}
			expired++
		}
		if expired == 0 {
			return nil
		}
		if err := tx.UpdateLicense(ctx, license); err != nil {
			return apperrors.Wrap(err, "failed to expire renewal offers of %s", license.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

// closeOffer settles offer idx without saving the license.
func (s *RenewalService) closeOffer(ctx context.Context, tx repository.Store, license *models.License, idx int, status models.OfferStatus, actor models.Actor, reason ...string) error {
	now := s.clock.Now()
	offer := &license.RenewalOffers[idx]
	offer.Status = status
	offer.DecidedAt = &now

	action := ActionRenewalOfferExpired
	if status == models.OfferStatusRejected {
		action = ActionRenewalRejected
	}
	newValues := map[string]interface{}{"offer_id": offer.ID, "status": status}
	if len(reason) > 0 && reason[0] != "" {
		newValues["reason"] = reason[0]
	}
	if err := s.rec.audit(ctx, tx, actor, action, resourceLicense, license.ID,
		map[string]interface{}{"offer_id": offer.ID, "status": models.OfferStatusPending}, newValues); err != nil {
		return err
	}
	return s.rec.emit(ctx, tx, events.TypeRenewalOfferResolved, license.ID, events.RenewalOfferResolved{
		LicenseID: license.ID,
		OfferID:   offer.ID,
		Status:    status,
	})
}

// offerDeadline is when an offer generated at t lapses.
func (s *RenewalService) offerDeadline(t time.Time) time.Time {
	return t.AddDate(0, 0, s.cfg.OfferValidityDays)
}
