// internal/services/audit.go
package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/events"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// Audit actions
const (
	ActionLicenseCreated       = "LICENSE_CREATED"
	ActionLicenseStatusChanged = "LICENSE_STATUS_CHANGED"
	ActionLicenseApproval      = "LICENSE_APPROVAL_RECORDED"
	ActionLicenseSigned        = "LICENSE_SIGNED"
	ActionProofIssued          = "LICENSE_PROOF_ISSUED"
	ActionAmendmentProposed    = "AMENDMENT_PROPOSED"
	ActionAmendmentDecision    = "AMENDMENT_DECISION"
	ActionAmendmentResolved    = "AMENDMENT_RESOLVED"
	ActionExtensionRequested   = "EXTENSION_REQUESTED"
	ActionExtensionResolved    = "EXTENSION_RESOLVED"
	ActionRenewalOffer         = "RENEWAL_OFFER_GENERATED"
	ActionRenewalAccepted      = "RENEWAL_OFFER_ACCEPTED"
	ActionRenewalRejected      = "RENEWAL_OFFER_REJECTED"
	ActionRenewalOfferExpired  = "RENEWAL_OFFER_EXPIRED"
)

const (
	resourceLicense   = "license"
	resourceAmendment = "amendment"
	resourceExtension = "extension"
)

type requestMetaKey struct{}

// RequestMeta is the caller information copied onto audit rows.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// WithRequestMeta attaches caller information to ctx.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

func requestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

// recorder writes the audit row and the outbox event of an operation inside
// the caller's transaction, so both commit or roll back with the change.
type recorder struct {
	clock clock.Clock
}

func (r recorder) audit(ctx context.Context, tx repository.Store, actor models.Actor, action, resourceType string, resourceID uuid.UUID, oldValues, newValues map[string]interface{}) error {
	var actorID *uuid.UUID
	if actor.ID != uuid.Nil {
		id := actor.ID
		actorID = &id
	}
	meta := requestMetaFrom(ctx)

	entry := &models.AuditLog{
		ActorID:      actorID,
		ActorRole:    actor.Role,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   &resourceID,
		OldValues:    models.JSONB(oldValues),
		NewValues:    models.JSONB(newValues),
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return apperrors.Wrap(err, "failed to write audit log for %s", action)
	}
	return nil
}

func (r recorder) emit(ctx context.Context, tx repository.Store, eventType string, licenseID uuid.UUID, payload interface{}) error {
	row, err := events.NewOutboxEvent(r.clock.Now(), eventType, &licenseID, payload)
	if err != nil {
		return apperrors.Wrap(err, "failed to build %s event", eventType)
	}
	if err := tx.EnqueueEvent(ctx, row); err != nil {
		return apperrors.Wrap(err, "failed to enqueue %s event", eventType)
	}
	return nil
}

// licenseCreated writes the audit row and event of a new license.
func (r recorder) licenseCreated(ctx context.Context, tx repository.Store, license *models.License, actor models.Actor, warnings []string) error {
	if err := r.audit(ctx, tx, actor, ActionLicenseCreated, resourceLicense, license.ID, nil, map[string]interface{}{
		"status":            license.Status,
		"license_type":      license.LicenseType,
		"fee_cents":         license.FeeCents,
		"start_date":        license.StartDate,
		"end_date":          license.EndDate,
		"parent_license_id": license.ParentLicenseID,
	}); err != nil {
		return err
	}
	return r.emit(ctx, tx, events.TypeLicenseCreated, license.ID, events.LicenseCreated{
		LicenseID:   license.ID,
		IPAssetID:   license.IPAssetID,
		BrandID:     license.BrandID,
		LicenseType: license.LicenseType,
		FeeCents:    license.FeeCents,
		ParentID:    license.ParentLicenseID,
		CreatedBy:   actor.ID,
		Warnings:    warnings,
	})
}

// loadError maps repository lookups onto the error taxonomy.
func loadError(err error, resource string, id interface{}) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NewNotFound(resource, id)
	}
	return apperrors.Wrap(err, "failed to load %s %v", resource, id)
}
