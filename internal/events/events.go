// internal/events/events.go
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"

	"github.com/javajoker/imi-licensing/internal/models"
)

// Event types emitted by the licensing core.
const (
	TypeLicenseCreated        = "license.created"
	TypeLicenseStatusChanged  = "license.status_changed"
	TypeLicenseSigned         = "license.signed"
	TypeLicenseApproval       = "license.approval_recorded"
	TypeProofIssued           = "license.proof_issued"
	TypeAmendmentProposed     = "amendment.proposed"
	TypeAmendmentResolved     = "amendment.resolved"
	TypeExtensionRequested    = "extension.requested"
	TypeExtensionResolved     = "extension.resolved"
	TypeRenewalOfferGenerated = "renewal.offer_generated"
	TypeRenewalOfferResolved  = "renewal.offer_resolved"
)

// Event is the envelope published for every outbox row.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	LicenseID  *uuid.UUID      `json:"license_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// Payloads

type LicenseCreated struct {
	LicenseID   uuid.UUID          `json:"license_id"`
	IPAssetID   uuid.UUID          `json:"ip_asset_id"`
	BrandID     uuid.UUID          `json:"brand_id"`
	LicenseType models.LicenseType `json:"license_type"`
	FeeCents    int64              `json:"fee_cents"`
	ParentID    *uuid.UUID         `json:"parent_license_id,omitempty"`
	CreatedBy   uuid.UUID          `json:"created_by"`
	Warnings    []string           `json:"warnings,omitempty"`
}

type LicenseStatusChanged struct {
	LicenseID uuid.UUID            `json:"license_id"`
	IPAssetID uuid.UUID            `json:"ip_asset_id"`
	BrandID   uuid.UUID            `json:"brand_id"`
	From      models.LicenseStatus `json:"from"`
	To        models.LicenseStatus `json:"to"`
	ActorID   uuid.UUID            `json:"actor_id"`
	Reason    string               `json:"reason,omitempty"`
	Automated bool                 `json:"automated"`
}

type LicenseSigned struct {
	LicenseID uuid.UUID        `json:"license_id"`
	SignerID  uuid.UUID        `json:"signer_id"`
	Role      models.ActorRole `json:"role"`
	Remaining int              `json:"remaining_signatures"`
}

type LicenseApproval struct {
	LicenseID  uuid.UUID             `json:"license_id"`
	ApproverID uuid.UUID             `json:"approver_id"`
	Role       models.ActorRole      `json:"role"`
	Decision   models.ApprovalStatus `json:"decision"`
	Remaining  int                   `json:"remaining_approvals"`
}

type ProofIssued struct {
	LicenseID uuid.UUID             `json:"license_id"`
	Proof     models.ExecutionProof `json:"proof"`
	Payload   json.RawMessage       `json:"payload"`
}

type AmendmentProposed struct {
	AmendmentID     uuid.UUID            `json:"amendment_id"`
	LicenseID       uuid.UUID            `json:"license_id"`
	AmendmentNumber int                  `json:"amendment_number"`
	Type            models.AmendmentType `json:"type"`
	ProposedBy      uuid.UUID            `json:"proposed_by"`
	ApproverIDs     []uuid.UUID          `json:"approver_ids"`
	Deadline        time.Time            `json:"deadline"`
}

type AmendmentResolved struct {
	AmendmentID uuid.UUID              `json:"amendment_id"`
	LicenseID   uuid.UUID              `json:"license_id"`
	Status      models.AmendmentStatus `json:"status"`
	ProposedBy  uuid.UUID              `json:"proposed_by"`
	Note        string                 `json:"note,omitempty"`
}

type ExtensionRequested struct {
	ExtensionID        uuid.UUID   `json:"extension_id"`
	LicenseID          uuid.UUID   `json:"license_id"`
	ExtensionDays      int         `json:"extension_days"`
	AdditionalFeeCents int64       `json:"additional_fee_cents"`
	ApproverIDs        []uuid.UUID `json:"approver_ids"`
}

type ExtensionResolved struct {
	ExtensionID uuid.UUID              `json:"extension_id"`
	LicenseID   uuid.UUID              `json:"license_id"`
	Status      models.ExtensionStatus `json:"status"`
	RequestedBy uuid.UUID              `json:"requested_by"`
	Reason      string                 `json:"reason,omitempty"`
}

type RenewalOfferGenerated struct {
	LicenseID uuid.UUID           `json:"license_id"`
	BrandID   uuid.UUID           `json:"brand_id"`
	OfferID   string              `json:"offer_id"`
	Terms     models.RenewalTerms `json:"terms"`
	ExpiresAt time.Time           `json:"expires_at"`
}

type RenewalOfferResolved struct {
	LicenseID        uuid.UUID          `json:"license_id"`
	OfferID          string             `json:"offer_id"`
	Status           models.OfferStatus `json:"status"`
	RenewalLicenseID *uuid.UUID         `json:"renewal_license_id,omitempty"`
}

// NewOutboxEvent builds the outbox row for payload.
func NewOutboxEvent(now time.Time, eventType string, licenseID *uuid.UUID, payload interface{}) (*models.OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &models.OutboxEvent{
		ID:          ulid.MustNewDefault(now).String(),
		EventType:   eventType,
		LicenseID:   licenseID,
		Payload:     datatypes.JSON(data),
		Status:      models.OutboxStatusPending,
		AvailableAt: now,
		CreatedAt:   now,
	}, nil
}

// FromOutbox converts a stored row into its published envelope.
func FromOutbox(row models.OutboxEvent) Event {
	return Event{
		ID:         row.ID,
		Type:       row.EventType,
		LicenseID:  row.LicenseID,
		OccurredAt: row.CreatedAt,
		Data:       json.RawMessage(row.Payload),
	}
}
