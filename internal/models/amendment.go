// internal/models/amendment.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type AmendmentType string

const (
	AmendmentTypeFinancial AmendmentType = "FINANCIAL"
	AmendmentTypeScope     AmendmentType = "SCOPE"
	AmendmentTypeDates     AmendmentType = "DATES"
	AmendmentTypeOther     AmendmentType = "OTHER"
)

type AmendmentStatus string

const (
	AmendmentStatusProposed AmendmentStatus = "PROPOSED"
	AmendmentStatusApproved AmendmentStatus = "APPROVED"
	AmendmentStatusRejected AmendmentStatus = "REJECTED"
)

// AmendmentTerms holds the amendable fields of a license. A nil field is not
// part of the amendment.
type AmendmentTerms struct {
	FeeCents         *int64            `json:"fee_cents,omitempty"`
	RevShareBps      *int              `json:"rev_share_bps,omitempty"`
	StartDate        *time.Time        `json:"start_date,omitempty"`
	EndDate          *time.Time        `json:"end_date,omitempty"`
	Scope            *Scope            `json:"scope,omitempty"`
	AutoRenew        *bool             `json:"auto_renew,omitempty"`
	PaymentTerms     *string           `json:"payment_terms,omitempty"`
	BillingFrequency *BillingFrequency `json:"billing_frequency,omitempty"`
}

// IsEmpty reports whether no field is set.
func (t AmendmentTerms) IsEmpty() bool {
	return t.FeeCents == nil && t.RevShareBps == nil && t.StartDate == nil && t.EndDate == nil &&
		t.Scope == nil && t.AutoRenew == nil && t.PaymentTerms == nil && t.BillingFrequency == nil
}

// Snapshot returns the license's current values for every field set in t.
func (t AmendmentTerms) Snapshot(l *License) AmendmentTerms {
	var before AmendmentTerms
	if t.FeeCents != nil {
		v := l.FeeCents
		before.FeeCents = &v
	}
	if t.RevShareBps != nil {
		v := l.RevShareBps
		before.RevShareBps = &v
	}
	if t.StartDate != nil {
		v := l.StartDate
		before.StartDate = &v
	}
	if t.EndDate != nil {
		v := l.EndDate
		before.EndDate = &v
	}
	if t.Scope != nil {
		v := l.GetScope()
		before.Scope = &v
	}
	if t.AutoRenew != nil {
		v := l.AutoRenew
		before.AutoRenew = &v
	}
	if t.PaymentTerms != nil {
		v := l.PaymentTerms
		before.PaymentTerms = &v
	}
	if t.BillingFrequency != nil {
		v := l.BillingFrequency
		before.BillingFrequency = &v
	}
	return before
}

// ApplyTo merges the set fields into l.
func (t AmendmentTerms) ApplyTo(l *License) {
	if t.FeeCents != nil {
		l.FeeCents = *t.FeeCents
	}
	if t.RevShareBps != nil {
		l.RevShareBps = *t.RevShareBps
	}
	if t.StartDate != nil {
		l.StartDate = *t.StartDate
	}
	if t.EndDate != nil {
		l.EndDate = *t.EndDate
	}
	if t.Scope != nil {
		l.SetScope(*t.Scope)
	}
	if t.AutoRenew != nil {
		l.AutoRenew = *t.AutoRenew
	}
	if t.PaymentTerms != nil {
		l.PaymentTerms = *t.PaymentTerms
	}
	if t.BillingFrequency != nil {
		l.BillingFrequency = *t.BillingFrequency
	}
}

type Amendment struct {
	BaseModel
	LicenseID        uuid.UUID                          `json:"license_id" gorm:"type:uuid;not null;uniqueIndex:idx_amendment_number"`
	AmendmentNumber  int                                `json:"amendment_number" gorm:"not null;uniqueIndex:idx_amendment_number"`
	ProposedBy       uuid.UUID                          `json:"proposed_by" gorm:"type:uuid;not null"`
	ProposerRole     ActorRole                          `json:"proposer_role" gorm:"type:varchar(20);not null"`
	Type             AmendmentType                      `json:"type" gorm:"type:varchar(20);not null"`
	Reason           string                             `json:"reason" gorm:"type:text"`
	Before           datatypes.JSONType[AmendmentTerms] `json:"before" gorm:"type:jsonb"`
	After            datatypes.JSONType[AmendmentTerms] `json:"after" gorm:"type:jsonb"`
	Status           AmendmentStatus                    `json:"status" gorm:"type:varchar(20);not null;default:'PROPOSED';index"`
	ApprovalDeadline time.Time                          `json:"approval_deadline"`
	ResolvedAt       *time.Time                         `json:"resolved_at,omitempty"`
	ResolutionNote   string                             `json:"resolution_note,omitempty" gorm:"type:text"`

	// Relationships
	Approvals []ApprovalRecord `json:"approvals" gorm:"foreignKey:AmendmentID"`
}

// ApprovalRecord is one counter-party's decision on an amendment.
type ApprovalRecord struct {
	BaseModel
	AmendmentID  uuid.UUID      `json:"amendment_id" gorm:"type:uuid;not null;uniqueIndex:idx_amendment_approver"`
	ApproverID   uuid.UUID      `json:"approver_id" gorm:"type:uuid;not null;uniqueIndex:idx_amendment_approver"`
	ApproverRole ActorRole      `json:"approver_role" gorm:"type:varchar(20);not null"`
	Status       ApprovalStatus `json:"status" gorm:"type:varchar(20);not null;default:'PENDING'"`
	Comment      string         `json:"comment,omitempty" gorm:"type:text"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
}

// ApprovalTally counts decisions across an amendment's records.
func (a *Amendment) ApprovalTally() (approved, rejected, pending int) {
	for _, r := range a.Approvals {
		switch r.Status {
		case ApprovalStatusApproved:
			approved++
		case ApprovalStatusRejected:
			rejected++
		default:
			pending++
		}
	}
	return approved, rejected, pending
}
