// internal/models/license.go
package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type LicenseStatus string

const (
	LicenseStatusDraft            LicenseStatus = "DRAFT"
	LicenseStatusPendingApproval  LicenseStatus = "PENDING_APPROVAL"
	LicenseStatusPendingSignature LicenseStatus = "PENDING_SIGNATURE"
	LicenseStatusActive           LicenseStatus = "ACTIVE"
	LicenseStatusExpiringSoon     LicenseStatus = "EXPIRING_SOON"
	LicenseStatusExpired          LicenseStatus = "EXPIRED"
	LicenseStatusRenewed          LicenseStatus = "RENEWED"
	LicenseStatusTerminated       LicenseStatus = "TERMINATED"
	LicenseStatusDisputed         LicenseStatus = "DISPUTED"
	LicenseStatusCanceled         LicenseStatus = "CANCELED"
	LicenseStatusSuspended        LicenseStatus = "SUSPENDED"
	LicenseStatusRejected         LicenseStatus = "REJECTED"
)

// AllLicenseStatuses lists every lifecycle status.
var AllLicenseStatuses = []LicenseStatus{
	LicenseStatusDraft,
	LicenseStatusPendingApproval,
	LicenseStatusPendingSignature,
	LicenseStatusActive,
	LicenseStatusExpiringSoon,
	LicenseStatusExpired,
	LicenseStatusRenewed,
	LicenseStatusTerminated,
	LicenseStatusDisputed,
	LicenseStatusCanceled,
	LicenseStatusSuspended,
	LicenseStatusRejected,
}

// IsValid reports whether s is a known status.
func (s LicenseStatus) IsValid() bool {
	for _, known := range AllLicenseStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type License struct {
	BaseModel
	IPAssetID        uuid.UUID        `json:"ip_asset_id" gorm:"type:uuid;not null;index"`
	BrandID          uuid.UUID        `json:"brand_id" gorm:"type:uuid;not null;index"`
	ProjectID        *uuid.UUID       `json:"project_id,omitempty" gorm:"type:uuid"`
	ParentLicenseID  *uuid.UUID       `json:"parent_license_id,omitempty" gorm:"type:uuid;index"`
	CreatedBy        uuid.UUID        `json:"created_by" gorm:"type:uuid"`
	LicenseType      LicenseType      `json:"license_type" gorm:"type:varchar(32);not null"`
	Status           LicenseStatus    `json:"status" gorm:"type:varchar(32);not null;default:'DRAFT';index"`
	StartDate        time.Time        `json:"start_date" gorm:"not null;index"`
	EndDate          time.Time        `json:"end_date" gorm:"not null;index"`
	FeeCents         int64            `json:"fee_cents" gorm:"not null;default:0"`
	RevShareBps      int              `json:"rev_share_bps" gorm:"not null;default:0"`
	AutoRenew        bool             `json:"auto_renew" gorm:"default:false"`
	PaymentTerms     string           `json:"payment_terms,omitempty" gorm:"size:255"`
	BillingFrequency BillingFrequency `json:"billing_frequency,omitempty" gorm:"type:varchar(20)"`
	SignedAt         *time.Time       `json:"signed_at,omitempty"`
	AmendmentCount   int              `json:"amendment_count" gorm:"default:0"`

	Scope             datatypes.JSONType[Scope]                 `json:"scope" gorm:"type:jsonb;not null"`
	Signatures        datatypes.JSONSlice[SignatureRecord]      `json:"signatures" gorm:"type:jsonb"`
	RenewalOffers     datatypes.JSONSlice[RenewalOfferRecord]   `json:"renewal_offers" gorm:"type:jsonb"`
	ApprovalHistory   datatypes.JSONSlice[ApprovalHistoryEntry] `json:"approval_history" gorm:"type:jsonb"`
	RequiredApprovals datatypes.JSONSlice[RequiredApproval]     `json:"required_approvals" gorm:"type:jsonb"`
	ConflictSnapshots datatypes.JSONSlice[ConflictSnapshot]     `json:"conflict_snapshots" gorm:"type:jsonb"`
	ExecutionProof    datatypes.JSONType[ExecutionProof]        `json:"execution_proof" gorm:"type:jsonb"`
}

// GetScope returns the decoded scope.
func (l *License) GetScope() Scope {
	return l.Scope.Data()
}

// SetScope replaces the scope.
func (l *License) SetScope(s Scope) {
	l.Scope = datatypes.NewJSONType(s)
}

// DurationDays is the whole number of days between start and end.
func (l *License) DurationDays() int {
	return DaysBetween(l.StartDate, l.EndDate)
}

// Summary returns the compact projection used in conflict reports.
func (l *License) Summary() LicenseSummary {
	return LicenseSummary{
		ID:          l.ID,
		BrandID:     l.BrandID,
		LicenseType: l.LicenseType,
		Status:      l.Status,
		StartDate:   l.StartDate,
		EndDate:     l.EndDate,
		RevShareBps: l.RevShareBps,
	}
}

// FindOffer returns the index of the renewal offer with the given id, or -1.
func (l *License) FindOffer(offerID string) int {
	for i := range l.RenewalOffers {
		if l.RenewalOffers[i].ID == offerID {
			return i
		}
	}
	return -1
}

// HasSignatureFrom reports whether signer has already signed.
func (l *License) HasSignatureFrom(signer uuid.UUID) bool {
	for _, sig := range l.Signatures {
		if sig.SignerID == signer {
			return true
		}
	}
	return false
}

// PendingApprovals returns required approvals that have not been granted yet.
func (l *License) PendingApprovals() []RequiredApproval {
	var pending []RequiredApproval
	for _, req := range l.RequiredApprovals {
		if req.Status == ApprovalStatusPending {
			pending = append(pending, req)
		}
	}
	return pending
}

// DaysBetween returns the rounded number of days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}

// RangesIntersect applies the closed interval test start1 <= end2 && end1 >= start2.
func RangesIntersect(start1, end1, start2, end2 time.Time) bool {
	return !start1.After(end2) && !end1.Before(start2)
}

type LicenseSummary struct {
	ID          uuid.UUID     `json:"id"`
	BrandID     uuid.UUID     `json:"brand_id"`
	LicenseType LicenseType   `json:"license_type"`
	Status      LicenseStatus `json:"status"`
	StartDate   time.Time     `json:"start_date"`
	EndDate     time.Time     `json:"end_date"`
	RevShareBps int           `json:"rev_share_bps"`
}

type SignatureRecord struct {
	SignerID  uuid.UUID `json:"signer_id"`
	Role      ActorRole `json:"role"`
	SignedAt  time.Time `json:"signed_at"`
	IPAddress string    `json:"ip_address,omitempty"`
}

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
)

// RequiredApproval is one approval a license needs before it can be signed.
type RequiredApproval struct {
	Role       ActorRole      `json:"role"`
	ApproverID *uuid.UUID     `json:"approver_id,omitempty"`
	Reason     string         `json:"reason"`
	Status     ApprovalStatus `json:"status"`
	DecidedBy  *uuid.UUID     `json:"decided_by,omitempty"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
}

type ApprovalHistoryEntry struct {
	ApproverID uuid.UUID      `json:"approver_id"`
	Role       ActorRole      `json:"role"`
	Decision   ApprovalStatus `json:"decision"`
	Comment    string         `json:"comment,omitempty"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// ConflictSnapshot freezes the warnings and conflicts seen when a license was validated.
type ConflictSnapshot struct {
	TakenAt   time.Time  `json:"taken_at"`
	Stage     string     `json:"stage"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
}

type ExecutionProof struct {
	Algorithm   string    `json:"algorithm"`
	PayloadHash string    `json:"payload_hash"`
	Signature   string    `json:"signature"`
	PublicKey   string    `json:"public_key"`
	KeyID       string    `json:"key_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ArchiveKey  string    `json:"archive_key,omitempty"`
}

// IsZero reports whether no proof has been issued.
func (p ExecutionProof) IsZero() bool {
	return p.PayloadHash == ""
}
