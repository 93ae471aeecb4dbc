// internal/models/extension.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type ExtensionStatus string

const (
	ExtensionStatusPending  ExtensionStatus = "PENDING"
	ExtensionStatusApproved ExtensionStatus = "APPROVED"
	ExtensionStatusRejected ExtensionStatus = "REJECTED"
)

type Extension struct {
	BaseModel
	LicenseID          uuid.UUID       `json:"license_id" gorm:"type:uuid;not null;index"`
	RequestedBy        uuid.UUID       `json:"requested_by" gorm:"type:uuid;not null"`
	OriginalEndDate    time.Time       `json:"original_end_date" gorm:"not null"`
	NewEndDate         time.Time       `json:"new_end_date" gorm:"not null"`
	ExtensionDays      int             `json:"extension_days" gorm:"not null"`
	AdditionalFeeCents int64           `json:"additional_fee_cents" gorm:"not null;default:0"`
	ApprovalRequired   bool            `json:"approval_required"`
	Status             ExtensionStatus `json:"status" gorm:"type:varchar(20);not null;default:'PENDING';index"`
	Reason             string          `json:"reason,omitempty" gorm:"type:text"`
	DecidedBy          *uuid.UUID      `json:"decided_by,omitempty" gorm:"type:uuid"`
	DecidedAt          *time.Time      `json:"decided_at,omitempty"`
	RejectionReason    string          `json:"rejection_reason,omitempty" gorm:"type:text"`
}
