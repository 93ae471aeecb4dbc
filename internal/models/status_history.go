// internal/models/status_history.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// StatusHistoryEntry records one lifecycle transition. Rows are append-only.
type StatusHistoryEntry struct {
	ID             uuid.UUID     `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	LicenseID      uuid.UUID     `json:"license_id" gorm:"type:uuid;not null;index"`
	FromStatus     LicenseStatus `json:"from_status" gorm:"type:varchar(32);not null"`
	ToStatus       LicenseStatus `json:"to_status" gorm:"type:varchar(32);not null"`
	TransitionedBy uuid.UUID     `json:"transitioned_by" gorm:"type:uuid"`
	Reason         string        `json:"reason,omitempty" gorm:"type:text"`
	Automated      bool          `json:"automated"`
	CreatedAt      time.Time     `json:"created_at" gorm:"index"`
}

func (StatusHistoryEntry) TableName() string {
	return "license_status_history"
}
