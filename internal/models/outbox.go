// internal/models/outbox.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusDispatched OutboxStatus = "dispatched"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxEvent is a license event written in the same transaction as the
// change it describes and published after commit.
type OutboxEvent struct {
	ID           string         `json:"id" gorm:"type:varchar(26);primary_key"`
	EventType    string         `json:"event_type" gorm:"size:100;not null;index"`
	LicenseID    *uuid.UUID     `json:"license_id,omitempty" gorm:"type:uuid;index"`
	Payload      datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Status       OutboxStatus   `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	Attempts     int            `json:"attempts" gorm:"default:0"`
	LastError    string         `json:"last_error,omitempty" gorm:"type:text"`
	AvailableAt  time.Time      `json:"available_at" gorm:"index"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (OutboxEvent) TableName() string {
	return "license_outbox_events"
}
