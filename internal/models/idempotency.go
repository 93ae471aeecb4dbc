// internal/models/idempotency.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusProcessed  IdempotencyStatus = "processed"
)

// IdempotencyRecord deduplicates retried mutating calls per (scope, key).
type IdempotencyRecord struct {
	Scope        string            `json:"scope" gorm:"size:255;primaryKey"`
	Key          string            `json:"key" gorm:"size:255;primaryKey"`
	RequestHash  string            `json:"request_hash" gorm:"size:64"`
	Status       IdempotencyStatus `json:"status" gorm:"type:varchar(20);not null"`
	ResponseCode int               `json:"response_code"`
	ResponseBody datatypes.JSON    `json:"response_body" gorm:"type:jsonb"`
	LockedAt     time.Time         `json:"locked_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
