// internal/models/ip_asset.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type IPAsset struct {
	BaseModel
	CreatorID   uuid.UUID      `json:"creator_id" gorm:"type:uuid;not null;index"`
	Title       string         `json:"title" gorm:"size:255;not null"`
	Description string         `json:"description" gorm:"type:text"`
	AssetType   AssetType      `json:"asset_type" gorm:"type:varchar(30);not null"`
	Category    string         `json:"category" gorm:"size:100;index"`
	Status      AssetStatus    `json:"status" gorm:"type:varchar(20);default:'draft';index"`
	Tags        pq.StringArray `json:"tags" gorm:"type:text[]"`

	// Relationships
	Ownerships []AssetOwnership `json:"ownerships,omitempty" gorm:"foreignKey:IPAssetID"`
}

// AssetOwnership is one owner's share of an asset. Records are maintained by
// the ownership registry; the licensing core only reads them.
type AssetOwnership struct {
	BaseModel
	IPAssetID         uuid.UUID     `json:"ip_asset_id" gorm:"type:uuid;not null;index"`
	OwnerID           uuid.UUID     `json:"owner_id" gorm:"type:uuid;not null;index"`
	ShareBps          int           `json:"share_bps" gorm:"not null"`
	OwnershipType     OwnershipType `json:"ownership_type" gorm:"type:varchar(20);not null"`
	Disputed          bool          `json:"disputed" gorm:"default:false"`
	DisputeResolvedAt *time.Time    `json:"dispute_resolved_at,omitempty"`
	LegalDocumentURL  string        `json:"legal_document_url,omitempty" gorm:"type:text"`
	EffectiveFrom     time.Time     `json:"effective_from"`
	EffectiveTo       *time.Time    `json:"effective_to,omitempty"`
}

// IsActiveAt reports whether the record is in force at t.
func (o *AssetOwnership) IsActiveAt(t time.Time) bool {
	if o.IsDeleted() {
		return false
	}
	if !o.EffectiveFrom.IsZero() && o.EffectiveFrom.After(t) {
		return false
	}
	return o.EffectiveTo == nil || o.EffectiveTo.After(t)
}

// HasOpenDispute reports whether the record is disputed and not yet resolved.
func (o *AssetOwnership) HasOpenDispute() bool {
	return o.Disputed && o.DisputeResolvedAt == nil
}

// ActiveOwnerships filters records to those in force at t.
func ActiveOwnerships(records []AssetOwnership, t time.Time) []AssetOwnership {
	var out []AssetOwnership
	for i := range records {
		if records[i].IsActiveAt(t) {
			out = append(out, records[i])
		}
	}
	return out
}

// DistinctOwnerIDs returns each owner once, in record order.
func DistinctOwnerIDs(records []AssetOwnership) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(records))
	var out []uuid.UUID
	for _, r := range records {
		if _, ok := seen[r.OwnerID]; ok {
			continue
		}
		seen[r.OwnerID] = struct{}{}
		out = append(out, r.OwnerID)
	}
	return out
}
