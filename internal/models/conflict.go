// internal/models/conflict.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type ConflictReason string

const (
	ConflictExclusiveOverlap  ConflictReason = "EXCLUSIVE_OVERLAP"
	ConflictTerritoryOverlap  ConflictReason = "TERRITORY_OVERLAP"
	ConflictCompetitorBlocked ConflictReason = "COMPETITOR_BLOCKED"
	ConflictDateOverlap       ConflictReason = "DATE_OVERLAP"
	ConflictScopeOverlap      ConflictReason = "SCOPE_OVERLAP"
)

// Conflict describes why a proposed grant cannot coexist with an existing one.
type Conflict struct {
	ConflictingLicenseID uuid.UUID      `json:"conflicting_license_id"`
	ReasonCode           ConflictReason `json:"reason_code"`
	Details              string         `json:"details"`
	OverlapStart         time.Time      `json:"overlap_start"`
	OverlapEnd           time.Time      `json:"overlap_end"`
	Territories          []string       `json:"territories,omitempty"`
	Summary              LicenseSummary `json:"conflicting_grant"`
}

// DedupeConflicts keeps the first conflict per (license, reason) pair.
func DedupeConflicts(in []Conflict) []Conflict {
	type key struct {
		id     uuid.UUID
		reason ConflictReason
	}
	seen := make(map[key]struct{}, len(in))
	out := make([]Conflict, 0, len(in))
	for _, c := range in {
		k := key{c.ConflictingLicenseID, c.ReasonCode}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
