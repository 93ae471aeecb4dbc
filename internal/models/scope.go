// internal/models/scope.go
package models

import "github.com/google/uuid"

// TerritoryGlobal is the sentinel meaning "no geographic restriction".
const TerritoryGlobal = "GLOBAL"

type MediaType string

const (
	MediaDigital   MediaType = "digital"
	MediaPrint     MediaType = "print"
	MediaBroadcast MediaType = "broadcast"
	MediaOutOfHome MediaType = "out_of_home"
)

type PlacementType string

const (
	PlacementSocial    PlacementType = "social"
	PlacementWebsite   PlacementType = "website"
	PlacementEmail     PlacementType = "email"
	PlacementPaidAds   PlacementType = "paid_ads"
	PlacementPackaging PlacementType = "packaging"
)

type MediaFlags struct {
	Digital   bool `json:"digital"`
	Print     bool `json:"print"`
	Broadcast bool `json:"broadcast"`
	OutOfHome bool `json:"out_of_home"`
}

// Selected lists the enabled media types in a fixed order.
func (m MediaFlags) Selected() []MediaType {
	var out []MediaType
	if m.Digital {
		out = append(out, MediaDigital)
	}
	if m.Print {
		out = append(out, MediaPrint)
	}
	if m.Broadcast {
		out = append(out, MediaBroadcast)
	}
	if m.OutOfHome {
		out = append(out, MediaOutOfHome)
	}
	return out
}

type PlacementFlags struct {
	Social    bool `json:"social"`
	Website   bool `json:"website"`
	Email     bool `json:"email"`
	PaidAds   bool `json:"paid_ads"`
	Packaging bool `json:"packaging"`
}

// Selected lists the enabled placements in a fixed order.
func (p PlacementFlags) Selected() []PlacementType {
	var out []PlacementType
	if p.Social {
		out = append(out, PlacementSocial)
	}
	if p.Website {
		out = append(out, PlacementWebsite)
	}
	if p.Email {
		out = append(out, PlacementEmail)
	}
	if p.PaidAds {
		out = append(out, PlacementPaidAds)
	}
	if p.Packaging {
		out = append(out, PlacementPackaging)
	}
	return out
}

type ExclusivityTerms struct {
	Category             string      `json:"category" validate:"required"`
	BlockedCompetitorIDs []uuid.UUID `json:"blocked_competitor_ids,omitempty"`
}

type CutdownPermissions struct {
	AllowEdits         bool     `json:"allow_edits"`
	MaxDurationSeconds *int     `json:"max_duration_seconds,omitempty" validate:"omitempty,gt=0"`
	AspectRatios       []string `json:"aspect_ratios,omitempty" validate:"omitempty,dive,aspect_ratio"`
}

type AttributionTerms struct {
	Required bool   `json:"required"`
	Format   string `json:"format,omitempty" validate:"required_if=Required true"`
}

// Scope is the permitted use of a licensed asset.
type Scope struct {
	Media       MediaFlags          `json:"media"`
	Placements  PlacementFlags      `json:"placements"`
	Territories []string            `json:"territories,omitempty" validate:"omitempty,dive,territory"`
	Exclusivity *ExclusivityTerms   `json:"exclusivity,omitempty"`
	Cutdowns    *CutdownPermissions `json:"cutdowns,omitempty"`
	Attribution *AttributionTerms   `json:"attribution,omitempty"`
}

// IsGlobal reports whether the scope has no geographic restriction.
func (s Scope) IsGlobal() bool {
	if len(s.Territories) == 0 {
		return true
	}
	for _, t := range s.Territories {
		if t == TerritoryGlobal {
			return true
		}
	}
	return false
}

// NamedTerritories returns the specific territory codes, excluding the global sentinel.
func (s Scope) NamedTerritories() []string {
	var out []string
	for _, t := range s.Territories {
		if t != TerritoryGlobal {
			out = append(out, t)
		}
	}
	return out
}

// TerritoryOverlap returns the codes shared by a and b. A global side overlaps
// every code of the other side; two global sides overlap on GLOBAL.
func TerritoryOverlap(a, b Scope) []string {
	switch {
	case a.IsGlobal() && b.IsGlobal():
		return []string{TerritoryGlobal}
	case a.IsGlobal():
		return b.NamedTerritories()
	case b.IsGlobal():
		return a.NamedTerritories()
	}

	inB := make(map[string]struct{}, len(b.Territories))
	for _, t := range b.Territories {
		inB[t] = struct{}{}
	}
	var shared []string
	for _, t := range a.Territories {
		if _, ok := inB[t]; ok {
			shared = append(shared, t)
		}
	}
	return shared
}

// MediaOverlap returns the media types selected on both sides.
func MediaOverlap(a, b Scope) []MediaType {
	var shared []MediaType
	for _, m := range a.Media.Selected() {
		for _, o := range b.Media.Selected() {
			if m == o {
				shared = append(shared, m)
			}
		}
	}
	return shared
}

// PlacementOverlap returns the placements selected on both sides.
func PlacementOverlap(a, b Scope) []PlacementType {
	var shared []PlacementType
	for _, p := range a.Placements.Selected() {
		for _, o := range b.Placements.Selected() {
			if p == o {
				shared = append(shared, p)
			}
		}
	}
	return shared
}

// SameFlags reports whether both scopes select exactly the same media and placements.
func SameFlags(a, b Scope) bool {
	return a.Media == b.Media && a.Placements == b.Placements &&
		len(a.Media.Selected()) > 0 && len(a.Placements.Selected()) > 0
}
