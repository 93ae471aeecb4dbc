// internal/services/conflict_detector.go
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// ConflictCandidateStatuses are the statuses whose grants can block a new one.
var ConflictCandidateStatuses = []models.LicenseStatus{
	models.LicenseStatusActive,
	models.LicenseStatusPendingApproval,
	models.LicenseStatusDraft,
	models.LicenseStatusPendingSignature,
	models.LicenseStatusExpiringSoon,
}

// ConflictInput describes a proposed grant.
type ConflictInput struct {
	IPAssetID   uuid.UUID          `json:"ip_asset_id" binding:"required"`
	BrandID     uuid.UUID          `json:"brand_id"`
	StartDate   time.Time          `json:"start_date" binding:"required"`
	EndDate     time.Time          `json:"end_date" binding:"required"`
	LicenseType models.LicenseType `json:"license_type" binding:"required"`
	Scope       models.Scope       `json:"scope"`
	RevShareBps int                `json:"rev_share_bps"`
	ExcludeID   *uuid.UUID         `json:"exclude_id,omitempty"`
}

type ConflictResult struct {
	HasConflicts            bool                    `json:"has_conflicts"`
	Conflicts               []models.Conflict       `json:"conflicts"`
	Warnings                []string                `json:"warnings"`
	Overlapping             []models.LicenseSummary `json:"overlapping"`
	RevenueShareExposureBps int                     `json:"revenue_share_exposure_bps"`
}

// HasReason reports whether any conflict carries reason.
func (r *ConflictResult) HasReason(reason models.ConflictReason) bool {
	for _, c := range r.Conflicts {
		if c.ReasonCode == reason {
			return true
		}
	}
	return false
}

// DateWindow is a period during which a grant restricts new ones.
type DateWindow struct {
	LicenseID   uuid.UUID            `json:"license_id"`
	BrandID     uuid.UUID            `json:"brand_id"`
	Status      models.LicenseStatus `json:"status"`
	Start       time.Time            `json:"start"`
	End         time.Time            `json:"end"`
	Territories []string             `json:"territories,omitempty"`
}

// ConflictPreview summarizes what an asset is already committed to.
type ConflictPreview struct {
	IPAssetID            uuid.UUID               `json:"ip_asset_id"`
	AsOf                 time.Time               `json:"as_of"`
	Grants               []models.LicenseSummary `json:"grants"`
	ExclusiveWindows     []DateWindow            `json:"exclusive_windows"`
	TerritoryWindows     []DateWindow            `json:"territory_windows"`
	ReservedCategories   []string                `json:"reserved_categories"`
	CommittedRevShareBps int                     `json:"committed_rev_share_bps"`
	NextAvailableFrom    *time.Time              `json:"next_exclusive_available_from,omitempty"`
}

// DetectConflicts evaluates in against existing grants of the same asset.
// Grants outside the proposed date range, deleted grants, and the excluded
// grant are ignored. revShareWarnBps is the exposure above which a warning
// is raised.
func DetectConflicts(in ConflictInput, existing []models.License, revShareWarnBps int) ConflictResult {
	result := ConflictResult{
		Conflicts:   []models.Conflict{},
		Warnings:    []string{},
		Overlapping: []models.LicenseSummary{},
	}
	exposure := in.RevShareBps

	for i := range existing {
		ex := &existing[i]
		if ex.IsDeleted() || (in.ExcludeID != nil && ex.ID == *in.ExcludeID) {
			continue
		}
		if !models.RangesIntersect(in.StartDate, in.EndDate, ex.StartDate, ex.EndDate) {
			continue
		}

		result.Overlapping = append(result.Overlapping, ex.Summary())
		exposure += ex.RevShareBps

		conflicts, warnings := evaluateCandidate(in, ex)
		result.Conflicts = append(result.Conflicts, conflicts...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	result.RevenueShareExposureBps = exposure
	if len(result.Overlapping) > 0 && exposure > revShareWarnBps {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"aggregate revenue share across overlapping grants is %d bps, above %d bps",
			exposure, revShareWarnBps))
	}

	result.Conflicts = models.DedupeConflicts(result.Conflicts)
	result.HasConflicts = len(result.Conflicts) > 0
	return result
}

func evaluateCandidate(in ConflictInput, ex *models.License) ([]models.Conflict, []string) {
	var conflicts []models.Conflict
	var warnings []string

	exScope := ex.GetScope()
	base := models.Conflict{
		ConflictingLicenseID: ex.ID,
		OverlapStart:         latest(in.StartDate, ex.StartDate),
		OverlapEnd:           earliest(in.EndDate, ex.EndDate),
		Summary:              ex.Summary(),
	}
	window := fmt.Sprintf("%s to %s", base.OverlapStart.Format(dateLayout), base.OverlapEnd.Format(dateLayout))

	switch {
	case in.LicenseType == models.LicenseTypeExclusive || ex.LicenseType == models.LicenseTypeExclusive:
		c := base
		c.ReasonCode = models.ConflictExclusiveOverlap
		c.Details = fmt.Sprintf("%s grant %s (%s) overlaps the proposed %s grant from %s",
			ex.LicenseType, ex.ID, ex.Status, in.LicenseType, window)
		conflicts = append(conflicts, c)

	case in.LicenseType == models.LicenseTypeExclusiveTerritory || ex.LicenseType == models.LicenseTypeExclusiveTerritory:
		if shared := models.TerritoryOverlap(in.Scope, exScope); len(shared) > 0 {
			c := base
			c.ReasonCode = models.ConflictTerritoryOverlap
			c.Territories = shared
			c.Details = fmt.Sprintf("territory-exclusive grant %s covers %s from %s",
				ex.ID, strings.Join(shared, ", "), window)
			conflicts = append(conflicts, c)
		}

	default:
		media := models.MediaOverlap(in.Scope, exScope)
		placements := models.PlacementOverlap(in.Scope, exScope)
		territories := models.TerritoryOverlap(in.Scope, exScope)
		if models.SameFlags(in.Scope, exScope) && len(territories) > 0 {
			c := base
			c.ReasonCode = models.ConflictScopeOverlap
			c.Territories = territories
			c.Details = fmt.Sprintf("non-exclusive grant %s has an identical media and placement scope from %s", ex.ID, window)
			conflicts = append(conflicts, c)
		} else if len(media) > 0 || len(placements) > 0 {
			warnings = append(warnings, fmt.Sprintf(
				"non-exclusive grant %s shares media %v and placements %v from %s", ex.ID, media, placements, window))
		}
	}

	if reason := competitorReason(in, ex, exScope); reason != "" {
		c := base
		c.ReasonCode = models.ConflictCompetitorBlocked
		c.Details = reason
		conflicts = append(conflicts, c)
	}

	return conflicts, warnings
}

// competitorReason explains why the two brands cannot hold overlapping grants,
// or returns "". A brand never blocks itself.
func competitorReason(in ConflictInput, ex *models.License, exScope models.Scope) string {
	if in.BrandID == ex.BrandID {
		return ""
	}
	if exScope.Exclusivity != nil {
		for _, blocked := range exScope.Exclusivity.BlockedCompetitorIDs {
			if blocked == in.BrandID {
				return fmt.Sprintf("grant %s blocks brand %s as a competitor", ex.ID, in.BrandID)
			}
		}
	}
	if in.Scope.Exclusivity != nil {
		for _, blocked := range in.Scope.Exclusivity.BlockedCompetitorIDs {
			if blocked == ex.BrandID {
				return fmt.Sprintf("proposed grant blocks brand %s, which holds grant %s", ex.BrandID, ex.ID)
			}
		}
	}
	if in.Scope.Exclusivity != nil && exScope.Exclusivity != nil {
		a := strings.TrimSpace(in.Scope.Exclusivity.Category)
		b := strings.TrimSpace(exScope.Exclusivity.Category)
		if a != "" && strings.EqualFold(a, b) {
			return fmt.Sprintf("grant %s already holds exclusivity for category %q", ex.ID, b)
		}
	}
	return ""
}

const dateLayout = "2006-01-02"

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// ConflictService runs the detector against stored grants.
type ConflictService struct {
	store   repository.Store
	clock   clock.Clock
	cfg     config.LicensingConfig
	metrics *metrics.Metrics
}

func NewConflictService(store repository.Store, clk clock.Clock, cfg config.LicensingConfig, m *metrics.Metrics) *ConflictService {
	return &ConflictService{
		store:   store,
		clock:   clk,
		cfg:     cfg,
		metrics: m,
	}
}

// CheckConflicts evaluates a proposed grant against the live grants of its asset.
func (s *ConflictService) CheckConflicts(ctx context.Context, in ConflictInput) (*ConflictResult, error) {
	return s.check(ctx, s.store, in)
}

// check runs against repo so callers inside a transaction see their own writes.
func (s *ConflictService) check(ctx context.Context, repo repository.LicenseRepository, in ConflictInput) (*ConflictResult, error) {
	if in.IPAssetID == uuid.Nil {
		return nil, apperrors.NewValidation("invalid conflict check", "ip_asset_id is required")
	}
	if !in.LicenseType.IsValid() {
		return nil, apperrors.NewValidation("invalid conflict check", fmt.Sprintf("unknown license type %q", in.LicenseType))
	}
	if !in.EndDate.After(in.StartDate) {
		return nil, apperrors.NewValidation("invalid conflict check", "end_date must be after start_date")
	}

	candidates, err := repo.FindOverlappingLicenses(ctx, repository.OverlapQuery{
		IPAssetID: in.IPAssetID,
		Start:     in.StartDate,
		End:       in.EndDate,
		Statuses:  ConflictCandidateStatuses,
		ExcludeID: in.ExcludeID,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load overlapping licenses for asset %s", in.IPAssetID)
	}

	result := DetectConflicts(in, candidates, s.cfg.RevShareWarningBps)
	s.observe(&result)

	if result.HasConflicts {
		logrus.WithFields(logrus.Fields{
			"ip_asset_id": in.IPAssetID,
			"brand_id":    in.BrandID,
			"conflicts":   len(result.Conflicts),
		}).Debug("Conflicts detected")
	}
	return &result, nil
}

func (s *ConflictService) observe(result *ConflictResult) {
	if s.metrics == nil {
		return
	}
	for _, c := range result.Conflicts {
		s.metrics.ConflictsDetected.WithLabelValues(string(c.ReasonCode)).Inc()
	}
}

// GetConflictPreview lists the current and future commitments of an asset so a
// brand can see which windows are open before proposing a grant.
func (s *ConflictService) GetConflictPreview(ctx context.Context, assetID uuid.UUID) (*ConflictPreview, error) {
	asset, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, loadError(err, "ip_asset", assetID)
	}
	if asset.IsDeleted() {
		return nil, apperrors.NewNotFound("ip_asset", assetID)
	}

	now := s.clock.Now()
	grants, _, err := s.store.ListLicenses(ctx, repository.LicenseFilter{
		IPAssetID: &assetID,
		Statuses:  ConflictCandidateStatuses,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list licenses for asset %s", assetID)
	}

	preview := &ConflictPreview{
		IPAssetID:          assetID,
		AsOf:               now,
		Grants:             []models.LicenseSummary{},
		ExclusiveWindows:   []DateWindow{},
		TerritoryWindows:   []DateWindow{},
		ReservedCategories: []string{},
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].StartDate.Before(grants[j].StartDate) })

	categories := make(map[string]struct{})
	for i := range grants {
		l := &grants[i]
		if l.EndDate.Before(now) {
			continue
		}
		preview.Grants = append(preview.Grants, l.Summary())
		if !l.StartDate.After(now) {
			preview.CommittedRevShareBps += l.RevShareBps
		}

		scope := l.GetScope()
		window := DateWindow{LicenseID: l.ID, BrandID: l.BrandID, Status: l.Status, Start: l.StartDate, End: l.EndDate}
		switch l.LicenseType {
		case models.LicenseTypeExclusive:
			preview.ExclusiveWindows = append(preview.ExclusiveWindows, window)
		case models.LicenseTypeExclusiveTerritory:
			if scope.IsGlobal() {
				window.Territories = []string{models.TerritoryGlobal}
			} else {
				window.Territories = scope.NamedTerritories()
			}
			preview.TerritoryWindows = append(preview.TerritoryWindows, window)
		}
		if scope.Exclusivity != nil && scope.Exclusivity.Category != "" {
			key := strings.ToLower(strings.TrimSpace(scope.Exclusivity.Category))
			if _, seen := categories[key]; !seen {
				categories[key] = struct{}{}
				preview.ReservedCategories = append(preview.ReservedCategories, scope.Exclusivity.Category)
			}
		}
	}

	if len(preview.ExclusiveWindows) > 0 {
		preview.NextAvailableFrom = nextOpening(now, preview.ExclusiveWindows)
	}
	return preview, nil
}

// nextOpening returns the first instant at or after now not covered by any
// window. windows must be sorted by start.
func nextOpening(now time.Time, windows []DateWindow) *time.Time {
	cursor := now
	for _, w := range windows {
		if w.Start.After(cursor) {
			break
		}
		if !w.End.Before(cursor) {
			cursor = w.End.Add(time.Nanosecond)
		}
	}
	return &cursor
}
