// internal/services/pricing_service.go
package services

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
	"github.com/javajoker/imi-licensing/internal/utils"
)

// SpendHistoryStatuses are the statuses whose fees count toward a brand's
// volume history.
var SpendHistoryStatuses = []models.LicenseStatus{
	models.LicenseStatusActive,
	models.LicenseStatusExpiringSoon,
	models.LicenseStatusExpired,
	models.LicenseStatusRenewed,
}

// FeeInputs are the terms the fee depends on.
type FeeInputs struct {
	AssetType   string
	LicenseType models.LicenseType
	StartDate   time.Time
	EndDate     time.Time
	Scope       models.Scope
}

type OwnerSplit struct {
	OwnerID     uuid.UUID            `json:"owner_id"`
	Ownership   models.OwnershipType `json:"ownership_type"`
	ShareBps    int                  `json:"share_bps"`
	AmountCents int64                `json:"amount_cents"`
}

// Quote is a fee with every factor that produced it.
type Quote struct {
	BaseRateCents           int64        `json:"base_rate_cents"`
	ScopeMultiplier         float64      `json:"scope_multiplier"`
	ExclusivityMultiplier   float64      `json:"exclusivity_multiplier"`
	DurationDays            int          `json:"duration_days"`
	DurationMultiplier      float64      `json:"duration_multiplier"`
	TerritoryMultiplier     float64      `json:"territory_multiplier"`
	GrossCents              int64        `json:"gross_cents"`
	HistoricalSpendCents    int64        `json:"historical_spend_cents"`
	VolumeDiscountPercent   float64      `json:"volume_discount_percent"`
	MarketAdjustmentCents   int64        `json:"market_adjustment_cents"`
	MinimumApplied          bool         `json:"minimum_applied"`
	FeeCents                int64        `json:"fee_cents"`
	PlatformCommissionCents int64        `json:"platform_commission_cents"`
	CreatorNetCents         int64        `json:"creator_net_cents"`
	OwnerSplits             []OwnerSplit `json:"owner_splits,omitempty"`
}

// FeeCalculator prices grants from a PricingConfig.
type FeeCalculator struct {
	cfg config.PricingConfig
}

func NewFeeCalculator(cfg config.PricingConfig) *FeeCalculator {
	return &FeeCalculator{cfg: cfg}
}

// Config returns the rate tables in use.
func (c *FeeCalculator) Config() config.PricingConfig {
	return c.cfg
}

// ScopeMultiplier blends the average multiplier of the selected media with
// that of the selected placements.
func (c *FeeCalculator) ScopeMultiplier(scope models.Scope) float64 {
	media := scope.Media.Selected()
	placements := scope.Placements.Selected()

	mediaAvg := averageOf(media, c.cfg.MediaMultipliers)
	placementAvg := averageOf(placements, c.cfg.PlacementMultipliers)

	m := c.cfg.MediaWeight*mediaAvg + c.cfg.PlacementWeight*placementAvg
	if len(media) >= c.cfg.BreadthMinMedia && len(placements) >= c.cfg.BreadthMinPlacements {
		m *= 1 + c.cfg.BreadthBonus
	}
	return math.Max(m, c.cfg.ScopeFloor)
}

// averageOf is the mean multiplier of keys; an empty selection averages to 0.
func averageOf[K ~string](keys []K, multipliers map[string]float64) float64 {
	if len(keys) == 0 {
		return 0
	}
	var sum float64
	for _, k := range keys {
		sum += multipliers[string(k)]
	}
	return sum / float64(len(keys))
}

// DurationMultiplier is a step function of the grant length in days.
func (c *FeeCalculator) DurationMultiplier(days int) float64 {
	steps := c.cfg.DurationSteps
	for _, step := range steps {
		if days <= step.MaxDays {
			return step.Multiplier
		}
	}
	last := steps[len(steps)-1]
	extraYears := math.Ceil(float64(days-last.MaxDays) / 365)
	return last.Multiplier + extraYears*c.cfg.DurationYearIncrement
}

func (c *FeeCalculator) TerritoryMultiplier(scope models.Scope) float64 {
	switch {
	case scope.IsGlobal():
		return c.cfg.TerritoryGlobal
	case len(scope.NamedTerritories()) >= c.cfg.TerritoryMultiMin:
		return c.cfg.TerritoryMulti
	default:
		return c.cfg.TerritoryDefault
	}
}

// VolumeDiscountPercent returns the discount earned by a brand's historical spend.
func (c *FeeCalculator) VolumeDiscountPercent(spendCents int64) float64 {
	var pct float64
	for _, tier := range c.cfg.VolumeTiers {
		if spendCents >= tier.MinSpendCents {
			pct = tier.DiscountPercent
		}
	}
	return pct
}

// Calculate prices in for a brand with the given historical spend.
func (c *FeeCalculator) Calculate(in FeeInputs, historicalSpendCents int64) Quote {
	q := Quote{
		BaseRateCents:         c.cfg.BaseRate(in.AssetType),
		ScopeMultiplier:       c.ScopeMultiplier(in.Scope),
		ExclusivityMultiplier: c.cfg.ExclusivityMultiplier(string(in.LicenseType)),
		DurationDays:          models.DaysBetween(in.StartDate, in.EndDate),
		TerritoryMultiplier:   c.TerritoryMultiplier(in.Scope),
		HistoricalSpendCents:  historicalSpendCents,
	}
	q.DurationMultiplier = c.DurationMultiplier(q.DurationDays)

	gross := float64(q.BaseRateCents) * q.ScopeMultiplier * q.ExclusivityMultiplier * q.DurationMultiplier * q.TerritoryMultiplier
	q.GrossCents = int64(math.Round(gross))

	q.VolumeDiscountPercent = c.VolumeDiscountPercent(historicalSpendCents)
	q.MarketAdjustmentCents = -int64(math.Round(float64(q.GrossCents) * q.VolumeDiscountPercent / 100))

	q.FeeCents = q.GrossCents + q.MarketAdjustmentCents
	if q.FeeCents < c.cfg.MinimumFeeCents {
		q.FeeCents = c.cfg.MinimumFeeCents
		q.MinimumApplied = true
	}

	c.applyCommission(&q)
	return q
}

func (c *FeeCalculator) applyCommission(q *Quote) {
	q.PlatformCommissionCents = int64(math.Round(float64(q.FeeCents) * float64(c.cfg.PlatformCommissionBps) / 10000))
	q.CreatorNetCents = q.FeeCents - q.PlatformCommissionCents
}

// SplitAmong divides the creator net by ownership share. Rounding remainders
// go to the first primary owner, or the first owner when none is primary.
func SplitAmong(netCents int64, ownerships []models.AssetOwnership) []OwnerSplit {
	if len(ownerships) == 0 {
		return nil
	}
	splits := make([]OwnerSplit, 0, len(ownerships))
	var allocated int64
	remainderTo := 0
	for i, o := range ownerships {
		amount := netCents * int64(o.ShareBps) / 10000
		allocated += amount
		splits = append(splits, OwnerSplit{
			OwnerID:     o.OwnerID,
			Ownership:   o.OwnershipType,
			ShareBps:    o.ShareBps,
			AmountCents: amount,
		})
		if o.OwnershipType == models.OwnershipTypePrimary && ownerships[remainderTo].OwnershipType != models.OwnershipTypePrimary {
			remainderTo = i
		}
	}
	splits[remainderTo].AmountCents += netCents - allocated
	return splits
}

// QuoteInput asks for the fee of a grant over an existing asset.
type QuoteInput struct {
	IPAssetID   uuid.UUID          `json:"ip_asset_id" validate:"required"`
	BrandID     uuid.UUID          `json:"brand_id" validate:"required"`
	LicenseType models.LicenseType `json:"license_type" validate:"required,oneof=EXCLUSIVE NON_EXCLUSIVE EXCLUSIVE_TERRITORY"`
	StartDate   time.Time          `json:"start_date" validate:"required"`
	EndDate     time.Time          `json:"end_date" validate:"required,gtfield=StartDate"`
	Scope       models.Scope       `json:"scope"`
}

// PricingService quotes grants against stored assets and brand history.
type PricingService struct {
	store repository.Store
	calc  *FeeCalculator
	clock clock.Clock
}

func NewPricingService(store repository.Store, calc *FeeCalculator, clk clock.Clock) *PricingService {
	return &PricingService{store: store, calc: calc, clock: clk}
}

func (s *PricingService) Calculator() *FeeCalculator {
	return s.calc
}

// Quote prices a proposed grant, including the platform commission and the
// per-owner split. Nothing is persisted.
func (s *PricingService) Quote(ctx context.Context, in QuoteInput) (*Quote, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperrors.NewValidation("invalid quote request", utils.ValidationMessages(err)...)
	}

	asset, err := s.store.GetAsset(ctx, in.IPAssetID)
	if err != nil {
		return nil, loadError(err, "ip_asset", in.IPAssetID)
	}
	if asset.IsDeleted() {
		return nil, apperrors.NewNotFound("ip_asset", in.IPAssetID)
	}

	spend, err := s.store.SumBrandFees(ctx, in.BrandID, SpendHistoryStatuses, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load spend history for brand %s", in.BrandID)
	}

	q := s.calc.Calculate(FeeInputs{
		AssetType:   string(asset.AssetType),
		LicenseType: in.LicenseType,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		Scope:       in.Scope,
	}, spend)

	ownerships, err := s.store.ListOwnerships(ctx, in.IPAssetID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load ownership for asset %s", in.IPAssetID)
	}
	q.OwnerSplits = SplitAmong(q.CreatorNetCents, models.ActiveOwnerships(ownerships, s.clock.Now()))
	return &q, nil
}
