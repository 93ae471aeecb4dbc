// internal/config/pricing.go
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// PricingConfig holds the rate tables of the fee calculator and the renewal
// pricing engine. Map keys are lower case, as viper normalizes them.
type PricingConfig struct {
	BaseRatesCents         map[string]int64   `mapstructure:"base_rates_cents"`
	DefaultBaseRateCents   int64              `mapstructure:"default_base_rate_cents"`
	MediaMultipliers       map[string]float64 `mapstructure:"media_multipliers"`
	PlacementMultipliers   map[string]float64 `mapstructure:"placement_multipliers"`
	MediaWeight            float64            `mapstructure:"media_weight"`
	PlacementWeight        float64            `mapstructure:"placement_weight"`
	BreadthBonus           float64            `mapstructure:"breadth_bonus"`
	BreadthMinMedia        int                `mapstructure:"breadth_min_media"`
	BreadthMinPlacements   int                `mapstructure:"breadth_min_placements"`
	ScopeFloor             float64            `mapstructure:"scope_floor"`
	ExclusivityMultipliers map[string]float64 `mapstructure:"exclusivity_multipliers"`
	DurationSteps          []DurationStep     `mapstructure:"duration_steps"`
	DurationYearIncrement  float64            `mapstructure:"duration_year_increment"`
	TerritoryGlobal        float64            `mapstructure:"territory_global"`
	TerritoryMulti         float64            `mapstructure:"territory_multi"`
	TerritoryMultiMin      int                `mapstructure:"territory_multi_min"`
	TerritoryDefault       float64            `mapstructure:"territory_default"`
	VolumeTiers            []VolumeTier       `mapstructure:"volume_tiers"`
	MinimumFeeCents        int64              `mapstructure:"minimum_fee_cents"`
	PlatformCommissionBps  int                `mapstructure:"platform_commission_bps"`
	Renewal                RenewalPricing     `mapstructure:"renewal"`
}

type DurationStep struct {
	MaxDays    int     `mapstructure:"max_days"`
	Multiplier float64 `mapstructure:"multiplier"`
}

type VolumeTier struct {
	MinSpendCents   int64   `mapstructure:"min_spend_cents"`
	DiscountPercent float64 `mapstructure:"discount_percent"`
}

type LoyaltyTier struct {
	MinRenewals     int     `mapstructure:"min_renewals"`
	DiscountPercent float64 `mapstructure:"discount_percent"`
}

type RenewalPricing struct {
	InflationPercent     float64       `mapstructure:"inflation_percent"`
	LoyaltyTiers         []LoyaltyTier `mapstructure:"loyalty_tiers"`
	EarlyDiscountPercent float64       `mapstructure:"early_discount_percent"`
	MaxIncreasePercent   float64       `mapstructure:"max_increase_percent"`
	MaxDecreasePercent   float64       `mapstructure:"max_decrease_percent"`
}

// DefaultPricing returns the built-in rate tables.
func DefaultPricing() PricingConfig {
	return PricingConfig{
		BaseRatesCents: map[string]int64{
			"image":        50_000,
			"illustration": 60_000,
			"video":        150_000,
			"music":        100_000,
			"character":    200_000,
			"logo":         120_000,
			"font":         40_000,
			"model_3d":     80_000,
		},
		DefaultBaseRateCents: 50_000,
		MediaMultipliers: map[string]float64{
			"digital":     1.0,
			"print":       1.2,
			"broadcast":   2.0,
			"out_of_home": 1.5,
		},
		PlacementMultipliers: map[string]float64{
			"social":    1.0,
			"website":   0.8,
			"email":     0.6,
			"paid_ads":  1.5,
			"packaging": 1.3,
		},
		MediaWeight:          0.6,
		PlacementWeight:      0.4,
		BreadthBonus:         0.2,
		BreadthMinMedia:      3,
		BreadthMinPlacements: 3,
		ScopeFloor:           0.5,
		ExclusivityMultipliers: map[string]float64{
			"non_exclusive":       1.0,
			"exclusive_territory": 1.75,
			"exclusive":           2.5,
		},
		DurationSteps: []DurationStep{
			{MaxDays: 30, Multiplier: 1.0},
			{MaxDays: 90, Multiplier: 2.5},
			{MaxDays: 180, Multiplier: 4.0},
			{MaxDays: 365, Multiplier: 6.0},
			{MaxDays: 730, Multiplier: 8.0},
			{MaxDays: 1095, Multiplier: 9.5},
		},
		DurationYearIncrement: 0.5,
		TerritoryGlobal:       2.0,
		TerritoryMulti:        1.5,
		TerritoryMultiMin:     3,
		TerritoryDefault:      1.0,
		VolumeTiers: []VolumeTier{
			{MinSpendCents: 1_000_000, DiscountPercent: 3},
			{MinSpendCents: 5_000_000, DiscountPercent: 5},
			{MinSpendCents: 10_000_000, DiscountPercent: 10},
		},
		MinimumFeeCents:       10_000,
		PlatformCommissionBps: 1000,
		Renewal: RenewalPricing{
			InflationPercent: 3,
			LoyaltyTiers: []LoyaltyTier{
				{MinRenewals: 1, DiscountPercent: 2},
				{MinRenewals: 2, DiscountPercent: 5},
				{MinRenewals: 3, DiscountPercent: 10},
			},
			EarlyDiscountPercent: 5,
			MaxIncreasePercent:   25,
			MaxDecreasePercent:   20,
		},
	}
}

// LoadPricing layers the YAML/JSON/TOML file at path over the defaults. An
// empty path returns the defaults.
func LoadPricing(path string) (PricingConfig, error) {
	cfg := DefaultPricing()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read pricing config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode pricing config %s: %w", path, err)
	}

	cfg.normalize()
	return cfg, cfg.Validate()
}

func (p *PricingConfig) normalize() {
	sort.Slice(p.DurationSteps, func(i, j int) bool { return p.DurationSteps[i].MaxDays < p.DurationSteps[j].MaxDays })
	sort.Slice(p.VolumeTiers, func(i, j int) bool { return p.VolumeTiers[i].MinSpendCents < p.VolumeTiers[j].MinSpendCents })
	sort.Slice(p.Renewal.LoyaltyTiers, func(i, j int) bool {
		return p.Renewal.LoyaltyTiers[i].MinRenewals < p.Renewal.LoyaltyTiers[j].MinRenewals
	})
}

func (p *PricingConfig) Validate() error {
	if len(p.DurationSteps) == 0 {
		return fmt.Errorf("pricing: at least one duration step is required")
	}
	if p.MediaWeight+p.PlacementWeight <= 0 {
		return fmt.Errorf("pricing: media and placement weights must be positive")
	}
	if p.MinimumFeeCents < 0 {
		return fmt.Errorf("pricing: minimum fee cannot be negative")
	}
	if p.PlatformCommissionBps < 0 || p.PlatformCommissionBps > 10000 {
		return fmt.Errorf("pricing: platform commission must be within 0..10000 bps")
	}
	return nil
}

// BaseRate returns the base rate for an asset type.
func (p *PricingConfig) BaseRate(assetType string) int64 {
	if rate, ok := p.BaseRatesCents[strings.ToLower(assetType)]; ok {
		return rate
	}
	return p.DefaultBaseRateCents
}

// ExclusivityMultiplier returns the multiplier for a license type.
func (p *PricingConfig) ExclusivityMultiplier(licenseType string) float64 {
	if m, ok := p.ExclusivityMultipliers[strings.ToLower(licenseType)]; ok {
		return m
	}
	return 1.0
}
