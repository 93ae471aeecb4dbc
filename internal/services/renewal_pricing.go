// internal/services/renewal_pricing.go
package services

import (
	"fmt"
	"math"
	"time"

	"github.com/javajoker/imi-licensing/internal/models"
)

// Adjustment kinds of the renewal breakdown.
const (
	AdjustmentStrategy     = "strategy"
	AdjustmentLoyalty      = "loyalty"
	AdjustmentEarlyRenewal = "early_renewal"
	AdjustmentCap          = "cap"
	AdjustmentMinimum      = "minimum_fee"
)

// UsageMetrics feed the usage- and performance-based strategies.
type UsageMetrics struct {
	ExpectedImpressions int64   `json:"expected_impressions"`
	ActualImpressions   int64   `json:"actual_impressions"`
	PerformanceScore    float64 `json:"performance_score" validate:"gte=0,lte=100"`
	DataPoints          int     `json:"data_points" validate:"gte=0"`
}

// RenewalOptions select how renewal terms are derived.
type RenewalOptions struct {
	Strategy models.RenewalStrategy `json:"strategy,omitempty" validate:"omitempty,oneof=FLAT USAGE_BASED MARKET_RATE PERFORMANCE_BASED NEGOTIATED AUTOMATIC"`
	// DurationDays defaults to the length of the license being renewed.
	DurationDays        int           `json:"duration_days,omitempty" validate:"gte=0,lte=1825"`
	ProposedFeeCents    *int64        `json:"proposed_fee_cents,omitempty" validate:"omitempty,gte=0"`
	ProposedRevShareBps *int          `json:"proposed_rev_share_bps,omitempty" validate:"omitempty,bps"`
	Usage               *UsageMetrics `json:"usage,omitempty"`
}

// RenewalContext is everything the pricer needs about the license being renewed.
type RenewalContext struct {
	License              *models.License
	AssetType            string
	PriorRenewals        int
	HistoricalSpendCents int64
	Now                  time.Time
}

// RenewalPricer derives renewal terms from the renewed license and a strategy.
type RenewalPricer struct {
	calc *FeeCalculator
	// earlyDays is how far ahead of expiry a renewal earns the early discount.
	earlyDays int
}

func NewRenewalPricer(calc *FeeCalculator, earlyRenewalDays int) *RenewalPricer {
	return &RenewalPricer{calc: calc, earlyDays: earlyRenewalDays}
}

// Terms computes the offer terms. The strategy delta is applied first, then
// the loyalty and early-renewal discounts, then the caps and the minimum fee.
func (p *RenewalPricer) Terms(rc RenewalContext, opts RenewalOptions) (models.RenewalTerms, error) {
	l := rc.License
	cfg := p.calc.Config()
	strategy := opts.Strategy
	if strategy == "" {
		strategy = models.RenewalStrategyAutomatic
	}

	duration := opts.DurationDays
	if duration == 0 {
		duration = l.DurationDays()
	}
	start := l.EndDate.AddDate(0, 0, 1)
	terms := models.RenewalTerms{
		DurationDays: duration,
		RevShareBps:  l.RevShareBps,
		StartDate:    start,
		EndDate:      start.AddDate(0, 0, duration),
		Adjustments:  []models.PriceAdjustment{},
	}
	if opts.ProposedRevShareBps != nil && strategy == models.RenewalStrategyNegotiated {
		terms.RevShareBps = *opts.ProposedRevShareBps
	}

	// Reference fee: the current fee prorated to the renewal duration.
	reference := float64(l.FeeCents)
	if current := l.DurationDays(); current > 0 && current != duration {
		reference = reference / float64(current) * float64(duration)
	}
	fee := reference

	delta, description, err := p.strategyDelta(rc, opts, strategy, reference, terms)
	if err != nil {
		return models.RenewalTerms{}, err
	}
	fee += delta
	terms.Adjustments = append(terms.Adjustments, adjustment(AdjustmentStrategy, description, reference, delta))

	if pct := p.loyaltyPercent(rc.PriorRenewals); pct > 0 {
		discount := -fee * pct / 100
		fee += discount
		terms.Adjustments = append(terms.Adjustments, models.PriceAdjustment{
			Kind:        AdjustmentLoyalty,
			Description: fmt.Sprintf("%d prior renewals", rc.PriorRenewals),
			Percent:     -pct,
			AmountCents: int64(math.Round(discount)),
		})
	}

	if days := DaysUntil(rc.Now, l.EndDate); days > p.earlyDays && cfg.Renewal.EarlyDiscountPercent > 0 {
		discount := -fee * cfg.Renewal.EarlyDiscountPercent / 100
		fee += discount
		terms.Adjustments = append(terms.Adjustments, models.PriceAdjustment{
			Kind:        AdjustmentEarlyRenewal,
			Description: fmt.Sprintf("renewed %d days before expiry", days),
			Percent:     -cfg.Renewal.EarlyDiscountPercent,
			AmountCents: int64(math.Round(discount)),
		})
	}

	upper := reference * (1 + cfg.Renewal.MaxIncreasePercent/100)
	lower := reference * (1 - cfg.Renewal.MaxDecreasePercent/100)
	switch {
	case fee > upper:
		terms.Adjustments = append(terms.Adjustments, adjustment(AdjustmentCap,
			fmt.Sprintf("capped at +%.0f%%", cfg.Renewal.MaxIncreasePercent), reference, upper-fee))
		fee = upper
	case fee < lower:
		terms.Adjustments = append(terms.Adjustments, adjustment(AdjustmentCap,
			fmt.Sprintf("capped at -%.0f%%", cfg.Renewal.MaxDecreasePercent), reference, lower-fee))
		fee = lower
	}

	terms.FeeCents = int64(math.Round(fee))
	if terms.FeeCents < cfg.MinimumFeeCents {
		terms.Adjustments = append(terms.Adjustments, models.PriceAdjustment{
			Kind:        AdjustmentMinimum,
			Description: fmt.Sprintf("raised to the minimum fee of %s", formatCents(cfg.MinimumFeeCents)),
			AmountCents: cfg.MinimumFeeCents - terms.FeeCents,
		})
		terms.FeeCents = cfg.MinimumFeeCents
	}

	terms.Confidence = confidence(strategy, rc.PriorRenewals, opts.Usage)
	return terms, nil
}

func (p *RenewalPricer) strategyDelta(rc RenewalContext, opts RenewalOptions, strategy models.RenewalStrategy, reference float64, terms models.RenewalTerms) (float64, string, error) {
	cfg := p.calc.Config()
	switch strategy {
	case models.RenewalStrategyFlat:
		return 0, "flat renewal at the current rate", nil

	case models.RenewalStrategyAutomatic:
		return reference * cfg.Renewal.InflationPercent / 100, fmt.Sprintf("%.1f%% inflation", cfg.Renewal.InflationPercent), nil

	case models.RenewalStrategyUsageBased:
		u := opts.Usage
		if u == nil || u.ExpectedImpressions <= 0 {
			return 0, "no usage data, current rate kept", nil
		}
		ratio := float64(u.ActualImpressions) / float64(u.ExpectedImpressions)
		return reference * (ratio - 1) / 2, fmt.Sprintf("usage at %.0f%% of expected", ratio*100), nil

	case models.RenewalStrategyMarketRate:
		quote := p.calc.Calculate(FeeInputs{
			AssetType:   rc.AssetType,
			LicenseType: rc.License.LicenseType,
			StartDate:   terms.StartDate,
			EndDate:     terms.EndDate,
			Scope:       rc.License.GetScope(),
		}, rc.HistoricalSpendCents)
		return float64(quote.FeeCents) - reference, fmt.Sprintf("market rate of %s", formatCents(quote.FeeCents)), nil

	case models.RenewalStrategyPerformance:
		if opts.Usage == nil {
			return 0, "no performance score, current rate kept", nil
		}
		score := math.Max(0, math.Min(100, opts.Usage.PerformanceScore))
		return reference * (score - 50) / 50 * 0.10, fmt.Sprintf("performance score %.0f", score), nil

	case models.RenewalStrategyNegotiated:
		if opts.ProposedFeeCents == nil {
			return 0, "", fmt.Errorf("a negotiated renewal needs a proposed fee")
		}
		return float64(*opts.ProposedFeeCents) - reference, fmt.Sprintf("negotiated fee of %s", formatCents(*opts.ProposedFeeCents)), nil

	default:
		return 0, "", fmt.Errorf("unknown renewal strategy %q", strategy)
	}
}

func (p *RenewalPricer) loyaltyPercent(priorRenewals int) float64 {
	var pct float64
	for _, tier := range p.calc.Config().Renewal.LoyaltyTiers {
		if priorRenewals >= tier.MinRenewals {
			pct = tier.DiscountPercent
		}
	}
	return pct
}

func adjustment(kind, description string, reference, amount float64) models.PriceAdjustment {
	pct := 0.0
	if reference > 0 {
		pct = math.Round(amount/reference*10000) / 100
	}
	return models.PriceAdjustment{
		Kind:        kind,
		Description: description,
		Percent:     pct,
		AmountCents: int64(math.Round(amount)),
	}
}

// confidence scores how well the terms are supported by data, 0..100.
func confidence(strategy models.RenewalStrategy, priorRenewals int, usage *UsageMetrics) int {
	var score int
	switch strategy {
	case models.RenewalStrategyFlat:
		score = 80
	case models.RenewalStrategyAutomatic:
		score = 75
	case models.RenewalStrategyNegotiated:
		score = 70
	case models.RenewalStrategyMarketRate:
		score = 65
	case models.RenewalStrategyUsageBased, models.RenewalStrategyPerformance:
		score = 50
		if usage == nil || usage.DataPoints == 0 {
			score -= 20
		} else {
			score += min(usage.DataPoints/10, 20)
		}
	}
	score += min(priorRenewals*5, 15)
	return max(0, min(score, 100))
}
