// internal/models/renewal.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type RenewalStrategy string

const (
	RenewalStrategyFlat        RenewalStrategy = "FLAT"
	RenewalStrategyUsageBased  RenewalStrategy = "USAGE_BASED"
	RenewalStrategyMarketRate  RenewalStrategy = "MARKET_RATE"
	RenewalStrategyPerformance RenewalStrategy = "PERFORMANCE_BASED"
	RenewalStrategyNegotiated  RenewalStrategy = "NEGOTIATED"
	RenewalStrategyAutomatic   RenewalStrategy = "AUTOMATIC"
)

type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "PENDING"
	OfferStatusAccepted OfferStatus = "ACCEPTED"
	OfferStatusRejected OfferStatus = "REJECTED"
	OfferStatusExpired  OfferStatus = "EXPIRED"
)

// PriceAdjustment is one line of the renewal pricing breakdown.
type PriceAdjustment struct {
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Percent     float64 `json:"percent"`
	AmountCents int64   `json:"amount_cents"`
}

type RenewalTerms struct {
	DurationDays int               `json:"duration_days"`
	FeeCents     int64             `json:"fee_cents"`
	RevShareBps  int               `json:"rev_share_bps"`
	StartDate    time.Time         `json:"start_date"`
	EndDate      time.Time         `json:"end_date"`
	Adjustments  []PriceAdjustment `json:"adjustments"`
	Confidence   int               `json:"confidence"`
}

// RenewalOfferRecord is an offer embedded on the license it would renew.
type RenewalOfferRecord struct {
	ID                string          `json:"id"`
	Strategy          RenewalStrategy `json:"strategy"`
	Terms             RenewalTerms    `json:"terms"`
	Status            OfferStatus     `json:"status"`
	GeneratedBy       uuid.UUID       `json:"generated_by"`
	GeneratedAt       time.Time       `json:"generated_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	DecidedAt         *time.Time      `json:"decided_at,omitempty"`
	AcceptedLicenseID *uuid.UUID      `json:"accepted_license_id,omitempty"`
	Warnings          []string        `json:"warnings,omitempty"`
}
