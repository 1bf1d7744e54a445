package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RateEntry is the administrator-maintained base price for one destination.
// BasePrice is USD per 60-second unit.
type RateEntry struct {
	Destination             string          `json:"destination"`
	Country                 string          `json:"country"`
	BasePrice               decimal.Decimal `json:"base_price"`
	BillingIncrementSeconds int             `json:"billing_increment_seconds"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

func NormalizeDestination(d string) string {
	return strings.ToUpper(strings.TrimSpace(d))
}

func (r RateEntry) Validate() error {
	if NormalizeDestination(r.Destination) == "" {
		return Invalid("destination", "is required")
	}
	if r.BasePrice.IsNegative() {
		return Invalid("base_price", "must be >= 0")
	}
	if r.BillingIncrementSeconds <= 0 {
		return Invalid("billing_increment_seconds", "must be > 0")
	}
	return nil
}

// MarkupConfig is a default markup percentage plus per-destination overrides.
type MarkupConfig struct {
	DefaultPercent decimal.Decimal
	Overrides      map[string]decimal.Decimal
}

func (m MarkupConfig) Validate() error {
	if m.DefaultPercent.IsNegative() {
		return Invalid("markup", "default percent must be >= 0")
	}
	for dest, pct := range m.Overrides {
		if pct.IsNegative() {
			return Invalid("markup", "override for "+dest+" must be >= 0")
		}
	}
	return nil
}

// PercentFor returns the override for destination, else the default.
func (m MarkupConfig) PercentFor(destination string) decimal.Decimal {
	if pct, ok := m.Overrides[NormalizeDestination(destination)]; ok {
		return pct
	}
	return m.DefaultPercent
}
