package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/models"
)

const minorUnitExp = 2

// Catalog prices billing cycles in minor currency units.
type Catalog struct {
	currency string
	prices   map[models.BillingCycle]int64
}

func NewCatalog(cfg config.SubscriptionConfig) (*Catalog, error) {
	c := &Catalog{currency: cfg.Currency, prices: make(map[models.BillingCycle]int64)}
	for cycle, raw := range cfg.Prices {
		bc := models.BillingCycle(cycle)
		if !bc.Valid() {
			return nil, fmt.Errorf("price configured for unknown billing cycle %q", cycle)
		}
		minor, err := ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", cycle, err)
		}
		c.prices[bc] = minor
	}
	for _, bc := range []models.BillingCycle{models.CycleOneTime, models.CycleMonthly, models.CycleQuarterly, models.CycleYearly} {
		if _, ok := c.prices[bc]; !ok {
			return nil, fmt.Errorf("no price configured for %s", bc)
		}
	}
	return c, nil
}

func (c *Catalog) Currency() string { return c.currency }

func (c *Catalog) Price(cycle models.BillingCycle) (int64, bool) {
	p, ok := c.prices[cycle]
	return p, ok
}

// ParseAmount converts a decimal string such as "50.00" into minor units.
// More than two fractional digits or a non-positive amount is rejected.
func ParseAmount(raw string) (int64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if !d.IsPositive() {
		return 0, ErrInvalidAmount
	}
	shifted := d.Shift(minorUnitExp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrInvalidAmount
	}
	return shifted.IntPart(), nil
}

func FormatAmount(minor int64) string {
	return decimal.New(minor, -minorUnitExp).StringFixed(minorUnitExp)
}
