package models

import (
	"fmt"
	"time"
)

type Category string

const (
	CategoryArtisans    Category = "artisans"
	CategoryHotels      Category = "hotels"
	CategoryTransport   Category = "transport"
	CategoryRentals     Category = "rentals"
	CategoryMarketplace Category = "marketplace"
	CategoryJobs        Category = "jobs"
)

// AllCategories is the fixed dashboard order.
var AllCategories = []Category{
	CategoryArtisans,
	CategoryHotels,
	CategoryTransport,
	CategoryRentals,
	CategoryMarketplace,
	CategoryJobs,
}

func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

type SubscriptionStatus string

const (
	StatusPendingPayment SubscriptionStatus = "pending_payment"
	StatusActive         SubscriptionStatus = "active"
	StatusExpired        SubscriptionStatus = "expired"
	StatusCancelled      SubscriptionStatus = "cancelled"
	// StatusNone is reported for categories the account never started.
	StatusNone SubscriptionStatus = "none"
)

type BillingCycle string

const (
	CycleOneTime   BillingCycle = "one_time"
	CycleMonthly   BillingCycle = "monthly"
	CycleQuarterly BillingCycle = "quarterly"
	CycleYearly    BillingCycle = "yearly"
)

func (b BillingCycle) Valid() bool {
	switch b {
	case CycleOneTime, CycleMonthly, CycleQuarterly, CycleYearly:
		return true
	}
	return false
}

// ExpiresAt returns the end of a cycle started at start, or nil for one-time
// purchases which never lapse.
func (b BillingCycle) ExpiresAt(start time.Time) (*time.Time, error) {
	var end time.Time
	switch b {
	case CycleOneTime:
		return nil, nil
	case CycleMonthly:
		end = start.AddDate(0, 1, 0)
	case CycleQuarterly:
		end = start.AddDate(0, 3, 0)
	case CycleYearly:
		end = start.AddDate(1, 0, 0)
	default:
		return nil, fmt.Errorf("unknown billing cycle %q", b)
	}
	return &end, nil
}

// CategorySubscription is keyed by (AccountID, Category). SubscriptionID
// changes whenever an expired or cancelled row is restarted.
type CategorySubscription struct {
	AccountID      string             `db:"account_id" json:"account_id"`
	Category       Category           `db:"category" json:"category"`
	SubscriptionID string             `db:"subscription_id" json:"subscription_id"`
	Status         SubscriptionStatus `db:"status" json:"status"`
	BillingCycle   BillingCycle       `db:"billing_cycle" json:"billing_cycle"`
	PriceMinor     int64              `db:"price_minor" json:"price_minor"`
	Currency       string             `db:"currency" json:"currency"`
	StartedAt      *time.Time         `db:"started_at" json:"started_at,omitempty"`
	ExpiresAt      *time.Time         `db:"expires_at" json:"expires_at,omitempty"`
	PaymentID      string             `db:"payment_id" json:"payment_id,omitempty"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at" json:"updated_at"`
}

// PastDue reports an active row whose expiry has passed but which has not
// been transitioned yet.
func (s *CategorySubscription) PastDue(now time.Time) bool {
	return s.Status == StatusActive && s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

func (s *CategorySubscription) Clone() *CategorySubscription {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

type DeadlineKind string

const (
	DeadlineExpiry   DeadlineKind = "expiry"
	DeadlineCheckout DeadlineKind = "checkout"
)

// DeadlineEntry indexes a subscription by the moment a sweep should look at it.
type DeadlineEntry struct {
	Bucket         int          `db:"bucket"`
	Kind           DeadlineKind `db:"kind"`
	Deadline       time.Time    `db:"deadline"`
	AccountID      string       `db:"account_id"`
	Category       Category     `db:"category"`
	SubscriptionID string       `db:"subscription_id"`
}
