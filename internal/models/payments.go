package models

import "time"

type PaymentStatus string

const (
	PaymentInitialized PaymentStatus = "initialized"
	PaymentSucceeded   PaymentStatus = "succeeded"
	PaymentFailed      PaymentStatus = "failed"
)

type PaymentOutcome string

const (
	OutcomeSuccess PaymentOutcome = "success"
	OutcomeFailure PaymentOutcome = "failure"
)

type PaymentTransaction struct {
	PaymentID      string        `db:"payment_id" json:"payment_id"`
	Reference      string        `db:"reference" json:"reference"`
	SubscriptionID string        `db:"subscription_id" json:"subscription_id"`
	AccountID      string        `db:"account_id" json:"account_id"`
	Category       Category      `db:"category" json:"category"`
	// BillingCycle, AmountMinor and Currency are the terms the customer
	// agreed to at checkout; activation honors them.
	BillingCycle   BillingCycle  `db:"billing_cycle" json:"billing_cycle,omitempty"`
	AmountMinor    int64         `db:"amount_minor" json:"amount_minor"`
	Currency       string        `db:"currency" json:"currency"`
	Status         PaymentStatus `db:"status" json:"status"`
	RedirectURL    string        `db:"redirect_url" json:"redirect_url,omitempty"`
	FailureReason  string        `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	ConfirmedAt    *time.Time    `db:"confirmed_at" json:"confirmed_at,omitempty"`
}

func (p *PaymentTransaction) Clone() *PaymentTransaction {
	c := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return &c
}
