package models

import "time"

// ActiveCategorySelection points an account at the one active subscription
// whose dashboard is currently selected.
type ActiveCategorySelection struct {
	AccountID      string    `db:"account_id" json:"account_id"`
	Category       Category  `db:"category" json:"category"`
	SubscriptionID string    `db:"subscription_id" json:"subscription_id"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
