package models

import "time"

// Account is the identity anchor. The phone number is stored only as a
// salted hash (lookup key) and an envelope-encrypted blob.
type Account struct {
	AccountID       string     `db:"account_id" json:"account_id"`
	PhoneHash       string     `db:"phone_hash" json:"-"`
	PhoneEncrypted  string     `db:"phone_encrypted" json:"-"`
	PhoneDEK        string     `db:"phone_dek" json:"-"`
	PhoneKeyID      string     `db:"phone_key_id" json:"-"`
	Email           string     `db:"email" json:"email,omitempty"`
	DisplayName     string     `db:"display_name" json:"display_name"`
	PasswordHash    string     `db:"password_hash" json:"-"`
	PhoneVerifiedAt *time.Time `db:"phone_verified_at" json:"phone_verified_at,omitempty"`
	IsBlocked       bool       `db:"is_blocked" json:"is_blocked"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}
