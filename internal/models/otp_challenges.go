package models

import "time"

type OTPPurpose string

const (
	PurposeRegister      OTPPurpose = "register"
	PurposeLogin         OTPPurpose = "login"
	PurposePasswordReset OTPPurpose = "password_reset"
)

func (p OTPPurpose) Valid() bool {
	switch p {
	case PurposeRegister, PurposeLogin, PurposePasswordReset:
		return true
	}
	return false
}

// OTPChallenge is the single outstanding code for a (phone, purpose) pair.
type OTPChallenge struct {
	ChallengeID       string     `json:"challenge_id"`
	Phone             string     `json:"phone"`
	Purpose           OTPPurpose `json:"purpose"`
	CodeHash          string     `json:"code_hash"`
	CodeSalt          string     `json:"code_salt"`
	PepperVersion     int        `json:"pepper_version"`
	IssuedAt          time.Time  `json:"issued_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ResendAvailableAt time.Time  `json:"resend_available_at"`
	Consumed          bool       `json:"consumed"`
	Attempts          int        `json:"attempts"`
}

func (c *OTPChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ResendRemaining is how long the caller must wait before a new code may be
// issued for the same pair. Zero once the cooldown has passed.
func (c *OTPChallenge) ResendRemaining(now time.Time) time.Duration {
	if c.Consumed || !now.Before(c.ResendAvailableAt) {
		return 0
	}
	return c.ResendAvailableAt.Sub(now)
}
