package service

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrOTPNotFound        = errors.New("no verification code issued")
	ErrOTPExpired         = errors.New("verification code expired")
	ErrOTPMismatch        = errors.New("verification code does not match")
	ErrOTPAlreadyConsumed = errors.New("verification code already used")
	ErrTooManyAttempts    = errors.New("too many incorrect attempts")
	ErrTooManyRequests    = errors.New("too many verification codes requested")

	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrInvalidPurpose      = errors.New("invalid verification purpose")
	ErrInvalidCategory     = errors.New("invalid category")
	ErrInvalidBillingCycle = errors.New("invalid billing cycle")
	ErrInvalidAmount       = errors.New("amount does not match subscription price")
	ErrInvalidProfile      = errors.New("display name contains disallowed characters")

	ErrAlreadyActive          = errors.New("category subscription already active")
	ErrNotSubscribed          = errors.New("category subscription not active")
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrSubscriptionNotPending = errors.New("subscription is not awaiting payment")
	ErrStaleSubscription      = errors.New("subscription has been superseded")

	ErrUnknownReference    = errors.New("unknown payment reference")
	ErrPaymentNotSucceeded = errors.New("payment has not succeeded")
	ErrPaymentPending      = errors.New("payment outcome not yet known")
	ErrInvalidSignature    = errors.New("invalid webhook signature")

	ErrAccountExists      = errors.New("account already exists for this phone")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountBlocked     = errors.New("account is blocked")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidTicket      = errors.New("invalid or expired reset ticket")
	ErrInvalidSession     = errors.New("invalid or expired session")
)

// ThrottledError is returned when a new code is requested inside the resend
// cooldown of the previous one.
type ThrottledError struct {
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("resend available in %d seconds", e.CooldownSeconds())
}

// CooldownSeconds rounds up so callers never retry early.
func (e *ThrottledError) CooldownSeconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

type GatewayUnavailableError struct {
	Cause error
}

func (e *GatewayUnavailableError) Error() string {
	return fmt.Sprintf("payment gateway unavailable: %v", e.Cause)
}

func (e *GatewayUnavailableError) Unwrap() error {
	return e.Cause
}
