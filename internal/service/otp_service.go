package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/events"
	"marketplace-identity/internal/hashing"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/sms"
	"marketplace-identity/internal/util"
)

const requestWindow = time.Hour

type OTPIssueResult struct {
	ChallengeIssued          bool `json:"challenge_issued"`
	CooldownSecondsRemaining int  `json:"cooldown_seconds_remaining"`
	ExpiresInSeconds         int  `json:"expires_in_seconds"`
}

type OTPVerifyResult struct {
	Verified    bool   `json:"verified"`
	ChallengeID string `json:"challenge_id"`
}

// OTPService issues and verifies one-time codes delivered by SMS. Codes are
// never stored in clear: the store holds an argon2id hash bound to the
// purpose and phone.
type OTPService struct {
	store      repository.OTPStore
	counter    repository.RequestCounter
	hasher     *hashing.Hasher
	dispatcher sms.Dispatcher
	observers  *Observers
	cfg        config.OTPConfig
	smsTimeout time.Duration
	now        func() time.Time
	generate   func(length int) (string, error)
}

func NewOTPService(
	store repository.OTPStore,
	counter repository.RequestCounter,
	hasher *hashing.Hasher,
	dispatcher sms.Dispatcher,
	observers *Observers,
	cfg config.OTPConfig,
	smsTimeout time.Duration,
) *OTPService {
	return &OTPService{
		store:      store,
		counter:    counter,
		hasher:     hasher,
		dispatcher: dispatcher,
		observers:  observers,
		cfg:        cfg,
		smsTimeout: smsTimeout,
		now:        time.Now,
		generate:   generateCode,
	}
}

func (s *OTPService) WithClock(now func() time.Time) *OTPService {
	s.now = now
	return s
}

func (s *OTPService) WithCodeGenerator(gen func(length int) (string, error)) *OTPService {
	s.generate = gen
	return s
}

// RequestCode issues a fresh code for (phone, purpose), superseding any
// earlier one, unless the earlier one is still inside its resend cooldown.
func (s *OTPService) RequestCode(ctx context.Context, phone string, purpose models.OTPPurpose) (*OTPIssueResult, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}
	now := s.now()

	current, err := s.store.Get(ctx, phone, purpose)
	switch {
	case err == nil:
		if remaining := current.ResendRemaining(now); remaining > 0 {
			s.countRequest(purpose, "throttled")
			return nil, &ThrottledError{Remaining: remaining}
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	if s.cfg.MaxRequestsPerHour > 0 {
		hits, err := s.counter.Hit(ctx, phone, requestWindow)
		if err != nil {
			return nil, err
		}
		if hits > int64(s.cfg.MaxRequestsPerHour) {
			s.countRequest(purpose, "rate_limited")
			util.Warn("OTP hourly request cap reached", util.Phone(phone), zap.String("purpose", string(purpose)))
			return nil, ErrTooManyRequests
		}
	}

	code, err := s.generate(s.cfg.Length)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	hashed, err := s.hasher.HashOTP(code, codeContext(phone, purpose))
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	challenge := &models.OTPChallenge{
		ChallengeID:       uuid.NewString(),
		Phone:             phone,
		Purpose:           purpose,
		CodeHash:          hashed.Hash,
		CodeSalt:          hashed.Salt,
		PepperVersion:     hashed.PepperVersion,
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.cfg.TTL),
		ResendAvailableAt: now.Add(s.cfg.ResendCooldown),
	}
	remaining, err := s.store.Issue(ctx, challenge, s.cfg.TTL+s.cfg.Retention, now)
	if err != nil {
		s.releaseSlot(ctx, phone)
		return nil, err
	}
	if remaining > 0 {
		// A concurrent request issued first; this one sent nothing.
		s.releaseSlot(ctx, phone)
		s.countRequest(purpose, "throttled")
		return nil, &ThrottledError{Remaining: remaining}
	}

	s.dispatch(ctx, phone, code)
	s.countRequest(purpose, "issued")
	s.observers.publish(ctx, events.Event{
		Stream:     events.StreamOTP,
		Type:       events.TypeOTPIssued,
		Key:        s.hasher.PhoneHash(phone),
		OccurredAt: now,
		Data: map[string]interface{}{
			"challenge_id": challenge.ChallengeID,
			"purpose":      string(purpose),
		},
	})

	return &OTPIssueResult{
		ChallengeIssued:          true,
		CooldownSecondsRemaining: seconds(s.cfg.ResendCooldown),
		ExpiresInSeconds:         seconds(s.cfg.TTL),
	}, nil
}

func (s *OTPService) releaseSlot(ctx context.Context, phone string) {
	if s.cfg.MaxRequestsPerHour <= 0 {
		return
	}
	if err := s.counter.Release(ctx, phone); err != nil {
		util.Warn("OTP request slot not released", util.Phone(phone), zap.Error(err))
	}
}

// VerifyCode checks code against the current challenge and consumes it on a
// match. Exactly one of several concurrent correct submissions succeeds.
func (s *OTPService) VerifyCode(ctx context.Context, phone string, purpose models.OTPPurpose, code string) (*OTPVerifyResult, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}

	res, err := s.verify(ctx, phone, purpose, strings.TrimSpace(code))
	s.observers.Metrics.OTPVerifications.WithLabelValues(string(purpose), verifyResult(err)).Inc()
	return res, err
}

func (s *OTPService) verify(ctx context.Context, phone string, purpose models.OTPPurpose, code string) (*OTPVerifyResult, error) {
	now := s.now()
	ch, err := s.store.Get(ctx, phone, purpose)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrOTPNotFound
	}
	if err != nil {
		return nil, err
	}

	switch {
	case ch.Consumed:
		return nil, ErrOTPAlreadyConsumed
	case ch.Expired(now):
		return nil, ErrOTPExpired
	case s.cfg.MaxAttempts > 0 && ch.Attempts >= s.cfg.MaxAttempts:
		return nil, ErrTooManyAttempts
	}

	// The attempt is counted before the compare so concurrent guesses
	// cannot all read the same pre-lock counter.
	attempts, err := s.store.ReserveAttempt(ctx, phone, purpose, ch.ChallengeID, s.cfg.MaxAttempts)
	switch {
	case errors.Is(err, repository.ErrExhausted):
		return nil, ErrTooManyAttempts
	case errors.Is(err, repository.ErrConsumed):
		return nil, ErrOTPAlreadyConsumed
	case errors.Is(err, repository.ErrConflict):
		// Superseded between the read and the reservation.
		return nil, ErrOTPMismatch
	case err != nil:
		return nil, err
	}

	ok, err := s.hasher.VerifyOTP(code, codeContext(phone, purpose), &hashing.HashResult{
		Hash:          ch.CodeHash,
		Salt:          ch.CodeSalt,
		PepperVersion: ch.PepperVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify code: %w", err)
	}
	if !ok {
		if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
			util.Warn("OTP challenge locked after repeated mismatches",
				util.Phone(phone),
				zap.String("purpose", string(purpose)),
				zap.Int("attempts", attempts))
		}
		return nil, ErrOTPMismatch
	}

	consumed, err := s.store.Consume(ctx, phone, purpose, ch.ChallengeID, s.cfg.MaxAttempts)
	if errors.Is(err, repository.ErrExhausted) {
		return nil, ErrTooManyAttempts
	}
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, ErrOTPAlreadyConsumed
	}
	return &OTPVerifyResult{Verified: true, ChallengeID: ch.ChallengeID}, nil
}

// ChallengeConsumed reports whether challengeID is the current challenge for
// (phone, purpose) and has been consumed.
func (s *OTPService) ChallengeConsumed(ctx context.Context, phone string, purpose models.OTPPurpose, challengeID string) (bool, error) {
	ch, err := s.store.Get(ctx, phone, purpose)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ch.ChallengeID == challengeID && ch.Consumed, nil
}

// Issuance returns what RequestCode reports for a fresh code, without
// issuing one.
func (s *OTPService) Issuance() *OTPIssueResult {
	return &OTPIssueResult{
		ChallengeIssued:          true,
		CooldownSecondsRemaining: seconds(s.cfg.ResendCooldown),
		ExpiresInSeconds:         seconds(s.cfg.TTL),
	}
}

func (s *OTPService) dispatch(ctx context.Context, phone, code string) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.smsTimeout)
	defer cancel()

	msg := fmt.Sprintf(s.cfg.MessageTemplate, code, int(s.cfg.TTL.Minutes()))
	if err := s.dispatcher.Send(sendCtx, phone, msg); err != nil {
		s.observers.Metrics.SMSDispatchFailures.Inc()
		util.Error("Failed to dispatch OTP SMS", util.Phone(phone), zap.Error(err))
	}
}

func (s *OTPService) countRequest(purpose models.OTPPurpose, result string) {
	s.observers.Metrics.OTPRequests.WithLabelValues(string(purpose), result).Inc()
}

func codeContext(phone string, purpose models.OTPPurpose) string {
	return string(purpose) + ":" + phone
}

func verifyResult(err error) string {
	switch {
	case err == nil:
		return "verified"
	case errors.Is(err, ErrOTPMismatch):
		return "mismatch"
	case errors.Is(err, ErrOTPExpired):
		return "expired"
	case errors.Is(err, ErrOTPNotFound):
		return "not_found"
	case errors.Is(err, ErrOTPAlreadyConsumed):
		return "consumed"
	case errors.Is(err, ErrTooManyAttempts):
		return "locked"
	default:
		return "error"
	}
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// generateCode draws each digit uniformly from crypto/rand.
func generateCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
