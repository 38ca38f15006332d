package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-identity/internal/encryption"
	"marketplace-identity/internal/hashing"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/token"
	"marketplace-identity/internal/util"
)

type RegistrationStage string

const (
	StageAwaitingCategory RegistrationStage = "awaiting_category"
	StageAwaitingPayment  RegistrationStage = "awaiting_payment"
	StageProvisioned      RegistrationStage = "provisioned"
)

type Profile struct {
	DisplayName string
	Email       string
	Password    string
}

type Session struct {
	AccountID string    `json:"account_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FlowService drives registration, login and password recovery. Every step
// re-derives its preconditions from stored state.
type FlowService struct {
	accounts   repository.AccountRepository
	tickets    repository.TicketStore
	sessions   repository.SessionRevocationStore
	otp        *OTPService
	ledger     *LedgerService
	tokens     *token.Manager
	hasher     *hashing.Hasher
	encryption *encryption.EncryptionManager
	now        func() time.Time
}

func NewFlowService(
	accounts repository.AccountRepository,
	tickets repository.TicketStore,
	sessions repository.SessionRevocationStore,
	otp *OTPService,
	ledger *LedgerService,
	tokens *token.Manager,
	hasher *hashing.Hasher,
	enc *encryption.EncryptionManager,
) *FlowService {
	return &FlowService{
		accounts:   accounts,
		tickets:    tickets,
		sessions:   sessions,
		otp:        otp,
		ledger:     ledger,
		tokens:     tokens,
		hasher:     hasher,
		encryption: enc,
		now:        time.Now,
	}
}

func (s *FlowService) WithClock(now func() time.Time) *FlowService {
	s.now = now
	return s
}

func (s *FlowService) BeginRegistration(ctx context.Context, phone string) (*OTPIssueResult, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if _, err := s.lookup(ctx, phone); err == nil {
		return nil, ErrAccountExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	return s.otp.RequestCode(ctx, phone, models.PurposeRegister)
}

// CompleteRegistration creates the account once the registration code is
// verified. Concurrent completions for one phone yield a single account.
func (s *FlowService) CompleteRegistration(ctx context.Context, phone, code string, profile Profile) (*Session, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if _, err := s.lookup(ctx, phone); err == nil {
		return nil, ErrAccountExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	if util.ContainsSuspicious(profile.DisplayName) {
		return nil, ErrInvalidProfile
	}

	if _, err := s.otp.VerifyCode(ctx, phone, models.PurposeRegister, code); err != nil {
		return nil, err
	}

	encrypted, err := s.encryption.EncryptField(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt phone: %w", err)
	}
	var passwordHash string
	if profile.Password != "" {
		if passwordHash, err = s.hasher.HashPassword(profile.Password); err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
	}

	now := s.now()
	account := &models.Account{
		AccountID:       uuid.NewString(),
		PhoneHash:       s.hasher.PhoneHash(phone),
		PhoneEncrypted:  encrypted.EncryptedValue,
		PhoneDEK:        encrypted.EncryptedDEK,
		PhoneKeyID:      encrypted.KeyID,
		Email:           strings.TrimSpace(profile.Email),
		DisplayName:     util.SanitizeInput(profile.DisplayName),
		PasswordHash:    passwordHash,
		PhoneVerifiedAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrAccountExists
		}
		return nil, err
	}

	util.Info("Account registered", zap.String("account_id", account.AccountID), util.Phone(phone))
	return s.session(account.AccountID)
}

// RegistrationStage derives where the account is in onboarding from its
// subscription rows.
func (s *FlowService) RegistrationStage(ctx context.Context, accountID string) (RegistrationStage, error) {
	if _, err := s.accounts.GetByID(ctx, accountID); errors.Is(err, repository.ErrNotFound) {
		return "", ErrAccountNotFound
	} else if err != nil {
		return "", err
	}

	rows, err := s.ledger.ListForAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	stage := StageAwaitingCategory
	for _, r := range rows {
		switch r.Status {
		case models.StatusActive:
			return StageProvisioned, nil
		case models.StatusPendingPayment:
			stage = StageAwaitingPayment
		}
	}
	return stage, nil
}

func (s *FlowService) BeginLogin(ctx context.Context, phone string) (*OTPIssueResult, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	account, err := s.lookup(ctx, phone)
	if errors.Is(err, ErrAccountNotFound) {
		return s.otp.Issuance(), nil
	}
	if err != nil {
		return nil, err
	}
	if account.IsBlocked {
		return nil, ErrAccountBlocked
	}
	return s.otp.RequestCode(ctx, phone, models.PurposeLogin)
}

func (s *FlowService) CompleteLogin(ctx context.Context, phone, code string) (*Session, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	account, err := s.lookup(ctx, phone)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrOTPNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.otp.VerifyCode(ctx, phone, models.PurposeLogin, code); err != nil {
		return nil, err
	}
	if account.IsBlocked {
		return nil, ErrAccountBlocked
	}
	return s.session(account.AccountID)
}

func (s *FlowService) PasswordLogin(ctx context.Context, phone, password string) (*Session, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	account, err := s.lookup(ctx, phone)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if account.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	ok, err := s.hasher.VerifyPassword(password, account.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	if account.IsBlocked {
		return nil, ErrAccountBlocked
	}
	return s.session(account.AccountID)
}

// BeginRecovery answers the same way whether or not the phone has an
// account, so the endpoint cannot be used to enumerate numbers.
func (s *FlowService) BeginRecovery(ctx context.Context, phone string) (*OTPIssueResult, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if _, err := s.lookup(ctx, phone); errors.Is(err, ErrAccountNotFound) {
		util.Debug("Recovery requested for unknown phone", util.Phone(phone))
		return s.otp.Issuance(), nil
	} else if err != nil {
		return nil, err
	}
	return s.otp.RequestCode(ctx, phone, models.PurposePasswordReset)
}

// VerifyRecovery exchanges a verified recovery code for a short-lived reset
// ticket bound to the consumed challenge.
func (s *FlowService) VerifyRecovery(ctx context.Context, phone, code string) (string, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return "", err
	}
	account, err := s.lookup(ctx, phone)
	if errors.Is(err, ErrAccountNotFound) {
		return "", ErrOTPNotFound
	}
	if err != nil {
		return "", err
	}
	res, err := s.otp.VerifyCode(ctx, phone, models.PurposePasswordReset, code)
	if err != nil {
		return "", err
	}
	return s.tokens.IssueResetTicket(account.AccountID, account.PhoneHash, res.ChallengeID)
}

// ResetPassword accepts a ticket once. The challenge it names must still be
// the consumed recovery challenge for the account's phone.
func (s *FlowService) ResetPassword(ctx context.Context, ticket, newPassword string) error {
	claims, err := s.tokens.ParseResetTicket(ticket)
	if err != nil {
		return ErrInvalidTicket
	}
	account, err := s.accounts.GetByID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrInvalidTicket
	}
	if err != nil {
		return err
	}
	if account.PhoneHash != claims.PhoneHash {
		return ErrInvalidTicket
	}

	phone, err := s.encryption.DecryptField(ctx, &encryption.EncryptedData{
		EncryptedValue: account.PhoneEncrypted,
		EncryptedDEK:   account.PhoneDEK,
		KeyID:          account.PhoneKeyID,
	})
	if err != nil {
		return fmt.Errorf("failed to decrypt phone: %w", err)
	}
	consumed, err := s.otp.ChallengeConsumed(ctx, phone, models.PurposePasswordReset, claims.ChallengeID)
	if err != nil {
		return err
	}
	if !consumed {
		return ErrInvalidTicket
	}

	fresh, err := s.tickets.Burn(ctx, claims.ID, s.tokens.ResetTTL())
	if err != nil {
		return err
	}
	if !fresh {
		return ErrInvalidTicket
	}

	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	now := s.now()
	if err := s.accounts.UpdatePassword(ctx, account.AccountID, hash, now); err != nil {
		return err
	}
	if err := s.sessions.RevokeAll(ctx, account.AccountID, now, s.tokens.SessionTTL()); err != nil {
		return err
	}
	util.Info("Password reset", zap.String("account_id", account.AccountID))
	return nil
}

// Authenticate resolves a session token to its account. Tokens issued before
// the account's last password reset are rejected.
func (s *FlowService) Authenticate(ctx context.Context, raw string) (string, error) {
	claims, err := s.tokens.ParseSession(raw)
	if err != nil {
		return "", ErrInvalidSession
	}
	cutoff, err := s.sessions.RevokedBefore(ctx, claims.Subject)
	if err != nil {
		return "", err
	}
	if claims.IssuedAt == nil || claims.IssuedAt.Time.Before(cutoff) {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

func (s *FlowService) lookup(ctx context.Context, phone string) (*models.Account, error) {
	account, err := s.accounts.GetByPhoneHash(ctx, s.hasher.PhoneHash(phone))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return account, err
}

func (s *FlowService) session(accountID string) (*Session, error) {
	tok, exp, err := s.tokens.IssueSession(accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}
	return &Session{AccountID: accountID, Token: tok, ExpiresAt: exp}, nil
}
