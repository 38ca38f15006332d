package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"marketplace-identity/internal/config"
)

const (
	audienceSession = "session"
	audienceReset   = "password_reset"
)

var ErrInvalidToken = errors.New("invalid token")

type SessionClaims struct {
	jwt.RegisteredClaims
}

// ResetClaims bind a password reset to the OTP challenge that authorized it.
type ResetClaims struct {
	PhoneHash   string `json:"phone_hash"`
	ChallengeID string `json:"challenge_id"`
	jwt.RegisteredClaims
}

// Manager signs HS256 session tokens and password-reset tickets.
type Manager struct {
	secret     []byte
	issuer     string
	sessionTTL time.Duration
	resetTTL   time.Duration
	now        func() time.Time
}

func NewManager(cfg config.JWTConfig) *Manager {
	return &Manager{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		sessionTTL: cfg.SessionTTL,
		resetTTL:   cfg.ResetTicketTTL,
		now:        time.Now,
	}
}

// WithClock overrides the clock used for issuing and validating.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) ResetTTL() time.Duration {
	return m.resetTTL
}

func (m *Manager) SessionTTL() time.Duration {
	return m.sessionTTL
}

func (m *Manager) IssueSession(accountID string) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.sessionTTL)
	claims := SessionClaims{RegisteredClaims: m.registered(accountID, audienceSession, now, exp)}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, exp, nil
}

func (m *Manager) ParseSession(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := m.parse(raw, claims, audienceSession); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *Manager) IssueResetTicket(accountID, phoneHash, challengeID string) (string, error) {
	now := m.now()
	claims := ResetClaims{
		PhoneHash:        phoneHash,
		ChallengeID:      challengeID,
		RegisteredClaims: m.registered(accountID, audienceReset, now, now.Add(m.resetTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign reset ticket: %w", err)
	}
	return signed, nil
}

func (m *Manager) ParseResetTicket(raw string) (*ResetClaims, error) {
	claims := &ResetClaims{}
	if err := m.parse(raw, claims, audienceReset); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *Manager) registered(subject, audience string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
}

func (m *Manager) parse(raw string, claims jwt.Claims, audience string) error {
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}
