package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-identity/internal/config"
)

func testManager(now func() time.Time) *Manager {
	return NewManager(config.JWTConfig{
		Secret:         "test-secret-test-secret-test-secret",
		Issuer:         "marketplace-identity",
		SessionTTL:     time.Hour,
		ResetTicketTTL: 10 * time.Minute,
	}).WithClock(now)
}

func TestSessionRoundTrip(t *testing.T) {
	m := testManager(time.Now)

	raw, exp, err := m.IssueSession("acct-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := m.ParseSession(raw)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.Subject)
}

func TestResetTicketIsNotASession(t *testing.T) {
	m := testManager(time.Now)

	ticket, err := m.IssueResetTicket("acct-1", "hash", "challenge-1")
	require.NoError(t, err)

	_, err = m.ParseSession(ticket)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := m.ParseResetTicket(ticket)
	require.NoError(t, err)
	assert.Equal(t, "challenge-1", claims.ChallengeID)
	assert.Equal(t, "hash", claims.PhoneHash)
	assert.NotEmpty(t, claims.ID)
}

func TestExpiredTicketRejected(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := issuedAt
	m := testManager(func() time.Time { return clock })

	ticket, err := m.IssueResetTicket("acct-1", "hash", "challenge-1")
	require.NoError(t, err)

	clock = issuedAt.Add(11 * time.Minute)
	_, err = m.ParseResetTicket(ticket)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTamperedTokenRejected(t *testing.T) {
	m := testManager(time.Now)
	raw, _, err := m.IssueSession("acct-1")
	require.NoError(t, err)

	other := NewManager(config.JWTConfig{Secret: "another-secret", Issuer: "marketplace-identity", SessionTTL: time.Hour})
	_, err = other.ParseSession(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
