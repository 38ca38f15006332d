package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"marketplace-identity/internal/client"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/util"
)

const sessionRevokedPrefix = "session_revoked:"

// SessionCache remembers, per account, the moment before which issued
// session tokens are no longer accepted.
type SessionCache struct {
	client *client.RedisClient
}

var _ repository.SessionRevocationStore = (*SessionCache)(nil)

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// RevokeAll invalidates every session issued before at. The marker outlives
// the longest session by ttl and then expires on its own.
func (c *SessionCache) RevokeAll(ctx context.Context, accountID string, at time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, sessionRevokedPrefix+accountID, at.Unix(), ttl); err != nil {
		util.Error("Failed to revoke sessions", zap.String("account_id", accountID), zap.Error(err))
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	util.Debug("Sessions revoked", zap.String("account_id", accountID), zap.Time("before", at))
	return nil
}

// RevokedBefore returns the zero time when nothing has been revoked.
func (c *SessionCache) RevokedBefore(ctx context.Context, accountID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, sessionRevokedPrefix+accountID)
	if errors.Is(err, client.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read session revocation: %w", err)
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt session revocation for %s: %w", accountID, err)
	}
	return time.Unix(secs, 0), nil
}
