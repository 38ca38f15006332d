package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketplace-identity/internal/client"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/util"
)

const (
	ticketPrefix     = "ticket_used:"
	otpRequestPrefix = "otp_requests:"
)

// TicketStore records used reset tickets so each can be redeemed once.
type TicketStore struct {
	client *client.RedisClient
}

var _ repository.TicketStore = (*TicketStore)(nil)

func NewTicketStore(client *client.RedisClient) *TicketStore {
	return &TicketStore{client: client}
}

func (s *TicketStore) Burn(ctx context.Context, ticketID string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, ticketPrefix+ticketID, "1", ttl)
	if err != nil {
		util.Error("Failed to burn ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		return false, fmt.Errorf("failed to burn ticket: %w", err)
	}
	return ok, nil
}

// RequestCounter is a fixed-window counter of OTP requests per phone.
type RequestCounter struct {
	client *client.RedisClient
}

var _ repository.RequestCounter = (*RequestCounter)(nil)

func NewRequestCounter(client *client.RedisClient) *RequestCounter {
	return &RequestCounter{client: client}
}

func (c *RequestCounter) Hit(ctx context.Context, phone string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := c.client.IncrWithExpire(ctx, otpRequestPrefix+phone, window)
	if err != nil {
		util.Error("Failed to count OTP request", util.Phone(phone), zap.Error(err))
		return 0, fmt.Errorf("failed to count OTP request: %w", err)
	}
	return n, nil
}

// Release gives back one hit, for requests that were counted but issued
// nothing.
func (c *RequestCounter) Release(ctx context.Context, phone string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.client.DecrIfPositive(ctx, otpRequestPrefix+phone); err != nil {
		util.Error("Failed to release OTP request slot", util.Phone(phone), zap.Error(err))
		return fmt.Errorf("failed to release OTP request slot: %w", err)
	}
	return nil
}
