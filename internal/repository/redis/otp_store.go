package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketplace-identity/internal/client"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/util"
)

const (
	otpPrefix  = "otp:"
	opTimeout  = 5 * time.Second
	fieldID    = "challenge_id"
	fieldHash  = "code_hash"
	fieldSalt  = "code_salt"
	fieldPep   = "pepper_version"
	fieldIss   = "issued_at"
	fieldExp   = "expires_at"
	fieldRes   = "resend_at"
	fieldCons  = "consumed"
	fieldTries = "attempts"
)

// issueScript refuses to overwrite an unconsumed challenge that is still in
// its resend cooldown and returns the remaining milliseconds in that case.
var issueScript = goredis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'consumed', 'resend_at')
if cur[1] == '0' and cur[2] and tonumber(cur[2]) > tonumber(ARGV[1]) then
  return tonumber(cur[2]) - tonumber(ARGV[1])
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 0
`)

// consumeScript also refuses a challenge whose attempt budget was overrun,
// so a consume that skipped reservation cannot bypass the lock.
var consumeScript = goredis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'challenge_id', 'consumed', 'attempts')
if cur[1] ~= ARGV[1] then
  return -1
end
if cur[2] == '1' then
  return 0
end
local max = tonumber(ARGV[2])
if max > 0 and tonumber(cur[3] or '0') > max then
  return -2
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`)

// attemptScript reserves one verification attempt before the code is
// compared. Return codes: -1 superseded, -2 consumed, -3 exhausted.
var attemptScript = goredis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'challenge_id', 'consumed', 'attempts')
if cur[1] ~= ARGV[1] then
  return -1
end
if cur[2] == '1' then
  return -2
end
local max = tonumber(ARGV[2])
if max > 0 and tonumber(cur[3] or '0') >= max then
  return -3
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

// OTPStore keeps one hash per (purpose, phone). Every mutation is a Lua
// script so supersede, consume and attempt counting are single steps.
type OTPStore struct {
	client *client.RedisClient
}

var _ repository.OTPStore = (*OTPStore)(nil)

func NewOTPStore(client *client.RedisClient) *OTPStore {
	return &OTPStore{client: client}
}

func otpKey(phone string, purpose models.OTPPurpose) string {
	return otpPrefix + string(purpose) + ":" + phone
}

func (s *OTPStore) Get(ctx context.Context, phone string, purpose models.OTPPurpose) (*models.OTPChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, otpKey(phone, purpose))
	if err != nil {
		util.Error("Failed to read OTP challenge",
			util.Phone(phone),
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read OTP challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}
	return decodeChallenge(phone, purpose, fields)
}

func (s *OTPStore) Issue(ctx context.Context, ch *models.OTPChallenge, ttl time.Duration, now time.Time) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args := []interface{}{now.UnixMilli(), ttl.Milliseconds()}
	args = append(args,
		fieldID, ch.ChallengeID,
		fieldHash, ch.CodeHash,
		fieldSalt, ch.CodeSalt,
		fieldPep, ch.PepperVersion,
		fieldIss, ch.IssuedAt.UnixMilli(),
		fieldExp, ch.ExpiresAt.UnixMilli(),
		fieldRes, ch.ResendAvailableAt.UnixMilli(),
		fieldCons, boolFlag(ch.Consumed),
		fieldTries, ch.Attempts,
	)

	res, err := s.client.Eval(ctx, issueScript, []string{otpKey(ch.Phone, ch.Purpose)}, args...)
	if err != nil {
		util.Error("Failed to issue OTP challenge",
			util.Phone(ch.Phone),
			zap.String("purpose", string(ch.Purpose)),
			zap.Error(err))
		return 0, fmt.Errorf("failed to issue OTP challenge: %w", err)
	}
	remainingMs, _ := res.(int64)
	if remainingMs > 0 {
		return time.Duration(remainingMs) * time.Millisecond, nil
	}

	util.Debug("OTP challenge stored",
		util.Phone(ch.Phone),
		zap.String("purpose", string(ch.Purpose)),
		zap.Duration("ttl", ttl))
	return 0, nil
}

func (s *OTPStore) Consume(ctx context.Context, phone string, purpose models.OTPPurpose, challengeID string, maxAttempts int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, consumeScript, []string{otpKey(phone, purpose)}, challengeID, maxAttempts)
	if err != nil {
		util.Error("Failed to consume OTP challenge", util.Phone(phone), zap.Error(err))
		return false, fmt.Errorf("failed to consume OTP challenge: %w", err)
	}
	n, _ := res.(int64)
	if n == -2 {
		return false, repository.ErrExhausted
	}
	return n == 1, nil
}

func (s *OTPStore) ReserveAttempt(ctx context.Context, phone string, purpose models.OTPPurpose, challengeID string, maxAttempts int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, attemptScript, []string{otpKey(phone, purpose)}, challengeID, maxAttempts)
	if err != nil {
		util.Error("Failed to reserve OTP attempt", util.Phone(phone), zap.Error(err))
		return 0, fmt.Errorf("failed to reserve OTP attempt: %w", err)
	}
	n, _ := res.(int64)
	switch n {
	case -1:
		return 0, repository.ErrConflict
	case -2:
		return 0, repository.ErrConsumed
	case -3:
		return 0, repository.ErrExhausted
	}
	return int(n), nil
}

func decodeChallenge(phone string, purpose models.OTPPurpose, f map[string]string) (*models.OTPChallenge, error) {
	ms := func(field string) (time.Time, error) {
		v, err := strconv.ParseInt(f[field], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("corrupt OTP field %s: %w", field, err)
		}
		return time.UnixMilli(v).UTC(), nil
	}

	issued, err := ms(fieldIss)
	if err != nil {
		return nil, err
	}
	expires, err := ms(fieldExp)
	if err != nil {
		return nil, err
	}
	resend, err := ms(fieldRes)
	if err != nil {
		return nil, err
	}
	pepper, _ := strconv.Atoi(f[fieldPep])
	attempts, _ := strconv.Atoi(f[fieldTries])

	return &models.OTPChallenge{
		ChallengeID:       f[fieldID],
		Phone:             phone,
		Purpose:           purpose,
		CodeHash:          f[fieldHash],
		CodeSalt:          f[fieldSalt],
		PepperVersion:     pepper,
		IssuedAt:          issued,
		ExpiresAt:         expires,
		ResendAvailableAt: resend,
		Consumed:          f[fieldCons] == "1",
		Attempts:          attempts,
	}, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
