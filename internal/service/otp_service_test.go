package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/events"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	redisrepo "marketplace-identity/internal/repository/redis"
)

func TestVerifyCodeMismatchThenSuccessThenConsumed(t *testing.T) {
	h := newHarness(t)

	res, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	require.NoError(t, err)
	assert.True(t, res.ChallengeIssued)
	assert.Equal(t, 120, res.CooldownSecondsRemaining)
	assert.Equal(t, 600, res.ExpiresInSeconds)
	h.sms.AssertCalled(t, "Send", mock.Anything, testPhone,
		"Your verification code is 123456. It expires in 10 minutes.")

	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "654321")
	assert.ErrorIs(t, err, ErrOTPMismatch)

	ok, err := h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "123456")
	require.NoError(t, err)
	assert.True(t, ok.Verified)
	assert.NotEmpty(t, ok.ChallengeID)

	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "123456")
	assert.ErrorIs(t, err, ErrOTPAlreadyConsumed)
}

func TestRequestCodeWithinCooldownSendsOneMessage(t *testing.T) {
	h := newHarness(t)

	_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)

	h.advance(30 * time.Second)
	for i := 0; i < 3; i++ {
		_, err = h.otp.RequestCode(h.ctx, "+233244000000", models.PurposeLogin)
		var throttled *ThrottledError
		require.True(t, errors.As(err, &throttled))
		assert.Equal(t, 90, throttled.CooldownSeconds())
	}
	assert.Equal(t, 1, h.sentMessages())
	assert.Len(t, h.events.OfType(events.TypeOTPIssued), 1)

	h.advance(91 * time.Second)
	_, err = h.otp.RequestCode(h.ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, 2, h.sentMessages())
}

func TestCooldownIsPerPurpose(t *testing.T) {
	h := newHarness(t)

	_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	require.NoError(t, err)
	_, err = h.otp.RequestCode(h.ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)

	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposePasswordReset, "123456")
	assert.ErrorIs(t, err, ErrOTPNotFound)
}

func TestNewCodeSupersedesPrevious(t *testing.T) {
	h := newHarness(t)
	h.codes.codes = []string{"111111", "222222"}

	_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	require.NoError(t, err)
	h.advance(2 * time.Minute)
	_, err = h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	require.NoError(t, err)

	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "111111")
	assert.ErrorIs(t, err, ErrOTPMismatch)
	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "222222")
	assert.NoError(t, err)
}

func TestRepeatedRequestsKeepOneOutstandingChallenge(t *testing.T) {
	h := newHarness(t)
	h.codes.codes = []string{"100001", "100002", "100003", "100004"}

	for i := 0; i < 4; i++ {
		_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeLogin)
		require.NoError(t, err)
		h.advance(2 * time.Minute)
	}

	for _, old := range []string{"100001", "100002", "100003"} {
		_, err := h.otp.VerifyCode(h.ctx, testPhone, models.PurposeLogin, old)
		assert.ErrorIs(t, err, ErrOTPMismatch, old)
	}
	_, err := h.otp.VerifyCode(h.ctx, testPhone, models.PurposeLogin, "100004")
	assert.NoError(t, err)
}

func TestVerifyCodeExpired(t *testing.T) {
	h := newHarness(t)

	_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	require.NoError(t, err)

	h.advance(10*time.Minute + time.Second)
	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "123456")
	assert.ErrorIs(t, err, ErrOTPExpired)

	// Past the retention window the challenge is gone entirely.
	h.advance(10 * time.Minute)
	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "123456")
	assert.ErrorIs(t, err, ErrOTPNotFound)
}

func TestVerifyCodeLocksAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)

	_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "000000")
		assert.ErrorIs(t, err, ErrOTPMismatch)
	}
	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "123456")
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	// Still inside the cooldown: a locked challenge does not bypass it.
	_, err = h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	var throttled *ThrottledError
	assert.True(t, errors.As(err, &throttled))

	h.advance(2 * time.Minute)
	_, err = h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	require.NoError(t, err)
	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "123456")
	assert.NoError(t, err)
}

func TestConcurrentCorrectSubmissionsHaveOneWinner(t *testing.T) {
	h := newHarness(t)

	_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	require.NoError(t, err)

	n := h.cfg.OTP.MaxAttempts
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		consumed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "123456")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrOTPAlreadyConsumed):
				consumed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, consumed)
}

func TestConcurrentMismatchesCannotExceedMaxAttempts(t *testing.T) {
	h := newHarness(t)

	_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)

	const n = 40
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		mismatches int
		locked     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.otp.VerifyCode(h.ctx, testPhone, models.PurposeLogin, "000000")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrOTPMismatch):
				mismatches++
			case errors.Is(err, ErrTooManyAttempts):
				locked++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, h.cfg.OTP.MaxAttempts, mismatches, "only MaxAttempts guesses reach the compare")
	assert.Equal(t, n-h.cfg.OTP.MaxAttempts, locked)

	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeLogin, "123456")
	assert.ErrorIs(t, err, ErrTooManyAttempts, "the correct code is refused once locked")
}

func TestSMSFailureDoesNotFailRequest(t *testing.T) {
	h := newHarness(t)
	h.sms.ExpectedCalls = nil
	h.sms.On("Send", mock.Anything, testPhone, mock.Anything).Return(errors.New("carrier down")).Once()

	res, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeRegister)
	require.NoError(t, err)
	assert.True(t, res.ChallengeIssued)
	h.sms.AssertExpectations(t)

	_, err = h.otp.VerifyCode(h.ctx, testPhone, models.PurposeRegister, "123456")
	assert.NoError(t, err)
}

func TestHourlyRequestCap(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.OTP.MaxRequestsPerHour = 2
		c.OTP.ResendCooldown = time.Second
	})

	for i := 0; i < 2; i++ {
		_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeLogin)
		require.NoError(t, err)
		h.advance(2 * time.Second)
	}
	_, err := h.otp.RequestCode(h.ctx, testPhone, models.PurposeLogin)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	h.advance(time.Hour + time.Second)
	_, err = h.otp.RequestCode(h.ctx, testPhone, models.PurposeLogin)
	assert.NoError(t, err)
}

// lateIssueStore behaves as if another request issued between the cooldown
// check and the write.
type lateIssueStore struct {
	repository.OTPStore
}

func (lateIssueStore) Issue(context.Context, *models.OTPChallenge, time.Duration, time.Time) (time.Duration, error) {
	return 90 * time.Second, nil
}

func TestLostIssueRaceReleasesRequestSlot(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.OTP.MaxRequestsPerHour = 1
	})
	racing := NewOTPService(
		lateIssueStore{redisrepo.NewOTPStore(h.rc)},
		redisrepo.NewRequestCounter(h.rc),
		h.flow.hasher,
		h.sms,
		NewObservers(h.events, h.audit, nil, h.metrics),
		h.cfg.OTP,
		h.cfg.SMS.Timeout,
	).WithClock(h.clock.Now).WithCodeGenerator(h.codes.next)

	_, err := racing.RequestCode(h.ctx, testPhone, models.PurposeLogin)
	var throttled *ThrottledError
	require.True(t, errors.As(err, &throttled))
	assert.Equal(t, 90*time.Second, throttled.Remaining)
	assert.Zero(t, h.sentMessages())

	// The only slot in the window is still available.
	_, err = h.otp.RequestCode(h.ctx, testPhone, models.PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, 1, h.sentMessages())
}

func TestRequestCodeRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.otp.RequestCode(h.ctx, "12345", models.PurposeRegister)
	assert.ErrorIs(t, err, ErrInvalidPhone)
	_, err = h.otp.RequestCode(h.ctx, testPhone, models.OTPPurpose("signup"))
	assert.ErrorIs(t, err, ErrInvalidPurpose)
	assert.Equal(t, 0, h.sentMessages())
}

func TestGenerateCodeIsNumeric(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := generateCode(6)
		require.NoError(t, err)
		assert.Len(t, code, 6)
		for _, c := range code {
			assert.True(t, c >= '0' && c <= '9')
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0244000000", "0244000000", false},
		{"+233244000000", "0244000000", false},
		{"233244000000", "0244000000", false},
		{"024 400-0000", "0244000000", false},
		{"244000000", "", true},
		{"0044000000", "", true},
		{"02440000001", "", true},
		{"02440abc00", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
