package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marketplace-identity/internal/audit"
	"marketplace-identity/internal/bucketing"
	"marketplace-identity/internal/client"
	"marketplace-identity/internal/config"
	"marketplace-identity/internal/encryption"
	"marketplace-identity/internal/events"
	"marketplace-identity/internal/gateway"
	"marketplace-identity/internal/hashing"
	"marketplace-identity/internal/metrics"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository/memory"
	redisrepo "marketplace-identity/internal/repository/redis"
	"marketplace-identity/internal/token"
	"marketplace-identity/internal/util"
)

const testPhone = "0244000000"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Send(ctx context.Context, phone, message string) error {
	args := m.Called(ctx, phone, message)
	return args.Error(0)
}

// codeQueue hands out the queued codes in order and repeats the last one.
type codeQueue struct {
	mu    sync.Mutex
	codes []string
}

func (q *codeQueue) next(int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	code := q.codes[0]
	if len(q.codes) > 1 {
		q.codes = q.codes[1:]
	}
	return code, nil
}

type fakeGateway struct {
	mu        sync.Mutex
	secret    string
	createErr error
	outcome   models.PaymentOutcome
	verifyErr error
	requests  []gateway.CheckoutRequest
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.CheckoutSession{RedirectURL: "https://checkout.test/" + req.Reference, Reference: req.Reference}, nil
}

func (g *fakeGateway) VerifyTransaction(context.Context, string) (models.PaymentOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome, g.verifyErr
}

func (g *fakeGateway) VerifySignature(body []byte, signature string) bool {
	return signature == gateway.Sign(g.secret, body)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *fakeClock
	redis   *miniredis.Miniredis
	store   *memory.Store
	sms     *mockDispatcher
	codes   *codeQueue
	rc      *client.RedisClient
	gateway *fakeGateway
	events  *events.Recorder
	audit   *audit.MemoryRecorder
	metrics *metrics.Registry
	tokens  *token.Manager
	cfg     *config.Config

	otp      *OTPService
	ledger   *LedgerService
	payments *PaymentService
	selector *SelectorService
	flow     *FlowService
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		KMS:         config.KMSConfig{LocalMasterKey: "ZGV2LW1hc3Rlci1rZXktMzItYnl0ZXMtbG9uZy0hISE="},
		JWT: config.JWTConfig{
			Secret:         "test-secret-test-secret-test-secret",
			Issuer:         "marketplace-identity",
			SessionTTL:     time.Hour,
			ResetTicketTTL: 10 * time.Minute,
		},
		OTP: config.OTPConfig{
			Length:             6,
			TTL:                10 * time.Minute,
			ResendCooldown:     120 * time.Second,
			Retention:          10 * time.Minute,
			MaxAttempts:        5,
			MaxRequestsPerHour: 10,
			MessageTemplate:    "Your verification code is %s. It expires in %d minutes.",
		},
		Subscription: config.SubscriptionConfig{
			Currency: "GHS",
			Prices: map[string]string{
				"one_time":  "50.00",
				"monthly":   "20.00",
				"quarterly": "55.00",
				"yearly":    "200.00",
			},
			PendingTTL:     72 * time.Hour,
			SweepBatchSize: 2,
		},
		Gateway:   config.GatewayConfig{SecretKey: "whsec", Timeout: time.Second},
		SMS:       config.SMSConfig{Timeout: time.Second},
		Bucketing: config.BucketingConfig{DeadlineBuckets: 4},
	}
}

func newHarness(t *testing.T, tweak ...func(*config.Config)) *harness {
	t.Helper()
	util.SetLogger(zaptest.NewLogger(t))

	cfg := testConfig()
	for _, fn := range tweak {
		fn(cfg)
	}

	mr := miniredis.RunT(t)
	rc := client.WrapRedisClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		redis:   mr,
		rc:      rc,
		store:   memory.NewStore(),
		sms:     &mockDispatcher{},
		codes:   &codeQueue{codes: []string{"123456"}},
		gateway: &fakeGateway{secret: cfg.Gateway.SecretKey, outcome: models.OutcomeSuccess},
		events:  &events.Recorder{},
		audit:   &audit.MemoryRecorder{},
		metrics: metrics.NewRegistry(),
		cfg:     cfg,
	}
	h.sms.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	hasher := hashing.NewHasherWithParams(hashing.Argon2Params{
		Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	}, hashing.Pepper{Value: "test-pepper", Version: 1}, "test-phone-salt")

	enc, err := encryption.NewEncryptionManager(cfg, nil)
	require.NoError(t, err)

	catalog, err := NewCatalog(cfg.Subscription)
	require.NoError(t, err)

	observers := NewObservers(h.events, h.audit, nil, h.metrics)
	h.tokens = token.NewManager(cfg.JWT).WithClock(h.clock.Now)

	h.otp = NewOTPService(
		redisrepo.NewOTPStore(rc),
		redisrepo.NewRequestCounter(rc),
		hasher,
		h.sms,
		observers,
		cfg.OTP,
		cfg.SMS.Timeout,
	).WithClock(h.clock.Now).WithCodeGenerator(h.codes.next)

	h.ledger = NewLedgerService(
		h.store.Subscriptions(),
		h.store.Payments(),
		h.store.Selections(),
		h.store.Deadlines(),
		bucketing.NewBucketingManager(cfg.Bucketing.DeadlineBuckets),
		catalog,
		observers,
		cfg.Subscription,
	).WithClock(h.clock.Now)

	h.payments = NewPaymentService(
		h.store.Payments(),
		h.store.Subscriptions(),
		h.store.Accounts(),
		h.ledger,
		h.gateway,
		observers,
		cfg.Gateway.Timeout,
	).WithClock(h.clock.Now)

	h.selector = NewSelectorService(h.store.Subscriptions(), h.store.Selections(), h.ledger).WithClock(h.clock.Now)

	h.flow = NewFlowService(
		h.store.Accounts(),
		redisrepo.NewTicketStore(rc),
		redisrepo.NewSessionCache(rc),
		h.otp,
		h.ledger,
		h.tokens,
		hasher,
		enc,
	).WithClock(h.clock.Now)

	return h
}

// advance moves both the service clock and the Redis TTL clock.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.redis.FastForward(d)
}

func (h *harness) sentMessages() int {
	n := 0
	for _, c := range h.sms.Calls {
		if c.Method == "Send" {
			n++
		}
	}
	return n
}

// subscribe starts and pays for a category, returning the active row.
func (h *harness) subscribe(accountID string, category models.Category, cycle models.BillingCycle) *models.CategorySubscription {
	h.t.Helper()
	sub, err := h.ledger.StartSubscription(h.ctx, accountID, category, cycle)
	require.NoError(h.t, err)
	init, err := h.payments.InitializePayment(h.ctx, accountID, sub.SubscriptionID, sub.PriceMinor)
	require.NoError(h.t, err)
	require.NoError(h.t, h.payments.ConfirmPayment(h.ctx, init.Reference, models.OutcomeSuccess))
	active, err := h.store.Subscriptions().Get(h.ctx, accountID, category)
	require.NoError(h.t, err)
	require.Equal(h.t, models.StatusActive, active.Status)
	return active
}
