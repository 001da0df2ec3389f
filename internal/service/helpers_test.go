package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/client/internal/backend"
	"tempmail/client/internal/cache"
	"tempmail/client/internal/config"
	"tempmail/client/internal/domain"
	"tempmail/client/internal/notify"
	"tempmail/client/internal/seal"
	"tempmail/client/internal/storage"
	"tempmail/client/internal/storage/cookie"
	"tempmail/client/internal/storage/filesystem"
)

// MockBackend 模拟后端接口
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) MintIdentity(ctx context.Context, deviceKey string) (string, error) {
	args := m.Called(ctx, deviceKey)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) PurchasedIdentities(ctx context.Context, token string) ([]domain.PurchasedIdentity, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.PurchasedIdentity), args.Error(1)
}

func (m *MockBackend) Inbox(ctx context.Context, address, deviceKey string) ([]domain.Message, error) {
	args := m.Called(ctx, address, deviceKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *MockBackend) DeleteInbox(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

func (m *MockBackend) Expiry(ctx context.Context, address string) (time.Time, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockBackend) CreateOrder(ctx context.Context, req backend.OrderRequest, token string) (string, error) {
	args := m.Called(ctx, req, token)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) PaymentStatus(ctx context.Context, orderID, token string) (bool, error) {
	args := m.Called(ctx, orderID, token)
	return args.Bool(0), args.Error(1)
}

// fakeGateway 返回预设结果的支付网关
type fakeGateway struct {
	mu        sync.Mutex
	result    domain.GatewayResult
	checkouts []domain.Checkout
}

func (g *fakeGateway) Open(_ context.Context, checkout domain.Checkout) domain.GatewayResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, checkout)
	return g.result
}

const (
	testCookieName = "temporaryEmail"
	testDeviceKey  = "5551231234"
)

var anyCtx = mock.Anything

// testEnv 服务层测试环境：文件持久层、内存会话层、内存 Cookie 层
type testEnv struct {
	backend  *MockBackend
	store    *storage.Selector
	sealer   *seal.Sealer
	auth     *AuthToken
	notifier *notify.Notifier
	notices  *notify.Recorder
	gateway  *fakeGateway
	subs     *SubscriptionEngine
	identity *IdentityManager
	cfg      config.SubscriptionConfig

	clockMu sync.Mutex
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	durable, err := filesystem.NewStore(t.TempDir(), "durable.json")
	require.NoError(t, err)
	sessionCache := cache.NewLocalCache(100, time.Hour)
	t.Cleanup(sessionCache.Close)
	jar, err := cookie.NewJar("", testCookieName)
	require.NoError(t, err)

	sealer, err := seal.New("test-seal-secret-0123456789")
	require.NoError(t, err)

	env := &testEnv{
		backend: &MockBackend{},
		store:   storage.NewSelector(durable, storage.NewSessionBackend(sessionCache), jar, zap.NewNop()),
		sealer:  sealer,
		notices: &notify.Recorder{},
		gateway: &fakeGateway{result: domain.GatewayResult{Kind: domain.GatewaySuccess}},
		cfg: config.SubscriptionConfig{
			TrialDays:      7,
			UnitPrice:      10,
			Currency:       "INR",
			WarningWindow:  24 * time.Hour,
			VerifyAttempts: 3,
			VerifyInterval: time.Millisecond,
		},
		now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}

	env.notifier = notify.New(zap.NewNop())
	env.notifier.AddReceiver(env.notices)

	env.auth = NewAuthToken(env.store, zap.NewNop())
	env.auth.now = env.clock

	env.subs = NewSubscriptionEngine(env.backend, env.store, env.auth, env.gateway, env.notifier, nil, env.cfg, zap.NewNop())
	env.subs.now = env.clock
	env.subs.wait = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	env.identity = NewIdentityManager(env.backend, env.store, sealer, env.auth, env.subs, nil, IdentityOptions{
		CookieName: testCookieName,
		CookieTTL:  7 * 24 * time.Hour,
		SessionTTL: time.Hour,
	}, zap.NewNop())
	env.identity.now = env.clock
	env.identity.deviceKey = func() string { return testDeviceKey }

	return env
}

func (e *testEnv) clock() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.now = e.now.Add(d)
}

// writeCookieRecord 写入封装后的匿名身份
func (e *testEnv) writeCookieRecord(t *testing.T, address string, createdAt time.Time) {
	t.Helper()
	rec := domain.NewIdentityRecord(domain.Identity{Address: address, DeviceKey: "old-device"}, createdAt)
	sealed, err := e.sealer.SealJSON(rec)
	require.NoError(t, err)
	require.NoError(t, e.store.Write(context.Background(), storage.TierCookie, testCookieName, sealed, time.Hour))
}

// setExpiry 直接写入到期记录
func (e *testEnv) setExpiry(t *testing.T, address string, at time.Time) {
	t.Helper()
	require.NoError(t, e.subs.saveExpiry(context.Background(), domain.ExpiryRecord{Address: address, ExpiresAt: at}))
}

func (e *testEnv) signIn(t *testing.T, token string) {
	t.Helper()
	require.NoError(t, e.auth.Set(context.Background(), token))
}
