package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/client/internal/backend"
	"tempmail/client/internal/cache"
	"tempmail/client/internal/config"
	"tempmail/client/internal/domain"
	"tempmail/client/internal/monitoring"
	"tempmail/client/internal/notify"
	"tempmail/client/internal/pool"
	"tempmail/client/internal/seal"
	"tempmail/client/internal/service"
	"tempmail/client/internal/storage"
	"tempmail/client/internal/storage/cookie"
	"tempmail/client/internal/storage/filesystem"
)

// stubBackend 固定返回的后端
type stubBackend struct {
	mu       sync.Mutex
	minted   int
	messages []domain.Message
	paid     bool
}

func (b *stubBackend) MintIdentity(context.Context, string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minted++
	if b.minted == 1 {
		return "first@temp.mail", nil
	}
	return "second@temp.mail", nil
}

func (b *stubBackend) PurchasedIdentities(context.Context, string) ([]domain.PurchasedIdentity, error) {
	return []domain.PurchasedIdentity{{Address: "bought@temp.mail", DeviceKey: "dev-p"}}, nil
}

func (b *stubBackend) Inbox(context.Context, string, string) ([]domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages, nil
}

func (b *stubBackend) DeleteInbox(context.Context, string) error { return nil }

func (b *stubBackend) Expiry(context.Context, string) (time.Time, error) { return time.Time{}, nil }

func (b *stubBackend) CreateOrder(context.Context, backend.OrderRequest, string) (string, error) {
	return "order_http12345", nil
}

func (b *stubBackend) PaymentStatus(context.Context, string, string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paid, nil
}

// checkoutSink 记录推送的结账参数
type checkoutSink struct {
	ch chan domain.Checkout
}

func (s *checkoutSink) PublishCheckout(c domain.Checkout) { s.ch <- c }

type testServer struct {
	router  *gin.Engine
	backend *stubBackend
	session *service.Session
	sink    *checkoutSink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	durable, err := filesystem.NewStore(t.TempDir(), "durable.json")
	require.NoError(t, err)
	sessionCache := cache.NewLocalCache(100, time.Hour)
	t.Cleanup(sessionCache.Close)
	jar, err := cookie.NewJar("", "temporaryEmail")
	require.NoError(t, err)
	store := storage.NewSelector(durable, storage.NewSessionBackend(sessionCache), jar, log)

	sealer, err := seal.New("router-test-secret-0123456789")
	require.NoError(t, err)

	b := &stubBackend{messages: []domain.Message{
		{ID: "m1", Subject: "Welcome", Sender: domain.Sender{Address: "hi@example.com"}},
		{ID: "m2", Subject: "Invoice", Sender: domain.Sender{Address: "billing@example.com"}, Body: "Thanks",
			Attachments: domain.Attachments{{Filename: "invoice.pdf", ContentType: "application/pdf", Content: "JVBERg=="}}},
	}}
	sink := &checkoutSink{ch: make(chan domain.Checkout, 1)}
	notifier := notify.New(log)
	metrics := monitoring.NewMetrics()

	subsCfg := config.SubscriptionConfig{TrialDays: 7, UnitPrice: 10, Currency: "INR", WarningWindow: time.Hour, VerifyAttempts: 1}
	auth := service.NewAuthToken(store, log)
	gateway := service.NewCallbackGateway(sink, time.Minute, log)
	subs := service.NewSubscriptionEngine(b, store, auth, gateway, notifier, metrics, subsCfg, log)
	identity := service.NewIdentityManager(b, store, sealer, auth, subs, metrics, service.IdentityOptions{
		CookieName: "temporaryEmail",
		CookieTTL:  7 * 24 * time.Hour,
		SessionTTL: time.Hour,
	}, log)
	inbox := service.NewInboxSynchronizer(b, notifier, metrics, time.Hour, 3, log)

	workers := pool.NewWorkerPool(2, 4, log)
	workers.Start()
	session := service.NewSession(identity, inbox, subs, auth, workers, log)
	t.Cleanup(func() {
		session.Stop()
		workers.Stop()
	})

	router := NewRouter(RouterDependencies{
		Config:        &config.Config{},
		Session:       session,
		Subscriptions: subs,
		Gateway:       gateway,
		Metrics:       metrics,
		Logger:        log,
	})
	return &testServer{router: router, backend: b, session: session, sink: sink}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp Response
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func decode[T any](t *testing.T, data any) T {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestRouter_Identity(t *testing.T) {
	t.Run("首次访问生成身份", func(t *testing.T) {
		s := newTestServer(t)

		w, resp := s.do(t, http.MethodGet, "/v1/identity", nil)
		require.Equal(t, http.StatusOK, w.Code)
		view := decode[service.IdentityView](t, resp.Data)
		assert.Equal(t, "first@temp.mail", view.Identity.Address)
		assert.NotNil(t, view.Expiry)

		_, resp = s.do(t, http.MethodGet, "/v1/identity", nil)
		assert.Equal(t, "first@temp.mail", decode[service.IdentityView](t, resp.Data).Identity.Address)
	})

	t.Run("重新生成得到新地址", func(t *testing.T) {
		s := newTestServer(t)
		s.do(t, http.MethodGet, "/v1/identity", nil)

		w, resp := s.do(t, http.MethodPost, "/v1/identity/regenerate", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "second@temp.mail", decode[service.IdentityView](t, resp.Data).Identity.Address)
	})

	t.Run("已购身份不能重新生成", func(t *testing.T) {
		s := newTestServer(t)
		w, resp := s.do(t, http.MethodPut, "/v1/auth", gin.H{"token": "opaque-token"})
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "bought@temp.mail", decode[service.IdentityView](t, resp.Data).Identity.Address)

		w, _ = s.do(t, http.MethodPost, "/v1/identity/regenerate", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("没有身份时删除返回 404", func(t *testing.T) {
		s := newTestServer(t)
		w, _ := s.do(t, http.MethodDelete, "/v1/identity", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("未登录不能切换", func(t *testing.T) {
		s := newTestServer(t)
		w, _ := s.do(t, http.MethodPut, "/v1/identity/active", gin.H{"address": "bought@temp.mail"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w, _ = s.do(t, http.MethodPut, "/v1/identity/active", gin.H{"address": "not an address"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRouter_Inbox(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/v1/identity", nil)

	require.Eventually(t, func() bool { return len(s.session.Messages("")) == 2 }, time.Second, 5*time.Millisecond)

	t.Run("搜索", func(t *testing.T) {
		_, resp := s.do(t, http.MethodGet, "/v1/inbox?q=invoice", nil)
		data := decode[map[string]any](t, resp.Data)
		assert.Equal(t, 1.0, data["count"])
	})

	t.Run("打开邮件后标记已读", func(t *testing.T) {
		w, resp := s.do(t, http.MethodGet, "/v1/inbox/m1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[domain.Message](t, resp.Data).Seen)
		screening := decode[map[string]any](t, resp.Data)["screening"].(map[string]any)
		assert.Equal(t, false, screening["suspicious"])

		_, resp = s.do(t, http.MethodGet, "/v1/inbox", nil)
		assert.Equal(t, 1.0, decode[map[string]any](t, resp.Data)["unread"])

		w, _ = s.do(t, http.MethodPost, "/v1/inbox/missing/seen", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("下载邮件文本", func(t *testing.T) {
		w, _ := s.do(t, http.MethodGet, "/v1/inbox/m2/download", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `attachment; filename=Invoice.txt`, w.Header().Get("Content-Disposition"))
		assert.Contains(t, w.Body.String(), "From: billing@example.com\nSubject: Invoice\n")
		assert.Contains(t, w.Body.String(), "Thanks")

		w, _ = s.do(t, http.MethodGet, "/v1/inbox/missing/download", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("下载附件", func(t *testing.T) {
		w, _ := s.do(t, http.MethodGet, "/v1/inbox/m2/attachments/0", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
		assert.Equal(t, `attachment; filename=invoice.pdf`, w.Header().Get("Content-Disposition"))
		assert.Equal(t, "%PDF", w.Body.String())

		w, _ = s.do(t, http.MethodGet, "/v1/inbox/m2/attachments/1", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		w, _ = s.do(t, http.MethodGet, "/v1/inbox/m2/attachments/first", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("清空", func(t *testing.T) {
		w, _ := s.do(t, http.MethodDelete, "/v1/inbox", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, s.session.Messages(""))
	})
}

func TestRouter_Extension(t *testing.T) {
	t.Run("报价", func(t *testing.T) {
		s := newTestServer(t)
		s.do(t, http.MethodGet, "/v1/identity", nil)

		w, resp := s.do(t, http.MethodGet, "/v1/extension/quote?weeks=2", nil)
		require.Equal(t, http.StatusOK, w.Code)
		q := decode[domain.Quote](t, resp.Data)
		assert.Equal(t, int64(20), q.Amount)

		w, _ = s.do(t, http.MethodGet, "/v1/extension/quote?weeks=abc", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w, _ = s.do(t, http.MethodGet, "/v1/extension/quote?weeks=60", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("未登录购买要求登录", func(t *testing.T) {
		s := newTestServer(t)
		s.do(t, http.MethodGet, "/v1/identity", nil)

		w, _ := s.do(t, http.MethodPost, "/v1/extension", gin.H{"weeks": 1})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("完整购买并下载收据", func(t *testing.T) {
		s := newTestServer(t)
		s.backend.paid = true
		s.do(t, http.MethodGet, "/v1/identity", nil)

		w, _ := s.do(t, http.MethodPut, "/v1/auth", gin.H{"token": "opaque-token"})
		require.Equal(t, http.StatusOK, w.Code)

		w, resp := s.do(t, http.MethodPost, "/v1/extension", gin.H{"weeks": 1, "mobile": "9876543210"})
		require.Equal(t, http.StatusAccepted, w.Code)
		order := decode[domain.ExtensionOrder](t, resp.Data)
		assert.Equal(t, "order_http12345", order.OrderID)

		checkout := <-s.sink.ch
		w, _ = s.do(t, http.MethodPost, "/v1/extension/order_http12345/gateway", gin.H{
			"kind": "success", "callbackToken": "wrong",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)

		w, _ = s.do(t, http.MethodPost, "/v1/extension/order_http12345/gateway", gin.H{
			"kind": "success", "callbackToken": checkout.CallbackToken,
			"payload": gin.H{"razorpay_payment_id": "pay_1"},
		})
		require.Equal(t, http.StatusAccepted, w.Code)

		require.Eventually(t, func() bool {
			_, resp := s.do(t, http.MethodGet, "/v1/extension/order_http12345", nil)
			return decode[domain.ExtensionOrder](t, resp.Data).State == domain.StateConfirmed
		}, time.Second, 5*time.Millisecond)

		w, _ = s.do(t, http.MethodGet, "/v1/extension/order_http12345/receipt", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Disposition"), "TempMail_Invoice_order_ht.html")
		assert.Contains(t, w.Body.String(), "INV-ORDER_HT")
	})

	t.Run("未知订单", func(t *testing.T) {
		s := newTestServer(t)
		w, _ := s.do(t, http.MethodGet, "/v1/extension/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		w, _ = s.do(t, http.MethodGet, "/v1/extension/nope/receipt", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCorsConfig(t *testing.T) {
	cfg := corsConfig([]string{"*"})
	assert.True(t, cfg.AllowAllOrigins)
	assert.False(t, cfg.AllowCredentials)

	cfg = corsConfig([]string{"http://localhost:3000"})
	assert.False(t, cfg.AllowAllOrigins)
	assert.True(t, cfg.AllowCredentials)
}
