package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/client/internal/domain"
)

// checkoutRecorder 记录推送的结账参数
type checkoutRecorder struct {
	mu        sync.Mutex
	checkouts []domain.Checkout
	published chan domain.Checkout
}

func newCheckoutRecorder() *checkoutRecorder {
	return &checkoutRecorder{published: make(chan domain.Checkout, 4)}
}

func (r *checkoutRecorder) PublishCheckout(checkout domain.Checkout) {
	r.mu.Lock()
	r.checkouts = append(r.checkouts, checkout)
	r.mu.Unlock()
	r.published <- checkout
}

func openAsync(g *CallbackGateway, ctx context.Context, orderID string) <-chan domain.GatewayResult {
	out := make(chan domain.GatewayResult, 1)
	go func() {
		out <- g.Open(ctx, domain.Checkout{OrderID: orderID, Amount: 1000, Currency: "INR"})
	}()
	return out
}

func TestCallbackGateway(t *testing.T) {
	t.Run("携带令牌回传结果", func(t *testing.T) {
		pub := newCheckoutRecorder()
		g := NewCallbackGateway(pub, time.Minute, zap.NewNop())

		result := openAsync(g, context.Background(), "order_1")
		checkout := <-pub.published
		assert.NotEmpty(t, checkout.CallbackToken)
		assert.True(t, g.Waiting("order_1"))

		payload := map[string]string{"razorpay_payment_id": "pay_1"}
		require.NoError(t, g.Deliver("order_1", checkout.CallbackToken,
			domain.GatewayResult{Kind: domain.GatewaySuccess, Payload: payload}))

		got := <-result
		assert.Equal(t, domain.GatewaySuccess, got.Kind)
		assert.Equal(t, payload, got.Payload)
		assert.False(t, g.Waiting("order_1"))
	})

	t.Run("令牌不匹配", func(t *testing.T) {
		pub := newCheckoutRecorder()
		g := NewCallbackGateway(pub, time.Minute, zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())

		result := openAsync(g, ctx, "order_2")
		checkout := <-pub.published

		err := g.Deliver("order_2", "forged", domain.GatewayResult{Kind: domain.GatewaySuccess})
		assert.ErrorIs(t, err, ErrCallbackToken)
		assert.True(t, g.Waiting("order_2"))

		cancel()
		assert.Equal(t, domain.GatewayCancelled, (<-result).Kind)
		assert.ErrorIs(t, g.Deliver("order_2", checkout.CallbackToken, domain.GatewayResult{Kind: domain.GatewaySuccess}),
			domain.ErrOrderNotFound)
	})

	t.Run("未知订单", func(t *testing.T) {
		g := NewCallbackGateway(newCheckoutRecorder(), time.Minute, zap.NewNop())
		err := g.Deliver("missing", "token", domain.GatewayResult{Kind: domain.GatewaySuccess})
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("未知结果类型视为网关错误", func(t *testing.T) {
		pub := newCheckoutRecorder()
		g := NewCallbackGateway(pub, time.Minute, zap.NewNop())

		result := openAsync(g, context.Background(), "order_3")
		checkout := <-pub.published
		require.NoError(t, g.Deliver("order_3", checkout.CallbackToken, domain.GatewayResult{Kind: "paid"}))
		assert.Equal(t, domain.GatewayError, (<-result).Kind)
	})

	t.Run("超时视为取消", func(t *testing.T) {
		pub := newCheckoutRecorder()
		g := NewCallbackGateway(pub, 10*time.Millisecond, zap.NewNop())

		result := openAsync(g, context.Background(), "order_4")
		<-pub.published
		got := <-result
		assert.Equal(t, domain.GatewayCancelled, got.Kind)
		assert.Equal(t, "checkout timed out", got.Reason)
	})
}
