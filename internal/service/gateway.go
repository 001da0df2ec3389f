package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/thanhpk/randstr"
	"go.uber.org/zap"

	"tempmail/client/internal/domain"
	"tempmail/client/internal/logger"
)

// ErrCallbackToken 回调令牌不匹配
var ErrCallbackToken = errors.New("gateway callback token mismatch")

// Gateway 第三方支付网关
//
// Open 阻塞直到网关返回结果；ctx 取消视为用户关闭了网关。
type Gateway interface {
	Open(ctx context.Context, checkout domain.Checkout) domain.GatewayResult
}

// CheckoutPublisher 把结账参数推送给前端（由 WebSocket Hub 实现）
type CheckoutPublisher interface {
	PublishCheckout(checkout domain.Checkout)
}

type pendingCheckout struct {
	token  string
	result chan domain.GatewayResult
}

// CallbackGateway 通过前端完成支付的网关
//
// 结账参数推送给前端，由前端加载支付 SDK，再把 success/cancelled/error
// 结果通过 Deliver 回传。回传必须携带推送时生成的一次性令牌。
type CallbackGateway struct {
	publisher CheckoutPublisher
	timeout   time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingCheckout
}

// NewCallbackGateway 创建回调网关
//
// 参数:
//   - publisher: 结账参数推送目标
//   - timeout: 等待前端回传的最长时间，超时视为取消
//   - log: 日志记录器
func NewCallbackGateway(publisher CheckoutPublisher, timeout time.Duration, log *zap.Logger) *CallbackGateway {
	return &CallbackGateway{
		publisher: publisher,
		timeout:   timeout,
		log:       logger.Named(log, "gateway"),
		pending:   make(map[string]*pendingCheckout),
	}
}

// Open 推送结账参数并等待前端回传
func (g *CallbackGateway) Open(ctx context.Context, checkout domain.Checkout) domain.GatewayResult {
	p := &pendingCheckout{
		token:  randstr.Hex(16),
		result: make(chan domain.GatewayResult, 1),
	}
	checkout.CallbackToken = p.token

	g.mu.Lock()
	g.pending[checkout.OrderID] = p
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, checkout.OrderID)
		g.mu.Unlock()
	}()

	g.publisher.PublishCheckout(checkout)

	var timeout <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-p.result:
		return res
	case <-ctx.Done():
		return domain.GatewayResult{Kind: domain.GatewayCancelled, Reason: "checkout closed"}
	case <-timeout:
		g.log.Info("checkout timed out", zap.String("order_id", checkout.OrderID))
		return domain.GatewayResult{Kind: domain.GatewayCancelled, Reason: "checkout timed out"}
	}
}

// Deliver 前端回传网关结果
func (g *CallbackGateway) Deliver(orderID, token string, result domain.GatewayResult) error {
	g.mu.Lock()
	p, ok := g.pending[orderID]
	if ok && p.token == token {
		delete(g.pending, orderID)
	}
	g.mu.Unlock()

	if !ok {
		return domain.ErrOrderNotFound
	}
	if p.token != token {
		return ErrCallbackToken
	}

	switch result.Kind {
	case domain.GatewaySuccess, domain.GatewayCancelled, domain.GatewayError:
	default:
		result = domain.GatewayResult{Kind: domain.GatewayError, Reason: "unknown gateway result"}
	}
	p.result <- result
	return nil
}

// Waiting 订单是否正在等待网关结果
func (g *CallbackGateway) Waiting(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[orderID]
	return ok
}
