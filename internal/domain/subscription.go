package domain

import "time"

// ExpiryRecord 记录某个邮箱地址的到期时间，按地址区分，只延长不回退。
type ExpiryRecord struct {
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired 判断在 now 时刻是否已过期
func (r ExpiryRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Remaining 剩余有效时长（已过期返回 0）
func (r ExpiryRecord) Remaining(now time.Time) time.Duration {
	if r.Expired(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// OrderStatus 扩展订单状态
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderAwaitingGateway OrderStatus = "awaiting_gateway"
	OrderVerifying       OrderStatus = "verifying"
	OrderConfirmed       OrderStatus = "confirmed"
	OrderFailed          OrderStatus = "failed"
	OrderCancelled       OrderStatus = "cancelled"
)

// PurchaseState 单次购买尝试的状态机状态
type PurchaseState string

const (
	StateIdle         PurchaseState = "idle"
	StateQuoted       PurchaseState = "quoted"
	StateOrderCreated PurchaseState = "order_created"
	StateGatewayOpen  PurchaseState = "gateway_open"
	StateVerifying    PurchaseState = "verifying"
	StateConfirmed    PurchaseState = "confirmed"
	StateFailed       PurchaseState = "failed"
	StateCancelled    PurchaseState = "cancelled"
)

// Terminal 是否为终态
func (s PurchaseState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateCancelled
}

// OrderStatus 状态机状态对应的订单状态
func (s PurchaseState) OrderStatus() OrderStatus {
	switch s {
	case StateGatewayOpen:
		return OrderAwaitingGateway
	case StateVerifying:
		return OrderVerifying
	case StateConfirmed:
		return OrderConfirmed
	case StateFailed:
		return OrderFailed
	case StateCancelled:
		return OrderCancelled
	default:
		return OrderPending
	}
}

// Quote 扩展报价（纯计算结果）
type Quote struct {
	Address         string    `json:"address"`
	Weeks           int       `json:"weeks"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	ProjectedExpiry time.Time `json:"projectedExpiry"`
}

// ExtensionOrder 单次购买尝试的内存状态，只有 confirmed 的结果会被持久化。
type ExtensionOrder struct {
	OrderID       string        `json:"orderId"`
	Address       string        `json:"address"`
	Weeks         int           `json:"weeks"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	ExpiryDate    time.Time     `json:"expiryDate"`
	Status        OrderStatus   `json:"status"`
	State         PurchaseState `json:"state"`
	FailureReason string        `json:"failureReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Transition 切换状态并同步订单状态
func (o *ExtensionOrder) Transition(state PurchaseState, at time.Time) {
	o.State = state
	o.Status = state.OrderStatus()
	o.UpdatedAt = at
}

// GatewayResultKind 支付网关回调结果类型
type GatewayResultKind string

const (
	GatewaySuccess   GatewayResultKind = "success"
	GatewayCancelled GatewayResultKind = "cancelled"
	GatewayError     GatewayResultKind = "error"
)

// GatewayResult 支付网关的标签化结果。success 仅代表客户端回调，不能作为支付凭证。
type GatewayResult struct {
	Kind    GatewayResultKind `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// Checkout 交给支付网关 SDK 的参数
type Checkout struct {
	OrderID     string            `json:"orderId"`
	Amount      int64             `json:"amount"` // 最小货币单位
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Prefill     map[string]string `json:"prefill,omitempty"`
	// CallbackToken 回传网关结果时必须携带的一次性令牌
	CallbackToken string `json:"callbackToken,omitempty"`
}

// Receipt 可下载的收据文件
type Receipt struct {
	Number      string `json:"number"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"-"`
}
