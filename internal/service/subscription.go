package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/client/internal/backend"
	"tempmail/client/internal/config"
	"tempmail/client/internal/domain"
	"tempmail/client/internal/logger"
	"tempmail/client/internal/monitoring"
	"tempmail/client/internal/notify"
	"tempmail/client/internal/storage"
)

// ErrReceiptUnavailable 订单尚未确认，没有收据
var ErrReceiptUnavailable = errors.New("receipt available only for confirmed orders")

const (
	week = 7 * 24 * time.Hour
	// attemptRetention 终态购买尝试在内存中的保留时间
	attemptRetention = 24 * time.Hour
)

// attempt 单次购买尝试
type attempt struct {
	order   domain.ExtensionOrder
	token   string
	mobile  string
	receipt *domain.Receipt
}

// SubscriptionEngine 到期记录与扩展购买引擎
//
// 到期记录只延长不回退；同一订单重复确认不会重复延长。
type SubscriptionEngine struct {
	backend  Backend
	store    *storage.Selector
	auth     *AuthToken
	gateway  Gateway
	notifier *notify.Notifier
	metrics  *monitoring.Metrics
	log      *zap.Logger
	cfg      config.SubscriptionConfig

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	attempts map[string]*attempt

	commitMu  sync.Mutex
	committed map[string]bool
}

// NewSubscriptionEngine 创建扩展购买引擎
func NewSubscriptionEngine(
	b Backend,
	store *storage.Selector,
	auth *AuthToken,
	gateway Gateway,
	notifier *notify.Notifier,
	metrics *monitoring.Metrics,
	cfg config.SubscriptionConfig,
	log *zap.Logger,
) *SubscriptionEngine {
	return &SubscriptionEngine{
		backend:   b,
		store:     store,
		auth:      auth,
		gateway:   gateway,
		notifier:  notifier,
		metrics:   metrics,
		log:       logger.Named(log, "subscription"),
		cfg:       cfg,
		now:       time.Now,
		wait:      sleepContext,
		attempts:  make(map[string]*attempt),
		committed: make(map[string]bool),
	}
}

// ========== 到期记录 ==========

// Expiry 读取地址的到期记录
func (e *SubscriptionEngine) Expiry(ctx context.Context, address string) (domain.ExpiryRecord, bool) {
	raw, ok := e.store.Read(ctx, storage.TierDurable, storage.ExpiryKey(address))
	if !ok {
		return domain.ExpiryRecord{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		e.log.Warn("discarding unreadable expiry record", zap.String("address", address))
		return domain.ExpiryRecord{}, false
	}
	return domain.ExpiryRecord{Address: address, ExpiresAt: at}, true
}

func (e *SubscriptionEngine) saveExpiry(ctx context.Context, rec domain.ExpiryRecord) error {
	return e.store.Write(ctx, storage.TierDurable, storage.ExpiryKey(rec.Address),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano), 0)
}

// Usable 恢复身份时判断是否仍在有效期内
//
// 本地没有记录时参考后端的到期时间，后端也没有则按创建时间加试用期补建记录。
func (e *SubscriptionEngine) Usable(ctx context.Context, address string, createdAt time.Time) bool {
	rec, ok := e.Expiry(ctx, address)
	if !ok {
		rec = domain.ExpiryRecord{Address: address, ExpiresAt: createdAt.Add(e.cfg.TrialWindow())}
		if advisory, err := e.backend.Expiry(ctx, address); err == nil && !advisory.IsZero() {
			rec.ExpiresAt = advisory
		} else if err != nil {
			e.log.Debug("advisory expiry unavailable", zap.String("address", address), zap.Error(err))
		}
		if err := e.saveExpiry(ctx, rec); err != nil {
			e.log.Warn("failed to persist recovered expiry", zap.String("address", address), zap.Error(err))
		}
	}
	return !rec.Expired(e.now())
}

// StartTrial 为新身份创建试用期记录（已有更晚的记录时保持不变）
func (e *SubscriptionEngine) StartTrial(ctx context.Context, address string, at time.Time) error {
	trialEnd := at.Add(e.cfg.TrialWindow())
	if rec, ok := e.Expiry(ctx, address); ok && !rec.ExpiresAt.Before(trialEnd) {
		return nil
	}
	return e.saveExpiry(ctx, domain.ExpiryRecord{Address: address, ExpiresAt: trialEnd})
}

// Seed 读取身份的到期记录，已购身份在本地缺失时从后端补建
//
// 已购身份可能在其他设备上购买，本地没有记录时不能按试用期计算，
// 否则续费会丢失剩余的付费时间。
func (e *SubscriptionEngine) Seed(ctx context.Context, id domain.Identity) (domain.ExpiryRecord, bool) {
	if rec, ok := e.Expiry(ctx, id.Address); ok {
		return rec, true
	}
	if id.Origin != domain.OriginPurchased {
		return domain.ExpiryRecord{}, false
	}

	paidUntil, err := e.backend.Expiry(ctx, id.Address)
	if err != nil {
		e.log.Warn("failed to fetch expiry for purchased identity", zap.String("address", id.Address), zap.Error(err))
		return domain.ExpiryRecord{}, false
	}
	if paidUntil.IsZero() {
		return domain.ExpiryRecord{}, false
	}

	rec := domain.ExpiryRecord{Address: id.Address, ExpiresAt: paidUntil}
	if err := e.saveExpiry(ctx, rec); err != nil {
		e.log.Warn("failed to persist purchased expiry", zap.String("address", id.Address), zap.Error(err))
	}
	return rec, true
}

// Forget 删除地址的到期记录（仅在用户删除身份时调用）
func (e *SubscriptionEngine) Forget(ctx context.Context, address string) error {
	if err := e.store.Clear(ctx, storage.TierDurable, storage.ExpiryKey(address)); err != nil {
		return err
	}
	return e.store.Clear(ctx, storage.TierDurable, storage.CommittedOrderKey(address))
}

// CheckExpiry 加载时检查到期时间，临近到期发送一次性提醒
func (e *SubscriptionEngine) CheckExpiry(ctx context.Context, address string) (domain.ExpiryRecord, bool) {
	rec, ok := e.Expiry(ctx, address)
	if !ok {
		return domain.ExpiryRecord{}, false
	}

	now := e.now()
	if !rec.Expired(now) && rec.Remaining(now) <= e.cfg.WarningWindow {
		e.notifier.Notify(notify.Notice{
			Level: notify.LevelWarning,
			Code:  notify.CodeExpiryWarning,
			Text:  fmt.Sprintf("%s expires on %s. Extend it to keep receiving mail.", address, rec.ExpiresAt.UTC().Format(time.RFC1123)),
			Key:   fmt.Sprintf("expiry-warning:%s:%d", address, rec.ExpiresAt.Unix()),
			Data:  map[string]any{"address": address, "expiresAt": rec.ExpiresAt},
		})
	}
	return rec, true
}

// project 计算扩展后的到期时间：叠加在现有到期时间与当前时间中较晚者之上
func (e *SubscriptionEngine) project(rec domain.ExpiryRecord, has bool, weeks int) time.Time {
	now := e.now()
	base := now.Add(e.cfg.TrialWindow())
	if has {
		base = rec.ExpiresAt
		if base.Before(now) {
			base = now
		}
	}
	return base.Add(time.Duration(weeks) * week)
}

// Quote 扩展报价
func (e *SubscriptionEngine) Quote(ctx context.Context, id domain.Identity, weeks int) (domain.Quote, error) {
	if err := domain.ValidateWeeks(weeks); err != nil {
		return domain.Quote{}, err
	}
	rec, has := e.Seed(ctx, id)
	return domain.Quote{
		Address:         id.Address,
		Weeks:           weeks,
		Amount:          int64(weeks) * e.cfg.UnitPrice,
		Currency:        e.cfg.Currency,
		ProjectedExpiry: e.project(rec, has, weeks),
	}, nil
}

// ========== 购买流程 ==========

// Purchase 完整执行一次购买：创建订单、打开网关、确认、提交
func (e *SubscriptionEngine) Purchase(ctx context.Context, id domain.Identity, weeks int, mobile string) (domain.ExtensionOrder, error) {
	order, err := e.CreateOrder(ctx, id, weeks, mobile)
	if err != nil {
		return order, err
	}
	return e.Complete(ctx, order.OrderID)
}

// CreateOrder 报价并向后端创建支付订单
func (e *SubscriptionEngine) CreateOrder(ctx context.Context, id domain.Identity, weeks int, mobile string) (domain.ExtensionOrder, error) {
	if id.IsZero() {
		return domain.ExtensionOrder{}, domain.ErrNoActiveIdentity
	}
	quote, err := e.Quote(ctx, id, weeks)
	if err != nil {
		return domain.ExtensionOrder{}, err
	}

	token, ok := e.auth.Token(ctx)
	if !ok {
		e.notifier.Info(notify.CodeAuthRequired, "Please sign up or log in to extend your email.")
		return domain.ExtensionOrder{}, domain.ErrAuthRequired
	}

	orderID, err := e.backend.CreateOrder(ctx, backend.OrderRequest{
		Address:    id.Address,
		Weeks:      weeks,
		Amount:     quote.Amount,
		ExpiryDate: quote.ProjectedExpiry,
		DeviceKey:  id.DeviceKey,
		Mobile:     mobile,
	}, token)
	if err != nil {
		e.metrics.RecordOrder(string(domain.OrderFailed))
		if errors.Is(err, backend.ErrUnauthorized) {
			e.notifier.Info(notify.CodeAuthRequired, "Your session has expired. Please log in again to extend your email.")
			return domain.ExtensionOrder{}, fmt.Errorf("%w: %w", domain.ErrAuthRequired, err)
		}
		e.log.Error("failed to create order", zap.String("address", id.Address), zap.Error(err))
		e.notifier.Error(notify.CodePurchaseFailed, "Could not create your order. Please try again.")
		return domain.ExtensionOrder{}, fmt.Errorf("%w: %w", domain.ErrOrderRejected, err)
	}

	now := e.now()
	order := domain.ExtensionOrder{
		OrderID:    orderID,
		Address:    id.Address,
		Weeks:      weeks,
		Amount:     quote.Amount,
		Currency:   quote.Currency,
		ExpiryDate: quote.ProjectedExpiry,
		CreatedAt:  now,
	}
	order.Transition(domain.StateOrderCreated, now)

	e.mu.Lock()
	e.pruneLocked(now)
	e.attempts[orderID] = &attempt{order: order, token: token, mobile: mobile}
	e.mu.Unlock()

	e.log.Info("extension order created",
		zap.String("order_id", orderID),
		zap.String("address", id.Address),
		zap.Int("weeks", weeks))
	return order, nil
}

// Complete 打开网关、确认支付并提交到期时间
//
// 网关阶段受 ctx 控制（取消即关闭网关）；一旦网关回调成功，
// 确认与提交在脱离 ctx 的上下文中完成。
func (e *SubscriptionEngine) Complete(ctx context.Context, orderID string) (domain.ExtensionOrder, error) {
	result, err := e.OpenGateway(ctx, orderID)
	if err != nil {
		return domain.ExtensionOrder{}, err
	}

	switch result.Kind {
	case domain.GatewayCancelled:
		order := e.finish(orderID, domain.StateCancelled, "")
		e.notifier.Info(notify.CodePurchaseCancelled, "Payment was cancelled. Your email was not extended.")
		return order, domain.ErrPurchaseCancelled
	case domain.GatewayError:
		order := e.finish(orderID, domain.StateFailed, "gateway error: "+result.Reason)
		e.notifier.Error(notify.CodePurchaseFailed, "The payment could not be completed. Please try again.")
		return order, domain.ErrGatewayFailed
	}

	vctx := context.WithoutCancel(ctx)
	confirmed, err := e.Verify(vctx, orderID)
	if err != nil || !confirmed {
		order := e.finish(orderID, domain.StateFailed, "payment not confirmed by server")
		e.notifier.Error(notify.CodeVerificationFailed,
			fmt.Sprintf("We could not confirm your payment. Please contact support with order %s.", orderID))
		return order, domain.ErrVerificationFailed
	}

	rec, err := e.Commit(vctx, orderID)
	if err != nil {
		order := e.finish(orderID, domain.StateFailed, "expiry commit failed")
		e.log.Error("confirmed payment could not be committed", zap.String("order_id", orderID), zap.Error(err))
		e.notifier.Error(notify.CodePurchaseFailed,
			fmt.Sprintf("Your payment was received but the extension could not be saved. Please contact support with order %s.", orderID))
		return order, err
	}

	order := e.finish(orderID, domain.StateConfirmed, "")
	if receipt, err := BuildReceipt(order, rec.ExpiresAt, e.now()); err == nil {
		e.mu.Lock()
		if a, ok := e.attempts[orderID]; ok {
			a.receipt = &receipt
		}
		e.mu.Unlock()
	} else {
		e.log.Warn("failed to build receipt", zap.String("order_id", orderID), zap.Error(err))
	}

	e.notifier.Notify(notify.Notice{
		Level: notify.LevelInfo,
		Code:  notify.CodePurchaseConfirmed,
		Text: fmt.Sprintf("Payment successful! %s is now active until %s.",
			order.Address, rec.ExpiresAt.UTC().Format(time.RFC1123)),
		Data: map[string]any{"orderId": orderID, "expiresAt": rec.ExpiresAt},
	})
	return order, nil
}

// OpenGateway 把订单交给支付网关并等待结果
func (e *SubscriptionEngine) OpenGateway(ctx context.Context, orderID string) (domain.GatewayResult, error) {
	e.mu.Lock()
	a, ok := e.attempts[orderID]
	if !ok {
		e.mu.Unlock()
		return domain.GatewayResult{}, domain.ErrOrderNotFound
	}
	if a.order.State != domain.StateOrderCreated {
		state := a.order.State
		e.mu.Unlock()
		return domain.GatewayResult{}, fmt.Errorf("order %s is %s, gateway already used", orderID, state)
	}
	a.order.Transition(domain.StateGatewayOpen, e.now())
	checkout := domain.Checkout{
		OrderID:     orderID,
		Amount:      a.order.Amount * 100,
		Currency:    a.order.Currency,
		Description: fmt.Sprintf("Email extension for %d week(s)", a.order.Weeks),
		Prefill:     map[string]string{"email": a.order.Address},
	}
	if a.mobile != "" {
		checkout.Prefill["contact"] = a.mobile
	}
	e.mu.Unlock()

	return e.gateway.Open(ctx, checkout), nil
}

// Verify 向后端查询支付状态，网关回调不作为支付凭证
func (e *SubscriptionEngine) Verify(ctx context.Context, orderID string) (bool, error) {
	e.mu.Lock()
	a, ok := e.attempts[orderID]
	if !ok {
		e.mu.Unlock()
		return false, domain.ErrOrderNotFound
	}
	a.order.Transition(domain.StateVerifying, e.now())
	token := a.token
	e.mu.Unlock()

	attempts := e.cfg.VerifyAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := e.wait(ctx, e.cfg.VerifyInterval); err != nil {
				return false, err
			}
		}
		confirmed, err := e.backend.PaymentStatus(ctx, orderID, token)
		if err != nil {
			e.log.Warn("payment status check failed",
				zap.String("order_id", orderID),
				zap.Int("attempt", i+1),
				zap.Error(err))
			continue
		}
		if confirmed {
			return true, nil
		}
	}
	return false, nil
}

// Commit 提交已确认订单的到期时间（幂等、单调）
func (e *SubscriptionEngine) Commit(ctx context.Context, orderID string) (domain.ExpiryRecord, error) {
	e.mu.Lock()
	a, ok := e.attempts[orderID]
	var address string
	var weeks int
	if ok {
		address, weeks = a.order.Address, a.order.Weeks
	}
	e.mu.Unlock()
	if !ok {
		return domain.ExpiryRecord{}, domain.ErrOrderNotFound
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	current, has := e.Expiry(ctx, address)
	if e.committed[orderID] {
		return current, nil
	}
	if last, ok := e.store.Read(ctx, storage.TierDurable, storage.CommittedOrderKey(address)); ok && last == orderID {
		e.committed[orderID] = true
		return current, nil
	}

	next := domain.ExpiryRecord{Address: address, ExpiresAt: e.project(current, has, weeks)}
	if has && current.ExpiresAt.After(next.ExpiresAt) {
		next = current
	}
	if err := e.saveExpiry(ctx, next); err != nil {
		return current, err
	}
	if err := e.store.Write(ctx, storage.TierDurable, storage.CommittedOrderKey(address), orderID, 0); err != nil {
		e.log.Warn("failed to persist committed order", zap.String("order_id", orderID), zap.Error(err))
	}
	e.committed[orderID] = true
	e.metrics.RecordExpiryCommit()

	e.log.Info("expiry extended",
		zap.String("order_id", orderID),
		zap.String("address", address),
		zap.Time("expires_at", next.ExpiresAt))
	return next, nil
}

// finish 切换到终态并返回订单副本
func (e *SubscriptionEngine) finish(orderID string, state domain.PurchaseState, reason string) domain.ExtensionOrder {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.attempts[orderID]
	if !ok {
		return domain.ExtensionOrder{}
	}
	a.order.Transition(state, e.now())
	a.order.FailureReason = reason
	e.metrics.RecordOrder(string(a.order.Status))

	e.log.Info("extension attempt finished",
		zap.String("order_id", orderID),
		zap.String("state", string(state)),
		zap.String("reason", reason))
	return a.order
}

// Attempt 返回购买尝试的当前状态
func (e *SubscriptionEngine) Attempt(orderID string) (domain.ExtensionOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.attempts[orderID]
	if !ok {
		return domain.ExtensionOrder{}, false
	}
	return a.order, true
}

// Receipt 返回已确认订单的收据
func (e *SubscriptionEngine) Receipt(orderID string) (domain.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.attempts[orderID]
	if !ok {
		return domain.Receipt{}, domain.ErrOrderNotFound
	}
	if a.receipt == nil {
		return domain.Receipt{}, ErrReceiptUnavailable
	}
	return *a.receipt, nil
}

// pruneLocked 清理过期的终态尝试，调用方需持有 e.mu
func (e *SubscriptionEngine) pruneLocked(now time.Time) {
	for id, a := range e.attempts {
		if a.order.State.Terminal() && now.Sub(a.order.UpdatedAt) > attemptRetention {
			delete(e.attempts, id)
		}
	}
}

// sleepContext 等待 d 或 ctx 取消
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
