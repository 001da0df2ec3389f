package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"tempmail/client/internal/domain"
	"tempmail/client/internal/logger"
	"tempmail/client/internal/pool"
)

// IdentityView 活动身份及其到期记录
type IdentityView struct {
	Identity domain.Identity      `json:"identity"`
	Expiry   *domain.ExpiryRecord `json:"expiry,omitempty"`
}

// Session 单个设备的上下文对象
//
// 串联身份解析、收件箱轮询与扩展购买：身份解析完成前不会开始轮询或购买。
type Session struct {
	identity *IdentityManager
	inbox    *InboxSynchronizer
	subs     *SubscriptionEngine
	auth     *AuthToken
	workers  *pool.WorkerPool
	log      *zap.Logger

	mu       sync.Mutex
	root     context.Context
	stopRoot context.CancelFunc
	handle   *PollHandle
}

// NewSession 创建会话
func NewSession(
	identity *IdentityManager,
	inbox *InboxSynchronizer,
	subs *SubscriptionEngine,
	auth *AuthToken,
	workers *pool.WorkerPool,
	log *zap.Logger,
) *Session {
	root, cancel := context.WithCancel(context.Background())
	return &Session{
		identity: identity,
		inbox:    inbox,
		subs:     subs,
		auth:     auth,
		workers:  workers,
		log:      logger.Named(log, "session"),
		root:     root,
		stopRoot: cancel,
	}
}

// Start 解析身份、检查到期并开始轮询；已在轮询同一身份时不重复启动
func (s *Session) Start(ctx context.Context) (IdentityView, error) {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return IdentityView{}, err
	}
	return s.activate(ctx, id), nil
}

func (s *Session) activate(ctx context.Context, id domain.Identity) IdentityView {
	view := IdentityView{Identity: id}
	s.subs.Seed(ctx, id)
	if rec, ok := s.subs.CheckExpiry(ctx, id.Address); ok {
		view.Expiry = &rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil && s.handle.Identity().Address == id.Address {
		return view
	}
	s.handle = s.inbox.Start(s.root, id)
	return view
}

// Current 返回当前身份视图（未解析时先解析）
func (s *Session) Current(ctx context.Context) (IdentityView, error) {
	return s.Start(ctx)
}

// Switch 切换到另一个已购身份
func (s *Session) Switch(ctx context.Context, address string) (IdentityView, error) {
	id, err := s.identity.Switch(ctx, address)
	if err != nil {
		return IdentityView{}, err
	}
	return s.activate(ctx, id), nil
}

// Delete 删除当前身份并停止轮询
func (s *Session) Delete(ctx context.Context) (domain.Identity, error) {
	s.stopPolling()
	id, err := s.identity.Delete(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	s.inbox.Reset()
	return id, nil
}

// Regenerate 删除当前匿名身份并生成新地址
//
// 已购身份删除后重新解析通常会选回同一地址，因此直接拒绝。
func (s *Session) Regenerate(ctx context.Context) (IdentityView, error) {
	if id, ok := s.identity.Active(); ok && id.Origin == domain.OriginPurchased {
		return IdentityView{}, domain.ErrRegeneratePurchased
	}
	if _, err := s.Delete(ctx); err != nil && !errors.Is(err, domain.ErrNoActiveIdentity) {
		return IdentityView{}, err
	}
	return s.Start(ctx)
}

// SignIn 保存登录令牌并重新解析身份
func (s *Session) SignIn(ctx context.Context, token string) (IdentityView, error) {
	if err := s.auth.Set(ctx, token); err != nil {
		return IdentityView{}, err
	}
	s.stopPolling()
	s.identity.Forget()
	return s.Start(ctx)
}

// SignOut 清除登录令牌并重新解析身份
func (s *Session) SignOut(ctx context.Context) (IdentityView, error) {
	if err := s.auth.Clear(ctx); err != nil {
		return IdentityView{}, err
	}
	s.stopPolling()
	s.identity.Forget()
	return s.Start(ctx)
}

// Messages 返回本地缓存中匹配查询的邮件
func (s *Session) Messages(query string) []domain.Message {
	return s.inbox.Cache().List(query)
}

// MarkSeen 标记邮件已读
func (s *Session) MarkSeen(id string) bool {
	return s.inbox.Cache().MarkSeen(id)
}

// Open 打开一封邮件并标记已读
func (s *Session) Open(id string) (domain.Message, bool) {
	cache := s.inbox.Cache()
	if !cache.MarkSeen(id) {
		return domain.Message{}, false
	}
	return cache.Get(id)
}

// ExportMessage 导出缓存中的邮件为文本文件
func (s *Session) ExportMessage(id string) (Download, error) {
	m, ok := s.inbox.Cache().Get(id)
	if !ok {
		return Download{}, ErrMessageNotFound
	}
	return ExportMessage(m), nil
}

// ExportAttachment 导出缓存中邮件的附件
func (s *Session) ExportAttachment(id string, index int) (Download, error) {
	m, ok := s.inbox.Cache().Get(id)
	if !ok {
		return Download{}, ErrMessageNotFound
	}
	return ExportAttachment(m, index)
}

// Purchased 登录用户的已购身份列表
func (s *Session) Purchased(ctx context.Context) ([]domain.PurchasedIdentity, error) {
	return s.identity.Purchased(ctx)
}

// ClearInbox 清空当前身份的收件箱
func (s *Session) ClearInbox(ctx context.Context) error {
	id, ok := s.identity.Active()
	if !ok {
		return domain.ErrNoActiveIdentity
	}
	return s.inbox.Clear(ctx, id)
}

// Quote 当前身份的扩展报价
func (s *Session) Quote(ctx context.Context, weeks int) (domain.Quote, error) {
	id, ok := s.identity.Active()
	if !ok {
		return domain.Quote{}, domain.ErrNoActiveIdentity
	}
	return s.subs.Quote(ctx, id, weeks)
}

// StartPurchase 为当前身份创建订单，网关与确认阶段在协程池中继续执行
func (s *Session) StartPurchase(ctx context.Context, weeks int, mobile string) (domain.ExtensionOrder, error) {
	id, ok := s.identity.Active()
	if !ok {
		return domain.ExtensionOrder{}, domain.ErrNoActiveIdentity
	}

	order, err := s.subs.CreateOrder(ctx, id, weeks, mobile)
	if err != nil {
		return order, err
	}

	orderID := order.OrderID
	err = s.workers.Submit(pool.Task{
		Name: "purchase:" + orderID,
		Run: func() {
			final, err := s.subs.Complete(s.root, orderID)
			if err != nil {
				s.log.Info("purchase ended without extension",
					zap.String("order_id", orderID),
					zap.String("state", string(final.State)),
					zap.Error(err))
				return
			}
			if rec, ok := s.subs.CheckExpiry(context.Background(), final.Address); ok {
				s.log.Info("purchase confirmed",
					zap.String("order_id", orderID),
					zap.Time("expires_at", rec.ExpiresAt))
			}
		},
	})
	if err != nil {
		return order, err
	}
	return order, nil
}

// Stop 停止轮询并取消等待中的网关
func (s *Session) Stop() {
	s.stopPolling()
	s.stopRoot()
}

func (s *Session) stopPolling() {
	s.mu.Lock()
	s.handle = nil
	s.mu.Unlock()
	s.inbox.Stop()
}
