package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tempmail/client/internal/logger"
)

var (
	// ErrNotFound 键不存在（或已过期）
	ErrNotFound = errors.New("storage: key not found")
	// ErrUnknownTier 未配置的存储层
	ErrUnknownTier = errors.New("storage: unknown tier")
)

// Tier 存储层
type Tier string

const (
	// TierDurable 持久层：跨重启保留，保存到期记录和登录用户缓存
	TierDurable Tier = "durable"
	// TierSession 会话层：会话结束即清除，作为身份的二级缓存
	TierSession Tier = "session"
	// TierCookie 共享 Cookie 层：随请求发送，保存封装后的匿名身份
	TierCookie Tier = "cookie"
)

// 持久化键
const (
	KeyPurchasedEmails      = "purchasedEmails"
	KeyActivePurchased      = "activePurchasedEmail"
	KeyAuthToken            = "authToken"
	KeySessionIdentity      = "sessionIdentity"
	expiryKeyPrefix         = "emailExpiration_"
	committedOrderKeyPrefix = "lastCommittedOrder_"
)

// ExpiryKey 到期记录的键（按地址区分，避免跨身份泄漏）
func ExpiryKey(address string) string {
	return expiryKeyPrefix + address
}

// CommittedOrderKey 最近一次已提交订单的键
func CommittedOrderKey(address string) string {
	return committedOrderKeyPrefix + address
}

// Backend 单个存储层的键值接口
type Backend interface {
	// Get 读取键值，不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) (string, error)
	// Set 写入键值，ttl 为 0 表示不过期（或使用存储层默认值）
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete 删除键，不存在时不报错
	Delete(ctx context.Context, key string) error
	// Health 检查存储层可用性
	Health() error
}

// Selector 在三个存储层之间选择
//
// 读取失败一律降级为“不存在”并记录日志，从不向上抛出。
type Selector struct {
	tiers map[Tier]Backend
	log   *zap.Logger
}

// NewSelector 创建存储层选择器
func NewSelector(durable, session, cookie Backend, log *zap.Logger) *Selector {
	return &Selector{
		tiers: map[Tier]Backend{
			TierDurable: durable,
			TierSession: session,
			TierCookie:  cookie,
		},
		log: logger.Named(log, "storage"),
	}
}

// Read 读取键值；不存在或读取失败都返回 ok=false
func (s *Selector) Read(ctx context.Context, tier Tier, key string) (string, bool) {
	backend, ok := s.tiers[tier]
	if !ok || backend == nil {
		return "", false
	}

	value, err := backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("storage read failed, treating as absent",
				zap.String("tier", string(tier)),
				zap.String("key", key),
				zap.Error(err))
		}
		return "", false
	}
	return value, true
}

// Write 写入键值
func (s *Selector) Write(ctx context.Context, tier Tier, key, value string, ttl time.Duration) error {
	backend, ok := s.tiers[tier]
	if !ok || backend == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	if err := backend.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("write %s/%s: %w", tier, key, err)
	}
	return nil
}

// Clear 删除键
func (s *Selector) Clear(ctx context.Context, tier Tier, key string) error {
	backend, ok := s.tiers[tier]
	if !ok || backend == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	if err := backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear %s/%s: %w", tier, key, err)
	}
	return nil
}

// Health 检查持久层可用性
func (s *Selector) Health() error {
	backend := s.tiers[TierDurable]
	if backend == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTier, TierDurable)
	}
	return backend.Health()
}
