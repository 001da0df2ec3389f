package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tempmail/client/internal/backend"
	"tempmail/client/internal/domain"
	"tempmail/client/internal/logger"
	"tempmail/client/internal/monitoring"
	"tempmail/client/internal/seal"
	"tempmail/client/internal/storage"
)

// 身份解析结果
const (
	OutcomePurchased = "purchased"
	OutcomeRecovered = "recovered"
	OutcomeMinted    = "minted"
	OutcomeFailed    = "failed"
)

// ExpiryKeeper 身份管理器需要的到期记录操作（由 SubscriptionEngine 实现）
type ExpiryKeeper interface {
	// Usable 恢复身份时判断其是否仍在有效期内
	Usable(ctx context.Context, address string, createdAt time.Time) bool
	// StartTrial 为新身份创建试用期到期记录
	StartTrial(ctx context.Context, address string, at time.Time) error
	// Forget 删除地址的到期记录
	Forget(ctx context.Context, address string) error
}

// IdentityOptions 身份管理器配置
type IdentityOptions struct {
	CookieName  string
	CookieTTL   time.Duration
	SessionTTL  time.Duration
	Fingerprint bool
}

// IdentityManager 管理当前浏览上下文的唯一活动身份
type IdentityManager struct {
	backend Backend
	store   *storage.Selector
	sealer  *seal.Sealer
	auth    *AuthToken
	keeper  ExpiryKeeper
	metrics *monitoring.Metrics
	log     *zap.Logger
	opts    IdentityOptions

	group  singleflight.Group
	mu     sync.RWMutex
	active domain.Identity

	now       func() time.Time
	deviceKey func() string
}

// NewIdentityManager 创建身份管理器
func NewIdentityManager(
	b Backend,
	store *storage.Selector,
	sealer *seal.Sealer,
	auth *AuthToken,
	keeper ExpiryKeeper,
	metrics *monitoring.Metrics,
	opts IdentityOptions,
	log *zap.Logger,
) *IdentityManager {
	m := &IdentityManager{
		backend: b,
		store:   store,
		sealer:  sealer,
		auth:    auth,
		keeper:  keeper,
		metrics: metrics,
		log:     logger.Named(log, "identity"),
		opts:    opts,
		now:     time.Now,
	}
	m.deviceKey = m.generateDeviceKey
	return m
}

// Active 返回当前活动身份
func (m *IdentityManager) Active() (domain.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, !m.active.IsZero()
}

func (m *IdentityManager) setActive(id domain.Identity) {
	m.mu.Lock()
	m.active = id
	m.mu.Unlock()
}

// Resolve 解析活动身份
//
// 已解析过时直接返回；并发调用共享同一次解析，只会产生一次生成请求。
// 解析本身与调用方的 ctx 解耦，调用方取消只会让自己提前返回。
func (m *IdentityManager) Resolve(ctx context.Context) (domain.Identity, error) {
	if id, ok := m.Active(); ok {
		return id, nil
	}

	ch := m.group.DoChan("resolve", func() (any, error) {
		if id, ok := m.Active(); ok {
			return id, nil
		}
		id, outcome, err := m.resolve(context.WithoutCancel(ctx))
		m.metrics.RecordResolution(outcome)
		if err != nil {
			return domain.Identity{}, err
		}
		m.setActive(id)
		m.log.Info("identity resolved",
			zap.String("address", id.Address),
			zap.String("origin", string(id.Origin)),
			zap.String("outcome", outcome))
		return id, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Identity{}, res.Err
		}
		return res.Val.(domain.Identity), nil
	case <-ctx.Done():
		return domain.Identity{}, ctx.Err()
	}
}

func (m *IdentityManager) resolve(ctx context.Context) (domain.Identity, string, error) {
	if id, ok := m.resolvePurchased(ctx); ok {
		return id, OutcomePurchased, nil
	}
	if id, ok := m.recoverAnonymous(ctx); ok {
		return id, OutcomeRecovered, nil
	}
	id, err := m.mint(ctx)
	if err != nil {
		return domain.Identity{}, OutcomeFailed, err
	}
	return id, OutcomeMinted, nil
}

// resolvePurchased 登录用户优先使用已购身份，从不写 Cookie
func (m *IdentityManager) resolvePurchased(ctx context.Context) (domain.Identity, bool) {
	token, ok := m.auth.Token(ctx)
	if !ok {
		return domain.Identity{}, false
	}

	list, err := m.backend.PurchasedIdentities(ctx, token)
	switch {
	case err == nil:
		m.cachePurchased(ctx, list)
	case errors.Is(err, backend.ErrUnauthorized):
		m.log.Info("auth token rejected by backend, falling back to anonymous identity")
		return domain.Identity{}, false
	default:
		m.log.Warn("failed to fetch purchased identities, using cached list", zap.Error(err))
		list = m.cachedPurchased(ctx)
	}

	if len(list) == 0 {
		return domain.Identity{}, false
	}

	selected := list[0]
	if pointer, ok := m.store.Read(ctx, storage.TierDurable, storage.KeyActivePurchased); ok {
		for _, p := range list {
			if p.Address == domain.NormalizeAddress(pointer) {
				selected = p
				break
			}
		}
	}
	return selected.Identity(), true
}

// recoverAnonymous 从 Cookie（其次是会话层）恢复匿名身份
func (m *IdentityManager) recoverAnonymous(ctx context.Context) (domain.Identity, bool) {
	if rec, ok := m.openRecord(ctx, storage.TierCookie, m.opts.CookieName); ok {
		if m.keeper.Usable(ctx, rec.Address, rec.CreatedAt) {
			m.writeSession(ctx, rec)
			return rec.Identity(), true
		}
		m.log.Info("stored identity expired, minting a new one", zap.String("address", rec.Address))
		m.clearAnonymous(ctx)
		return domain.Identity{}, false
	}

	if rec, ok := m.openRecord(ctx, storage.TierSession, storage.KeySessionIdentity); ok {
		if m.keeper.Usable(ctx, rec.Address, rec.CreatedAt) {
			// Cookie 丢失但会话仍在，补写 Cookie
			m.writeCookie(ctx, rec)
			return rec.Identity(), true
		}
		m.clearAnonymous(ctx)
	}
	return domain.Identity{}, false
}

// openRecord 读取并解封身份记录；任何失败都视为不存在，损坏的值会被清除
func (m *IdentityManager) openRecord(ctx context.Context, tier storage.Tier, key string) (domain.PersistedIdentityRecord, bool) {
	raw, ok := m.store.Read(ctx, tier, key)
	if !ok || raw == "" {
		return domain.PersistedIdentityRecord{}, false
	}

	var rec domain.PersistedIdentityRecord
	if !m.sealer.OpenJSON(raw, &rec) || !rec.Valid() {
		m.log.Warn("discarding unreadable identity record", zap.String("tier", string(tier)))
		if err := m.store.Clear(ctx, tier, key); err != nil {
			m.log.Warn("failed to clear unreadable identity record", zap.Error(err))
		}
		return domain.PersistedIdentityRecord{}, false
	}
	rec.Address = domain.NormalizeAddress(rec.Address)
	return rec, true
}

// mint 生成新的匿名身份并写入 Cookie
func (m *IdentityManager) mint(ctx context.Context) (domain.Identity, error) {
	deviceKey := m.deviceKey()

	address, err := m.backend.MintIdentity(ctx, deviceKey)
	m.metrics.RecordMint(err == nil)
	if err != nil {
		m.log.Error("failed to mint identity", zap.Error(err))
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrMintFailed, err)
	}

	now := m.now()
	id := domain.Identity{Address: address, DeviceKey: deviceKey, Origin: domain.OriginAnonymous}
	rec := domain.NewIdentityRecord(id, now)

	m.writeCookie(ctx, rec)
	m.writeSession(ctx, rec)

	if err := m.keeper.StartTrial(ctx, address, now); err != nil {
		m.log.Warn("failed to record trial expiry", zap.String("address", address), zap.Error(err))
	}
	return id, nil
}

func (m *IdentityManager) writeCookie(ctx context.Context, rec domain.PersistedIdentityRecord) {
	sealed, err := m.sealer.SealJSON(rec)
	if err != nil {
		m.log.Error("failed to seal identity", zap.Error(err))
		return
	}
	if err := m.store.Write(ctx, storage.TierCookie, m.opts.CookieName, sealed, m.opts.CookieTTL); err != nil {
		m.log.Warn("failed to write identity cookie", zap.Error(err))
	}
}

func (m *IdentityManager) writeSession(ctx context.Context, rec domain.PersistedIdentityRecord) {
	sealed, err := m.sealer.SealJSON(rec)
	if err != nil {
		return
	}
	if err := m.store.Write(ctx, storage.TierSession, storage.KeySessionIdentity, sealed, m.opts.SessionTTL); err != nil {
		m.log.Debug("failed to write session identity", zap.Error(err))
	}
}

func (m *IdentityManager) clearAnonymous(ctx context.Context) {
	if err := m.store.Clear(ctx, storage.TierCookie, m.opts.CookieName); err != nil {
		m.log.Warn("failed to clear identity cookie", zap.Error(err))
	}
	if err := m.store.Clear(ctx, storage.TierSession, storage.KeySessionIdentity); err != nil {
		m.log.Debug("failed to clear session identity", zap.Error(err))
	}
}

// Purchased 返回登录用户的已购身份（优先使用后端数据，失败时用缓存）
func (m *IdentityManager) Purchased(ctx context.Context) ([]domain.PurchasedIdentity, error) {
	token, ok := m.auth.Token(ctx)
	if !ok {
		return nil, domain.ErrAuthRequired
	}

	list, err := m.backend.PurchasedIdentities(ctx, token)
	if errors.Is(err, backend.ErrUnauthorized) {
		return nil, domain.ErrAuthRequired
	}
	if err != nil {
		if cached := m.cachedPurchased(ctx); len(cached) > 0 {
			return cached, nil
		}
		return nil, err
	}
	m.cachePurchased(ctx, list)
	return list, nil
}

// Switch 切换到另一个已购身份（仅登录用户），不修改 Cookie
func (m *IdentityManager) Switch(ctx context.Context, address string) (domain.Identity, error) {
	address = domain.NormalizeAddress(address)

	list, err := m.Purchased(ctx)
	if err != nil {
		return domain.Identity{}, err
	}

	for _, p := range list {
		if p.Address != address {
			continue
		}
		if err := m.store.Write(ctx, storage.TierDurable, storage.KeyActivePurchased, address, 0); err != nil {
			return domain.Identity{}, err
		}
		id := p.Identity()
		m.setActive(id)
		m.log.Info("switched identity", zap.String("address", address))
		return id, nil
	}
	return domain.Identity{}, domain.ErrNotPurchased
}

// Delete 删除当前身份
//
// 本地状态优先清除；后端删除邮件失败只记录日志。
func (m *IdentityManager) Delete(ctx context.Context) (domain.Identity, error) {
	id, ok := m.Active()
	if !ok {
		return domain.Identity{}, domain.ErrNoActiveIdentity
	}

	// 已购身份不占用 Cookie，保留其中的匿名身份
	if id.Origin == domain.OriginPurchased {
		if err := m.store.Clear(ctx, storage.TierDurable, storage.KeyActivePurchased); err != nil {
			m.log.Warn("failed to clear active purchased pointer", zap.Error(err))
		}
	} else {
		m.clearAnonymous(ctx)
	}
	if err := m.keeper.Forget(ctx, id.Address); err != nil {
		m.log.Warn("failed to clear expiry record", zap.String("address", id.Address), zap.Error(err))
	}
	m.setActive(domain.Identity{})

	if err := m.backend.DeleteInbox(ctx, id.Address); err != nil {
		m.log.Warn("backend mailbox deletion failed", zap.String("address", id.Address), zap.Error(err))
	}

	m.log.Info("identity deleted", zap.String("address", id.Address))
	return id, nil
}

// Forget 丢弃内存中的活动身份，下次 Resolve 重新解析（用于登录状态变化）
func (m *IdentityManager) Forget() {
	m.setActive(domain.Identity{})
}

func (m *IdentityManager) cachePurchased(ctx context.Context, list []domain.PurchasedIdentity) {
	data, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := m.store.Write(ctx, storage.TierDurable, storage.KeyPurchasedEmails, string(data), 0); err != nil {
		m.log.Warn("failed to cache purchased identities", zap.Error(err))
	}
}

func (m *IdentityManager) cachedPurchased(ctx context.Context) []domain.PurchasedIdentity {
	raw, ok := m.store.Read(ctx, storage.TierDurable, storage.KeyPurchasedEmails)
	if !ok {
		return nil
	}
	var list []domain.PurchasedIdentity
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}

// generateDeviceKey 生成设备键：稳定的设备指纹，或时间戳后 6 位加 4 位随机数
func (m *IdentityManager) generateDeviceKey() string {
	if m.opts.Fingerprint {
		if key := deviceFingerprint(); key != "" {
			return key
		}
	}
	ms := strconv.FormatInt(m.now().UnixMilli(), 10)
	if len(ms) > 6 {
		ms = ms[len(ms)-6:]
	}
	return ms + strconv.Itoa(1000+rand.Intn(9000))
}

// deviceFingerprint 基于 machine-id 与主机名的 UUIDv5
func deviceFingerprint() string {
	var parts []string
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			parts = append(parts, strings.TrimSpace(string(data)))
			break
		}
	}
	if host, err := os.Hostname(); err == nil {
		parts = append(parts, host)
	}
	if len(parts) == 0 {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "|"))).String()
}
