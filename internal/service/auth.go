package service

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"tempmail/client/internal/logger"
	"tempmail/client/internal/storage"
)

// AuthToken 管理登录令牌（持久层 authToken）
//
// 令牌由后端签发，客户端无法验证签名，只解析 exp 判断是否已过期；
// 非 JWT 格式的令牌视为有效，由后端决定是否接受。
type AuthToken struct {
	store *storage.Selector
	log   *zap.Logger
	now   func() time.Time
}

// NewAuthToken 创建令牌管理器
func NewAuthToken(store *storage.Selector, log *zap.Logger) *AuthToken {
	return &AuthToken{
		store: store,
		log:   logger.Named(log, "auth"),
		now:   time.Now,
	}
}

// Token 读取当前令牌，不存在或已过期返回 false
func (a *AuthToken) Token(ctx context.Context) (string, bool) {
	token, ok := a.store.Read(ctx, storage.TierDurable, storage.KeyAuthToken)
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", false
	}
	if a.expired(token) {
		a.log.Info("auth token expired, treating as signed out")
		return "", false
	}
	return token, true
}

// Set 保存登录令牌
func (a *AuthToken) Set(ctx context.Context, token string) error {
	return a.store.Write(ctx, storage.TierDurable, storage.KeyAuthToken, strings.TrimSpace(token), 0)
}

// Clear 清除登录令牌及登录用户的缓存
func (a *AuthToken) Clear(ctx context.Context) error {
	for _, key := range []string{storage.KeyAuthToken, storage.KeyPurchasedEmails, storage.KeyActivePurchased} {
		if err := a.store.Clear(ctx, storage.TierDurable, key); err != nil {
			return err
		}
	}
	return nil
}

// expired 解析 JWT 的 exp（不验证签名）
func (a *AuthToken) expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.Time.After(a.now())
}
