package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tempmail/client/internal/backend"
	"tempmail/client/internal/domain"
	"tempmail/client/internal/storage"
)

func TestIdentityManager_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("首次访问生成新身份并写入 Cookie", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).Return("fresh@temp.mail", nil).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fresh@temp.mail", id.Address)
		assert.Equal(t, domain.OriginAnonymous, id.Origin)

		raw, ok := env.store.Read(ctx, storage.TierCookie, testCookieName)
		require.True(t, ok)
		var rec domain.PersistedIdentityRecord
		require.True(t, env.sealer.OpenJSON(raw, &rec))
		assert.Equal(t, "fresh@temp.mail", rec.Address)
		assert.Equal(t, testDeviceKey, rec.DeviceKey)

		expiry, ok := env.subs.Expiry(ctx, "fresh@temp.mail")
		require.True(t, ok)
		assert.Equal(t, env.now.Add(7*24*time.Hour), expiry.ExpiresAt)
		env.backend.AssertExpectations(t)
	})

	t.Run("并发解析只生成一次", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).
			Run(func(mock.Arguments) { time.Sleep(50 * time.Millisecond) }).
			Return("once@temp.mail", nil).Once()

		var wg sync.WaitGroup
		results := make([]domain.Identity, 8)
		errs := make([]error, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = env.identity.Resolve(ctx)
			}(i)
		}
		wg.Wait()

		for i := range results {
			require.NoError(t, errs[i])
			assert.Equal(t, "once@temp.mail", results[i].Address)
		}
		env.backend.AssertNumberOfCalls(t, "MintIdentity", 1)

		again, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, results[0], again)
		env.backend.AssertNumberOfCalls(t, "MintIdentity", 1)
	})

	t.Run("调用方取消不影响进行中的解析", func(t *testing.T) {
		env := newTestEnv(t)
		release := make(chan struct{})
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).
			Run(func(mock.Arguments) { <-release }).
			Return("slow@temp.mail", nil).Once()

		cctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			_, err := env.identity.Resolve(cctx)
			done <- err
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		close(release)
		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "slow@temp.mail", id.Address)
		env.backend.AssertNumberOfCalls(t, "MintIdentity", 1)
	})

	t.Run("从 Cookie 恢复未过期的身份", func(t *testing.T) {
		env := newTestEnv(t)
		env.writeCookieRecord(t, "kept@temp.mail", env.now.Add(-24*time.Hour))
		env.setExpiry(t, "kept@temp.mail", env.now.Add(48*time.Hour))

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "kept@temp.mail", id.Address)
		assert.Equal(t, "old-device", id.DeviceKey)
		env.backend.AssertNotCalled(t, "MintIdentity", anyCtx, mock.Anything)
	})

	t.Run("本地无到期记录时参考后端", func(t *testing.T) {
		env := newTestEnv(t)
		env.writeCookieRecord(t, "kept@temp.mail", env.now.Add(-30*24*time.Hour))
		env.backend.On("Expiry", anyCtx, "kept@temp.mail").Return(env.now.Add(10*24*time.Hour), nil).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "kept@temp.mail", id.Address)

		rec, ok := env.subs.Expiry(ctx, "kept@temp.mail")
		require.True(t, ok)
		assert.Equal(t, env.now.Add(10*24*time.Hour), rec.ExpiresAt)
	})

	t.Run("损坏的 Cookie 触发重新生成", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.store.Write(ctx, storage.TierCookie, testCookieName, "not-a-sealed-value", time.Hour))
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).Return("new@temp.mail", nil).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "new@temp.mail", id.Address)

		raw, ok := env.store.Read(ctx, storage.TierCookie, testCookieName)
		require.True(t, ok)
		var rec domain.PersistedIdentityRecord
		assert.True(t, env.sealer.OpenJSON(raw, &rec))
	})

	t.Run("已过期的身份被替换", func(t *testing.T) {
		env := newTestEnv(t)
		env.writeCookieRecord(t, "old@temp.mail", env.now.Add(-10*24*time.Hour))
		env.setExpiry(t, "old@temp.mail", env.now.Add(-time.Hour))
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).Return("new@temp.mail", nil).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "new@temp.mail", id.Address)

		_, ok := env.subs.Expiry(ctx, "old@temp.mail")
		assert.True(t, ok, "到期记录不会被自动删除")
	})

	t.Run("会话层补写丢失的 Cookie", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).Return("tab@temp.mail", nil).Once()
		_, err := env.identity.Resolve(ctx)
		require.NoError(t, err)

		require.NoError(t, env.store.Clear(ctx, storage.TierCookie, testCookieName))
		env.identity.Forget()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tab@temp.mail", id.Address)
		_, ok := env.store.Read(ctx, storage.TierCookie, testCookieName)
		assert.True(t, ok)
		env.backend.AssertNumberOfCalls(t, "MintIdentity", 1)
	})

	t.Run("生成失败返回可识别的错误", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).
			Return("", &backend.APIError{Op: "mint-identity", Status: 503, Kind: backend.ErrUnavailable}).Once()

		_, err := env.identity.Resolve(ctx)
		assert.ErrorIs(t, err, domain.ErrMintFailed)
		assert.ErrorIs(t, err, backend.ErrUnavailable)
		_, ok := env.identity.Active()
		assert.False(t, ok)
	})
}

func TestIdentityManager_Purchased(t *testing.T) {
	ctx := context.Background()
	purchased := []domain.PurchasedIdentity{
		{Address: "p1@temp.mail", DeviceKey: "k1"},
		{Address: "p2@temp.mail", DeviceKey: "k2"},
	}

	t.Run("登录用户优先使用已购身份且不写 Cookie", func(t *testing.T) {
		env := newTestEnv(t)
		env.signIn(t, "opaque-token")
		env.writeCookieRecord(t, "anon@temp.mail", env.now)
		cookieBefore, _ := env.store.Read(ctx, storage.TierCookie, testCookieName)
		env.backend.On("PurchasedIdentities", anyCtx, "opaque-token").Return(purchased, nil).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "p1@temp.mail", id.Address)
		assert.Equal(t, domain.OriginPurchased, id.Origin)

		cookieAfter, _ := env.store.Read(ctx, storage.TierCookie, testCookieName)
		assert.Equal(t, cookieBefore, cookieAfter)
		env.backend.AssertNotCalled(t, "MintIdentity", anyCtx, mock.Anything)
	})

	t.Run("使用之前选中的已购身份", func(t *testing.T) {
		env := newTestEnv(t)
		env.signIn(t, "opaque-token")
		require.NoError(t, env.store.Write(ctx, storage.TierDurable, storage.KeyActivePurchased, "p2@temp.mail", 0))
		env.backend.On("PurchasedIdentities", anyCtx, "opaque-token").Return(purchased, nil).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "p2@temp.mail", id.Address)
		assert.Equal(t, "k2", id.DeviceKey)
	})

	t.Run("后端拒绝令牌时退回匿名身份", func(t *testing.T) {
		env := newTestEnv(t)
		env.signIn(t, "opaque-token")
		env.backend.On("PurchasedIdentities", anyCtx, "opaque-token").
			Return(nil, &backend.APIError{Status: 401, Kind: backend.ErrUnauthorized}).Once()
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).Return("anon@temp.mail", nil).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.OriginAnonymous, id.Origin)
	})

	t.Run("后端不可用时使用缓存的已购列表", func(t *testing.T) {
		env := newTestEnv(t)
		env.signIn(t, "opaque-token")
		env.backend.On("PurchasedIdentities", anyCtx, "opaque-token").Return(purchased, nil).Once()
		_, err := env.identity.Resolve(ctx)
		require.NoError(t, err)

		env.identity.Forget()
		env.backend.On("PurchasedIdentities", anyCtx, "opaque-token").
			Return(nil, &backend.APIError{Kind: backend.ErrUnavailable}).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "p1@temp.mail", id.Address)
	})

	t.Run("过期的 JWT 视为未登录", func(t *testing.T) {
		env := newTestEnv(t)
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": env.now.Add(-time.Hour).Unix(),
		}).SignedString([]byte("backend-secret"))
		require.NoError(t, err)
		env.signIn(t, token)
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).Return("anon@temp.mail", nil).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.OriginAnonymous, id.Origin)
		env.backend.AssertNotCalled(t, "PurchasedIdentities", anyCtx, mock.Anything)
	})

	t.Run("切换到已购身份", func(t *testing.T) {
		env := newTestEnv(t)
		env.signIn(t, "opaque-token")
		env.backend.On("PurchasedIdentities", anyCtx, "opaque-token").Return(purchased, nil)

		_, err := env.identity.Resolve(ctx)
		require.NoError(t, err)

		id, err := env.identity.Switch(ctx, "P2@temp.mail")
		require.NoError(t, err)
		assert.Equal(t, "p2@temp.mail", id.Address)

		pointer, ok := env.store.Read(ctx, storage.TierDurable, storage.KeyActivePurchased)
		require.True(t, ok)
		assert.Equal(t, "p2@temp.mail", pointer)
		_, ok = env.store.Read(ctx, storage.TierCookie, testCookieName)
		assert.False(t, ok, "切换不写 Cookie")

		_, err = env.identity.Switch(ctx, "stranger@temp.mail")
		assert.ErrorIs(t, err, domain.ErrNotPurchased)
	})

	t.Run("未登录不能切换", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.identity.Switch(ctx, "p1@temp.mail")
		assert.ErrorIs(t, err, domain.ErrAuthRequired)
	})
}

func TestIdentityManager_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("后端失败不阻止本地清除", func(t *testing.T) {
		env := newTestEnv(t)
		env.backend.On("MintIdentity", anyCtx, testDeviceKey).Return("gone@temp.mail", nil).Once()
		env.backend.On("DeleteInbox", anyCtx, "gone@temp.mail").
			Return(&backend.APIError{Kind: backend.ErrUnavailable}).Once()

		_, err := env.identity.Resolve(ctx)
		require.NoError(t, err)

		deleted, err := env.identity.Delete(ctx)
		require.NoError(t, err)
		assert.Equal(t, "gone@temp.mail", deleted.Address)

		_, ok := env.identity.Active()
		assert.False(t, ok)
		_, ok = env.store.Read(ctx, storage.TierCookie, testCookieName)
		assert.False(t, ok)
		_, ok = env.store.Read(ctx, storage.TierSession, storage.KeySessionIdentity)
		assert.False(t, ok)
		_, ok = env.subs.Expiry(ctx, "gone@temp.mail")
		assert.False(t, ok)
		env.backend.AssertExpectations(t)
	})

	t.Run("删除已购身份保留匿名 Cookie", func(t *testing.T) {
		env := newTestEnv(t)
		env.signIn(t, "opaque-token")
		env.writeCookieRecord(t, "anon@temp.mail", env.now)
		cookieBefore, _ := env.store.Read(ctx, storage.TierCookie, testCookieName)
		env.backend.On("PurchasedIdentities", anyCtx, "opaque-token").
			Return([]domain.PurchasedIdentity{{Address: "p1@temp.mail", DeviceKey: "k1"}}, nil).Once()
		env.backend.On("DeleteInbox", anyCtx, "p1@temp.mail").Return(nil).Once()

		id, err := env.identity.Resolve(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.OriginPurchased, id.Origin)

		_, err = env.identity.Delete(ctx)
		require.NoError(t, err)

		cookieAfter, ok := env.store.Read(ctx, storage.TierCookie, testCookieName)
		require.True(t, ok)
		assert.Equal(t, cookieBefore, cookieAfter)
		_, ok = env.store.Read(ctx, storage.TierDurable, storage.KeyActivePurchased)
		assert.False(t, ok)
		env.backend.AssertExpectations(t)
	})

	t.Run("没有活动身份", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.identity.Delete(ctx)
		assert.ErrorIs(t, err, domain.ErrNoActiveIdentity)
	})
}

func TestIdentityManager_DeviceKey(t *testing.T) {
	env := newTestEnv(t)
	m := NewIdentityManager(env.backend, env.store, env.sealer, env.auth, env.subs, nil, IdentityOptions{}, nil)
	m.now = func() time.Time { return time.UnixMilli(1760875200123) }

	key := m.generateDeviceKey()
	require.Len(t, key, 10)
	assert.Equal(t, "200123", key[:6])
	assert.GreaterOrEqual(t, key[6:], "1000")
	assert.LessOrEqual(t, key[6:], "9999")
}
