package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/client/internal/storage"
)

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("写入后重新打开仍可读取", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewStore(dir, "durable.json")
		require.NoError(t, err)

		require.NoError(t, s.Set(ctx, storage.ExpiryKey("a@temp.mail"), "2026-01-01T00:00:00Z", 0))

		reopened, err := NewStore(dir, "durable.json")
		require.NoError(t, err)
		v, err := reopened.Get(ctx, storage.ExpiryKey("a@temp.mail"))
		require.NoError(t, err)
		assert.Equal(t, "2026-01-01T00:00:00Z", v)
	})

	t.Run("不存在的键", func(t *testing.T) {
		s, err := NewStore(t.TempDir(), "durable.json")
		require.NoError(t, err)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, s.Delete(ctx, "missing"))
	})

	t.Run("过期的键不可读", func(t *testing.T) {
		s, err := NewStore(t.TempDir(), "durable.json")
		require.NoError(t, err)

		now := time.Now()
		s.now = func() time.Time { return now }
		require.NoError(t, s.Set(ctx, "k", "v", time.Minute))

		s.now = func() time.Time { return now.Add(2 * time.Minute) }
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("删除后不可读", func(t *testing.T) {
		s, err := NewStore(t.TempDir(), "durable.json")
		require.NoError(t, err)

		require.NoError(t, s.Set(ctx, "k", "v", 0))
		require.NoError(t, s.Delete(ctx, "k"))
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("损坏的文件视为空", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "durable.json"), []byte("{broken"), 0600))

		s, err := NewStore(dir, "durable.json")
		require.NoError(t, err)
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.FileExists(t, filepath.Join(dir, "durable.json.corrupt"))
	})

	t.Run("拒绝路径穿越", func(t *testing.T) {
		_, err := NewStore("../outside", "durable.json")
		assert.Error(t, err)

		_, err = NewStore(t.TempDir(), "../durable.json")
		assert.Error(t, err)
	})

	t.Run("健康检查", func(t *testing.T) {
		s, err := NewStore(t.TempDir(), "durable.json")
		require.NoError(t, err)
		assert.NoError(t, s.Health())
	})
}
