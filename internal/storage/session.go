package storage

import (
	"context"
	"time"

	"tempmail/client/internal/cache"
)

// SessionBackend 基于进程内缓存的会话层，进程退出即清空
type SessionBackend struct {
	cache *cache.LocalCache
}

// NewSessionBackend 创建会话层
func NewSessionBackend(c *cache.LocalCache) *SessionBackend {
	return &SessionBackend{cache: c}
}

// Get 读取键值
func (s *SessionBackend) Get(_ context.Context, key string) (string, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	str, ok := v.(string)
	if !ok {
		return "", ErrNotFound
	}
	return str, nil
}

// Set 写入键值
func (s *SessionBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.cache.Set(key, value, ttl)
	return nil
}

// Delete 删除键
func (s *SessionBackend) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// Health 会话层始终可用
func (s *SessionBackend) Health() error {
	return nil
}
