package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tempmail/client/internal/storage"
)

// entry 单个键值条目
type entry struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Store 基于单个 JSON 文件的持久层
//
// 所有条目常驻内存，每次写入都整体落盘（先写临时文件再重命名），
// 同一进程内读写立即一致。
type Store struct {
	path    string
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewStore 创建文件持久层
//
// 参数:
//   - dir: 数据目录，不存在时自动创建
//   - name: 文件名，如 "durable.json"
//
// 已存在但无法解析的文件会被重命名为 *.corrupt 并从空状态开始。
func NewStore(dir, name string) (*Store, error) {
	if err := validateLocation(dir, name); err != nil {
		return nil, fmt.Errorf("invalid store location: %w", err)
	}

	base := absDir(dir)
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	s := &Store{
		path:    filepath.Join(base, name),
		entries: make(map[string]entry),
		now:     time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path 数据文件路径
func (s *Store) Path() string {
	return s.path
}

// Get 读取键值
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || s.expired(e) {
		return "", storage.ErrNotFound
	}
	return e.Value, nil
}

// Set 写入键值并落盘
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{Value: value}
	if ttl > 0 {
		at := s.now().Add(ttl).UTC()
		e.ExpiresAt = &at
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.entries[key]
	s.entries[key] = e
	if err := s.flushLocked(); err != nil {
		if had {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

// Delete 删除键并落盘
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.flushLocked()
}

// Health 检查数据目录是否可访问
func (s *Store) Health() error {
	info, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", filepath.Dir(s.path))
	}
	return nil
}

func (s *Store) expired(e entry) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(s.now())
}

// load 从磁盘加载条目，丢弃已过期的条目
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var entries map[string]entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// 损坏的文件视为空，保留现场便于排查
		_ = os.Rename(s.path, s.path+".corrupt")
		return nil
	}

	for k, e := range entries {
		if !s.expired(e) {
			s.entries[k] = e
		}
	}
	return nil
}

// flushLocked 原子写入磁盘，调用方需持有写锁
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
