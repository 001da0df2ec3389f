package cookie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tempmail/client/internal/storage"
)

// Jar 共享 Cookie 层
//
// 以文件保存 Cookie，既作为身份存储层（storage.Backend），
// 也作为后端 HTTP 客户端的 http.CookieJar，使 Cookie 随请求发送。
type Jar struct {
	path      string
	host      string // 只与该主机交换 Cookie，为空时不限制
	protected map[string]bool
	mu        sync.RWMutex
	cookies   map[string]*http.Cookie
	now       func() time.Time
}

// persistedCookie Cookie 文件中的条目
type persistedCookie struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires"`
}

// NewJar 创建 Cookie 层
//
// 参数:
//   - path: Cookie 文件路径，为空时只保存在内存中
//   - protected: 后端响应不得覆盖的 Cookie 名称（如封装后的身份）
func NewJar(path string, protected ...string) (*Jar, error) {
	j := &Jar{
		path:      path,
		protected: make(map[string]bool, len(protected)),
		cookies:   make(map[string]*http.Cookie),
		now:       time.Now,
	}
	for _, name := range protected {
		j.protected[name] = true
	}

	if path == "" {
		return j, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create cookie directory: %w", err)
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

// RestrictTo 只与 baseURL 的主机交换 Cookie
//
// 重定向到其他主机时既不发送也不接收 Cookie。
func (j *Jar) RestrictTo(baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("backend url has no host: %q", baseURL)
	}

	j.mu.Lock()
	j.host = strings.ToLower(u.Hostname())
	j.mu.Unlock()
	return nil
}

// allowedLocked 请求目标是否为后端主机
func (j *Jar) allowedLocked(u *url.URL) bool {
	if j.host == "" {
		return true
	}
	return u != nil && strings.EqualFold(u.Hostname(), j.host)
}

// Get 读取 Cookie 值
func (j *Jar) Get(_ context.Context, name string) (string, error) {
	j.mu.RLock()
	c, ok := j.cookies[name]
	j.mu.RUnlock()

	if !ok || j.expired(c) {
		return "", storage.ErrNotFound
	}
	return c.Value, nil
}

// Set 写入 Cookie，ttl 为 0 表示会话 Cookie（进程退出后不保留）
func (j *Jar) Set(_ context.Context, name, value string, ttl time.Duration) error {
	c := &http.Cookie{Name: name, Value: value, Path: "/"}
	if ttl > 0 {
		c.Expires = j.now().Add(ttl).UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies[name] = c
	return j.flushLocked()
}

// Delete 删除 Cookie
func (j *Jar) Delete(_ context.Context, name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.cookies[name]; !ok {
		return nil
	}
	delete(j.cookies, name)
	return j.flushLocked()
}

// Health Cookie 层始终可用
func (j *Jar) Health() error {
	return nil
}

// SetCookies 接收后端响应中的 Cookie（实现 http.CookieJar）
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.allowedLocked(u) {
		return
	}

	changed := false
	for _, c := range cookies {
		if c.Name == "" || j.protected[c.Name] {
			continue
		}
		if c.MaxAge < 0 || (!c.Expires.IsZero() && !c.Expires.After(j.now())) {
			delete(j.cookies, c.Name)
			changed = true
			continue
		}

		stored := &http.Cookie{Name: c.Name, Value: c.Value, Path: "/", Expires: c.Expires}
		if c.MaxAge > 0 {
			stored.Expires = j.now().Add(time.Duration(c.MaxAge) * time.Second).UTC()
		}
		j.cookies[c.Name] = stored
		changed = true
	}

	if changed {
		_ = j.flushLocked()
	}
}

// Cookies 返回随请求发送的 Cookie（实现 http.CookieJar）
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if !j.allowedLocked(u) {
		return nil
	}

	out := make([]*http.Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		if j.expired(c) {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

func (j *Jar) expired(c *http.Cookie) bool {
	return !c.Expires.IsZero() && !c.Expires.After(j.now())
}

func (j *Jar) load() error {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cookie file: %w", err)
	}

	var stored map[string]persistedCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		// 无法解析的 Cookie 文件按空处理
		return nil
	}
	for name, pc := range stored {
		c := &http.Cookie{Name: name, Value: pc.Value, Path: "/", Expires: pc.Expires}
		if !j.expired(c) {
			j.cookies[name] = c
		}
	}
	return nil
}

// flushLocked 保存持久 Cookie，会话 Cookie 不落盘
func (j *Jar) flushLocked() error {
	if j.path == "" {
		return nil
	}

	stored := make(map[string]persistedCookie, len(j.cookies))
	for name, c := range j.cookies {
		if c.Expires.IsZero() {
			continue
		}
		stored[name] = persistedCookie{Value: c.Value, Expires: c.Expires}
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace cookie file: %w", err)
	}
	return nil
}
