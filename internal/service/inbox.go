package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/client/internal/domain"
	"tempmail/client/internal/logger"
	"tempmail/client/internal/monitoring"
	"tempmail/client/internal/notify"
)

// MessageCache 本地去重的邮件缓存
//
// 按首次出现顺序保存；已出现过的 ID 不会重新加入或调整顺序。
type MessageCache struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]domain.Message
	seen  map[string]bool
}

// NewMessageCache 创建邮件缓存
func NewMessageCache() *MessageCache {
	return &MessageCache{
		byID: make(map[string]domain.Message),
		seen: make(map[string]bool),
	}
}

// Merge 合并一次拉取的结果，返回新增的邮件（保持后端顺序）
func (c *MessageCache) Merge(messages []domain.Message) []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []domain.Message
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		if _, exists := c.byID[msg.ID]; exists {
			continue
		}
		c.byID[msg.ID] = msg
		c.order = append(c.order, msg.ID)
		added = append(added, msg)
	}
	return added
}

// List 返回匹配查询的邮件（空查询返回全部），不修改缓存
func (c *MessageCache) List(query string) []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Message, 0, len(c.order))
	for _, id := range c.order {
		msg := c.byID[id]
		msg.Seen = c.seen[id]
		if msg.Matches(query) {
			out = append(out, msg)
		}
	}
	return out
}

// Get 按 ID 获取邮件
func (c *MessageCache) Get(id string) (domain.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.byID[id]
	msg.Seen = c.seen[id]
	return msg, ok
}

// MarkSeen 标记已读，邮件不存在时返回 false
func (c *MessageCache) MarkSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		return false
	}
	c.seen[id] = true
	return true
}

// Len 缓存的邮件数
func (c *MessageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Reset 清空缓存（包括已读标记）
func (c *MessageCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.byID = make(map[string]domain.Message)
	c.seen = make(map[string]bool)
}

// MailListener 新邮件监听器（由 WebSocket Hub 实现）
type MailListener interface {
	NewMail(address string, messages []domain.Message)
}

// Ticker 可替换的定时器，便于测试逐步推进
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// PollHandle 一次轮询任务的句柄
type PollHandle struct {
	identity domain.Identity
	cancel   context.CancelFunc
	done     chan struct{}
}

// Identity 轮询的身份
func (h *PollHandle) Identity() domain.Identity {
	return h.identity
}

// Stop 停止轮询并等待退出
func (h *PollHandle) Stop() {
	h.cancel()
	<-h.done
}

// InboxSynchronizer 收件箱同步器
//
// 同一时间只有一个轮询任务；没有活动身份时不轮询。
type InboxSynchronizer struct {
	backend   Backend
	cache     *MessageCache
	notifier  *notify.Notifier
	metrics   *monitoring.Metrics
	log       *zap.Logger
	interval  time.Duration
	threshold int
	newTicker func(time.Duration) Ticker

	mu       sync.Mutex
	handle   *PollHandle
	current  string
	gen      uint64 // 缓存清空次数，清空前发出的拉取结果不再合并
	failures int
	warned   bool
	listener MailListener
}

// NewInboxSynchronizer 创建收件箱同步器
//
// 参数:
//   - b: 后端接口
//   - interval: 轮询间隔
//   - threshold: 连续失败多少次后提示用户
func NewInboxSynchronizer(
	b Backend,
	notifier *notify.Notifier,
	metrics *monitoring.Metrics,
	interval time.Duration,
	threshold int,
	log *zap.Logger,
) *InboxSynchronizer {
	if threshold <= 0 {
		threshold = 3
	}
	return &InboxSynchronizer{
		backend:   b,
		cache:     NewMessageCache(),
		notifier:  notifier,
		metrics:   metrics,
		log:       logger.Named(log, "inbox"),
		interval:  interval,
		threshold: threshold,
		newTicker: func(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} },
	}
}

// SetListener 设置新邮件监听器
func (s *InboxSynchronizer) SetListener(l MailListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Cache 本地邮件缓存
func (s *InboxSynchronizer) Cache() *MessageCache {
	return s.cache
}

// Start 开始轮询身份的收件箱，替换已有的轮询任务
//
// 身份变化时清空缓存；立即拉取一次，随后按固定间隔拉取。
func (s *InboxSynchronizer) Start(ctx context.Context, id domain.Identity) *PollHandle {
	s.Stop()

	s.mu.Lock()
	if s.current != id.Address {
		s.cache.Reset()
		s.current = id.Address
		s.gen++
	}
	s.failures = 0
	s.warned = false

	pollCtx, cancel := context.WithCancel(ctx)
	h := &PollHandle{identity: id, cancel: cancel, done: make(chan struct{})}
	s.handle = h
	s.mu.Unlock()

	ticker := s.newTicker(s.interval)
	go func() {
		defer close(h.done)
		defer ticker.Stop()

		s.poll(pollCtx, id)
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C():
				s.poll(pollCtx, id)
			}
		}
	}()

	s.log.Info("inbox polling started", zap.String("address", id.Address), zap.Duration("interval", s.interval))
	return h
}

// Stop 停止当前轮询任务（没有任务时无操作）
func (s *InboxSynchronizer) Stop() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h != nil {
		h.Stop()
		s.log.Info("inbox polling stopped", zap.String("address", h.identity.Address))
	}
}

// Running 当前是否在轮询
func (s *InboxSynchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Refresh 立即拉取一次
func (s *InboxSynchronizer) Refresh(ctx context.Context, id domain.Identity) error {
	return s.poll(ctx, id)
}

// poll 拉取一次并合并；失败时保留现有缓存
func (s *InboxSynchronizer) poll(ctx context.Context, id domain.Identity) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	messages, err := s.backend.Inbox(ctx, id.Address, id.DeviceKey)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		s.metrics.RecordPoll(false, 0, s.cache.Len())
		s.recordFailure(id.Address, err)
		return err
	}

	s.mu.Lock()
	if s.current != id.Address || s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.failures = 0
	s.warned = false
	listener := s.listener
	added := s.cache.Merge(messages)
	s.mu.Unlock()

	s.metrics.RecordPoll(true, len(added), s.cache.Len())

	if len(added) > 0 {
		s.log.Debug("new messages", zap.String("address", id.Address), zap.Int("count", len(added)))
		if listener != nil {
			listener.NewMail(id.Address, added)
		}
	}
	return nil
}

func (s *InboxSynchronizer) recordFailure(address string, err error) {
	s.mu.Lock()
	s.failures++
	warn := s.failures >= s.threshold && !s.warned
	if warn {
		s.warned = true
	}
	failures := s.failures
	s.mu.Unlock()

	s.log.Debug("inbox poll failed", zap.String("address", address), zap.Int("consecutive", failures), zap.Error(err))
	if warn {
		s.notifier.Notify(notify.Notice{
			Level: notify.LevelWarning,
			Code:  notify.CodeInboxUnreachable,
			Text:  "We are having trouble reaching your inbox. New mail may be delayed.",
		})
	}
}

// Clear 请求后端删除全部邮件并清空本地缓存（不改变身份）
func (s *InboxSynchronizer) Clear(ctx context.Context, id domain.Identity) error {
	if err := s.backend.DeleteInbox(ctx, id.Address); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	s.mu.Lock()
	s.gen++
	s.cache.Reset()
	s.mu.Unlock()
	return nil
}

// Reset 清空本地缓存并忘记当前地址
func (s *InboxSynchronizer) Reset() {
	s.mu.Lock()
	s.current = ""
	s.gen++
	s.cache.Reset()
	s.mu.Unlock()
}
