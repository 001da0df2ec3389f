package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/client/internal/logger"
)

// Level 提示级别
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// 提示代码
const (
	CodeExpiryWarning      = "expiry_warning"
	CodeInboxUnreachable   = "inbox_unreachable"
	CodeMintFailed         = "mint_failed"
	CodePurchaseConfirmed  = "purchase_confirmed"
	CodePurchaseCancelled  = "purchase_cancelled"
	CodePurchaseFailed     = "purchase_failed"
	CodeVerificationFailed = "verification_failed"
	CodeAuthRequired       = "auth_required"
)

// Notice 面向用户的提示
type Notice struct {
	Level     Level          `json:"level"`
	Code      string         `json:"code"`
	Text      string         `json:"text"`
	Key       string         `json:"-"` // 一次性提示的去重键
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Receiver 提示接收器接口
type Receiver interface {
	SendNotice(notice Notice) error
}

// Notifier 提示分发器
//
// 带 Key 的提示在进程生命周期内只发送一次。
type Notifier struct {
	mu        sync.RWMutex
	receivers []Receiver
	sent      map[string]time.Time
	log       *zap.Logger
	now       func() time.Time
}

// New 创建提示分发器
func New(log *zap.Logger) *Notifier {
	return &Notifier{
		sent: make(map[string]time.Time),
		log:  logger.Named(log, "notify"),
		now:  time.Now,
	}
}

// AddReceiver 添加接收器
func (n *Notifier) AddReceiver(r Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers = append(n.receivers, r)
}

// Notify 发送提示；去重键已发送过时返回 false
func (n *Notifier) Notify(notice Notice) bool {
	if n == nil {
		return false
	}
	if notice.Timestamp.IsZero() {
		notice.Timestamp = n.now()
	}

	n.mu.Lock()
	if notice.Key != "" {
		if _, exists := n.sent[notice.Key]; exists {
			n.mu.Unlock()
			n.log.Debug("notice already sent", zap.String("key", notice.Key))
			return false
		}
		n.sent[notice.Key] = notice.Timestamp
	}
	receivers := append([]Receiver(nil), n.receivers...)
	n.mu.Unlock()

	for _, r := range receivers {
		if err := r.SendNotice(notice); err != nil {
			n.log.Error("failed to deliver notice",
				zap.String("code", notice.Code),
				zap.Error(err))
		}
	}
	return true
}

// Info 发送普通提示
func (n *Notifier) Info(code, text string) {
	n.Notify(Notice{Level: LevelInfo, Code: code, Text: text})
}

// Warning 发送警告提示
func (n *Notifier) Warning(code, text string) {
	n.Notify(Notice{Level: LevelWarning, Code: code, Text: text})
}

// Error 发送错误提示
func (n *Notifier) Error(code, text string) {
	n.Notify(Notice{Level: LevelError, Code: code, Text: text})
}

// Sent 去重键是否已发送
func (n *Notifier) Sent(key string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.sent[key]
	return ok
}

// LogReceiver 把提示写入日志
type LogReceiver struct {
	log *zap.Logger
}

// NewLogReceiver 创建日志接收器
func NewLogReceiver(log *zap.Logger) *LogReceiver {
	return &LogReceiver{log: logger.OrNop(log)}
}

// SendNotice 实现 Receiver 接口
func (r *LogReceiver) SendNotice(notice Notice) error {
	fields := []zap.Field{
		zap.String("code", notice.Code),
		zap.String("text", notice.Text),
	}
	switch notice.Level {
	case LevelError:
		r.log.Error("notice", fields...)
	case LevelWarning:
		r.log.Warn("notice", fields...)
	default:
		r.log.Info("notice", fields...)
	}
	return nil
}

// Recorder 在内存中记录提示
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// SendNotice 实现 Receiver 接口
func (r *Recorder) SendNotice(notice Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice)
	return nil
}

// Notices 已记录的提示
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Codes 已记录提示的代码
func (r *Recorder) Codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		codes = append(codes, n.Code)
	}
	return codes
}
