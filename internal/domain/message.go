package domain

import (
	"strings"
	"time"
)

// Sender 发件人信息
type Sender struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Message 表示收件箱中的一封邮件（后端拥有，本地只读缓存）。
type Message struct {
	ID          string      `json:"id"`
	Sender      Sender      `json:"sender"`
	Subject     string      `json:"subject"`
	Body        string      `json:"body"`
	Attachments Attachments `json:"attachments,omitempty"`
	ReceivedAt  time.Time   `json:"receivedAt"`
	Seen        bool        `json:"seen"` // 本地已读标记
}

// Matches 按主题、发件人地址或名称做不区分大小写的子串匹配
func (m Message) Matches(query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	return strings.Contains(strings.ToLower(m.Subject), query) ||
		strings.Contains(strings.ToLower(m.Sender.Address), query) ||
		strings.Contains(strings.ToLower(m.Sender.Name), query)
}
