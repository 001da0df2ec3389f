package security

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"tempmail/client/internal/domain"
)

func TestScreener_Screen(t *testing.T) {
	s := NewScreener()

	t.Run("普通邮件", func(t *testing.T) {
		v := s.Screen(domain.Message{Subject: "Your code", Body: "Use 123456 to sign in."})
		assert.False(t, v.Suspicious)
		assert.Empty(t, v.Reasons)
	})

	t.Run("正文包含脚本", func(t *testing.T) {
		v := s.Screen(domain.Message{Body: "<p>hi</p><script>alert(1)</script>"})
		assert.True(t, v.Suspicious)
		assert.Contains(t, v.Reasons, "active content in body")
	})

	t.Run("垃圾邮件关键词", func(t *testing.T) {
		v := s.Screen(domain.Message{Subject: "Congratulations winner", Body: "Click here to claim"})
		assert.True(t, v.Suspicious)
		assert.Contains(t, v.Reasons, "looks like spam")
	})

	t.Run("关键词不足阈值", func(t *testing.T) {
		v := s.Screen(domain.Message{Subject: "Limited time", Body: "sale"})
		assert.False(t, v.Suspicious)
	})

	t.Run("危险附件", func(t *testing.T) {
		v := s.Screen(domain.Message{Attachments: domain.Attachments{
			{Filename: "invoice.pdf", ContentType: "application/pdf"},
			{Filename: "setup.exe", ContentType: "application/octet-stream"},
		}})
		assert.True(t, v.Suspicious)
		assert.Len(t, v.Attachments, 1)
		assert.Contains(t, v.Attachments["setup.exe"], ".exe")
	})
}

func TestAttachmentSecurity_CheckAttachment(t *testing.T) {
	as := NewAttachmentSecurity()

	tests := []struct {
		name string
		att  domain.Attachment
		ok   bool
	}{
		{"图片", domain.Attachment{Filename: "a.png", ContentType: "image/png", Size: 100}, true},
		{"带参数的类型", domain.Attachment{Filename: "a.txt", ContentType: "text/plain; charset=utf-8"}, true},
		{"不允许的类型", domain.Attachment{Filename: "a.bin", ContentType: "application/x-msdownload"}, false},
		{"超大文件", domain.Attachment{Filename: "a.zip", ContentType: "application/zip", Size: 11 * 1024 * 1024}, false},
		{"伪装的可执行文件", domain.Attachment{
			Filename:    "photo.png",
			ContentType: "image/png",
			Content:     base64.StdEncoding.EncodeToString([]byte{0x4D, 0x5A, 0x90, 0x00}),
		}, false},
		{"文本中的脚本", domain.Attachment{
			Filename:    "note.html",
			ContentType: "text/html",
			Content:     base64.StdEncoding.EncodeToString([]byte("<html><script>x()</script>")),
		}, false},
		{"无法解码的内容按安全处理", domain.Attachment{Filename: "a.txt", ContentType: "text/plain", Content: "%%%"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := as.CheckAttachment(tt.att)
			assert.Equal(t, tt.ok, ok, reason)
		})
	}
}
