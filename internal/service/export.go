package service

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"tempmail/client/internal/domain"
)

// 导出相关错误
var (
	ErrMessageNotFound      = errors.New("message not found")
	ErrAttachmentNotFound   = errors.New("attachment not found")
	ErrAttachmentUnreadable = errors.New("attachment content cannot be decoded")
)

const defaultAttachmentType = "application/octet-stream"

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Download 供本地界面下载的文件
type Download struct {
	FileName    string
	ContentType string
	Body        []byte
}

// ExportMessage 将邮件导出为纯文本（发件人、主题、日期、正文）
//
// 文件名取主题，非字母数字字符替换为下划线。
func ExportMessage(m domain.Message) Download {
	from := m.Sender.Address
	if m.Sender.Name != "" {
		from = fmt.Sprintf("%s <%s>", m.Sender.Name, m.Sender.Address)
	}
	date := "unknown"
	if !m.ReceivedAt.IsZero() {
		date = m.ReceivedAt.UTC().Format(time.RFC1123)
	}
	body := m.Body
	if strings.TrimSpace(body) == "" {
		body = "No content available"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	fmt.Fprintf(&b, "Date: %s\n\n", date)
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n")

	name := unsafeFileChars.ReplaceAllString(m.Subject, "_")
	if name == "" {
		name = "message_" + unsafeFileChars.ReplaceAllString(m.ID, "_")
	}
	return Download{
		FileName:    name + ".txt",
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(b.String()),
	}
}

// ExportAttachment 解码邮件的第 index 个附件
func ExportAttachment(m domain.Message, index int) (Download, error) {
	if index < 0 || index >= len(m.Attachments) {
		return Download{}, ErrAttachmentNotFound
	}
	a := m.Attachments[index]

	body, err := decodeAttachment(a.Content)
	if err != nil {
		return Download{}, fmt.Errorf("%w: %s", ErrAttachmentUnreadable, a.Filename)
	}

	d := Download{FileName: a.Filename, ContentType: a.ContentType, Body: body}
	if d.FileName == "" {
		d.FileName = fmt.Sprintf("attachment_%d", index+1)
	}
	if d.ContentType == "" {
		d.ContentType = defaultAttachmentType
	}
	return d, nil
}

// decodeAttachment 解码 base64 内容，兼容换行与缺少填充
func decodeAttachment(content string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, content)
	if cleaned == "" {
		return nil, errors.New("empty content")
	}
	if body, err := base64.StdEncoding.DecodeString(cleaned); err == nil {
		return body, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
}
