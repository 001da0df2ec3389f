package security

import (
	"regexp"
	"strings"

	"tempmail/client/internal/domain"
)

// Verdict 邮件检查结果
type Verdict struct {
	Suspicious  bool              `json:"suspicious"`
	Reasons     []string          `json:"reasons,omitempty"`
	Attachments map[string]string `json:"blockedAttachments,omitempty"` // 文件名 -> 原因
}

// Screener 对收件箱中的邮件做本地提示性检查
type Screener struct {
	maliciousPatterns []*regexp.Regexp
	spamKeywords      []string
	spamThreshold     int
	attachments       *AttachmentSecurity
}

// NewScreener 创建邮件检查器
func NewScreener() *Screener {
	return &Screener{
		maliciousPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
			regexp.MustCompile(`(?i)javascript:`),
			regexp.MustCompile(`(?i)onload\s*=`),
			regexp.MustCompile(`(?i)onerror\s*=`),
			regexp.MustCompile(`(?i)document\.cookie`),
			regexp.MustCompile(`(?i)<iframe[^>]*>`),
			regexp.MustCompile(`(?i)<object[^>]*>`),
			regexp.MustCompile(`(?i)<embed[^>]*>`),
		},
		spamKeywords: []string{
			"viagra", "casino", "lottery", "winner", "congratulations",
			"free money", "click here", "limited time", "act now",
			"guaranteed", "no risk", "earn money", "work from home",
		},
		spamThreshold: 3,
		attachments:   NewAttachmentSecurity(),
	}
}

// Screen 检查邮件正文与附件
func (s *Screener) Screen(m domain.Message) Verdict {
	var v Verdict

	for _, p := range s.maliciousPatterns {
		if p.MatchString(m.Body) {
			v.Reasons = append(v.Reasons, "active content in body")
			break
		}
	}

	text := strings.ToLower(m.Subject + "\n" + m.Body)
	hits := 0
	for _, kw := range s.spamKeywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	if hits >= s.spamThreshold {
		v.Reasons = append(v.Reasons, "looks like spam")
	}

	for _, a := range m.Attachments {
		if ok, reason := s.attachments.CheckAttachment(a); !ok {
			if v.Attachments == nil {
				v.Attachments = make(map[string]string)
			}
			v.Attachments[a.Filename] = reason
		}
	}

	v.Suspicious = len(v.Reasons) > 0 || len(v.Attachments) > 0
	return v
}
