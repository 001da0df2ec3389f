package security

import (
	"bytes"
	"encoding/base64"
	"mime"
	"path/filepath"
	"strings"

	"tempmail/client/internal/domain"
)

// AttachmentSecurity 附件安全检查器
//
// 附件由后端以 base64 形式下发，本地只做提示，不拦截下载。
type AttachmentSecurity struct {
	// 允许的文件类型
	allowedMimeTypes map[string]bool

	// 最大文件大小（字节）
	maxFileSize int64

	// 危险文件扩展名
	dangerousExtensions map[string]bool
}

// NewAttachmentSecurity 创建附件安全检查器
func NewAttachmentSecurity() *AttachmentSecurity {
	return &AttachmentSecurity{
		allowedMimeTypes: map[string]bool{
			"text/plain":                   true,
			"text/html":                    true,
			"text/csv":                     true,
			"application/json":             true,
			"application/pdf":              true,
			"application/octet-stream":     true,
			"image/jpeg":                   true,
			"image/png":                    true,
			"image/gif":                    true,
			"image/webp":                   true,
			"application/zip":              true,
			"application/x-zip-compressed": true,
		},
		maxFileSize: 10 * 1024 * 1024, // 10MB
		dangerousExtensions: map[string]bool{
			".exe": true, ".bat": true, ".cmd": true, ".scr": true,
			".pif": true, ".com": true, ".vbs": true, ".js": true,
			".jar": true, ".msi": true, ".ps1": true, ".apk": true,
		},
	}
}

// CheckAttachment 检查单个附件，返回是否安全以及原因
func (as *AttachmentSecurity) CheckAttachment(a domain.Attachment) (bool, string) {
	if reason := as.checkFileExtension(a.Filename); reason != "" {
		return false, reason
	}
	if a.ContentType != "" {
		if reason := as.checkMimeType(a.ContentType); reason != "" {
			return false, reason
		}
	}
	if a.Size > as.maxFileSize {
		return false, "file too large"
	}
	if reason := as.checkContent(a.Content); reason != "" {
		return false, reason
	}
	return true, ""
}

func (as *AttachmentSecurity) checkFileExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if as.dangerousExtensions[ext] {
		return "dangerous file extension: " + ext
	}
	return ""
}

func (as *AttachmentSecurity) checkMimeType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "invalid MIME type: " + mimeType
	}
	if !as.allowedMimeTypes[mediaType] {
		return "disallowed MIME type: " + mediaType
	}
	return ""
}

// checkContent 解码内容头部，检查可执行文件魔数与脚本
func (as *AttachmentSecurity) checkContent(encoded string) string {
	if encoded == "" {
		return ""
	}
	// 只需要前 512 字节，对应 684 个 base64 字符
	if len(encoded) > 684 {
		encoded = encoded[:684]
	}
	header, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}

	executableSignatures := [][]byte{
		{0x4D, 0x5A},             // PE
		{0x7F, 0x45, 0x4C, 0x46}, // ELF
		{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O
		{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O (reverse)
	}
	for _, sig := range executableSignatures {
		if bytes.HasPrefix(header, sig) {
			return "executable content detected"
		}
	}

	lower := strings.ToLower(string(header))
	if strings.Contains(lower, "<script") || strings.Contains(lower, "javascript:") {
		return "script content detected"
	}
	return ""
}
