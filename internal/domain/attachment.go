package domain

import (
	"bytes"
	"encoding/json"
)

// Attachment 表示邮件附件。
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Content     string `json:"content,omitempty"` // base64 内容，由后端提供
}

// Attachments 附件列表
//
// 后端历史上存在多种编码：JSON 数组、单个 JSON 对象、或者把上述两者再编码成字符串。
// 解码时全部兼容，无法识别的内容按无附件处理，不返回错误。
type Attachments []Attachment

// UnmarshalJSON 宽松解析附件字段
func (a *Attachments) UnmarshalJSON(data []byte) error {
	*a = decodeAttachments(data, 0)
	return nil
}

func decodeAttachments(data []byte, depth int) Attachments {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || depth > 1 {
		return nil
	}

	switch data[0] {
	case '[':
		var list []Attachment
		if err := json.Unmarshal(data, &list); err != nil {
			return nil
		}
		return list
	case '{':
		var single Attachment
		if err := json.Unmarshal(data, &single); err != nil {
			return nil
		}
		return Attachments{single}
	case '"':
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil
		}
		return decodeAttachments([]byte(inner), depth+1)
	default:
		return nil
	}
}
