package httptransport

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tempmail/client/internal/domain"
	"tempmail/client/internal/security"
	"tempmail/client/internal/service"
)

// messageView 邮件详情及本地检查结果
type messageView struct {
	domain.Message
	Screening security.Verdict `json:"screening"`
}

// listMessages 返回本地缓存中匹配查询的邮件
func (h *Handler) listMessages(c *gin.Context) {
	messages := h.session.Messages(c.Query("q"))

	unread := 0
	for _, m := range messages {
		if !m.Seen {
			unread++
		}
	}
	Success(c, gin.H{
		"messages": messages,
		"count":    len(messages),
		"unread":   unread,
	})
}

// openMessage 打开一封邮件（标记已读）
func (h *Handler) openMessage(c *gin.Context) {
	msg, ok := h.session.Open(c.Param("id"))
	if !ok {
		NotFound(c, MsgMessageMissing)
		return
	}
	Success(c, messageView{Message: msg, Screening: h.screener.Screen(msg)})
}

// markSeen 标记邮件已读
func (h *Handler) markSeen(c *gin.Context) {
	if !h.session.MarkSeen(c.Param("id")) {
		NotFound(c, MsgMessageMissing)
		return
	}
	SuccessWithMsg(c, "Marked as read.", nil)
}

// clearInbox 清空当前身份的收件箱
func (h *Handler) clearInbox(c *gin.Context) {
	if err := h.session.ClearInbox(c.Request.Context()); err != nil {
		Fail(c, err)
		return
	}
	SuccessWithMsg(c, "Inbox cleared.", nil)
}

// downloadMessage 下载邮件文本
func (h *Handler) downloadMessage(c *gin.Context) {
	d, err := h.session.ExportMessage(c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	sendDownload(c, d)
}

// downloadAttachment 下载邮件附件
func (h *Handler) downloadAttachment(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	d, err := h.session.ExportAttachment(c.Param("id"), index)
	if err != nil {
		Fail(c, err)
		return
	}
	sendDownload(c, d)
}

func sendDownload(c *gin.Context, d service.Download) {
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.FileName}))
	c.Data(http.StatusOK, d.ContentType, d.Body)
}
