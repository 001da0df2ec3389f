package httptransport

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type signInRequest struct {
	Token string `json:"token" binding:"required"`
}

// signIn 保存 UI 登录后获得的令牌，并按新的登录状态重新解析身份
func (h *Handler) signIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	view, err := h.session.SignIn(c.Request.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		h.log.Warn("sign in failed", zap.Error(err))
		Fail(c, err)
		return
	}
	SuccessWithMsg(c, "Signed in.", view)
}

// signOut 清除登录令牌
func (h *Handler) signOut(c *gin.Context) {
	view, err := h.session.SignOut(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	SuccessWithMsg(c, "Signed out.", view)
}
