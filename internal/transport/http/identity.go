package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/client/internal/domain"
)

type switchIdentityRequest struct {
	Address string `json:"address" binding:"required"`
}

type purchasedResponse struct {
	Address string `json:"address"`
	Active  bool   `json:"active"`
}

// getIdentity 返回活动身份（首次调用时解析）
func (h *Handler) getIdentity(c *gin.Context) {
	view, err := h.session.Current(c.Request.Context())
	if err != nil {
		h.log.Warn("identity resolution failed", zap.Error(err))
		Fail(c, err)
		return
	}
	Success(c, view)
}

// listPurchased 返回登录用户的已购身份
func (h *Handler) listPurchased(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := h.session.Purchased(ctx)
	if err != nil {
		Fail(c, err)
		return
	}

	var active string
	if view, err := h.session.Current(ctx); err == nil {
		active = view.Identity.Address
	}

	out := make([]purchasedResponse, 0, len(list))
	for _, p := range list {
		addr := domain.NormalizeAddress(p.Address)
		out = append(out, purchasedResponse{Address: addr, Active: addr == active})
	}
	Success(c, gin.H{"identities": out, "count": len(out)})
}

// switchIdentity 切换到另一个已购身份
func (h *Handler) switchIdentity(c *gin.Context) {
	var req switchIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if err := domain.ValidateAddress(req.Address); err != nil {
		BadRequest(c, GetErrorMessage(domain.ErrInvalidEmail))
		return
	}

	view, err := h.session.Switch(c.Request.Context(), req.Address)
	if err != nil {
		Fail(c, err)
		return
	}
	SuccessWithMsg(c, "Switched email address.", view)
}

// regenerateIdentity 删除当前身份并生成新身份
func (h *Handler) regenerateIdentity(c *gin.Context) {
	view, err := h.session.Regenerate(c.Request.Context())
	if err != nil {
		h.log.Warn("identity regeneration failed", zap.Error(err))
		Fail(c, err)
		return
	}
	SuccessWithMsg(c, "New email address generated.", view)
}

// deleteIdentity 删除当前身份
func (h *Handler) deleteIdentity(c *gin.Context) {
	id, err := h.session.Delete(c.Request.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveIdentity) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		Fail(c, err)
		return
	}
	SuccessWithMsg(c, "Email address deleted.", gin.H{"address": id.Address})
}
