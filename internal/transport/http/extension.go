package httptransport

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/client/internal/domain"
)

type startPurchaseRequest struct {
	Weeks  int    `json:"weeks" binding:"required"`
	Mobile string `json:"mobile"`
}

type gatewayResultRequest struct {
	Kind          domain.GatewayResultKind `json:"kind" binding:"required"`
	Payload       map[string]string        `json:"payload"`
	Reason        string                   `json:"reason"`
	CallbackToken string                   `json:"callbackToken" binding:"required"`
}

// quote 当前身份的扩展报价
func (h *Handler) quote(c *gin.Context) {
	weeks, err := strconv.Atoi(c.Query("weeks"))
	if err != nil {
		BadRequest(c, MsgInvalidWeeks)
		return
	}

	q, err := h.session.Quote(c.Request.Context(), weeks)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, q)
}

// startPurchase 创建订单，网关与确认在后台继续
func (h *Handler) startPurchase(c *gin.Context) {
	var req startPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	order, err := h.session.StartPurchase(c.Request.Context(), req.Weeks, req.Mobile)
	if err != nil {
		Fail(c, err)
		return
	}
	Accepted(c, "Order created. Complete the payment to extend your email.", order)
}

// getAttempt 购买尝试的当前状态
func (h *Handler) getAttempt(c *gin.Context) {
	order, ok := h.subs.Attempt(c.Param("orderId"))
	if !ok {
		Fail(c, domain.ErrOrderNotFound)
		return
	}
	Success(c, order)
}

// deliverGatewayResult 前端回传支付网关结果
func (h *Handler) deliverGatewayResult(c *gin.Context) {
	var req gatewayResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	orderID := c.Param("orderId")
	err := h.gateway.Deliver(orderID, req.CallbackToken, domain.GatewayResult{
		Kind:    req.Kind,
		Payload: req.Payload,
		Reason:  req.Reason,
	})
	if err != nil {
		h.log.Warn("gateway result rejected", zap.String("order_id", orderID), zap.Error(err))
		Fail(c, err)
		return
	}
	Accepted(c, "Payment result received.", gin.H{"orderId": orderID})
}

// downloadReceipt 下载已确认订单的收据
func (h *Handler) downloadReceipt(c *gin.Context) {
	receipt, err := h.subs.Receipt(c.Param("orderId"))
	if err != nil {
		Fail(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, receipt.FileName))
	c.Data(http.StatusOK, receipt.ContentType, receipt.Body)
}
