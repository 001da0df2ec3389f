package httptransport

import (
	"errors"
	"net/http"

	"tempmail/client/internal/backend"
	"tempmail/client/internal/domain"
	"tempmail/client/internal/pool"
	"tempmail/client/internal/service"
)

// errorEntry 错误对应的状态码与提示
type errorEntry struct {
	status int
	msg    string
}

// 错误映射表（业务错误 -> 状态码与提示），按顺序匹配
var errorMessages = []struct {
	err error
	errorEntry
}{
	// 身份
	{domain.ErrMintFailed, errorEntry{http.StatusBadGateway, "Failed to generate email. Please try again."}},
	{domain.ErrNoActiveIdentity, errorEntry{http.StatusNotFound, "No active email address."}},
	{domain.ErrNotPurchased, errorEntry{http.StatusForbidden, "This address is not in your purchased emails."}},
	{domain.ErrInvalidEmail, errorEntry{http.StatusBadRequest, "Invalid email address."}},

	// 扩展购买
	{domain.ErrAuthRequired, errorEntry{http.StatusUnauthorized, "Please sign up or log in to continue."}},
	{domain.ErrInvalidWeeks, errorEntry{http.StatusBadRequest, "Weeks must be between 1 and 52."}},
	{domain.ErrOrderRejected, errorEntry{http.StatusBadGateway, "Could not create your order. Please try again."}},
	{domain.ErrPurchaseCancelled, errorEntry{http.StatusConflict, "Payment was cancelled."}},
	{domain.ErrGatewayFailed, errorEntry{http.StatusBadGateway, "The payment could not be completed."}},
	{domain.ErrVerificationFailed, errorEntry{http.StatusBadGateway, "We could not confirm your payment. Please contact support."}},
	{domain.ErrRegeneratePurchased, errorEntry{http.StatusConflict, "Purchased emails cannot be regenerated. Switch to another address or delete it instead."}},
	{domain.ErrOrderNotFound, errorEntry{http.StatusNotFound, "Order not found."}},
	{service.ErrMessageNotFound, errorEntry{http.StatusNotFound, MsgMessageMissing}},
	{service.ErrAttachmentNotFound, errorEntry{http.StatusNotFound, "Attachment not found."}},
	{service.ErrAttachmentUnreadable, errorEntry{http.StatusUnprocessableEntity, "Attachment content cannot be decoded."}},
	{service.ErrReceiptUnavailable, errorEntry{http.StatusConflict, "Receipt is available only for confirmed orders."}},
	{service.ErrCallbackToken, errorEntry{http.StatusForbidden, "Invalid checkout callback."}},

	// 协程池
	{pool.ErrPoolClosed, errorEntry{http.StatusServiceUnavailable, "Agent is shutting down."}},

	// 后端
	{backend.ErrUnauthorized, errorEntry{http.StatusUnauthorized, "Your session has expired. Please log in again."}},
	{backend.ErrUnavailable, errorEntry{http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again later."}},
	{backend.ErrRejected, errorEntry{http.StatusBadGateway, "Request rejected by server."}},
}

func lookup(err error) (errorEntry, bool) {
	for _, e := range errorMessages {
		if errors.Is(err, e.err) {
			return e.errorEntry, true
		}
	}
	return errorEntry{}, false
}

// GetErrorMessage 获取错误的用户提示
func GetErrorMessage(err error) string {
	if e, ok := lookup(err); ok {
		return e.msg
	}
	return MsgInternalError
}

// StatusFor 错误对应的 HTTP 状态码
func StatusFor(err error) int {
	if e, ok := lookup(err); ok {
		return e.status
	}
	return http.StatusInternalServerError
}

// 通用错误消息
const (
	MsgInvalidRequest = "Invalid request parameters."
	MsgInvalidWeeks   = "Weeks must be a number between 1 and 52."
	MsgMessageMissing = "Message not found."
	MsgInternalError  = "Something went wrong. Please try again later."
)
