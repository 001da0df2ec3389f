package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tempmail/client/internal/domain"
)

// 后端接口路径
const (
	pathMint          = "/users/generateEmail"
	pathPurchased     = "/users/purchasedEmails"
	pathInbox         = "/users/userMails"
	pathDeleteInbox   = "/users/delete_mails"
	pathExpiry        = "/users/emailExpiry"
	pathCreateOrder   = "/users/create-order"
	pathPaymentStatus = "/users/payment-status"
	pathPing          = "/users/"
)

// expiryDateLayout 订单中到期日期的格式
const expiryDateLayout = "2006-01-02"

// MintIdentity 使用设备键向后端申请新的一次性邮箱
func (c *Client) MintIdentity(ctx context.Context, deviceKey string) (string, error) {
	var address string
	err := c.do(ctx, request{
		op:     "mint-identity",
		method: http.MethodPost,
		path:   pathMint,
		body:   map[string]string{"ipadress": deviceKey},
	}, &address)
	if err != nil {
		return "", err
	}

	address = domain.NormalizeAddress(address)
	if err := domain.ValidateAddress(address); err != nil {
		return "", &APIError{Op: "mint-identity", Status: http.StatusOK, Message: "invalid address returned", Kind: ErrRejected}
	}
	return address, nil
}

// purchasedEntry 已购邮箱条目
type purchasedEntry struct {
	Email     string `json:"email"`
	IPAddress string `json:"ipaddress"`
}

// PurchasedIdentities 查询登录用户的已购邮箱
func (c *Client) PurchasedIdentities(ctx context.Context, token string) ([]domain.PurchasedIdentity, error) {
	var entries []purchasedEntry
	err := c.do(ctx, request{
		op:     "purchased-identities",
		method: http.MethodGet,
		path:   pathPurchased,
		token:  token,
	}, &entries)
	if err != nil {
		return nil, err
	}

	out := make([]domain.PurchasedIdentity, 0, len(entries))
	for _, e := range entries {
		if domain.ValidateAddress(e.Email) != nil {
			continue
		}
		out = append(out, domain.PurchasedIdentity{
			Address:   domain.NormalizeAddress(e.Email),
			DeviceKey: e.IPAddress,
		})
	}
	return out, nil
}

// Inbox 拉取邮箱的完整邮件列表（保持后端顺序）
func (c *Client) Inbox(ctx context.Context, address, deviceKey string) ([]domain.Message, error) {
	var wire []wireMessage
	err := c.do(ctx, request{
		op:     "inbox",
		method: http.MethodGet,
		path:   pathInbox,
		query: url.Values{
			"ipadress":       {deviceKey},
			"temporaryEmail": {address},
		},
	}, &wire)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			continue
		}
		messages = append(messages, w.toDomain())
	}
	return messages, nil
}

// DeleteInbox 请求后端删除邮箱中的全部邮件
func (c *Client) DeleteInbox(ctx context.Context, address string) error {
	return c.do(ctx, request{
		op:     "delete-inbox",
		method: http.MethodPost,
		path:   pathDeleteInbox,
		body:   map[string]string{"mail": address},
	}, nil)
}

// Expiry 查询后端记录的到期时间（仅供参考），没有记录时返回零值
func (c *Client) Expiry(ctx context.Context, address string) (time.Time, error) {
	var data struct {
		ExpiryDate string `json:"expiry_date"`
	}
	err := c.do(ctx, request{
		op:     "expiry",
		method: http.MethodGet,
		path:   pathExpiry,
		query:  url.Values{"email": {address}},
	}, &data)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(data.ExpiryDate), nil
}

// OrderRequest 创建扩展订单的参数
type OrderRequest struct {
	Address    string
	Weeks      int
	Amount     int64
	ExpiryDate time.Time
	DeviceKey  string
	Mobile     string
}

// CreateOrder 创建支付网关订单，返回网关订单号
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest, token string) (string, error) {
	body := map[string]any{
		"email":       req.Address,
		"weeks":       req.Weeks,
		"days":        req.Weeks * 7,
		"amount":      req.Amount,
		"expiry_date": req.ExpiryDate.UTC().Format(expiryDateLayout),
		"ipadress":    req.DeviceKey,
	}
	if req.Mobile != "" {
		body["mobile"] = req.Mobile
	}

	var data struct {
		OrderID string `json:"razorpay_order_id"`
	}
	err := c.do(ctx, request{
		op:     "create-order",
		method: http.MethodPost,
		path:   pathCreateOrder,
		body:   body,
		token:  token,
	}, &data)
	if err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", &APIError{Op: "create-order", Status: http.StatusOK, Message: "missing order id", Kind: ErrRejected}
	}
	return data.OrderID, nil
}

// PaymentStatus 查询订单是否已由后端确认支付
func (c *Client) PaymentStatus(ctx context.Context, orderID, token string) (bool, error) {
	var data struct {
		Confirmed bool   `json:"confirmed"`
		Status    string `json:"status"`
	}
	err := c.do(ctx, request{
		op:     "payment-status",
		method: http.MethodGet,
		path:   pathPaymentStatus,
		query:  url.Values{"order_id": {orderID}},
		token:  token,
	}, &data)
	if err != nil {
		return false, err
	}

	if data.Confirmed {
		return true, nil
	}
	switch strings.ToLower(data.Status) {
	case "paid", "captured", "confirmed":
		return true, nil
	}
	return false, nil
}

// Ping 检查后端是否可达（任何非 5xx 响应都视为可达）
func (c *Client) Ping(ctx context.Context) error {
	err := c.do(ctx, request{op: "ping", method: http.MethodGet, path: pathPing}, nil)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status > 0 && apiErr.Status < 500 {
		return nil
	}
	return err
}

// flexString 兼容数字或字符串的 ID 字段
type flexString string

// UnmarshalJSON 实现 json.Unmarshaler
func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	*f = ""
	return nil
}

// wireMessage 后端邮件格式
type wireMessage struct {
	ID             flexString         `json:"id"`
	GeneratedEmail string             `json:"generated_email"`
	IPAddress      string             `json:"ipaddress"`
	SenderEmail    string             `json:"sender_email"`
	SenderName     string             `json:"sender_name"`
	Date           string             `json:"date"`
	Subject        string             `json:"subject"`
	Body           string             `json:"body"`
	Status         string             `json:"status"`
	CreatedAt      string             `json:"created_at"`
	Attachments    domain.Attachments `json:"attachments"`
}

func (w wireMessage) toDomain() domain.Message {
	received := parseTime(w.Date)
	if received.IsZero() {
		received = parseTime(w.CreatedAt)
	}
	return domain.Message{
		ID: string(w.ID),
		Sender: domain.Sender{
			Address: w.SenderEmail,
			Name:    w.SenderName,
		},
		Subject:     w.Subject,
		Body:        w.Body,
		Attachments: w.Attachments,
		ReceivedAt:  received,
	}
}

// parseTime 解析后端的多种时间格式，无法解析时返回零值
func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02 15:04:05",
		expiryDateLayout,
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}
