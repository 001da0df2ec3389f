package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tempmail/client/internal/config"
	"tempmail/client/internal/logger"
)

// 后端错误分类
var (
	// ErrUnauthorized 令牌缺失或失效（401/403）
	ErrUnauthorized = errors.New("backend: unauthorized")
	// ErrRejected 后端拒绝请求（其他 4xx 或业务失败）
	ErrRejected = errors.New("backend: request rejected")
	// ErrUnavailable 网络错误或 5xx
	ErrUnavailable = errors.New("backend: unavailable")
)

// APIError 后端调用失败的详细信息
type APIError struct {
	Op      string // 接口名称，如 "mint-identity"
	Status  int    // HTTP 状态码，网络错误时为 0
	Message string
	Kind    error // ErrUnauthorized / ErrRejected / ErrUnavailable
}

// Error 实现 error 接口
func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

// Unwrap 返回错误分类，便于 errors.Is 判断
func (e *APIError) Unwrap() error {
	return e.Kind
}

// envelope 后端统一响应格式
type envelope struct {
	Status  json.RawMessage `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// failed 业务层失败（status 为 false 或 "error"）
func (e envelope) failed() bool {
	switch strings.Trim(strings.ToLower(string(e.Status)), `"`) {
	case "false", "error", "failed", "fail":
		return true
	default:
		return false
	}
}

// Client 后端 REST 客户端
//
// 所有请求先经过令牌桶限速，Cookie 由注入的 CookieJar 统一管理。
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// New 创建后端客户端
//
// 参数:
//   - cfg: 后端配置（地址、超时、限速）
//   - jar: Cookie 层，可为 nil
//   - log: 日志记录器
func New(cfg config.BackendConfig, jar http.CookieJar, log *zap.Logger) *Client {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.Named(log, "backend"),
	}
}

// request 单次请求的参数
type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	token  string
}

// do 发送请求并把 data 字段解码到 out（out 可为 nil）
func (c *Client) do(ctx context.Context, req request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{Op: req.op, Message: err.Error(), Kind: ErrUnavailable}
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", req.op, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", req.op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Debug("backend request failed",
			zap.String("op", req.op),
			zap.Error(err))
		return &APIError{Op: req.op, Message: err.Error(), Kind: ErrUnavailable}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &APIError{Op: req.op, Status: resp.StatusCode, Message: err.Error(), Kind: ErrUnavailable}
	}

	c.log.Debug("backend request",
		zap.String("op", req.op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return &APIError{Op: req.op, Status: resp.StatusCode, Message: "malformed response", Kind: ErrRejected}
		}
	}

	if kind := classify(resp.StatusCode); kind != nil {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Op: req.op, Status: resp.StatusCode, Message: msg, Kind: kind}
	}
	if env.failed() {
		return &APIError{Op: req.op, Status: resp.StatusCode, Message: env.Message, Kind: ErrRejected}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &APIError{Op: req.op, Status: resp.StatusCode, Message: "malformed data: " + err.Error(), Kind: ErrRejected}
	}
	return nil
}

// classify 根据状态码分类，成功返回 nil
func classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrUnavailable
	default:
		return ErrRejected
	}
}
