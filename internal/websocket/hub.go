package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/thanhpk/randstr"
	"go.uber.org/zap"

	"tempmail/client/internal/domain"
	"tempmail/client/internal/logger"
	"tempmail/client/internal/notify"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
	}
}

func originAllowed(allowed []string, origin string) bool {
	// 本地工具或同源页面不带 Origin
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// EventType 推送事件类型
type EventType string

const (
	EventNewMail  EventType = "new_mail"
	EventNotice   EventType = "notice"
	EventCheckout EventType = "checkout"
	EventPing     EventType = "ping"
	EventPong     EventType = "pong"
	EventError    EventType = "error"
)

// Event 推送给前端的消息
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMailData 新邮件事件数据
type NewMailData struct {
	Address  string        `json:"address"`
	Messages []MailSummary `json:"messages"`
}

// MailSummary 新邮件摘要
type MailSummary struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	FromName   string `json:"fromName,omitempty"`
	Subject    string `json:"subject"`
	Preview    string `json:"preview,omitempty"`
	HasAttach  bool   `json:"hasAttachments"`
	ReceivedAt string `json:"receivedAt,omitempty"`
}

// Client 一个前端连接
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  *zap.Logger
}

// Hub 管理前端的 WebSocket 连接并广播事件
//
// 同时实现 notify.Receiver、service.MailListener 与 service.CheckoutPublisher。
type Hub struct {
	clients        map[string]*Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan []byte
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	now            func() time.Time
}

// NewHub 创建 WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许连接的前端来源，为空时允许所有
//   - log: 日志记录器
//
// 返回值:
//   - *Hub: 创建的 Hub 实例
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan []byte, 256),
		log:            logger.Named(log, "websocket"),
		allowedOrigins: allowedOrigins,
		now:            time.Now,
	}
}

// Run 启动 Hub，ctx 取消时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Debug("client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.fanOut(data)

		case <-ticker.C:
			h.publish(EventPing, nil)
		}
	}
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewMail 推送新邮件事件
func (h *Hub) NewMail(address string, messages []domain.Message) {
	data := NewMailData{Address: address, Messages: make([]MailSummary, 0, len(messages))}
	for _, m := range messages {
		summary := MailSummary{
			ID:        m.ID,
			From:      m.Sender.Address,
			FromName:  m.Sender.Name,
			Subject:   m.Subject,
			Preview:   preview(m.Body, 100),
			HasAttach: len(m.Attachments) > 0,
		}
		if !m.ReceivedAt.IsZero() {
			summary.ReceivedAt = m.ReceivedAt.Format(time.RFC3339)
		}
		data.Messages = append(data.Messages, summary)
	}

	h.log.Info("broadcasting new mail",
		zap.String("address", address),
		zap.Int("count", len(messages)))
	h.publish(EventNewMail, data)
}

// SendNotice 推送用户提示
func (h *Hub) SendNotice(n notify.Notice) error {
	h.publish(EventNotice, n)
	return nil
}

// PublishCheckout 推送结账参数，前端据此打开支付网关
func (h *Hub) PublishCheckout(checkout domain.Checkout) {
	h.log.Info("broadcasting checkout", zap.String("order_id", checkout.OrderID))
	h.publish(EventCheckout, checkout)
}

// publish 编码并排队广播；队列已满时丢弃
func (h *Hub) publish(kind EventType, payload any) {
	ev := Event{Type: kind, Timestamp: h.now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			h.log.Error("failed to marshal event data", zap.String("type", string(kind)), zap.Error(err))
			return
		}
		ev.Data = raw
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("broadcast queue full, dropping event", zap.String("type", string(kind)))
	}
}

func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
}

// HandleWebSocket 处理 WebSocket 连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:   generateClientID(),
			conn: conn,
			send: make(chan []byte, sendBuffer),
			hub:  hub,
			log:  hub.log,
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump 读取前端消息（只处理 ping）
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch ev.Type {
		case EventPing:
			c.sendEvent(Event{Type: EventPong, Timestamp: time.Now()})
		case EventPong:
		default:
			c.sendEvent(Event{Type: EventError, Error: "unsupported message type", Timestamp: time.Now()})
		}
	}
}

// writePump 发送消息给前端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendEvent(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}

func preview(body string, n int) string {
	r := []rune(body)
	if len(r) <= n {
		return body
	}
	return string(r[:n])
}

func generateClientID() string {
	return time.Now().Format("20060102150405") + "-" + randstr.Hex(4)
}
