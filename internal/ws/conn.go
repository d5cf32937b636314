package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bathiste/chat-client-WIP/internal/mw"
	"github.com/bathiste/chat-client-WIP/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 << 10
	sendBufferSize = 256
)

// Options 是 WebSocket 入口的策略参数。
type Options struct {
	Env            string
	AllowedOrigins []string
	MessageRate    float64
	MessageBurst   int
}

// Handler 把 WebSocket 连接接入房间协调器。
type Handler struct {
	coord    *service.RoomService
	limiter  *mw.RL
	upgrader websocket.Upgrader
}

// NewHandler 创建 WebSocket 入口；消息限速按身份计数，同一身份的多条连接共享令牌桶。
func NewHandler(coord *service.RoomService, opts Options) *Handler {
	h := &Handler{
		coord:   coord,
		limiter: mw.NewRateLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst, 5*time.Minute),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return mw.OriginAllowed(r.Header.Get("Origin"), r.Host, opts.AllowedOrigins, opts.Env)
		},
	}
	return h
}

// Stop 停止限速器的后台回收。
func (h *Handler) Stop() { h.limiter.Stop() }

// InboundMessage 是客户端上行事件，按 type 选择使用的字段。
type InboundMessage struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
	Text     string `json:"text"`
	Code     string `json:"code"`
}

// Client 是一条 WebSocket 连接，实现 hub.Conn。
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
	final     []byte
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{id: id, conn: conn, send: make(chan []byte, sendBufferSize), done: make(chan struct{})}
}

func (c *Client) ID() string { return c.id }

// Send 非阻塞地排入一条事件；缓冲区已满时返回 false。
func (c *Client) Send(evt any) bool {
	b, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Msg("encode event")
		return true
	}
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 让 writePump 发完已排队的事件与 final 后关闭连接，可重复调用。
func (c *Client) Close(final any) {
	c.closeOnce.Do(func() {
		if final != nil {
			if b, err := json.Marshal(final); err == nil {
				c.final = b
			}
		}
		close(c.done)
	})
}

// Serve 升级连接、完成接入，然后阻塞处理上行事件直到连接断开。
func (h *Handler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("addr", c.ClientIP()).Msg("ws upgrade")
		return
	}
	client := newClient(uuid.NewString(), conn)
	go client.writePump()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	res, err := h.coord.Connect(ctx, client, service.ConnectRequest{
		Token: c.Query("token"),
		Addr:  c.ClientIP(),
		Room:  c.Query("room"),
	})
	if err != nil {
		log.Info().Err(err).Str("conn_id", client.id).Str("addr", c.ClientIP()).Msg("connect rejected")
		client.Close(service.NewRejected(rejectReason(err)))
		return
	}
	client.readPump(ctx, h, res.Identity.SecretToken)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, service.ErrRejected):
		return "banned"
	case errors.Is(err, service.ErrInvalidInput):
		return err.Error()
	default:
		return "temporarily unavailable, retry later"
	}
}

func (c *Client) readPump(ctx context.Context, h *Handler, secret string) {
	defer func() {
		h.coord.Disconnect(ctx, c.id)
		c.Close(nil)
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			c.Send(service.ErrorEvent{Type: service.EventError, Error: "invalid payload"})
			continue
		}
		if err := c.dispatch(ctx, h, secret, in); err != nil {
			if errors.Is(err, service.ErrRejected) {
				c.Close(service.NewRejected("banned"))
				return
			}
			if errors.Is(err, service.ErrNotFound) {
				// 会话已被管理端移除
				return
			}
			c.Send(service.NewError(err))
		}
	}
}

var errRateLimited = errors.New("rate limited")

// dispatch 处理一条上行事件。会写库或创建房间的事件共享同一身份的令牌桶。
func (c *Client) dispatch(ctx context.Context, h *Handler, secret string, in InboundMessage) error {
	switch in.Type {
	case "register", "message", "join_room":
		if !h.limiter.Allow(secret) {
			return errRateLimited
		}
	}
	switch in.Type {
	case "register":
		_, err := h.coord.Register(ctx, c.id, in.Username)
		return err
	case "message":
		_, err := h.coord.Broadcast(ctx, c.id, in.Room, in.Text)
		return err
	case "join_room":
		_, err := h.coord.Join(ctx, c.id, in.Code)
		return err
	default:
		return errors.New("unknown event type")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush 写出关闭前已排队的事件、final 事件和关闭帧。
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			if c.final != nil {
				if err := c.write(websocket.TextMessage, c.final); err != nil {
					return
				}
			}
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}
