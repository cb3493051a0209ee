package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TurnHandler 处理考生提交的对话轮次
type TurnHandler interface {
	SubmitTurn(ctx context.Context, candidateID uint, token, text string) (*model.Turn, error)
}

type inboundMessage struct {
	Type string `json:"type"`
	Data struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	} `json:"data"`
}

// Client WebSocket 连接
type Client struct {
	Hub     *ConnectionHub
	Turns   TurnHandler
	Conn    *websocket.Conn
	UserID  uint
	Limiter *rate.Limiter

	send   chan []byte
	mu     sync.RWMutex
	closed bool
}

func NewClient(hub *ConnectionHub, turns TurnHandler, conn *websocket.Conn, userID uint) *Client {
	return &Client{
		Hub:     hub,
		Turns:   turns,
		Conn:    conn,
		UserID:  userID,
		Limiter: rate.NewLimiter(rate.Limit(5), 10), // 每秒 5 条，允许突发 10 条
		send:    make(chan []byte, sendBuffer),
	}
}

func (c *Client) CandidateID() uint {
	return c.UserID
}

// Deliver 非阻塞写入发送缓冲；缓冲已满或连接已关闭时返回 false，由 ConnectionHub 驱逐该连接
func (c *Client) Deliver(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Close()
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Error("WebSocket unexpected close", zap.Error(err), zap.Uint("candidateId", c.UserID))
			}
			break
		}

		if !c.Limiter.Allow() {
			c.Deliver(WSMessage{Type: EventError, Data: rateLimitedNotice}.Encode())
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == "TURN" {
			go c.handleTurn(msg.Data.SessionID, msg.Data.Text)
		}
	}
}

var rateLimitedNotice = map[string]string{"message": "too many messages"}

// handleTurn 在独立 goroutine 中执行，断开连接不会中断对话记录的写入
func (c *Client) handleTurn(token, text string) {
	_, err := c.Turns.SubmitTurn(context.Background(), c.UserID, token, text)
	// 这两类错误已由 RelayService 推送 ERROR
	if err == nil || errors.Is(err, util.ErrProvider) || errors.Is(err, ErrReplyNotSaved) {
		return
	}
	c.Deliver(WSMessage{
		Type:  EventError,
		Event: SessionChannel(token),
		Data:  map[string]interface{}{"message": err.Error()},
	}.Encode())
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// 每条事件单独成帧，客户端按帧解析 JSON
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func ServeWs(hub *ConnectionHub, turns TurnHandler, w http.ResponseWriter, r *http.Request, candidateID uint) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("WebSocket upgrade failed", zap.Error(err), zap.Uint("candidateId", candidateID))
		return
	}
	client := NewClient(hub, turns, conn, candidateID)
	hub.Register(client)

	go client.writePump()
	go client.readPump()
}
