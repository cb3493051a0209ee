package service

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	sse "github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
)

const sseKeepAlive = 25 * time.Second

// SSEClient 单向事件流连接，考生通过 HTTP 接口提交对话
type SSEClient struct {
	UserID uint

	send   chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func NewSSEClient(userID uint) *SSEClient {
	return &SSEClient{
		UserID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *SSEClient) CandidateID() uint {
	return c.UserID
}

func (c *SSEClient) Deliver(payload []byte) bool {
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

func (c *SSEClient) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// toSSE 事件类型作为 SSE event 名，完整信封作为 data
func toSSE(payload []byte) *sse.Message {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &head)

	msg := &sse.Message{}
	if head.Type != "" {
		msg.Type = sse.Type(head.Type)
	}
	msg.AppendData(string(payload))
	return msg
}

// ServeSSE 阻塞直到请求结束或连接被新连接替换
func ServeSSE(hub *ConnectionHub, w http.ResponseWriter, r *http.Request, candidateID uint) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Log.Error("SSE upgrade failed", zap.Error(err), zap.Uint("candidateId", candidateID))
		return
	}

	client := NewSSEClient(candidateID)
	hub.Register(client)
	defer func() {
		hub.Unregister(client)
		client.Close()
	}()

	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case payload := <-client.send:
			if err := sess.Send(toSSE(payload)); err != nil {
				return
			}
			_ = sess.Flush()
		case <-ticker.C:
			ping := &sse.Message{}
			ping.AppendComment("ping")
			if err := sess.Send(ping); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}
