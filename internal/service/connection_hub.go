package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/monitoring"
)

const shardCount = 32

// Connection 一个考生的实时通道。Deliver 不得阻塞，Close 可重复调用。
type Connection interface {
	CandidateID() uint
	Deliver(payload []byte) bool
	Close()
}

type shard struct {
	conns map[uint]Connection
	mu    sync.RWMutex
}

// ConnectionHub 考生 ID -> 实时连接的注册表。
// 同一考生再次注册时旧连接被关闭并替换；注销只在映射仍指向该连接时生效。
type ConnectionHub struct {
	shards  [shardCount]*shard
	Redis   *redis.Client
	channel string
}

func NewConnectionHub(rdb *redis.Client, channel string) *ConnectionHub {
	h := &ConnectionHub{
		Redis:   rdb,
		channel: channel,
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &shard{
			conns: make(map[uint]Connection),
		}
	}
	return h
}

func (h *ConnectionHub) getShard(candidateID uint) *shard {
	return h.shards[candidateID%shardCount]
}

func (h *ConnectionHub) Register(conn Connection) {
	id := conn.CandidateID()
	s := h.getShard(id)
	s.mu.Lock()
	old, existed := s.conns[id]
	s.conns[id] = conn
	s.mu.Unlock()

	if existed {
		if old != conn {
			old.Close()
			logger.Log.Info("Replaced candidate connection", zap.Uint("candidateId", id))
		}
		return
	}
	monitoring.ConnectionsOnline.Inc()
}

func (h *ConnectionHub) Lookup(candidateID uint) (Connection, bool) {
	s := h.getShard(candidateID)
	s.mu.RLock()
	conn, ok := s.conns[candidateID]
	s.mu.RUnlock()
	return conn, ok
}

// Unregister 只移除仍指向 conn 的映射，旧连接迟到的断开通知不会误删新连接
func (h *ConnectionHub) Unregister(conn Connection) bool {
	id := conn.CandidateID()
	s := h.getShard(id)
	s.mu.Lock()
	current, ok := s.conns[id]
	removed := ok && current == conn
	if removed {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if removed {
		monitoring.ConnectionsOnline.Dec()
	}
	return removed
}

// Emit 投递到本实例上的连接，返回是否送达
func (h *ConnectionHub) Emit(candidateID uint, msg WSMessage) bool {
	delivered := h.deliver(candidateID, msg.Encode())
	monitoring.EventCounter.WithLabelValues(msg.Type, boolLabel(delivered)).Inc()
	return delivered
}

// deliver 发送缓冲已满的连接会被注销并关闭，避免考生收到缺失终止事件的残缺流；
// 客户端重连后通过对话记录接口补齐
func (h *ConnectionHub) deliver(candidateID uint, payload []byte) bool {
	conn, ok := h.Lookup(candidateID)
	if !ok {
		return false
	}
	if conn.Deliver(payload) {
		return true
	}
	if h.Unregister(conn) {
		logger.Log.Warn("Evicted slow connection", zap.Uint("candidateId", candidateID))
	}
	conn.Close()
	return false
}

type PubSubMessage struct {
	TargetUser uint            `json:"targetUser"`
	Payload    json.RawMessage `json:"payload"`
}

// Notify 实现 Notifier：配置了 Redis 时经频道广播到所有实例，否则直接本地投递
func (h *ConnectionHub) Notify(candidateID uint, msg WSMessage) {
	if h.Redis == nil {
		h.Emit(candidateID, msg)
		return
	}
	publish(context.Background(), h.Redis, h.channel, candidateID, msg)
}

func publish(ctx context.Context, rdb *redis.Client, channel string, candidateID uint, msg WSMessage) {
	payload, _ := json.Marshal(PubSubMessage{TargetUser: candidateID, Payload: msg.Encode()})
	if err := rdb.Publish(ctx, channel, payload).Err(); err != nil {
		logger.Log.Error("Publish event failed", zap.Error(err), zap.Uint("candidateId", candidateID))
	}
}

// Run 订阅事件频道，把其它进程（如独立 worker）发布的事件投递给本地连接
func (h *ConnectionHub) Run(ctx context.Context) {
	if h.Redis == nil {
		return
	}
	pubsub := h.Redis.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ps PubSubMessage
			if err := json.Unmarshal([]byte(msg.Payload), &ps); err != nil {
				logger.Log.Error("PubSub unmarshal error", zap.Error(err))
				continue
			}
			h.deliverRaw(ps.TargetUser, ps.Payload)
		}
	}
}

func (h *ConnectionHub) deliverRaw(candidateID uint, payload []byte) {
	h.deliver(candidateID, payload)
}

func (h *ConnectionHub) Online() int {
	n := 0
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// Stop 关闭所有连接
func (h *ConnectionHub) Stop() {
	logger.Log.Info("ConnectionHub stopping: closing connections...")

	closed := 0
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.Lock()
		for id, conn := range s.conns {
			conn.Close()
			delete(s.conns, id)
			closed++
		}
		s.mu.Unlock()
	}

	monitoring.ConnectionsOnline.Set(0)
	logger.Log.Info("ConnectionHub stopped", zap.Int("closedConnections", closed))
}

// RedisNotifier 供独立 worker 进程使用：只发布，不持有连接
type RedisNotifier struct {
	Redis   *redis.Client
	Channel string
}

func (n *RedisNotifier) Notify(candidateID uint, msg WSMessage) {
	publish(context.Background(), n.Redis, n.Channel, candidateID, msg)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
