package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type fakeConn struct {
	id     uint
	mu     sync.Mutex
	got    [][]byte
	closed bool
}

func (c *fakeConn) CandidateID() uint { return c.id }

func (c *fakeConn) Deliver(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.got = append(c.got, payload)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegisterEvictsPreviousConnection(t *testing.T) {
	hub := NewConnectionHub(nil, "")
	first := &fakeConn{id: 7}
	second := &fakeConn{id: 7}

	hub.Register(first)
	hub.Register(second)

	if !first.isClosed() {
		t.Fatal("expected previous connection to be closed")
	}
	conn, ok := hub.Lookup(7)
	if !ok || conn != second {
		t.Fatal("expected lookup to return the newest connection")
	}
	if hub.Online() != 1 {
		t.Fatalf("expected 1 online, got %d", hub.Online())
	}
}

func TestUnregisterIgnoresStaleConnection(t *testing.T) {
	hub := NewConnectionHub(nil, "")
	first := &fakeConn{id: 7}
	second := &fakeConn{id: 7}
	hub.Register(first)
	hub.Register(second)

	if hub.Unregister(first) {
		t.Fatal("stale unregister must not remove the newer mapping")
	}
	if _, ok := hub.Lookup(7); !ok {
		t.Fatal("newer connection was removed")
	}
	if !hub.Unregister(second) {
		t.Fatal("expected unregister of current connection")
	}
	if _, ok := hub.Lookup(7); ok {
		t.Fatal("expected mapping to be gone")
	}
}

func TestNotifyWithoutRedisDeliversLocally(t *testing.T) {
	hub := NewConnectionHub(nil, "")
	conn := &fakeConn{id: 3}
	hub.Register(conn)

	hub.Notify(3, WSMessage{Type: EventChunk, Event: SessionChannel("abc"), Data: map[string]string{"delta": "H"}})
	hub.Notify(4, WSMessage{Type: EventChunk})

	if conn.received() != 1 {
		t.Fatalf("expected 1 delivery, got %d", conn.received())
	}
	var msg WSMessage
	if err := json.Unmarshal(conn.got[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != EventChunk || msg.Event != "session:abc" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestNotifyFansOutThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	hub := NewConnectionHub(rdb, "osce:events")
	conn := &fakeConn{id: 9}
	hub.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	publisher := &RedisNotifier{Redis: rdb, Channel: "osce:events"}
	deadline := time.Now().Add(2 * time.Second)
	for conn.received() == 0 && time.Now().Before(deadline) {
		// 订阅建立前发布的消息会丢失，重复发布直到收到
		publisher.Notify(9, WSMessage{Type: EventEvaluationProgress, Data: map[string]int{"percent": 50}})
		time.Sleep(20 * time.Millisecond)
	}
	if conn.received() == 0 {
		t.Fatal("expected event delivered through pub/sub")
	}
}

func TestStopClosesConnections(t *testing.T) {
	hub := NewConnectionHub(nil, "")
	conns := []*fakeConn{{id: 1}, {id: 2}, {id: 33}}
	for _, c := range conns {
		hub.Register(c)
	}
	hub.Stop()
	for _, c := range conns {
		if !c.isClosed() {
			t.Fatalf("connection %d still open", c.id)
		}
	}
	if hub.Online() != 0 {
		t.Fatalf("expected empty hub, got %d", hub.Online())
	}
}

func TestEmitEvictsConnectionWhenBufferOverflows(t *testing.T) {
	hub := NewConnectionHub(nil, "")
	slow := NewSSEClient(9)
	hub.Register(slow)

	for i := 0; i < sendBuffer; i++ {
		if !hub.Emit(9, WSMessage{Type: EventChunk, Data: map[string]string{"delta": "x"}}) {
			t.Fatalf("chunk %d should fit in the buffer", i)
		}
	}
	if hub.Emit(9, WSMessage{Type: EventDone, Data: map[string]string{"content": "done"}}) {
		t.Fatal("DONE cannot fit a full buffer")
	}

	if _, ok := hub.Lookup(9); ok {
		t.Fatal("overflowed connection must be unregistered")
	}
	select {
	case <-slow.done:
	default:
		t.Fatal("overflowed connection must be closed so the client reconnects")
	}
	if hub.Online() != 0 {
		t.Fatalf("expected 0 online, got %d", hub.Online())
	}

	fresh := &fakeConn{id: 9}
	hub.Register(fresh)
	if !hub.Emit(9, WSMessage{Type: EventDone}) || fresh.received() != 1 {
		t.Fatal("reconnected client should receive later events")
	}
}
