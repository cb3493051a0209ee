package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
)

const (
	attemptHeader = "x-attempt"
	// amqpReconnectBase 首次重连等待时间，之后指数增长
	amqpReconnectBase = time.Second
)

var errAMQPClosed = errors.New("amqp connection closed")

// AMQPQueue 基于 RabbitMQ 持久化队列，手动确认；消费者断开时未确认消息由 broker 重新投递。
// 连接或通道断开后自动重连并重新订阅。
type AMQPQueue struct {
	url   string
	queue string
	opts  Options

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPQueue(amqpURL, queueName string, opts Options) (*AMQPQueue, error) {
	q := &AMQPQueue{url: amqpURL, queue: queueName, opts: opts.withDefaults()}
	if _, err := q.reconnect(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) reconnect() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reconnectLocked()
}

func (q *AMQPQueue) reconnectLocked() (*amqp.Channel, error) {
	q.closeLocked()

	conn, err := amqp.Dial(q.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	_, err = ch.QueueDeclare(
		q.queue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(q.opts.Concurrency, 0, false); err != nil {
		conn.Close()
		return nil, err
	}

	q.conn, q.channel = conn, ch
	return ch, nil
}

// current 返回可用通道，连接已断开时先重连
func (q *AMQPQueue) current() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel == nil || q.conn == nil || q.conn.IsClosed() {
		return q.reconnectLocked()
	}
	return q.channel, nil
}

func (q *AMQPQueue) Publish(ctx context.Context, body []byte) error {
	return q.publish(body, 1)
}

func (q *AMQPQueue) publish(body []byte, attempt int) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         body,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.channel == nil || q.conn == nil || q.conn.IsClosed() {
		if _, err := q.reconnectLocked(); err != nil {
			return err
		}
	}
	err := q.channel.Publish("", q.queue, false, false, msg)
	if err == nil {
		return nil
	}

	// 通道被 broker 关闭时重连后再试一次
	if _, rerr := q.reconnectLocked(); rerr != nil {
		return fmt.Errorf("publish: %v; reconnect: %w", err, rerr)
	}
	return q.channel.Publish("", q.queue, false, false, msg)
}

// Consume 阻塞直到 ctx 结束；连接断开时按退避重连并重新订阅
func (q *AMQPQueue) Consume(ctx context.Context, h Handler) error {
	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}

		started, err := q.consumeOnce(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			backoff = 0
		}
		backoff = nextBackoff(backoff, amqpReconnectBase)
		logger.Log.Warn("AMQP consumer interrupted, reconnecting",
			zap.String("queue", q.queue),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if !sleepCtx(ctx, backoff) {
			return nil
		}
	}
}

// consumeOnce 在当前通道上订阅，直到通道关闭或 ctx 结束；started 表示订阅曾成功建立
func (q *AMQPQueue) consumeOnce(ctx context.Context, h Handler) (bool, error) {
	ch, err := q.current()
	if err != nil {
		return false, err
	}
	deliveries, err := ch.Consume(
		q.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		q.mu.Lock()
		q.closeLocked()
		q.mu.Unlock()
		return false, err
	}

	sem := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-deliveries:
			if !ok {
				return true, errAMQPClosed
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(msg amqp.Delivery) {
				defer func() {
					<-sem
					wg.Done()
				}()
				q.process(ctx, msg, h)
			}(msg)
		}
	}
}

func (q *AMQPQueue) process(ctx context.Context, msg amqp.Delivery, h Handler) {
	attempt := attemptFromHeaders(msg.Headers)
	if msg.Redelivered {
		attempt++
	}
	d := Delivery{ID: fmt.Sprintf("%d", msg.DeliveryTag), Body: msg.Body, Attempt: attempt}
	err := safeHandle(ctx, h, d)

	if err != nil && ctx.Err() != nil {
		msg.Nack(false, true)
		return
	}

	switch q.opts.decide(err, attempt) {
	case outcomeAck:
		msg.Ack(false)
	case outcomeDeadLetter:
		if q.opts.OnDeadLetter != nil {
			q.opts.OnDeadLetter(ctx, d, err)
		}
		msg.Ack(false)
	case outcomeRetry:
		if !sleepCtx(ctx, q.opts.Backoff(attempt)) {
			msg.Nack(false, true)
			return
		}
		if perr := q.publish(msg.Body, attempt+1); perr != nil {
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
	}
}

func attemptFromHeaders(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

func (q *AMQPQueue) closeLocked() {
	if q.channel != nil {
		q.channel.Close()
		q.channel = nil
	}
	if q.conn != nil {
		q.conn.Close()
		q.conn = nil
	}
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
	return nil
}
