// Package queue 提供至少一次投递的持久化任务队列。
//
// 同一条任务同一时刻只交给一个消费者；处理失败会按退避重试，
// 超过最大投递次数后交给 OnDeadLetter 并确认，避免无限重放。
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
)

// maxReconnectBackoff 连接或读取失败后重试间隔的上限
const maxReconnectBackoff = 30 * time.Second

type Delivery struct {
	ID      string
	Body    []byte
	Attempt int // 从 1 开始
}

type Handler func(ctx context.Context, d Delivery) error

type DeadLetterFunc func(ctx context.Context, d Delivery, err error)

type Queue interface {
	Publish(ctx context.Context, body []byte) error
	// Consume 阻塞直到 ctx 结束
	Consume(ctx context.Context, h Handler) error
	Close() error
}

type Options struct {
	MaxDeliveries int
	RetryBackoff  time.Duration
	Concurrency   int
	OnDeadLetter  DeadLetterFunc
	// VisibilityTimeout 之后仍未确认的任务视为消费者崩溃，可被其他消费者认领
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 10 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	return o
}

// Backoff 第 attempt 次失败后的等待时间，指数增长，上限为 base 的 32 倍
func (o Options) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return o.RetryBackoff * time.Duration(1<<(attempt-1))
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误为不可重试：任务会被确认，不再投递
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDeadLetter
)

// decide 根据处理结果与已投递次数决定确认、重试还是死信
func (o Options) decide(err error, attempt int) outcome {
	switch {
	case err == nil, IsPermanent(err):
		return outcomeAck
	case attempt >= o.MaxDeliveries:
		return outcomeDeadLetter
	default:
		return outcomeRetry
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, base time.Duration) time.Duration {
	if cur <= 0 {
		return base
	}
	cur *= 2
	if cur > maxReconnectBackoff {
		return maxReconnectBackoff
	}
	return cur
}

// safeHandle 处理函数 panic 时转为普通错误，按失败重试
func safeHandle(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Job handler panicked",
				zap.String("id", d.ID),
				zap.Int("attempt", d.Attempt),
				zap.Any("panic", r))
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}
