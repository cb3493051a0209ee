package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
)

const promoteBatch = 100

// promoteScript 把到期的延迟重试移回 Stream；ZREM 与 XADD 在同一脚本内完成，不会丢失或重复
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	local job = cjson.decode(member)
	redis.call('XADD', KEYS[2], '*', 'data', job.data, 'attempt', job.attempt)
end
return #due
`)

// RedisStreamQueue 基于 Redis Stream 消费组：XREADGROUP 保证同一条目只投递给一个消费者，
// 未 XACK 的条目在 VisibilityTimeout 后通过 XCLAIM 重新投递。
// 重试进入延迟有序集合，到期后才回到 Stream，等待期间不占用消费槽位。
type RedisStreamQueue struct {
	rdb      *redis.Client
	stream   string
	delayed  string
	group    string
	consumer string
	opts     Options
}

type delayedJob struct {
	ID      string `json:"id"`
	Attempt string `json:"attempt"`
	Data    string `json:"data"`
}

func NewRedisStreamQueue(ctx context.Context, rdb *redis.Client, stream, group, consumer string, opts Options) (*RedisStreamQueue, error) {
	q := &RedisStreamQueue{
		rdb:      rdb,
		stream:   stream,
		delayed:  stream + ":delayed",
		group:    group,
		consumer: consumer,
		opts:     opts.withDefaults(),
	}
	if err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, err
	}
	return q, nil
}

func (q *RedisStreamQueue) Publish(ctx context.Context, body []byte) error {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			"data":    string(body),
			"attempt": 1,
		},
	}).Err()
}

// Consume 阻塞直到 ctx 结束。Redis 暂时不可用时按退避重试，不会退出。
// 每条任务占用一个并发槽位，单条任务的处理或重试不阻塞其他任务。
func (q *RedisStreamQueue) Consume(ctx context.Context, h Handler) error {
	sem := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}

		free := cap(sem) - len(sem)
		if free == 0 {
			if !sleepCtx(ctx, q.opts.PollInterval) {
				return nil
			}
			continue
		}

		msgs, err := q.fetch(ctx, free)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			backoff = nextBackoff(backoff, q.opts.PollInterval)
			logger.Log.Warn("Job stream read failed, retrying",
				zap.String("stream", q.stream),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}
		backoff = 0

		if len(msgs) == 0 {
			if !sleepCtx(ctx, q.opts.PollInterval) {
				return nil
			}
			continue
		}

		for _, sm := range msgs {
			sem <- struct{}{}
			wg.Add(1)
			go func(sm streamMessage) {
				defer func() {
					<-sem
					wg.Done()
				}()
				q.process(ctx, sm, h)
			}(sm)
		}
	}
}

type streamMessage struct {
	msg        redis.XMessage
	deliveries int64
}

// fetch 依次处理到期重试、认领超时条目、读取新条目，最多返回 n 条
func (q *RedisStreamQueue) fetch(ctx context.Context, n int) ([]streamMessage, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	msgs, err := q.claimStale(ctx, n)
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}
	return q.readNew(ctx, n)
}

func (q *RedisStreamQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.rdb, []string{q.delayed, q.stream}, now, promoteBatch).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (q *RedisStreamQueue) readNew(ctx context.Context, n int) ([]streamMessage, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(n),
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []streamMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, streamMessage{msg: m, deliveries: 1})
		}
	}
	return out, nil
}

// claimStale 认领超过可见超时仍未确认的条目（原消费者崩溃或卡死）
func (q *RedisStreamQueue) claimStale(ctx context.Context, n int) ([]streamMessage, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Idle:   q.opts.VisibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  int64(n),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}

	claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.opts.VisibilityTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]streamMessage, 0, len(claimed))
	for _, m := range claimed {
		out = append(out, streamMessage{msg: m, deliveries: deliveries[m.ID] + 1})
	}
	return out, nil
}

func (q *RedisStreamQueue) process(ctx context.Context, sm streamMessage, h Handler) {
	body, _ := sm.msg.Values["data"].(string)
	attempt := intField(sm.msg.Values["attempt"], 1) + int(sm.deliveries) - 1

	d := Delivery{ID: sm.msg.ID, Body: []byte(body), Attempt: attempt}
	err := safeHandle(ctx, h, d)

	// 关闭期间未完成的任务保持未确认，由下一个消费者认领
	if err != nil && ctx.Err() != nil {
		return
	}

	bg := context.WithoutCancel(ctx)
	switch q.opts.decide(err, attempt) {
	case outcomeAck:
		q.ack(bg, sm.msg.ID)
	case outcomeDeadLetter:
		if q.opts.OnDeadLetter != nil {
			q.opts.OnDeadLetter(bg, d, err)
		}
		q.ack(bg, sm.msg.ID)
	case outcomeRetry:
		q.scheduleRetry(bg, d, attempt)
	}
}

func (q *RedisStreamQueue) ack(ctx context.Context, id string) {
	if err := q.rdb.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		logger.Log.Warn("Ack job failed", zap.String("stream", q.stream), zap.String("id", id), zap.Error(err))
	}
}

// scheduleRetry 写入延迟集合并确认原条目，二者在同一事务中完成；
// 失败时条目保持未确认，超时后被重新认领
func (q *RedisStreamQueue) scheduleRetry(ctx context.Context, d Delivery, attempt int) {
	member, err := json.Marshal(delayedJob{
		ID:      d.ID,
		Attempt: strconv.Itoa(attempt + 1),
		Data:    string(d.Body),
	})
	if err != nil {
		return
	}
	due := time.Now().Add(q.opts.Backoff(attempt))

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.delayed, &redis.Z{Score: float64(due.UnixMilli()), Member: string(member)})
	pipe.XAck(ctx, q.stream, q.group, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Log.Warn("Schedule job retry failed", zap.String("stream", q.stream), zap.String("id", d.ID), zap.Error(err))
	}
}

func (q *RedisStreamQueue) Close() error {
	return nil
}

func intField(v interface{}, def int) int {
	switch t := v.(type) {
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	case int64:
		return int(t)
	case int:
		return t
	default:
		return def
	}
}
