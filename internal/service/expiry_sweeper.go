package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/monitoring"
)

const sweepBatchSize = 200

// ExpirySweeper 定时结束已过截止时间的会话
type ExpirySweeper struct {
	Sessions  SessionStore
	Lifecycle *SessionService
	Interval  time.Duration
	BatchSize int

	now func() time.Time
}

func NewExpirySweeper(sessions SessionStore, lifecycle *SessionService, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		Sessions:  sessions,
		Lifecycle: lifecycle,
		Interval:  interval,
		BatchSize: sweepBatchSize,
		now:       time.Now,
	}
}

// Run 阻塞直到 ctx 结束；单次扫描失败只记录日志，等待下一个周期
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	logger.Log.Info("Expiry sweeper started", zap.Duration("interval", s.Interval))
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick 执行一次扫描，panic 也只影响本周期
func (s *ExpirySweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Expiry sweep panicked", zap.Any("panic", r))
		}
	}()

	if n, err := s.SweepOnce(ctx); err != nil {
		logger.Log.Error("Expiry sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Log.Info("Expired sessions completed", zap.Int("count", n))
	}
}

// SweepOnce 返回本次扫描实际完成迁移的会话数。
// 每个会话通过条件更新迁移，与并发的扫描或结束请求竞争时只有胜者投递评估任务。
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	overdue, err := s.Sessions.FindOverdue(s.now(), s.BatchSize)
	if err != nil {
		return 0, err
	}

	completed := 0
	for i := range overdue {
		if ctx.Err() != nil {
			break
		}
		won, err := s.Lifecycle.Expire(ctx, &overdue[i])
		if err != nil {
			logger.Log.Error("Expire session failed", zap.String("session", overdue[i].Token), zap.Error(err))
			continue
		}
		if won {
			completed++
			monitoring.SweeperExpired.Inc()
		}
	}
	return completed, nil
}
