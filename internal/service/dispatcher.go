package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/queue"
)

// Dispatcher 评估任务入队
type Dispatcher interface {
	EnqueueEvaluation(ctx context.Context, session *model.Session, candidate model.CandidateSnapshot, station *model.Station) error
}

// JobDispatcher 把评估任务写入持久化队列。任务只携带会话 ID 与静态考站快照，
// 对话记录由 worker 执行时实时读取。
type JobDispatcher struct {
	Queue queue.Queue
}

func NewJobDispatcher(q queue.Queue) *JobDispatcher {
	return &JobDispatcher{Queue: q}
}

func (d *JobDispatcher) EnqueueEvaluation(ctx context.Context, session *model.Session, candidate model.CandidateSnapshot, station *model.Station) error {
	snapshot, err := model.NewStationSnapshot(station)
	if err != nil {
		return fmt.Errorf("snapshot station %d: %v: %w", station.ID, err, util.ErrDispatch)
	}

	job := model.EvaluationJob{
		JobID:        model.GenerateUUID(),
		SessionID:    session.ID,
		SessionToken: session.Token,
		Candidate:    candidate,
		Station:      snapshot,
		EnqueuedAt:   time.Now(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %v: %w", err, util.ErrDispatch)
	}

	if err := d.Queue.Publish(ctx, body); err != nil {
		return fmt.Errorf("publish job: %v: %w", err, util.ErrDispatch)
	}

	logger.Log.Info("Evaluation job enqueued",
		zap.String("session", session.Token),
		zap.String("jobId", job.JobID))
	return nil
}
