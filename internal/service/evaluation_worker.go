package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/monitoring"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/queue"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/tracing"
)

// EvaluationWorker 消费评估任务：实时读取对话记录，分别按临床检查单和沟通量表评分，
// 以 session_id 为键写入结果并向考生推送进度。
type EvaluationWorker struct {
	Sessions    SessionStore
	Transcripts TranscriptStore
	Evaluations EvaluationStore
	Provider    CompletionProvider
	Reports     ReportStore
	Notifier    Notifier
	// EvalModel 为空时使用考站模型，再为空时使用提供方默认模型
	EvalModel string
}

func NewEvaluationWorker(
	sessions SessionStore,
	transcripts TranscriptStore,
	evaluations EvaluationStore,
	provider CompletionProvider,
	reports ReportStore,
	notifier Notifier,
	evalModel string,
) *EvaluationWorker {
	return &EvaluationWorker{
		Sessions:    sessions,
		Transcripts: transcripts,
		Evaluations: evaluations,
		Provider:    provider,
		Reports:     reports,
		Notifier:    notifier,
		EvalModel:   evalModel,
	}
}

func decodeJob(body []byte) (model.EvaluationJob, error) {
	var job model.EvaluationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, err
	}
	if job.SessionID == 0 {
		return job, errors.New("job has no session id")
	}
	return job, nil
}

// Handle 实现 queue.Handler。提供方错误原样返回交给队列重试；评分无法解析时记为失败并返回 queue.Permanent。
func (w *EvaluationWorker) Handle(ctx context.Context, d queue.Delivery) error {
	job, err := decodeJob(d.Body)
	if err != nil {
		monitoring.EvaluationJobs.WithLabelValues("invalid").Inc()
		logger.Log.Error("Drop undecodable evaluation job", zap.String("deliveryId", d.ID), zap.Error(err))
		return queue.Permanent(err)
	}

	ctx, span := tracing.Tracer.Start(ctx, "evaluation.Handle")
	span.SetAttributes(
		attribute.String("session", job.SessionToken),
		attribute.Int("attempt", d.Attempt),
	)
	defer span.End()

	logger.Log.Info("Evaluating session",
		zap.String("session", job.SessionToken),
		zap.String("jobId", job.JobID),
		zap.Int("attempt", d.Attempt))

	eval, err := w.evaluate(ctx, job, d.Attempt)
	if err != nil {
		if errors.Is(err, util.ErrMalformedScore) {
			monitoring.EvaluationJobs.WithLabelValues("malformed").Inc()
			w.fail(job, d.Attempt, err)
			return queue.Permanent(err)
		}
		monitoring.EvaluationJobs.WithLabelValues("retry").Inc()
		logger.Log.Warn("Evaluation attempt failed", zap.String("session", job.SessionToken), zap.Error(err))
		return err
	}

	monitoring.EvaluationJobs.WithLabelValues("completed").Inc()
	w.notify(job, EventEvaluationResult, map[string]interface{}{
		"percent":   100,
		"score":     eval.MarksObtained,
		"total":     eval.TotalMarks,
		"reportUrl": eval.ReportURL,
	})
	return nil
}

func (w *EvaluationWorker) evaluate(ctx context.Context, job model.EvaluationJob, attempt int) (*model.Evaluation, error) {
	w.progress(job, 10)

	session, err := w.Sessions.FindByID(job.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	turns, err := w.Transcripts.ListBySession(job.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	findings, err := session.SessionFindings()
	if err != nil {
		return nil, fmt.Errorf("decode findings: %w", err)
	}

	var (
		clinical []model.ClinicalScore
		rubric   []model.RubricScore
	)
	if hasCandidateTurn(turns) {
		reply, err := w.Provider.Complete(ctx, w.modelFor(job), clinicalPrompt(job.Station, turns, findings))
		if err != nil {
			return nil, err
		}
		if clinical, err = parseClinicalScores(reply, job.Station.ClinicalChecklist); err != nil {
			return nil, err
		}
		w.progress(job, 50)

		if len(job.Station.Rubric) > 0 {
			reply, err = w.Provider.Complete(ctx, w.modelFor(job), rubricPrompt(job.Station, turns))
			if err != nil {
				return nil, err
			}
			if rubric, err = parseRubricScores(reply, job.Station.Rubric); err != nil {
				return nil, err
			}
		}
	} else {
		// 考生未发言，不调用模型，所有检查项记 0 分
		clinical = zeroClinicalScores(job.Station.ClinicalChecklist)
	}
	w.progress(job, 80)

	obtained, total := 0, 0
	for _, s := range clinical {
		obtained += s.Awarded
		total += s.Marks
	}

	eval := &model.Evaluation{
		SessionID:         job.SessionID,
		SessionToken:      job.SessionToken,
		Status:            model.EvaluationCompleted,
		MarksObtained:     obtained,
		TotalMarks:        total,
		ClinicalBreakdown: mustJSON(clinical),
		RubricBreakdown:   mustJSON(rubric),
		Attempts:          attempt,
	}

	if w.Reports != nil {
		name := path.Join("reports", job.SessionToken+".md")
		url, err := w.Reports.PutBytes(ctx, name, renderReport(job, obtained, total, clinical, rubric), util.MimeMarkdown)
		if err != nil {
			logger.Log.Warn("Upload evaluation report failed", zap.String("session", job.SessionToken), zap.Error(err))
		} else {
			eval.ReportURL = url
		}
	}

	if err := w.Evaluations.Upsert(eval); err != nil {
		return nil, fmt.Errorf("save evaluation: %w", err)
	}
	return eval, nil
}

// HandleDeadLetter 超过最大投递次数后记为失败，考生会收到失败事件
func (w *EvaluationWorker) HandleDeadLetter(ctx context.Context, d queue.Delivery, cause error) {
	monitoring.EvaluationJobs.WithLabelValues("dead_letter").Inc()
	job, err := decodeJob(d.Body)
	if err != nil {
		logger.Log.Error("Dead-lettered undecodable job", zap.String("deliveryId", d.ID), zap.Error(err))
		return
	}
	logger.Log.Error("Evaluation job exhausted retries",
		zap.String("session", job.SessionToken),
		zap.Int("attempts", d.Attempt),
		zap.Error(cause))
	w.fail(job, d.Attempt, cause)
}

func (w *EvaluationWorker) fail(job model.EvaluationJob, attempt int, cause error) {
	eval := &model.Evaluation{
		SessionID:     job.SessionID,
		SessionToken:  job.SessionToken,
		Status:        model.EvaluationFailed,
		FailureReason: cause.Error(),
		Attempts:      attempt,
	}
	if err := w.Evaluations.Upsert(eval); err != nil {
		logger.Log.Error("Save failed evaluation", zap.String("session", job.SessionToken), zap.Error(err))
	}
	w.notify(job, EventEvaluationFailed, map[string]string{"reason": cause.Error()})
}

func (w *EvaluationWorker) modelFor(job model.EvaluationJob) string {
	if w.EvalModel != "" {
		return w.EvalModel
	}
	return job.Station.Model
}

func (w *EvaluationWorker) progress(job model.EvaluationJob, percent int) {
	w.notify(job, EventEvaluationProgress, map[string]int{"percent": percent})
}

func (w *EvaluationWorker) notify(job model.EvaluationJob, typ string, data interface{}) {
	if w.Notifier == nil {
		return
	}
	w.Notifier.Notify(job.Candidate.ID, WSMessage{
		Type:  typ,
		Event: SessionChannel(job.SessionToken),
		Data:  data,
	})
}

func hasCandidateTurn(turns []model.Turn) bool {
	for _, t := range turns {
		if t.Role == model.RoleUser {
			return true
		}
	}
	return false
}

func zeroClinicalScores(items []model.ChecklistItem) []model.ClinicalScore {
	scores := make([]model.ClinicalScore, len(items))
	for i, item := range items {
		scores[i] = model.ClinicalScore{Question: item.Question, Marks: item.Marks}
	}
	return scores
}

func mustJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}
