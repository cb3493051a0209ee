package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/monitoring"
)

// SessionService 会话生命周期：ACTIVE -> COMPLETED，COMPLETED 为终态。
// 所有状态迁移都经由存储层的条件更新完成，并发的结束请求与过期扫描只有一方生效。
type SessionService struct {
	Sessions        SessionStore
	Stations        StationStore
	Transcripts     TranscriptStore
	Evaluations     EvaluationStore
	Dispatcher      Dispatcher
	Notifier        Notifier
	Locks           *KeyedMutex
	DefaultDuration time.Duration

	now func() time.Time
}

func NewSessionService(
	sessions SessionStore,
	stations StationStore,
	transcripts TranscriptStore,
	evaluations EvaluationStore,
	dispatcher Dispatcher,
	notifier Notifier,
	locks *KeyedMutex,
	defaultDuration time.Duration,
) *SessionService {
	return &SessionService{
		Sessions:        sessions,
		Stations:        stations,
		Transcripts:     transcripts,
		Evaluations:     evaluations,
		Dispatcher:      dispatcher,
		Notifier:        notifier,
		Locks:           locks,
		DefaultDuration: defaultDuration,
		now:             time.Now,
	}
}

func (s *SessionService) StartSession(ctx context.Context, candidateID uint, candidateName string, stationID uint) (*model.Session, error) {
	station, err := s.Stations.FindByID(stationID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	existing, err := s.Sessions.FindActiveByCandidate(candidateID)
	switch {
	case err == nil && existing.Overdue(now):
		// 扫描尚未处理的过期会话在此直接结束，不阻塞考生开始新会话
		if _, err := s.complete(ctx, existing, model.EndReasonExpired); err != nil {
			return nil, err
		}
	case err == nil:
		return nil, fmt.Errorf("candidate %d already has active session %s: %w", candidateID, existing.Token, util.ErrConflict)
	case !errors.Is(err, util.ErrNotFound):
		return nil, err
	}

	session := &model.Session{
		Token:            model.GenerateToken(),
		CandidateID:      candidateID,
		CandidateName:    candidateName,
		StationID:        station.ID,
		Status:           model.SessionActive,
		StartedAt:        now,
		Deadline:         now.Add(station.Duration(s.DefaultDuration)),
		EvaluationStatus: model.EvaluationNone,
	}
	if err := s.Sessions.Create(session); err != nil {
		return nil, err
	}

	monitoring.SessionTransitions.WithLabelValues("started").Inc()
	logger.Log.Info("Session started",
		zap.String("session", session.Token),
		zap.Uint("candidateId", candidateID),
		zap.Uint("stationId", station.ID),
		zap.Time("deadline", session.Deadline))
	return session, nil
}

// EndSession 考生主动结束会话。评估任务入队失败不影响结束结果，只记录在 EvaluationStatus 中。
func (s *SessionService) EndSession(ctx context.Context, token string, candidateID uint) (*model.Session, error) {
	session, err := s.Sessions.FindByToken(token)
	if err != nil {
		return nil, err
	}
	if session.CandidateID != candidateID {
		return nil, fmt.Errorf("session %s: %w", token, util.ErrNotFound)
	}
	if !session.IsActive() {
		return nil, fmt.Errorf("session %s is %s: %w", token, session.Status, util.ErrInvalidState)
	}

	won, err := s.complete(ctx, session, model.EndReasonEnded)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("session %s already completed: %w", token, util.ErrInvalidState)
	}
	return session, nil
}

// Expire 过期扫描调用，返回本次调用是否完成了状态迁移
func (s *SessionService) Expire(ctx context.Context, session *model.Session) (bool, error) {
	return s.complete(ctx, session, model.EndReasonExpired)
}

func (s *SessionService) complete(ctx context.Context, session *model.Session, reason string) (bool, error) {
	now := s.now()
	won, err := s.Sessions.Complete(session.ID, reason, now)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	session.Status = model.SessionCompleted
	session.EndedAt = &now
	session.EndReason = reason
	session.ActiveKey = nil
	monitoring.SessionTransitions.WithLabelValues(reason).Inc()
	logger.Log.Info("Session completed", zap.String("session", session.Token), zap.String("reason", reason))

	s.notify(session.CandidateID, WSMessage{
		Type:  EventSessionEnded,
		Event: SessionChannel(session.Token),
		Data: map[string]interface{}{
			"reason":  reason,
			"endedAt": now,
		},
	})

	s.handOff(ctx, session)
	return true, nil
}

// handOff 投递评估任务，失败时记录 dispatch_failed，会话仍保持 COMPLETED
func (s *SessionService) handOff(ctx context.Context, session *model.Session) {
	status := model.EvaluationQueued
	err := s.dispatch(ctx, session)
	if err != nil {
		status = model.EvaluationDispatchFailed
		logger.Log.Warn("Evaluation dispatch failed",
			zap.String("session", session.Token), zap.Error(err))
	}

	if err := s.Sessions.SetEvaluationStatus(session.ID, status); err != nil {
		logger.Log.Error("Update evaluation status failed", zap.String("session", session.Token), zap.Error(err))
	}
	session.EvaluationStatus = status
}

func (s *SessionService) dispatch(ctx context.Context, session *model.Session) error {
	if s.Dispatcher == nil {
		return fmt.Errorf("no dispatcher configured: %w", util.ErrDispatch)
	}
	station, err := s.Stations.FindByID(session.StationID)
	if err != nil {
		return fmt.Errorf("load station %d: %v: %w", session.StationID, err, util.ErrDispatch)
	}
	candidate := model.CandidateSnapshot{ID: session.CandidateID, Name: session.CandidateName}
	return s.Dispatcher.EnqueueEvaluation(ctx, session, candidate, station)
}

// ValidateTurn 对话提交前的状态检查：会话不存在、不属于该考生、已结束或已过截止时间均拒绝，
// 且不在此处迁移状态。
func (s *SessionService) ValidateTurn(token string, candidateID uint) (*model.Session, error) {
	session, err := s.Sessions.FindByToken(token)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, fmt.Errorf("session %s does not exist: %w", token, util.ErrInvalidState)
		}
		return nil, err
	}
	if session.CandidateID != candidateID {
		return nil, fmt.Errorf("session %s does not exist: %w", token, util.ErrInvalidState)
	}
	if !session.IsActive() {
		return nil, fmt.Errorf("session %s is %s: %w", token, session.Status, util.ErrInvalidState)
	}
	if session.Overdue(s.now()) {
		return nil, fmt.Errorf("session %s passed its deadline: %w", token, util.ErrInvalidState)
	}
	return session, nil
}

// GetSession 考生只能读取自己的会话，管理员不受限
func (s *SessionService) GetSession(token string, candidateID uint, admin bool) (*model.Session, error) {
	session, err := s.Sessions.FindByToken(token)
	if err != nil {
		return nil, err
	}
	if !admin && session.CandidateID != candidateID {
		return nil, fmt.Errorf("session %s: %w", token, util.ErrNotFound)
	}
	return session, nil
}

func (s *SessionService) GetActive(candidateID uint) (*model.Session, error) {
	return s.Sessions.FindActiveByCandidate(candidateID)
}

func (s *SessionService) Transcript(token string, candidateID uint, admin bool) ([]model.Turn, error) {
	session, err := s.GetSession(token, candidateID, admin)
	if err != nil {
		return nil, err
	}
	return s.Transcripts.ListBySession(session.ID)
}

func (s *SessionService) Evaluation(token string, candidateID uint, admin bool) (*model.Evaluation, error) {
	session, err := s.GetSession(token, candidateID, admin)
	if err != nil {
		return nil, err
	}
	return s.Evaluations.FindBySession(session.ID)
}

// RecordFinding 考生请求一项查体结果，按请求顺序追加到会话记录
func (s *SessionService) RecordFinding(token string, candidateID uint, name string) (*model.SessionFinding, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("finding name is required: %w", util.ErrInvalidInput)
	}

	unlock := s.Locks.Lock(token)
	defer unlock()

	session, err := s.ValidateTurn(token, candidateID)
	if err != nil {
		return nil, err
	}
	station, err := s.Stations.FindByID(session.StationID)
	if err != nil {
		return nil, err
	}
	available, err := station.StationFindings()
	if err != nil {
		return nil, fmt.Errorf("decode station findings: %w", err)
	}

	var match *model.StationFinding
	for i := range available {
		if strings.EqualFold(available[i].Name, name) {
			match = &available[i]
			break
		}
	}
	if match == nil {
		return nil, fmt.Errorf("finding %q: %w", name, util.ErrNotFound)
	}

	findings, err := session.SessionFindings()
	if err != nil {
		return nil, fmt.Errorf("decode session findings: %w", err)
	}
	finding := model.SessionFinding{Name: match.Name, Value: match.Value, RequestedAt: s.now()}
	findings = append(findings, finding)
	raw, err := json.Marshal(findings)
	if err != nil {
		return nil, err
	}

	ok, err := s.Sessions.UpdateFindings(session.ID, raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s is no longer active: %w", token, util.ErrInvalidState)
	}
	return &finding, nil
}

func (s *SessionService) notify(candidateID uint, msg WSMessage) {
	if s.Notifier != nil {
		s.Notifier.Notify(candidateID, msg)
	}
}
