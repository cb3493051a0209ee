package service

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
)

// 服务层依赖的存储接口，由 repository 包中的 gorm 实现满足

type SessionStore interface {
	Create(session *model.Session) error
	FindByToken(token string) (*model.Session, error)
	FindByID(id uint) (*model.Session, error)
	FindActiveByCandidate(candidateID uint) (*model.Session, error)
	Complete(id uint, reason string, now time.Time) (bool, error)
	FindOverdue(now time.Time, limit int) ([]model.Session, error)
	SetEvaluationStatus(id uint, status string) error
	UpdateFindings(id uint, findings datatypes.JSON) (bool, error)
}

type StationStore interface {
	FindByID(id uint) (*model.Station, error)
}

type TranscriptStore interface {
	Append(turn *model.Turn) error
	ListBySession(sessionID uint) ([]model.Turn, error)
}

type EvaluationStore interface {
	Upsert(eval *model.Evaluation) error
	FindBySession(sessionID uint) (*model.Evaluation, error)
}

// ReportStore 评估报告上传
type ReportStore interface {
	PutBytes(ctx context.Context, filename string, data []byte, contentType string) (string, error)
}
