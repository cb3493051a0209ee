package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
)

const (
	EndReasonEnded   = "ended"
	EndReasonExpired = "expired"
)

const (
	EvaluationNone           = "none"
	EvaluationQueued         = "queued"
	EvaluationDispatchFailed = "dispatch_failed"
)

// SessionFinding 考生在会话中已获取的查体结果（按获取顺序）
type SessionFinding struct {
	Name        string    `json:"name"`
	Value       string    `json:"value"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Session 一次计时的考站尝试。
// ActiveKey 仅在 ACTIVE 时等于 CandidateID，借助唯一索引保证每个考生至多一个进行中的会话。
type Session struct {
	ID               uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	Token            string         `gorm:"size:26;uniqueIndex;not null" json:"sessionId"`
	CandidateID      uint           `gorm:"index;not null" json:"candidateId"`
	CandidateName    string         `gorm:"size:100" json:"candidateName"`
	StationID        uint           `gorm:"index;not null" json:"stationId"`
	Status           SessionStatus  `gorm:"size:16;index:idx_status_deadline;not null" json:"status"`
	StartedAt        time.Time      `json:"startedAt"`
	Deadline         time.Time      `gorm:"index:idx_status_deadline" json:"deadline"`
	EndedAt          *time.Time     `json:"endedAt"`
	EndReason        string         `gorm:"size:16" json:"endReason,omitempty"`
	ActiveKey        *uint          `gorm:"uniqueIndex" json:"-"`
	EvaluationStatus string         `gorm:"size:20;default:'none'" json:"evaluationStatus"`
	Findings         datatypes.JSON `json:"findings" swaggertype:"array,object"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func (Session) TableName() string {
	return "sessions"
}

func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// Overdue 会话仍为 ACTIVE 但已过截止时间
func (s *Session) Overdue(now time.Time) bool {
	return s.IsActive() && now.After(s.Deadline)
}

func (s *Session) SessionFindings() ([]SessionFinding, error) {
	var findings []SessionFinding
	if len(s.Findings) == 0 {
		return findings, nil
	}
	err := json.Unmarshal(s.Findings, &findings)
	return findings, err
}
