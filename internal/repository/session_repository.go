package repository

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
)

type SessionRepository struct {
	DB *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{DB: db}
}

// Create 插入一个 ACTIVE 会话。active_key 唯一索引冲突即表示该考生已有进行中的会话。
func (r *SessionRepository) Create(session *model.Session) error {
	if session.IsActive() {
		key := session.CandidateID
		session.ActiveKey = &key
	}
	err := r.DB.Create(session).Error
	if isDuplicateKey(err) {
		return fmt.Errorf("candidate %d already has an active session: %w", session.CandidateID, util.ErrConflict)
	}
	return err
}

func (r *SessionRepository) FindByToken(token string) (*model.Session, error) {
	var session model.Session
	if err := r.DB.Where("token = ?", token).First(&session).Error; err != nil {
		return nil, notFound(err, "session")
	}
	return &session, nil
}

func (r *SessionRepository) FindByID(id uint) (*model.Session, error) {
	var session model.Session
	if err := r.DB.First(&session, id).Error; err != nil {
		return nil, notFound(err, "session")
	}
	return &session, nil
}

func (r *SessionRepository) FindActiveByCandidate(candidateID uint) (*model.Session, error) {
	var session model.Session
	err := r.DB.Where("candidate_id = ? AND status = ?", candidateID, model.SessionActive).
		First(&session).Error
	if err != nil {
		return nil, notFound(err, "active session")
	}
	return &session, nil
}

// Complete 条件更新 ACTIVE -> COMPLETED。仅当本次调用完成了状态迁移时返回 true，
// 并发的结束请求与过期扫描中只有一方会得到 true。
func (r *SessionRepository) Complete(id uint, reason string, now time.Time) (bool, error) {
	res := r.DB.Model(&model.Session{}).
		Where("id = ? AND status = ?", id, model.SessionActive).
		Updates(map[string]interface{}{
			"status":     model.SessionCompleted,
			"ended_at":   now,
			"end_reason": reason,
			"active_key": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindOverdue 查找已过截止时间仍为 ACTIVE 的会话
func (r *SessionRepository) FindOverdue(now time.Time, limit int) ([]model.Session, error) {
	var sessions []model.Session
	err := r.DB.Where("status = ? AND deadline < ?", model.SessionActive, now).
		Order("deadline ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *SessionRepository) SetEvaluationStatus(id uint, status string) error {
	return r.DB.Model(&model.Session{}).Where("id = ?", id).Update("evaluation_status", status).Error
}

// UpdateFindings 仅在会话仍为 ACTIVE 时写入查体记录
func (r *SessionRepository) UpdateFindings(id uint, findings datatypes.JSON) (bool, error) {
	res := r.DB.Model(&model.Session{}).
		Where("id = ? AND status = ?", id, model.SessionActive).
		Update("findings", findings)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
