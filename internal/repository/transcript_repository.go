package repository

import (
	"gorm.io/gorm"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
)

// TranscriptRepository 对话记录只追加，不提供更新与删除
type TranscriptRepository struct {
	DB *gorm.DB
}

func NewTranscriptRepository(db *gorm.DB) *TranscriptRepository {
	return &TranscriptRepository{DB: db}
}

func (r *TranscriptRepository) Append(turn *model.Turn) error {
	return r.DB.Create(turn).Error
}

func (r *TranscriptRepository) ListBySession(sessionID uint) ([]model.Turn, error) {
	var turns []model.Turn
	err := r.DB.Where("session_id = ?", sessionID).Order("id ASC").Find(&turns).Error
	return turns, err
}
