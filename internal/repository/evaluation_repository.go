package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
)

type EvaluationRepository struct {
	DB *gorm.DB
}

func NewEvaluationRepository(db *gorm.DB) *EvaluationRepository {
	return &EvaluationRepository{DB: db}
}

// Upsert 以 session_id 为键写入评估结果，重复投递只会覆盖，不会产生第二条记录
func (r *EvaluationRepository) Upsert(eval *model.Evaluation) error {
	return r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"session_token",
			"status",
			"marks_obtained",
			"total_marks",
			"clinical_breakdown",
			"rubric_breakdown",
			"report_url",
			"failure_reason",
			"attempts",
			"updated_at",
		}),
	}).Create(eval).Error
}

func (r *EvaluationRepository) FindBySession(sessionID uint) (*model.Evaluation, error) {
	var eval model.Evaluation
	if err := r.DB.Where("session_id = ?", sessionID).First(&eval).Error; err != nil {
		return nil, notFound(err, "evaluation")
	}
	return &eval, nil
}

func (r *EvaluationRepository) CountBySession(sessionID uint) (int64, error) {
	var n int64
	err := r.DB.Model(&model.Evaluation{}).Where("session_id = ?", sessionID).Count(&n).Error
	return n, err
}
