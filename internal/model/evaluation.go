package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EvaluationProcessing = "processing"
	EvaluationCompleted  = "completed"
	EvaluationFailed     = "failed"
)

// ClinicalScore 单个检查项的得分
type ClinicalScore struct {
	Question string `json:"question"`
	Marks    int    `json:"marks"`
	Awarded  int    `json:"awarded"`
	Comment  string `json:"comment,omitempty"`
}

// RubricScore 单个非临床维度的得分（1-5）
type RubricScore struct {
	Category string `json:"category"`
	Score    int    `json:"score"`
	Band     string `json:"band"`
	Comment  string `json:"comment,omitempty"`
}

// Evaluation 会话评估结果，SessionID 唯一，重复投递时覆盖写入
type Evaluation struct {
	ID                uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID         uint           `gorm:"uniqueIndex;not null" json:"-"`
	SessionToken      string         `gorm:"size:26;index" json:"sessionId"`
	Status            string         `gorm:"size:16;not null" json:"status"`
	MarksObtained     int            `json:"marksObtained"`
	TotalMarks        int            `json:"totalMarks"`
	ClinicalBreakdown datatypes.JSON `json:"clinicalBreakdown" swaggertype:"array,object"`
	RubricBreakdown   datatypes.JSON `json:"rubricBreakdown" swaggertype:"array,object"`
	ReportURL         string         `gorm:"size:255" json:"reportUrl"`
	FailureReason     string         `gorm:"type:text" json:"failureReason,omitempty"`
	Attempts          int            `json:"attempts"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (Evaluation) TableName() string {
	return "evaluations"
}
