package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ChecklistItem 临床检查单中的一个加权问题
type ChecklistItem struct {
	Question string `json:"question"`
	Marks    int    `json:"marks"`
}

// RubricCategory 非临床评分维度，Bands 依次对应 1-5 分的描述
type RubricCategory struct {
	Name  string    `json:"name"`
	Bands [5]string `json:"bands"`
}

// StationFinding 站点预设的查体结果，考生请求时返回
type StationFinding struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Station 考站：病人设定、提示词、检查单与时长
type Station struct {
	BaseModel
	Name              string         `gorm:"size:120;not null" json:"name"`
	PatientPrompt     string         `gorm:"type:text;not null" json:"patientPrompt"`
	Model             string         `gorm:"size:80" json:"model"`
	DurationMinutes   int            `gorm:"not null;default:10" json:"durationMinutes"`
	ClinicalChecklist datatypes.JSON `json:"clinicalChecklist" swaggertype:"array,object"`
	Rubric            datatypes.JSON `json:"rubric" swaggertype:"array,object"`
	Findings          datatypes.JSON `json:"findings" swaggertype:"array,object"`
}

func (Station) TableName() string {
	return "stations"
}

func (s *Station) Duration(fallback time.Duration) time.Duration {
	if s.DurationMinutes <= 0 {
		return fallback
	}
	return time.Duration(s.DurationMinutes) * time.Minute
}

func (s *Station) ChecklistItems() ([]ChecklistItem, error) {
	var items []ChecklistItem
	if len(s.ClinicalChecklist) == 0 {
		return items, nil
	}
	err := json.Unmarshal(s.ClinicalChecklist, &items)
	return items, err
}

func (s *Station) RubricCategories() ([]RubricCategory, error) {
	var cats []RubricCategory
	if len(s.Rubric) == 0 {
		return cats, nil
	}
	err := json.Unmarshal(s.Rubric, &cats)
	return cats, err
}

func (s *Station) StationFindings() ([]StationFinding, error) {
	var findings []StationFinding
	if len(s.Findings) == 0 {
		return findings, nil
	}
	err := json.Unmarshal(s.Findings, &findings)
	return findings, err
}
