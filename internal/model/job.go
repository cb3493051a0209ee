package model

import "time"

// CandidateSnapshot 入队时的考生信息
type CandidateSnapshot struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// StationSnapshot 入队时的考站静态数据，避免任务执行期间再次查询
type StationSnapshot struct {
	ID                uint             `json:"id"`
	Name              string           `json:"name"`
	Model             string           `json:"model"`
	PatientPrompt     string           `json:"patientPrompt"`
	ClinicalChecklist []ChecklistItem  `json:"clinicalChecklist"`
	Rubric            []RubricCategory `json:"rubric"`
}

// EvaluationJob 评估任务；对话记录不随任务携带，由 worker 按 SessionID 实时读取
type EvaluationJob struct {
	JobID        string            `json:"jobId"`
	SessionID    uint              `json:"sessionId"`
	SessionToken string            `json:"sessionToken"`
	Candidate    CandidateSnapshot `json:"candidate"`
	Station      StationSnapshot   `json:"station"`
	EnqueuedAt   time.Time         `json:"enqueuedAt"`
}

func NewStationSnapshot(st *Station) (StationSnapshot, error) {
	items, err := st.ChecklistItems()
	if err != nil {
		return StationSnapshot{}, err
	}
	cats, err := st.RubricCategories()
	if err != nil {
		return StationSnapshot{}, err
	}
	return StationSnapshot{
		ID:                st.ID,
		Name:              st.Name,
		Model:             st.Model,
		PatientPrompt:     st.PatientPrompt,
		ClinicalChecklist: items,
		Rubric:            cats,
	}, nil
}
