package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
)

const evaluatorSystemPrompt = "You are an OSCE examiner. Score the candidate strictly from the transcript. " +
	"Reply with a single JSON object and nothing else."

func renderTranscript(turns []model.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		speaker := "Candidate"
		if t.Role == model.RoleAssistant {
			speaker = "Patient"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, t.Content)
	}
	return b.String()
}

func renderFindings(findings []model.SessionFinding) string {
	if len(findings) == 0 {
		return "None requested.\n"
	}
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Value)
	}
	return b.String()
}

// clinicalPrompt 按编号列出加权问题，要求逐项给分
func clinicalPrompt(station model.StationSnapshot, turns []model.Turn, findings []model.SessionFinding) []AIChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Station: %s\n\nClinical checklist (award 0 up to the listed marks for each item):\n", station.Name)
	for i, item := range station.ClinicalChecklist {
		fmt.Fprintf(&b, "%d. %s [%d marks]\n", i+1, item.Question, item.Marks)
	}
	b.WriteString("\nExamination findings requested by the candidate:\n")
	b.WriteString(renderFindings(findings))
	b.WriteString("\nTranscript:\n")
	b.WriteString(renderTranscript(turns))
	b.WriteString("\nRespond as {\"scores\":[{\"index\":1,\"awarded\":0,\"comment\":\"...\"}]} with one entry per checklist item.")

	return []AIChatMessage{
		{Role: "system", Content: evaluatorSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// rubricPrompt 非临床维度按 1-5 档评分，每档给出描述
func rubricPrompt(station model.StationSnapshot, turns []model.Turn) []AIChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Station: %s\n\nCommunication rubric (score each category 1-5 using the bands):\n", station.Name)
	for _, cat := range station.Rubric {
		fmt.Fprintf(&b, "%s:\n", cat.Name)
		for i, band := range cat.Bands {
			fmt.Fprintf(&b, "  %d - %s\n", i+1, band)
		}
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(renderTranscript(turns))
	b.WriteString("\nRespond as {\"scores\":[{\"category\":\"...\",\"score\":3,\"comment\":\"...\"}]} with one entry per category.")

	return []AIChatMessage{
		{Role: "system", Content: evaluatorSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// extractJSON 去掉 markdown 代码块等包裹，取第一个 { 到最后一个 } 之间的内容
func extractJSON(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

type clinicalReply struct {
	Scores []struct {
		Index   int    `json:"index"`
		Awarded int    `json:"awarded"`
		Comment string `json:"comment"`
	} `json:"scores"`
}

func parseClinicalScores(raw string, checklist []model.ChecklistItem) ([]model.ClinicalScore, error) {
	body, ok := extractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("clinical reply has no JSON object: %w", util.ErrMalformedScore)
	}
	var reply clinicalReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return nil, fmt.Errorf("clinical reply: %v: %w", err, util.ErrMalformedScore)
	}

	scores := make([]model.ClinicalScore, len(checklist))
	seen := make([]bool, len(checklist))
	for i, item := range checklist {
		scores[i] = model.ClinicalScore{Question: item.Question, Marks: item.Marks}
	}
	for _, s := range reply.Scores {
		idx := s.Index - 1
		if idx < 0 || idx >= len(checklist) {
			return nil, fmt.Errorf("clinical reply: index %d out of range: %w", s.Index, util.ErrMalformedScore)
		}
		if s.Awarded < 0 || s.Awarded > checklist[idx].Marks {
			return nil, fmt.Errorf("clinical reply: item %d awarded %d of %d: %w", s.Index, s.Awarded, checklist[idx].Marks, util.ErrMalformedScore)
		}
		scores[idx].Awarded = s.Awarded
		scores[idx].Comment = s.Comment
		seen[idx] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("clinical reply: item %d missing: %w", i+1, util.ErrMalformedScore)
		}
	}
	return scores, nil
}

type rubricReply struct {
	Scores []struct {
		Category string `json:"category"`
		Score    int    `json:"score"`
		Comment  string `json:"comment"`
	} `json:"scores"`
}

func parseRubricScores(raw string, rubric []model.RubricCategory) ([]model.RubricScore, error) {
	body, ok := extractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("rubric reply has no JSON object: %w", util.ErrMalformedScore)
	}
	var reply rubricReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return nil, fmt.Errorf("rubric reply: %v: %w", err, util.ErrMalformedScore)
	}

	byName := make(map[string]int, len(reply.Scores))
	for i, s := range reply.Scores {
		byName[strings.ToLower(strings.TrimSpace(s.Category))] = i
	}

	scores := make([]model.RubricScore, 0, len(rubric))
	for _, cat := range rubric {
		i, ok := byName[strings.ToLower(cat.Name)]
		if !ok {
			return nil, fmt.Errorf("rubric reply: category %q missing: %w", cat.Name, util.ErrMalformedScore)
		}
		s := reply.Scores[i]
		if s.Score < 1 || s.Score > 5 {
			return nil, fmt.Errorf("rubric reply: %q scored %d: %w", cat.Name, s.Score, util.ErrMalformedScore)
		}
		scores = append(scores, model.RubricScore{
			Category: cat.Name,
			Score:    s.Score,
			Band:     cat.Bands[s.Score-1],
			Comment:  s.Comment,
		})
	}
	return scores, nil
}

// renderReport 生成 markdown 格式的评估报告
func renderReport(job model.EvaluationJob, obtained, total int, clinical []model.ClinicalScore, rubric []model.RubricScore) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", job.Station.Name)
	fmt.Fprintf(&b, "Candidate: %s\n\nSession: %s\n\nScore: %d / %d\n\n", job.Candidate.Name, job.SessionToken, obtained, total)
	b.WriteString("## Clinical checklist\n\n| # | Item | Awarded | Marks | Comment |\n|---|---|---|---|---|\n")
	for i, s := range clinical {
		fmt.Fprintf(&b, "| %d | %s | %d | %d | %s |\n", i+1, s.Question, s.Awarded, s.Marks, s.Comment)
	}
	if len(rubric) > 0 {
		b.WriteString("\n## Communication\n\n| Category | Score | Band | Comment |\n|---|---|---|---|\n")
		for _, s := range rubric {
			fmt.Fprintf(&b, "| %s | %d | %s | %s |\n", s.Category, s.Score, s.Band, s.Comment)
		}
	}
	return []byte(b.String())
}
