package model

import (
	"bytes"
	"encoding/json"
)

// RawResult is the grading payload as returned by the portal. Field names
// vary between portal versions (maxScore vs totalMarks), and the passing
// threshold may sit on the result itself or on the embedded exam.
type RawResult struct {
	Score             float64  `json:"score"`
	MaxScore          *float64 `json:"maxScore,omitempty"`
	TotalMarks        *float64 `json:"totalMarks,omitempty"`
	Percentage        any      `json:"percentage"`
	PassingPercentage *float64 `json:"passingPercentage,omitempty"`
	Exam              *ExamRef `json:"exam,omitempty"`
}

// ExamRef is the exam reference embedded in a grading payload. The portal
// sends either a populated object or a bare id string; only the object
// form carries a passing percentage.
type ExamRef struct {
	ID                string   `json:"id,omitempty"`
	PassingPercentage *float64 `json:"passingPercentage,omitempty"`
}

// UnmarshalJSON accepts both the populated object and the bare id form.
func (r *ExamRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}

	type plain ExamRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ExamRef(p)
	return nil
}

// ExamResult is the normalized, immutable outcome of a graded submission.
type ExamResult struct {
	Score             float64 `json:"score"`
	MaxScore          float64 `json:"max_score"`
	Percentage        float64 `json:"percentage"`
	PassingPercentage float64 `json:"passing_percentage"`
	Passed            bool    `json:"passed"`
}
