package model

import "time"

// ExamType enumerates the categories of placement assessments.
type ExamType string

const (
	ExamTypeAptitude  ExamType = "aptitude"
	ExamTypeTechnical ExamType = "technical"
	ExamTypeCoding    ExamType = "coding"
	ExamTypeVerbal    ExamType = "verbal"
	ExamTypeMock      ExamType = "mock"
)

// ExamDescriptor identifies and describes the exam being attempted.
// It is fetched once per attempt session and never mutated afterwards.
type ExamDescriptor struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	DurationMinutes   int        `json:"duration_minutes"`
	Type              ExamType   `json:"type"`
	PassingPercentage float64    `json:"passing_percentage"`
	Instructions      string     `json:"instructions,omitempty"`
	TotalQuestions    int        `json:"total_questions"`
	Status            string     `json:"status"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
}

// DurationSeconds is the countdown length the timer is armed with.
func (e *ExamDescriptor) DurationSeconds() int {
	return e.DurationMinutes * 60
}
