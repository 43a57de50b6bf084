package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptRecord is the persisted summary of a completed attempt session.
type AttemptRecord struct {
	SessionID         uuid.UUID `json:"session_id"`
	ExamID            string    `json:"exam_id"`
	StudentID         string    `json:"student_id"`
	Score             float64   `json:"score"`
	MaxScore          float64   `json:"max_score"`
	Percentage        float64   `json:"percentage"`
	PassingPercentage float64   `json:"passing_percentage"`
	Passed            bool      `json:"passed"`
	Answered          int       `json:"answered"`
	TotalQuestions    int       `json:"total_questions"`
	AutoSubmitted     bool      `json:"auto_submitted"`
	StartedAt         time.Time `json:"started_at"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// AnswerRequest selects (or clears, when Option is nil) an answer.
type AnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,max=64"`
	Option     *int   `json:"option" binding:"omitempty,min=0"`
}

// NavigateRequest moves the question pointer.
type NavigateRequest struct {
	Action string `json:"action" binding:"required,oneof=next previous goto"`
	Index  *int   `json:"index" binding:"required_if=Action goto,omitempty,min=0"`
}

// ResultsQuery is the pagination query for TPO result listings.
type ResultsQuery struct {
	Page    int   `form:"page" binding:"omitempty,min=1"`
	PerPage int   `form:"per_page" binding:"omitempty,min=1,max=100"`
	Passed  *bool `form:"passed"`
}
