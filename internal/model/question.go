package model

// DefaultOptionCount is the option arity the portal authors questions with.
const DefaultOptionCount = 4

// Question is one assessable item as delivered to a student.
// The correct option stays on the portal and is never sent here.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"question"`
	Options []string `json:"options"`
	Marks   int      `json:"marks"`
}

// AnswerEntry is one row of a submission: the selected option index,
// or nil when the question was left unanswered.
type AnswerEntry struct {
	QuestionID string `json:"questionId"`
	Answer     *int   `json:"answer"`
}
