package attempt

import (
	"math"

	"github.com/tpcell/attempt-runner/internal/model"
)

// Ledger records exactly one answer state per question id. Keys are fixed
// by Initialize; Select only ever changes values. Not safe for concurrent
// use; the owning Session serializes access.
type Ledger struct {
	entries map[string]*int
	order   []string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: map[string]*int{}}
}

// Initialize creates one unanswered entry per question. Questions without
// an id get no entry; their indexes are returned so the caller can flag them.
func (l *Ledger) Initialize(questions []model.Question) (missing []int) {
	l.entries = make(map[string]*int, len(questions))
	l.order = make([]string, 0, len(questions))

	for i, q := range questions {
		if q.ID == "" {
			missing = append(missing, i)
			continue
		}
		if _, dup := l.entries[q.ID]; dup {
			continue
		}
		l.entries[q.ID] = nil
		l.order = append(l.order, q.ID)
	}
	return missing
}

// Select overwrites the answer for questionID. A nil option resets the
// entry to unanswered.
func (l *Ledger) Select(questionID string, option *int) error {
	if _, ok := l.entries[questionID]; !ok {
		return ErrUnknownQuestion
	}
	if option == nil {
		l.entries[questionID] = nil
		return nil
	}
	v := *option
	l.entries[questionID] = &v
	return nil
}

// Answer returns the selected option for questionID, nil when unanswered.
func (l *Ledger) Answer(questionID string) (*int, bool) {
	v, ok := l.entries[questionID]
	if !ok || v == nil {
		return nil, ok
	}
	out := *v
	return &out, true
}

// CountAnswered counts answered entries whose id is in validIDs.
func (l *Ledger) CountAnswered(validIDs map[string]struct{}) int {
	n := 0
	for id, v := range l.entries {
		if v == nil {
			continue
		}
		if _, ok := validIDs[id]; ok {
			n++
		}
	}
	return n
}

// Entries returns the submission rows in question order, unanswered
// questions included with a nil answer.
func (l *Ledger) Entries() []model.AnswerEntry {
	out := make([]model.AnswerEntry, 0, len(l.order))
	for _, id := range l.order {
		e := model.AnswerEntry{QuestionID: id}
		if v := l.entries[id]; v != nil {
			a := *v
			e.Answer = &a
		}
		out = append(out, e)
	}
	return out
}

// Answers returns a copy of the ledger as a map.
func (l *Ledger) Answers() map[string]*int {
	out := make(map[string]*int, len(l.entries))
	for id, v := range l.entries {
		if v == nil {
			out[id] = nil
			continue
		}
		a := *v
		out[id] = &a
	}
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int { return len(l.entries) }

// Discard drops every entry.
func (l *Ledger) Discard() {
	l.entries = map[string]*int{}
	l.order = nil
}

// Progress is the rounded answered percentage, never above 100.
func Progress(answered, total int) int {
	if total <= 0 || answered <= 0 {
		return 0
	}
	pct := int(math.Round(float64(answered) / float64(total) * 100))
	if pct > 100 {
		return 100
	}
	return pct
}
