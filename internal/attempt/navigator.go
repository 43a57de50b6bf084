package attempt

// QuestionState is the palette state of one question.
type QuestionState string

const (
	QuestionCurrent    QuestionState = "current"
	QuestionAnswered   QuestionState = "answered"
	QuestionUnanswered QuestionState = "unanswered"
)

// Navigator tracks the current question pointer. It reads the ledger but
// never writes it.
type Navigator struct {
	ledger  *Ledger
	ids     []string
	pointer int
}

// NewNavigator creates a navigator over the question ids in display order.
func NewNavigator(ledger *Ledger, ids []string) *Navigator {
	return &Navigator{ledger: ledger, ids: ids}
}

// Current returns the pointer.
func (n *Navigator) Current() int { return n.pointer }

// Total returns the number of questions.
func (n *Navigator) Total() int { return len(n.ids) }

// Next advances the pointer, stopping at the last question.
func (n *Navigator) Next() int {
	if n.pointer < len(n.ids)-1 {
		n.pointer++
	}
	return n.pointer
}

// Previous moves the pointer back, stopping at the first question.
func (n *Navigator) Previous() int {
	if n.pointer > 0 {
		n.pointer--
	}
	return n.pointer
}

// GoTo jumps to index and reports whether it was in range.
func (n *Navigator) GoTo(index int) bool {
	if index < 0 || index >= len(n.ids) {
		return false
	}
	n.pointer = index
	return true
}

// StateOf returns the palette state of the question at index.
func (n *Navigator) StateOf(index int) QuestionState {
	if index == n.pointer {
		return QuestionCurrent
	}
	if index < 0 || index >= len(n.ids) {
		return QuestionUnanswered
	}
	if v, _ := n.ledger.Answer(n.ids[index]); v != nil {
		return QuestionAnswered
	}
	return QuestionUnanswered
}

// States returns StateOf for every question.
func (n *Navigator) States() []QuestionState {
	out := make([]QuestionState, len(n.ids))
	for i := range n.ids {
		out[i] = n.StateOf(i)
	}
	return out
}
