package attempt

import "testing"

func TestNavigator_Boundaries(t *testing.T) {
	l := NewLedger()
	l.Initialize(questionsWithIDs("q1", "q2", "q3"))
	n := NewNavigator(l, []string{"q1", "q2", "q3"})

	if got := n.Previous(); got != 0 {
		t.Fatalf("expected previous at start to stay 0, got %d", got)
	}
	n.GoTo(2)
	if got := n.Next(); got != 2 {
		t.Fatalf("expected next at end to stay 2, got %d", got)
	}
	if n.GoTo(5) {
		t.Fatal("expected GoTo(5) to be rejected")
	}
	if n.GoTo(-1) {
		t.Fatal("expected GoTo(-1) to be rejected")
	}
	if n.Current() != 2 {
		t.Fatalf("expected pointer unchanged at 2, got %d", n.Current())
	}
}

func TestNavigator_StateOf(t *testing.T) {
	l := NewLedger()
	l.Initialize(questionsWithIDs("q1", "q2", "q3"))
	_ = l.Select("q1", intPtr(0))
	_ = l.Select("q2", intPtr(3))
	n := NewNavigator(l, []string{"q1", "q2", "q3"})

	want := []QuestionState{QuestionCurrent, QuestionAnswered, QuestionUnanswered}
	for i, s := range n.States() {
		if s != want[i] {
			t.Fatalf("question %d: expected %s, got %s", i, want[i], s)
		}
	}

	n.Next()
	if got := n.StateOf(0); got != QuestionAnswered {
		t.Fatalf("expected question 0 answered after moving on, got %s", got)
	}
	if got := n.StateOf(1); got != QuestionCurrent {
		t.Fatalf("expected current to win over answered, got %s", got)
	}
}
