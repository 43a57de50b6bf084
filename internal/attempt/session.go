package attempt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/model"
)

// Phase is the single state of an attempt session.
type Phase string

const (
	PhaseLoading           Phase = "loading"
	PhaseError             Phase = "error"
	PhaseInstructionsShown Phase = "instructions_shown"
	PhaseStarting          Phase = "starting"
	PhaseInProgress        Phase = "in_progress"
	PhaseSubmitting        Phase = "submitting"
	PhaseCompleted         Phase = "completed"
)

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseError || p == PhaseCompleted
}

// Backend is the placement portal as seen by an attempt session.
type Backend interface {
	FetchExam(ctx context.Context, examID string) (*model.ExamDescriptor, error)
	NotifyStart(ctx context.Context, examID string) error
	FetchQuestions(ctx context.Context, examID string) ([]model.Question, error)
	SubmitAnswers(ctx context.Context, examID string, entries []model.AnswerEntry) (*model.RawResult, error)
}

// EventKind names what changed in a session.
type EventKind string

const (
	EventPhase        EventKind = "phase"
	EventTick         EventKind = "tick"
	EventAnswer       EventKind = "answer"
	EventNavigate     EventKind = "navigate"
	EventSubmitFailed EventKind = "submit_failed"
)

// Event is delivered to Options.OnEvent after every observable change.
// Tick events carry a snapshot without questions or answers.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// ErrorView is the student-facing form of a fatal Error.
type ErrorView struct {
	Kind                 Kind   `json:"kind"`
	Message              string `json:"message"`
	Redirect             bool   `json:"redirect"`
	RedirectAfterSeconds int    `json:"redirect_after_seconds,omitempty"`
}

// Snapshot is a point-in-time copy of a session for the presentation layer.
// Seq increases with every snapshot a session takes; consumers drop
// frames whose Seq is not above the last one they applied.
type Snapshot struct {
	Seq              uint64                `json:"seq"`
	ID               uuid.UUID             `json:"id"`
	ExamID           string                `json:"exam_id"`
	Phase            Phase                 `json:"phase"`
	Exam             *model.ExamDescriptor `json:"exam,omitempty"`
	Questions        []model.Question      `json:"questions,omitempty"`
	Current          int                   `json:"current"`
	States           []QuestionState       `json:"states,omitempty"`
	Answers          map[string]*int       `json:"answers,omitempty"`
	Answered         int                   `json:"answered"`
	TotalQuestions   int                   `json:"total_questions"`
	Progress         int                   `json:"progress"`
	RemainingSeconds int                   `json:"remaining_seconds"`
	Clock            string                `json:"clock"`
	Error            *ErrorView            `json:"error,omitempty"`
	SubmitError      string                `json:"submit_error,omitempty"`
	Result           *model.ExamResult     `json:"result,omitempty"`
	AutoSubmitted    bool                  `json:"auto_submitted"`
	Closed           bool                  `json:"closed"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	SubmittedAt      *time.Time            `json:"submitted_at,omitempty"`
	ExpiredAt        *time.Time            `json:"expired_at,omitempty"`
}

// Options configures a Session.
type Options struct {
	// TickInterval is the countdown period; defaults to one second.
	TickInterval time.Duration
	// RedirectDelay is advertised with redirect-eligible errors.
	RedirectDelay time.Duration
	Now           func() time.Time
	Logger        zerolog.Logger
	// OnEvent is called outside the session lock.
	OnEvent func(Event)
}

// Session sequences one student's attempt from instructions to grading.
// It is the only writer of its phase, ledger and timer.
type Session struct {
	mu sync.Mutex

	id      uuid.UUID
	examID  string
	backend Backend
	opts    Options
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	phase       Phase
	loadIssued  bool
	closed      bool
	exam        *model.ExamDescriptor
	questions   []model.Question
	byID        map[string]int
	validIDs    map[string]struct{}
	ledger      *Ledger
	nav         *Navigator
	timer       *Timer
	err         *Error
	submitErr   *Error
	result      *model.ExamResult
	auto        bool
	answeredAt  int
	startedAt   time.Time
	submittedAt time.Time
	expiredAt   time.Time
	seq         uint64
}

// NewSession creates a session in the loading phase.
func NewSession(examID string, backend Backend, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:      uuid.New(),
		examID:  strings.TrimSpace(examID),
		backend: backend,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		phase:   PhaseLoading,
		ledger:  NewLedger(),
	}
	s.log = opts.Logger.With().
		Str("attempt_id", s.id.String()).
		Str("exam_id", s.examID).
		Logger()
	s.timer = NewTimer(opts.TickInterval, s.handleTick, s.handleExpire)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// ExamID returns the exam being attempted.
func (s *Session) ExamID() string { return s.examID }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetBackend replaces the collaborator used by later portal calls,
// including the automatic submission at expiry.
func (s *Session) SetBackend(b Backend) {
	if b == nil {
		return
	}
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

// Load fetches the exam descriptor and applies the availability gate.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseLoading || s.loadIssued {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	if s.examID == "" {
		e := &Error{Kind: KindValidation, Message: "exam identifier is missing"}
		ev := s.failLocked(e)
		s.mu.Unlock()
		s.emit(ev)
		return e
	}
	s.loadIssued = true
	backend := s.backend
	s.mu.Unlock()

	exam, err := backend.FetchExam(ctx, s.examID)

	s.mu.Lock()
	if s.closed || s.phase != PhaseLoading {
		s.mu.Unlock()
		return ErrStale
	}

	var fail *Error
	switch {
	case err != nil:
		fail = classify(err, "exam")
	case exam == nil:
		fail = classify(ErrInvalidFormat, "exam")
	default:
		fail = CheckAvailability(exam, s.opts.Now())
	}
	if fail != nil {
		ev := s.failLocked(fail)
		s.mu.Unlock()
		s.emit(ev)
		return fail
	}

	s.exam = exam
	ev := s.setPhaseLocked(PhaseInstructionsShown)
	s.mu.Unlock()
	s.emit(ev)
	return nil
}

// Start leaves the instructions, fetches the questions, initializes the
// ledger and arms the countdown.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseInstructionsShown {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	ev := s.setPhaseLocked(PhaseStarting)
	backend := s.backend
	s.mu.Unlock()
	s.emit(ev)

	if err := backend.NotifyStart(ctx, s.examID); err != nil {
		s.log.Warn().Err(err).
			Str("kind", string(KindBestEffortNotify)).
			Msg("Start notification failed, continuing")
	}

	questions, err := backend.FetchQuestions(ctx, s.examID)

	s.mu.Lock()
	if s.closed || s.phase != PhaseStarting {
		s.mu.Unlock()
		return ErrStale
	}
	if err == nil && len(questions) == 0 {
		err = ErrEmptyQuestions
	}
	if err != nil {
		fail := classify(err, "questions")
		fail.Redirect = true
		ev := s.failLocked(fail)
		s.mu.Unlock()
		s.emit(ev)
		return fail
	}

	s.questions = questions
	for _, idx := range s.ledger.Initialize(questions) {
		s.log.Warn().Int("index", idx).Msg("Question has no identifier, it will not be tracked")
	}

	ids := make([]string, len(questions))
	s.byID = make(map[string]int, len(questions))
	s.validIDs = make(map[string]struct{}, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
		if q.ID == "" {
			continue
		}
		if _, dup := s.byID[q.ID]; !dup {
			s.byID[q.ID] = i
		}
		s.validIDs[q.ID] = struct{}{}
	}
	s.nav = NewNavigator(s.ledger, ids)
	s.startedAt = s.opts.Now()
	s.timer.Arm(s.exam.DurationSeconds())

	ev = s.setPhaseLocked(PhaseInProgress)
	s.mu.Unlock()
	s.emit(ev)
	return nil
}

// Select records option for questionID; nil clears the answer. Answers are
// accepted while a submission is in flight but do not join it. Once the
// countdown has expired the ledger is frozen, even if the automatic
// submission failed and is being retried.
func (s *Session) Select(questionID string, option *int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseInProgress && s.phase != PhaseSubmitting {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	if !s.expiredAt.IsZero() {
		s.mu.Unlock()
		return ErrTimeUp
	}
	idx, ok := s.byID[questionID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownQuestion
	}
	if option != nil && (*option < 0 || *option >= len(s.questions[idx].Options)) {
		s.mu.Unlock()
		return ErrInvalidOption
	}
	if err := s.ledger.Select(questionID, option); err != nil {
		s.mu.Unlock()
		return err
	}
	ev := Event{Kind: EventAnswer, Snapshot: s.snapshotLocked(true)}
	s.mu.Unlock()
	s.emit(ev)
	return nil
}

// Next moves to the following question.
func (s *Session) Next() (int, error) {
	return s.navigate(func(n *Navigator) bool { n.Next(); return true })
}

// Previous moves to the preceding question.
func (s *Session) Previous() (int, error) {
	return s.navigate(func(n *Navigator) bool { n.Previous(); return true })
}

// GoTo jumps to index; out-of-range indexes leave the pointer unchanged.
func (s *Session) GoTo(index int) (int, error) {
	return s.navigate(func(n *Navigator) bool { return n.GoTo(index) })
}

func (s *Session) navigate(move func(*Navigator) bool) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.nav == nil || (s.phase != PhaseInProgress && s.phase != PhaseSubmitting) {
		s.mu.Unlock()
		return 0, ErrInvalidPhase
	}
	if !move(s.nav) {
		cur := s.nav.Current()
		s.mu.Unlock()
		return cur, ErrInvalidIndex
	}
	cur := s.nav.Current()
	ev := Event{Kind: EventNavigate, Snapshot: s.snapshotLocked(true)}
	s.mu.Unlock()
	s.emit(ev)
	return cur, nil
}

// Submit hands the ledger to the grader. Only one submission can be in
// flight; a call outside the in-progress phase returns ErrInvalidPhase.
func (s *Session) Submit(ctx context.Context) error {
	return s.submit(ctx, false)
}

func (s *Session) submit(ctx context.Context, auto bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseInProgress {
		s.mu.Unlock()
		return ErrInvalidPhase
	}

	s.timer.Cancel()
	s.auto = auto
	s.submitErr = nil
	s.answeredAt = s.ledger.CountAnswered(s.validIDs)
	entries := s.ledger.Entries()
	backend := s.backend
	ev := s.setPhaseLocked(PhaseSubmitting)
	s.mu.Unlock()
	s.emit(ev)

	raw, err := backend.SubmitAnswers(ctx, s.examID, entries)

	s.mu.Lock()
	if s.closed || s.phase != PhaseSubmitting {
		s.mu.Unlock()
		return ErrStale
	}
	if err == nil && raw == nil {
		err = ErrInvalidFormat
	}
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			fail := classify(err, "submission")
			ev := s.failLocked(fail)
			s.mu.Unlock()
			s.emit(ev)
			return fail
		}

		// The countdown stays stopped: the exam has one authoritative end.
		fail := &Error{Kind: KindTransientSubmit, Message: "failed to submit answers, please try again", Err: err}
		s.submitErr = fail
		s.log.Warn().Err(err).Bool("auto", auto).Msg("Submission failed")
		s.phase = PhaseInProgress
		ev := Event{Kind: EventSubmitFailed, Snapshot: s.snapshotLocked(true)}
		s.mu.Unlock()
		s.emit(ev)
		return fail
	}

	result := Grade(*raw, s.exam)
	s.result = &result
	s.submittedAt = s.opts.Now()
	s.ledger.Discard()
	ev = s.setPhaseLocked(PhaseCompleted)
	s.mu.Unlock()
	s.emit(ev)
	return nil
}

// Close abandons the session: the countdown stops, in-flight auto
// submission is cancelled and late responses are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.timer.Cancel()
	s.cancel()
	s.ledger.Discard()
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(true)
}

func (s *Session) handleTick(int) {
	s.mu.Lock()
	if s.closed || s.phase != PhaseInProgress {
		s.mu.Unlock()
		return
	}
	ev := Event{Kind: EventTick, Snapshot: s.snapshotLocked(false)}
	s.mu.Unlock()
	s.emit(ev)
}

func (s *Session) handleExpire() {
	s.mu.Lock()
	if !s.closed && s.phase == PhaseInProgress && s.expiredAt.IsZero() {
		s.expiredAt = s.opts.Now()
	}
	s.mu.Unlock()

	s.log.Info().Msg("Time expired, submitting automatically")
	err := s.submit(s.ctx, true)
	if err != nil && !errors.Is(err, ErrInvalidPhase) && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrStale) {
		s.log.Error().Err(err).Msg("Automatic submission failed")
	}
}

func (s *Session) failLocked(e *Error) Event {
	s.timer.Cancel()
	s.err = e
	s.log.Warn().Err(e).Str("kind", string(e.Kind)).Msg("Attempt failed")
	return s.setPhaseLocked(PhaseError)
}

func (s *Session) setPhaseLocked(p Phase) Event {
	s.log.Info().Str("from", string(s.phase)).Str("to", string(p)).Msg("Attempt phase changed")
	s.phase = p
	return Event{Kind: EventPhase, Snapshot: s.snapshotLocked(true)}
}

func (s *Session) emit(ev Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

func (s *Session) snapshotLocked(full bool) Snapshot {
	s.seq++
	snap := Snapshot{
		Seq:              s.seq,
		ID:               s.id,
		ExamID:           s.examID,
		Phase:            s.phase,
		RemainingSeconds: s.timer.Remaining(),
		AutoSubmitted:    s.auto,
		Closed:           s.closed,
	}

	if s.exam != nil && (s.phase == PhaseInstructionsShown || s.phase == PhaseStarting) {
		snap.RemainingSeconds = s.exam.DurationSeconds()
	}
	snap.Clock = FormatClock(snap.RemainingSeconds)

	if full && s.exam != nil && s.phase != PhaseCompleted {
		exam := *s.exam
		snap.Exam = &exam
	}

	if s.err != nil {
		snap.Error = &ErrorView{Kind: s.err.Kind, Message: s.err.Message, Redirect: s.err.Redirect}
		if s.err.Redirect {
			snap.Error.RedirectAfterSeconds = int(s.opts.RedirectDelay / time.Second)
		}
	}
	if s.submitErr != nil {
		snap.SubmitError = s.submitErr.Message
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}

	if s.nav != nil {
		snap.TotalQuestions = len(s.questions)
		snap.Current = s.nav.Current()
		if s.phase == PhaseCompleted {
			snap.Answered = s.answeredAt
		} else {
			snap.Answered = s.ledger.CountAnswered(s.validIDs)
		}
		snap.Progress = Progress(snap.Answered, snap.TotalQuestions)

		if full && !s.closed && s.phase != PhaseCompleted && s.phase != PhaseError {
			snap.Questions = s.questions
			snap.States = s.nav.States()
			snap.Answers = s.ledger.Answers()
		}
	}

	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.submittedAt.IsZero() {
		t := s.submittedAt
		snap.SubmittedAt = &t
	}
	if !s.expiredAt.IsZero() {
		t := s.expiredAt
		snap.ExpiredAt = &t
	}
	return snap
}
