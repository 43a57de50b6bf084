package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/attempt"
	"github.com/tpcell/attempt-runner/internal/model"
)

// Attempt registry errors.
var (
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrNotAttemptOwner = errors.New("attempt belongs to another student")
)

// recordTimeout bounds the Redis writes done when an attempt completes.
const recordTimeout = 5 * time.Second

// subscriberBuffer is the per-connection event backlog; ticks beyond it are dropped.
const subscriberBuffer = 32

// BackendFactory returns the portal collaborator acting with a student's token.
type BackendFactory func(token string) attempt.Backend

// AnswerStore persists autosaved answers and completed attempts.
type AnswerStore interface {
	SaveAnswer(ctx context.Context, attemptID, questionID string, option *int) error
	ClearAnswers(ctx context.Context, attemptID string) error
	EnqueueResult(ctx context.Context, rec model.AttemptRecord) error
}

// AttemptServiceConfig tunes session timing and retention.
type AttemptServiceConfig struct {
	TickInterval    time.Duration
	RedirectDelay   time.Duration
	Retention       time.Duration
	JanitorInterval time.Duration
}

// LiveAttempt is the TPO monitoring view of one running attempt.
type LiveAttempt struct {
	AttemptID        uuid.UUID         `json:"attempt_id"`
	StudentID        string            `json:"student_id"`
	Phase            attempt.Phase     `json:"phase"`
	Answered         int               `json:"answered"`
	TotalQuestions   int               `json:"total_questions"`
	Progress         int               `json:"progress"`
	RemainingSeconds int               `json:"remaining_seconds"`
	Clock            string            `json:"clock"`
	AutoSubmitted    bool              `json:"auto_submitted"`
	Result           *model.ExamResult `json:"result,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
}

// AttemptService owns the in-memory registry of attempt sessions.
type AttemptService struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID]*liveAttempt
	active   map[string]uuid.UUID

	newBackend BackendFactory
	store      AnswerStore
	cfg        AttemptServiceConfig
	log        zerolog.Logger
	now        func() time.Time
}

type liveAttempt struct {
	svc       *AttemptService
	session   *attempt.Session
	studentID string
	examID    string
	openedAt  time.Time

	subsMu  sync.Mutex
	subs    map[int]chan attempt.Event
	nextSub int

	// guarded by svc.mu
	finishedAt time.Time
	recordOnce sync.Once
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(newBackend BackendFactory, store AnswerStore, cfg AttemptServiceConfig, log zerolog.Logger) *AttemptService {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	return &AttemptService{
		attempts:   make(map[uuid.UUID]*liveAttempt),
		active:     make(map[string]uuid.UUID),
		newBackend: newBackend,
		store:      store,
		cfg:        cfg,
		log:        log.With().Str("component", "attempt_service").Logger(),
		now:        time.Now,
	}
}

func activeKey(studentID, examID string) string {
	return studentID + "|" + examID
}

// Open returns the student's live attempt for examID, or creates and loads
// a new one. A failed load still registers the attempt so its error view,
// including the redirect hint, can be fetched.
func (s *AttemptService) Open(ctx context.Context, studentID, token, examID string) (attempt.Snapshot, error) {
	key := activeKey(studentID, examID)

	s.mu.RLock()
	snap, ok := s.reusableLocked(key)
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}

	la := &liveAttempt{
		svc:       s,
		studentID: studentID,
		examID:    examID,
		openedAt:  s.now(),
		subs:      make(map[int]chan attempt.Event),
	}
	la.session = attempt.NewSession(examID, s.newBackend(token), attempt.Options{
		TickInterval:  s.cfg.TickInterval,
		RedirectDelay: s.cfg.RedirectDelay,
		Now:           s.now,
		Logger:        s.log.With().Str("student_id", studentID).Logger(),
		OnEvent:       la.dispatch,
	})

	// A concurrent Open may have registered an attempt since the lookup.
	s.mu.Lock()
	if existing, ok := s.reusableLocked(key); ok {
		s.mu.Unlock()
		la.session.Close()
		return existing, nil
	}
	s.attempts[la.session.ID()] = la
	s.active[key] = la.session.ID()
	s.mu.Unlock()

	err := la.session.Load(ctx)
	snap = la.session.Snapshot()
	if err != nil {
		return snap, fmt.Errorf("load attempt: %w", err)
	}

	s.log.Info().
		Str("attempt_id", snap.ID.String()).
		Str("student_id", studentID).
		Str("exam_id", examID).
		Msg("Attempt opened")
	return snap, nil
}

// reusableLocked returns the live attempt registered under key, unless it
// was closed or failed. Callers hold s.mu.
func (s *AttemptService) reusableLocked(key string) (attempt.Snapshot, bool) {
	id, ok := s.active[key]
	if !ok {
		return attempt.Snapshot{}, false
	}
	la := s.attempts[id]
	if la == nil {
		return attempt.Snapshot{}, false
	}
	snap := la.session.Snapshot()
	if snap.Closed || snap.Phase == attempt.PhaseError {
		return attempt.Snapshot{}, false
	}
	return snap, true
}

// refreshToken points the session's portal calls, including a later
// automatic submission, at the token of the latest request.
func (s *AttemptService) refreshToken(la *liveAttempt, token string) {
	if token == "" || s.newBackend == nil {
		return
	}
	la.session.SetBackend(s.newBackend(token))
}

// Start leaves the instructions and arms the countdown.
func (s *AttemptService) Start(ctx context.Context, studentID, token string, attemptID uuid.UUID) (attempt.Snapshot, error) {
	la, err := s.lookup(studentID, attemptID)
	if err != nil {
		return attempt.Snapshot{}, err
	}
	s.refreshToken(la, token)
	if err := la.session.Start(ctx); err != nil {
		return la.session.Snapshot(), fmt.Errorf("start attempt: %w", err)
	}
	return la.session.Snapshot(), nil
}

// Answer records a selection and autosaves it. Autosave failures are
// logged; the in-memory ledger stays authoritative.
func (s *AttemptService) Answer(ctx context.Context, studentID, token string, attemptID uuid.UUID, questionID string, option *int) (attempt.Snapshot, error) {
	la, err := s.lookup(studentID, attemptID)
	if err != nil {
		return attempt.Snapshot{}, err
	}
	s.refreshToken(la, token)
	if err := la.session.Select(questionID, option); err != nil {
		return attempt.Snapshot{}, fmt.Errorf("select answer: %w", err)
	}

	if err := s.store.SaveAnswer(ctx, attemptID.String(), questionID, option); err != nil {
		s.log.Warn().Err(err).
			Str("attempt_id", attemptID.String()).
			Str("question_id", questionID).
			Msg("Autosave failed")
	}
	return la.session.Snapshot(), nil
}

// Navigate moves the question pointer: "next", "previous" or "goto".
func (s *AttemptService) Navigate(studentID string, attemptID uuid.UUID, action string, index *int) (attempt.Snapshot, error) {
	la, err := s.lookup(studentID, attemptID)
	if err != nil {
		return attempt.Snapshot{}, err
	}

	switch action {
	case "next":
		_, err = la.session.Next()
	case "previous":
		_, err = la.session.Previous()
	case "goto":
		if index == nil {
			return attempt.Snapshot{}, attempt.ErrInvalidIndex
		}
		_, err = la.session.GoTo(*index)
	default:
		return attempt.Snapshot{}, fmt.Errorf("unknown navigation %q: %w", action, attempt.ErrInvalidIndex)
	}
	if err != nil {
		return attempt.Snapshot{}, fmt.Errorf("navigate: %w", err)
	}
	return la.session.Snapshot(), nil
}

// Submit hands the answers to the portal for grading.
func (s *AttemptService) Submit(ctx context.Context, studentID, token string, attemptID uuid.UUID) (attempt.Snapshot, error) {
	la, err := s.lookup(studentID, attemptID)
	if err != nil {
		return attempt.Snapshot{}, err
	}
	s.refreshToken(la, token)
	if err := la.session.Submit(ctx); err != nil {
		return la.session.Snapshot(), fmt.Errorf("submit attempt: %w", err)
	}
	return la.session.Snapshot(), nil
}

// State returns the current snapshot of an attempt.
func (s *AttemptService) State(studentID string, attemptID uuid.UUID) (attempt.Snapshot, error) {
	la, err := s.lookup(studentID, attemptID)
	if err != nil {
		return attempt.Snapshot{}, err
	}
	return la.session.Snapshot(), nil
}

// Abandon closes an attempt; any late portal response is discarded.
func (s *AttemptService) Abandon(ctx context.Context, studentID string, attemptID uuid.UUID) error {
	la, err := s.lookup(studentID, attemptID)
	if err != nil {
		return err
	}

	la.session.Close()

	s.mu.Lock()
	if la.finishedAt.IsZero() {
		la.finishedAt = s.now()
	}
	key := activeKey(la.studentID, la.examID)
	if s.active[key] == attemptID {
		delete(s.active, key)
	}
	s.mu.Unlock()

	if err := s.store.ClearAnswers(ctx, attemptID.String()); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Clear autosave failed")
	}
	la.broadcast(attempt.Event{Kind: attempt.EventPhase, Snapshot: la.session.Snapshot()})

	s.log.Info().Str("attempt_id", attemptID.String()).Msg("Attempt abandoned")
	return nil
}

// Subscribe streams the events of an attempt. The returned func must be
// called to release the subscription.
func (s *AttemptService) Subscribe(studentID string, attemptID uuid.UUID) (<-chan attempt.Event, func(), error) {
	la, err := s.lookup(studentID, attemptID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan attempt.Event, subscriberBuffer)
	la.subsMu.Lock()
	id := la.nextSub
	la.nextSub++
	la.subs[id] = ch
	la.subsMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			la.subsMu.Lock()
			delete(la.subs, id)
			la.subsMu.Unlock()
		})
	}
	return ch, unsubscribe, nil
}

// Live lists the attempts of an exam currently held in memory.
func (s *AttemptService) Live(examID string) []LiveAttempt {
	s.mu.RLock()
	matches := make([]*liveAttempt, 0)
	for _, la := range s.attempts {
		if la.examID == examID {
			matches = append(matches, la)
		}
	}
	s.mu.RUnlock()

	out := make([]LiveAttempt, 0, len(matches))
	for _, la := range matches {
		snap := la.session.Snapshot()
		if snap.Closed {
			continue
		}
		out = append(out, LiveAttempt{
			AttemptID:        snap.ID,
			StudentID:        la.studentID,
			Phase:            snap.Phase,
			Answered:         snap.Answered,
			TotalQuestions:   snap.TotalQuestions,
			Progress:         snap.Progress,
			RemainingSeconds: snap.RemainingSeconds,
			Clock:            snap.Clock,
			AutoSubmitted:    snap.AutoSubmitted,
			Result:           snap.Result,
			StartedAt:        snap.StartedAt,
		})
	}
	return out
}

// Run evicts finished and idle attempts until ctx is done, then closes every
// remaining session so no countdown outlives the server.
func (s *AttemptService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	s.log.Info().Dur("retention", s.cfg.Retention).Msg("Attempt janitor started")
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			s.log.Info().Msg("Attempt janitor stopped")
			return
		case <-ticker.C:
			if n := s.evict(); n > 0 {
				s.log.Debug().Int("evicted", n).Msg("Evicted attempts")
			}
		}
	}
}

// evict drops and closes attempts idle for longer than Retention.
func (s *AttemptService) evict() int {
	cutoff := s.now().Add(-s.cfg.Retention)

	s.mu.Lock()
	victims := make([]*liveAttempt, 0)
	for id, la := range s.attempts {
		if !la.idleSince(cutoff) {
			continue
		}
		delete(s.attempts, id)
		key := activeKey(la.studentID, la.examID)
		if s.active[key] == id {
			delete(s.active, key)
		}
		victims = append(victims, la)
	}
	s.mu.Unlock()

	for _, la := range victims {
		la.session.Close()
	}
	return len(victims)
}

// idleSince reports whether la has seen no progress since cutoff. An
// unfinished attempt counts from its expiry, or from its open time if it
// was never started. Callers hold svc.mu.
func (la *liveAttempt) idleSince(cutoff time.Time) bool {
	if !la.finishedAt.IsZero() {
		return !la.finishedAt.After(cutoff)
	}

	snap := la.session.Snapshot()
	switch {
	case snap.Phase == attempt.PhaseSubmitting:
		return false
	case snap.ExpiredAt != nil:
		return !snap.ExpiredAt.After(cutoff)
	case snap.StartedAt == nil:
		return !la.openedAt.After(cutoff)
	}
	return false
}

func (s *AttemptService) closeAll() {
	s.mu.RLock()
	all := make([]*liveAttempt, 0, len(s.attempts))
	for _, la := range s.attempts {
		all = append(all, la)
	}
	s.mu.RUnlock()

	for _, la := range all {
		la.session.Close()
	}
}

func (s *AttemptService) lookup(studentID string, attemptID uuid.UUID) (*liveAttempt, error) {
	s.mu.RLock()
	la, ok := s.attempts[attemptID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrAttemptNotFound
	}
	if la.studentID != studentID {
		return nil, ErrNotAttemptOwner
	}
	return la, nil
}

// dispatch runs for every session event, outside the session lock.
func (la *liveAttempt) dispatch(ev attempt.Event) {
	if ev.Kind == attempt.EventPhase && ev.Snapshot.Phase.Terminal() {
		la.svc.mu.Lock()
		if la.finishedAt.IsZero() {
			la.finishedAt = la.svc.now()
		}
		la.svc.mu.Unlock()

		if ev.Snapshot.Phase == attempt.PhaseCompleted {
			la.recordOnce.Do(func() { la.record(ev.Snapshot) })
		}
	}
	la.broadcast(ev)
}

func (la *liveAttempt) broadcast(ev attempt.Event) {
	la.subsMu.Lock()
	defer la.subsMu.Unlock()
	for _, ch := range la.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if ev.Kind == attempt.EventTick {
			continue
		}
		// Phase and answer events displace the oldest backlog entry.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// record queues the completed attempt for Postgres and drops its autosave.
func (la *liveAttempt) record(snap attempt.Snapshot) {
	if snap.Result == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := model.AttemptRecord{
		SessionID:         snap.ID,
		ExamID:            la.examID,
		StudentID:         la.studentID,
		Score:             snap.Result.Score,
		MaxScore:          snap.Result.MaxScore,
		Percentage:        snap.Result.Percentage,
		PassingPercentage: snap.Result.PassingPercentage,
		Passed:            snap.Result.Passed,
		Answered:          snap.Answered,
		TotalQuestions:    snap.TotalQuestions,
		AutoSubmitted:     snap.AutoSubmitted,
	}
	if snap.StartedAt != nil {
		rec.StartedAt = *snap.StartedAt
	}
	if snap.SubmittedAt != nil {
		rec.SubmittedAt = *snap.SubmittedAt
	}

	log := la.svc.log.With().Str("attempt_id", snap.ID.String()).Logger()
	if err := la.svc.store.EnqueueResult(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Failed to queue attempt result")
	}
	if err := la.svc.store.ClearAnswers(ctx, snap.ID.String()); err != nil {
		log.Warn().Err(err).Msg("Clear autosave failed")
	}
	log.Info().
		Float64("percentage", rec.Percentage).
		Bool("passed", rec.Passed).
		Bool("auto_submitted", rec.AutoSubmitted).
		Msg("Attempt completed")
}
