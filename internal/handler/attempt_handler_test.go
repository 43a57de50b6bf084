package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/attempt"
	"github.com/tpcell/attempt-runner/internal/config"
	"github.com/tpcell/attempt-runner/internal/middleware"
	"github.com/tpcell/attempt-runner/internal/model"
	"github.com/tpcell/attempt-runner/internal/response"
	"github.com/tpcell/attempt-runner/internal/service"
	"github.com/tpcell/attempt-runner/internal/validator"
)

const testSecret = "handler-secret"

type portalStub struct {
	exam       *model.ExamDescriptor
	questions  []model.Question
	submitErr  error
	gotToken   string
	submitHits int
	mu         sync.Mutex
}

func (p *portalStub) FetchExam(context.Context, string) (*model.ExamDescriptor, error) {
	exam := *p.exam
	return &exam, nil
}

func (p *portalStub) NotifyStart(context.Context, string) error { return nil }

func (p *portalStub) FetchQuestions(context.Context, string) ([]model.Question, error) {
	return p.questions, nil
}

func (p *portalStub) SubmitAnswers(_ context.Context, _ string, entries []model.AnswerEntry) (*model.RawResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitHits++
	if p.submitErr != nil {
		return nil, p.submitErr
	}
	score := 0.0
	for _, e := range entries {
		if e.Answer != nil && *e.Answer == 1 {
			score++
		}
	}
	maxScore := float64(len(entries))
	return &model.RawResult{Score: score, MaxScore: &maxScore, Percentage: score / maxScore * 100}, nil
}

type nopStore struct{}

func (nopStore) SaveAnswer(context.Context, string, string, *int) error   { return nil }
func (nopStore) ClearAnswers(context.Context, string) error               { return nil }
func (nopStore) EnqueueResult(context.Context, model.AttemptRecord) error { return nil }

type testEnv struct {
	router *gin.Engine
	portal *portalStub
	svc    *service.AttemptService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Setup()

	portal := &portalStub{
		exam: &model.ExamDescriptor{ID: "exam-1", Title: "Technical Round", DurationMinutes: 20, PassingPercentage: 50, Status: "published"},
		questions: []model.Question{
			{ID: "q1", Text: "TCP is?", Options: []string{"a", "b", "c", "d"}, Marks: 1},
			{ID: "q2", Text: "UDP is?", Options: []string{"a", "b", "c", "d"}, Marks: 1},
		},
	}
	svc := service.NewAttemptService(
		func(token string) attempt.Backend {
			portal.mu.Lock()
			portal.gotToken = token
			portal.mu.Unlock()
			return portal
		},
		nopStore{},
		service.AttemptServiceConfig{TickInterval: time.Hour, RedirectDelay: 3 * time.Second},
		zerolog.Nop(),
	)
	auth := service.NewAuthService(&config.Config{JWTSecret: testSecret})
	h := NewAttemptHandler(svc, zerolog.Nop())

	r := gin.New()
	r.Use(response.RequestIDMiddleware())
	student := r.Group("/api/v1/student", middleware.RequireStudentJWT(auth))
	student.POST("/exams/:exam_id/attempts", h.OpenAttempt)
	student.GET("/attempts/:attempt_id", h.GetAttempt)
	student.POST("/attempts/:attempt_id/start", h.StartAttempt)
	student.PUT("/attempts/:attempt_id/answers", h.SaveAnswer)
	student.POST("/attempts/:attempt_id/navigate", h.Navigate)
	student.POST("/attempts/:attempt_id/submit", h.SubmitAttempt)
	student.DELETE("/attempts/:attempt_id", h.AbandonAttempt)

	return &testEnv{router: r, portal: portal, svc: svc}
}

func studentToken(t *testing.T, id string) string {
	t.Helper()
	return studentTokenTTL(t, id, time.Hour)
}

func studentTokenTTL(t *testing.T, id string, ttl time.Duration) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":   id,
		"role": "student",
		"exp":  time.Now().Add(ttl).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

type envelope struct {
	Data struct {
		Attempt attempt.Snapshot `json:"attempt"`
	} `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
	}
	return w.Code, env
}

func TestAttemptHandler_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	tok := studentToken(t, "stu-1")

	code, body := env.do(t, http.MethodPost, "/api/v1/student/exams/exam-1/attempts", tok, nil)
	if code != http.StatusCreated || body.Data.Attempt.Phase != attempt.PhaseInstructionsShown {
		t.Fatalf("expected 201 instructions, got %d %s", code, body.Data.Attempt.Phase)
	}
	if env.portal.gotToken != tok {
		t.Fatal("expected student token forwarded to the portal")
	}
	base := fmt.Sprintf("/api/v1/student/attempts/%s", body.Data.Attempt.ID)

	code, body = env.do(t, http.MethodPost, base+"/start", tok, nil)
	if code != http.StatusOK || body.Data.Attempt.Phase != attempt.PhaseInProgress || len(body.Data.Attempt.Questions) != 2 {
		t.Fatalf("expected in-progress with questions, got %d %+v", code, body.Data.Attempt)
	}

	code, body = env.do(t, http.MethodPut, base+"/answers", tok, map[string]any{"question_id": "q1", "option": 1})
	if code != http.StatusOK || body.Data.Attempt.Answered != 1 {
		t.Fatalf("expected answered=1, got %d %+v", code, body.Data.Attempt)
	}

	code, body = env.do(t, http.MethodPost, base+"/navigate", tok, map[string]any{"action": "next"})
	if code != http.StatusOK || body.Data.Attempt.Current != 1 {
		t.Fatalf("expected current=1, got %d %d", code, body.Data.Attempt.Current)
	}

	code, body = env.do(t, http.MethodPost, base+"/submit", tok, nil)
	if code != http.StatusOK || body.Data.Attempt.Phase != attempt.PhaseCompleted {
		t.Fatalf("expected completed, got %d %s", code, body.Data.Attempt.Phase)
	}
	if r := body.Data.Attempt.Result; r == nil || r.Percentage != 50 || !r.Passed {
		t.Fatalf("expected 50%% pass, got %+v", r)
	}

	code, body = env.do(t, http.MethodPost, base+"/submit", tok, nil)
	if code != http.StatusConflict || body.Error == nil || body.Error.Code != response.ErrInvalidPhase {
		t.Fatalf("expected 409 INVALID_PHASE on resubmit, got %d %+v", code, body.Error)
	}
}

func TestAttemptHandler_ValidationAndOwnership(t *testing.T) {
	env := newTestEnv(t)
	tok := studentToken(t, "stu-1")

	_, body := env.do(t, http.MethodPost, "/api/v1/student/exams/exam-1/attempts", tok, nil)
	base := fmt.Sprintf("/api/v1/student/attempts/%s", body.Data.Attempt.ID)

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		body     any
		wantCode int
		wantErr  response.ErrCode
	}{
		{name: "answer before start", method: http.MethodPut, path: base + "/answers", token: tok, body: map[string]any{"question_id": "q1", "option": 0}, wantCode: http.StatusConflict, wantErr: response.ErrInvalidPhase},
		{name: "missing question id", method: http.MethodPut, path: base + "/answers", token: tok, body: map[string]any{"option": 0}, wantCode: http.StatusBadRequest, wantErr: response.ErrValidation},
		{name: "bad navigate action", method: http.MethodPost, path: base + "/navigate", token: tok, body: map[string]any{"action": "jump"}, wantCode: http.StatusBadRequest, wantErr: response.ErrValidation},
		{name: "invalid attempt id", method: http.MethodGet, path: "/api/v1/student/attempts/not-a-uuid", token: tok, wantCode: http.StatusBadRequest, wantErr: response.ErrInvalidID},
		{name: "unknown attempt", method: http.MethodGet, path: "/api/v1/student/attempts/00000000-0000-0000-0000-000000000001", token: tok, wantCode: http.StatusNotFound, wantErr: response.ErrAttemptNotFound},
		{name: "other student", method: http.MethodGet, path: base, token: studentToken(t, "stu-2"), wantCode: http.StatusForbidden, wantErr: response.ErrNotAttemptOwner},
		{name: "no token", method: http.MethodGet, path: base, wantCode: http.StatusUnauthorized, wantErr: response.ErrTokenRequired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := env.do(t, tc.method, tc.path, tc.token, tc.body)
			if code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, code)
			}
			if body.Error == nil || body.Error.Code != tc.wantErr {
				t.Fatalf("expected %s, got %+v", tc.wantErr, body.Error)
			}
		})
	}
}

func TestAttemptHandler_SubmitFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.portal.submitErr = errors.New("gateway timeout")
	tok := studentToken(t, "stu-1")

	_, body := env.do(t, http.MethodPost, "/api/v1/student/exams/exam-1/attempts", tok, nil)
	base := fmt.Sprintf("/api/v1/student/attempts/%s", body.Data.Attempt.ID)
	env.do(t, http.MethodPost, base+"/start", tok, nil)

	code, body := env.do(t, http.MethodPost, base+"/submit", tok, nil)
	if code != http.StatusBadGateway || body.Error == nil || body.Error.Code != response.ErrSubmitFailed {
		t.Fatalf("expected 502 SUBMIT_FAILED, got %d %+v", code, body.Error)
	}
	if body.Data.Attempt.Phase != attempt.PhaseInProgress || body.Data.Attempt.SubmitError == "" {
		t.Fatalf("expected in-progress attempt with submit error, got %+v", body.Data.Attempt)
	}

	env.portal.mu.Lock()
	env.portal.submitErr = nil
	env.portal.mu.Unlock()

	code, body = env.do(t, http.MethodPost, base+"/submit", tok, nil)
	if code != http.StatusOK || body.Data.Attempt.Phase != attempt.PhaseCompleted {
		t.Fatalf("expected retry to complete, got %d %s", code, body.Data.Attempt.Phase)
	}
}

func TestAttemptHandler_SubmitUsesLatestToken(t *testing.T) {
	env := newTestEnv(t)
	first := studentTokenTTL(t, "stu-1", time.Hour)
	renewed := studentTokenTTL(t, "stu-1", 2*time.Hour)

	_, body := env.do(t, http.MethodPost, "/api/v1/student/exams/exam-1/attempts", first, nil)
	base := fmt.Sprintf("/api/v1/student/attempts/%s", body.Data.Attempt.ID)
	env.do(t, http.MethodPost, base+"/start", first, nil)

	code, body := env.do(t, http.MethodPost, base+"/submit", renewed, nil)
	if code != http.StatusOK || body.Data.Attempt.Phase != attempt.PhaseCompleted {
		t.Fatalf("expected completed, got %d %s", code, body.Data.Attempt.Phase)
	}

	env.portal.mu.Lock()
	defer env.portal.mu.Unlock()
	if env.portal.gotToken != renewed {
		t.Fatal("expected the renewed token to reach the portal")
	}
}

func TestAttemptHandler_AbandonThenClosed(t *testing.T) {
	env := newTestEnv(t)
	tok := studentToken(t, "stu-1")

	_, body := env.do(t, http.MethodPost, "/api/v1/student/exams/exam-1/attempts", tok, nil)
	base := fmt.Sprintf("/api/v1/student/attempts/%s", body.Data.Attempt.ID)

	req := httptest.NewRequest(http.MethodDelete, base, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	code, body := env.do(t, http.MethodPost, base+"/start", tok, nil)
	if code != http.StatusConflict || body.Error == nil || body.Error.Code != response.ErrAttemptClosed {
		t.Fatalf("expected 409 ATTEMPT_CLOSED, got %d %+v", code, body.Error)
	}
}

func TestMapAttemptError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want response.ErrCode
	}{
		{name: "validation", err: &attempt.Error{Kind: attempt.KindValidation, Message: "exam identifier is missing"}, code: http.StatusBadRequest, want: response.ErrValidation},
		{name: "auth", err: fmt.Errorf("load attempt: %w", &attempt.Error{Kind: attempt.KindAuth, Message: "session expired", Err: attempt.ErrUnauthorized}), code: http.StatusUnauthorized, want: response.ErrSessionExpired},
		{name: "no questions", err: &attempt.Error{Kind: attempt.KindNotFound, Err: attempt.ErrEmptyQuestions}, code: http.StatusNotFound, want: response.ErrNoQuestions},
		{name: "exam not found", err: &attempt.Error{Kind: attempt.KindNotFound, Err: attempt.ErrNotFound}, code: http.StatusNotFound, want: response.ErrNotFound},
		{name: "availability", err: &attempt.Error{Kind: attempt.KindAvailability}, code: http.StatusConflict, want: response.ErrExamNotAvailable},
		{name: "transient submit", err: &attempt.Error{Kind: attempt.KindTransientSubmit}, code: http.StatusBadGateway, want: response.ErrSubmitFailed},
		{name: "internal", err: &attempt.Error{Kind: attempt.KindInternal}, code: http.StatusBadGateway, want: response.ErrPortalUnavailable},
		{name: "stale", err: attempt.ErrStale, code: http.StatusConflict, want: response.ErrAttemptClosed},
		{name: "time up", err: fmt.Errorf("select answer: %w", attempt.ErrTimeUp), code: http.StatusConflict, want: response.ErrTimeUp},
		{name: "bad option", err: fmt.Errorf("select answer: %w", attempt.ErrInvalidOption), code: http.StatusBadRequest, want: response.ErrInvalidAnswer},
		{name: "unexpected", err: errors.New("boom"), code: http.StatusInternalServerError, want: response.ErrInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, errCode, _ := mapAttemptError(tc.err)
			if code != tc.code || errCode != tc.want {
				t.Fatalf("expected %d %s, got %d %s", tc.code, tc.want, code, errCode)
			}
		})
	}
}
