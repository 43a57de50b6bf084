//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/attempt"
	"github.com/tpcell/attempt-runner/internal/config"
	"github.com/tpcell/attempt-runner/internal/database"
	"github.com/tpcell/attempt-runner/internal/handler"
	"github.com/tpcell/attempt-runner/internal/portal"
	"github.com/tpcell/attempt-runner/internal/repository"
	"github.com/tpcell/attempt-runner/internal/router"
	"github.com/tpcell/attempt-runner/internal/service"
	"github.com/tpcell/attempt-runner/internal/validator"
	"github.com/tpcell/attempt-runner/internal/worker"
)

const (
	jwtSecret = "e2e-secret"
	examID    = "e2e-exam"
	studentID = "e2e-student"
)

var (
	baseURL string
	dbURL   string
)

// TestMain wires the full service in-process against real Postgres and
// Redis, with the placement portal replaced by a local fake.
func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	dbURL = os.Getenv("DATABASE_URL")
	redisURL := os.Getenv("REDIS_URL")
	if dbURL == "" || redisURL == "" {
		fmt.Println("DATABASE_URL and REDIS_URL are required, skipping e2e")
		os.Exit(0)
	}

	if err := applyMigrations(); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}
	if err := cleanup(); err != nil {
		fmt.Printf("Cleanup failed: %v\n", err)
		os.Exit(1)
	}

	portalSrv := httptest.NewServer(fakePortal())
	defer portalSrv.Close()

	cfg := &config.Config{
		GinMode:            gin.TestMode,
		DatabaseURL:        dbURL,
		MaxDBConns:         4,
		RedisURL:           redisURL,
		JWTSecret:          jwtSecret,
		PortalBaseURL:      portalSrv.URL,
		PortalTimeout:      5 * time.Second,
		TickInterval:       time.Second,
		RedirectDelay:      3 * time.Second,
		SessionRetention:   time.Minute,
		JanitorInterval:    time.Minute,
		RateLimitPerMinute: 1000,
	}
	log := zerolog.Nop()
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		fmt.Printf("postgres: %v\n", err)
		os.Exit(1)
	}
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		fmt.Printf("redis: %v\n", err)
		os.Exit(1)
	}

	answerCache := repository.NewAnswerCache(rdb)
	resultRepo := repository.NewResultRepository(pool)
	client := portal.NewClient(portal.Config{BaseURL: cfg.PortalBaseURL, Timeout: cfg.PortalTimeout, Logger: log})

	attemptService := service.NewAttemptService(func(token string) attempt.Backend {
		return client.WithToken(token)
	}, answerCache, service.AttemptServiceConfig{
		TickInterval:    cfg.TickInterval,
		RedirectDelay:   cfg.RedirectDelay,
		Retention:       cfg.SessionRetention,
		JanitorInterval: cfg.JanitorInterval,
	}, log)
	go attemptService.Run(ctx)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.NewResultWorker(answerCache, resultRepo, log).Start(ctx)
	}()

	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(attemptService, log),
		WS:      handler.NewWSHandler(attemptService, log, nil),
		Result:  handler.NewResultHandler(service.NewResultService(resultRepo), attemptService, log),
	}
	srv := httptest.NewServer(router.SetupRouter(service.NewAuthService(cfg), handlers, cfg, nil))
	baseURL = srv.URL

	code := m.Run()

	srv.Close()
	cancel()
	<-workerDone
	rdb.Close()
	pool.Close()
	os.Exit(code)
}

func applyMigrations() error {
	m, err := migrate.New("file://../../migrations", dbURL)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func cleanup() error {
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `DELETE FROM attempt_results WHERE exam_id = $1`, examID); err != nil {
		return fmt.Errorf("delete results: %w", err)
	}
	return nil
}

// fakePortal grades option 2 as correct for every question.
func fakePortal() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /exams/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"_id":               r.PathValue("id"),
			"title":             "E2E Aptitude",
			"duration":          1,
			"type":              "Aptitude",
			"passingPercentage": 50,
			"status":            "active",
		}})
	})
	mux.HandleFunc("POST /exams/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("GET /exams/{id}/questions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"_id": "q1", "question": "2 + 2 = ?", "options": []string{"1", "2", "4", "8"}},
			{"_id": "q2", "question": "3 * 3 = ?", "options": []string{"6", "9", "3", "1"}},
			{"_id": "q3", "question": "10 / 5 = ?", "options": []string{"5", "3", "2", "1"}},
			{"_id": "q4", "question": "7 - 2 = ?", "options": []string{"5", "9", "4", "6"}},
		})
	})
	mux.HandleFunc("POST /exams/{id}/submit", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Answers []struct {
				QuestionID string `json:"questionId"`
				Answer     *int   `json:"answer"`
			} `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad payload"})
			return
		}
		score := 0
		for _, a := range req.Answers {
			if a.Answer != nil && *a.Answer == 2 {
				score++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{
			"score":      score,
			"totalMarks": len(req.Answers),
			"percentage": fmt.Sprintf("%.2f", float64(score)/float64(len(req.Answers))*100),
			"exam":       map[string]any{"_id": r.PathValue("id"), "passingPercentage": 50},
		}})
	})
	return mux
}

func TestE2EFlow(t *testing.T) {
	token := signToken(t, studentID, "student")
	tpoToken := signToken(t, "e2e-tpo", "tpo")

	var attemptID string

	t.Run("OpenAttempt", func(t *testing.T) {
		resp, err := post("/api/v1/student/exams/"+examID+"/attempts", nil, token)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body attemptBody
		decodeJSON(t, resp, &body)
		if body.Data.Attempt.Phase != attempt.PhaseInstructionsShown {
			t.Fatalf("expected instructions, got %s", body.Data.Attempt.Phase)
		}
		if body.Data.Attempt.Exam == nil || body.Data.Attempt.Exam.DurationMinutes != 1 {
			t.Fatalf("expected exam descriptor, got %+v", body.Data.Attempt.Exam)
		}
		attemptID = body.Data.Attempt.ID.String()
	})

	t.Run("StartAttempt", func(t *testing.T) {
		resp, err := post("/api/v1/student/attempts/"+attemptID+"/start", nil, token)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body attemptBody
		decodeJSON(t, resp, &body)
		if len(body.Data.Attempt.Questions) != 4 || body.Data.Attempt.RemainingSeconds != 60 {
			t.Fatalf("expected 4 questions and 60s, got %d and %d",
				len(body.Data.Attempt.Questions), body.Data.Attempt.RemainingSeconds)
		}
	})

	t.Run("AnswerThree", func(t *testing.T) {
		for qid, option := range map[string]int{"q1": 2, "q2": 2, "q3": 0} {
			resp, err := put("/api/v1/student/attempts/"+attemptID+"/answers",
				map[string]any{"question_id": qid, "option": option}, token)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
			}
			resp.Body.Close()
		}
	})

	t.Run("InvalidOptionRejected", func(t *testing.T) {
		resp, err := put("/api/v1/student/attempts/"+attemptID+"/answers",
			map[string]any{"question_id": "q4", "option": 7}, token)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	t.Run("Submit", func(t *testing.T) {
		resp, err := post("/api/v1/student/attempts/"+attemptID+"/submit", nil, token)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body attemptBody
		decodeJSON(t, resp, &body)
		r := body.Data.Attempt.Result
		if r == nil || r.Score != 2 || r.MaxScore != 4 || r.Percentage != 50 || !r.Passed {
			t.Fatalf("expected 2/4 pass, got %+v", r)
		}
		if body.Data.Attempt.Answered != 3 || body.Data.Attempt.TotalQuestions != 4 {
			t.Fatalf("expected 3 of 4 answered, got %d of %d",
				body.Data.Attempt.Answered, body.Data.Attempt.TotalQuestions)
		}
	})

	t.Run("ResultPersisted", func(t *testing.T) {
		deadline := time.Now().Add(15 * time.Second)
		for {
			resp, err := get("/api/v1/tpo/exams/"+examID+"/results", tpoToken)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			var body struct {
				Data struct {
					Results []struct {
						StudentID  string  `json:"student_id"`
						Percentage float64 `json:"percentage"`
						Passed     bool    `json:"passed"`
					} `json:"results"`
				} `json:"data"`
			}
			decodeJSON(t, resp, &body)
			resp.Body.Close()

			if len(body.Data.Results) == 1 {
				got := body.Data.Results[0]
				if got.StudentID != studentID || got.Percentage != 50 || !got.Passed {
					t.Fatalf("unexpected result row: %+v", got)
				}
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("result not persisted, got %d rows", len(body.Data.Results))
			}
			time.Sleep(500 * time.Millisecond)
		}
	})

	t.Run("ExportResults", func(t *testing.T) {
		resp, err := get("/api/v1/tpo/exams/"+examID+"/results/export", tpoToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}
		if !strings.Contains(resp.Header.Get("Content-Disposition"), ".xlsx") {
			t.Fatalf("expected xlsx attachment, got %q", resp.Header.Get("Content-Disposition"))
		}
	})

	t.Run("StudentCannotReadResults", func(t *testing.T) {
		resp, err := get("/api/v1/tpo/exams/"+examID+"/results", token)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
	})
}

// Helpers

type attemptBody struct {
	Data struct {
		Attempt attempt.Snapshot `json:"attempt"`
	} `json:"data"`
}

func signToken(t *testing.T, id, role string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":   id,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func send(method, path string, body interface{}, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest(method, baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func post(path string, body interface{}, token string) (*http.Response, error) {
	return send(http.MethodPost, path, body, token)
}

func put(path string, body interface{}, token string) (*http.Response, error) {
	return send(http.MethodPut, path, body, token)
}

func get(path string, token string) (*http.Response, error) {
	return send(http.MethodGet, path, nil, token)
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}
