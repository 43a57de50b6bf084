package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/attempt"
	"github.com/tpcell/attempt-runner/internal/model"
)

// maxBodyBytes caps how much of a portal response is read.
const maxBodyBytes = 4 << 20

// ErrServer is returned for non-2xx portal responses other than 401 and 404.
var ErrServer = errors.New("portal server error")

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the placement portal REST API on behalf of one student.
// It satisfies attempt.Backend.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

func NewClient(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  client,
		log:     cfg.Logger.With().Str("component", "portal_client").Logger(),
	}
}

// WithToken returns a copy of c that forwards token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = strings.TrimSpace(token)
	return &cp
}

var _ attempt.Backend = (*Client)(nil)

// ─── Wire shapes ─────────────────────────────────────────────────────────────

type wireExam struct {
	ID                string          `json:"id"`
	MongoID           string          `json:"_id"`
	Title             string          `json:"title"`
	Duration          int             `json:"duration"`
	Type              string          `json:"type"`
	PassingPercentage *float64        `json:"passingPercentage"`
	Instructions      string          `json:"instructions"`
	TotalQuestions    int             `json:"totalQuestions"`
	Questions         json.RawMessage `json:"questions"`
	Status            string          `json:"status"`
	StartDate         *time.Time      `json:"startDate"`
	EndDate           *time.Time      `json:"endDate"`
}

type wireQuestion struct {
	ID       string   `json:"id"`
	MongoID  string   `json:"_id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Marks    *int     `json:"marks"`
}

type submitRequest struct {
	Answers []model.AnswerEntry `json:"answers"`
}

// ─── attempt.Backend ─────────────────────────────────────────────────────────

// FetchExam loads the exam descriptor, accepted directly or under "data".
func (c *Client) FetchExam(ctx context.Context, examID string) (*model.ExamDescriptor, error) {
	body, err := c.do(ctx, http.MethodGet, "/exams/"+url.PathEscape(examID), nil)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	var w wireExam
	if err := decodeEnveloped(body, &w, "data"); err != nil {
		return nil, fmt.Errorf("decode exam: %w", err)
	}
	exam, err := normalizeExam(w, examID)
	if err != nil {
		return nil, fmt.Errorf("decode exam: %w", err)
	}
	return exam, nil
}

// NotifyStart tells the portal the student left the instructions screen.
func (c *Client) NotifyStart(ctx context.Context, examID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/exams/"+url.PathEscape(examID)+"/start", nil); err != nil {
		return fmt.Errorf("notify start: %w", err)
	}
	return nil
}

// FetchQuestions loads the ordered question list. Both a bare array and
// {"data": [...]} are accepted.
func (c *Client) FetchQuestions(ctx context.Context, examID string) ([]model.Question, error) {
	body, err := c.do(ctx, http.MethodGet, "/exams/"+url.PathEscape(examID)+"/questions", nil)
	if err != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}

	questions, err := decodeQuestions(body)
	if err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("get questions: %w", attempt.ErrEmptyQuestions)
	}
	return questions, nil
}

// SubmitAnswers posts the full answer ledger and returns the grading payload.
func (c *Client) SubmitAnswers(ctx context.Context, examID string, entries []model.AnswerEntry) (*model.RawResult, error) {
	if entries == nil {
		entries = []model.AnswerEntry{}
	}
	payload, err := json.Marshal(submitRequest{Answers: entries})
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/exams/"+url.PathEscape(examID)+"/submit", payload)
	if err != nil {
		return nil, fmt.Errorf("submit answers: %w", err)
	}

	var raw model.RawResult
	if err := decodeEnveloped(body, &raw, "data", "result"); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &raw, nil
}

// ─── Transport ───────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Portal request")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, attempt.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, attempt.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	}
	return raw, nil
}

// ─── Normalization ───────────────────────────────────────────────────────────

// decodeEnveloped decodes body into out, first unwrapping the first wrapper
// key present as a JSON object.
func decodeEnveloped(body []byte, out any, wrappers ...string) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return attempt.ErrInvalidFormat
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: %v", attempt.ErrInvalidFormat, err)
	}
	for _, key := range wrappers {
		inner := bytes.TrimSpace(envelope[key])
		if len(inner) > 0 && inner[0] == '{' {
			body = inner
			break
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", attempt.ErrInvalidFormat, err)
	}
	return nil
}

func decodeQuestions(body []byte) ([]model.Question, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, attempt.ErrInvalidFormat
	}

	var items []wireQuestion
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", attempt.ErrInvalidFormat, err)
		}
	case '{':
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %v", attempt.ErrInvalidFormat, err)
		}
		data := bytes.TrimSpace(wrapped.Data)
		if len(data) == 0 || data[0] != '[' {
			return nil, attempt.ErrInvalidFormat
		}
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", attempt.ErrInvalidFormat, err)
		}
	default:
		return nil, attempt.ErrInvalidFormat
	}

	questions := make([]model.Question, 0, len(items))
	for _, it := range items {
		q := model.Question{
			ID:      strings.TrimSpace(it.ID),
			Text:    it.Question,
			Options: it.Options,
			Marks:   1,
		}
		if q.ID == "" {
			q.ID = strings.TrimSpace(it.MongoID)
		}
		if it.Marks != nil {
			q.Marks = *it.Marks
		}
		questions = append(questions, q)
	}
	return questions, nil
}

func normalizeExam(w wireExam, requestedID string) (*model.ExamDescriptor, error) {
	if w.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive, got %d", attempt.ErrInvalidFormat, w.Duration)
	}

	exam := &model.ExamDescriptor{
		ID:              strings.TrimSpace(w.ID),
		Title:           w.Title,
		DurationMinutes: w.Duration,
		Type:            model.ExamType(strings.ToLower(strings.TrimSpace(w.Type))),
		Instructions:    w.Instructions,
		TotalQuestions:  w.TotalQuestions,
		Status:          w.Status,
		StartDate:       w.StartDate,
		EndDate:         w.EndDate,
	}
	if exam.ID == "" {
		exam.ID = strings.TrimSpace(w.MongoID)
	}
	if exam.ID == "" {
		exam.ID = requestedID
	}

	if w.PassingPercentage != nil {
		p := *w.PassingPercentage
		if p < 0 || p > 100 {
			return nil, fmt.Errorf("%w: passing percentage out of range: %v", attempt.ErrInvalidFormat, p)
		}
		exam.PassingPercentage = p
	}

	// totalQuestions may be omitted; fall back to the embedded list length.
	if exam.TotalQuestions == 0 {
		var embedded []json.RawMessage
		if len(w.Questions) > 0 && json.Unmarshal(w.Questions, &embedded) == nil {
			exam.TotalQuestions = len(embedded)
		}
	}
	return exam, nil
}
