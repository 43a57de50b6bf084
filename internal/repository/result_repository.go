package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tpcell/attempt-runner/internal/model"
)

// ResultFilter narrows a TPO result listing.
type ResultFilter struct {
	// Passed, when set, keeps only passing or only failing attempts.
	Passed *bool
}

// ResultRepository handles attempt result data access.
type ResultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

const resultColumns = `session_id, exam_id, student_id, score, max_score, percentage,
	passing_percentage, passed, answered, total_questions, auto_submitted,
	started_at, submitted_at`

// ListByExam retrieves one page of results for an exam, best scores first.
func (r *ResultRepository) ListByExam(ctx context.Context, examID string, page, perPage int, filter ResultFilter) ([]model.AttemptRecord, int64, error) {
	offset := (page - 1) * perPage

	baseQuery := ` FROM attempt_results WHERE exam_id = $1`
	args := []any{examID}

	if filter.Passed != nil {
		args = append(args, *filter.Passed)
		baseQuery += fmt.Sprintf(" AND passed = $%d", len(args))
	}

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*)"+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	query := `SELECT ` + resultColumns + baseQuery + `
		ORDER BY percentage DESC, submitted_at ASC
		LIMIT $` + fmt.Sprintf("%d", len(args)+1) + ` OFFSET $` + fmt.Sprintf("%d", len(args)+2)
	args = append(args, perPage, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListAllByExam retrieves every result of an exam for export, ordered by student.
func (r *ResultRepository) ListAllByExam(ctx context.Context, examID string) ([]model.AttemptRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+resultColumns+`
		 FROM attempt_results
		 WHERE exam_id = $1
		 ORDER BY student_id ASC, submitted_at ASC`, examID,
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return scanRecords(rows)
}

// BulkUpsert writes a batch of records in one statement. Re-delivered
// records overwrite the row of the same session.
func (r *ResultRepository) BulkUpsert(ctx context.Context, batch []model.AttemptRecord) error {
	n := len(batch)
	if n == 0 {
		return nil
	}

	sessionIDs := make([]uuid.UUID, n)
	examIDs := make([]string, n)
	studentIDs := make([]string, n)
	scores := make([]float64, n)
	maxScores := make([]float64, n)
	percentages := make([]float64, n)
	passings := make([]float64, n)
	passed := make([]bool, n)
	answered := make([]int32, n)
	totals := make([]int32, n)
	autos := make([]bool, n)
	startedAts := make([]time.Time, n)
	submittedAts := make([]time.Time, n)

	for i, rec := range batch {
		sessionIDs[i] = rec.SessionID
		examIDs[i] = rec.ExamID
		studentIDs[i] = rec.StudentID
		scores[i] = rec.Score
		maxScores[i] = rec.MaxScore
		percentages[i] = rec.Percentage
		passings[i] = rec.PassingPercentage
		passed[i] = rec.Passed
		answered[i] = int32(rec.Answered)
		totals[i] = int32(rec.TotalQuestions)
		autos[i] = rec.AutoSubmitted
		startedAts[i] = rec.StartedAt
		submittedAts[i] = rec.SubmittedAt
	}

	query := `
		INSERT INTO attempt_results (` + resultColumns + `)
		SELECT * FROM UNNEST(
			$1::uuid[],
			$2::text[],
			$3::text[],
			$4::float8[],
			$5::float8[],
			$6::float8[],
			$7::float8[],
			$8::bool[],
			$9::int[],
			$10::int[],
			$11::bool[],
			$12::timestamptz[],
			$13::timestamptz[]
		)
		ON CONFLICT (session_id) DO UPDATE SET
			score = EXCLUDED.score,
			max_score = EXCLUDED.max_score,
			percentage = EXCLUDED.percentage,
			passing_percentage = EXCLUDED.passing_percentage,
			passed = EXCLUDED.passed,
			answered = EXCLUDED.answered,
			total_questions = EXCLUDED.total_questions,
			auto_submitted = EXCLUDED.auto_submitted,
			submitted_at = EXCLUDED.submitted_at
	`

	_, err := r.pool.Exec(ctx, query,
		sessionIDs, examIDs, studentIDs, scores, maxScores, percentages,
		passings, passed, answered, totals, autos, startedAts, submittedAts,
	)
	if err != nil {
		return fmt.Errorf("bulk upsert results: %w", err)
	}
	return nil
}

// Upsert writes a single record.
func (r *ResultRepository) Upsert(ctx context.Context, rec model.AttemptRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_results (`+resultColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (session_id) DO UPDATE SET
			score = EXCLUDED.score,
			max_score = EXCLUDED.max_score,
			percentage = EXCLUDED.percentage,
			passing_percentage = EXCLUDED.passing_percentage,
			passed = EXCLUDED.passed,
			answered = EXCLUDED.answered,
			total_questions = EXCLUDED.total_questions,
			auto_submitted = EXCLUDED.auto_submitted,
			submitted_at = EXCLUDED.submitted_at`,
		rec.SessionID, rec.ExamID, rec.StudentID, rec.Score, rec.MaxScore, rec.Percentage,
		rec.PassingPercentage, rec.Passed, rec.Answered, rec.TotalQuestions, rec.AutoSubmitted,
		rec.StartedAt, rec.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func scanRecords(rows pgx.Rows) ([]model.AttemptRecord, error) {
	defer rows.Close()

	var records []model.AttemptRecord
	for rows.Next() {
		var rec model.AttemptRecord
		if err := rows.Scan(
			&rec.SessionID, &rec.ExamID, &rec.StudentID, &rec.Score, &rec.MaxScore, &rec.Percentage,
			&rec.PassingPercentage, &rec.Passed, &rec.Answered, &rec.TotalQuestions, &rec.AutoSubmitted,
			&rec.StartedAt, &rec.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return records, nil
}
