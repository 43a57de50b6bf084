package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tpcell/attempt-runner/internal/config"
	"github.com/tpcell/attempt-runner/internal/model"
)

// answerTTL bounds how long an abandoned autosave hash survives.
const answerTTL = 24 * time.Hour

// clearedAnswer marks an explicitly cleared selection in the autosave hash.
const clearedAnswer = "-"

// AnswerCache keeps autosaved answers and the completed-attempt queue in Redis.
type AnswerCache struct {
	rdb *redis.Client
}

// NewAnswerCache creates a new AnswerCache.
func NewAnswerCache(rdb *redis.Client) *AnswerCache {
	return &AnswerCache{rdb: rdb}
}

// SaveAnswer records one selection; nil records a cleared answer.
func (c *AnswerCache) SaveAnswer(ctx context.Context, attemptID, questionID string, option *int) error {
	key := config.CacheKey.AttemptAnswersKey(attemptID)
	value := clearedAnswer
	if option != nil {
		value = strconv.Itoa(*option)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, questionID, value)
	pipe.Expire(ctx, key, answerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// ClearAnswers drops the autosave hash of a finished attempt.
func (c *AnswerCache) ClearAnswers(ctx context.Context, attemptID string) error {
	if err := c.rdb.Del(ctx, config.CacheKey.AttemptAnswersKey(attemptID)).Err(); err != nil {
		return fmt.Errorf("clear answers: %w", err)
	}
	return nil
}

// EnqueueResult pushes a completed attempt onto the persistence queue.
func (c *AnswerCache) EnqueueResult(ctx context.Context, rec model.AttemptRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := c.rdb.RPush(ctx, config.WorkerKey.PersistAttemptResultsQueue, raw).Err(); err != nil {
		return fmt.Errorf("enqueue result: %w", err)
	}
	return nil
}

// NextResult blocks up to timeout for the next queued record. It returns
// (nil, nil) when the queue stayed empty.
func (c *AnswerCache) NextResult(ctx context.Context, timeout time.Duration) (*model.AttemptRecord, error) {
	item, err := c.rdb.BLPop(ctx, timeout, config.WorkerKey.PersistAttemptResultsQueue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(item) < 2 {
		return nil, nil
	}

	var rec model.AttemptRecord
	if err := json.Unmarshal([]byte(item[1]), &rec); err != nil {
		return nil, fmt.Errorf("decode queued result: %w", err)
	}
	return &rec, nil
}

// RequeueResult puts a record back for a later flush.
func (c *AnswerCache) RequeueResult(ctx context.Context, rec model.AttemptRecord) error {
	return c.EnqueueResult(ctx, rec)
}
