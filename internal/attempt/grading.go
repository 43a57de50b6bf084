package attempt

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/tpcell/attempt-runner/internal/model"
)

// ResolvePassingPercentage picks the passing threshold for a graded result.
// The first present value wins: the result payload, the exam embedded in
// the payload, the descriptor fetched at load, then 0.
func ResolvePassingPercentage(raw model.RawResult, exam *model.ExamDescriptor) float64 {
	if raw.PassingPercentage != nil {
		return *raw.PassingPercentage
	}
	if raw.Exam != nil && raw.Exam.PassingPercentage != nil {
		return *raw.Exam.PassingPercentage
	}
	if exam != nil {
		return exam.PassingPercentage
	}
	return 0
}

// Grade normalizes a grading payload into an ExamResult. A score exactly
// at the threshold passes.
func Grade(raw model.RawResult, exam *model.ExamDescriptor) model.ExamResult {
	var maxScore float64
	switch {
	case raw.MaxScore != nil:
		maxScore = *raw.MaxScore
	case raw.TotalMarks != nil:
		maxScore = *raw.TotalMarks
	}

	percentage := parsePercentage(raw.Percentage)
	passing := ResolvePassingPercentage(raw, exam)

	return model.ExamResult{
		Score:             raw.Score,
		MaxScore:          maxScore,
		Percentage:        percentage,
		PassingPercentage: passing,
		Passed:            percentage >= passing,
	}
}

// parsePercentage reads a number or numeric string; anything else is 0.
func parsePercentage(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%")), 64)
		if err != nil {
			return 0
		}
		f = n
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
