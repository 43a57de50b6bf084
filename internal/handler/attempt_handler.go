package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/attempt"
	"github.com/tpcell/attempt-runner/internal/middleware"
	"github.com/tpcell/attempt-runner/internal/model"
	"github.com/tpcell/attempt-runner/internal/response"
	"github.com/tpcell/attempt-runner/internal/service"
	"github.com/tpcell/attempt-runner/internal/validator"
)

// AttemptHandler handles the student attempt endpoints.
type AttemptHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// OpenAttempt godoc
// POST /api/v1/student/exams/:exam_id/attempts
// Loads the exam and shows its instructions. Returns the live attempt if
// the student already has one for this exam.
func (h *AttemptHandler) OpenAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID := strings.TrimSpace(c.Param("exam_id"))
	snap, err := h.attemptService.Open(c.Request.Context(), claims.UserID, middleware.GetToken(c), examID)
	if err != nil {
		h.writeError(c, err, &snap)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"attempt": snap})
}

// GetAttempt godoc
// GET /api/v1/student/attempts/:attempt_id
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	snap, err := h.attemptService.State(claims.UserID, attemptID)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempt": snap})
}

// StartAttempt godoc
// POST /api/v1/student/attempts/:attempt_id/start
// Fetches the questions and starts the countdown.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	snap, err := h.attemptService.Start(c.Request.Context(), claims.UserID, middleware.GetToken(c), attemptID)
	if err != nil {
		h.writeError(c, err, &snap)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempt": snap})
}

// SaveAnswer godoc
// PUT /api/v1/student/attempts/:attempt_id/answers
// Selects an option, or clears the answer when option is null.
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	snap, err := h.attemptService.Answer(c.Request.Context(), claims.UserID, middleware.GetToken(c), attemptID, req.QuestionID, req.Option)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempt": snap})
}

// Navigate godoc
// POST /api/v1/student/attempts/:attempt_id/navigate
func (h *AttemptHandler) Navigate(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	snap, err := h.attemptService.Navigate(claims.UserID, attemptID, req.Action, req.Index)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempt": snap})
}

// SubmitAttempt godoc
// POST /api/v1/student/attempts/:attempt_id/submit
// Submits the answers for grading. A failed submission leaves the attempt
// in progress so it can be retried.
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	snap, err := h.attemptService.Submit(c.Request.Context(), claims.UserID, middleware.GetToken(c), attemptID)
	if err != nil {
		h.writeError(c, err, &snap)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempt": snap})
}

// AbandonAttempt godoc
// DELETE /api/v1/student/attempts/:attempt_id
func (h *AttemptHandler) AbandonAttempt(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	if err := h.attemptService.Abandon(c.Request.Context(), claims.UserID, attemptID); err != nil {
		h.writeError(c, err, nil)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Attempt abandoned"})
}

func (h *AttemptHandler) attemptParams(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, attemptID, true
}

// writeError maps service and attempt errors onto the response envelope.
// snap, when it holds a session, is returned as data so the client can show
// the error view and honour its redirect hint.
func (h *AttemptHandler) writeError(c *gin.Context, err error, snap *attempt.Snapshot) {
	status, code, message := mapAttemptError(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
	}

	var data interface{}
	if snap != nil && snap.ID != uuid.Nil {
		data = gin.H{"attempt": snap}
	}
	response.FailWithMessage(c, status, code, message, data)
}

func mapAttemptError(err error) (int, response.ErrCode, string) {
	if ae, ok := attempt.AsError(err); ok {
		switch ae.Kind {
		case attempt.KindValidation:
			return http.StatusBadRequest, response.ErrValidation, ae.Message
		case attempt.KindNotFound:
			if errors.Is(err, attempt.ErrEmptyQuestions) {
				return http.StatusNotFound, response.ErrNoQuestions, ae.Message
			}
			return http.StatusNotFound, response.ErrNotFound, ae.Message
		case attempt.KindAuth:
			return http.StatusUnauthorized, response.ErrSessionExpired, ae.Message
		case attempt.KindAvailability:
			return http.StatusConflict, response.ErrExamNotAvailable, ae.Message
		case attempt.KindTransientSubmit:
			return http.StatusBadGateway, response.ErrSubmitFailed, ae.Message
		default:
			return http.StatusBadGateway, response.ErrPortalUnavailable, ae.Message
		}
	}

	switch {
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound, ""
	case errors.Is(err, service.ErrNotAttemptOwner):
		return http.StatusForbidden, response.ErrNotAttemptOwner, ""
	case errors.Is(err, attempt.ErrInvalidPhase):
		return http.StatusConflict, response.ErrInvalidPhase, ""
	case errors.Is(err, attempt.ErrClosed), errors.Is(err, attempt.ErrStale):
		return http.StatusConflict, response.ErrAttemptClosed, ""
	case errors.Is(err, attempt.ErrTimeUp):
		return http.StatusConflict, response.ErrTimeUp, ""
	case errors.Is(err, attempt.ErrUnknownQuestion), errors.Is(err, attempt.ErrInvalidOption):
		return http.StatusBadRequest, response.ErrInvalidAnswer, ""
	case errors.Is(err, attempt.ErrInvalidIndex):
		return http.StatusBadRequest, response.ErrValidation, "question index is out of range"
	default:
		return http.StatusInternalServerError, response.ErrInternal, ""
	}
}
