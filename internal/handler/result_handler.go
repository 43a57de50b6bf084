package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/model"
	"github.com/tpcell/attempt-runner/internal/response"
	"github.com/tpcell/attempt-runner/internal/service"
	"github.com/tpcell/attempt-runner/internal/validator"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ResultHandler serves attempt results and live progress to placement officers.
type ResultHandler struct {
	resultService  *service.ResultService
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewResultHandler creates a new ResultHandler.
func NewResultHandler(resultService *service.ResultService, attemptService *service.AttemptService, log zerolog.Logger) *ResultHandler {
	return &ResultHandler{
		resultService:  resultService,
		attemptService: attemptService,
		log:            log.With().Str("component", "result_handler").Logger(),
	}
}

// ListResults godoc
// GET /api/v1/tpo/exams/:exam_id/results?page=&per_page=&passed=
func (h *ResultHandler) ListResults(c *gin.Context) {
	examID, ok := examParam(c)
	if !ok {
		return
	}

	var q model.ResultsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PerPage == 0 {
		q.PerPage = 20
	}

	records, total, err := h.resultService.List(c.Request.Context(), examID, q.Page, q.PerPage, q.Passed)
	if err != nil {
		h.log.Error().Err(err).Str("exam_id", examID).Msg("List results failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"results": records},
		response.NewPagination(q.Page, q.PerPage, int(total)))
}

// ExportResults godoc
// GET /api/v1/tpo/exams/:exam_id/results/export
// Downloads every result of the exam as an XLSX workbook.
func (h *ResultHandler) ExportResults(c *gin.Context) {
	examID, ok := examParam(c)
	if !ok {
		return
	}

	data, err := h.resultService.ExportXLSX(c.Request.Context(), examID)
	if err != nil {
		h.log.Error().Err(err).Str("exam_id", examID).Msg("Export results failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	filename := fmt.Sprintf("results-%s-%s.xlsx", sanitizeFilename(examID), time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, xlsxContentType, data)
}

// LiveAttempts godoc
// GET /api/v1/tpo/exams/:exam_id/live
// Lists attempts of the exam currently running on this instance.
func (h *ResultHandler) LiveAttempts(c *gin.Context) {
	examID, ok := examParam(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempts": h.attemptService.Live(examID)})
}

func examParam(c *gin.Context) (string, bool) {
	examID := strings.TrimSpace(c.Param("exam_id"))
	if examID == "" || len(examID) > 64 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", false
	}
	return examID, true
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
