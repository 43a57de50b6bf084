package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/attempt"
	"github.com/tpcell/attempt-runner/internal/middleware"
	"github.com/tpcell/attempt-runner/internal/response"
	"github.com/tpcell/attempt-runner/internal/service"
	ws "github.com/tpcell/attempt-runner/internal/websocket"
)

// wsActionTimeout bounds a portal round trip started from a socket action.
const wsActionTimeout = 30 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams attempt state over a WebSocket: the countdown, phase
// changes and the results of answer, navigate and submit actions.
type WSHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/student/attempts/:attempt_id/stream
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Ownership is checked before the upgrade so failures are plain HTTP.
	events, unsubscribe, err := h.attemptService.Subscribe(claims.UserID, attemptID)
	if err != nil {
		status, code, _ := mapAttemptError(err)
		response.Fail(c, status, code)
		return
	}
	defer unsubscribe()

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Str("student_id", claims.UserID).
		Str("attempt_id", attemptID.String()).
		Logger()
	wsLog.Info().Msg("Student connected")

	token := middleware.GetToken(c)

	var lastSeq uint64
	if snap, err := h.attemptService.State(claims.UserID, attemptID); err == nil {
		lastSeq = snap.Seq
		_ = conn.WriteTyped(ws.SnapshotResponse{Event: ws.EventSnapshot, Attempt: snap})
	}

	done := make(chan struct{})
	defer close(done)
	go h.forward(conn, events, lastSeq, done, wsLog)

	for {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionPing:
			_ = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		case ws.ActionAnswer:
			h.handleAnswer(conn, claims.UserID, token, attemptID, &msg)
		case ws.ActionNavigate:
			h.handleNavigate(conn, claims.UserID, attemptID, &msg)
		case ws.ActionSubmit:
			h.handleSubmit(conn, wsLog, claims.UserID, token, attemptID)
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			_ = conn.WriteError("UNKNOWN_ACTION", "unknown action: "+string(msg.Action))
		}
	}
}

// forward relays session events to the socket until done is closed.
// Events are broadcast from several goroutines, so any snapshot older
// than the last one written is dropped.
func (h *WSHandler) forward(conn *ws.Conn, events <-chan attempt.Event, lastSeq uint64, done <-chan struct{}, log zerolog.Logger) {
	for {
		select {
		case <-done:
			return
		case ev := <-events:
			if ev.Snapshot.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Snapshot.Seq

			var err error
			switch ev.Kind {
			case attempt.EventTick:
				err = conn.WriteTyped(ws.TickResponse{
					Event:            ws.EventTick,
					RemainingSeconds: ev.Snapshot.RemainingSeconds,
					Clock:            ev.Snapshot.Clock,
					Answered:         ev.Snapshot.Answered,
					Progress:         ev.Snapshot.Progress,
				})
			case attempt.EventPhase:
				err = conn.WriteTyped(ws.SnapshotResponse{Event: ws.EventPhase, Attempt: ev.Snapshot})
			default:
				err = conn.WriteTyped(ws.SnapshotResponse{Event: ws.EventSnapshot, Attempt: ev.Snapshot})
			}
			if err != nil {
				log.Debug().Err(err).Msg("Event write failed")
				return
			}
		}
	}
}

func (h *WSHandler) handleAnswer(conn *ws.Conn, studentID, token string, attemptID uuid.UUID, msg *ws.RequestPayload) {
	if msg.QuestionID == "" {
		_ = conn.WriteError(string(response.ErrValidation), "question_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
	defer cancel()

	// The resulting answer event reaches the client through forward.
	if _, err := h.attemptService.Answer(ctx, studentID, token, attemptID, msg.QuestionID, msg.Option); err != nil {
		writeSocketError(conn, err)
	}
}

func (h *WSHandler) handleNavigate(conn *ws.Conn, studentID string, attemptID uuid.UUID, msg *ws.RequestPayload) {
	if _, err := h.attemptService.Navigate(studentID, attemptID, msg.Move, msg.Index); err != nil {
		writeSocketError(conn, err)
	}
}

func (h *WSHandler) handleSubmit(conn *ws.Conn, log zerolog.Logger, studentID, token string, attemptID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
	defer cancel()

	if _, err := h.attemptService.Submit(ctx, studentID, token, attemptID); err != nil {
		log.Warn().Err(err).Msg("Submit over socket failed")
		writeSocketError(conn, err)
	}
}

func writeSocketError(conn *ws.Conn, err error) {
	_, code, message := mapAttemptError(err)
	if message == "" {
		message = response.GetMessage(code)
	}
	_ = conn.WriteError(string(code), message)
}
