package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tpcell/attempt-runner/internal/config"
	"github.com/tpcell/attempt-runner/internal/handler"
	"github.com/tpcell/attempt-runner/internal/middleware"
	"github.com/tpcell/attempt-runner/internal/response"
	"github.com/tpcell/attempt-runner/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
	Result  *handler.ResultHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// limiter throttles the student attempt API; nil disables throttling.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	limiter *middleware.RateLimiter,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Content-Disposition"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Student Group (JWT + Rate Limited) ─────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService), middleware.NoStore())
	if limiter != nil {
		studentAPI.Use(limiter.Middleware())
	}
	{
		studentAPI.POST("/exams/:exam_id/attempts", handlers.Attempt.OpenAttempt)
		studentAPI.GET("/attempts/:attempt_id", handlers.Attempt.GetAttempt)
		studentAPI.DELETE("/attempts/:attempt_id", handlers.Attempt.AbandonAttempt)
		studentAPI.POST("/attempts/:attempt_id/start", handlers.Attempt.StartAttempt)
		studentAPI.PUT("/attempts/:attempt_id/answers", handlers.Attempt.SaveAnswer)
		studentAPI.POST("/attempts/:attempt_id/navigate", handlers.Attempt.Navigate)
		studentAPI.POST("/attempts/:attempt_id/submit", handlers.Attempt.SubmitAttempt)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 3. TPO Group (Staff JWT) ──────────────────────────────────────
	tpoAPI := router.Group("/api/v1/tpo")
	tpoAPI.Use(middleware.RequireStaffJWT(authService), middleware.NoStore())
	{
		tpoAPI.GET("/exams/:exam_id/results", handlers.Result.ListResults)
		tpoAPI.GET("/exams/:exam_id/results/export", handlers.Result.ExportResults)
		tpoAPI.GET("/exams/:exam_id/live", handlers.Result.LiveAttempts)
	}

	return router
}
