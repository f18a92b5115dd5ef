package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"story-pipeline/internal/metrics"
	"story-pipeline/internal/model"
	"story-pipeline/internal/repository"
)

// RunReader читает записи прогонов.
type RunReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (*model.PipelineRun, error)
}

// NewRouter собирает HTTP-интерфейс воркера: health, метрики, прогоны, очередь, задачи.
func NewRouter(w *Worker, runs RunReader, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(ginZapLogger(logger.Named("HTTP")))
	router.Use(gin.Recovery())
	// HTTP-метрики попадают в стандартный реестр и отдаются на /metrics вместе с метриками пайплайна.
	router.Use(ginprometheus.NewPrometheus("storygen").HandlerFunc())

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", health)
	router.HEAD("/health", health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/runs/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		run, err := runs.GetRun(c.Request.Context(), id)
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
			return
		}
		c.JSON(http.StatusOK, run)
	})

	router.GET("/queue", func(c *gin.Context) {
		depth, err := w.queue.Depth(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue depth"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queued": depth, "free_slots": w.tasks.Free()})
	})

	router.GET("/tasks", func(c *gin.Context) {
		c.JSON(http.StatusOK, w.tasks.List())
	})

	return router
}

// NewServer создает HTTP-сервер воркера.
func NewServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func ginZapLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zapcore.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, zap.String("error", msg))
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("Request handled", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("Request handled", fields...)
		default:
			logger.Debug("Request handled", fields...)
		}
	}
}
