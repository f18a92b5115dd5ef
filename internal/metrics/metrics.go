package metrics

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

const jobName = "story_pipeline"

var (
	// Общий реестр для всех метрик процесса. promauto.With(Registry)
	// регистрирует метрики здесь, а не в prometheus.DefaultRegistry.
	Registry = prometheus.NewRegistry()

	LLMRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_pipeline_llm_requests_total",
			Help: "Total number of LLM completion requests.",
		},
		[]string{"model", "status"},
	)
	LLMRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_pipeline_llm_request_duration_seconds",
			Help:    "Histogram of LLM request durations.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"model"},
	)
	LLMTokens = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_pipeline_llm_tokens_total",
			Help: "LLM tokens used, partitioned by kind (prompt, completion).",
		},
		[]string{"model", "kind"},
	)
	ImageRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_pipeline_image_requests_total",
			Help: "Total number of cover image generation requests.",
		},
		[]string{"provider", "status"},
	)

	RunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome and error kind.",
		},
		[]string{"outcome", "error_kind"},
	)
	RunDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "story_pipeline_run_duration_seconds",
			Help:    "Histogram of pipeline run durations.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 9),
		},
	)
	StageDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_pipeline_stage_duration_seconds",
			Help:    "Histogram of stage durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	StageRetries = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_pipeline_stage_retries_total",
			Help: "Retries performed at stage boundaries.",
		},
		[]string{"operation"},
	)
	GateScores = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_pipeline_gate_score",
			Help:    "Scores returned by scored gates, normalized to 0..1.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"gate"},
	)
	CoversDegraded = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "story_pipeline_covers_degraded_total",
			Help: "Number of stories persisted with the fallback cover.",
		},
	)

	BriefsClaimed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_pipeline_briefs_claimed_total",
			Help: "Brief claim attempts by result (claimed, empty, error).",
		},
		[]string{"result"},
	)
	BriefsGenerated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_pipeline_briefs_generated_total",
			Help: "Brief synthesis attempts by result (inserted, failed, duplicate).",
		},
		[]string{"result"},
	)
	StoryEvents = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_pipeline_story_events_total",
			Help: "Story ready events by publish result.",
		},
		[]string{"result"},
	)
)

// Handler отдает метрики конвейера из Registry, а метрики Go-рантайма,
// процесса и gin - из стандартного реестра.
func Handler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.Gatherers{Registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	)
}

// Pusher отправляет метрики короткоживущего CLI-процесса в Pushgateway.
type Pusher struct {
	pusher *push.Pusher
	logger *zap.Logger
}

// NewPusher создает Pusher. Пустой URL - метрики не отправляются.
func NewPusher(url string, logger *zap.Logger) *Pusher {
	log := logger.Named("Metrics")
	if url == "" {
		return &Pusher{logger: log}
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
		log.Warn("Could not get hostname", zap.Error(err))
	}
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	log.Info("Initializing Pushgateway pusher",
		zap.String("job", jobName), zap.String("instance", instanceID), zap.String("url", url))

	return &Pusher{
		pusher: push.New(url, jobName).Gatherer(Registry).Grouping("instance", instanceID),
		logger: log,
	}
}

// Push отправляет текущие значения метрик.
func (p *Pusher) Push() error {
	if p == nil || p.pusher == nil {
		return nil
	}
	if err := p.pusher.Push(); err != nil {
		p.logger.Error("Error pushing metrics to Pushgateway", zap.Error(err))
		return fmt.Errorf("push metrics: %w", err)
	}
	p.logger.Debug("Metrics pushed successfully")
	return nil
}
