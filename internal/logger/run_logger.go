package logger

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"story-pipeline/internal/model"
)

// RunLogger - логгер одного прогона. Создается раннером на каждый прогон
// и явно передается в каждую стадию; все записи коррелированы по run_id.
type RunLogger struct {
	log *zap.Logger
}

// NewRunLogger создает логгер прогона поверх базового логгера процесса.
func NewRunLogger(base *zap.Logger, runID, briefID uuid.UUID) *RunLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &RunLogger{
		log: base.Named("run").With(
			zap.String("run_id", runID.String()),
			zap.String("brief_id", briefID.String()),
		),
	}
}

// Logger возвращает zap-логгер с полями прогона.
func (l *RunLogger) Logger() *zap.Logger { return l.log }

func (l *RunLogger) Debug(msg string, fields ...zap.Field) { l.log.Debug(msg, fields...) }
func (l *RunLogger) Info(msg string, fields ...zap.Field)  { l.log.Info(msg, fields...) }
func (l *RunLogger) Warn(msg string, fields ...zap.Field)  { l.log.Warn(msg, fields...) }
func (l *RunLogger) Error(msg string, fields ...zap.Field) { l.log.Error(msg, fields...) }

// Transition фиксирует переход машины состояний.
func (l *RunLogger) Transition(from, to model.RunState) {
	l.log.Info("Run state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

// StageStarted фиксирует начало стадии.
func (l *RunLogger) StageStarted(stage model.StageName) {
	l.log.Debug("Stage started", zap.String("stage", string(stage)))
}

// StageFinished фиксирует результат стадии.
func (l *RunLogger) StageFinished(res model.StageResult) {
	fields := []zap.Field{
		zap.String("stage", string(res.Stage)),
		zap.String("status", string(res.Status)),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration),
	}
	if res.Score != nil {
		fields = append(fields, zap.Float64("score", *res.Score))
	}
	if res.Threshold != nil {
		fields = append(fields, zap.Float64("threshold", *res.Threshold))
	}
	if res.Category != nil {
		fields = append(fields, zap.String("category", string(*res.Category)))
	}
	if res.Rationale != "" {
		fields = append(fields, zap.String("rationale", res.Rationale))
	}
	switch res.Status {
	case model.StageStatusFailed:
		l.log.Warn("Stage failed", fields...)
	case model.StageStatusDegraded:
		l.log.Warn("Stage degraded", fields...)
	default:
		l.log.Info("Stage passed", fields...)
	}
}

// Finished фиксирует итог прогона.
func (l *RunLogger) Finished(run *model.PipelineRun) {
	fields := []zap.Field{
		zap.Duration("duration", run.Duration),
		zap.Int("stages", len(run.Stages)),
	}
	if run.StoryID != nil {
		fields = append(fields, zap.String("story_id", run.StoryID.String()))
	}
	if run.Succeeded() {
		l.log.Info("Run succeeded", fields...)
		return
	}
	if run.FailedStage != nil {
		fields = append(fields, zap.String("failed_stage", string(*run.FailedStage)))
	}
	if run.ErrorKind != nil {
		fields = append(fields, zap.String("error_kind", string(*run.ErrorKind)))
	}
	if run.Error != nil {
		fields = append(fields, zap.String("error", *run.Error))
	}
	l.log.Error("Run failed", fields...)
}
