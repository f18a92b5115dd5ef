// Package worker обрабатывает очередь брифов по расписанию и отдает
// состояние через HTTP.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"story-pipeline/internal/briefs"
	"story-pipeline/internal/model"
	"story-pipeline/internal/pipeline"
)

// Queue - часть очереди брифов, нужная воркеру.
type Queue interface {
	ClaimNext(ctx context.Context) (*model.StoryBrief, error)
	RunsLow(ctx context.Context) (bool, error)
	Depth(ctx context.Context) (int, error)
}

// Runner прогоняет один бриф.
type Runner interface {
	Run(ctx context.Context, brief model.StoryBrief) (*pipeline.RunResult, error)
}

// BriefSource пополняет очередь.
type BriefSource interface {
	Generate(ctx context.Context, count int) (*briefs.GenerateReport, error)
}

// Config - параметры воркера.
type Config struct {
	Schedule    string
	Concurrency int
	RefillCount int
	TaskTTL     time.Duration
}

// Worker по расписанию пополняет очередь и запускает прогоны.
type Worker struct {
	cfg    Config
	queue  Queue
	runner Runner
	source BriefSource
	tasks  *TaskPool
	cron   *cron.Cron
	logger *zap.Logger
}

// New создает воркер. source может быть nil - тогда очередь не пополняется.
func New(cfg Config, queue Queue, runner Runner, source BriefSource, logger *zap.Logger) (*Worker, error) {
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = time.Hour
	}
	log := logger.Named("Worker")
	w := &Worker{
		cfg:    cfg,
		queue:  queue,
		runner: runner,
		source: source,
		tasks:  NewTaskPool(cfg.Concurrency, logger),
		logger: log,
	}
	cl := cronLogger{log.Sugar()}
	w.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := w.cron.AddFunc(cfg.Schedule, func() { w.Tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("%w: invalid worker schedule %q: %v", model.ErrConfiguration, cfg.Schedule, err)
	}
	return w, nil
}

// Tasks возвращает пул задач воркера.
func (w *Worker) Tasks() *TaskPool { return w.tasks }

// Start запускает расписание.
func (w *Worker) Start() {
	w.cron.Start()
	w.logger.Info("Worker started",
		zap.String("schedule", w.cfg.Schedule),
		zap.Int("concurrency", w.tasks.size),
	)
}

// Stop останавливает расписание и ждет текущих прогонов до истечения ctx.
// Прогоны, не успевшие завершиться, отменяются; их брифы будут захвачены повторно.
func (w *Worker) Stop(ctx context.Context) error {
	cronCtx := w.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	err := w.tasks.Shutdown(ctx)
	w.logger.Info("Worker stopped")
	return err
}

// Tick - одна итерация: пополнить очередь при необходимости, затем
// захватить брифы на все свободные слоты. Возвращает число запущенных прогонов.
func (w *Worker) Tick(ctx context.Context) int {
	w.refill(ctx)

	started := 0
	for w.tasks.Free() > 0 {
		brief, err := w.queue.ClaimNext(ctx)
		if err != nil {
			w.logger.Error("Failed to claim brief", zap.Error(err))
			break
		}
		if brief == nil {
			break
		}
		b := *brief
		_, err = w.tasks.Submit("run:"+b.ID.String(), func(ctx context.Context) error {
			_, err := w.runner.Run(ctx, b)
			return err
		})
		if err != nil {
			// Бриф уже в processing; его подберет следующий захват после окна устаревания.
			w.logger.Error("Failed to submit run", zap.String("brief_id", b.ID.String()), zap.Error(err))
			break
		}
		started++
	}

	if removed := w.tasks.Cleanup(w.cfg.TaskTTL); removed > 0 {
		w.logger.Debug("Finished tasks cleaned up", zap.Int("removed", removed))
	}
	if started > 0 {
		w.logger.Info("Runs started", zap.Int("count", started))
	}
	return started
}

func (w *Worker) refill(ctx context.Context) {
	if w.source == nil || w.cfg.RefillCount < 1 {
		return
	}
	low, err := w.queue.RunsLow(ctx)
	if err != nil {
		w.logger.Error("Failed to check queue depth", zap.Error(err))
		return
	}
	if !low {
		return
	}
	report, err := w.source.Generate(ctx, w.cfg.RefillCount)
	if err != nil && !errors.Is(err, briefs.ErrNoBriefsGenerated) {
		w.logger.Error("Brief refill failed", zap.Error(err))
		return
	}
	if report != nil {
		w.logger.Info("Queue refilled",
			zap.Int("requested", report.Requested),
			zap.Int("inserted", report.Inserted),
			zap.Int("failed", report.Failed),
		)
	}
}

// cronLogger направляет логи планировщика в zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
