package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"story-pipeline/internal/logger"
	"story-pipeline/internal/metrics"
	"story-pipeline/internal/model"
	"story-pipeline/internal/notify"
	"story-pipeline/internal/telemetry"
)

// Stages - стадии прогона в порядке выполнения.
type Stages struct {
	Generator   DraftGenerator
	Safety      Gate
	Values      Gate
	Quality     Gate
	Illustrator Illustrator
}

// RunResult - итог прогона. Story заполнена только при успехе.
type RunResult struct {
	Run   *model.PipelineRun
	Story *model.GeneratedStory
	Err   error
}

// Runner ведет один бриф через машину состояний прогона.
// Экземпляр не хранит состояния между вызовами и безопасен для параллельного использования.
type Runner struct {
	stages    Stages
	persister *Persister
	store     RunStore
	briefs    BriefStatusWriter
	publisher notify.Publisher
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

// Option настраивает Runner.
type Option func(*Runner)

// WithPublisher задает паблишер событий о готовых историях.
func WithPublisher(p notify.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithTracer задает трейсер.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
		r.persister.now = now
	}
}

// NewRunner создает раннер.
func NewRunner(stages Stages, store RunStore, briefs BriefStatusWriter, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		stages:    stages,
		persister: NewPersister(store),
		store:     store,
		briefs:    briefs,
		publisher: notify.NoopPublisher{},
		tracer:    nooptrace.NewTracerProvider().Tracer(telemetry.TracerName),
		logger:    logger.Named("PipelineRunner"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run выполняет прогон. Запись прогона пишется ровно один раз: персистером
// при успехе или через InsertRun при провале. Возвращаемая ошибка совпадает
// с RunResult.Err и классифицируется model.Classify.
//
// При отмене ctx прогон записывается как провал, а бриф остается в processing
// и может быть захвачен снова после окна устаревания.
func (r *Runner) Run(ctx context.Context, brief model.StoryBrief) (*RunResult, error) {
	run := model.NewPipelineRun(brief.ID, r.now())
	rl := logger.NewRunLogger(r.logger, run.ID, brief.ID)
	ctx, span := r.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			telemetry.AttrRunID.String(run.ID.String()),
			telemetry.AttrBriefID.String(brief.ID.String()),
		),
	)
	defer span.End()

	ex := &execution{r: r, run: run, rl: rl, brief: brief, state: model.RunStateStarted, span: span}
	rl.Info("Run started",
		zap.String("theme", brief.Theme),
		zap.String("genre", brief.Genre),
		zap.String("virtue", brief.Virtue),
		zap.String("reading_level", brief.ReadingLevel),
		zap.Int("claim_count", brief.ClaimCount),
	)

	ex.transition(model.RunStateGenerating)
	var draft *model.GeneratedStory
	outcome := ex.stage(ctx, model.StageGeneration, func(ctx context.Context) StageReport {
		var rep StageReport
		draft, rep = r.stages.Generator.Generate(ctx, rl, brief)
		return rep
	})
	if res, stop := ex.halt(ctx, model.StageGeneration, outcome); stop {
		return res, res.Err
	}

	gates := []struct {
		state model.RunState
		gate  Gate
	}{
		{model.RunStateCheckingSafety, r.stages.Safety},
		{model.RunStateCheckingValues, r.stages.Values},
		{model.RunStateCheckingQuality, r.stages.Quality},
	}
	for _, g := range gates {
		ex.transition(g.state)
		gate := g.gate
		outcome := ex.stage(ctx, gate.Name(), func(ctx context.Context) StageReport {
			return gate.Check(ctx, rl, brief, draft)
		})
		if res, stop := ex.halt(ctx, gate.Name(), outcome); stop {
			return res, res.Err
		}
		if p, ok := outcome.(model.Passed); ok && p.Score != nil {
			switch gate.Name() {
			case model.StageValues:
				draft.ValuesScore = *p.Score
			case model.StageQuality:
				draft.QualityScore = *p.Score
			}
		}
	}
	draft.SafetyPassed = true

	ex.transition(model.RunStateIllustrating)
	var cover string
	outcome = ex.stage(ctx, model.StageCoverArt, func(ctx context.Context) StageReport {
		var rep StageReport
		cover, rep = r.stages.Illustrator.Illustrate(ctx, rl, brief, draft)
		return rep
	})
	if res, stop := ex.halt(ctx, model.StageCoverArt, outcome); stop {
		return res, res.Err
	}
	if d, ok := outcome.(model.Degraded); ok {
		draft.CoverDegraded = true
		if cover == "" {
			cover = d.FallbackUsed
		}
		run.AddNote(d.Note)
	}
	draft.CoverImageRef = cover

	ex.transition(model.RunStatePersisting)
	rl.StageStarted(model.StagePersistence)
	started := r.now()
	story, final, err := r.persister.Commit(ctx, rl, brief.Claim(), run, draft)
	if err != nil {
		res := model.NewStageResult(model.StagePersistence, model.Failed{Reason: err.Error(), Category: model.KindPersistence, Err: err})
		res.Attempts = 1
		res.StartedAt = started
		res.Duration = r.now().Sub(started)
		run.Record(res)
		rl.StageFinished(res)
		if ctx.Err() != nil {
			result := ex.cancelled(ctx, model.StagePersistence)
			return result, result.Err
		}
		result := ex.fail(ctx, model.StagePersistence, err)
		return result, result.Err
	}

	ex.transition(model.RunStateSucceeded)
	ex.run = final
	if res, ok := final.Stage(model.StagePersistence); ok {
		rl.StageFinished(res)
	}
	rl.Finished(final)
	ex.observe(nil)
	if story.CoverDegraded {
		metrics.CoversDegraded.Inc()
	}
	span.SetAttributes(telemetry.AttrStoryID.String(story.ID.String()))
	span.SetStatus(codes.Ok, "")

	r.publish(context.WithoutCancel(ctx), rl, brief, story)
	return &RunResult{Run: final, Story: story}, nil
}

func (r *Runner) publish(ctx context.Context, rl *logger.RunLogger, brief model.StoryBrief, story *model.GeneratedStory) {
	event := notify.StoryReadyEvent{
		StoryID:       story.ID,
		BriefID:       story.BriefID,
		RunID:         story.RunID,
		Title:         story.Title,
		ReadingLevel:  brief.ReadingLevel,
		QualityScore:  story.QualityScore,
		ValuesScore:   story.ValuesScore,
		CoverImageRef: story.CoverImageRef,
		CoverDegraded: story.CoverDegraded,
		CreatedAt:     story.CreatedAt,
	}
	if err := r.publisher.StoryReady(ctx, event); err != nil {
		rl.Warn("Failed to publish story ready event", zap.Error(err))
	}
}

// execution - состояние одного прогона.
type execution struct {
	r     *Runner
	run   *model.PipelineRun
	rl    *logger.RunLogger
	brief model.StoryBrief
	state model.RunState
	span  trace.Span
}

func (ex *execution) transition(to model.RunState) {
	if !ex.state.CanTransition(to) {
		ex.rl.Logger().DPanic("Illegal run state transition",
			zap.String("from", string(ex.state)),
			zap.String("to", string(to)),
		)
		return
	}
	ex.rl.Transition(ex.state, to)
	ex.state = to
}

// stage выполняет стадию в собственном спане и записывает ее результат в прогон.
func (ex *execution) stage(ctx context.Context, name model.StageName, fn func(ctx context.Context) StageReport) model.Outcome {
	ex.rl.StageStarted(name)
	stageCtx, span := ex.r.tracer.Start(ctx, "stage."+string(name),
		trace.WithAttributes(telemetry.AttrStage.String(string(name))),
	)
	defer span.End()

	started := ex.r.now()
	rep := fn(stageCtx)
	if rep.Outcome == nil {
		rep.Outcome = model.Failed{Reason: "stage returned no outcome", Category: model.KindUnexpected}
	}

	res := model.NewStageResult(name, rep.Outcome)
	if res.Score == nil {
		res.Score = rep.Score
	}
	res.Threshold = rep.Threshold
	if res.Rationale == "" {
		res.Rationale = rep.Rationale
	}
	res.Attempts = rep.Attempts
	res.StartedAt = started
	res.Duration = ex.r.now().Sub(started)
	if rep.Raw != "" {
		ref := ex.run.AddArtifact(name, rep.Raw, ex.r.now())
		res.OutputRef = &ref
	}
	ex.run.Record(res)
	ex.rl.StageFinished(res)
	metrics.StageDuration.WithLabelValues(string(name), string(res.Status)).Observe(res.Duration.Seconds())

	span.SetAttributes(telemetry.AttrStatus.String(string(res.Status)))
	if res.Status == model.StageStatusFailed {
		span.SetStatus(codes.Error, res.Rationale)
	}
	return rep.Outcome
}

// halt решает, остановить ли прогон после стадии.
func (ex *execution) halt(ctx context.Context, name model.StageName, outcome model.Outcome) (*RunResult, bool) {
	if ctx.Err() != nil {
		return ex.cancelled(ctx, name), true
	}
	if f, ok := outcome.(model.Failed); ok {
		return ex.fail(ctx, name, f.AsError(name)), true
	}
	return nil, false
}

// fail завершает прогон провалом, пишет его и переводит бриф в failed.
func (ex *execution) fail(ctx context.Context, stage model.StageName, cause error) *RunResult {
	res := ex.finish(ctx, stage, cause)
	kind := model.Classify(cause)
	if ex.r.briefs != nil {
		if err := ex.r.briefs.MarkFailed(context.WithoutCancel(ctx), ex.brief.Claim(), kind); err != nil {
			ex.rl.Error("Failed to mark brief as failed", zap.String("failure_kind", string(kind)), zap.Error(err))
		}
	}
	return res
}

// cancelled завершает прогон после отмены контекста. Бриф не трогаем.
func (ex *execution) cancelled(ctx context.Context, stage model.StageName) *RunResult {
	cause := model.NewError(model.KindUnexpected, stage, fmt.Errorf("run cancelled: %w", context.Cause(ctx)))
	ex.rl.Warn("Run cancelled, brief left in processing for reclaim", zap.String("stage", string(stage)))
	return ex.finish(ctx, stage, cause)
}

func (ex *execution) finish(ctx context.Context, stage model.StageName, cause error) *RunResult {
	ex.transition(model.RunStateFailed)
	ex.run.Finalize(ex.r.now(), model.RunOutcomeFailure, &stage, cause)
	ex.rl.Finished(ex.run)
	ex.observe(cause)

	ex.span.SetAttributes(telemetry.AttrErrorKind.String(string(model.Classify(cause))))
	ex.span.RecordError(cause)
	ex.span.SetStatus(codes.Error, cause.Error())

	if err := ex.r.store.InsertRun(context.WithoutCancel(ctx), ex.run); err != nil {
		ex.rl.Error("Failed to write run record", zap.Error(err))
	}
	return &RunResult{Run: ex.run, Err: cause}
}

func (ex *execution) observe(cause error) {
	outcome := model.RunOutcomeSuccess
	kind := ""
	if cause != nil {
		outcome = model.RunOutcomeFailure
		kind = string(model.Classify(cause))
	}
	metrics.RunsTotal.WithLabelValues(string(outcome), kind).Inc()
	metrics.RunDuration.Observe(ex.run.Duration.Seconds())
}
