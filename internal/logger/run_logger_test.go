package logger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"story-pipeline/internal/logger"
	"story-pipeline/internal/model"
)

func TestRunLoggerCorrelatesEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	runID, briefID := uuid.New(), uuid.New()
	rl := logger.NewRunLogger(zap.New(core), runID, briefID)

	rl.Transition(model.RunStateStarted, model.RunStateGenerating)
	rl.StageFinished(model.StageResult{
		Stage:  model.StageValues,
		Status: model.StageStatusPassed,
		Score:  model.Float(4),
	})

	run := model.NewPipelineRun(briefID, time.Now())
	stage := model.StageSafety
	run.Finalize(time.Now(), model.RunOutcomeFailure, &stage,
		model.NewError(model.KindSafetyGate, stage, errors.New("unsafe")))
	rl.Finished(run)

	entries := logs.All()
	require.Len(t, entries, 3)
	for _, e := range entries {
		ctx := e.ContextMap()
		assert.Equal(t, runID.String(), ctx["run_id"])
		assert.Equal(t, briefID.String(), ctx["brief_id"])
	}
	assert.Equal(t, "generating", entries[0].ContextMap()["to"])
	assert.Equal(t, 4.0, entries[1].ContextMap()["score"])
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "safety_gate", entries[2].ContextMap()["error_kind"])
}

func TestRunLoggerStageLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rl := logger.NewRunLogger(zap.New(core), uuid.New(), uuid.New())

	rl.StageFinished(model.NewStageResult(model.StageCoverArt, model.Degraded{FallbackUsed: "f.jpg", Note: "timeout"}))
	rl.StageFinished(model.NewStageResult(model.StageQuality, model.Failed{Reason: "low", Category: model.KindThresholdGate}))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
	assert.Equal(t, "Stage degraded", logs.All()[0].Message)
	assert.Equal(t, "Stage failed", logs.All()[1].Message)
}

func TestNewFallsBackOnInvalidLevel(t *testing.T) {
	l, err := logger.New(logger.Config{Level: "loud", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}
