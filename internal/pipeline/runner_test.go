package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"story-pipeline/internal/imagegen"
	"story-pipeline/internal/llm"
	"story-pipeline/internal/model"
)

func TestRunner_HappyPath(t *testing.T) {
	h := newHarness(t)
	h.onStory(storyJSON())
	h.onSafety(true)
	h.onValues(4)
	h.onQuality(82)
	h.onCover("https://cdn.example.com/covers/fox.png", nil)
	h.expectCommit(nil)
	h.expectPublish()

	brief := testBrief()
	res, err := h.runner.Run(context.Background(), brief)
	require.NoError(t, err)
	require.NotNil(t, res.Story)

	story := res.Story
	assert.Equal(t, "The Fox and the Duckling", story.Title)
	assert.Len(t, story.Chapters, 3)
	assert.True(t, story.SafetyPassed)
	assert.Equal(t, 4.0, story.ValuesScore)
	assert.Equal(t, 82.0, story.QualityScore)
	assert.Equal(t, "https://cdn.example.com/covers/fox.png", story.CoverImageRef)
	assert.False(t, story.CoverDegraded)
	assert.Equal(t, brief.ID, story.BriefID)
	assert.Equal(t, res.Run.ID, story.RunID)

	run := res.Run
	assert.True(t, run.Succeeded())
	assert.Nil(t, run.FailedStage)
	require.NotNil(t, run.StoryID)
	assert.Equal(t, story.ID, *run.StoryID)
	assert.Equal(t, []model.StageName{
		model.StageGeneration, model.StageSafety, model.StageValues,
		model.StageQuality, model.StageCoverArt, model.StagePersistence,
	}, stageNames(run))
	assert.Len(t, run.Artifacts, 4, "raw output of the four model calls is kept")

	assert.Same(t, run, h.committed)
	assert.Equal(t, model.BriefClaim{BriefID: brief.ID, ClaimCount: brief.ClaimCount}, h.claim)
	_, marked := h.briefs.kind(brief.ID)
	assert.False(t, marked)
}

func TestRunner_WritesUnderCurrentClaim(t *testing.T) {
	h := newHarness(t)
	h.onStory(storyJSON())
	h.onSafety(false)
	h.expectRunInsert()

	brief := testBrief()
	brief.ClaimCount = 3
	_, err := h.runner.Run(context.Background(), brief)
	require.Error(t, err)

	claim := h.briefs.claim(brief.ID)
	assert.Equal(t, brief.ID, claim.BriefID)
	assert.Equal(t, 3, claim.ClaimCount)
}

func TestRunner_Scenarios(t *testing.T) {
	t.Run("unsafe story stops at the safety gate", func(t *testing.T) {
		h := newHarness(t)
		h.onStory(storyJSON())
		h.onSafety(false)
		h.expectRunInsert()

		brief := testBrief()
		res, err := h.runner.Run(context.Background(), brief)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrSafetyGate)
		assert.Equal(t, model.KindSafetyGate, model.Classify(err))
		assert.Nil(t, res.Story)

		require.Len(t, h.inserted, 1)
		run := h.inserted[0]
		require.NotNil(t, run.FailedStage)
		assert.Equal(t, model.StageSafety, *run.FailedStage)
		assert.Equal(t, []model.StageName{model.StageGeneration, model.StageSafety}, stageNames(run))

		kind, ok := h.briefs.kind(brief.ID)
		require.True(t, ok)
		assert.Equal(t, model.KindSafetyGate, kind)

		h.llm.AssertNotCalled(t, "Complete", mock.Anything, forStage(valuesPrompt))
		h.llm.AssertNotCalled(t, "Complete", mock.Anything, forStage(qualityPrompt))
		h.images.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})

	t.Run("low quality fails the threshold gate", func(t *testing.T) {
		h := newHarness(t)
		h.onStory(storyJSON())
		h.onSafety(true)
		h.onValues(4)
		h.onQuality(60)
		h.expectRunInsert()

		brief := testBrief()
		_, err := h.runner.Run(context.Background(), brief)
		assert.ErrorIs(t, err, model.ErrThresholdGate)

		run := h.inserted[0]
		assert.Equal(t, model.StageQuality, *run.FailedStage)
		res, ok := run.Stage(model.StageQuality)
		require.True(t, ok)
		require.NotNil(t, res.Score)
		require.NotNil(t, res.Threshold)
		assert.Equal(t, 60.0, *res.Score)
		assert.Equal(t, 70.0, *res.Threshold)

		kind, _ := h.briefs.kind(brief.ID)
		assert.Equal(t, model.KindThresholdGate, kind)
	})

	t.Run("cover failure degrades to the fallback", func(t *testing.T) {
		h := newHarness(t)
		h.onStory(storyJSON())
		h.onSafety(true)
		h.onValues(5)
		h.onQuality(90)
		h.onCover("", imagegen.ErrImageGenerationFailed)
		h.expectCommit(nil)
		h.expectPublish()

		res, err := h.runner.Run(context.Background(), testBrief())
		require.NoError(t, err)
		assert.True(t, res.Story.CoverDegraded)
		assert.Equal(t, fallbackCover, res.Story.CoverImageRef)

		cover, ok := res.Run.Stage(model.StageCoverArt)
		require.True(t, ok)
		assert.Equal(t, model.StageStatusDegraded, cover.Status)
		require.NotNil(t, cover.Category)
		assert.Equal(t, model.KindIllustrationDegraded, *cover.Category)
		require.Len(t, res.Run.Notes, 1)
		assert.Contains(t, res.Run.Notes[0], fallbackCover)
	})

	t.Run("disabled image provider degrades with a clear note", func(t *testing.T) {
		h := newHarness(t)
		h.onStory(storyJSON())
		h.onSafety(true)
		h.onValues(5)
		h.onQuality(90)
		h.onCover("", imagegen.ErrDisabled)
		h.expectCommit(nil)
		h.expectPublish()

		res, err := h.runner.Run(context.Background(), testBrief())
		require.NoError(t, err)
		require.Len(t, res.Run.Notes, 1)
		assert.Contains(t, res.Run.Notes[0], "image provider not configured")
		h.images.AssertNumberOfCalls(t, "Generate", 1)
	})
}

func TestRunner_GateCombinations(t *testing.T) {
	for _, safe := range []bool{true, false} {
		for _, valuesOK := range []bool{true, false} {
			for _, qualityOK := range []bool{true, false} {
				name := fmt.Sprintf("safe=%t values=%t quality=%t", safe, valuesOK, qualityOK)
				t.Run(name, func(t *testing.T) {
					h := newHarness(t)
					h.onStory(storyJSON())
					h.onSafety(safe)
					values, quality := 4.0, 82.0
					if !valuesOK {
						values = 1
					}
					if !qualityOK {
						quality = 40
					}
					h.onValues(values)
					h.onQuality(quality)

					var wantStage model.StageName
					var wantErr error
					switch {
					case !safe:
						wantStage, wantErr = model.StageSafety, model.ErrSafetyGate
					case !valuesOK:
						wantStage, wantErr = model.StageValues, model.ErrThresholdGate
					case !qualityOK:
						wantStage, wantErr = model.StageQuality, model.ErrThresholdGate
					}

					if wantErr == nil {
						h.onCover("covers/ok.png", nil)
						h.expectCommit(nil)
						h.expectPublish()
					} else {
						h.expectRunInsert()
					}

					res, err := h.runner.Run(context.Background(), testBrief())
					if wantErr == nil {
						require.NoError(t, err)
						assert.True(t, res.Run.Succeeded())
						return
					}
					require.ErrorIs(t, err, wantErr)
					require.NotNil(t, res.Run.FailedStage)
					assert.Equal(t, wantStage, *res.Run.FailedStage)
					last := res.Run.Stages[len(res.Run.Stages)-1]
					assert.Equal(t, wantStage, last.Stage, "no stage runs after a failed gate")
					assert.Equal(t, model.StageStatusFailed, last.Status)
				})
			}
		}
	}
}

func TestRunner_ThresholdBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		values  float64
		quality float64
		wantErr bool
	}{
		{name: "values equal to threshold passes", values: 3, quality: 82},
		{name: "values just below threshold fails", values: 2.9, quality: 82, wantErr: true},
		{name: "quality equal to threshold passes", values: 4, quality: 70},
		{name: "quality just below threshold fails", values: 4, quality: 69.5, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.onStory(storyJSON())
			h.onSafety(true)
			h.onValues(tt.values)
			h.onQuality(tt.quality)
			if tt.wantErr {
				h.expectRunInsert()
			} else {
				h.onCover("covers/ok.png", nil)
				h.expectCommit(nil)
				h.expectPublish()
			}

			_, err := h.runner.Run(context.Background(), testBrief())
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrThresholdGate)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRunner_Failures(t *testing.T) {
	t.Run("persistence failure records a failed run", func(t *testing.T) {
		h := newHarness(t)
		h.onStory(storyJSON())
		h.onSafety(true)
		h.onValues(4)
		h.onQuality(82)
		h.onCover("covers/ok.png", nil)
		h.expectCommit(errors.New("tx aborted"))
		h.expectRunInsert()

		brief := testBrief()
		res, err := h.runner.Run(context.Background(), brief)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrPersistence)
		assert.Nil(t, res.Story)

		require.Len(t, h.inserted, 1)
		run := h.inserted[0]
		assert.False(t, run.Succeeded())
		assert.Nil(t, run.StoryID)
		assert.Equal(t, model.StagePersistence, *run.FailedStage)
		last := run.Stages[len(run.Stages)-1]
		assert.Equal(t, model.StagePersistence, last.Stage)
		assert.Equal(t, model.StageStatusFailed, last.Status)

		kind, _ := h.briefs.kind(brief.ID)
		assert.Equal(t, model.KindPersistence, kind)
		h.publisher.AssertNotCalled(t, "StoryReady", mock.Anything, mock.Anything)
	})

	t.Run("transient errors exhaust the retry budget", func(t *testing.T) {
		h := newHarness(t)
		h.llm.On("Complete", mock.Anything, forStage(storyPrompt)).Return(llm.Response{}, llm.ErrUnavailable).Twice()
		h.expectRunInsert()

		brief := testBrief()
		_, err := h.runner.Run(context.Background(), brief)
		assert.ErrorIs(t, err, model.ErrTransientAPI)
		assert.ErrorIs(t, err, llm.ErrUnavailable)

		gen, ok := h.inserted[0].Stage(model.StageGeneration)
		require.True(t, ok)
		assert.Equal(t, 2, gen.Attempts)
		kind, _ := h.briefs.kind(brief.ID)
		assert.Equal(t, model.KindTransientAPI, kind)
	})

	t.Run("malformed story is a generation error", func(t *testing.T) {
		h := newHarness(t)
		h.llm.On("Complete", mock.Anything, forStage(storyPrompt)).Return(reply("Once upon a time, no JSON here."), nil).Twice()
		h.expectRunInsert()

		_, err := h.runner.Run(context.Background(), testBrief())
		assert.ErrorIs(t, err, model.ErrGeneration)
		assert.Len(t, h.inserted[0].Artifacts, 1, "the last raw response is kept for audit")
	})

	t.Run("story without chapters is a generation error", func(t *testing.T) {
		h := newHarness(t)
		h.onStory(`{"title": "Empty", "chapters": [{"title": "One", "body": "   "}]}`)
		h.expectRunInsert()

		_, err := h.runner.Run(context.Background(), testBrief())
		assert.ErrorIs(t, err, model.ErrGeneration)
	})

	t.Run("blocked term fails safety without asking the model", func(t *testing.T) {
		h := newHarness(t)
		h.onStory(storyJSONWithBody(chapterBody(90) + " and there was blood on the path"))
		h.expectRunInsert()

		_, err := h.runner.Run(context.Background(), testBrief())
		require.ErrorIs(t, err, model.ErrSafetyGate)
		assert.Contains(t, err.Error(), "blood")
		h.llm.AssertNotCalled(t, "Complete", mock.Anything, forStage(safetyPrompt))
	})

	t.Run("publish failure does not fail the run", func(t *testing.T) {
		h := newHarness(t)
		h.onStory(storyJSON())
		h.onSafety(true)
		h.onValues(4)
		h.onQuality(82)
		h.onCover("covers/ok.png", nil)
		h.expectCommit(nil)
		h.publisher.On("StoryReady", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

		res, err := h.runner.Run(context.Background(), testBrief())
		require.NoError(t, err)
		assert.True(t, res.Run.Succeeded())
	})
}

func TestRunner_Cancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.onStory(storyJSON())
	h.llm.On("Complete", mock.Anything, forStage(safetyPrompt)).
		Run(func(mock.Arguments) { cancel() }).
		Return(reply(safetyJSON(true)), nil).Maybe()
	h.expectRunInsert()

	brief := testBrief()
	res, err := h.runner.Run(ctx, brief)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.KindUnexpected, model.Classify(err))

	require.Len(t, h.inserted, 1)
	assert.Same(t, res.Run, h.inserted[0])
	assert.Equal(t, model.StageSafety, *res.Run.FailedStage)

	_, marked := h.briefs.kind(brief.ID)
	assert.False(t, marked, "a cancelled run leaves the brief for stale reclaim")
	h.llm.AssertNotCalled(t, "Complete", mock.Anything, forStage(valuesPrompt))
}
