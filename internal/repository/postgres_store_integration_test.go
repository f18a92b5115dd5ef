//go:build integration

package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"story-pipeline/internal/database"
	"story-pipeline/internal/model"
	"story-pipeline/internal/repository"
)

// StoreIntegrationSuite поднимает PostgreSQL в контейнере и прогоняет
// хранилище на реальной схеме.
type StoreIntegrationSuite struct {
	suite.Suite
	ctx         context.Context
	pgContainer *postgres.PostgresContainer
	pool        *pgxpool.Pool
	store       *repository.PostgresStore
	logger      *zap.Logger
}

func (s *StoreIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	var err error

	s.logger, err = zap.NewDevelopment()
	require.NoError(s.T(), err)

	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("stories_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start postgres container")

	dsn, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)

	s.pool, err = database.Connect(s.ctx, database.Options{DSN: dsn, MaxConns: 8, ConnectTries: 5, ConnectPeriod: time.Second}, s.logger)
	require.NoError(s.T(), err)

	require.NoError(s.T(), database.Migrate(s.ctx, s.pool, s.logger), "Failed to run migrations")
	s.store = repository.NewPostgresStore(s.pool, s.logger)
}

func (s *StoreIntegrationSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(s.ctx)
	}
}

func (s *StoreIntegrationSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE run_artifacts, pipeline_runs, stories, story_briefs CASCADE`)
	require.NoError(s.T(), err)
}

func TestStoreIntegration(t *testing.T) {
	suite.Run(t, new(StoreIntegrationSuite))
}

func newBrief(priority int, createdAt time.Time) model.StoryBrief {
	return model.StoryBrief{
		ID:              uuid.New(),
		Theme:           "friendship",
		ReadingLevel:    model.ReadingLevelEarly,
		Virtue:          "kindness",
		Genre:           "adventure",
		Premise:         "A small fox helps a lost duckling find its pond.",
		WordCountTarget: 500,
		Priority:        priority,
		CreatedAt:       createdAt,
	}
}

func (s *StoreIntegrationSuite) TestClaimOrderAndEmptyQueue() {
	t := s.T()
	now := time.Now().UTC()
	low := newBrief(0, now.Add(-2*time.Hour))
	highNew := newBrief(5, now.Add(-time.Minute))
	highOld := newBrief(5, now.Add(-time.Hour))
	require.NoError(t, s.store.InsertBriefs(s.ctx, []model.StoryBrief{low, highNew, highOld}))

	order := []uuid.UUID{highOld.ID, highNew.ID, low.ID}
	for _, want := range order {
		got, err := s.store.ClaimNextBrief(s.ctx, 30*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, model.BriefStatusProcessing, got.Status)
		assert.NotNil(t, got.ClaimedAt)
		assert.Equal(t, 1, got.ClaimCount)
	}

	got, err := s.store.ClaimNextBrief(s.ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got, "empty queue must return no brief")
}

func (s *StoreIntegrationSuite) TestConcurrentClaimHasSingleWinner() {
	t := s.T()
	require.NoError(t, s.store.InsertBriefs(s.ctx, []model.StoryBrief{newBrief(0, time.Now().UTC())}))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := s.store.ClaimNextBrief(s.ctx, 30*time.Minute)
			assert.NoError(t, err)
			if b != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func (s *StoreIntegrationSuite) TestStaleClaimIsReclaimed() {
	t := s.T()
	brief := newBrief(0, time.Now().UTC())
	require.NoError(t, s.store.InsertBriefs(s.ctx, []model.StoryBrief{brief}))

	claimed, err := s.store.ClaimNextBrief(s.ctx, 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	t.Run("inside window", func(t *testing.T) {
		_, err := s.pool.Exec(s.ctx, `UPDATE story_briefs SET claimed_at = now() - interval '10 minutes' WHERE id = $1`, brief.ID)
		require.NoError(t, err)
		got, err := s.store.ClaimNextBrief(s.ctx, 30*time.Minute)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("outside window", func(t *testing.T) {
		_, err := s.pool.Exec(s.ctx, `UPDATE story_briefs SET claimed_at = now() - interval '31 minutes' WHERE id = $1`, brief.ID)
		require.NoError(t, err)
		got, err := s.store.ClaimNextBrief(s.ctx, 30*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, brief.ID, got.ID)
		assert.Equal(t, 2, got.ClaimCount)

		kind := string(model.KindUnexpected)
		err = s.store.MarkBriefStatus(s.ctx, claimed.Claim(), model.BriefStatusProcessing, model.BriefStatusFailed, &kind)
		assert.ErrorIs(t, err, repository.ErrStatusConflict, "previous owner must not write after reclaim")

		current, err := s.store.GetBrief(s.ctx, brief.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BriefStatusProcessing, current.Status)

		require.NoError(t, s.store.MarkBriefStatus(s.ctx, got.Claim(), model.BriefStatusProcessing, model.BriefStatusFailed, &kind))
	})
}

func (s *StoreIntegrationSuite) TestMigrationsAreIdempotent() {
	t := s.T()
	m := database.NewMigrator(s.pool, s.logger)

	before, dirty, err := m.Version(s.ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.NotZero(t, before)

	require.NoError(t, m.Up(s.ctx), "re-running up on a current schema is not an error")

	after, _, err := m.Version(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func (s *StoreIntegrationSuite) TestMarkBriefStatus() {
	t := s.T()
	brief := newBrief(0, time.Now().UTC())
	require.NoError(t, s.store.InsertBriefs(s.ctx, []model.StoryBrief{brief}))

	t.Run("wrong expected status", func(t *testing.T) {
		err := s.store.MarkBriefStatus(s.ctx, brief.Claim(), model.BriefStatusProcessing, model.BriefStatusFailed, nil)
		assert.ErrorIs(t, err, repository.ErrStatusConflict)
	})

	t.Run("disallowed transition", func(t *testing.T) {
		err := s.store.MarkBriefStatus(s.ctx, brief.Claim(), model.BriefStatusQueued, model.BriefStatusCompleted, nil)
		assert.ErrorIs(t, err, repository.ErrStatusConflict)
	})

	t.Run("failure with kind", func(t *testing.T) {
		claimed, err := s.store.ClaimNextBrief(s.ctx, 30*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		kind := string(model.KindSafetyGate)
		require.NoError(t, s.store.MarkBriefStatus(s.ctx, claimed.Claim(), model.BriefStatusProcessing, model.BriefStatusFailed, &kind))

		got, err := s.store.GetBrief(s.ctx, brief.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BriefStatusFailed, got.Status)
		require.NotNil(t, got.FailureKind)
		assert.Equal(t, kind, *got.FailureKind)

		count, err := s.store.CountBriefs(s.ctx, model.BriefStatusQueued, model.BriefStatusProcessing)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func (s *StoreIntegrationSuite) TestCommitStoryAndReadBack() {
	t := s.T()
	brief := newBrief(0, time.Now().UTC())
	require.NoError(t, s.store.InsertBriefs(s.ctx, []model.StoryBrief{brief}))
	claimed, err := s.store.ClaimNextBrief(s.ctx, 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	now := time.Now().UTC()
	run := model.NewPipelineRun(brief.ID, now)
	run.Record(model.NewStageResult(model.StageGeneration, model.Passed{}))
	run.AddArtifact(model.StageGeneration, `{"title":"Fox"}`, now)

	story := model.NewDraft(*claimed, "The Fox and the Duckling", []model.Chapter{
		model.NewChapter(1, "Lost", "The duckling could not find the pond."),
		model.NewChapter(2, "Found", "The fox showed the way home."),
	})
	story.ID = uuid.New()
	story.RunID = run.ID
	story.CoverImageRef = "covers/default-cover.jpg"
	story.CoverDegraded = true
	story.SafetyPassed = true
	story.ValuesScore = 4
	story.QualityScore = 82
	story.CreatedAt = now

	run.StoryID = &story.ID
	run.Finalize(now.Add(time.Second), model.RunOutcomeSuccess, nil, nil)

	require.NoError(t, s.store.CommitStory(s.ctx, claimed.Claim(), story, run))

	gotBrief, err := s.store.GetBrief(s.ctx, brief.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BriefStatusCompleted, gotBrief.Status)

	gotStory, err := s.store.GetStory(s.ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, story.Title, gotStory.Title)
	assert.Len(t, gotStory.Chapters, 2)
	assert.True(t, gotStory.CoverDegraded)

	gotRun, err := s.store.GetRun(s.ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, gotRun.Outcome)
	assert.Equal(t, model.RunOutcomeSuccess, *gotRun.Outcome)
	assert.Len(t, gotRun.Stages, 1)
	assert.Len(t, gotRun.Artifacts, 1)
	require.NotNil(t, gotRun.StoryID)
	assert.Equal(t, story.ID, *gotRun.StoryID)

	t.Run("second commit conflicts and leaves no partial write", func(t *testing.T) {
		again := model.NewPipelineRun(brief.ID, now)
		again.Finalize(now, model.RunOutcomeSuccess, nil, nil)
		dup := *story
		dup.ID = uuid.New()
		err := s.store.CommitStory(s.ctx, claimed.Claim(), &dup, again)
		require.Error(t, err)

		_, err = s.store.GetStory(s.ctx, dup.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = s.store.GetRun(s.ctx, again.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func (s *StoreIntegrationSuite) TestInsertRunRejectsUnfinishedRun() {
	run := model.NewPipelineRun(uuid.New(), time.Now().UTC())
	err := s.store.InsertRun(s.ctx, run)
	assert.ErrorIs(s.T(), err, repository.ErrRunNotTerminal)
}
