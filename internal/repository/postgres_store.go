package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"story-pipeline/internal/database"
	"story-pipeline/internal/model"
)

const briefColumns = `id, theme, reading_level, virtue, genre, premise, word_count_target, priority,
       status, failure_kind, claim_count, created_at, claimed_at, updated_at`

const (
	// Подзапрос блокирует выбранную строку (SKIP LOCKED), внешний UPDATE
	// повторно проверяет ожидаемый статус. Два конкурентных вызова не могут
	// получить один и тот же бриф.
	claimNextBriefQuery = `
        UPDATE story_briefs AS b
        SET status = 'processing',
            claimed_at = now(),
            claim_count = b.claim_count + 1,
            updated_at = now()
        WHERE b.id = (
            SELECT id FROM story_briefs
            WHERE status = 'queued'
               OR (status = 'processing' AND claimed_at < now() - make_interval(secs => $1))
            ORDER BY priority DESC, created_at ASC
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
          AND (b.status = 'queued'
               OR (b.status = 'processing' AND b.claimed_at < now() - make_interval(secs => $1)))
        RETURNING ` + briefColumns

	insertBriefQuery = `
        INSERT INTO story_briefs (id, theme, reading_level, virtue, genre, premise, word_count_target,
                                  priority, status, fingerprint, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued', $9, $10, $10)`

	markBriefStatusQuery = `
        UPDATE story_briefs
        SET status = $3,
            failure_kind = COALESCE($4, failure_kind),
            updated_at = now()
        WHERE id = $1 AND status = $2 AND claim_count = $5`

	countBriefsQuery = `SELECT count(*) FROM story_briefs WHERE status = ANY($1)`

	getBriefQuery = `SELECT ` + briefColumns + ` FROM story_briefs WHERE id = $1`

	insertStoryQuery = `
        INSERT INTO stories (id, brief_id, run_id, title, chapters, total_words, reading_minutes,
                             cover_image_ref, cover_degraded, safety_passed, values_score, quality_score, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	getStoryQuery = `
        SELECT id, brief_id, run_id, title, chapters, total_words, reading_minutes, cover_image_ref,
               cover_degraded, safety_passed, values_score, quality_score, created_at
        FROM stories WHERE id = $1`

	insertRunQuery = `
        INSERT INTO pipeline_runs (id, brief_id, started_at, ended_at, outcome, failed_stage, error_kind,
                                   error, notes, duration_ms, story_id, stages)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	insertArtifactQuery = `
        INSERT INTO run_artifacts (ref, run_id, stage, content, created_at)
        VALUES ($1, $2, $3, $4, $5)`

	getRunQuery = `
        SELECT id, brief_id, started_at, ended_at, outcome, failed_stage, error_kind, error, notes,
               duration_ms, story_id, stages
        FROM pipeline_runs WHERE id = $1`

	getRunArtifactsQuery = `
        SELECT ref, stage, content, created_at FROM run_artifacts WHERE run_id = $1 ORDER BY created_at, ref`
)

// PostgresStore реализует Store поверх pgxpool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore создает хранилище.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger.Named("PostgresStore")}
}

// ClaimNextBrief захватывает следующий бриф одной условной операцией UPDATE.
func (s *PostgresStore) ClaimNextBrief(ctx context.Context, staleAfter time.Duration) (*model.StoryBrief, error) {
	var brief model.StoryBrief
	err := pgxscan.Get(ctx, s.pool, &brief, claimNextBriefQuery, staleAfter.Seconds())
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		s.logger.Error("Failed to claim next brief", zap.Error(err))
		return nil, fmt.Errorf("failed to claim next brief: %w", err)
	}
	s.logger.Info("Brief claimed",
		zap.String("brief_id", brief.ID.String()),
		zap.Int("claim_count", brief.ClaimCount),
	)
	return &brief, nil
}

// InsertBriefs вставляет пачку брифов со статусом queued в одной транзакции.
func (s *PostgresStore) InsertBriefs(ctx context.Context, briefs []model.StoryBrief) error {
	if len(briefs) == 0 {
		return nil
	}
	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, b := range briefs {
			createdAt := b.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			batch.Queue(insertBriefQuery, b.ID, b.Theme, b.ReadingLevel, b.Virtue, b.Genre, b.Premise,
				b.WordCountTarget, b.Priority, b.Fingerprint(), createdAt)
		}
		results := tx.SendBatch(ctx, batch)
		for i := range briefs {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert brief %s: %w", briefs[i].ID, err)
			}
		}
		return results.Close()
	})
	if err != nil {
		s.logger.Error("Failed to insert briefs", zap.Int("count", len(briefs)), zap.Error(err))
		return fmt.Errorf("failed to insert briefs: %w", err)
	}
	s.logger.Info("Briefs inserted", zap.Int("count", len(briefs)))
	return nil
}

// InsertRun записывает финализированный прогон вместе с артефактами.
func (s *PostgresStore) InsertRun(ctx context.Context, run *model.PipelineRun) error {
	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return insertRun(ctx, tx, run)
	})
	if err != nil {
		s.logger.Error("Failed to insert run", zap.String("run_id", run.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// InsertStory записывает историю вне транзакции коммита.
func (s *PostgresStore) InsertStory(ctx context.Context, story *model.GeneratedStory) error {
	if err := insertStory(ctx, s.pool, story); err != nil {
		s.logger.Error("Failed to insert story", zap.String("story_id", story.ID.String()), zap.Error(err))
		return err
	}
	return nil
}

// MarkBriefStatus меняет статус только если текущий статус равен from, а
// бриф не был перезахвачен после claim.
func (s *PostgresStore) MarkBriefStatus(ctx context.Context, claim model.BriefClaim, from, to model.BriefStatus, failureKind *string) error {
	if err := markBriefStatus(ctx, s.pool, claim, from, to, failureKind); err != nil {
		s.logger.Error("Failed to mark brief status",
			zap.String("brief_id", claim.BriefID.String()),
			zap.Int("claim_count", claim.ClaimCount),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// CommitStory сохраняет историю, завершает бриф и пишет прогон атомарно.
func (s *PostgresStore) CommitStory(ctx context.Context, claim model.BriefClaim, story *model.GeneratedStory, run *model.PipelineRun) error {
	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertStory(ctx, tx, story); err != nil {
			return err
		}
		if err := markBriefStatus(ctx, tx, claim, model.BriefStatusProcessing, model.BriefStatusCompleted, nil); err != nil {
			return err
		}
		return insertRun(ctx, tx, run)
	})
	if err != nil {
		s.logger.Error("Failed to commit story",
			zap.String("story_id", story.ID.String()),
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("failed to commit story: %w", err)
	}
	s.logger.Info("Story committed", zap.String("story_id", story.ID.String()), zap.String("run_id", run.ID.String()))
	return nil
}

// CountBriefs считает брифы с указанными статусами.
func (s *PostgresStore) CountBriefs(ctx context.Context, statuses ...model.BriefStatus) (int, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	var count int
	if err := s.pool.QueryRow(ctx, countBriefsQuery, pq.Array(values)).Scan(&count); err != nil {
		s.logger.Error("Failed to count briefs", zap.Strings("statuses", values), zap.Error(err))
		return 0, fmt.Errorf("failed to count briefs: %w", err)
	}
	return count, nil
}

// GetBrief возвращает бриф по ID.
func (s *PostgresStore) GetBrief(ctx context.Context, id uuid.UUID) (*model.StoryBrief, error) {
	var brief model.StoryBrief
	if err := pgxscan.Get(ctx, s.pool, &brief, getBriefQuery, id); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get brief %s: %w", id, err)
	}
	return &brief, nil
}

// GetRun возвращает прогон со стадиями и артефактами.
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*model.PipelineRun, error) {
	var (
		run                          model.PipelineRun
		endedAt                      time.Time
		outcome                      string
		failedStage, errKind, errMsg *string
		durationMs                   int64
		stages                       []byte
	)
	err := s.pool.QueryRow(ctx, getRunQuery, id).Scan(
		&run.ID, &run.BriefID, &run.StartedAt, &endedAt, &outcome, &failedStage, &errKind, &errMsg,
		&run.Notes, &durationMs, &run.StoryID, &stages,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error("Failed to get run", zap.String("run_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	run.EndedAt = &endedAt
	runOutcome := model.RunOutcome(outcome)
	run.Outcome = &runOutcome
	run.Duration = time.Duration(durationMs) * time.Millisecond
	run.Error = errMsg
	if failedStage != nil {
		stage := model.StageName(*failedStage)
		run.FailedStage = &stage
	}
	if errKind != nil {
		kind := model.ErrorKind(*errKind)
		run.ErrorKind = &kind
	}
	if err := json.Unmarshal(stages, &run.Stages); err != nil {
		return nil, fmt.Errorf("failed to decode stages of run %s: %w", id, err)
	}
	if err := pgxscan.Select(ctx, s.pool, &run.Artifacts, getRunArtifactsQuery, id); err != nil {
		return nil, fmt.Errorf("failed to get artifacts of run %s: %w", id, err)
	}
	return &run, nil
}

// GetStory возвращает сохраненную историю.
func (s *PostgresStore) GetStory(ctx context.Context, id uuid.UUID) (*model.GeneratedStory, error) {
	var (
		story    model.GeneratedStory
		chapters []byte
	)
	err := s.pool.QueryRow(ctx, getStoryQuery, id).Scan(
		&story.ID, &story.BriefID, &story.RunID, &story.Title, &chapters, &story.TotalWords,
		&story.ReadingMinutes, &story.CoverImageRef, &story.CoverDegraded, &story.SafetyPassed,
		&story.ValuesScore, &story.QualityScore, &story.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get story %s: %w", id, err)
	}
	if err := json.Unmarshal(chapters, &story.Chapters); err != nil {
		return nil, fmt.Errorf("failed to decode chapters of story %s: %w", id, err)
	}
	return &story, nil
}

func insertStory(ctx context.Context, q database.DBTX, story *model.GeneratedStory) error {
	chapters, err := json.Marshal(story.Chapters)
	if err != nil {
		return fmt.Errorf("failed to encode chapters: %w", err)
	}
	_, err = q.Exec(ctx, insertStoryQuery,
		story.ID, story.BriefID, story.RunID, story.Title, chapters, story.TotalWords, story.ReadingMinutes,
		story.CoverImageRef, story.CoverDegraded, story.SafetyPassed, story.ValuesScore, story.QualityScore,
		story.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert story %s: %w", story.ID, err)
	}
	return nil
}

func markBriefStatus(ctx context.Context, q database.DBTX, claim model.BriefClaim, from, to model.BriefStatus, failureKind *string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: transition %s -> %s is not allowed", ErrStatusConflict, from, to)
	}
	tag, err := q.Exec(ctx, markBriefStatusQuery, claim.BriefID, string(from), string(to), failureKind, claim.ClaimCount)
	if err != nil {
		return fmt.Errorf("failed to update brief %s status: %w", claim.BriefID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: brief %s is not in status %s under claim %d",
			ErrStatusConflict, claim.BriefID, from, claim.ClaimCount)
	}
	return nil
}

func insertRun(ctx context.Context, q database.DBTX, run *model.PipelineRun) error {
	if !run.IsTerminal() || run.EndedAt == nil {
		return ErrRunNotTerminal
	}
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("failed to encode stages: %w", err)
	}
	var failedStage, errKind *string
	if run.FailedStage != nil {
		v := string(*run.FailedStage)
		failedStage = &v
	}
	if run.ErrorKind != nil {
		v := string(*run.ErrorKind)
		errKind = &v
	}
	notes := run.Notes
	if notes == nil {
		notes = []string{}
	}

	_, err = q.Exec(ctx, insertRunQuery,
		run.ID, run.BriefID, run.StartedAt, *run.EndedAt, string(*run.Outcome), failedStage, errKind,
		run.Error, pq.Array(notes), run.Duration.Milliseconds(), run.StoryID, stages,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if len(run.Artifacts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range run.Artifacts {
		batch.Queue(insertArtifactQuery, a.Ref, run.ID, string(a.Stage), a.Content, a.CreatedAt)
	}
	results := q.SendBatch(ctx, batch)
	for range run.Artifacts {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to insert run artifact: %w", err)
		}
	}
	return results.Close()
}
