package briefs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"story-pipeline/internal/llm"
	"story-pipeline/internal/metrics"
	"story-pipeline/internal/model"
	"story-pipeline/internal/prompts"
	"story-pipeline/internal/retry"
	"story-pipeline/internal/structured"
)

var (
	// ErrInvalidCount - запрошено меньше одного брифа.
	ErrInvalidCount = errors.New("brief count must be at least 1")
	// ErrNoBriefsGenerated - ни один бриф из пачки не удался.
	ErrNoBriefsGenerated = errors.New("no briefs generated")
)

// Catalog - значения осей, из которых собираются брифы.
type Catalog struct {
	Themes        []string
	Genres        []string
	Virtues       []string
	ReadingLevels []string
}

func (c Catalog) validate() error {
	if len(c.Themes) == 0 || len(c.Genres) == 0 || len(c.Virtues) == 0 || len(c.ReadingLevels) == 0 {
		return fmt.Errorf("%w: brief catalog has an empty axis", model.ErrConfiguration)
	}
	return nil
}

// BriefInserter сохраняет новые брифы в статусе queued.
type BriefInserter interface {
	InsertBriefs(ctx context.Context, briefs []model.StoryBrief) error
}

// GenerateReport - итог генерации пачки.
type GenerateReport struct {
	Requested int
	Inserted  int
	Failed    int
	Briefs    []model.StoryBrief
}

type combo struct {
	theme, genre, virtue, level string
}

func (c combo) fingerprint() string {
	return model.Fingerprint(c.theme, c.genre, c.virtue, c.level)
}

type briefResponse struct {
	Premise         string `json:"premise"`
	TitleHint       string `json:"title_hint"`
	WordCountTarget int    `json:"word_count_target"`
}

// Generator синтезирует брифы через LLM.
type Generator struct {
	client  llm.Client
	retrier *retry.Retrier
	model   string
	catalog Catalog
	store   BriefInserter
	seen    FingerprintSet
	schema  *structured.Validator
	rnd     *rand.Rand
	now     func() time.Time
	logger  *zap.Logger
}

// GeneratorOption настраивает Generator.
type GeneratorOption func(*Generator)

// WithFingerprints подключает межпакетный набор отпечатков (например, Redis).
func WithFingerprints(set FingerprintSet) GeneratorOption {
	return func(g *Generator) { g.seen = set }
}

// WithSeed фиксирует порядок перебора комбинаций.
func WithSeed(seed int64) GeneratorOption {
	return func(g *Generator) { g.rnd = rand.New(rand.NewSource(seed)) }
}

// NewGenerator создает генератор брифов.
func NewGenerator(client llm.Client, retrier *retry.Retrier, modelName string, catalog Catalog, store BriefInserter, logger *zap.Logger, opts ...GeneratorOption) (*Generator, error) {
	if err := catalog.validate(); err != nil {
		return nil, err
	}
	g := &Generator{
		client:  client,
		retrier: retrier,
		model:   modelName,
		catalog: catalog,
		store:   store,
		seen:    NewMemoryFingerprints(),
		schema:  structured.MustLoad(structured.SchemaBrief),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		logger:  logger.Named("BriefGenerator"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate создает до count брифов. Отдельные провалы пропускаются;
// ErrNoBriefsGenerated возвращается, только если не удался ни один.
func (g *Generator) Generate(ctx context.Context, count int) (*GenerateReport, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	report := &GenerateReport{Requested: count}

	plan, err := g.plan(ctx, count)
	if err != nil {
		return nil, err
	}
	if len(plan) < count {
		g.logger.Warn("Not enough fresh axis combinations",
			zap.Int("requested", count),
			zap.Int("planned", len(plan)),
		)
	}

	var lastErr error
	for _, c := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		brief, err := g.synthesize(ctx, c)
		if err != nil {
			lastErr = err
			report.Failed++
			metrics.BriefsGenerated.WithLabelValues("failed").Inc()
			g.logger.Warn("Brief synthesis failed, skipping",
				zap.String("fingerprint", c.fingerprint()),
				zap.Error(err),
			)
			continue
		}
		report.Briefs = append(report.Briefs, brief)
	}
	report.Failed += count - len(plan)

	if len(report.Briefs) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no fresh axis combinations left")
		}
		return report, fmt.Errorf("%w: %w", ErrNoBriefsGenerated, lastErr)
	}

	if err := g.store.InsertBriefs(ctx, report.Briefs); err != nil {
		return report, fmt.Errorf("insert generated briefs: %w", err)
	}
	report.Inserted = len(report.Briefs)
	metrics.BriefsGenerated.WithLabelValues("inserted").Add(float64(report.Inserted))

	fps := make([]string, 0, len(report.Briefs))
	for _, b := range report.Briefs {
		fps = append(fps, b.Fingerprint())
	}
	if err := g.seen.Add(ctx, fps); err != nil {
		// Брифы уже в очереди, потеря отпечатков только ослабляет дедупликацию.
		g.logger.Warn("Failed to remember brief fingerprints", zap.Error(err))
	}

	g.logger.Info("Briefs generated",
		zap.Int("requested", report.Requested),
		zap.Int("inserted", report.Inserted),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// plan выбирает count различных комбинаций осей, которых еще не было.
func (g *Generator) plan(ctx context.Context, count int) ([]combo, error) {
	all := make([]combo, 0, len(g.catalog.Themes)*len(g.catalog.Genres)*len(g.catalog.Virtues)*len(g.catalog.ReadingLevels))
	for _, t := range g.catalog.Themes {
		for _, gen := range g.catalog.Genres {
			for _, v := range g.catalog.Virtues {
				for _, l := range g.catalog.ReadingLevels {
					all = append(all, combo{theme: t, genre: gen, virtue: v, level: l})
				}
			}
		}
	}
	g.rnd.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	fps := make([]string, len(all))
	for i, c := range all {
		fps[i] = c.fingerprint()
	}
	seen, err := g.seen.Seen(ctx, fps)
	if err != nil {
		// Без набора отпечатков продолжаем с дедупликацией только внутри пачки.
		g.logger.Warn("Fingerprint lookup failed, deduplicating within batch only", zap.Error(err))
		seen = map[string]bool{}
	}

	plan := make([]combo, 0, count)
	used := make(map[string]bool, count)
	for i, c := range all {
		if len(plan) == count {
			break
		}
		fp := fps[i]
		if used[fp] || seen[fp] {
			if seen[fp] {
				metrics.BriefsGenerated.WithLabelValues("duplicate").Inc()
			}
			continue
		}
		used[fp] = true
		plan = append(plan, c)
	}
	return plan, nil
}

// synthesize одним вызовом модели превращает комбинацию осей в бриф.
func (g *Generator) synthesize(ctx context.Context, c combo) (model.StoryBrief, error) {
	minWords, maxWords := model.WordCountRange(c.level)
	system, err := prompts.Render(prompts.BriefSystem, nil)
	if err != nil {
		return model.StoryBrief{}, err
	}
	prompt, err := prompts.Render(prompts.BriefUser, map[string]any{
		"Theme":        c.theme,
		"Genre":        c.genre,
		"Virtue":       c.virtue,
		"ReadingLevel": c.level,
		"MinWords":     minWords,
		"MaxWords":     maxWords,
	})
	if err != nil {
		return model.StoryBrief{}, err
	}

	var resp briefResponse
	_, err = g.retrier.Do(ctx, g.logger, "brief", func(ctx context.Context) error {
		out, err := g.client.Complete(ctx, llm.Request{
			System: system,
			Prompt: prompt,
			Model:  g.model,
			JSON:   true,
		})
		if err != nil {
			return err
		}
		return g.schema.Decode(out.Text, &resp)
	})
	if err != nil {
		return model.StoryBrief{}, err
	}

	target := resp.WordCountTarget
	if target == 0 {
		target = (minWords + maxWords) / 2
	}
	return model.StoryBrief{
		ID:              uuid.New(),
		Theme:           c.theme,
		ReadingLevel:    c.level,
		Virtue:          c.virtue,
		Genre:           c.genre,
		Premise:         strings.TrimSpace(resp.Premise),
		WordCountTarget: model.ClampWordCount(c.level, target),
		Status:          model.BriefStatusQueued,
		CreatedAt:       g.now().UTC(),
	}, nil
}
