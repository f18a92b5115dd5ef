package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"story-pipeline/internal/llm"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/metrics"
	"story-pipeline/internal/model"
	"story-pipeline/internal/prompts"
	"story-pipeline/internal/retry"
	"story-pipeline/internal/structured"
)

// Структурные штрафы оценки качества.
const (
	wordDeviationLimit   = 0.35
	wordDeviationPenalty = 10.0
	shortChapterWords    = 40
	shortChapterPenalty  = 5.0
)

// adjustFunc корректирует оценку модели и возвращает заметки о корректировке.
type adjustFunc func(brief model.StoryBrief, draft *model.GeneratedStory, score float64) (float64, []string)

// ScoredGate - мягкая проверка: модель ставит оценку, и она сравнивается
// с порогом. Оценка, равная порогу, проходит.
type ScoredGate struct {
	judge
	stage     model.StageName
	system    string
	schema    *structured.Validator
	threshold float64
	maxScore  float64
	adjust    adjustFunc
}

var _ Gate = (*ScoredGate)(nil)

// NewValuesChecker оценивает, насколько история показывает добродетель брифа (0..5).
func NewValuesChecker(client llm.Client, retrier *retry.Retrier, modelName string, threshold float64) *ScoredGate {
	return newScoredGate(client, retrier, modelName, model.StageValues, prompts.ValuesSystem, structured.SchemaValues, threshold, 5, nil)
}

// NewQualityChecker оценивает общее качество (0..100) с учетом структурных штрафов.
func NewQualityChecker(client llm.Client, retrier *retry.Retrier, modelName string, threshold float64) *ScoredGate {
	return newScoredGate(client, retrier, modelName, model.StageQuality, prompts.QualitySystem, structured.SchemaQuality, threshold, 100, structuralPenalties)
}

func newScoredGate(client llm.Client, retrier *retry.Retrier, modelName string, stage model.StageName, system, schema string, threshold, maxScore float64, adjust adjustFunc) *ScoredGate {
	temperature := 0.0
	return &ScoredGate{
		judge:     judge{client: client, retrier: retrier, model: modelName, maxTokens: 512, temperature: &temperature},
		stage:     stage,
		system:    system,
		schema:    structured.MustLoad(schema),
		threshold: threshold,
		maxScore:  maxScore,
		adjust:    adjust,
	}
}

func (g *ScoredGate) Name() model.StageName { return g.stage }

type scoreVerdict struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Check возвращает Passed{Score} или Failed с категорией threshold_gate.
// Ответ вне диапазона шкалы считается испорченным и повторяется.
func (g *ScoredGate) Check(ctx context.Context, rl *logger.RunLogger, brief model.StoryBrief, draft *model.GeneratedStory) StageReport {
	threshold := g.threshold
	report := StageReport{Threshold: &threshold}

	system, err := prompts.Render(g.system, brief)
	if err != nil {
		report.Outcome = failed(err, model.KindUnexpected)
		return report
	}
	prompt, err := prompts.Render(prompts.ReviewUser, draft)
	if err != nil {
		report.Outcome = failed(err, model.KindUnexpected)
		return report
	}

	var verdict scoreVerdict
	raw, attempts, err := g.ask(ctx, rl, string(g.stage), system, prompt, g.schema, &verdict)
	report.Raw = raw
	report.Attempts = attempts
	if err != nil {
		report.Outcome = failed(err, model.KindUnexpected)
		return report
	}

	score := verdict.Score
	rationale := strings.TrimSpace(verdict.Rationale)
	if g.adjust != nil {
		var notes []string
		score, notes = g.adjust(brief, draft, score)
		if len(notes) > 0 {
			rl.Info("Score adjusted", zap.String("stage", string(g.stage)), zap.Float64("model_score", verdict.Score), zap.Float64("score", score), zap.Strings("adjustments", notes))
			rationale = strings.TrimSpace(rationale + " [" + strings.Join(notes, "; ") + "]")
		}
	}
	score = math.Max(0, math.Min(g.maxScore, score))
	metrics.GateScores.WithLabelValues(string(g.stage)).Observe(score / g.maxScore)

	report.Score = &score
	report.Rationale = rationale
	if score < g.threshold {
		report.Outcome = model.Failed{
			Reason:   fmt.Sprintf("score %.1f below threshold %.1f: %s", score, g.threshold, rationale),
			Category: model.KindThresholdGate,
		}
		return report
	}
	report.Outcome = model.Passed{Score: &score}
	return report
}

// structuralPenalties снимает баллы за отклонение от целевого объема
// и за слишком короткие главы. Результат ограничен диапазоном 0..100.
func structuralPenalties(brief model.StoryBrief, draft *model.GeneratedStory, score float64) (float64, []string) {
	var notes []string
	if brief.WordCountTarget > 0 {
		deviation := math.Abs(float64(draft.TotalWords-brief.WordCountTarget)) / float64(brief.WordCountTarget)
		if deviation > wordDeviationLimit {
			score -= wordDeviationPenalty
			notes = append(notes, fmt.Sprintf("length %d words is %.0f%% off target %d (-%.0f)",
				draft.TotalWords, deviation*100, brief.WordCountTarget, wordDeviationPenalty))
		}
	}
	for _, ch := range draft.Chapters {
		if ch.WordCount < shortChapterWords {
			score -= shortChapterPenalty
			notes = append(notes, fmt.Sprintf("chapter %d has only %d words (-%.0f)", ch.Index, ch.WordCount, shortChapterPenalty))
			break
		}
	}
	return math.Max(0, math.Min(100, score)), notes
}
