package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"story-pipeline/internal/llm"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/model"
	"story-pipeline/internal/prompts"
	"story-pipeline/internal/retry"
	"story-pipeline/internal/structured"
)

// SafetyChecker - жесткая проверка. Сначала список запрещенных слов,
// затем вердикт модели. Отрицательный вердикт не повторяется.
type SafetyChecker struct {
	judge
	schema  *structured.Validator
	blocked []blockedTerm
}

type blockedTerm struct {
	term string
	re   *regexp.Regexp
}

var _ Gate = (*SafetyChecker)(nil)

// NewSafetyChecker создает проверку. Термины сравниваются без учета регистра
// по границам слов.
func NewSafetyChecker(client llm.Client, retrier *retry.Retrier, modelName string, blockedTerms []string) *SafetyChecker {
	temperature := 0.0
	s := &SafetyChecker{
		judge:  judge{client: client, retrier: retrier, model: modelName, maxTokens: 512, temperature: &temperature},
		schema: structured.MustLoad(structured.SchemaSafety),
	}
	for _, term := range blockedTerms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		s.blocked = append(s.blocked, blockedTerm{term: term, re: re})
	}
	return s
}

func (s *SafetyChecker) Name() model.StageName { return model.StageSafety }

// flexBool принимает true/false, 0/1 и строки "true"/"false"/"yes"/"no".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case float64:
		*b = t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "safe", "1":
			*b = true
		case "false", "no", "unsafe", "0":
			*b = false
		default:
			return fmt.Errorf("unrecognized boolean %s", strconv.Quote(t))
		}
	default:
		return fmt.Errorf("unrecognized boolean %s", string(data))
	}
	return nil
}

type safetyVerdict struct {
	Safe      flexBool `json:"safe"`
	Rationale string   `json:"rationale"`
	Flags     []string `json:"flags"`
}

// Check возвращает Passed или Failed с категорией safety_gate.
func (s *SafetyChecker) Check(ctx context.Context, rl *logger.RunLogger, _ model.StoryBrief, draft *model.GeneratedStory) StageReport {
	text := draft.Text()
	for _, b := range s.blocked {
		if b.re.MatchString(text) {
			rl.Warn("Draft contains blocked term", zap.String("term", b.term))
			return StageReport{
				Outcome: model.Failed{
					Reason:   fmt.Sprintf("blocked term %q found", b.term),
					Category: model.KindSafetyGate,
				},
			}
		}
	}

	system, err := prompts.Render(prompts.SafetySystem, nil)
	if err != nil {
		return StageReport{Outcome: failed(err, model.KindUnexpected)}
	}
	prompt, err := prompts.Render(prompts.ReviewUser, draft)
	if err != nil {
		return StageReport{Outcome: failed(err, model.KindUnexpected)}
	}

	var verdict safetyVerdict
	raw, attempts, err := s.ask(ctx, rl, string(model.StageSafety), system, prompt, s.schema, &verdict)
	report := StageReport{Raw: raw, Attempts: attempts, Rationale: verdict.Rationale}
	if err != nil {
		report.Outcome = failed(err, model.KindUnexpected)
		return report
	}
	if !verdict.Safe {
		reason := verdict.Rationale
		if len(verdict.Flags) > 0 {
			reason = fmt.Sprintf("%s (flags: %s)", reason, strings.Join(verdict.Flags, ", "))
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "story judged unsafe"
		}
		report.Outcome = model.Failed{Reason: reason, Category: model.KindSafetyGate}
		return report
	}
	report.Outcome = model.Passed{}
	return report
}
