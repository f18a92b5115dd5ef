package pipeline_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"story-pipeline/internal/imagegen"
	"story-pipeline/internal/llm"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/mocks"
	"story-pipeline/internal/model"
	"story-pipeline/internal/pipeline"
	"story-pipeline/internal/retry"
)

// Фрагменты системных промптов, по которым отличаются вызовы стадий.
const (
	storyPrompt   = "award-winning author"
	safetyPrompt  = "content safety reviewer"
	valuesPrompt  = "model the virtue"
	qualityPrompt = "editor of children's books"
)

const fallbackCover = "covers/default-cover.jpg"

func forStage(fragment string) any {
	return mock.MatchedBy(func(req llm.Request) bool {
		return strings.Contains(req.System, fragment)
	})
}

func reply(text string) llm.Response {
	return llm.Response{Text: text, Model: "test-model"}
}

// chapterBody возвращает текст ровно из words слов без запрещенных терминов.
func chapterBody(words int) string {
	w := strings.Fields(strings.Repeat("the little fox carried the lost duckling home along the river ", words/10+1))
	return strings.Join(w[:words], " ")
}

// storyJSON - ответ генератора из трех глав по 100 слов.
func storyJSON() string {
	return storyJSONWithBody(chapterBody(100))
}

func storyJSONWithBody(body string) string {
	return fmt.Sprintf(`{"title": "The Fox and the Duckling", "chapters": [
		{"title": "Lost", "body": %q},
		{"title": "Searching", "body": %q},
		{"title": "Home", "body": %q}]}`, body, body, body)
}

func safetyJSON(safe bool) string {
	return fmt.Sprintf(`{"safe": %t, "rationale": "reviewed", "flags": []}`, safe)
}

func scoreJSON(score float64) string {
	return fmt.Sprintf(`{"score": %g, "rationale": "judged"}`, score)
}

func testBrief() model.StoryBrief {
	now := time.Now().UTC()
	return model.StoryBrief{
		ID:              uuid.New(),
		Theme:           "friendship",
		ReadingLevel:    model.ReadingLevelEarly,
		Virtue:          "kindness",
		Genre:           "fable",
		Premise:         "A small fox helps a lost duckling find its pond.",
		WordCountTarget: 300,
		Status:          model.BriefStatusProcessing,
		ClaimCount:      1,
		CreatedAt:       now,
		ClaimedAt:       &now,
	}
}

func testRunLogger() *logger.RunLogger {
	return logger.NewRunLogger(zap.NewNop(), uuid.New(), uuid.New())
}

func noSleep(context.Context, time.Duration) error { return nil }

func testRetrier(attempts int) *retry.Retrier {
	return retry.New(retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}).WithSleep(noSleep)
}

// briefMarks запоминает переводы брифа в failed.
type briefMarks struct {
	mu     sync.Mutex
	kinds  map[uuid.UUID]model.ErrorKind
	claims map[uuid.UUID]model.BriefClaim
}

func (b *briefMarks) MarkFailed(_ context.Context, claim model.BriefClaim, kind model.ErrorKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kinds == nil {
		b.kinds = make(map[uuid.UUID]model.ErrorKind)
		b.claims = make(map[uuid.UUID]model.BriefClaim)
	}
	b.kinds[claim.BriefID] = kind
	b.claims[claim.BriefID] = claim
	return nil
}

func (b *briefMarks) claim(id uuid.UUID) model.BriefClaim {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claims[id]
}

func (b *briefMarks) kind(id uuid.UUID) (model.ErrorKind, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.kinds[id]
	return k, ok
}

// harness собирает раннер на моках.
type harness struct {
	llm       *mocks.MockLLMClient
	images    *mocks.MockImageGenerator
	store     *mocks.MockStore
	publisher *mocks.MockPublisher
	briefs    *briefMarks
	runner    *pipeline.Runner

	mu        sync.Mutex
	inserted  []*model.PipelineRun
	committed *model.PipelineRun
	story     *model.GeneratedStory
	claim     model.BriefClaim
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		llm:       mocks.NewMockLLMClient(t),
		images:    mocks.NewMockImageGenerator(t),
		store:     mocks.NewMockStore(t),
		publisher: mocks.NewMockPublisher(t),
		briefs:    &briefMarks{},
	}
	retrier := testRetrier(2)
	stages := pipeline.Stages{
		Generator:   pipeline.NewStoryGenerator(h.llm, retrier, "test-model", 4000, 0.8),
		Safety:      pipeline.NewSafetyChecker(h.llm, retrier, "judge-model", []string{"blood", "hate you"}),
		Values:      pipeline.NewValuesChecker(h.llm, retrier, "judge-model", 3),
		Quality:     pipeline.NewQualityChecker(h.llm, retrier, "judge-model", 70),
		Illustrator: pipeline.NewCoverArtGenerator(h.images, testRetrier(2), fallbackCover, "2:3", "soft watercolor"),
	}
	h.runner = pipeline.NewRunner(stages, h.store, h.briefs, zap.NewNop(), pipeline.WithPublisher(h.publisher))
	return h
}

func (h *harness) onStory(text string) {
	h.llm.On("Complete", mock.Anything, forStage(storyPrompt)).Return(reply(text), nil).Maybe()
}

func (h *harness) onSafety(safe bool) {
	h.llm.On("Complete", mock.Anything, forStage(safetyPrompt)).Return(reply(safetyJSON(safe)), nil).Maybe()
}

func (h *harness) onValues(score float64) {
	h.llm.On("Complete", mock.Anything, forStage(valuesPrompt)).Return(reply(scoreJSON(score)), nil).Maybe()
}

func (h *harness) onQuality(score float64) {
	h.llm.On("Complete", mock.Anything, forStage(qualityPrompt)).Return(reply(scoreJSON(score)), nil).Maybe()
}

func (h *harness) onCover(ref string, err error) {
	h.images.On("Generate", mock.Anything, mock.Anything).Return(imagegen.Result{Ref: ref}, err).Maybe()
}

// expectRunInsert ожидает запись проваленного прогона.
func (h *harness) expectRunInsert() {
	h.store.On("InsertRun", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.inserted = append(h.inserted, args.Get(1).(*model.PipelineRun))
	}).Return(nil).Once()
}

// expectCommit ожидает транзакцию сохранения истории.
func (h *harness) expectCommit(err error) {
	h.store.On("CommitStory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.claim = args.Get(1).(model.BriefClaim)
		h.story = args.Get(2).(*model.GeneratedStory)
		h.committed = args.Get(3).(*model.PipelineRun)
	}).Return(err).Once()
}

func (h *harness) expectPublish() {
	h.publisher.On("StoryReady", mock.Anything, mock.Anything).Return(nil).Once()
}

// stageNames возвращает имена стадий в порядке записи.
func stageNames(run *model.PipelineRun) []model.StageName {
	names := make([]model.StageName, 0, len(run.Stages))
	for _, s := range run.Stages {
		names = append(names, s.Stage)
	}
	return names
}
