package model

import (
	"time"

	"github.com/google/uuid"
)

// RunOutcome - итог прогона.
type RunOutcome string

const (
	RunOutcomeSuccess RunOutcome = "success"
	RunOutcomeFailure RunOutcome = "failure"
)

// RunState - состояние машины состояний прогона.
type RunState string

const (
	RunStateStarted         RunState = "started"
	RunStateGenerating      RunState = "generating"
	RunStateCheckingSafety  RunState = "checking_safety"
	RunStateCheckingValues  RunState = "checking_values"
	RunStateCheckingQuality RunState = "checking_quality"
	RunStateIllustrating    RunState = "illustrating"
	RunStatePersisting      RunState = "persisting"
	RunStateSucceeded       RunState = "succeeded"
	RunStateFailed          RunState = "failed"
)

var runStateOrder = map[RunState]int{
	RunStateStarted:         0,
	RunStateGenerating:      1,
	RunStateCheckingSafety:  2,
	RunStateCheckingValues:  3,
	RunStateCheckingQuality: 4,
	RunStateIllustrating:    5,
	RunStatePersisting:      6,
}

// IsTerminal - Succeeded и Failed конечные.
func (s RunState) IsTerminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed
}

// CanTransition разрешает только шаг вперед на следующее состояние,
// переход в Failed из любого нетерминального и Succeeded только из Persisting.
func (s RunState) CanTransition(next RunState) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case RunStateFailed:
		return true
	case RunStateSucceeded:
		return s == RunStatePersisting
	}
	cur, ok := runStateOrder[s]
	if !ok {
		return false
	}
	nxt, ok := runStateOrder[next]
	return ok && nxt == cur+1
}

// Artifact - сырой вывод стадии, сохраняемый для аудита.
type Artifact struct {
	Ref       string    `json:"ref" db:"ref"`
	Stage     StageName `json:"stage" db:"stage"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PipelineRun - запись одного прогона пайплайна по одному брифу.
// Стадии хранятся в порядке выполнения; недостигнутых стадий в записи нет.
type PipelineRun struct {
	ID          uuid.UUID     `json:"id"`
	BriefID     uuid.UUID     `json:"brief_id"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Stages      []StageResult `json:"stages"`
	Outcome     *RunOutcome   `json:"outcome,omitempty"`
	FailedStage *StageName    `json:"failed_stage,omitempty"`
	ErrorKind   *ErrorKind    `json:"error_kind,omitempty"`
	Error       *string       `json:"error,omitempty"`
	Notes       []string      `json:"notes,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	StoryID     *uuid.UUID    `json:"story_id,omitempty"`
	Artifacts   []Artifact    `json:"artifacts,omitempty"`
}

// NewPipelineRun создает прогон в начальном состоянии.
func NewPipelineRun(briefID uuid.UUID, now time.Time) *PipelineRun {
	return &PipelineRun{
		ID:        uuid.New(),
		BriefID:   briefID,
		StartedAt: now,
		Stages:    make([]StageResult, 0, 6),
	}
}

// IsTerminal сообщает, что итог прогона уже записан.
func (r *PipelineRun) IsTerminal() bool {
	return r.Outcome != nil
}

// Record добавляет результат стадии. После финализации запись не меняется.
func (r *PipelineRun) Record(res StageResult) {
	if r.IsTerminal() {
		return
	}
	r.Stages = append(r.Stages, res)
}

// Stage ищет результат стадии по имени.
func (r *PipelineRun) Stage(name StageName) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// AddArtifact сохраняет сырой вывод и возвращает ссылку на него.
func (r *PipelineRun) AddArtifact(stage StageName, content string, now time.Time) string {
	ref := uuid.NewString()
	if r.IsTerminal() {
		return ref
	}
	r.Artifacts = append(r.Artifacts, Artifact{Ref: ref, Stage: stage, Content: content, CreatedAt: now})
	return ref
}

// AddNote добавляет заметку к прогону (например, о деградации обложки).
func (r *PipelineRun) AddNote(note string) {
	if r.IsTerminal() || note == "" {
		return
	}
	r.Notes = append(r.Notes, note)
}

// Finalize фиксирует итог прогона. Повторный вызов ничего не меняет и возвращает false.
func (r *PipelineRun) Finalize(now time.Time, outcome RunOutcome, failed *StageName, cause error) bool {
	if r.IsTerminal() {
		return false
	}
	end := now
	r.EndedAt = &end
	r.Duration = end.Sub(r.StartedAt)
	r.FailedStage = failed
	if cause != nil {
		msg := cause.Error()
		kind := Classify(cause)
		r.Error = &msg
		r.ErrorKind = &kind
	}
	r.Outcome = &outcome
	return true
}

// Succeeded - true, если прогон завершен успешно.
func (r *PipelineRun) Succeeded() bool {
	return r.Outcome != nil && *r.Outcome == RunOutcomeSuccess
}

// Clone делает глубокую копию прогона. Персистер финализирует копию,
// чтобы при ошибке записи исходный прогон можно было завершить как провал.
func (r *PipelineRun) Clone() *PipelineRun {
	c := *r
	c.Stages = append([]StageResult(nil), r.Stages...)
	c.Artifacts = append([]Artifact(nil), r.Artifacts...)
	c.Notes = append([]string(nil), r.Notes...)
	return &c
}
