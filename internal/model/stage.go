package model

import "time"

// StageName - имя стадии пайплайна.
type StageName string

const (
	StageGeneration  StageName = "generation"
	StageSafety      StageName = "safety"
	StageValues      StageName = "values"
	StageQuality     StageName = "quality"
	StageCoverArt    StageName = "cover_art"
	StagePersistence StageName = "persistence"
)

// StageStatus - итог стадии в записи прогона.
type StageStatus string

const (
	StageStatusPassed   StageStatus = "passed"
	StageStatusFailed   StageStatus = "failed"
	StageStatusDegraded StageStatus = "degraded"
)

// Outcome - закрытый вариант результата стадии: Passed, Failed или Degraded.
// Раннер разбирает его через type switch.
type Outcome interface {
	Status() StageStatus
	isOutcome()
}

// Passed - стадия пройдена. Score заполняется у оценочных стадий.
type Passed struct {
	Score *float64
}

// Failed - стадия провалена. Category определяет, как прогон будет классифицирован.
type Failed struct {
	Reason   string
	Category ErrorKind
	Err      error
}

// Degraded - стадия завершилась с подменой результата на запасной.
type Degraded struct {
	FallbackUsed string
	Note         string
}

func (Passed) Status() StageStatus   { return StageStatusPassed }
func (Failed) Status() StageStatus   { return StageStatusFailed }
func (Degraded) Status() StageStatus { return StageStatusDegraded }

func (Passed) isOutcome()   {}
func (Failed) isOutcome()   {}
func (Degraded) isOutcome() {}

// AsError превращает провал стадии в классифицированную ошибку.
func (f Failed) AsError(stage StageName) *PipelineError {
	err := f.Err
	if err == nil {
		err = errorString(f.Reason)
	}
	return NewError(f.Category, stage, err)
}

type errorString string

func (e errorString) Error() string { return string(e) }

// StageResult - запись о выполнении одной стадии.
// Сырой вывод модели хранится отдельным артефактом, здесь только ссылка.
type StageResult struct {
	Stage     StageName     `json:"stage"`
	Status    StageStatus   `json:"status"`
	Score     *float64      `json:"score,omitempty"`
	Threshold *float64      `json:"threshold,omitempty"`
	Rationale string        `json:"rationale,omitempty"`
	Category  *ErrorKind    `json:"category,omitempty"`
	Attempts  int           `json:"attempts"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	OutputRef *string       `json:"output_ref,omitempty"`
}

// Passed сообщает, позволяет ли результат продолжить прогон.
func (r StageResult) Passed() bool {
	return r.Status != StageStatusFailed
}

// NewStageResult строит запись стадии из варианта результата.
func NewStageResult(stage StageName, outcome Outcome) StageResult {
	res := StageResult{Stage: stage, Status: outcome.Status()}
	switch o := outcome.(type) {
	case Passed:
		res.Score = o.Score
	case Failed:
		category := o.Category
		res.Category = &category
		res.Rationale = o.Reason
	case Degraded:
		category := KindIllustrationDegraded
		res.Category = &category
		res.Rationale = o.Note
	}
	return res
}

// Float возвращает указатель на значение. Удобно для Score/Threshold.
func Float(v float64) *float64 { return &v }
