package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BriefStatus - статус брифа в очереди.
type BriefStatus string

const (
	BriefStatusQueued     BriefStatus = "queued"
	BriefStatusProcessing BriefStatus = "processing"
	BriefStatusCompleted  BriefStatus = "completed"
	BriefStatusFailed     BriefStatus = "failed"
)

// CanTransitionTo проверяет, что переход статуса идет только вперед:
// queued -> processing -> {completed, failed}.
func (s BriefStatus) CanTransitionTo(next BriefStatus) bool {
	switch s {
	case BriefStatusQueued:
		return next == BriefStatusProcessing
	case BriefStatusProcessing:
		return next == BriefStatusCompleted || next == BriefStatusFailed
	default:
		return false
	}
}

// Уровни чтения, на которые рассчитаны истории.
const (
	ReadingLevelEarly      = "early"
	ReadingLevelDeveloping = "developing"
	ReadingLevelFluent     = "fluent"
)

// StoryBrief - структурированное задание на генерацию истории.
type StoryBrief struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	Theme           string      `json:"theme" db:"theme"`
	ReadingLevel    string      `json:"reading_level" db:"reading_level"`
	Virtue          string      `json:"virtue" db:"virtue"`
	Genre           string      `json:"genre" db:"genre"`
	Premise         string      `json:"premise" db:"premise"`
	WordCountTarget int         `json:"word_count_target" db:"word_count_target"`
	Priority        int         `json:"priority" db:"priority"`
	Status          BriefStatus `json:"status" db:"status"`
	FailureKind     *string     `json:"failure_kind,omitempty" db:"failure_kind"`
	ClaimCount      int         `json:"claim_count" db:"claim_count"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	ClaimedAt       *time.Time  `json:"claimed_at,omitempty" db:"claimed_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// BriefClaim - захват брифа конкретным прогоном. Писать статус брифа после
// захвата может только владелец последнего захвата.
type BriefClaim struct {
	BriefID    uuid.UUID
	ClaimCount int
}

// Claim возвращает текущий захват брифа.
func (b StoryBrief) Claim() BriefClaim {
	return BriefClaim{BriefID: b.ID, ClaimCount: b.ClaimCount}
}

// Fingerprint - нормализованный ключ комбинации осей брифа.
// Используется для отсева почти одинаковых брифов.
func (b StoryBrief) Fingerprint() string {
	return Fingerprint(b.Theme, b.Genre, b.Virtue, b.ReadingLevel)
}

// Fingerprint строит ключ из значений осей theme/genre/virtue/level.
func Fingerprint(theme, genre, virtue, level string) string {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	return fmt.Sprintf("%s|%s|%s|%s", norm(theme), norm(genre), norm(virtue), norm(level))
}

// WordCountRange возвращает допустимый диапазон объема для уровня чтения.
func WordCountRange(level string) (min, max int) {
	switch level {
	case ReadingLevelEarly:
		return 250, 700
	case ReadingLevelDeveloping:
		return 500, 1200
	case ReadingLevelFluent:
		return 900, 2000
	default:
		return 400, 1500
	}
}

// ClampWordCount приводит целевой объем к диапазону уровня.
func ClampWordCount(level string, target int) int {
	lo, hi := WordCountRange(level)
	if target < lo {
		return lo
	}
	if target > hi {
		return hi
	}
	return target
}
