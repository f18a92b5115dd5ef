package model

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Chapter - глава истории.
type Chapter struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	WordCount int    `json:"word_count"`
}

// NewChapter создает главу и считает слова.
func NewChapter(index int, title, body string) Chapter {
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	return Chapter{Index: index, Title: title, Body: body, WordCount: CountWords(body)}
}

// GeneratedStory - история. До прохождения всех проверок это черновик без ID.
type GeneratedStory struct {
	ID             uuid.UUID `json:"id"`
	BriefID        uuid.UUID `json:"brief_id"`
	RunID          uuid.UUID `json:"run_id"`
	Title          string    `json:"title"`
	Chapters       []Chapter `json:"chapters"`
	TotalWords     int       `json:"total_words"`
	ReadingMinutes int       `json:"reading_minutes"`
	CoverImageRef  string    `json:"cover_image_ref"`
	CoverDegraded  bool      `json:"cover_degraded"`
	SafetyPassed   bool      `json:"safety_passed"`
	ValuesScore    float64   `json:"values_score"`
	QualityScore   float64   `json:"quality_score"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewDraft собирает черновик из глав и считает итоговые показатели.
func NewDraft(brief StoryBrief, title string, chapters []Chapter) *GeneratedStory {
	total := 0
	for _, ch := range chapters {
		total += ch.WordCount
	}
	return &GeneratedStory{
		BriefID:        brief.ID,
		Title:          strings.TrimSpace(title),
		Chapters:       chapters,
		TotalWords:     total,
		ReadingMinutes: ReadingMinutes(total, brief.ReadingLevel),
	}
}

// Text возвращает заголовок и все главы одной строкой для проверок.
func (s *GeneratedStory) Text() string {
	var b strings.Builder
	b.WriteString(s.Title)
	for _, ch := range s.Chapters {
		b.WriteString("\n\n")
		b.WriteString(ch.Title)
		b.WriteString("\n")
		b.WriteString(ch.Body)
	}
	return b.String()
}

// CountWords считает слова, разделенные пробельными символами.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// ReadingMinutes оценивает время чтения по скорости, зависящей от уровня.
func ReadingMinutes(words int, level string) int {
	if words <= 0 {
		return 0
	}
	wpm := 130.0
	switch level {
	case ReadingLevelEarly:
		wpm = 90
	case ReadingLevelDeveloping:
		wpm = 120
	case ReadingLevelFluent:
		wpm = 150
	}
	return int(math.Ceil(float64(words) / wpm))
}
