package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"

	"story-pipeline/internal/model"
)

// GatePolicy - необязательный YAML-файл с порогами, стоп-словами
// и каталогами осей для генерации брифов.
type GatePolicy struct {
	ValuesThreshold  *float64 `yaml:"values_threshold"`
	QualityThreshold *float64 `yaml:"quality_threshold"`
	BlockedTerms     []string `yaml:"blocked_terms"`
	Themes           []string `yaml:"themes"`
	Genres           []string `yaml:"genres"`
	Virtues          []string `yaml:"virtues"`
	ReadingLevels    []string `yaml:"reading_levels"`
}

// Значения по умолчанию, если в файле политики соответствующий список пуст.
var (
	DefaultBlockedTerms = []string{
		"kill", "murder", "blood", "gore", "gun", "suicide", "drugs", "alcohol",
		"beer", "cigarette", "sexy", "naked", "hate you", "stupid idiot",
	}
	DefaultThemes = []string{
		"friendship", "first day of school", "a lost pet", "a new sibling",
		"a rainy day adventure", "helping a neighbor", "the night sky", "a garden that grows",
	}
	DefaultGenres = []string{
		"fable", "fairy tale", "adventure", "mystery", "everyday life", "gentle science fiction",
	}
	DefaultVirtues = []string{
		"kindness", "honesty", "courage", "patience", "gratitude", "responsibility", "sharing", "perseverance",
	}
	DefaultReadingLevels = []string{
		model.ReadingLevelEarly, model.ReadingLevelDeveloping, model.ReadingLevelFluent,
	}
)

// LoadGatePolicy читает файл политики. Пустой путь - политика по умолчанию.
func LoadGatePolicy(path string) (GatePolicy, error) {
	var policy GatePolicy
	if path != "" {
		if err := cleanenv.ReadConfig(path, &policy); err != nil {
			return GatePolicy{}, fmt.Errorf("%w: failed to read gate policy %s: %v", model.ErrConfiguration, path, err)
		}
	}
	if len(policy.BlockedTerms) == 0 {
		policy.BlockedTerms = DefaultBlockedTerms
	}
	if len(policy.Themes) == 0 {
		policy.Themes = DefaultThemes
	}
	if len(policy.Genres) == 0 {
		policy.Genres = DefaultGenres
	}
	if len(policy.Virtues) == 0 {
		policy.Virtues = DefaultVirtues
	}
	if len(policy.ReadingLevels) == 0 {
		policy.ReadingLevels = DefaultReadingLevels
	}
	return policy, nil
}
