// Package prompts хранит шаблоны запросов к моделям.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Имена шаблонов.
const (
	StorySystem   = "story_system"
	StoryUser     = "story_user"
	SafetySystem  = "safety_system"
	ValuesSystem  = "values_system"
	QualitySystem = "quality_system"
	ReviewUser    = "review_user"
	BriefSystem   = "brief_system"
	BriefUser     = "brief_user"
	Cover         = "cover"
)

var templates = template.Must(template.New("prompts").ParseFS(templateFS, "templates/*.tmpl"))

// Render подставляет данные в шаблон. Ошибка означает несоответствие данных шаблону.
func Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
