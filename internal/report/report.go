// Package report печатает итог прогона для CLI.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"story-pipeline/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Width(10)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	noteStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922")).Italic(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

// Success - сводка успешного прогона: id истории, оценки, время и заметка об обложке.
func Success(story *model.GeneratedStory, run *model.PipelineRun) string {
	safety := badStyle.Render("fail")
	if story.SafetyPassed {
		safety = okStyle.Render("pass")
	}
	lines := []string{
		titleStyle.Render(story.Title),
		row("story", story.ID.String()),
		row("quality", fmt.Sprintf("%.1f / 100", story.QualityScore)),
		row("safety", safety),
		row("values", fmt.Sprintf("%.1f / 5", story.ValuesScore)),
		row("elapsed", run.Duration.Round(time.Millisecond).String()),
	}
	if story.CoverDegraded {
		note := "cover illustration degraded"
		if len(run.Notes) > 0 {
			note = strings.Join(run.Notes, "; ")
		}
		lines = append(lines, noteStyle.Render(note))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// Failure - сводка проваленного прогона.
func Failure(run *model.PipelineRun) string {
	stage, kind, msg := "-", string(model.KindUnexpected), ""
	if run.FailedStage != nil {
		stage = string(*run.FailedStage)
	}
	if run.ErrorKind != nil {
		kind = string(*run.ErrorKind)
	}
	if run.Error != nil {
		msg = *run.Error
	}
	lines := []string{
		badStyle.Bold(true).Render("Run failed"),
		row("run", run.ID.String()),
		row("stage", stage),
		row("kind", kind),
		row("elapsed", run.Duration.Round(time.Millisecond).String()),
	}
	if msg != "" {
		lines = append(lines, noteStyle.Render(msg))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// Briefs - строка об итоге генерации брифов.
func Briefs(requested, inserted, failed int) string {
	return fmt.Sprintf("%s %d of %d briefs queued, %d failed",
		labelStyle.Render("briefs"), inserted, requested, failed)
}
