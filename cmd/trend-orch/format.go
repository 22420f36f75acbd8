package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

var (
	labelStyle    = lipgloss.NewStyle().Bold(true).Width(12)
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

func statusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunCompleted:
		return successStyle
	case domain.RunTextOnlyCompleted:
		return warningStyle
	case domain.RunFailed:
		return errorStyle
	default:
		return progressStyle
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printRun(w io.Writer, run *domain.Run, artifactDir string) {
	now := time.Now()
	line := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label), value)
	}

	line("Run", run.ID)
	if run.ParentRunID != "" {
		line("Parent", run.ParentRunID)
	}
	line("Query", strings.Join(run.Query, ", "))
	line("Status", statusStyle(run.Status).Render(string(run.Status))+dimStyle.Render(" ("+string(run.State)+")"))
	line("Started", humanize.Time(run.CreatedAt))
	line("Duration", run.Duration(now).Round(time.Second).String())
	if run.Status == domain.RunFailed {
		line("Failure", errorStyle.Render(fmt.Sprintf("%s (%s): %s", run.FailedPhase, run.FailureReason, run.FailureDetail)))
	}
	for _, warn := range run.Warnings {
		line("Warning", warningStyle.Render(warn))
	}

	if len(run.Phases) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Phases"))
		for _, pr := range run.Phases {
			var notes []string
			if pr.FromCache {
				notes = append(notes, "cached")
			}
			if pr.Shared {
				notes = append(notes, "shared")
			}
			if pr.Attempts > 0 {
				notes = append(notes, humanize.Comma(int64(pr.Attempts))+" attempts")
			}
			if pr.Revisions > 0 {
				notes = append(notes, fmt.Sprintf("%d revisions", pr.Revisions))
			}
			provider := pr.Provider
			if provider == "" {
				provider = "-"
			}
			status := successStyle.Render("ok")
			if pr.Error != "" {
				status = errorStyle.Render(truncate(pr.Error, 60))
			}
			fmt.Fprintf(w, "  %-14s %-16s %s %s\n", pr.Phase, provider, status, dimStyle.Render(strings.Join(notes, ", ")))
		}
	}

	if set := run.Artifacts; set != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Artifacts"))
		line("Findings", humanize.Comma(int64(len(set.Findings))))
		if set.SocialPost != "" {
			line("Social", truncate(set.SocialPost, 100))
		}
		if set.Video != nil && set.Video.VideoURL != "" {
			line("Video", set.Video.VideoURL)
		}
		if artifactDir != "" {
			line("Files", artifactDir)
		}
	}
}
