package watch

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"transactgw/internal/workflow"
)

func newSessionTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Session", Width: 10},
			{Title: "Kind", Width: 18},
			{Title: "Phase", Width: 14},
			{Title: "OTP", Width: 12},
			{Title: "Age", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func sessionRows(views []workflow.View) []table.Row {
	sorted := make([]workflow.View, len(views))
	copy(sorted, views)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	rows := make([]table.Row, 0, len(sorted))
	for _, v := range sorted {
		rows = append(rows, table.Row{
			phaseIcon(v.Phase),
			shortID(v.ID),
			v.Kind,
			v.Phase,
			otpSummary(v),
			formatDuration(time.Since(v.CreatedAt)),
		})
	}
	return rows
}

func phaseIcon(phase string) string {
	switch phase {
	case "completed":
		return "✓"
	case "failed":
		return "✗"
	case "awaiting_code":
		return "⏳"
	case "generating", "finalizing":
		return "▶"
	case "closed":
		return "·"
	default:
		return "?"
	}
}

func otpSummary(v workflow.View) string {
	if v.OTP == nil {
		return "-"
	}
	if v.OTP.State == "initiated" && !v.OTP.ExpiresAt.IsZero() {
		left := time.Until(v.OTP.ExpiresAt).Round(time.Second)
		if left > 0 {
			return fmt.Sprintf("%s %s", v.OTP.State, left)
		}
		return "expired"
	}
	return v.OTP.State
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderSessions(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4

	title := theme.Title.Render(fmt.Sprintf("SESSIONS (%d)", count))
	if count == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No active sessions."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, t.View())
	return theme.Border.Width(innerWidth).Render(content)
}
