package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"transactgw/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"),
		strings.HasSuffix(e.Type, ".verified"),
		strings.HasSuffix(e.Type, ".ready"):
		typeStyle = theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"),
		strings.HasSuffix(e.Type, ".timed_out"),
		strings.HasSuffix(e.Type, ".rejected"),
		strings.HasSuffix(e.Type, ".invalid"):
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(e.Type, ".pending"):
		typeStyle = theme.StatusRunning
	case strings.HasPrefix(e.Type, "session."):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if session, ok := data["session"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(session)))
	}
	if jobID, ok := data["job_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(jobID)))
	}
	if kind, ok := data["kind"].(string); ok {
		parts = append(parts, kind)
	}
	if name, ok := data["name"].(string); ok {
		parts = append(parts, name)
	}
	if txID, ok := data["transaction_id"].(string); ok && txID != "" {
		parts = append(parts, txID)
	}
	if status, ok := data["status"].(string); ok && status != "" {
		parts = append(parts, status)
	}
	if reason, ok := data["reason"].(string); ok {
		parts = append(parts, reason)
	}
	if message, ok := data["message"].(string); ok {
		parts = append(parts, message)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
