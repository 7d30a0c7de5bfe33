package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"roledesk/internal/client"
	"roledesk/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("39"))
)

func renderAnnouncement(role string) string {
	return bannerStyle.Render("now acting as " + role)
}

func renderCapture(res client.CaptureResult) string {
	verb := "captured"
	if res.Reused {
		verb = "reused"
	}
	disposition := okStyle.Render(string(res.Disposition))
	if res.Disposition == domain.DispositionQueued {
		disposition = warnStyle.Render(string(res.Disposition))
	}
	return fmt.Sprintf("%s %s (%s) %s", headerStyle.Render(verb), res.TaskID, res.Task.AssigneeRole, disposition)
}

func renderStatus(taskID string, status domain.TaskStatus) string {
	return fmt.Sprintf("%s %s", shortID(taskID), statusStyle(status).Render(string(status)))
}

func statusStyle(status domain.TaskStatus) lipgloss.Style {
	switch status {
	case domain.TaskStatusDone:
		return okStyle
	case domain.TaskStatusDoing, domain.TaskStatusReview:
		return warnStyle
	case domain.TaskStatusAbandoned:
		return errorStyle
	default:
		return dimStyle
	}
}

// renderChecklist prints one line per step, marking the active one.
func renderChecklist(snapshot domain.ChecklistSnapshot) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("checklist " + shortID(snapshot.TaskID)))
	for i, step := range snapshot.Steps {
		mark := "[ ]"
		style := dimStyle
		switch step.Status {
		case domain.StepStatusDone:
			mark, style = "[x]", okStyle
		case domain.StepStatusActive:
			mark, style = "[>]", warnStyle
		}
		line := fmt.Sprintf("%2d. %s %s", i+1, mark, step.Description)
		if step.IsMandatoryTail {
			line += dimStyle.Render(" (" + string(step.Kind) + ")")
		}
		b.WriteString("\n" + style.Render(line))
	}
	return b.String()
}

func renderTask(t domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render(t.ID), statusStyle(t.Status).Render(string(t.Status)))
	fmt.Fprintf(&b, "  title:    %s\n", t.Title)
	fmt.Fprintf(&b, "  project:  %s\n", t.ProjectID)
	fmt.Fprintf(&b, "  role:     %s\n", t.AssigneeRole)
	fmt.Fprintf(&b, "  priority: %d", t.PriorityOrder)
	if t.ParentTaskID != nil {
		fmt.Fprintf(&b, "\n  parent:   %s (hop %d)", *t.ParentTaskID, t.HopCount)
	}
	return b.String()
}

func renderTasks(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return dimStyle.Render("no tasks")
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-8s  %-9s  %-12s  %4s  %s", "TASK", "STATUS", "ROLE", "PRIO", "TITLE")))
	for _, t := range tasks {
		status := statusStyle(t.Status).Render(fmt.Sprintf("%-9s", t.Status))
		fmt.Fprintf(&b, "\n%-8s  %s  %-12s  %4d  %s", shortID(t.ID), status, t.AssigneeRole, t.PriorityOrder, trimLine(t.Title, 60))
	}
	return b.String()
}

func renderRoles(list []domain.Role) string {
	if len(list) == 0 {
		return dimStyle.Render("no roles")
	}
	var b strings.Builder
	for i, r := range list {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(headerStyle.Render(r.ID))
		if r.Label != "" {
			b.WriteString(" " + r.Label)
		}
		if len(r.Capabilities) > 0 {
			b.WriteString("\n  " + dimStyle.Render("capabilities: ") + strings.Join(r.Capabilities, ", "))
		}
		if len(r.EscalationTargets) > 0 {
			b.WriteString("\n  " + dimStyle.Render("escalates to: ") + strings.Join(r.EscalationTargets, ", "))
		}
		if r.RequiresReview {
			b.WriteString("\n  " + warnStyle.Render("requires review"))
		}
	}
	return b.String()
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
