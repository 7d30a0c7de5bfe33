package main

import (
	"strings"
	"testing"

	"roledesk/internal/domain"
	"roledesk/internal/orchestrator"
)

func TestSplitPrompt(t *testing.T) {
	cases := []struct {
		prompt, def, role, text string
	}{
		{"frontend: fix the header", "", "frontend", "fix the header"},
		{"  fix the header ", "qa", "qa", "fix the header"},
		{"note: see ticket: 12", "qa", "note", "see ticket: 12"},
		{"fix this: header", "qa", "qa", "fix this: header"},
	}
	for _, tc := range cases {
		role, text := splitPrompt(tc.prompt, tc.def)
		if role != tc.role || text != tc.text {
			t.Fatalf("splitPrompt(%q) = %q, %q", tc.prompt, role, text)
		}
	}
}

func TestRenderRoleState(t *testing.T) {
	out := renderRoleState(orchestrator.SchedulerState{
		ActiveRole:  "frontend",
		ActiveTasks: map[string]string{"frontend": "0123456789"},
		Queued: []domain.Task{
			{ID: "aaaaaaaaaa", Title: "one", AssigneeRole: "backend", PriorityOrder: 90},
			{ID: "bbbbbbbbbb", Title: "two", AssigneeRole: "backend", PriorityOrder: 50},
			{ID: "cccccccccc", Title: "three", AssigneeRole: "qa", PriorityOrder: 50},
			{ID: "dddddddddd", Title: "four", AssigneeRole: "qa", PriorityOrder: 10},
		},
	})
	for _, want := range []string{"active role: [yellow]frontend[-]  queued: 4", "working 01234567", "next: aaaaaaaa one", "... 1 more queued"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
