package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"roledesk/internal/client"
	"roledesk/internal/domain"
	"roledesk/internal/orchestrator"
)

type embeddedDaemon struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "roledesk daemon base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start roledeskd as a child process")
	daemonBinary := flag.String("daemon-bin", "", "path to the roledeskd binary (embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for the embedded daemon")
	rolesPath := flag.String("roles", "roles.yaml", "role catalog for the embedded daemon")
	project := flag.String("project", "default", "project id used for captured prompts")
	requester := flag.String("role", "", "requester role used for captured prompts")
	flag.Parse()

	c := client.New(*addr)

	var embeddedProc *embeddedDaemon
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedDaemon(*addr, *daemonBinary, *dbPath, *rolesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded daemon: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := c.WaitHealth(context.Background(), 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "daemon health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	checklistView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	checklistView.SetTitle("Checklist").SetBorder(true)

	delegationsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	delegationsView.SetTitle("Delegations").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	roleStateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	roleStateView.SetTitle("Roles").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Capture: ")
	promptInput.SetBorder(true).SetTitle("Enter = capture as [role:] text")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | project=%s | shortcuts: F10 quit, F5 refresh, Ctrl+N next task, Ctrl+L focus prompt, Ctrl+T focus tasks",
		c.BaseURL(),
		*project,
	))

	rightTop := tview.NewFlex().
		AddItem(checklistView, 0, 2, false).
		AddItem(delegationsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(roleStateView, 8, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedTaskID string
	var lastTasks []domain.Task
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshTasks := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tasks, err := c.ListTasks(ctx, domain.TaskFilter{Limit: 200})
		if err != nil {
			app.QueueUpdateDraw(func() {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
		})
		lastTasks = tasks
		state, stateErr := c.SchedulerState(ctx)
		app.QueueUpdateDraw(func() {
			renderTasksTable(tasksTable, tasks, selectedTaskID)
			if stateErr != nil {
				roleStateView.SetText(fmt.Sprintf("error: %v", stateErr))
			} else {
				roleStateView.SetText(renderRoleState(state))
			}
		})
	}

	refreshDetailsAsync := func(taskID string) {
		if strings.TrimSpace(taskID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			checklistView.SetText("Loading...")
			delegationsView.SetText("Loading...")
			decisionsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			type checklistResult struct {
				snapshot domain.ChecklistSnapshot
				err      error
			}
			type delegationResult struct {
				items []domain.DelegationRecord
				err   error
			}
			type decisionResult struct {
				items []domain.DecisionLog
				err   error
			}

			checklistCh := make(chan checklistResult, 1)
			delegationCh := make(chan delegationResult, 1)
			decisionCh := make(chan decisionResult, 1)

			go func() {
				snap, err := c.Checklist(ctx, selected)
				checklistCh <- checklistResult{snapshot: snap, err: err}
			}()
			go func() {
				items, err := c.ListDelegations(ctx, selected)
				delegationCh <- delegationResult{items: items, err: err}
			}()
			go func() {
				items, err := c.ListDecisions(ctx, selected, 250)
				decisionCh <- decisionResult{items: items, err: err}
			}()

			checklistRes := <-checklistCh
			delegationRes := <-delegationCh
			decisionRes := <-decisionCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedTaskID {
					return
				}
				if checklistRes.err != nil {
					checklistView.SetText("No active checklist")
				} else {
					checklistView.SetText(renderChecklist(checklistRes.snapshot))
				}
				if delegationRes.err != nil {
					delegationsView.SetText(fmt.Sprintf("error: %v", delegationRes.err))
				} else {
					delegationsView.SetText(renderDelegations(delegationRes.items))
				}
				if decisionRes.err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionRes.err))
				} else {
					decisionsView.SetText(renderDecisions(decisionRes.items))
				}
			})
		}(taskID, version)
	}

	submitPrompt := func(prompt string) {
		role, text := splitPrompt(prompt, *requester)
		if text == "" {
			return
		}
		if role == "" {
			setStatusUI("[red]No role: type \"role: text\" or start with --role")
			return
		}
		setStatusUI("Capturing request...")
		promptInput.SetText("")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			res, err := c.Capture(ctx, orchestrator.CaptureInput{ProjectID: *project, RequesterRole: role, Text: text})
			if err != nil {
				setStatusAsync("Capture failed: " + err.Error())
				return
			}
			selectedTaskID = res.TaskID
			refreshTasks()
			refreshDetailsAsync(selectedTaskID)
			verb := "captured"
			if res.Reused {
				verb = "reused"
			}
			setStatusAsync(fmt.Sprintf("Task %s: %s (%s)", verb, res.TaskID, res.Disposition))
		}()
	}

	nextTask := func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			task, ok, err := c.Next(ctx)
			switch {
			case err != nil:
				setStatusAsync("Next failed: " + err.Error())
			case !ok:
				setStatusAsync("Queue is empty")
			default:
				selectedTaskID = task.ID
				refreshTasks()
				refreshDetailsAsync(task.ID)
				setStatusAsync(fmt.Sprintf("Now acting as %s on %s", task.AssigneeRole, shortID(task.ID)))
			}
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		refreshDetailsAsync(selectedTaskID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(tasksTable)
				setStatusUI("Focus -> tasks")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshTasks()
				refreshDetailsAsync(selectedTaskID)
				setStatusAsync("Manual refresh complete")
			}()
			return nil
		case tcell.KeyCtrlN:
			nextTask()
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshTasks()
		for _, task := range lastTasks {
			if task.Status == domain.TaskStatusDoing || task.Status == domain.TaskStatusReview {
				selectedTaskID = task.ID
				break
			}
		}
		if selectedTaskID != "" {
			refreshDetailsAsync(selectedTaskID)
		}

		for range ticker.C {
			refreshTasks()
			if selectedTaskID == "" && len(lastTasks) > 0 {
				selectedTaskID = lastTasks[0].ID
			}
			refreshDetailsAsync(selectedTaskID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func startEmbeddedDaemon(addr string, daemonBinary string, dbPath string, rolesPath string) (*embeddedDaemon, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"--addr", ":" + port, "--db", dbPath, "--roles", rolesPath}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(daemonBinary) != "" {
		cmd = exec.Command(daemonBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "roledeskd")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/roledeskd"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start roledeskd process: %w", err)
	}
	return &embeddedDaemon{cmd: cmd}, nil
}

func (e *embeddedDaemon) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

// splitPrompt reads an optional "role:" prefix from the prompt.
func splitPrompt(prompt, defaultRole string) (role, text string) {
	prompt = strings.TrimSpace(prompt)
	if head, rest, ok := strings.Cut(prompt, ":"); ok && head != "" && !strings.ContainsAny(head, " \t") {
		return head, strings.TrimSpace(rest)
	}
	return defaultRole, prompt
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Role", "Prio", "Updated", "Title"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(t.AssigneeRole))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprint(t.PriorityOrder)))
		table.SetCell(row, 4, tview.NewTableCell(t.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(t.Title, 64)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func statusColor(status domain.TaskStatus) tcell.Color {
	switch status {
	case domain.TaskStatusDoing:
		return tcell.ColorYellow
	case domain.TaskStatusReview:
		return tcell.ColorAqua
	case domain.TaskStatusDone:
		return tcell.ColorGreen
	case domain.TaskStatusAbandoned:
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}

func renderChecklist(snapshot domain.ChecklistSnapshot) string {
	if len(snapshot.Steps) == 0 {
		return "No active checklist"
	}
	var b strings.Builder
	for i, step := range snapshot.Steps {
		mark := "[gray][ ][-]"
		switch step.Status {
		case domain.StepStatusDone:
			mark = "[green][x][-]"
		case domain.StepStatusActive:
			mark = "[yellow][>][-]"
		}
		fmt.Fprintf(&b, "%2d. %s %s", i+1, mark, tview.Escape(step.Description))
		if step.IsMandatoryTail {
			fmt.Fprintf(&b, " [gray](%s)[-]", step.Kind)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderDelegations(items []domain.DelegationRecord) string {
	if len(items) == 0 {
		return "No delegations"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "[%s] -> %s  task=%s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.TargetRole,
			shortID(d.TargetTaskID),
		)
	}
	return tview.Escape(b.String())
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return tview.Escape(b.String())
}

func renderRoleState(state orchestrator.SchedulerState) string {
	var b strings.Builder
	active := state.ActiveRole
	if active == "" {
		active = "-"
	}
	fmt.Fprintf(&b, "active role: [yellow]%s[-]  queued: %d\n", tview.Escape(active), len(state.Queued))
	roleIDs := make([]string, 0, len(state.ActiveTasks))
	for role := range state.ActiveTasks {
		roleIDs = append(roleIDs, role)
	}
	sort.Strings(roleIDs)
	for _, role := range roleIDs {
		fmt.Fprintf(&b, "%-14s working %s\n", tview.Escape(role), shortID(state.ActiveTasks[role]))
	}
	for i, t := range state.Queued {
		if i == 3 {
			fmt.Fprintf(&b, "  ... %d more queued\n", len(state.Queued)-i)
			break
		}
		fmt.Fprintf(&b, "  next: %s %s (%s, prio %d)\n", shortID(t.ID), tview.Escape(trimLine(t.Title, 40)), t.AssigneeRole, t.PriorityOrder)
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
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

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
