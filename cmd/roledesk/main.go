package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"roledesk/internal/client"
	"roledesk/internal/domain"
	"roledesk/internal/orchestrator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

type cliState struct {
	addr    string
	timeout time.Duration
	asJSON  bool
	api     *client.Client
}

func (s *cliState) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), s.timeout)
}

func (s *cliState) print(cmd *cobra.Command, v any, pretty func() string) error {
	if s.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty())
	return nil
}

func newRootCmd() *cobra.Command {
	state := &cliState{}
	root := &cobra.Command{
		Use:           "roledesk",
		Short:         "Capture, delegate and drive role tasks on a roledesk daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			state.api = client.New(state.addr)
		},
	}
	root.PersistentFlags().StringVar(&state.addr, "addr", envOr("ROLEDESK_ADDR", "http://localhost:8092"), "daemon base URL")
	root.PersistentFlags().DurationVar(&state.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&state.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		newCaptureCmd(state),
		newStartCmd(state),
		newAdvanceCmd(state),
		newCompleteCmd(state),
		newAcceptCmd(state),
		newReworkCmd(state),
		newAbandonCmd(state),
		newDelegateCmd(state),
		newTasksCmd(state),
		newShowCmd(state),
		newNextCmd(state),
		newRolesCmd(state),
	)
	return root
}

func newCaptureCmd(state *cliState) *cobra.Command {
	var project, role string
	cmd := &cobra.Command{
		Use:   "capture <text>",
		Short: "Record a request as a todo task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			res, err := state.api.Capture(ctx, orchestrator.CaptureInput{
				ProjectID:     project,
				RequesterRole: role,
				Text:          strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			return state.print(cmd, res, func() string { return renderCapture(res) })
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", envOr("ROLEDESK_PROJECT", ""), "project id")
	cmd.Flags().StringVarP(&role, "role", "r", envOr("ROLEDESK_ROLE", ""), "requester role")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newStartCmd(state *cliState) *cobra.Command {
	var steps []string
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Move a todo task to doing with the given checklist steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			snapshot, err := state.api.StartTask(ctx, args[0], steps)
			if err != nil {
				return err
			}
			return state.print(cmd, snapshot, func() string { return renderChecklist(snapshot) })
		},
	}
	cmd.Flags().StringArrayVarP(&steps, "step", "s", nil, "checklist step (repeatable)")
	return cmd
}

func newAdvanceCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <task-id>",
		Short: "Complete the active checklist step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			res, err := state.api.AdvanceStep(ctx, args[0])
			if err != nil {
				return err
			}
			return state.print(cmd, res, func() string {
				head := okStyle.Render("done: ") + res.Completed.Description
				return head + "\n" + renderChecklist(res.Checklist)
			})
		},
	}
}

func newCompleteCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Finish a task whose checklist is complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			status, err := state.api.CompleteTask(ctx, args[0])
			if err != nil {
				return err
			}
			out := map[string]any{"task_id": args[0], "status": status}
			return state.print(cmd, out, func() string { return renderStatus(args[0], status) })
		},
	}
}

func newAcceptCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <task-id>",
		Short: "Accept a task in review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			if err := state.api.AcceptReview(ctx, args[0]); err != nil {
				return err
			}
			out := map[string]any{"task_id": args[0], "status": domain.TaskStatusDone}
			return state.print(cmd, out, func() string { return renderStatus(args[0], domain.TaskStatusDone) })
		},
	}
}

func newReworkCmd(state *cliState) *cobra.Command {
	var steps []string
	cmd := &cobra.Command{
		Use:   "rework <task-id>",
		Short: "Send a task in review back to doing with a fresh checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			snapshot, err := state.api.RequestRework(ctx, args[0], steps)
			if err != nil {
				return err
			}
			return state.print(cmd, snapshot, func() string { return renderChecklist(snapshot) })
		},
	}
	cmd.Flags().StringArrayVarP(&steps, "step", "s", nil, "checklist step (repeatable)")
	return cmd
}

func newAbandonCmd(state *cliState) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <task-id>",
		Short: "Abandon a task and release its role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			if err := state.api.AbandonTask(ctx, args[0], reason); err != nil {
				return err
			}
			out := map[string]any{"task_id": args[0], "status": domain.TaskStatusAbandoned}
			return state.print(cmd, out, func() string { return renderStatus(args[0], domain.TaskStatusAbandoned) })
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is abandoned")
	return cmd
}

func newDelegateCmd(state *cliState) *cobra.Command {
	var in client.DelegateInput
	var payload string
	var priority int
	cmd := &cobra.Command{
		Use:   "delegate <source-task-id>",
		Short: "Hand part of a doing task to another role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--context must be valid JSON")
				}
				in.ContextPayload = json.RawMessage(payload)
			}
			if cmd.Flags().Changed("priority") {
				in.Priority = &priority
			}
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			childID, err := state.api.Delegate(ctx, args[0], in)
			if err != nil {
				return err
			}
			out := map[string]any{"task_id": childID, "parent_task_id": args[0]}
			return state.print(cmd, out, func() string {
				return fmt.Sprintf("%s %s -> %s", okStyle.Render("delegated"), shortID(args[0]), childID)
			})
		},
	}
	cmd.Flags().StringVarP(&in.TargetRole, "to", "t", "", "target role")
	cmd.Flags().StringVar(&in.Title, "title", "", "child task title")
	cmd.Flags().StringVar(&in.Description, "description", "", "child task description")
	cmd.Flags().StringVar(&payload, "context", "", "JSON context handed to the target role")
	cmd.Flags().IntVar(&priority, "priority", 0, "child priority (default: inherit)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newTasksCmd(state *cliState) *cobra.Command {
	var filter domain.TaskFilter
	var status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = domain.TaskStatus(status)
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			tasks, err := state.api.ListTasks(ctx, filter)
			if err != nil {
				return err
			}
			return state.print(cmd, tasks, func() string { return renderTasks(tasks) })
		},
	}
	cmd.Flags().StringVarP(&filter.ProjectID, "project", "p", "", "project id")
	cmd.Flags().StringVarP(&filter.AssigneeRole, "role", "r", "", "assignee role")
	cmd.Flags().StringVar(&status, "status", "", "todo, doing, review, done or abandoned")
	cmd.Flags().StringVar(&filter.ParentTaskID, "parent", "", "parent task id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of tasks")
	return cmd
}

func newShowCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its checklist and delegations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			task, err := state.api.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			var snapshot *domain.ChecklistSnapshot
			if snap, err := state.api.Checklist(ctx, args[0]); err == nil {
				snapshot = &snap
			}
			delegations, err := state.api.ListDelegations(ctx, args[0])
			if err != nil {
				return err
			}
			out := map[string]any{"task": task, "checklist": snapshot, "delegations": delegations}
			return state.print(cmd, out, func() string {
				var b strings.Builder
				b.WriteString(renderTask(task))
				if snapshot != nil {
					b.WriteString("\n" + renderChecklist(*snapshot))
				}
				for _, d := range delegations {
					fmt.Fprintf(&b, "\n%s %s -> %s", dimStyle.Render("delegated"), d.TargetRole, d.TargetTaskID)
				}
				return b.String()
			})
		},
	}
}

func newNextCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Switch to the most urgent queued task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			task, ok, err := state.api.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return state.print(cmd, map[string]any{}, func() string { return dimStyle.Render("queue is empty") })
			}
			return state.print(cmd, task, func() string {
				return renderAnnouncement(task.AssigneeRole) + "\n" + renderTask(task)
			})
		},
	}
}

func newRolesCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the role catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := state.ctx(cmd)
			defer cancel()
			list, err := state.api.Roles(ctx)
			if err != nil {
				return err
			}
			return state.print(cmd, list, func() string { return renderRoles(list) })
		},
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
