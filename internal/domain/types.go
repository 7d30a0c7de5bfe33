package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusTodo      TaskStatus = "todo"
	TaskStatusDoing     TaskStatus = "doing"
	TaskStatusReview    TaskStatus = "review"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusAbandoned TaskStatus = "abandoned"
)

type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusActive  StepStatus = "active"
	StepStatusDone    StepStatus = "done"
)

type StepKind string

const (
	StepKindUser           StepKind = "user"
	StepKindReflection     StepKind = "reflection"
	StepKindCommit         StepKind = "commit"
	StepKindRegistryUpdate StepKind = "registry_update"
	StepKindGate           StepKind = "gate"
)

type EventKind string

const (
	EventRoleAnnouncement  EventKind = "role_announcement"
	EventChecklistSnapshot EventKind = "checklist_snapshot"
	EventTaskStatusChanged EventKind = "task_status_changed"
)

// Disposition tells a requester whether captured work starts right away or
// waits behind the role's in-flight task.
type Disposition string

const (
	DispositionStartNow Disposition = "start_now"
	DispositionQueued   Disposition = "queued"
)

type Role struct {
	ID                string   `json:"id" yaml:"id"`
	Label             string   `json:"label" yaml:"label"`
	Capabilities      []string `json:"capabilities" yaml:"capabilities"`
	EscalationTargets []string `json:"escalation_targets,omitempty" yaml:"escalation_targets"`
	RequiresReview    bool     `json:"requires_review,omitempty" yaml:"requires_review"`
}

type Task struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	AssigneeRole  string     `json:"assignee_role"`
	Status        TaskStatus `json:"status"`
	PriorityOrder int        `json:"priority_order"`
	ParentTaskID  *string    `json:"parent_task_id,omitempty"`
	HopCount      int        `json:"hop_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewTask is the registry create request. DedupKey, when set, makes the
// insert idempotent: a second create with the same key returns the first id.
type NewTask struct {
	ProjectID     string
	Title         string
	Description   string
	AssigneeRole  string
	PriorityOrder int
	ParentTaskID  *string
	HopCount      int
	DedupKey      string
}

type TaskFilter struct {
	ProjectID    string     `json:"project_id,omitempty"`
	AssigneeRole string     `json:"assignee_role,omitempty"`
	Status       TaskStatus `json:"status,omitempty"`
	TaskID       string     `json:"task_id,omitempty"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	CreatedAfter *time.Time `json:"created_after,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

type Step struct {
	Description     string     `json:"description"`
	Status          StepStatus `json:"status"`
	IsMandatoryTail bool       `json:"is_mandatory_tail"`
	Kind            StepKind   `json:"kind"`
}

type StepSpec struct {
	Description string `json:"description"`
}

type DelegationRecord struct {
	ID             string          `json:"id"`
	SourceTaskID   string          `json:"source_task_id"`
	TargetRole     string          `json:"target_role"`
	TargetTaskID   string          `json:"target_task_id"`
	ContextPayload json.RawMessage `json:"context_payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type FileChangeLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Actor     string    `json:"actor"`
	Operation string    `json:"operation"`
	Path      string    `json:"path"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type RoleAnnouncement struct {
	Role         string   `json:"role"`
	Label        string   `json:"label,omitempty"`
	Capabilities []string `json:"capabilities"`
}

type ChecklistSnapshot struct {
	TaskID string `json:"task_id"`
	Steps  []Step `json:"steps"`
}

type TaskStatusChange struct {
	TaskID    string     `json:"task_id"`
	Role      string     `json:"role"`
	OldStatus TaskStatus `json:"old_status"`
	NewStatus TaskStatus `json:"new_status"`
}

// Event is what the presentation layer renders. Exactly one of the payload
// fields is set, according to Kind.
type Event struct {
	Kind         EventKind          `json:"kind"`
	Announcement *RoleAnnouncement  `json:"announcement,omitempty"`
	Checklist    *ChecklistSnapshot `json:"checklist,omitempty"`
	StatusChange *TaskStatusChange  `json:"status_change,omitempty"`
	At           time.Time          `json:"at"`
}

func IsTerminal(status TaskStatus) bool {
	return status == TaskStatusDone || status == TaskStatusAbandoned
}

// CanTransition reports whether from -> to is an edge of the task state
// machine. review -> doing is the only backward edge.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusTodo:
		return to == TaskStatusDoing || to == TaskStatusAbandoned
	case TaskStatusDoing:
		return to == TaskStatusReview || to == TaskStatusDone || to == TaskStatusAbandoned
	case TaskStatusReview:
		return to == TaskStatusDone || to == TaskStatusDoing || to == TaskStatusAbandoned
	default:
		return false
	}
}

func ValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusTodo, TaskStatusDoing, TaskStatusReview, TaskStatusDone, TaskStatusAbandoned:
		return true
	default:
		return false
	}
}
