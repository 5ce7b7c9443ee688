package service

import (
	"fmt"
	"strings"

	"github.com/worldline-go/types"
)

// Task statuses.
const (
	TaskStatusInbox      = "inbox"
	TaskStatusNext       = "next"
	TaskStatusInProgress = "in_progress"
	TaskStatusWaiting    = "waiting"
	TaskStatusDone       = "done"
	TaskStatusDropped    = "dropped"
)

// Task is one PARA task. DependsOn forms a DAG; the store rejects
// cycles on write.
type Task struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Status      string              `json:"status"`
	ProjectID   string              `json:"project_id,omitempty"`
	AreaID      string              `json:"area_id,omitempty"`
	SessionID   string              `json:"session_id,omitempty"`
	DependsOn   types.Slice[string] `json:"depends_on,omitempty"`
	Tags        types.Slice[string] `json:"tags,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	CreatedAt   string              `json:"created_at"`
	UpdatedAt   string              `json:"updated_at"`
	CompletedAt types.Null[types.Time] `json:"completed_at,omitempty"`
}

// Project groups tasks toward an outcome.
type Project struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	AreaID      string              `json:"area_id,omitempty"`
	Status      string              `json:"status"` // "active", "paused", "done"
	Tags        types.Slice[string] `json:"tags,omitempty"`
	CreatedAt   string              `json:"created_at"`
	UpdatedAt   string              `json:"updated_at"`
}

// Area is an ongoing sphere of responsibility.
type Area struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// TaskActivity is one append-only entry in a task's activity log.
type TaskActivity struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Kind      string `json:"kind"` // "created", "status", "comment", "linked"
	Detail    string `json:"detail,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status    string `json:"status,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	AreaID    string `json:"area_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// TaskSummary renders the open-task overview string injected into the
// model context at prompt time.
func TaskSummary(tasks []Task) string {
	if len(tasks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Open tasks:\n")

	for _, t := range tasks {
		switch t.Status {
		case TaskStatusDone, TaskStatusDropped:
			continue
		}

		fmt.Fprintf(&b, "- [%s] %s", t.Status, t.Title)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(&b, " (blocked by %d)", len(t.DependsOn))
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}
