// Package models defines the core domain types for the claude-relay bridge.
package models

import (
	"time"
	"unicode/utf8"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ValidStatus checks if a status is one of the known states.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Result holds the final structured output of a completed task.
type Result struct {
	Answer     string  `json:"answer"`
	SessionID  string  `json:"session_id,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
}

// Task represents one Claude CLI invocation tracked by the registry.
// The OS process handle is deliberately not part of the model; it is
// owned by the registry's internal record while the task is active.
type Task struct {
	ID        string     `json:"id"`
	Prompt    string     `json:"prompt"`
	SessionID string     `json:"session_id,omitempty"`
	WorkDir   string     `json:"work_dir,omitempty"`
	Status    TaskStatus `json:"status"`
	Result    *Result    `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsRunning returns true if the task is currently running.
func (t *Task) IsRunning() bool {
	return t.Status == TaskStatusRunning
}

// IsPending returns true if the task is pending execution.
func (t *Task) IsPending() bool {
	return t.Status == TaskStatusPending
}

// Elapsed returns how long the task has been (or was) in flight.
// For terminal tasks the clock stops at the last update.
func (t *Task) Elapsed() time.Duration {
	if t.IsTerminal() {
		return t.UpdatedAt.Sub(t.CreatedAt)
	}
	return time.Since(t.CreatedAt)
}

// StartRequest represents a request to start a fresh conversation.
type StartRequest struct {
	Message            string `json:"message"`
	WorkDir            string `json:"work_dir,omitempty"`
	SystemPrompt       string `json:"system_prompt,omitempty"`
	AppendSystemPrompt string `json:"append_system_prompt,omitempty"`
	Async              bool   `json:"async,omitempty"`
}

// ResumeRequest represents a request to continue a prior conversation.
// The working directory is always inherited from the original session
// and cannot be overridden.
type ResumeRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Async     bool   `json:"async,omitempty"`
}

// TaskSummary provides a condensed view of a task for listing.
type TaskSummary struct {
	ID        string     `json:"id"`
	Prompt    string     `json:"prompt"`
	WorkDir   string     `json:"work_dir,omitempty"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Elapsed   string     `json:"elapsed,omitempty"`
}

// ToSummary converts a Task to a TaskSummary.
func (t *Task) ToSummary() TaskSummary {
	return TaskSummary{
		ID:        t.ID,
		Prompt:    Truncate(t.Prompt, 100),
		WorkDir:   t.WorkDir,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Elapsed:   t.Elapsed().Round(time.Millisecond).String(),
	}
}

// Truncate shortens s to at most maxLen bytes, appending "..." when cut.
// The cut never splits a multi-byte rune.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
