// Package registry owns task identity, the task state machine, and the
// in-memory task store. All other components mutate tasks only through
// this package.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sevir/claude-relay/internal/notify"
	"github.com/sevir/claude-relay/pkg/models"
)

const (
	// Terminal tasks stay visible to lookup for this long after their
	// final transition before the sweep may purge them.
	retentionWindow = time.Hour
	cleanupInterval = 5 * time.Minute
)

var (
	// ErrTaskNotFound marks a lookup or mutation against an unknown id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskTerminal marks a mutation against a task that already
	// reached a terminal state. Late exit events racing a cancellation
	// hit this; callers treat it as a harmless no-op.
	ErrTaskTerminal = errors.New("task already in terminal state")
)

// record pairs a task with its process handle. The handle is owned by the
// registry while the task is active and cleared the instant it leaves
// pending/running.
type record struct {
	task *models.Task
	proc *os.Process
}

// Update is a partial mutation applied by Registry.Update.
type Update struct {
	Status  *models.TaskStatus
	Result  *models.Result
	Error   *string
	Process *os.Process
}

// Stats is a point-in-time count snapshot.
type Stats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Registry is the in-memory store of task records.
type Registry struct {
	mu       sync.Mutex
	active   map[string]*record
	terminal map[string]*models.Task
	notifier *notify.Notifier
	log      *zap.SugaredLogger

	closeCh   chan struct{}
	closeOnce sync.Once
}

// New creates a Registry and starts its periodic cleanup sweep.
func New(notifier *notify.Notifier, log *zap.SugaredLogger) *Registry {
	r := &Registry{
		active:   make(map[string]*record),
		terminal: make(map[string]*models.Task),
		notifier: notifier,
		log:      log.Named("registry"),
		closeCh:  make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Create allocates a fresh task in pending state and returns a snapshot.
// Never blocks on subprocess work.
func (r *Registry) Create(prompt, sessionID, workDir string) *models.Task {
	now := time.Now()
	task := &models.Task{
		ID:        generateID(),
		Prompt:    prompt,
		SessionID: sessionID,
		WorkDir:   workDir,
		Status:    models.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.active[task.ID] = &record{task: task}
	snapshot := *task
	r.mu.Unlock()

	r.log.Debugw("task created", "task_id", task.ID, "work_dir", workDir)
	r.notifier.TaskEvent(notify.EventCreated, &snapshot, "")
	return &snapshot
}

// Get looks a task up across both active and terminal storage. Absence is
// a normal outcome, not an error.
func (r *Registry) Get(id string) (*models.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.active[id]; ok {
		snapshot := *rec.task
		return &snapshot, true
	}
	if task, ok := r.terminal[id]; ok {
		snapshot := *task
		return &snapshot, true
	}
	return nil, false
}

// List returns snapshots of every known task, optionally filtered by status.
func (r *Registry) List(statuses ...models.TaskStatus) []*models.Task {
	match := func(s models.TaskStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.Task, 0, len(r.active)+len(r.terminal))
	for _, rec := range r.active {
		if match(rec.task.Status) {
			snapshot := *rec.task
			out = append(out, &snapshot)
		}
	}
	for _, task := range r.terminal {
		if match(task.Status) {
			snapshot := *task
			out = append(out, &snapshot)
		}
	}
	return out
}

// Update merges fields into a task and refreshes UpdatedAt. When the merged
// state is terminal the record is relocated from the active set to the
// terminal set inside the same critical section, so lookup never sees the
// task in neither or both. Emits an update event on every call and an
// additional completion event on the transition into a terminal state.
func (r *Registry) Update(id string, up Update) error {
	r.mu.Lock()

	rec, ok := r.active[id]
	if !ok {
		_, terminal := r.terminal[id]
		r.mu.Unlock()
		if terminal {
			r.log.Debugw("ignoring update to terminal task", "task_id", id)
			return ErrTaskTerminal
		}
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	task := rec.task
	prev := task.Status

	if up.Status != nil {
		task.Status = *up.Status
	}
	if up.Result != nil {
		task.Result = up.Result
	}
	if up.Error != nil {
		task.Error = *up.Error
	}
	if up.Process != nil {
		rec.proc = up.Process
	}
	task.UpdatedAt = time.Now()

	nowTerminal := task.IsTerminal()
	if nowTerminal {
		rec.proc = nil
		delete(r.active, id)
		r.terminal[id] = task
	}
	snapshot := *task
	r.mu.Unlock()

	r.notifier.TaskEvent(notify.EventUpdated, &snapshot, "")
	if prev == models.TaskStatusPending && snapshot.Status == models.TaskStatusRunning {
		r.notifier.TaskEvent(notify.EventStarted, &snapshot, "")
	}
	if nowTerminal {
		r.notifier.TaskEvent(terminalEvent(snapshot.Status), &snapshot, "")
	}
	return nil
}

func terminalEvent(s models.TaskStatus) notify.EventType {
	switch s {
	case models.TaskStatusCompleted:
		return notify.EventCompleted
	case models.TaskStatusFailed:
		return notify.EventFailed
	default:
		return notify.EventCancelled
	}
}

// Cancel requests termination of an active task's process group and marks
// the task cancelled. Returns true only if the task was active and held a
// live process handle; unknown, terminal, or handle-less tasks are a no-op.
// The signal is requested, not awaited: the process may still be exiting
// when this returns, and its late exit event is discarded by Update.
func (r *Registry) Cancel(id string) bool {
	return r.cancel(id, notify.ReasonUser)
}

func (r *Registry) cancel(id, reason string) bool {
	r.mu.Lock()

	rec, ok := r.active[id]
	if !ok || rec.proc == nil {
		r.mu.Unlock()
		return false
	}

	proc := rec.proc
	task := rec.task
	task.Status = models.TaskStatusCancelled
	task.UpdatedAt = time.Now()
	rec.proc = nil
	delete(r.active, id)
	r.terminal[id] = task
	snapshot := *task
	r.mu.Unlock()

	killProcessGroup(proc, r.log)

	r.log.Infow("task cancelled", "task_id", id, "reason", reason)
	r.notifier.TaskEvent(notify.EventUpdated, &snapshot, reason)
	r.notifier.TaskEvent(notify.EventCancelled, &snapshot, reason)
	return true
}

// CancelAll cancels every active task, tagging each event with reason.
// Tasks without a process handle yet are transitioned directly.
func (r *Registry) CancelAll(reason string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.cancel(id, reason) {
			n++
			continue
		}
		// No handle attached yet: transition without a signal, keeping
		// the reason tag.
		if r.cancelUnattached(id, reason) {
			n++
		}
	}
	return n
}

// cancelUnattached transitions an active task that has no process handle.
// Only the bulk-cancel path takes it; a direct Cancel of such a task stays
// a no-op.
func (r *Registry) cancelUnattached(id, reason string) bool {
	r.mu.Lock()

	rec, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	task := rec.task
	task.Status = models.TaskStatusCancelled
	task.UpdatedAt = time.Now()
	delete(r.active, id)
	r.terminal[id] = task
	snapshot := *task
	r.mu.Unlock()

	r.log.Infow("task cancelled before spawn", "task_id", id, "reason", reason)
	r.notifier.TaskEvent(notify.EventUpdated, &snapshot, reason)
	r.notifier.TaskEvent(notify.EventCancelled, &snapshot, reason)
	return true
}

// killProcessGroup signals the whole process group so grandchildren die
// too, falling back to a direct kill when the group signal is denied.
func killProcessGroup(proc *os.Process, log *zap.SugaredLogger) {
	if err := syscall.Kill(-proc.Pid, syscall.SIGTERM); err != nil {
		log.Debugw("group kill failed, falling back to direct kill",
			"pid", proc.Pid, "error", err)
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			log.Debugw("direct kill failed", "pid", proc.Pid, "error", err)
		}
	}
}

// Stats returns a point-in-time count snapshot.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	completed := 0
	for _, task := range r.terminal {
		if task.Status == models.TaskStatusCompleted {
			completed++
		}
	}
	return Stats{
		Active:    len(r.active),
		Completed: completed,
		Total:     len(r.active) + len(r.terminal),
	}
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Cleanup()
		case <-r.closeCh:
			return
		}
	}
}

// Cleanup purges terminal tasks older than the retention window. Active
// tasks are never touched.
func (r *Registry) Cleanup() int {
	cutoff := time.Now().Add(-retentionWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, task := range r.terminal {
		if task.UpdatedAt.Before(cutoff) {
			delete(r.terminal, id)
			n++
		}
	}
	if n > 0 {
		r.log.Debugw("purged expired tasks", "count", n)
	}
	return n
}

// Destroy stops the cleanup timer and cancels every still-active task.
// Used during orderly shutdown.
func (r *Registry) Destroy() {
	r.closeOnce.Do(func() { close(r.closeCh) })
	r.CancelAll(notify.ReasonShutdown)
}

func generateID() string {
	return fmt.Sprintf("task-%s", uuid.New().String()[:8])
}
