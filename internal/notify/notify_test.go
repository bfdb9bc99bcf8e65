package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/sevir/claude-relay/internal/logging"
	"github.com/sevir/claude-relay/pkg/models"
)

type captureSink struct {
	events []Event
}

func (c *captureSink) Publish(ev Event) { c.events = append(c.events, ev) }

type panicSink struct{}

func (panicSink) Publish(Event) { panic("sink exploded") }

func sampleTask(status models.TaskStatus) *models.Task {
	now := time.Now()
	return &models.Task{
		ID:        "task-abc12345",
		Prompt:    "summarize the repository layout",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestTaskEvent(t *testing.T) {
	t.Run("sink receives structured event", func(t *testing.T) {
		sink := &captureSink{}
		n := New(Options{Sink: sink}, logging.NewNop())

		task := sampleTask(models.TaskStatusRunning)
		n.TaskEvent(EventStarted, task, "")

		if len(sink.events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(sink.events))
		}
		ev := sink.events[0]
		if ev.Type != EventStarted {
			t.Errorf("expected started, got %s", ev.Type)
		}
		if ev.TaskID != task.ID {
			t.Errorf("expected task id carried, got %q", ev.TaskID)
		}
		if ev.Status != models.TaskStatusRunning {
			t.Errorf("expected running status, got %s", ev.Status)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp set")
		}
	})

	t.Run("prompt preview is truncated", func(t *testing.T) {
		sink := &captureSink{}
		n := New(Options{Sink: sink}, logging.NewNop())

		task := sampleTask(models.TaskStatusPending)
		task.Prompt = strings.Repeat("x", 200)
		n.TaskEvent(EventCreated, task, "")

		preview := sink.events[0].PromptPreview
		if len(preview) > previewLen {
			t.Errorf("expected preview capped at %d, got %d", previewLen, len(preview))
		}
		if !strings.HasSuffix(preview, "...") {
			t.Errorf("expected ellipsis on truncated preview, got %q", preview)
		}
	})

	t.Run("result preview carried", func(t *testing.T) {
		sink := &captureSink{}
		n := New(Options{Sink: sink}, logging.NewNop())

		task := sampleTask(models.TaskStatusCompleted)
		task.Result = &models.Result{Answer: "the answer", SessionID: "s"}
		n.TaskEvent(EventCompleted, task, "")

		if sink.events[0].ResultPreview != "the answer" {
			t.Errorf("expected result preview, got %q", sink.events[0].ResultPreview)
		}
	})

	t.Run("reason tagged", func(t *testing.T) {
		sink := &captureSink{}
		n := New(Options{Sink: sink}, logging.NewNop())

		n.TaskEvent(EventCancelled, sampleTask(models.TaskStatusCancelled), ReasonParentExit)

		if sink.events[0].Reason != ReasonParentExit {
			t.Errorf("expected parent-exit reason, got %q", sink.events[0].Reason)
		}
	})

	t.Run("nil sink is safe", func(t *testing.T) {
		n := New(Options{}, logging.NewNop())
		n.TaskEvent(EventCompleted, sampleTask(models.TaskStatusCompleted), "")
	})

	t.Run("panicking sink is contained", func(t *testing.T) {
		n := New(Options{Sink: panicSink{}}, logging.NewNop())
		n.TaskEvent(EventFailed, sampleTask(models.TaskStatusFailed), "")
	})
}

func TestSetSink(t *testing.T) {
	n := New(Options{}, logging.NewNop())
	sink := &captureSink{}
	n.SetSink(sink)

	n.TaskEvent(EventCreated, sampleTask(models.TaskStatusPending), "")
	if len(sink.events) != 1 {
		t.Fatalf("expected late-attached sink to receive events, got %d", len(sink.events))
	}
}

func TestDesktopRender(t *testing.T) {
	d := &desktopNotifier{log: logging.NewNop()}

	cases := []struct {
		typ       EventType
		wantTitle string
	}{
		{EventStarted, "Claude task started"},
		{EventCompleted, "Claude task completed"},
		{EventFailed, "Claude task failed"},
		{EventCancelled, "Claude task cancelled"},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			title, body, _ := d.render(Event{
				Type:          tc.typ,
				TaskID:        "task-abc12345",
				PromptPreview: "do the thing",
			})
			if title != tc.wantTitle {
				t.Errorf("expected title %q, got %q", tc.wantTitle, title)
			}
			if body == "" {
				t.Error("expected non-empty body")
			}
		})
	}
}

func TestDesktopSummaryLength(t *testing.T) {
	d := &desktopNotifier{log: logging.NewNop()}
	_, body, _ := d.render(Event{
		Type:          EventCompleted,
		TaskID:        "task-abc12345",
		ResultPreview: strings.Repeat("y", 200),
	})
	if len(body) != summaryLen {
		t.Errorf("expected summary capped at %d, got %d", summaryLen, len(body))
	}
	if !strings.HasSuffix(body, "...") {
		t.Errorf("expected ellipsis on truncated summary, got %q", body)
	}
}
