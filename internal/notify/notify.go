// Package notify propagates task lifecycle events on a best-effort basis.
// Nothing in this package ever blocks or fails task processing: every
// channel swallows its own errors and logs them at debug level only.
package notify

import (
	"time"

	"go.uber.org/zap"

	"github.com/sevir/claude-relay/pkg/models"
)

// EventType identifies a lifecycle transition.
type EventType string

const (
	EventCreated   EventType = "created"
	EventStarted   EventType = "started"
	EventUpdated   EventType = "updated"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Cancellation reason tags carried on cancelled events.
const (
	ReasonUser       = "user-requested"
	ReasonParentExit = "parent-exit"
	ReasonShutdown   = "shutdown"
)

// Event is one lifecycle notification.
type Event struct {
	Type          EventType         `json:"type"`
	TaskID        string            `json:"task_id"`
	Status        models.TaskStatus `json:"status"`
	PromptPreview string            `json:"prompt_preview,omitempty"`
	ResultPreview string            `json:"result_preview,omitempty"`
	Error         string            `json:"error,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Sink is the capability interface a hosting transport implements when it
// can deliver unsolicited events to its caller. Transports that cannot
// simply never provide one.
type Sink interface {
	Publish(Event)
}

const previewLen = 80

// Notifier fans lifecycle events out to an optional structured sink and an
// optional desktop channel.
type Notifier struct {
	sink    Sink
	desktop *desktopNotifier
	log     *zap.SugaredLogger
}

// Options configures a Notifier.
type Options struct {
	// Sink receives structured events; nil degrades to debug logging.
	Sink Sink
	// Desktop enables the local desktop notification channel.
	Desktop bool
}

// New creates a Notifier. Both channels are optional.
func New(opts Options, log *zap.SugaredLogger) *Notifier {
	n := &Notifier{
		sink: opts.Sink,
		log:  log.Named("notify"),
	}
	if opts.Desktop {
		n.desktop = newDesktopNotifier(n.log)
	}
	return n
}

// SetSink attaches the structured channel after construction. The server
// is built after the registry, so the sink arrives late during wiring.
func (n *Notifier) SetSink(s Sink) {
	n.sink = s
}

// TaskEvent emits an event for a task transition. Safe to call from any
// goroutine; never returns an error.
func (n *Notifier) TaskEvent(typ EventType, task *models.Task, reason string) {
	ev := Event{
		Type:          typ,
		TaskID:        task.ID,
		Status:        task.Status,
		PromptPreview: models.Truncate(task.Prompt, previewLen),
		Error:         task.Error,
		Reason:        reason,
		Timestamp:     time.Now(),
	}
	if task.Result != nil {
		ev.ResultPreview = models.Truncate(task.Result.Answer, previewLen)
	}

	n.publish(ev)

	// The desktop channel only speaks start and terminal transitions.
	if n.desktop != nil {
		switch typ {
		case EventStarted, EventCompleted, EventFailed, EventCancelled:
			n.desktop.notify(ev)
		}
	}
}

func (n *Notifier) publish(ev Event) {
	if n.sink == nil {
		n.log.Debugw("event (no sink attached)",
			"type", ev.Type, "task_id", ev.TaskID, "status", ev.Status)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Debugw("sink panicked", "recover", r)
		}
	}()
	n.sink.Publish(ev)
}
