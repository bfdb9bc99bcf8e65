package notify

import (
	"fmt"
	"os/exec"
	"runtime"

	"go.uber.org/zap"

	"github.com/sevir/claude-relay/pkg/models"
)

const summaryLen = 56

// desktopNotifier shells out to the platform notification helper. The
// helper binary is resolved once; platforms without one disable the
// channel entirely.
type desktopNotifier struct {
	helper string
	log    *zap.SugaredLogger
}

func newDesktopNotifier(log *zap.SugaredLogger) *desktopNotifier {
	d := &desktopNotifier{log: log}
	switch runtime.GOOS {
	case "darwin":
		if p, err := exec.LookPath("osascript"); err == nil {
			d.helper = p
		}
	case "linux":
		if p, err := exec.LookPath("notify-send"); err == nil {
			d.helper = p
		}
	}
	if d.helper == "" {
		log.Debugw("no desktop notification helper available", "os", runtime.GOOS)
		return nil
	}
	return d
}

// notify fires the helper and forgets it. Errors are debug-logged only.
func (d *desktopNotifier) notify(ev Event) {
	title, body, sound := d.render(ev)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q sound name %q", body, title, sound)
		cmd = exec.Command(d.helper, "-e", script)
	case "linux":
		urgency := "normal"
		if ev.Type == EventFailed {
			urgency = "critical"
		}
		cmd = exec.Command(d.helper, "-u", urgency, title, body)
	default:
		return
	}

	go func() {
		if err := cmd.Run(); err != nil {
			d.log.Debugw("desktop notification failed", "error", err)
		}
	}()
}

func (d *desktopNotifier) render(ev Event) (title, body, sound string) {
	switch ev.Type {
	case EventStarted:
		title = "Claude task started"
		body = ev.PromptPreview
		sound = "Pop"
	case EventCompleted:
		title = "Claude task completed"
		body = ev.ResultPreview
		sound = "Glass"
	case EventFailed:
		title = "Claude task failed"
		body = ev.Error
		sound = "Basso"
	case EventCancelled:
		title = "Claude task cancelled"
		body = ev.PromptPreview
		sound = "Funk"
	default:
		title = "Claude task"
		body = ev.PromptPreview
		sound = "Pop"
	}
	if body == "" {
		body = ev.TaskID
	}
	body = models.Truncate(body, summaryLen)
	return title, body, sound
}
