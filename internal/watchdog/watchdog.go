// Package watchdog detects that the process which launched this service
// is gone and fails safe by cancelling all outstanding work rather than
// leaving orphaned subprocesses running unsupervised.
package watchdog

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/sevir/claude-relay/internal/notify"
	"github.com/sevir/claude-relay/internal/registry"
)

const probeInterval = time.Second

// Watchdog probes the parent process on a fixed interval. The probe and
// exit functions are injectable so the loss path is testable.
type Watchdog struct {
	parentPID int
	registry  *registry.Registry
	log       *zap.SugaredLogger

	probe func(pid int) bool
	exit  func(code int)

	stopCh chan struct{}
}

// New creates a Watchdog bound to the current parent process.
func New(reg *registry.Registry, log *zap.SugaredLogger) *Watchdog {
	return &Watchdog{
		parentPID: os.Getppid(),
		registry:  reg,
		log:       log.Named("watchdog"),
		probe:     pidAlive,
		exit:      os.Exit,
		stopCh:    make(chan struct{}),
	}
}

// pidAlive is a zero-effect liveness probe for a process id.
func pidAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return alive
}

// Start launches the probe loop in its own goroutine.
func (w *Watchdog) Start() {
	w.log.Debugw("watching parent process", "parent_pid", w.parentPID)
	go w.loop()
}

// Stop halts the probe loop without triggering the loss path.
func (w *Watchdog) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

func (w *Watchdog) loop() {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.parentGone() {
				w.onParentExit()
				return
			}
		}
	}
}

// parentGone reports parent loss: either we were already reparented to
// init, or the liveness probe fails.
func (w *Watchdog) parentGone() bool {
	if os.Getppid() == 1 {
		return true
	}
	return !w.probe(w.parentPID)
}

// onParentExit cancels every active task with a parent-exit reason, tears
// the registry down, and terminates the host process. This is graceful
// self-shutdown, not a crash, hence the zero exit code.
func (w *Watchdog) onParentExit() {
	n := w.registry.CancelAll(notify.ReasonParentExit)
	w.log.Infow("parent process gone, shutting down",
		"parent_pid", w.parentPID, "cancelled_tasks", n)
	w.registry.Destroy()
	w.exit(0)
}
