// Package launcher translates one logical request into one Claude CLI
// invocation and back into one normalized result.
package launcher

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/claude-relay/internal/registry"
	"github.com/sevir/claude-relay/pkg/models"
)

// blockingTimeout is the absolute ceiling for a blocking call. Exceeding
// it fails the call and releases the spawned process group.
const blockingTimeout = 30 * time.Minute

// Request describes one logical invocation of the CLI.
type Request struct {
	Message            string
	SessionID          string
	WorkDir            string
	SystemPrompt       string
	AppendSystemPrompt string
}

// Launcher spawns Claude CLI processes. The binary location is resolved
// once and cached for the launcher's lifetime.
type Launcher struct {
	binOverride string
	registry    *registry.Registry
	log         *zap.SugaredLogger

	binOnce sync.Once
	bin     string
	binErr  error
}

// New creates a Launcher. binOverride, when non-empty, is used verbatim as
// the executable path.
func New(binOverride string, reg *registry.Registry, log *zap.SugaredLogger) *Launcher {
	return &Launcher{
		binOverride: binOverride,
		registry:    reg,
		log:         log.Named("launcher"),
	}
}

// Validate checks a request and normalizes its working directory. It runs
// before any process is spawned; failures are ValidationErrors.
func (l *Launcher) Validate(req *Request) error {
	if strings.TrimSpace(req.Message) == "" {
		return models.NewValidationError("message", "must not be empty")
	}

	if req.SessionID != "" {
		// A continuation always inherits the original conversation's
		// working directory.
		if req.WorkDir != "" {
			return models.NewValidationError("work_dir", "cannot be overridden when resuming a session")
		}
		return nil
	}

	if req.WorkDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return models.NewValidationError("work_dir", fmt.Sprintf("cannot determine current directory: %v", err))
		}
		req.WorkDir = cwd
		return nil
	}

	abs, err := filepath.Abs(req.WorkDir)
	if err != nil {
		return models.NewValidationError("work_dir", fmt.Sprintf("cannot resolve %q: %v", req.WorkDir, err))
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.NewValidationError("work_dir", fmt.Sprintf("%q is not accessible: %v", abs, err))
	}
	if !info.IsDir() {
		return models.NewValidationError("work_dir", fmt.Sprintf("%q is not a directory", abs))
	}
	req.WorkDir = abs
	return nil
}

// Binary resolves the claude executable: the override verbatim, then the
// per-user local install, then $PATH.
func (l *Launcher) Binary() (string, error) {
	l.binOnce.Do(func() {
		if l.binOverride != "" {
			l.bin = l.binOverride
			return
		}
		if home, err := os.UserHomeDir(); err == nil {
			local := filepath.Join(home, ".claude", "local", "claude")
			if st, err := os.Stat(local); err == nil && !st.IsDir() {
				l.bin = local
				return
			}
		}
		l.bin, l.binErr = exec.LookPath("claude")
	})
	return l.bin, l.binErr
}

// buildArgs builds the argument vector. Execution is always
// non-interactive with permission prompts disabled; the output mode is a
// single JSON object for blocking calls or line-delimited JSON events for
// streaming calls.
func (l *Launcher) buildArgs(req *Request, streaming bool) []string {
	args := []string{
		"-p", req.Message,
		"--dangerously-skip-permissions",
	}

	if streaming {
		args = append(args, "--output-format", "stream-json", "--verbose")
	} else {
		args = append(args, "--output-format", "json")
	}

	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.AppendSystemPrompt)
	}

	return args
}

// command prepares the exec.Cmd with the child detached into its own
// process group, so cancellation can signal grandchildren too.
func (l *Launcher) command(req *Request, streaming bool) (*exec.Cmd, error) {
	bin, err := l.Binary()
	if err != nil {
		return nil, &models.ExecutionError{Reason: "claude binary not found", Err: err}
	}

	cmd := exec.Command(bin, l.buildArgs(req, streaming)...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// RunBlocking executes the request synchronously: buffers stdout/stderr,
// waits for exit (bounded by the 30-minute ceiling), and parses the
// result.
func (l *Launcher) RunBlocking(ctx context.Context, req Request) (*models.Result, error) {
	if err := l.Validate(&req); err != nil {
		return nil, err
	}

	cmd, err := l.command(&req, false)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &models.ExecutionError{Reason: "failed to start claude", Err: err}
	}

	l.log.Debugw("blocking run started", "pid", cmd.Process.Pid, "work_dir", req.WorkDir)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(blockingTimeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		l.killGroup(cmd)
		<-done
		return nil, &models.ExecutionError{
			Reason: fmt.Sprintf("claude did not finish within %s", blockingTimeout),
			Stderr: strings.TrimSpace(stderr.String()),
		}
	case <-ctx.Done():
		l.killGroup(cmd)
		<-done
		return nil, &models.ExecutionError{Reason: "call cancelled", Err: ctx.Err()}
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, &models.ExecutionError{
			Reason:   "claude exited with an error",
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	return parseBlockingOutput(stdout.String(), stderr.String())
}

// Start executes the request in streaming mode against an existing task.
// It returns as soon as the process is spawned; every subsequent process
// event (stdout line, stderr line, exit) becomes one registry update, and
// the final state transition happens on exit. Late events against a task
// already cancelled are discarded by the registry.
func (l *Launcher) Start(taskID string, req Request) error {
	if err := l.Validate(&req); err != nil {
		l.failTask(taskID, err.Error())
		return err
	}

	cmd, err := l.command(&req, true)
	if err != nil {
		l.failTask(taskID, err.Error())
		return err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.failTask(taskID, fmt.Sprintf("failed to create stdout pipe: %v", err))
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		l.failTask(taskID, fmt.Sprintf("failed to create stderr pipe: %v", err))
		return err
	}

	if err := cmd.Start(); err != nil {
		execErr := &models.ExecutionError{Reason: "failed to start claude", Err: err}
		l.failTask(taskID, execErr.Error())
		return execErr
	}

	running := models.TaskStatusRunning
	if err := l.registry.Update(taskID, registry.Update{
		Status:  &running,
		Process: cmd.Process,
	}); err != nil {
		// The task was cancelled between creation and spawn; reap the
		// orphaned process.
		l.killGroup(cmd)
		go cmd.Wait()
		return nil
	}

	l.log.Infow("streaming run started", "task_id", taskID, "pid", cmd.Process.Pid, "work_dir", req.WorkDir)

	go l.supervise(taskID, cmd, stdout, stderr)
	return nil
}

// supervise consumes the process's output and translates each event into
// a registry update, finishing with the terminal transition on exit.
func (l *Launcher) supervise(taskID string, cmd *exec.Cmd, stdout, stderr io.ReadCloser) {
	collector := newStreamCollector()
	var stderrBuf bytes.Buffer

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			collector.feed(scanner.Text())
			// Each chunk is a lifecycle event: refresh the task.
			l.registry.Update(taskID, registry.Update{})
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			stderrBuf.WriteString(scanner.Text())
			stderrBuf.WriteString("\n")
			l.registry.Update(taskID, registry.Update{})
		}
	}()

	wg.Wait()
	err := cmd.Wait()

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		execErr := &models.ExecutionError{
			Reason:   "claude exited with an error",
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderrBuf.String()),
			Err:      err,
		}
		l.failTask(taskID, execErr.Error())
		return
	}

	result, perr := collector.finalResult(stderrBuf.String())
	if perr != nil {
		l.failTask(taskID, perr.Error())
		return
	}

	completed := models.TaskStatusCompleted
	uerr := l.registry.Update(taskID, registry.Update{
		Status: &completed,
		Result: result,
	})
	if uerr != nil {
		// Lost the race against a cancellation; nothing to do.
		l.log.Debugw("discarding late completion", "task_id", taskID, "error", uerr)
	}
}

func (l *Launcher) failTask(taskID, msg string) {
	failed := models.TaskStatusFailed
	if err := l.registry.Update(taskID, registry.Update{
		Status: &failed,
		Error:  &msg,
	}); err != nil {
		l.log.Debugw("discarding late failure", "task_id", taskID, "error", err)
	}
}

func (l *Launcher) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}
