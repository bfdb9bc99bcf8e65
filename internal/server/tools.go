package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sevir/claude-relay/internal/launcher"
	"github.com/sevir/claude-relay/pkg/models"
)

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func (s *Server) registerTools() {
	s.tools["start_task"] = s.toolStartTask
	s.tools["resume_task"] = s.toolResumeTask
	s.tools["task_status"] = s.toolTaskStatus
	s.tools["cancel_task"] = s.toolCancelTask
	s.tools["get_stats"] = s.toolGetStats
}

func (s *Server) getToolDefinitions() []Tool {
	return []Tool{
		{
			Name:        "start_task",
			Description: "Start a fresh Claude conversation. Blocking by default: returns the answer text and a session_id usable to resume the conversation later. With async=true, returns a task_id immediately; poll task_status for progress.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"message": map[string]interface{}{
						"type":        "string",
						"description": "The message to send to Claude",
					},
					"work_dir": map[string]interface{}{
						"type":        "string",
						"description": "Working directory for the session (absolute path). Defaults to the server's current directory",
					},
					"system_prompt": map[string]interface{}{
						"type":        "string",
						"description": "Full replacement for Claude's system prompt, passed through unmodified",
					},
					"append_system_prompt": map[string]interface{}{
						"type":        "string",
						"description": "Additive suffix for Claude's system prompt, passed through unmodified",
					},
					"async": map[string]interface{}{
						"type":        "boolean",
						"description": "Run in the background (true) or wait for the answer (false). Default: false",
						"default":     false,
					},
				},
				"required": []string{"message"},
			},
		},
		{
			Name:        "resume_task",
			Description: "Continue a prior Claude conversation identified by its session_id. The working directory is always inherited from the original session and cannot be overridden.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"message": map[string]interface{}{
						"type":        "string",
						"description": "The message to send to Claude",
					},
					"session_id": map[string]interface{}{
						"type":        "string",
						"description": "The session_id returned by a previous start_task or resume_task call",
					},
					"async": map[string]interface{}{
						"type":        "boolean",
						"description": "Run in the background (true) or wait for the answer (false). Default: false",
						"default":     false,
					},
				},
				"required": []string{"message", "session_id"},
			},
		},
		{
			Name:        "task_status",
			Description: "Get the current state of a background task: status, elapsed time, working directory, timestamps, and the result or error once terminal",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task_id": map[string]interface{}{
						"type":        "string",
						"description": "The task ID to inspect",
					},
				},
				"required": []string{"task_id"},
			},
		},
		{
			Name:        "cancel_task",
			Description: "Request cancellation of a background task. Signals the whole process group; returns whether anything was actually cancelled. Never fails",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task_id": map[string]interface{}{
						"type":        "string",
						"description": "The task ID to cancel",
					},
				},
				"required": []string{"task_id"},
			},
		},
		{
			Name:        "get_stats",
			Description: "Get a point-in-time snapshot of task counts (active, completed, total)",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

func (s *Server) toolStartTask(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req models.StartRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, models.NewValidationError("arguments", err.Error())
	}

	lreq := launcher.Request{
		Message:            req.Message,
		WorkDir:            req.WorkDir,
		SystemPrompt:       req.SystemPrompt,
		AppendSystemPrompt: req.AppendSystemPrompt,
	}
	return s.execute(ctx, lreq, req.Async)
}

func (s *Server) toolResumeTask(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req models.ResumeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, models.NewValidationError("arguments", err.Error())
	}
	if req.SessionID == "" {
		return nil, models.NewValidationError("session_id", "required to resume a conversation")
	}

	lreq := launcher.Request{
		Message:   req.Message,
		SessionID: req.SessionID,
	}
	return s.execute(ctx, lreq, req.Async)
}

// execute runs the request on the blocking path, or registers a task and
// hands it to the launcher on the background path.
func (s *Server) execute(ctx context.Context, lreq launcher.Request, async bool) (interface{}, error) {
	// Validation fails fast, before any task record or process exists.
	if err := s.runner.Validate(&lreq); err != nil {
		return nil, err
	}

	if !async {
		result, err := s.runner.RunBlocking(ctx, lreq)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"result":      result.Answer,
			"session_id":  result.SessionID,
			"cost_usd":    result.CostUSD,
			"duration_ms": result.DurationMS,
		}, nil
	}

	task := s.registry.Create(lreq.Message, lreq.SessionID, lreq.WorkDir)
	go s.runner.Start(task.ID, lreq)

	return map[string]interface{}{
		"task_id": task.ID,
		"status":  task.Status,
		"message": "Task started. Use task_status to poll for progress.",
	}, nil
}

func (s *Server) toolTaskStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, models.NewValidationError("arguments", err.Error())
	}

	task, ok := s.registry.Get(req.TaskID)
	if !ok {
		return nil, fmt.Errorf("task not found: %s", req.TaskID)
	}

	resp := map[string]interface{}{
		"task_id":    task.ID,
		"status":     task.Status,
		"summary":    fmt.Sprintf("Status: %s", task.Status),
		"elapsed":    task.Elapsed().Round(time.Millisecond).String(),
		"work_dir":   task.WorkDir,
		"created_at": task.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": task.UpdatedAt.Format(time.RFC3339Nano),
	}

	switch task.Status {
	case models.TaskStatusCompleted:
		if task.Result != nil {
			resp["result"] = task.Result.Answer
			resp["session_id"] = task.Result.SessionID
			resp["cost_usd"] = task.Result.CostUSD
			resp["duration_ms"] = task.Result.DurationMS
		}
	case models.TaskStatusFailed:
		resp["error"] = task.Error
	}

	return resp, nil
}

func (s *Server) toolCancelTask(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		// cancel never hard-fails; report the problem as an outcome.
		return map[string]interface{}{
			"cancelled": false,
			"message":   fmt.Sprintf("invalid arguments: %v", err),
		}, nil
	}

	cancelled := s.registry.Cancel(req.TaskID)
	msg := fmt.Sprintf("Task %s cancelled", req.TaskID)
	if !cancelled {
		msg = fmt.Sprintf("Task %s was not cancelled (unknown, already finished, or not yet started)", req.TaskID)
	}
	return map[string]interface{}{
		"cancelled": cancelled,
		"message":   msg,
	}, nil
}

func (s *Server) toolGetStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.registry.Stats(), nil
}
