package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sevir/claude-relay/internal/registry"
	"github.com/sevir/claude-relay/pkg/models"
)

func doRequest(t *testing.T, s *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON body: %v\n%s", err, rec.Body.String())
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s, reg := newTestServer(t, &fakeRunner{})
	reg.Create("p", "", "/tmp")

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	stats := body["stats"].(map[string]interface{})
	if stats["active"] != float64(1) {
		t.Errorf("expected 1 active, got %v", stats["active"])
	}
}

func TestAPIVersion(t *testing.T) {
	s, _ := newTestServer(t, &fakeRunner{})

	rec := doRequest(t, s, http.MethodGet, "/api/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["version"] != "test" || body["commit"] != "deadbeef" {
		t.Errorf("unexpected version payload: %v", body)
	}
}

func TestAPIStats(t *testing.T) {
	s, reg := newTestServer(t, &fakeRunner{})
	reg.Create("p", "", "/tmp")

	rec := doRequest(t, s, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(1) {
		t.Errorf("expected 1 total, got %v", body["total"])
	}
}

func TestAPITasksList(t *testing.T) {
	s, reg := newTestServer(t, &fakeRunner{})

	reg.Create("first prompt", "", "/tmp")
	b := reg.Create("second prompt", "", "/tmp")
	completed := models.TaskStatusCompleted
	reg.Update(b.ID, registry.Update{Status: &completed, Result: &models.Result{Answer: "done"}})

	t.Run("all tasks", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/tasks", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decodeBody(t, rec)
		tasks := body["tasks"].([]interface{})
		if len(tasks) != 2 {
			t.Fatalf("expected 2 tasks, got %d", len(tasks))
		}
	})

	t.Run("status filter", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/tasks?status=completed", "")
		body := decodeBody(t, rec)
		tasks := body["tasks"].([]interface{})
		if len(tasks) != 1 {
			t.Fatalf("expected 1 completed task, got %d", len(tasks))
		}
		item := tasks[0].(map[string]interface{})
		if item["id"] != b.ID {
			t.Errorf("expected %s, got %v", b.ID, item["id"])
		}
	})

	t.Run("comma separated filter", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/tasks?status=pending,completed", "")
		body := decodeBody(t, rec)
		tasks := body["tasks"].([]interface{})
		if len(tasks) != 2 {
			t.Fatalf("expected 2 tasks, got %d", len(tasks))
		}
	})

	t.Run("repeated status params", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/tasks?status=pending&status=completed", "")
		body := decodeBody(t, rec)
		tasks := body["tasks"].([]interface{})
		if len(tasks) != 2 {
			t.Fatalf("expected 2 tasks, got %d", len(tasks))
		}
	})

	t.Run("invalid status", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/tasks?status=bogus", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestAPITaskGet(t *testing.T) {
	s, reg := newTestServer(t, &fakeRunner{})
	task := reg.Create("prompt", "", "/tmp")

	t.Run("found", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/tasks/"+task.ID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decodeBody(t, rec)
		got := body["task"].(map[string]interface{})
		if got["id"] != task.ID {
			t.Errorf("expected %s, got %v", task.ID, got["id"])
		}
		if body["elapsed"] == nil {
			t.Error("expected elapsed string")
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/tasks/task-nope", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestAPITaskCancel(t *testing.T) {
	s, reg := newTestServer(t, &fakeRunner{})
	task := reg.Create("prompt", "", "/tmp")

	rec := doRequest(t, s, http.MethodDelete, "/api/tasks/"+task.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	// Pending task with no process handle: nothing to cancel.
	if body["cancelled"] != false {
		t.Errorf("expected cancelled=false, got %v", body["cancelled"])
	}
}

func TestMCPEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeRunner{})

	t.Run("initialize over http", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/mcp",
			`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if rec.Header().Get("Mcp-Session-Id") == "" {
			t.Error("expected session id header issued")
		}

		body := decodeBody(t, rec)
		result := body["result"].(map[string]interface{})
		if result["protocolVersion"] != mcpVersion {
			t.Errorf("expected protocol %s, got %v", mcpVersion, result["protocolVersion"])
		}
	})

	t.Run("session id preserved", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		req.Header.Set("Mcp-Session-Id", "my-session")
		rec := httptest.NewRecorder()
		s.httpServer.Handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Mcp-Session-Id"); got != "my-session" {
			t.Errorf("expected session preserved, got %q", got)
		}
	})

	t.Run("get not allowed", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/mcp", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/mcp", "{not json")
		body := decodeBody(t, rec)
		rpcErr := body["error"].(map[string]interface{})
		if rpcErr["code"] != float64(-32700) {
			t.Errorf("expected parse error, got %v", rpcErr)
		}
	})

	t.Run("cors preflight", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodOptions, "/mcp", "")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("expected CORS headers on preflight")
		}
	})
}
