// Package server implements the MCP transport (HTTP Streamable and stdio)
// and the REST API in front of the task registry and launcher.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sevir/claude-relay/internal/launcher"
	"github.com/sevir/claude-relay/internal/notify"
	"github.com/sevir/claude-relay/internal/registry"
	"github.com/sevir/claude-relay/pkg/models"
)

const (
	jsonRPCVersion = "2.0"
	mcpVersion     = "2024-11-05"
)

// Runner is the launcher surface the server depends on.
type Runner interface {
	Validate(req *launcher.Request) error
	RunBlocking(ctx context.Context, req launcher.Request) (*models.Result, error)
	Start(taskID string, req launcher.Request) error
}

// Server is the MCP HTTP Streamable and stdio server.
type Server struct {
	registry   *registry.Registry
	runner     Runner
	addr       string
	version    string
	commit     string
	httpServer *http.Server
	sessions   map[string]*Session
	sessionMu  sync.RWMutex
	tools      map[string]ToolHandler
	useStdio   bool
	log        *zap.SugaredLogger

	stdioMu  sync.Mutex
	stdioEnc *json.Encoder
}

// Session represents an MCP session.
type Session struct {
	ID        string
	CreatedAt time.Time
	events    chan []byte
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCNotification is a server-initiated message without an id.
type JSONRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ToolHandler handles a tool call.
type ToolHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Config holds server configuration.
type Config struct {
	Addr     string
	Registry *registry.Registry
	Runner   Runner
	Version  string
	Commit   string
	UseStdio bool
	Logger   *zap.SugaredLogger
}

// New creates a new MCP server.
func New(cfg Config) *Server {
	s := &Server{
		registry: cfg.Registry,
		runner:   cfg.Runner,
		addr:     cfg.Addr,
		version:  cfg.Version,
		commit:   cfg.Commit,
		sessions: make(map[string]*Session),
		tools:    make(map[string]ToolHandler),
		useStdio: cfg.UseStdio,
		log:      cfg.Logger.Named("server"),
	}

	s.registerTools()

	// Only set up HTTP server if not using stdio
	if !cfg.UseStdio {
		mux := http.NewServeMux()
		mux.HandleFunc("/mcp", s.handleMCP)
		mux.HandleFunc("/mcp/sse", s.handleSSE)
		mux.HandleFunc("/health", s.handleHealth)

		// The REST API is handled by Gin; MCP endpoints stay on the stdlib mux.
		mux.Handle("/", s.newGinEngine())

		s.httpServer = &http.Server{
			Addr:         cfg.Addr,
			Handler:      s.corsMiddleware(mux),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // No timeout for SSE
		}
	}

	return s
}

// Publish implements notify.Sink: lifecycle events become SSE messages for
// HTTP sessions, or JSON-RPC notifications in stdio mode. Delivery is
// best-effort; a transport that cannot take the event just drops it.
func (s *Server) Publish(ev notify.Event) {
	if s.useStdio {
		s.stdioMu.Lock()
		enc := s.stdioEnc
		if enc != nil {
			enc.Encode(&JSONRPCNotification{
				JSONRPC: jsonRPCVersion,
				Method:  "notifications/task_event",
				Params:  ev,
			})
		}
		s.stdioMu.Unlock()
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Debugw("failed to marshal event", "error", err)
		return
	}

	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	for _, session := range s.sessions {
		select {
		case session.events <- data:
		default:
			// Slow consumer; the event channel is best-effort.
		}
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server or stdio loop.
func (s *Server) Start() error {
	if s.useStdio {
		return s.runStdio()
	}
	s.log.Infof("MCP server starting on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.useStdio {
		// For stdio there is no listener to shut down.
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// runStdio runs the MCP server in stdio mode.
func (s *Server) runStdio() error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	encoder := json.NewEncoder(os.Stdout)
	s.stdioMu.Lock()
	s.stdioEnc = encoder
	s.stdioMu.Unlock()

	session := &Session{
		ID:        "stdio",
		CreatedAt: time.Now(),
		events:    make(chan []byte, 100),
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeStdio(&JSONRPCResponse{
				JSONRPC: jsonRPCVersion,
				Error:   &JSONRPCError{Code: -32700, Message: "Parse error", Data: err.Error()},
			})
			continue
		}

		response := s.handleRequest(context.Background(), session, &req)
		if err := s.writeStdio(response); err != nil {
			s.log.Errorw("error encoding response", "error", err)
			return err
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("error reading from stdin: %w", err)
	}

	return nil
}

// writeStdio serializes stdout writes so responses and unsolicited
// notifications never interleave.
func (s *Server) writeStdio(v interface{}) error {
	s.stdioMu.Lock()
	defer s.stdioMu.Unlock()
	return s.stdioEnc.Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"stats":  stats,
	})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Get or create session
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	s.sessionMu.Lock()
	session, exists := s.sessions[sessionID]
	if !exists {
		session = &Session{
			ID:        sessionID,
			CreatedAt: time.Now(),
			events:    make(chan []byte, 100),
		}
		s.sessions[sessionID] = session
	}
	s.sessionMu.Unlock()

	// Parse request
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, -32700, "Parse error", err.Error())
		return
	}

	// Set session header
	w.Header().Set("Mcp-Session-Id", sessionID)
	w.Header().Set("Content-Type", "application/json")

	// Handle request
	response := s.handleRequest(r.Context(), session, &req)
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}

	s.sessionMu.RLock()
	session, exists := s.sessions[sessionID]
	s.sessionMu.RUnlock()

	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Send initial connection event
	fmt.Fprintf(w, "event: connected\ndata: {\"sessionId\":\"%s\"}\n\n", sessionID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-session.events:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, session *Session, req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "initialized":
		return s.handleInitialized(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return s.handlePing(req)
	default:
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error: &JSONRPCError{
				Code:    -32601,
				Message: "Method not found",
			},
		}
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": mcpVersion,
			"serverInfo": map[string]string{
				"name":    "claude-relay",
				"version": s.version,
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
		},
	}
}

func (s *Server) handleInitialized(req *JSONRPCRequest) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Result:  map[string]interface{}{},
	}
}

func (s *Server) handlePing(req *JSONRPCRequest) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Result:  map[string]interface{}{},
	}
}

func (s *Server) handleToolsList(req *JSONRPCRequest) *JSONRPCResponse {
	tools := s.getToolDefinitions()
	return &JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": tools,
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error: &JSONRPCError{
				Code:    -32602,
				Message: "Invalid params",
				Data:    err.Error(),
			},
		}
	}

	handler, exists := s.tools[params.Name]
	if !exists {
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error: &JSONRPCError{
				Code:    -32602,
				Message: fmt.Sprintf("Unknown tool: %s", params.Name),
			},
		}
	}

	result, err := handler(ctx, params.Arguments)
	if err != nil {
		return &JSONRPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Result: map[string]interface{}{
				"content": []map[string]interface{}{
					{
						"type": "text",
						"text": fmt.Sprintf("Error: %s", err.Error()),
					},
				},
				"isError": true,
			},
		}
	}

	// Format result as MCP tool result
	text, _ := json.MarshalIndent(result, "", "  ")
	return &JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": string(text),
				},
			},
		},
	}
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message, data string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}
