package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/thearchitectit/guardrail-mcp/internal/config"
	"github.com/thearchitectit/guardrail-mcp/internal/registry"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
	"github.com/thearchitectit/guardrail-mcp/internal/tools"
)

// contextKey is a type-safe context key to avoid string allocation
type contextKey int

const (
	ctxKeyStreamID contextKey = iota
)

// Pre-allocated byte slices for common SSE messages to reduce allocations
var (
	sseEndpointPrefix = []byte("event: endpoint\ndata: ")
	sseMessagePrefix  = []byte("event: message\ndata: ")
	sseDoubleNewline  = []byte("\n\n")
	ssePingComment    = []byte(": ping\n\n")
)

// Server wraps the MCP-go JSON-RPC server with the enforcement-pipeline
// tool registry. The process binds exactly one session.Context at
// bootstrap (identity/tenant/capabilities are process-wide, never
// client-supplied); this type only multiplexes transport-level SSE
// streams on top of that single bound identity.
type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	sess      *session.Context
	registry  *registry.ToolRegistry
	mcpServer server.MCPServer
	streams   map[string]*stream
	streamsMu sync.RWMutex
}

// stream is one SSE transport connection's response queue. It carries no
// identity of its own; every tool call it forwards runs against the
// process's single bound session.Context.
type stream struct {
	ID            string
	CreatedAt     time.Time
	LastActivity  time.Time
	ResponseQueue chan []byte
	Closed        chan struct{}
}

// NewServer creates an MCP transport server bound to sess and running
// every tool call through reg's enforcement pipeline.
func NewServer(cfg *config.Config, sess *session.Context, reg *registry.ToolRegistry) *Server {
	s := &Server{
		cfg:      cfg,
		sess:     sess,
		registry: reg,
		streams:  make(map[string]*stream),
	}

	s.mcpServer = server.NewDefaultServer("guardrail-mcp", "1.0.0")
	s.registerHandlers()

	return s
}

// registerHandlers wires the MCP-go list/call handlers to the
// ToolRegistry instead of a fixed switch statement over hardcoded tool
// names; every tool the registry knows about is discoverable and callable
// through the same pipeline.
func (s *Server) registerHandlers() {
	s.mcpServer.HandleListTools(func(ctx context.Context, cursor *string) (*mcp.ListToolsResult, error) {
		descriptors := s.registry.ListTools(s.sess)
		mcpTools := make([]mcp.Tool, 0, len(descriptors))
		for _, d := range descriptors {
			mcpTools = append(mcpTools, mcp.Tool{
				Name:        d.Name,
				Description: tools.Description(d.Name),
				InputSchema: tools.InputSchema(d.Name),
			})
		}
		return &mcp.ListToolsResult{Tools: mcpTools}, nil
	})

	s.mcpServer.HandleCallTool(s.handleToolCall)
}

// handleToolCall is the single entry point for every tool invocation: it
// delegates straight to the registry's enforcement pipeline and never
// branches on tool name itself.
func (s *Server) handleToolCall(ctx context.Context, name string, arguments map[string]interface{}) (*mcp.CallToolResult, error) {
	result, err := s.registry.ExecuteTool(ctx, s.sess, name, arguments)
	if result == nil {
		return &mcp.CallToolResult{
			Content: []interface{}{mcp.TextContent{Type: "text", Text: fmt.Sprintf("request could not be processed: %v", err)}},
			IsError: true,
		}, nil
	}

	text := result.Content
	if result.IsError && text == "" {
		text = result.Reason
	}
	return &mcp.CallToolResult{
		Content: []interface{}{mcp.TextContent{Type: "text", Text: text}},
		IsError: result.IsError,
	}, nil
}

// Start starts the MCP server
func (s *Server) Start(addr string) error {
	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.securityHeadersMiddleware())
	s.echo.Use(middleware.BodyLimit("1M"))

	s.echo.GET("/mcp/v1/sse", s.handleSSE)
	s.echo.POST("/mcp/v1/message", s.handleMessage, middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: s.cfg.RequestTimeout,
	}))

	go s.runStreamCleanup()

	slog.Info("Starting MCP SSE server", "addr", addr)
	return s.echo.Start(addr)
}

// runStreamCleanup runs the stream cleanup loop with panic recovery
func (s *Server) runStreamCleanup() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stream cleanup goroutine panicked, restarting", "panic", r)
			time.Sleep(5 * time.Second)
			go s.runStreamCleanup()
		}
	}()
	s.streamCleanup()
}

func (s *Server) securityHeadersMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			c.Response().Header().Set("X-XSS-Protection", "1; mode=block")
			c.Response().Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.echo != nil {
		return s.echo.Shutdown(ctx)
	}
	return nil
}

// handleSSE handles SSE connections with optimized string building
func (s *Server) handleSSE(c echo.Context) error {
	origin := c.Request().Header.Get("Origin")
	originAllowed := isOriginAllowed(origin, s.cfg.ProductionMode)

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")

	if originAllowed && origin != "" {
		c.Response().Header().Set("Access-Control-Allow-Origin", origin)
		c.Response().Header().Set("Access-Control-Allow-Methods", "GET")
		c.Response().Header().Set("Vary", "Origin")
	}

	c.Response().WriteHeader(http.StatusOK)

	streamID := generateStreamID()
	now := time.Now()
	st := &stream{
		ID:            streamID,
		CreatedAt:     now,
		LastActivity:  now,
		ResponseQueue: make(chan []byte, 100),
		Closed:        make(chan struct{}),
	}

	s.streamsMu.Lock()
	s.streams[streamID] = st
	s.streamsMu.Unlock()

	defer func() {
		s.streamsMu.Lock()
		if current, ok := s.streams[streamID]; ok && current == st {
			delete(s.streams, streamID)
			close(st.Closed)
		}
		s.streamsMu.Unlock()
	}()

	var sb strings.Builder
	sb.Grow(100)
	if c.Request().TLS != nil {
		sb.WriteString("https://")
	} else {
		sb.WriteString("http://")
	}
	sb.WriteString(c.Request().Host)
	sb.WriteString("/mcp/v1/message?session_id=")
	sb.WriteString(streamID)
	messageEndpoint := sb.String()

	slog.Debug("SSE connection established", "stream_id", streamID)

	if err := writeSSEEvent(c.Response(), sseEndpointPrefix, messageEndpoint); err != nil {
		slog.Warn("SSE endpoint write failed", "stream_id", streamID, "error", err)
		return nil
	}
	c.Response().Flush()

	clientGone := c.Request().Context().Done()

	if err := writeSSEComment(c.Response(), ssePingComment); err != nil {
		slog.Warn("SSE initial keep-alive write failed", "stream_id", streamID, "error", err)
		return nil
	}
	c.Response().Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case payload := <-st.ResponseQueue:
			if err := writeSSEEvent(c.Response(), sseMessagePrefix, string(payload)); err != nil {
				slog.Debug("SSE response write failed, client disconnected", "stream_id", streamID, "error", err)
				return nil
			}
			c.Response().Flush()
		case <-ticker.C:
			if err := writeSSEComment(c.Response(), ssePingComment); err != nil {
				slog.Debug("SSE write failed, client disconnected", "stream_id", streamID, "error", err)
				return nil
			}
			c.Response().Flush()
		case <-clientGone:
			slog.Debug("SSE client disconnected", "stream_id", streamID)
			return nil
		}
	}
}

// isOriginAllowed checks if the origin is in the allowed list
func isOriginAllowed(origin string, isProduction bool) bool {
	allowedOrigins := []string{"http://localhost:*", "https://localhost:*"}
	if isProduction {
		allowedOrigins = []string{"http://localhost:8081", "https://localhost:8081"}
	}

	for _, allowed := range allowedOrigins {
		if strings.HasSuffix(allowed, ":*") {
			prefix := strings.TrimSuffix(allowed, ":*")
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		} else if origin == allowed || allowed == "*" {
			return true
		}
	}
	return false
}

func writeSSEEvent(w http.ResponseWriter, prefix []byte, data string) error {
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	if _, err := w.Write([]byte(data)); err != nil {
		return err
	}
	_, err := w.Write(sseDoubleNewline)
	return err
}

func writeSSEComment(w http.ResponseWriter, comment []byte) error {
	_, err := w.Write(comment)
	return err
}

// handleMessage handles incoming JSON-RPC messages per MCP specification
func (s *Server) handleMessage(c echo.Context) error {
	streamID := c.QueryParam("session_id")
	if streamID == "" {
		return c.JSON(http.StatusBadRequest, server.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      nil,
			Error: &struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}{
				Code:    -32000,
				Message: "Missing session_id parameter: session_id query parameter is required",
			},
		})
	}

	s.streamsMu.RLock()
	st, streamExists := s.streams[streamID]
	s.streamsMu.RUnlock()

	if !streamExists {
		slog.Warn("message received for invalid/expired stream", "stream_id", streamID)
	}

	var request server.JSONRPCRequest
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, server.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      nil,
			Error: &struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}{
				Code:    -32700,
				Message: "Parse error: " + err.Error(),
			},
		})
	}

	if request.JSONRPC != "2.0" {
		return c.JSON(http.StatusBadRequest, server.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      request.ID,
			Error: &struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}{
				Code:    -32600,
				Message: "Invalid Request: jsonrpc field must be '2.0'",
			},
		})
	}

	ctx := context.WithValue(c.Request().Context(), ctxKeyStreamID, streamID)

	response := s.mcpServer.Request(ctx, request)

	if streamExists {
		s.streamsMu.Lock()
		if cur, ok := s.streams[streamID]; ok {
			cur.LastActivity = time.Now()
			st = cur
		}
		s.streamsMu.Unlock()
	}

	if streamExists && st != nil && st.ResponseQueue != nil {
		if request.ID == nil {
			return c.NoContent(http.StatusAccepted)
		}

		responseJSON, err := json.Marshal(response)
		if err != nil {
			slog.Error("failed to marshal JSON-RPC response", "stream_id", streamID, "error", err)
			return c.JSON(http.StatusInternalServerError, server.JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      request.ID,
				Error: &struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				}{
					Code:    -32603,
					Message: "Internal error: failed to encode response",
				},
			})
		}

		select {
		case st.ResponseQueue <- responseJSON:
			return c.NoContent(http.StatusAccepted)
		case <-st.Closed:
			slog.Warn("SSE stream closed before response enqueue", "stream_id", streamID)
			return c.JSON(http.StatusGone, server.JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      request.ID,
				Error: &struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				}{
					Code:    -32000,
					Message: "Stream closed",
				},
			})
		case <-time.After(1 * time.Second):
			slog.Warn("SSE response queue full", "stream_id", streamID)
			return c.JSON(http.StatusServiceUnavailable, server.JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      request.ID,
				Error: &struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				}{
					Code:    -32000,
					Message: "Stream busy",
				},
			})
		}
	}

	return c.JSON(http.StatusOK, response)
}

// generateStreamID creates a cryptographically secure SSE stream identifier
func generateStreamID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		slog.Error("failed to generate secure random stream id, falling back to timestamp", "error", err)
		return fmt.Sprintf("stream_%d", time.Now().UnixNano())
	}
	return "stream_" + hex.EncodeToString(b)
}

// streamCleanup periodically removes expired SSE streams to prevent memory leaks
func (s *Server) streamCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		expiredIDs := s.collectExpiredStreams(now)

		if len(expiredIDs) > 0 {
			s.deleteStreamsBatch(expiredIDs)
			slog.Debug("cleaned up expired SSE streams", "count", len(expiredIDs))
		}
	}
}

func (s *Server) collectExpiredStreams(now time.Time) []string {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()

	expiredCount := 0
	for _, st := range s.streams {
		if now.Sub(st.LastActivity) > time.Hour {
			expiredCount++
		}
	}
	if expiredCount == 0 {
		return nil
	}

	expiredIDs := make([]string, 0, expiredCount)
	for id, st := range s.streams {
		if now.Sub(st.LastActivity) > time.Hour {
			expiredIDs = append(expiredIDs, id)
		}
	}
	return expiredIDs
}

func (s *Server) deleteStreamsBatch(ids []string) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	for _, id := range ids {
		delete(s.streams, id)
	}
}
