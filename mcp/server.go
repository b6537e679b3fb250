// Package mcp exposes the bridge tool set over the Model Context Protocol so
// MCP clients can drive device automation through stdio.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"Tether/pkg/types"

	"github.com/mark3labs/mcp-go/server"
)

// Type aliases from the shared types package
type (
	Capabilities = types.Capabilities
	SessionInfo  = types.SessionInfo
	ToolResult   = types.ToolResult
)

// BridgeApp is the surface the MCP server needs from the main application.
// The interface keeps this package decoupled from the root wiring.
type BridgeApp interface {
	GetAppVersion() string
	InitializeSession(ctx context.Context, caps Capabilities, endpoint string) (SessionInfo, error)
	CloseSession(ctx context.Context, sessionID string) error
	ListSessions() []SessionInfo
	RunTool(ctx context.Context, name string, args map[string]any, sessionID string) ToolResult
	ToolNames() []string
}

// MCPServer wraps the MCP protocol server around a BridgeApp.
type MCPServer struct {
	app       BridgeApp
	server    *server.MCPServer
	stdio     *server.StdioServer
	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer creates an MCP server exposing the bridge tool set.
func NewMCPServer(app BridgeApp) *MCPServer {
	mcpServer := server.NewMCPServer(
		"tether-device-bridge",
		app.GetAppVersion(),
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}
	s.registerTools()
	return s
}

// Start runs the MCP server on stdio (blocking).
func (s *MCPServer) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	return s.run()
}

func (s *MCPServer) run() error {
	s.stdio = server.NewStdioServer(s.server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		<-sigChan
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "[MCP] Tether MCP server started")
	err := s.stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[MCP] Server error: %v\n", err)
	}

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()

	return err
}

// IsRunning returns whether the MCP server is running.
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
