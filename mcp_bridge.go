package main

import (
	"context"

	"Tether/mcp"
)

// MCPBridge adapts the App to the mcp.BridgeApp interface.
type MCPBridge struct {
	app *App
}

// NewMCPBridge creates a new MCP bridge.
func NewMCPBridge(app *App) *MCPBridge {
	return &MCPBridge{app: app}
}

func (b *MCPBridge) GetAppVersion() string {
	return b.app.GetAppVersion()
}

func (b *MCPBridge) InitializeSession(ctx context.Context, caps mcp.Capabilities, endpoint string) (mcp.SessionInfo, error) {
	return b.app.InitializeSession(ctx, caps, endpoint)
}

func (b *MCPBridge) CloseSession(ctx context.Context, sessionID string) error {
	return b.app.CloseSession(ctx, sessionID)
}

func (b *MCPBridge) ListSessions() []mcp.SessionInfo {
	sessions := b.app.sessions.List()
	infos := make([]mcp.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

func (b *MCPBridge) RunTool(ctx context.Context, name string, args map[string]any, sessionID string) mcp.ToolResult {
	return b.app.RunTool(ctx, name, args, sessionID)
}

func (b *MCPBridge) ToolNames() []string {
	return b.app.ToolNames()
}
