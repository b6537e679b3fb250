package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the bridge tool set.
func (s *MCPServer) registerTools() {
	s.registerSessionTools()
	s.registerActionTools()
	s.registerPerceptionTools()
}

// ========================================
// Session tools
// ========================================

func (s *MCPServer) registerSessionTools() {
	s.server.AddTool(
		mcp.NewTool("session_initialize",
			mcp.WithDescription("Open a new device automation session"),
			mcp.WithString("platform_name",
				mcp.Description("Target platform (default: Android)"),
			),
			mcp.WithString("device_id",
				mcp.Description("Device serial or UDID"),
			),
			mcp.WithString("app_package",
				mcp.Description("App package to start with"),
			),
			mcp.WithString("app_activity",
				mcp.Description("App activity to start with"),
			),
			mcp.WithBoolean("no_reset",
				mcp.Description("Keep app state between sessions"),
			),
			mcp.WithString("endpoint",
				mcp.Description("Automation endpoint URL (default: the bridge's configured driver)"),
			),
		),
		s.handleSessionInitialize,
	)

	s.server.AddTool(
		mcp.NewTool("session_close",
			mcp.WithDescription("Close an automation session. Closing an unknown session succeeds."),
			mcp.WithString("session_id",
				mcp.Description("Session to close (default: most recent)"),
			),
		),
		s.handleSessionClose,
	)

	s.server.AddTool(
		mcp.NewTool("session_list",
			mcp.WithDescription("List live automation sessions"),
		),
		s.handleSessionList,
	)
}

func (s *MCPServer) handleSessionInitialize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	caps := Capabilities{
		PlatformName: stringArg(args, "platform_name"),
		DeviceID:     stringArg(args, "device_id"),
		AppPackage:   stringArg(args, "app_package"),
		AppActivity:  stringArg(args, "app_activity"),
	}
	if v, ok := args["no_reset"].(bool); ok {
		caps.NoReset = v
	}
	if caps.PlatformName == "" {
		caps.PlatformName = "Android"
	}

	info, err := s.app.InitializeSession(ctx, caps, stringArg(args, "endpoint"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	return jsonResult(info)
}

func (s *MCPServer) handleSessionClose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := stringArg(request.GetArguments(), "session_id")
	if err := s.app.CloseSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}
	return textResult("session closed")
}

func (s *MCPServer) handleSessionList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.app.ListSessions())
}

// ========================================
// Action tools
// ========================================

func (s *MCPServer) registerActionTools() {
	// run_tool covers the full vocabulary; the explicit tools below are the
	// common paths with proper schemas.
	s.server.AddTool(
		mcp.NewTool("run_tool",
			mcp.WithDescription("Run any bridge tool by name with JSON arguments"),
			mcp.WithString("tool",
				mcp.Required(),
				mcp.Description("Tool name, one of the bridge's closed tool set"),
			),
			mcp.WithString("args_json",
				mcp.Description("Tool arguments as a JSON object"),
			),
			mcp.WithString("session_id",
				mcp.Description("Session to use (default: most recent)"),
			),
		),
		s.handleRunTool,
	)

	s.server.AddTool(
		mcp.NewTool("list_tools",
			mcp.WithDescription("List the bridge's tool vocabulary"),
		),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(s.app.ToolNames())
		},
	)

	s.server.AddTool(
		mcp.NewTool("click",
			mcp.WithDescription("Tap an element identified by a locator"),
			mcp.WithString("strategy",
				mcp.Required(),
				mcp.Description("Locator strategy: id, xpath, text, contains, accessibility id, class name"),
			),
			mcp.WithString("value",
				mcp.Required(),
				mcp.Description("Locator value"),
			),
			mcp.WithString("session_id",
				mcp.Description("Session to use (default: most recent)"),
			),
		),
		s.dispatchHandler("click"),
	)

	s.server.AddTool(
		mcp.NewTool("send_keys",
			mcp.WithDescription("Type text into the editable element behind a locator"),
			mcp.WithString("strategy",
				mcp.Required(),
				mcp.Description("Locator strategy"),
			),
			mcp.WithString("value",
				mcp.Required(),
				mcp.Description("Locator value"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Text to type; a bare newline presses Enter"),
			),
			mcp.WithString("session_id",
				mcp.Description("Session to use (default: most recent)"),
			),
		),
		s.dispatchHandler("send_keys"),
	)

	s.server.AddTool(
		mcp.NewTool("scroll",
			mcp.WithDescription("Scroll the screen in a semantic direction"),
			mcp.WithString("direction",
				mcp.Description("up, down, left or right (default: down)"),
			),
			mcp.WithString("session_id",
				mcp.Description("Session to use (default: most recent)"),
			),
		),
		s.dispatchHandler("scroll"),
	)

	s.server.AddTool(
		mcp.NewTool("wait_for_element",
			mcp.WithDescription("Wait until an element appears"),
			mcp.WithString("strategy",
				mcp.Required(),
				mcp.Description("Locator strategy"),
			),
			mcp.WithString("value",
				mcp.Required(),
				mcp.Description("Locator value"),
			),
			mcp.WithNumber("timeout_ms",
				mcp.Description("Wait budget in milliseconds (default: 10000)"),
			),
			mcp.WithString("session_id",
				mcp.Description("Session to use (default: most recent)"),
			),
		),
		s.dispatchHandler("wait_for_element"),
	)
}

func (s *MCPServer) handleRunTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	tool := stringArg(args, "tool")
	if tool == "" {
		return nil, fmt.Errorf("tool is required")
	}

	toolArgs := map[string]any{}
	if raw := stringArg(args, "args_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &toolArgs); err != nil {
			return nil, fmt.Errorf("args_json is not a JSON object: %w", err)
		}
	}

	result := s.app.RunTool(ctx, tool, toolArgs, stringArg(args, "session_id"))
	return jsonResult(result)
}

// dispatchHandler adapts an explicit MCP tool onto the bridge dispatcher,
// translating snake_case MCP argument names to the bridge's camelCase.
func (s *MCPServer) dispatchHandler(tool string) func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		toolArgs := map[string]any{}
		for key, value := range args {
			switch key {
			case "session_id":
				continue
			case "timeout_ms":
				toolArgs["timeoutMs"] = value
			default:
				toolArgs[key] = value
			}
		}

		result := s.app.RunTool(ctx, tool, toolArgs, stringArg(args, "session_id"))
		return jsonResult(result)
	}
}

// ========================================
// Perception tools
// ========================================

func (s *MCPServer) registerPerceptionTools() {
	s.server.AddTool(
		mcp.NewTool("get_perception_summary",
			mcp.WithDescription("Summarize the current screen: visible text and interactive elements"),
			mcp.WithBoolean("use_ocr",
				mcp.Description("Force the visual extraction pass"),
			),
			mcp.WithString("session_id",
				mcp.Description("Session to use (default: most recent)"),
			),
		),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := request.GetArguments()
			toolArgs := map[string]any{}
			if v, ok := args["use_ocr"].(bool); ok {
				toolArgs["useOcr"] = v
			}
			result := s.app.RunTool(ctx, "get_perception_summary", toolArgs, stringArg(args, "session_id"))
			return jsonResult(result)
		},
	)

	s.server.AddTool(
		mcp.NewTool("find_text_coordinates",
			mcp.WithDescription("Locate text on screen visually and return a tap point"),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Text to search for (case-insensitive substring)"),
			),
			mcp.WithString("session_id",
				mcp.Description("Session to use (default: most recent)"),
			),
		),
		s.dispatchHandler("find_text_coordinates"),
	)

	s.server.AddTool(
		mcp.NewTool("take_screenshot",
			mcp.WithDescription("Capture the screen to a PNG file and return its path"),
			mcp.WithString("session_id",
				mcp.Description("Session to use (default: most recent)"),
			),
		),
		s.dispatchHandler("take_screenshot"),
	)
}

// ========================================
// Result helpers
// ========================================

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func textResult(text string) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize result: %w", err)
	}
	return textResult(string(data))
}
