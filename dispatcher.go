package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ========================================
// Tool Dispatcher
// Closed action vocabulary over sessions, gestures and perception
// ========================================

// toolHandler executes one named tool against a live session.
type toolHandler func(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error)

// registerTools builds the closed tool registry. Anything not in this map
// does not exist as far as callers are concerned.
func (a *App) registerTools() {
	a.tools = map[string]toolHandler{
		// Element interaction
		"click":            a.toolClick,
		"send_keys":        a.toolSendKeys,
		"clear_element":    a.toolClearElement,
		"get_element_text": a.toolGetElementText,
		"wait_for_element": a.toolWaitForElement,
		"long_press":       a.toolLongPress,
		"double_tap":       a.toolDoubleTap,

		// Scrolling and swiping
		"scroll":            a.toolScroll,
		"scroll_to_element": a.toolScrollToElement,
		"swipe":             a.toolSwipe,
		"pinch":             a.toolPinch,
		"zoom":              a.toolZoom,

		// App lifecycle
		"launch_app":       a.toolLaunchApp,
		"close_app":        a.toolCloseApp,
		"reset_app":        a.toolResetApp,
		"is_app_installed": a.toolIsAppInstalled,

		// Observation
		"get_page_source":              a.toolGetPageSource,
		"take_screenshot":              a.toolTakeScreenshot,
		"get_current_package_activity": a.toolGetCurrentPackageActivity,
		"get_perception_summary":       a.toolGetPerceptionSummary,
		"find_text_coordinates":        a.toolFindTextCoordinates,

		// Device keys and state
		"press_home_button":  a.toolPressHome,
		"press_back_button":  a.toolPressBack,
		"send_key_event":     a.toolSendKeyEvent,
		"hide_keyboard":      a.toolHideKeyboard,
		"lock_device":        a.toolLockDevice,
		"unlock_device":      a.toolUnlockDevice,
		"get_battery_info":   a.toolGetBatteryInfo,
		"get_orientation":    a.toolGetOrientation,
		"set_orientation":    a.toolSetOrientation,
		"open_notifications": a.toolOpenNotifications,

		// Contexts
		"get_contexts":   a.toolGetContexts,
		"switch_context": a.toolSwitchContext,
	}
}

// ToolNames returns the known tool set, sorted.
func (a *App) ToolNames() []string {
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunTool dispatches one tool call and always returns a structured result:
// errors cross this boundary as data, never as panics.
func (a *App) RunTool(ctx context.Context, name string, args map[string]any, sessionID string) ToolResult {
	handler, ok := a.tools[name]
	if !ok {
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("unknown tool %q, known tools: %s", name, strings.Join(a.ToolNames(), ", ")),
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	var data map[string]any
	err := a.sessions.Execute(ctx, sessionID, func(ctx context.Context, s *ManagedSession) error {
		var opErr error
		data, opErr = handler(ctx, s, args)
		return opErr
	})
	if err != nil {
		LogWarn("dispatcher").Err(err).Str("tool", name).Msg("Tool failed")
		return errorResult(err)
	}

	LogInfo("dispatcher").Str("tool", name).Msg("Tool completed")
	return ToolResult{Success: true, Message: name + " completed", Data: data}
}

// errorResult maps an error into the failure envelope. Data stays empty on
// failure; the kind and strategies ride the envelope's dedicated fields, and
// session errors carry a flag telling the caller to reinitialize rather
// than retry.
func errorResult(err error) ToolResult {
	result := ToolResult{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: ErrorKind(err),
	}
	if result.ErrorKind == ErrSessionNotInitialized || result.ErrorKind == ErrSessionExpired {
		result.NeedsReinitialization = true
	}
	var be *BridgeError
	if errors.As(err, &be) && len(be.Strategies) > 0 {
		result.AttemptedStrategies = be.Strategies
	}
	return result
}

// ========================================
// Argument helpers
// ========================================

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func argBool(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

// argLocator reads the element locator from args. Both the nested form
// {"locator": {"strategy": ..., "value": ...}} and the flat form
// {"strategy": ..., "value": ...} are accepted.
func argLocator(args map[string]any) (Locator, error) {
	if raw, ok := args["locator"].(map[string]any); ok {
		loc := Locator{Strategy: argString(raw, "strategy"), Value: argString(raw, "value")}
		if loc.Strategy == "" || loc.Value == "" {
			return Locator{}, NewInvalidArgumentError("locator requires strategy and value")
		}
		return loc, nil
	}
	loc := Locator{Strategy: argString(args, "strategy"), Value: argString(args, "value")}
	if loc.Strategy == "" || loc.Value == "" {
		return Locator{}, NewInvalidArgumentError("missing locator: provide strategy and value")
	}
	return loc, nil
}

// argFallbacks reads the optional ordered fallback locator list.
func argFallbacks(args map[string]any) []Locator {
	raw, ok := args["fallbacks"].([]any)
	if !ok {
		return nil
	}
	var fallbacks []Locator
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		loc := Locator{Strategy: argString(m, "strategy"), Value: argString(m, "value")}
		if loc.Strategy != "" && loc.Value != "" {
			fallbacks = append(fallbacks, loc)
		}
	}
	return fallbacks
}

// ========================================
// Element interaction tools
// ========================================

func (a *App) toolClick(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	loc, err := argLocator(args)
	if err != nil {
		return nil, err
	}
	return nil, a.gestures.Click(ctx, s, loc, argFallbacks(args))
}

func (a *App) toolSendKeys(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	loc, err := argLocator(args)
	if err != nil {
		return nil, err
	}
	text, ok := args["text"].(string)
	if !ok {
		return nil, NewInvalidArgumentError("send_keys requires text")
	}
	return nil, a.gestures.SendKeys(ctx, s, loc, argFallbacks(args), text)
}

func (a *App) toolClearElement(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	loc, err := argLocator(args)
	if err != nil {
		return nil, err
	}
	return nil, a.gestures.ClearElement(ctx, s, loc, argFallbacks(args))
}

func (a *App) toolGetElementText(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	loc, err := argLocator(args)
	if err != nil {
		return nil, err
	}
	text, err := a.gestures.ElementText(ctx, s, loc, argFallbacks(args))
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

func (a *App) toolWaitForElement(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	loc, err := argLocator(args)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(argInt(args, "timeoutMs", 10000)) * time.Millisecond
	return nil, a.gestures.WaitForElement(ctx, s, loc, argFallbacks(args), timeout)
}

func (a *App) toolLongPress(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	loc, err := argLocator(args)
	if err != nil {
		return nil, err
	}
	return nil, a.gestures.LongPress(ctx, s, loc, argFallbacks(args), argInt(args, "durationMs", 1000))
}

func (a *App) toolDoubleTap(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	loc, err := argLocator(args)
	if err != nil {
		return nil, err
	}
	return nil, a.gestures.DoubleTap(ctx, s, loc, argFallbacks(args))
}

// ========================================
// Scrolling and swiping tools
// ========================================

func (a *App) toolScroll(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	direction := argString(args, "direction")
	if direction == "" {
		direction = "down"
	}
	return nil, a.gestures.Scroll(ctx, s, direction)
}

func (a *App) toolScrollToElement(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	loc, err := argLocator(args)
	if err != nil {
		return nil, err
	}
	return nil, a.gestures.ScrollToElement(ctx, s, loc, argFallbacks(args), argString(args, "direction"))
}

func (a *App) toolSwipe(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	x1, y1 := argInt(args, "startX", -1), argInt(args, "startY", -1)
	x2, y2 := argInt(args, "endX", -1), argInt(args, "endY", -1)
	if x1 < 0 || y1 < 0 || x2 < 0 || y2 < 0 {
		return nil, NewInvalidArgumentError("swipe requires startX, startY, endX, endY")
	}
	return nil, a.gestures.Swipe(ctx, s, x1, y1, x2, y2, argInt(args, "durationMs", 300))
}

func (a *App) toolPinch(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	return nil, a.gestures.Pinch(ctx, s)
}

func (a *App) toolZoom(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	return nil, a.gestures.Zoom(ctx, s)
}

// ========================================
// App lifecycle tools
// ========================================

func requirePackage(args map[string]any) (string, error) {
	pkg := argString(args, "packageName")
	if pkg == "" {
		return "", NewInvalidArgumentError("packageName is required")
	}
	return pkg, nil
}

func (a *App) toolLaunchApp(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	pkg, err := requirePackage(args)
	if err != nil {
		return nil, err
	}
	return nil, a.drv(s).ActivateApp(ctx, s.DriverID, pkg)
}

func (a *App) toolCloseApp(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	pkg, err := requirePackage(args)
	if err != nil {
		return nil, err
	}
	return nil, a.drv(s).TerminateApp(ctx, s.DriverID, pkg)
}

func (a *App) toolResetApp(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	pkg, err := requirePackage(args)
	if err != nil {
		return nil, err
	}
	if err := a.drv(s).ClearApp(ctx, s.DriverID, pkg); err != nil {
		return nil, err
	}
	return nil, a.drv(s).ActivateApp(ctx, s.DriverID, pkg)
}

func (a *App) toolIsAppInstalled(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	pkg, err := requirePackage(args)
	if err != nil {
		return nil, err
	}
	installed, err := a.drv(s).IsAppInstalled(ctx, s.DriverID, pkg)
	if err != nil {
		return nil, err
	}
	return map[string]any{"installed": installed}, nil
}

// ========================================
// Observation tools
// ========================================

func (a *App) toolGetPageSource(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	source, err := a.drv(s).PageSource(ctx, s.DriverID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"source": source}, nil
}

func (a *App) toolTakeScreenshot(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	data, err := a.drv(s).Screenshot(ctx, s.DriverID)
	if err != nil {
		return nil, err
	}
	dir := a.cfg.Get().ScreenshotDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "tether_"+uuid.New().String()+".png")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(data)}, nil
}

func (a *App) toolGetCurrentPackageActivity(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	pkg, err := a.drv(s).CurrentPackage(ctx, s.DriverID)
	if err != nil {
		return nil, err
	}
	activity, err := a.drv(s).CurrentActivity(ctx, s.DriverID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"package": pkg, "activity": activity}, nil
}

func (a *App) toolGetPerceptionSummary(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	summary, err := a.perception.Summarize(ctx, s, argBool(args, "useOcr"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": summary}, nil
}

func (a *App) toolFindTextCoordinates(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	text := argString(args, "text")
	point, box, err := a.perception.FindTextCoordinates(ctx, s, text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"x": point.X, "y": point.Y, "matchedText": box.Text, "confidence": box.Confidence}, nil
}

// ========================================
// Device key and state tools
// ========================================

func (a *App) toolPressHome(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	return nil, a.drv(s).PressKeyCode(ctx, s.DriverID, KeycodeHome)
}

func (a *App) toolPressBack(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	return nil, a.drv(s).PressKeyCode(ctx, s.DriverID, KeycodeBack)
}

func (a *App) toolSendKeyEvent(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	keycode := argInt(args, "keycode", -1)
	if keycode < 0 {
		return nil, NewInvalidArgumentError("send_key_event requires keycode")
	}
	return nil, a.drv(s).PressKeyCode(ctx, s.DriverID, keycode)
}

func (a *App) toolHideKeyboard(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	return nil, a.drv(s).HideKeyboard(ctx, s.DriverID)
}

func (a *App) toolLockDevice(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	return nil, a.drv(s).Lock(ctx, s.DriverID)
}

func (a *App) toolUnlockDevice(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	return nil, a.drv(s).Unlock(ctx, s.DriverID)
}

func (a *App) toolGetBatteryInfo(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	level, state, err := a.drv(s).BatteryInfo(ctx, s.DriverID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"level": level, "state": state}, nil
}

func (a *App) toolGetOrientation(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	orientation, err := a.drv(s).GetOrientation(ctx, s.DriverID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"orientation": orientation}, nil
}

func (a *App) toolSetOrientation(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	orientation := strings.ToUpper(argString(args, "orientation"))
	if orientation != "PORTRAIT" && orientation != "LANDSCAPE" {
		return nil, NewInvalidArgumentError("orientation must be PORTRAIT or LANDSCAPE")
	}
	return nil, a.drv(s).SetOrientation(ctx, s.DriverID, orientation)
}

func (a *App) toolOpenNotifications(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	return nil, a.drv(s).OpenNotifications(ctx, s.DriverID)
}

// ========================================
// Context tools
// ========================================

func (a *App) toolGetContexts(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	contexts, err := a.drv(s).GetContexts(ctx, s.DriverID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"contexts": contexts}, nil
}

func (a *App) toolSwitchContext(ctx context.Context, s *ManagedSession, args map[string]any) (map[string]any, error) {
	name := argString(args, "name")
	if name == "" {
		return nil, NewInvalidArgumentError("switch_context requires name")
	}
	return nil, a.drv(s).SwitchContext(ctx, s.DriverID, name)
}
