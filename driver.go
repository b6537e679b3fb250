package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"Tether/pkg/types"
)

// ========================================
// Driver - automation endpoint client
// ========================================

// Driver is a JSON-over-HTTP client for the automation endpoint. It speaks
// the W3C WebDriver protocol with the usual mobile extensions and performs
// no retries itself: fallback policy lives in the layers above.
type Driver struct {
	baseURL string
	client  *http.Client
}

// NewDriver creates a client for the endpoint at baseURL.
func NewDriver(baseURL string, timeout time.Duration) *Driver {
	return &Driver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the endpoint base URL.
func (d *Driver) BaseURL() string {
	return d.baseURL
}

// errNoSuchElement marks a lookup miss, as opposed to a transport failure.
var errNoSuchElement = errors.New("no such element")

// IsNoSuchElement reports whether err is an element lookup miss.
func IsNoSuchElement(err error) bool {
	return errors.Is(err, errNoSuchElement)
}

// do performs one driver call and returns the parsed response body.
func (d *Driver) do(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reqBody)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return gjson.Result{}, NewTimeoutError(method+" "+path, err)
		}
		return gjson.Result{}, NewConnectionError(d.baseURL, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return gjson.Result{}, NewConnectionError(d.baseURL, err)
	}

	result := gjson.ParseBytes(buf.Bytes())
	if wireErr := result.Get("value.error"); wireErr.Exists() && wireErr.String() != "" {
		return result, d.classifyWireError(wireErr.String(), result.Get("value.message").String())
	}
	if resp.StatusCode >= 400 {
		return result, d.classifyWireError("", fmt.Sprintf("HTTP %d: %s", resp.StatusCode, buf.String()))
	}
	return result, nil
}

// classifyWireError maps a driver error payload into the bridge taxonomy.
func (d *Driver) classifyWireError(code, message string) error {
	combined := code + " " + message
	switch {
	case code == "no such element":
		return errNoSuchElement
	case isSessionCrashError(combined):
		return NewBridgeError(ErrSessionExpired, "automation session crashed", fmt.Errorf("%s: %s", code, message))
	case code == "timeout":
		return NewTimeoutError("driver call", fmt.Errorf("%s", message))
	default:
		return fmt.Errorf("driver error %s: %s", code, message)
	}
}

// ========================================
// Session endpoints
// ========================================

// CreateSession opens a new automation session and returns its driver id.
func (d *Driver) CreateSession(ctx context.Context, caps types.Capabilities) (string, error) {
	always := map[string]any{
		"platformName": caps.PlatformName,
	}
	if caps.DeviceID != "" {
		always["appium:udid"] = caps.DeviceID
	}
	if caps.AppPackage != "" {
		always["appium:appPackage"] = caps.AppPackage
	}
	if caps.AppActivity != "" {
		always["appium:appActivity"] = caps.AppActivity
	}
	if caps.AutomationName != "" {
		always["appium:automationName"] = caps.AutomationName
	}
	always["appium:noReset"] = caps.NoReset

	body := map[string]any{
		"capabilities": map[string]any{"alwaysMatch": always},
	}

	result, err := d.do(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return "", err
	}
	sessionID := result.Get("value.sessionId").String()
	if sessionID == "" {
		sessionID = result.Get("sessionId").String()
	}
	if sessionID == "" {
		return "", fmt.Errorf("driver returned no session id")
	}
	return sessionID, nil
}

// DeleteSession tears down a driver session.
func (d *Driver) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := d.do(ctx, http.MethodDelete, "/session/"+sessionID, nil)
	return err
}

// Status probes endpoint liveness.
func (d *Driver) Status(ctx context.Context) error {
	_, err := d.do(ctx, http.MethodGet, "/status", nil)
	return err
}

// ========================================
// Element endpoints
// ========================================

// FindElement looks up one element and returns its driver element id.
func (d *Driver) FindElement(ctx context.Context, sessionID, using, value string) (string, error) {
	body := map[string]string{"using": using, "value": value}
	result, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/element", body)
	if err != nil {
		return "", err
	}
	var elementID string
	result.Get("value").ForEach(func(_, v gjson.Result) bool {
		elementID = v.String()
		return false
	})
	if elementID == "" {
		return "", errNoSuchElement
	}
	return elementID, nil
}

// Click performs a native element click.
func (d *Driver) Click(ctx context.Context, sessionID, elementID string) error {
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/element/"+elementID+"/click", nil)
	return err
}

// SendKeys types text into an element.
func (d *Driver) SendKeys(ctx context.Context, sessionID, elementID, text string) error {
	body := map[string]string{"text": text}
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/element/"+elementID+"/value", body)
	return err
}

// Clear empties an editable element.
func (d *Driver) Clear(ctx context.Context, sessionID, elementID string) error {
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/element/"+elementID+"/clear", nil)
	return err
}

// Text returns an element's visible text.
func (d *Driver) Text(ctx context.Context, sessionID, elementID string) (string, error) {
	result, err := d.do(ctx, http.MethodGet, "/session/"+sessionID+"/element/"+elementID+"/text", nil)
	if err != nil {
		return "", err
	}
	return result.Get("value").String(), nil
}

// Rect returns an element's on-screen rectangle.
func (d *Driver) Rect(ctx context.Context, sessionID, elementID string) (*BoundsRect, error) {
	result, err := d.do(ctx, http.MethodGet, "/session/"+sessionID+"/element/"+elementID+"/rect", nil)
	if err != nil {
		return nil, err
	}
	x := int(result.Get("value.x").Int())
	y := int(result.Get("value.y").Int())
	w := int(result.Get("value.width").Int())
	h := int(result.Get("value.height").Int())
	return &BoundsRect{X1: x, Y1: y, X2: x + w, Y2: y + h}, nil
}

// ========================================
// Screen endpoints
// ========================================

// PageSource returns the current UI hierarchy as XML.
func (d *Driver) PageSource(ctx context.Context, sessionID string) (string, error) {
	result, err := d.do(ctx, http.MethodGet, "/session/"+sessionID+"/source", nil)
	if err != nil {
		return "", err
	}
	return result.Get("value").String(), nil
}

// Screenshot returns the current screen as PNG bytes.
func (d *Driver) Screenshot(ctx context.Context, sessionID string) ([]byte, error) {
	result, err := d.do(ctx, http.MethodGet, "/session/"+sessionID+"/screenshot", nil)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(result.Get("value").String())
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return data, nil
}

// WindowSize returns the screen dimensions.
func (d *Driver) WindowSize(ctx context.Context, sessionID string) (int, int, error) {
	result, err := d.do(ctx, http.MethodGet, "/session/"+sessionID+"/window/rect", nil)
	if err != nil {
		return 0, 0, err
	}
	return int(result.Get("value.width").Int()), int(result.Get("value.height").Int()), nil
}

// PerformActions runs a W3C pointer/key action sequence.
func (d *Driver) PerformActions(ctx context.Context, sessionID string, actions []map[string]any) error {
	body := map[string]any{"actions": actions}
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/actions", body)
	return err
}

// ========================================
// Device endpoints
// ========================================

// ExecuteMobile runs a mobile: extension script.
func (d *Driver) ExecuteMobile(ctx context.Context, sessionID, script string, args map[string]any) (gjson.Result, error) {
	body := map[string]any{
		"script": script,
		"args":   []any{args},
	}
	result, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/execute/sync", body)
	if err != nil {
		return gjson.Result{}, err
	}
	return result.Get("value"), nil
}

// PressKeyCode sends an Android key event.
func (d *Driver) PressKeyCode(ctx context.Context, sessionID string, keycode int) error {
	body := map[string]int{"keycode": keycode}
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/appium/device/press_keycode", body)
	return err
}

// HideKeyboard dismisses the soft keyboard if shown.
func (d *Driver) HideKeyboard(ctx context.Context, sessionID string) error {
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/appium/device/hide_keyboard", nil)
	return err
}

// Lock locks the device screen.
func (d *Driver) Lock(ctx context.Context, sessionID string) error {
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/appium/device/lock", nil)
	return err
}

// Unlock wakes and unlocks the device screen.
func (d *Driver) Unlock(ctx context.Context, sessionID string) error {
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/appium/device/unlock", nil)
	return err
}

// OpenNotifications expands the notification shade.
func (d *Driver) OpenNotifications(ctx context.Context, sessionID string) error {
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/appium/device/open_notifications", nil)
	return err
}

// CurrentPackage returns the foreground app package name.
func (d *Driver) CurrentPackage(ctx context.Context, sessionID string) (string, error) {
	result, err := d.do(ctx, http.MethodGet, "/session/"+sessionID+"/appium/device/current_package", nil)
	if err != nil {
		return "", err
	}
	return result.Get("value").String(), nil
}

// CurrentActivity returns the foreground activity name.
func (d *Driver) CurrentActivity(ctx context.Context, sessionID string) (string, error) {
	result, err := d.do(ctx, http.MethodGet, "/session/"+sessionID+"/appium/device/current_activity", nil)
	if err != nil {
		return "", err
	}
	return result.Get("value").String(), nil
}

// BatteryInfo returns battery level (0..1) and charging state.
func (d *Driver) BatteryInfo(ctx context.Context, sessionID string) (float64, int, error) {
	result, err := d.ExecuteMobile(ctx, sessionID, "mobile: batteryInfo", nil)
	if err != nil {
		return 0, 0, err
	}
	return result.Get("level").Float(), int(result.Get("state").Int()), nil
}

// GetOrientation returns PORTRAIT or LANDSCAPE.
func (d *Driver) GetOrientation(ctx context.Context, sessionID string) (string, error) {
	result, err := d.do(ctx, http.MethodGet, "/session/"+sessionID+"/orientation", nil)
	if err != nil {
		return "", err
	}
	return result.Get("value").String(), nil
}

// SetOrientation rotates the screen.
func (d *Driver) SetOrientation(ctx context.Context, sessionID, orientation string) error {
	body := map[string]string{"orientation": orientation}
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/orientation", body)
	return err
}

// GetContexts lists available automation contexts (native, webviews).
func (d *Driver) GetContexts(ctx context.Context, sessionID string) ([]string, error) {
	result, err := d.do(ctx, http.MethodGet, "/session/"+sessionID+"/contexts", nil)
	if err != nil {
		return nil, err
	}
	var contexts []string
	result.Get("value").ForEach(func(_, v gjson.Result) bool {
		contexts = append(contexts, v.String())
		return true
	})
	return contexts, nil
}

// SwitchContext switches the automation context.
func (d *Driver) SwitchContext(ctx context.Context, sessionID, name string) error {
	body := map[string]string{"name": name}
	_, err := d.do(ctx, http.MethodPost, "/session/"+sessionID+"/context", body)
	return err
}

// ActivateApp brings an app to the foreground, launching it if needed.
func (d *Driver) ActivateApp(ctx context.Context, sessionID, packageName string) error {
	_, err := d.ExecuteMobile(ctx, sessionID, "mobile: activateApp", map[string]any{"appId": packageName})
	return err
}

// TerminateApp force-stops an app.
func (d *Driver) TerminateApp(ctx context.Context, sessionID, packageName string) error {
	_, err := d.ExecuteMobile(ctx, sessionID, "mobile: terminateApp", map[string]any{"appId": packageName})
	return err
}

// ClearApp wipes an app's data.
func (d *Driver) ClearApp(ctx context.Context, sessionID, packageName string) error {
	_, err := d.ExecuteMobile(ctx, sessionID, "mobile: clearApp", map[string]any{"appId": packageName})
	return err
}

// IsAppInstalled reports whether a package is present on the device.
func (d *Driver) IsAppInstalled(ctx context.Context, sessionID, packageName string) (bool, error) {
	result, err := d.ExecuteMobile(ctx, sessionID, "mobile: isAppInstalled", map[string]any{"appId": packageName})
	if err != nil {
		return false, err
	}
	return result.Bool(), nil
}

// TapAt performs a device-level tap via the mobile extension. This is the
// lowest fallback in the tap chain and works even when element references
// have gone stale.
func (d *Driver) TapAt(ctx context.Context, sessionID string, x, y int) error {
	_, err := d.ExecuteMobile(ctx, sessionID, "mobile: clickGesture", map[string]any{"x": x, "y": y})
	return err
}
