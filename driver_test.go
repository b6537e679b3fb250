package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDriver is an httptest-backed automation endpoint used across the
// package tests. Behavior is adjusted per test through its fields.
type fakeDriver struct {
	mu sync.Mutex

	srv *httptest.Server

	// Counters
	createCount  int
	deleteCount  int
	findCalls    []string // "using|value" per find
	clickCount   int
	actionsCount int
	tapCount     int
	sourceCount  int
	shotCount    int

	// Behavior knobs
	failCreate    bool
	findResponder func(using, value string) (string, bool) // element id, found
	clickError    string                                   // wire error code for element click
	pageSource    func() string
	screenshot    []byte
	packageError  string // wire error for current_package
	width, height int
}

func newFakeDriver() *fakeDriver {
	f := &fakeDriver{
		width:  1080,
		height: 2400,
		screenshot: []byte("PNGDATA"),
		pageSource: func() string {
			return `<?xml version="1.0"?><hierarchy rotation="0"><node text="Home" resource-id="com.app:id/root" class="android.widget.FrameLayout" package="com.app" content-desc="" bounds="[0,0][1080,2400]" clickable="false" enabled="true"/></hierarchy>`
		},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeDriver) Close() {
	f.srv.Close()
}

func (f *fakeDriver) URL() string {
	return f.srv.URL
}

func writeValue(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"value": v})
}

func writeWireError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"value": map[string]any{"error": code, "message": message},
	})
}

func (f *fakeDriver) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/session":
		if f.failCreate {
			writeWireError(w, http.StatusInternalServerError, "session not created", "could not start a new session")
			return
		}
		f.createCount++
		writeValue(w, map[string]any{"sessionId": fmt.Sprintf("drv-%d", f.createCount)})

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/session/"):
		f.deleteCount++
		writeValue(w, nil)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/element"):
		var body struct{ Using, Value string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.findCalls = append(f.findCalls, body.Using+"|"+body.Value)
		if f.findResponder != nil {
			if id, ok := f.findResponder(body.Using, body.Value); ok {
				writeValue(w, map[string]any{"element-6066-11e4-a52e-4f735466cecf": id})
				return
			}
		}
		writeWireError(w, http.StatusNotFound, "no such element", "element could not be located")

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/click"):
		f.clickCount++
		if f.clickError != "" {
			writeWireError(w, http.StatusInternalServerError, "unknown error", f.clickError)
			return
		}
		writeValue(w, nil)

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/text"):
		writeValue(w, "element text")

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/rect"):
		writeValue(w, map[string]int{"x": 100, "y": 200, "width": 200, "height": 80})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/value"):
		writeValue(w, nil)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/clear"):
		writeValue(w, nil)

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/source"):
		f.sourceCount++
		writeValue(w, f.pageSource())

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/screenshot"):
		f.shotCount++
		writeValue(w, base64.StdEncoding.EncodeToString(f.screenshot))

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/window/rect"):
		writeValue(w, map[string]int{"x": 0, "y": 0, "width": f.width, "height": f.height})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/actions"):
		f.actionsCount++
		writeValue(w, nil)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/execute/sync"):
		var body struct {
			Script string `json:"script"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Script == "mobile: clickGesture" {
			f.tapCount++
		}
		writeValue(w, true)

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/current_package"):
		if f.packageError != "" {
			writeWireError(w, http.StatusNotFound, "invalid session id", f.packageError)
			return
		}
		writeValue(w, "com.app")

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/current_activity"):
		writeValue(w, ".MainActivity")

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/press_keycode"):
		writeValue(w, nil)

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/orientation"):
		writeValue(w, "PORTRAIT")

	default:
		writeValue(w, nil)
	}
}

// testConfigStore returns a config store pointed at the fake driver with
// small timeouts so failure paths stay fast.
func testConfigStore(driverURL string) *ConfigStore {
	cfg := DefaultConfig()
	cfg.DriverURL = driverURL
	cfg.SessionRequestTimeout = 5 * time.Second
	cfg.SessionCreateTimeout = 5 * time.Second
	cfg.RetryBackoff = time.Millisecond
	return NewConfigStore(cfg)
}

func newTestApp(f *fakeDriver) *App {
	return NewApp(testConfigStore(f.URL()))
}

// ========================================
// Driver client tests
// ========================================

func TestDriverCreateSession(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()

	d := NewDriver(f.URL(), 5*time.Second)
	id, err := d.CreateSession(context.Background(), Capabilities{PlatformName: "Android"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if id != "drv-1" {
		t.Errorf("expected session id drv-1, got %q", id)
	}
}

func TestDriverFindElementMiss(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()

	d := NewDriver(f.URL(), 5*time.Second)
	_, err := d.FindElement(context.Background(), "drv-1", "id", "missing")
	if !IsNoSuchElement(err) {
		t.Fatalf("expected no-such-element, got %v", err)
	}
}

func TestDriverConnectionError(t *testing.T) {
	d := NewDriver("http://127.0.0.1:1", time.Second)
	_, err := d.CreateSession(context.Background(), Capabilities{PlatformName: "Android"})
	if ErrorKind(err) != ErrConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestDriverClassifiesSessionCrash(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	f.packageError = "The session identified by abc is not known: probably crashed"

	d := NewDriver(f.URL(), 5*time.Second)
	_, err := d.CurrentPackage(context.Background(), "drv-1")
	if ErrorKind(err) != ErrSessionExpired {
		t.Fatalf("expected session expired classification, got %v", err)
	}
}

func TestDriverScreenshotDecodesBase64(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()

	d := NewDriver(f.URL(), 5*time.Second)
	data, err := d.Screenshot(context.Background(), "drv-1")
	if err != nil {
		t.Fatalf("Screenshot failed: %v", err)
	}
	if string(data) != "PNGDATA" {
		t.Errorf("expected decoded screenshot bytes, got %q", data)
	}
}
