package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
)

// ========================================
// HTTP API
// ========================================

// Server exposes the bridge over JSON-over-HTTP.
type Server struct {
	app    *App
	router *mux.Router
	http   *http.Server
}

// NewServer builds the HTTP surface for an app.
func NewServer(app *App, addr string) *Server {
	s := &Server{app: app}

	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/session/initialize", s.handleInitialize).Methods(http.MethodPost)
	r.HandleFunc("/session/close", s.handleClose).Methods(http.MethodPost)
	r.HandleFunc("/session/list", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/tools/run", s.handleRunTool).Methods(http.MethodPost)
	r.HandleFunc("/tools/wait-for-element", s.handleWaitForElement).Methods(http.MethodPost)

	s.router = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	LogInfo("server").Str("addr", s.http.Addr).Msg("HTTP API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ========================================
// Middleware
// ========================================

// recoverMiddleware turns panics into structured 500s so a single bad
// request cannot take the bridge down.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				LogError("server").Interface("panic", recovered).Str("stack", string(debug.Stack())).Msg("Handler panicked")
				writeJSON(w, http.StatusInternalServerError, ToolResult{
					Success: false,
					Error:   "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		LogDebug("server").Str("method", r.Method).Str("path", r.URL.Path).Dur("duration", time.Since(start)).Msg("Request handled")
	})
}

// ========================================
// Handlers
// ========================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.app.GetAppVersion(),
		"sessions": len(s.app.sessions.List()),
	})
}

type initializeRequest struct {
	Capabilities Capabilities `json:"capabilities"`
	Endpoint     string       `json:"endpoint"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, NewInvalidArgumentError("invalid JSON body"))
		return
	}
	if req.Capabilities.PlatformName == "" {
		req.Capabilities.PlatformName = "Android"
	}

	info, err := s.app.InitializeSession(r.Context(), req.Capabilities, req.Endpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": info})
}

type closeRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, NewInvalidArgumentError("invalid JSON body"))
		return
	}
	if err := s.app.CloseSession(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.app.sessions.List()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": infos})
}

type runToolRequest struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	SessionID string         `json:"sessionId"`
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	var req runToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, NewInvalidArgumentError("invalid JSON body"))
		return
	}
	if req.Tool == "" {
		writeError(w, NewInvalidArgumentError("tool is required"))
		return
	}

	result := s.app.RunTool(r.Context(), req.Tool, req.Args, req.SessionID)
	writeJSON(w, statusForResult(result), result)
}

type waitForElementRequest struct {
	Locator   Locator   `json:"locator"`
	Fallbacks []Locator `json:"fallbacks"`
	Text      string    `json:"text"`
	TimeoutMs int       `json:"timeoutMs"`
	UseOCR    bool      `json:"useOcr"`
	SessionID string    `json:"sessionId"`
}

// handleWaitForElement waits for an element structurally and, when asked,
// falls back to a visual text search before giving up.
func (s *Server) handleWaitForElement(w http.ResponseWriter, r *http.Request) {
	var req waitForElementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, NewInvalidArgumentError("invalid JSON body"))
		return
	}
	if req.Locator.Strategy == "" || req.Locator.Value == "" {
		writeError(w, NewInvalidArgumentError("locator requires strategy and value"))
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var found map[string]any
	err := s.app.sessions.Execute(r.Context(), req.SessionID, func(ctx context.Context, sess *ManagedSession) error {
		waitErr := s.app.gestures.WaitForElement(ctx, sess, req.Locator, req.Fallbacks, timeout)
		if waitErr == nil {
			found = map[string]any{"method": "structural"}
			return nil
		}
		if !req.UseOCR {
			return waitErr
		}
		searchText := req.Text
		if searchText == "" {
			searchText = req.Locator.Value
		}
		point, box, visErr := s.app.perception.FindTextCoordinates(ctx, sess, searchText)
		if visErr != nil {
			return waitErr
		}
		found = map[string]any{"method": "visual", "x": point.X, "y": point.Y, "matchedText": box.Text}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToolResult{Success: true, Message: "element found", Data: found})
}

// ========================================
// Response helpers
// ========================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps bridge error kinds to HTTP statuses and emits the same
// structured envelope tools use.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), errorResult(err))
}

func statusForError(err error) int {
	switch ErrorKind(err) {
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrSessionNotInitialized, ErrSessionExpired:
		return http.StatusConflict
	case ErrElementNotFound:
		return http.StatusNotFound
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func statusForResult(result ToolResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorKind {
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrSessionNotInitialized, ErrSessionExpired:
		return http.StatusConflict
	case ErrElementNotFound:
		return http.StatusNotFound
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrConnection:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}
