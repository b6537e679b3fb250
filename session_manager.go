package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"Tether/pkg/types"
)

// ========================================
// Session Manager
// Owns the automation session lifecycle: create, validate, recover, close
// ========================================

// ManagedSession is one live automation session. The bridge id stays stable
// across recovery; only the driver-side id changes. The endpoint is captured
// at creation so recovery reopens the session on the same automation server.
type ManagedSession struct {
	ID          string             `json:"id"`
	DriverID    string             `json:"driverId"`
	Endpoint    string             `json:"endpoint"`
	Caps        types.Capabilities `json:"capabilities"`
	CreatedAt   int64              `json:"createdAt"`   // Unix milliseconds
	LastHealthy int64              `json:"lastHealthy"` // Unix milliseconds

	driver *Driver    // client for Endpoint
	execMu sync.Mutex // serializes tool execution on this session
}

// Info returns the external view of the session.
func (s *ManagedSession) Info() types.SessionInfo {
	return types.SessionInfo{
		ID:          s.ID,
		Endpoint:    s.Endpoint,
		Platform:    s.Caps.PlatformName,
		Caps:        s.Caps,
		CreatedAt:   s.CreatedAt,
		LastHealthy: s.LastHealthy,
	}
}

// deviceKey is the identifier used for create/teardown serialization.
func deviceKey(caps types.Capabilities) string {
	if caps.DeviceID != "" {
		return caps.DeviceID
	}
	return "default"
}

// SessionManager is the in-memory session registry. Creation and teardown
// for the same device identifier are serialized so concurrent initialize
// calls cannot race each other into two half-open sessions.
type SessionManager struct {
	driver *Driver
	cfg    *ConfigStore

	mu       sync.RWMutex
	sessions map[string]*ManagedSession

	lockMu      sync.Mutex
	deviceLocks map[string]*sync.Mutex
}

// NewSessionManager creates a session manager backed by the given driver.
func NewSessionManager(driver *Driver, cfg *ConfigStore) *SessionManager {
	return &SessionManager{
		driver:      driver,
		cfg:         cfg,
		sessions:    make(map[string]*ManagedSession),
		deviceLocks: make(map[string]*sync.Mutex),
	}
}

func (m *SessionManager) deviceLock(key string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if l, ok := m.deviceLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.deviceLocks[key] = l
	return l
}

// driverFor returns the client for an endpoint, reusing the default client
// when the endpoint is unset or matches it.
func (m *SessionManager) driverFor(endpoint string) *Driver {
	if endpoint == "" || endpoint == m.driver.BaseURL() {
		return m.driver
	}
	return NewDriver(endpoint, m.cfg.Get().SessionRequestTimeout)
}

// drv returns the client for a session's endpoint, defaulting to the
// manager's own for sessions that do not carry one.
func (m *SessionManager) drv(s *ManagedSession) *Driver {
	if s.driver != nil {
		return s.driver
	}
	return m.driver
}

// ========================================
// Lifecycle
// ========================================

// Create opens a new session for the given capabilities on the given
// endpoint (empty means the configured default). An existing session for the
// same device identifier is torn down first (best effort): the device can
// only serve one automation session at a time.
func (m *SessionManager) Create(ctx context.Context, caps types.Capabilities, endpoint string) (*ManagedSession, error) {
	key := deviceKey(caps)
	lock := m.deviceLock(key)
	lock.Lock()
	defer lock.Unlock()

	if existing := m.findByDevice(key); existing != nil {
		LogInfo("session").Str("sessionId", existing.ID).Msg("Replacing existing session for device")
		m.teardown(ctx, existing)
	}

	driver := m.driverFor(endpoint)
	createCtx, cancel := context.WithTimeout(ctx, m.cfg.Get().SessionCreateTimeout)
	defer cancel()

	driverID, err := driver.CreateSession(createCtx, caps)
	if err != nil {
		// Nothing registered on failure: no half-open sessions
		return nil, err
	}

	now := time.Now().UnixMilli()
	session := &ManagedSession{
		ID:          uuid.New().String(),
		DriverID:    driverID,
		Endpoint:    driver.BaseURL(),
		Caps:        caps,
		CreatedAt:   now,
		LastHealthy: now,
		driver:      driver,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	LogInfo("session").Str("sessionId", session.ID).Str("driverId", driverID).Msg("Session created")
	return session, nil
}

// Close tears down a session. Closing an unknown or already-closed session
// is not an error.
func (m *SessionManager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}

	lock := m.deviceLock(deviceKey(session.Caps))
	lock.Lock()
	defer lock.Unlock()

	m.teardown(ctx, session)
	LogInfo("session").Str("sessionId", sessionID).Msg("Session closed")
	return nil
}

// CloseAll tears down every registered session.
func (m *SessionManager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*ManagedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*ManagedSession)
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(ctx, s)
	}
}

// teardown deletes the driver-side session, tolerating failure: the driver
// may already consider it dead.
func (m *SessionManager) teardown(ctx context.Context, session *ManagedSession) {
	if err := m.drv(session).DeleteSession(ctx, session.DriverID); err != nil {
		LogWarn("session").Err(err).Str("sessionId", session.ID).Msg("Driver teardown failed, dropping registration anyway")
	}
}

// ========================================
// Lookup
// ========================================

// Get returns a session by bridge id.
func (m *SessionManager) Get(sessionID string) (*ManagedSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Latest returns the most recently created session, the default when a
// request does not name one.
func (m *SessionManager) Latest() (*ManagedSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *ManagedSession
	for _, s := range m.sessions {
		if latest == nil || s.CreatedAt > latest.CreatedAt {
			latest = s
		}
	}
	return latest, latest != nil
}

// Resolve maps an optional session id to a live session.
func (m *SessionManager) Resolve(sessionID string) (*ManagedSession, error) {
	if sessionID == "" {
		if s, ok := m.Latest(); ok {
			return s, nil
		}
		return nil, NewSessionNotInitializedError()
	}
	if s, ok := m.Get(sessionID); ok {
		return s, nil
	}
	return nil, NewSessionNotInitializedError()
}

// List returns all registered sessions.
func (m *SessionManager) List() []*ManagedSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*ManagedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	return result
}

func (m *SessionManager) findByDevice(key string) *ManagedSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if deviceKey(s.Caps) == key {
			return s
		}
	}
	return nil
}

// ========================================
// Health and recovery
// ========================================

// Validate probes the driver session with a cheap read. On success the
// session's health timestamp is advanced.
func (m *SessionManager) Validate(ctx context.Context, session *ManagedSession) error {
	_, err := m.drv(session).CurrentPackage(ctx, session.DriverID)
	if err != nil {
		return NewSessionExpiredError(session.ID, err)
	}
	m.mu.Lock()
	session.LastHealthy = time.Now().UnixMilli()
	m.mu.Unlock()
	return nil
}

// Recover replaces the driver-side session while keeping the bridge id. The
// old driver session is torn down best effort before the new one opens.
func (m *SessionManager) Recover(ctx context.Context, session *ManagedSession) error {
	lock := m.deviceLock(deviceKey(session.Caps))
	lock.Lock()
	defer lock.Unlock()

	m.teardown(ctx, session)

	createCtx, cancel := context.WithTimeout(ctx, m.cfg.Get().SessionCreateTimeout)
	defer cancel()

	driverID, err := m.drv(session).CreateSession(createCtx, session.Caps)
	if err != nil {
		// Recovery failed: drop the registration so callers see a clean miss
		m.mu.Lock()
		delete(m.sessions, session.ID)
		m.mu.Unlock()
		return fmt.Errorf("session recovery failed: %w", err)
	}

	m.mu.Lock()
	session.DriverID = driverID
	session.LastHealthy = time.Now().UnixMilli()
	m.mu.Unlock()

	LogInfo("session").Str("sessionId", session.ID).Str("driverId", driverID).Msg("Session recovered")
	return nil
}

// Execute runs op against a session. Execution is serialized per session:
// one tool call at a time, ops and recovery never interleave. When op fails
// with a recoverable error the session is recovered and op retried exactly
// once; a failure on the retry surfaces the original error wrapped with the
// retry outcome.
func (m *SessionManager) Execute(ctx context.Context, sessionID string, op func(ctx context.Context, s *ManagedSession) error) error {
	session, err := m.Resolve(sessionID)
	if err != nil {
		return err
	}

	session.execMu.Lock()
	defer session.execMu.Unlock()

	opErr := op(ctx, session)
	if opErr == nil {
		m.mu.Lock()
		session.LastHealthy = time.Now().UnixMilli()
		m.mu.Unlock()
		return nil
	}
	if !IsRecoverable(opErr) {
		return opErr
	}

	LogWarn("session").Err(opErr).Str("sessionId", session.ID).Msg("Recoverable failure, recreating session")
	if recErr := m.Recover(ctx, session); recErr != nil {
		return fmt.Errorf("%w (recovery also failed: %v)", opErr, recErr)
	}

	if retryErr := op(ctx, session); retryErr != nil {
		return fmt.Errorf("retry after recovery also failed (%v): %w", retryErr, opErr)
	}

	m.mu.Lock()
	session.LastHealthy = time.Now().UnixMilli()
	m.mu.Unlock()
	return nil
}
