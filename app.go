package main

import (
	"context"
	"time"

	"Tether/pkg/cache"
)

// App wires the bridge components together: one driver client, one session
// registry, and the resolution/gesture/perception services built on top.
type App struct {
	cfg        *ConfigStore
	driver     *Driver
	sessions   *SessionManager
	resolver   *Resolver
	gestures   *Gestures
	perception *Perception
	tools      map[string]toolHandler

	version string
}

// NewApp builds a fully wired bridge from the given configuration store.
func NewApp(cfg *ConfigStore) *App {
	c := cfg.Get()

	driver := NewDriver(c.DriverURL, c.SessionRequestTimeout)
	resolver := NewResolver(driver, cfg)
	extractionCache := cache.NewExtractionCache(c.CacheMaxSize, c.CacheTTL)

	app := &App{
		cfg:        cfg,
		driver:     driver,
		sessions:   NewSessionManager(driver, cfg),
		resolver:   resolver,
		gestures:   NewGestures(driver, resolver, cfg),
		perception: NewPerception(driver, NewExtractor(c), extractionCache, cfg, time.Now().UnixNano()),
		version:    Version,
	}
	app.registerTools()
	return app
}

// GetAppVersion returns the bridge version string.
func (a *App) GetAppVersion() string {
	return a.version
}

// drv returns the client for the session's endpoint, defaulting to the
// app's own.
func (a *App) drv(s *ManagedSession) *Driver {
	if s.driver != nil {
		return s.driver
	}
	return a.driver
}

// InitializeSession opens a new automation session, optionally on a
// non-default automation endpoint.
func (a *App) InitializeSession(ctx context.Context, caps Capabilities, endpoint string) (SessionInfo, error) {
	session, err := a.sessions.Create(ctx, caps, endpoint)
	if err != nil {
		return SessionInfo{}, err
	}
	return session.Info(), nil
}

// CloseSession tears down a session; closing an unknown id succeeds.
func (a *App) CloseSession(ctx context.Context, sessionID string) error {
	return a.sessions.Close(ctx, sessionID)
}

// Shutdown tears down everything the app holds.
func (a *App) Shutdown(ctx context.Context) {
	a.sessions.CloseAll(ctx)
	a.cfg.Close()
}
