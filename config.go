package main

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ========================================
// Configuration
// ========================================

// Config holds all bridge tunables. Values come from defaults, then
// environment variables (TETHER_*), then an optional JSON file which is
// hot-reloaded while the bridge runs.
type Config struct {
	// Transport
	ListenAddr string `json:"listenAddr"` // HTTP API bind address
	DriverURL  string `json:"driverURL"`  // automation endpoint base URL

	// Session
	SessionRequestTimeout time.Duration `json:"-"` // per driver call
	SessionCreateTimeout  time.Duration `json:"-"` // new session handshake

	// Locators
	LongValueThreshold int `json:"longValueThreshold"` // rewrite equality above this length
	PrefixLength       int `json:"prefixLength"`       // contains-prefix length for long values
	MaxCandidates      int `json:"maxCandidates"`      // cap on derived locator candidates

	// Gestures
	GestureRetries int           `json:"gestureRetries"`
	RetryBackoff   time.Duration `json:"-"`
	SafeMarginPx   int           `json:"safeMarginPx"` // keep-out band at screen top/bottom
	MaxScrolls     int           `json:"maxScrolls"`   // scroll_to_element budget

	// Perception
	MinDistinctTexts int     `json:"minDistinctTexts"` // structural sufficiency: distinct texts
	MinElements      int     `json:"minElements"`      // structural sufficiency: elements
	OCRServiceURL    string  `json:"ocrServiceURL"`    // external text extraction endpoint
	OCRRatePerSec    float64 `json:"ocrRatePerSec"`    // extraction rate limit

	// Cache
	CacheMaxSize int           `json:"cacheMaxSize"`
	CacheTTL     time.Duration `json:"-"`

	// Artifacts
	ScreenshotDir string `json:"screenshotDir"`

	// JSON-friendly duration mirrors (milliseconds)
	SessionRequestTimeoutMs int64 `json:"sessionRequestTimeoutMs,omitempty"`
	SessionCreateTimeoutMs  int64 `json:"sessionCreateTimeoutMs,omitempty"`
	RetryBackoffMs          int64 `json:"retryBackoffMs,omitempty"`
	CacheTTLMs              int64 `json:"cacheTTLMs,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:            ":8765",
		DriverURL:             "http://127.0.0.1:4723",
		SessionRequestTimeout: 30 * time.Second,
		SessionCreateTimeout:  90 * time.Second,
		LongValueThreshold:    80,
		PrefixLength:          60,
		MaxCandidates:         6,
		GestureRetries:        3,
		RetryBackoff:          500 * time.Millisecond,
		SafeMarginPx:          100,
		MaxScrolls:            10,
		MinDistinctTexts:      5,
		MinElements:           3,
		OCRServiceURL:         "",
		OCRRatePerSec:         1,
		CacheMaxSize:          50,
		CacheTTL:              5 * time.Minute,
		ScreenshotDir:         os.TempDir(),
	}
}

// LoadConfig builds the configuration from defaults plus environment.
func LoadConfig() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("TETHER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TETHER_DRIVER_URL"); v != "" {
		cfg.DriverURL = v
	}
	if v := os.Getenv("TETHER_OCR_URL"); v != "" {
		cfg.OCRServiceURL = v
	}
	if v := os.Getenv("TETHER_SCREENSHOT_DIR"); v != "" {
		cfg.ScreenshotDir = v
	}
	if v := os.Getenv("TETHER_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxSize = n
		}
	}
	if v := os.Getenv("TETHER_CACHE_TTL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TETHER_MAX_SCROLLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxScrolls = n
		}
	}

	return cfg
}

// applyDurations copies millisecond mirrors loaded from JSON into the
// time.Duration fields.
func (c *Config) applyDurations() {
	if c.SessionRequestTimeoutMs > 0 {
		c.SessionRequestTimeout = time.Duration(c.SessionRequestTimeoutMs) * time.Millisecond
	}
	if c.SessionCreateTimeoutMs > 0 {
		c.SessionCreateTimeout = time.Duration(c.SessionCreateTimeoutMs) * time.Millisecond
	}
	if c.RetryBackoffMs > 0 {
		c.RetryBackoff = time.Duration(c.RetryBackoffMs) * time.Millisecond
	}
	if c.CacheTTLMs > 0 {
		c.CacheTTL = time.Duration(c.CacheTTLMs) * time.Millisecond
	}
}

// ========================================
// ConfigStore - live configuration with hot reload
// ========================================

// ConfigStore holds the active configuration and swaps it atomically when
// the backing file changes.
type ConfigStore struct {
	mu      sync.RWMutex
	current Config
	watcher *fsnotify.Watcher
}

// NewConfigStore creates a store seeded with cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	return &ConfigStore{current: cfg}
}

// Get returns a snapshot of the active configuration.
func (s *ConfigStore) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// set replaces the active configuration.
func (s *ConfigStore) set(cfg Config) {
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
}

// LoadFile overlays values from a JSON file onto the current configuration.
func (s *ConfigStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cfg := s.Get()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	cfg.applyDurations()

	s.set(cfg)
	LogInfo("config").Str("path", path).Msg("Configuration loaded")
	return nil
}

// Watch reloads the file whenever it changes. Invalid content keeps the
// previous configuration.
func (s *ConfigStore) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.LoadFile(path); err != nil {
						LogWarn("config").Err(err).Str("path", path).Msg("Reload failed, keeping previous configuration")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				LogWarn("config").Err(err).Msg("Config watcher error")
			}
		}
	}()

	return nil
}

// Close stops the watcher.
func (s *ConfigStore) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
