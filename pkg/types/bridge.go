// Package types contains shared data types used by both the root bridge
// application and the MCP server subpackage. Keeping them here avoids an
// import cycle between the two.
package types

// Capabilities describes what kind of automation session to open.
type Capabilities struct {
	PlatformName   string `json:"platformName"`
	DeviceID       string `json:"deviceId,omitempty"`
	AppPackage     string `json:"appPackage,omitempty"`
	AppActivity    string `json:"appActivity,omitempty"`
	AutomationName string `json:"automationName,omitempty"`
	NoReset        bool   `json:"noReset"`
}

// Locator identifies a UI element by strategy + value. Immutable, passed by
// value. A request may carry one primary locator plus ordered fallbacks.
type Locator struct {
	Strategy string `json:"strategy"`
	Value    string `json:"value"`
}

// BoundingBox is a piece of text located on screen by visual extraction.
type BoundingBox struct {
	Text       string  `json:"text"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Center returns the center point of the box.
func (b BoundingBox) Center() (int, int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// PerceivedElement is one entry in a perception summary.
type PerceivedElement struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Coordinates *Point `json:"coordinates,omitempty"`
}

// Point is an on-screen coordinate pair.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PerceptionSummary merges structural (UI tree) and visual (OCR) views of
// the current screen. Recomputed on every request, never persisted.
type PerceptionSummary struct {
	VisibleText             []string           `json:"visibleText"`
	Elements                []PerceivedElement `json:"elements"`
	OCRConfidence           float64            `json:"ocrConfidence"`
	StructuralDataAvailable bool               `json:"structuralDataAvailable"`
}

// ToolResult is the uniform envelope returned by every dispatched action.
// Invariant: Success=false implies Error is non-empty and Data is absent;
// failure metadata rides the dedicated fields below, never Data.
type ToolResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`

	// Failure metadata
	ErrorKind             string   `json:"errorKind,omitempty"`
	NeedsReinitialization bool     `json:"needsReinitialization,omitempty"`
	AttemptedStrategies   []string `json:"attemptedStrategies,omitempty"`
}

// SessionInfo is the externally visible view of a managed session.
type SessionInfo struct {
	ID          string       `json:"id"`
	Endpoint    string       `json:"endpoint"`
	Platform    string       `json:"platform"`
	Caps        Capabilities `json:"capabilities"`
	CreatedAt   int64        `json:"createdAt"`   // Unix milliseconds
	LastHealthy int64        `json:"lastHealthy"` // Unix milliseconds
}
