package main

import "Tether/pkg/types"

// Type aliases from the shared types package. The root package and mcp/ both
// work with the same wire types without importing each other.
type (
	Capabilities      = types.Capabilities
	Locator           = types.Locator
	BoundingBox       = types.BoundingBox
	PerceivedElement  = types.PerceivedElement
	Point             = types.Point
	PerceptionSummary = types.PerceptionSummary
	ToolResult        = types.ToolResult
	SessionInfo       = types.SessionInfo
)
