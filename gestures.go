package main

import (
	"context"
	"fmt"
	"time"
)

// ========================================
// Gesture Executor
// Multi-method gesture execution with per-attempt re-resolution
// ========================================

// Android key codes used by the bridge.
const (
	KeycodeBack  = 4
	KeycodeHome  = 3
	KeycodeEnter = 66
)

// Gestures executes taps, text entry, swipes and scrolls against a session.
// Element gestures re-resolve the element on every retry: a failed attempt
// often means the screen moved and the old element reference is stale.
type Gestures struct {
	driver   *Driver
	resolver *Resolver
	cfg      *ConfigStore
}

// NewGestures creates a gesture executor.
func NewGestures(driver *Driver, resolver *Resolver, cfg *ConfigStore) *Gestures {
	return &Gestures{driver: driver, resolver: resolver, cfg: cfg}
}

// drv returns the client for the session's endpoint, defaulting to the
// executor's own.
func (g *Gestures) drv(s *ManagedSession) *Driver {
	if s.driver != nil {
		return s.driver
	}
	return g.driver
}

// ========================================
// Retry and fallback combinators
// ========================================

// tapStrategy is one way of performing the same physical interaction.
type tapStrategy struct {
	name string
	fn   func() error
}

// attemptFirst runs strategies in order and returns on the first success.
// Session-level failures abort the chain: no point tapping harder on a dead
// session.
func attemptFirst(action string, strategies []tapStrategy) error {
	var lastErr error
	for _, s := range strategies {
		err := s.fn()
		if err == nil {
			return nil
		}
		if IsRecoverable(err) || ErrorKind(err) == ErrConnection {
			return err
		}
		LogDebug("gesture").Err(err).Str("method", s.name).Msg("Strategy failed, trying next")
		lastErr = err
	}
	return NewActionRejectedError(action, lastErr)
}

// withRetries runs op up to the configured attempt count with linear
// backoff. Recoverable and connection errors propagate immediately.
func (g *Gestures) withRetries(ctx context.Context, action string, op func(attempt int) error) error {
	cfg := g.cfg.Get()
	var lastErr error
	for attempt := 1; attempt <= cfg.GestureRetries; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}
		if IsRecoverable(err) || ErrorKind(err) == ErrConnection {
			return err
		}
		lastErr = err
		if attempt < cfg.GestureRetries {
			backoff := time.Duration(attempt) * cfg.RetryBackoff
			LogDebug("gesture").Err(err).Str("action", action).Int("attempt", attempt).Dur("backoff", backoff).Msg("Retrying gesture")
			select {
			case <-ctx.Done():
				return NewTimeoutError(action, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// ========================================
// Element gestures
// ========================================

// Click taps an element. Each attempt re-resolves the element and walks the
// tap chain: native element click, then a W3C pointer sequence at the
// element center, then a device-level tap at the same coordinates.
func (g *Gestures) Click(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator) error {
	return g.withRetries(ctx, "click", func(attempt int) error {
		elementID, err := g.resolver.Resolve(ctx, session, primary, fallbacks)
		if err != nil {
			return err
		}
		return attemptFirst("click", []tapStrategy{
			{"native-click", func() error {
				return g.drv(session).Click(ctx, session.DriverID, elementID)
			}},
			{"pointer-actions", func() error {
				rect, err := g.drv(session).Rect(ctx, session.DriverID, elementID)
				if err != nil {
					return err
				}
				x, y := rect.Center()
				return g.drv(session).PerformActions(ctx, session.DriverID, tapSequence(x, y, 100))
			}},
			{"device-tap", func() error {
				rect, err := g.drv(session).Rect(ctx, session.DriverID, elementID)
				if err != nil {
					return err
				}
				x, y := rect.Center()
				return g.drv(session).TapAt(ctx, session.DriverID, x, y)
			}},
		})
	})
}

// SendKeys types text into the editable behind the locator. A bare newline
// is not typed: it focuses the field and presses Enter, matching what IMEs
// do with a submit action.
func (g *Gestures) SendKeys(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator, text string) error {
	if text == "\n" {
		return g.withRetries(ctx, "send_keys", func(attempt int) error {
			elementID, err := g.resolver.ResolveEditable(ctx, session, primary, fallbacks)
			if err != nil {
				return err
			}
			if err := g.drv(session).Click(ctx, session.DriverID, elementID); err != nil {
				return err
			}
			return g.drv(session).PressKeyCode(ctx, session.DriverID, KeycodeEnter)
		})
	}

	return g.withRetries(ctx, "send_keys", func(attempt int) error {
		elementID, err := g.resolver.ResolveEditable(ctx, session, primary, fallbacks)
		if err != nil {
			return err
		}
		return g.drv(session).SendKeys(ctx, session.DriverID, elementID, text)
	})
}

// ClearElement empties an editable element.
func (g *Gestures) ClearElement(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator) error {
	return g.withRetries(ctx, "clear_element", func(attempt int) error {
		elementID, err := g.resolver.ResolveEditable(ctx, session, primary, fallbacks)
		if err != nil {
			return err
		}
		return g.drv(session).Clear(ctx, session.DriverID, elementID)
	})
}

// ElementText returns an element's visible text.
func (g *Gestures) ElementText(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator) (string, error) {
	var text string
	err := g.withRetries(ctx, "get_element_text", func(attempt int) error {
		elementID, err := g.resolver.Resolve(ctx, session, primary, fallbacks)
		if err != nil {
			return err
		}
		text, err = g.drv(session).Text(ctx, session.DriverID, elementID)
		return err
	})
	return text, err
}

// LongPress holds a pointer down on an element for durationMs.
func (g *Gestures) LongPress(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator, durationMs int) error {
	if durationMs <= 0 {
		durationMs = 1000
	}
	return g.withRetries(ctx, "long_press", func(attempt int) error {
		elementID, err := g.resolver.Resolve(ctx, session, primary, fallbacks)
		if err != nil {
			return err
		}
		rect, err := g.drv(session).Rect(ctx, session.DriverID, elementID)
		if err != nil {
			return err
		}
		x, y := rect.Center()
		return g.drv(session).PerformActions(ctx, session.DriverID, tapSequence(x, y, durationMs))
	})
}

// DoubleTap taps an element twice in quick succession.
func (g *Gestures) DoubleTap(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator) error {
	return g.withRetries(ctx, "double_tap", func(attempt int) error {
		elementID, err := g.resolver.Resolve(ctx, session, primary, fallbacks)
		if err != nil {
			return err
		}
		rect, err := g.drv(session).Rect(ctx, session.DriverID, elementID)
		if err != nil {
			return err
		}
		x, y := rect.Center()
		actions := tapSequence(x, y, 60)
		actions[0]["actions"] = append(actions[0]["actions"].([]map[string]any),
			pause(80),
			pointerDown(), pause(60), pointerUp(),
		)
		return g.drv(session).PerformActions(ctx, session.DriverID, actions)
	})
}

// WaitForElement polls until the element appears or timeout elapses.
func (g *Gestures) WaitForElement(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		_, err := g.resolver.Resolve(waitCtx, session, primary, fallbacks)
		if err == nil {
			return nil
		}
		if IsRecoverable(err) || ErrorKind(err) == ErrConnection {
			return err
		}
		lastErr = err

		select {
		case <-waitCtx.Done():
			if be, ok := lastErr.(*BridgeError); ok {
				return be
			}
			return NewTimeoutError("wait_for_element", lastErr)
		case <-ticker.C:
		}
	}
}

// ========================================
// Coordinate gestures
// ========================================

// clampToSafeBand keeps a y coordinate out of the status bar and gesture
// navigation zones at the screen edges.
func clampToSafeBand(y, height, margin int) int {
	if height <= 2*margin {
		return height / 2
	}
	if y < margin {
		return margin
	}
	if y > height-margin {
		return height - margin
	}
	return y
}

// Swipe drags a pointer from (x1, y1) to (x2, y2) over durationMs. The y
// coordinates are clamped into the safe band.
func (g *Gestures) Swipe(ctx context.Context, session *ManagedSession, x1, y1, x2, y2, durationMs int) error {
	if durationMs <= 0 {
		durationMs = 300
	}
	cfg := g.cfg.Get()

	_, height, err := g.drv(session).WindowSize(ctx, session.DriverID)
	if err != nil {
		return err
	}
	y1 = clampToSafeBand(y1, height, cfg.SafeMarginPx)
	y2 = clampToSafeBand(y2, height, cfg.SafeMarginPx)

	return g.withRetries(ctx, "swipe", func(attempt int) error {
		return g.drv(session).PerformActions(ctx, session.DriverID, swipeSequence(x1, y1, x2, y2, durationMs))
	})
}

// Scroll performs a semantic scroll. Scrolling "down" reveals content below
// the fold, which means the finger travels upward.
func (g *Gestures) Scroll(ctx context.Context, session *ManagedSession, direction string) error {
	width, height, err := g.drv(session).WindowSize(ctx, session.DriverID)
	if err != nil {
		return err
	}
	x1, y1, x2, y2, err := scrollVector(direction, width, height, g.cfg.Get().SafeMarginPx)
	if err != nil {
		return err
	}
	return g.withRetries(ctx, "scroll", func(attempt int) error {
		return g.drv(session).PerformActions(ctx, session.DriverID, swipeSequence(x1, y1, x2, y2, 400))
	})
}

// scrollVector maps a semantic direction to swipe endpoints within the safe
// band.
func scrollVector(direction string, width, height, margin int) (int, int, int, int, error) {
	cx := width / 2
	cy := height / 2
	span := (height - 2*margin) / 3
	hspan := width / 3

	switch direction {
	case "down":
		return cx, clampToSafeBand(cy+span, height, margin), cx, clampToSafeBand(cy-span, height, margin), nil
	case "up":
		return cx, clampToSafeBand(cy-span, height, margin), cx, clampToSafeBand(cy+span, height, margin), nil
	case "left":
		return cx + hspan, cy, cx - hspan, cy, nil
	case "right":
		return cx - hspan, cy, cx + hspan, cy, nil
	default:
		return 0, 0, 0, 0, NewInvalidArgumentError(fmt.Sprintf("unknown scroll direction %q", direction))
	}
}

// ScrollToElement scrolls until the element appears, up to the configured
// budget. Two consecutive identical hierarchies mean the view is exhausted
// and further scrolling cannot reveal the target.
func (g *Gestures) ScrollToElement(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator, direction string) error {
	if direction == "" {
		direction = "down"
	}
	cfg := g.cfg.Get()

	var prevHash string
	stagnant := 0

	for i := 0; i < cfg.MaxScrolls; i++ {
		if _, err := g.resolver.Resolve(ctx, session, primary, fallbacks); err == nil {
			return nil
		} else if IsRecoverable(err) || ErrorKind(err) == ErrConnection {
			return err
		}

		source, err := g.drv(session).PageSource(ctx, session.DriverID)
		if err != nil {
			return err
		}
		root, err := ParsePageSource(source)
		if err != nil {
			return NewExtractionFailureError(err)
		}
		hash := TreeHash(root)
		if hash == prevHash {
			stagnant++
			if stagnant >= 2 {
				return NewElementNotFoundError(primary, []string{fmt.Sprintf("scroll_%s x%d (view exhausted)", direction, i)})
			}
		} else {
			stagnant = 0
		}
		prevHash = hash

		if err := g.Scroll(ctx, session, direction); err != nil {
			return err
		}
	}

	if _, err := g.resolver.Resolve(ctx, session, primary, fallbacks); err == nil {
		return nil
	}
	return NewElementNotFoundError(primary, []string{fmt.Sprintf("scroll_%s x%d", direction, cfg.MaxScrolls)})
}

// Pinch performs a two-finger pinch-in centered on the screen.
func (g *Gestures) Pinch(ctx context.Context, session *ManagedSession) error {
	return g.twoFingerGesture(ctx, session, true)
}

// Zoom performs a two-finger spread centered on the screen.
func (g *Gestures) Zoom(ctx context.Context, session *ManagedSession) error {
	return g.twoFingerGesture(ctx, session, false)
}

func (g *Gestures) twoFingerGesture(ctx context.Context, session *ManagedSession, pinchIn bool) error {
	width, height, err := g.drv(session).WindowSize(ctx, session.DriverID)
	if err != nil {
		return err
	}
	cx, cy := width/2, height/2
	near := height / 10
	far := height / 4

	var f1 [4]int
	var f2 [4]int
	if pinchIn {
		f1 = [4]int{cx, cy - far, cx, cy - near}
		f2 = [4]int{cx, cy + far, cx, cy + near}
	} else {
		f1 = [4]int{cx, cy - near, cx, cy - far}
		f2 = [4]int{cx, cy + near, cx, cy + far}
	}

	actions := []map[string]any{
		fingerSequence("finger1", f1[0], f1[1], f1[2], f1[3], 300),
		fingerSequence("finger2", f2[0], f2[1], f2[2], f2[3], 300),
	}
	action := "pinch"
	if !pinchIn {
		action = "zoom"
	}
	return g.withRetries(ctx, action, func(attempt int) error {
		return g.drv(session).PerformActions(ctx, session.DriverID, actions)
	})
}

// ========================================
// W3C action sequence builders
// ========================================

func pointerMove(x, y, durationMs int) map[string]any {
	return map[string]any{"type": "pointerMove", "duration": durationMs, "x": x, "y": y}
}

func pointerDown() map[string]any {
	return map[string]any{"type": "pointerDown", "button": 0}
}

func pointerUp() map[string]any {
	return map[string]any{"type": "pointerUp", "button": 0}
}

func pause(durationMs int) map[string]any {
	return map[string]any{"type": "pause", "duration": durationMs}
}

// fingerSequence builds one touch pointer track from (x1, y1) to (x2, y2).
func fingerSequence(id string, x1, y1, x2, y2, durationMs int) map[string]any {
	return map[string]any{
		"type":       "pointer",
		"id":         id,
		"parameters": map[string]any{"pointerType": "touch"},
		"actions": []map[string]any{
			pointerMove(x1, y1, 0),
			pointerDown(),
			pointerMove(x2, y2, durationMs),
			pointerUp(),
		},
	}
}

// tapSequence builds a press-hold-release at (x, y).
func tapSequence(x, y, holdMs int) []map[string]any {
	return []map[string]any{
		{
			"type":       "pointer",
			"id":         "finger1",
			"parameters": map[string]any{"pointerType": "touch"},
			"actions": []map[string]any{
				pointerMove(x, y, 0),
				pointerDown(),
				pause(holdMs),
				pointerUp(),
			},
		},
	}
}

// swipeSequence builds a drag from (x1, y1) to (x2, y2).
func swipeSequence(x1, y1, x2, y2, durationMs int) []map[string]any {
	return []map[string]any{fingerSequence("finger1", x1, y1, x2, y2, durationMs)}
}
