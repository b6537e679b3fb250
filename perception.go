package main

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	"Tether/pkg/cache"
)

// ========================================
// Perception Engine
// Merges the structural UI tree with visual text extraction
// ========================================

// maxJitterPx bounds the random offset added to text coordinates.
const maxJitterPx = 3

// Perception builds screen summaries. Structural data (the parsed page
// source) is cheap and preferred; the visual pass runs only on request or
// when the tree is too sparse to trust, and its results are memoized per
// screen content.
type Perception struct {
	driver    *Driver
	extractor TextExtractor
	cache     *cache.ExtractionCache
	cfg       *ConfigStore

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewPerception creates a perception engine.
func NewPerception(driver *Driver, extractor TextExtractor, extractionCache *cache.ExtractionCache, cfg *ConfigStore, seed int64) *Perception {
	return &Perception{
		driver:    driver,
		extractor: extractor,
		cache:     extractionCache,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// drv returns the client for the session's endpoint, defaulting to the
// engine's own.
func (p *Perception) drv(s *ManagedSession) *Driver {
	if s.driver != nil {
		return s.driver
	}
	return p.driver
}

// ========================================
// Structural extraction
// ========================================

// structuralView is the tree-derived half of a summary.
type structuralView struct {
	texts    []string
	elements []PerceivedElement
}

// extractStructural parses the page source into visible texts and
// interactive elements.
func (p *Perception) extractStructural(ctx context.Context, session *ManagedSession) (*structuralView, error) {
	source, err := p.drv(session).PageSource(ctx, session.DriverID)
	if err != nil {
		return nil, err
	}
	root, err := ParsePageSource(source)
	if err != nil {
		return nil, err
	}

	view := &structuralView{}
	seen := make(map[string]bool)

	nodes := collectMatchingNodes(root, func(n *UINode) bool {
		return n.Text != "" || n.ContentDesc != "" || n.Clickable || isEditableNode(n)
	})
	for _, n := range nodes {
		label := n.Text
		if label == "" {
			label = n.ContentDesc
		}
		if label != "" {
			key := strings.ToLower(label)
			if !seen[key] {
				seen[key] = true
				view.texts = append(view.texts, label)
			}
		}

		if !n.Clickable && !isEditableNode(n) && !n.Scrollable {
			continue
		}
		elem := PerceivedElement{Type: elementType(n), Text: label}
		if rect, err := ParseBounds(n.Bounds); err == nil {
			x, y := rect.Center()
			elem.Coordinates = &Point{X: x, Y: y}
		}
		view.elements = append(view.elements, elem)
	}
	return view, nil
}

// elementType maps a node to a coarse interaction category.
func elementType(n *UINode) string {
	switch {
	case isEditableNode(n):
		return "input"
	case n.Scrollable:
		return "scrollable"
	case n.Checkable:
		return "toggle"
	default:
		return "button"
	}
}

// sufficient reports whether the structural view alone is trustworthy.
// Sparse trees (webviews, games, canvas-drawn UIs) need the visual pass.
func (p *Perception) sufficient(view *structuralView) bool {
	cfg := p.cfg.Get()
	return view != nil &&
		len(view.texts) >= cfg.MinDistinctTexts &&
		len(view.elements) >= cfg.MinElements
}

// ========================================
// Visual extraction
// ========================================

// extractVisual runs the memoized visual pass over the current screen. The
// key covers only the screen content, so a summary and a text search on the
// same frame share one extraction.
func (p *Perception) extractVisual(ctx context.Context, session *ManagedSession) (string, []BoundingBox, error) {
	screenshot, err := p.drv(session).Screenshot(ctx, session.DriverID)
	if err != nil {
		return "", nil, err
	}

	key := cache.Key(screenshot, 0, "")
	if entry, ok := p.cache.Get(key); ok {
		LogDebug("perception").Str("key", key[:12]).Msg("Extraction cache hit")
		return entry.Text, entry.Boxes, nil
	}

	text, boxes, err := p.extractor.Extract(ctx, screenshot)
	if err != nil {
		return "", nil, err
	}
	p.cache.Set(key, cache.Entry{Text: text, Boxes: boxes})
	return text, boxes, nil
}

// ========================================
// Summaries
// ========================================

// Summarize builds a fresh summary of the current screen. When useOCR is
// false the visual pass still runs if the structural view is too sparse;
// a failed visual pass degrades to whatever structural data exists.
func (p *Perception) Summarize(ctx context.Context, session *ManagedSession, useOCR bool) (*PerceptionSummary, error) {
	structural, structErr := p.extractStructural(ctx, session)
	if structErr != nil {
		if IsRecoverable(structErr) || ErrorKind(structErr) == ErrConnection {
			return nil, structErr
		}
		LogWarn("perception").Err(structErr).Msg("Structural extraction failed, relying on visual pass")
	}

	summary := &PerceptionSummary{
		StructuralDataAvailable: structural != nil,
	}
	if structural != nil {
		summary.VisibleText = append(summary.VisibleText, structural.texts...)
		summary.Elements = append(summary.Elements, structural.elements...)
	}

	runVisual := useOCR || !p.sufficient(structural)
	if !runVisual {
		return summary, nil
	}

	text, boxes, err := p.extractVisual(ctx, session)
	if err != nil {
		if IsRecoverable(err) || ErrorKind(err) == ErrConnection {
			return nil, err
		}
		LogWarn("perception").Err(err).Msg("Visual extraction failed, structural data only")
		if structural == nil && structErr != nil {
			return nil, NewExtractionFailureError(structErr)
		}
		return summary, nil
	}

	mergeVisual(summary, text, boxes)
	return summary, nil
}

// mergeVisual unions visually extracted text into the summary, deduplicated
// case-insensitively against the structural texts.
func mergeVisual(summary *PerceptionSummary, text string, boxes []BoundingBox) {
	seen := make(map[string]bool, len(summary.VisibleText))
	for _, t := range summary.VisibleText {
		seen[strings.ToLower(t)] = true
	}

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		key := strings.ToLower(t)
		if !seen[key] {
			seen[key] = true
			summary.VisibleText = append(summary.VisibleText, t)
		}
	}

	for _, box := range boxes {
		add(box.Text)
	}
	if len(boxes) == 0 {
		for _, line := range strings.Split(text, "\n") {
			add(line)
		}
	}

	if len(boxes) > 0 {
		var total float64
		for _, box := range boxes {
			total += box.Confidence
		}
		summary.OCRConfidence = total / float64(len(boxes))
	}
}

// ========================================
// Text coordinate lookup
// ========================================

// FindTextCoordinates locates text on screen via the visual pass and returns
// a tap point near the match center. The point carries a small random
// offset so repeated taps do not land on the exact same pixel.
func (p *Perception) FindTextCoordinates(ctx context.Context, session *ManagedSession, text string) (*Point, *BoundingBox, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, NewInvalidArgumentError("text must not be empty")
	}

	_, boxes, err := p.extractVisual(ctx, session)
	if err != nil {
		return nil, nil, err
	}

	needle := strings.ToLower(text)
	for i := range boxes {
		if strings.Contains(strings.ToLower(boxes[i].Text), needle) {
			x, y := boxes[i].Center()
			point := &Point{X: x + p.jitter(), Y: y + p.jitter()}
			return point, &boxes[i], nil
		}
	}
	return nil, nil, NewElementNotFoundError(Locator{Strategy: "visual-text", Value: text}, []string{"visual-text"})
}

// jitter returns a random offset in [-maxJitterPx, maxJitterPx].
func (p *Perception) jitter() int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Intn(2*maxJitterPx+1) - maxJitterPx
}
