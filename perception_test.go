package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"Tether/pkg/cache"
)

// fakeExtractor counts calls and returns canned results.
type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	text  string
	boxes []BoundingBox
	err   error
}

func (e *fakeExtractor) Extract(ctx context.Context, screenshot []byte) (string, []BoundingBox, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.text, e.boxes, e.err
}

func (e *fakeExtractor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestPerception(f *fakeDriver, extractor TextExtractor) *Perception {
	cfg := testConfigStore(f.URL())
	c := cache.NewExtractionCache(cfg.Get().CacheMaxSize, cfg.Get().CacheTTL)
	return NewPerception(NewDriver(f.URL(), 5*time.Second), extractor, c, cfg, 1)
}

// richPageSource has enough distinct texts and interactive elements that the
// structural view alone passes the sufficiency check.
func richPageSource() string {
	nodes := ""
	for i := 0; i < 6; i++ {
		nodes += fmt.Sprintf(`<node text="Label %d" resource-id="com.app:id/l%d" class="android.widget.Button" package="com.app" content-desc="" clickable="true" enabled="true" bounds="[0,%d][500,%d]"/>`, i, i, i*100, i*100+80)
	}
	return `<hierarchy rotation="0"><node text="" resource-id="" class="android.widget.FrameLayout" package="com.app" content-desc="" bounds="[0,0][1080,2400]">` + nodes + `</node></hierarchy>`
}

// sparsePageSource mimics a canvas-drawn screen with nothing useful in it.
func sparsePageSource() string {
	return `<hierarchy rotation="0"><node text="" resource-id="" class="android.view.View" package="com.app" content-desc="" bounds="[0,0][1080,2400]"/></hierarchy>`
}

func TestSummarizeStructuralOnly(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	f.pageSource = richPageSource
	ex := &fakeExtractor{}
	p := newTestPerception(f, ex)

	summary, err := p.Summarize(context.Background(), testSession(), false)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if !summary.StructuralDataAvailable {
		t.Error("structural data should be flagged available")
	}
	if len(summary.VisibleText) < 5 || len(summary.Elements) < 3 {
		t.Errorf("expected rich summary, got %d texts %d elements", len(summary.VisibleText), len(summary.Elements))
	}
	if ex.callCount() != 0 {
		t.Errorf("visual pass must not run when the structural view suffices, got %d calls", ex.callCount())
	}
}

func TestSummarizeSparseTreeTriggersVisualPass(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	f.pageSource = sparsePageSource
	ex := &fakeExtractor{
		boxes: []BoundingBox{
			{Text: "Play Now", X: 400, Y: 1000, Width: 280, Height: 60, Confidence: 0.9},
			{Text: "Settings", X: 400, Y: 1200, Width: 280, Height: 60, Confidence: 0.8},
		},
	}
	p := newTestPerception(f, ex)

	summary, err := p.Summarize(context.Background(), testSession(), false)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if ex.callCount() != 1 {
		t.Errorf("sparse trees must trigger the visual pass, got %d calls", ex.callCount())
	}
	if len(summary.VisibleText) != 2 {
		t.Errorf("expected 2 visual texts, got %v", summary.VisibleText)
	}
	want := (0.9 + 0.8) / 2
	if diff := summary.OCRConfidence - want; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("confidence should be the box mean, got %f", summary.OCRConfidence)
	}
}

func TestSummarizeForcedOCRMergesAndDedupes(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	f.pageSource = richPageSource
	ex := &fakeExtractor{
		boxes: []BoundingBox{
			{Text: "label 0", Confidence: 0.7}, // duplicate of structural text, case differs
			{Text: "Visual only", Confidence: 0.9},
		},
	}
	p := newTestPerception(f, ex)

	summary, err := p.Summarize(context.Background(), testSession(), true)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if ex.callCount() != 1 {
		t.Errorf("forced OCR should run exactly once, got %d calls", ex.callCount())
	}

	count := 0
	hasVisualOnly := false
	for _, text := range summary.VisibleText {
		if text == "Label 0" || text == "label 0" {
			count++
		}
		if text == "Visual only" {
			hasVisualOnly = true
		}
	}
	if count != 1 {
		t.Errorf("case-insensitive duplicates must merge, found %d copies", count)
	}
	if !hasVisualOnly {
		t.Error("visual-only text should be added")
	}
}

func TestSummarizeDegradesOnVisualFailure(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	f.pageSource = sparsePageSource
	ex := &fakeExtractor{err: NewExtractionFailureError(fmt.Errorf("service down"))}
	p := newTestPerception(f, ex)

	summary, err := p.Summarize(context.Background(), testSession(), false)
	if err != nil {
		t.Fatalf("visual failure must degrade, not fail, got %v", err)
	}
	if !summary.StructuralDataAvailable {
		t.Error("structural data should still be reported")
	}
	if summary.OCRConfidence != 0 {
		t.Errorf("confidence must be zero without boxes, got %f", summary.OCRConfidence)
	}
}

func TestSummarizeCachesVisualPass(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	f.pageSource = sparsePageSource
	ex := &fakeExtractor{text: "Some text"}
	p := newTestPerception(f, ex)

	for i := 0; i < 3; i++ {
		if _, err := p.Summarize(context.Background(), testSession(), false); err != nil {
			t.Fatalf("Summarize failed: %v", err)
		}
	}
	if ex.callCount() != 1 {
		t.Errorf("identical screens must hit the cache, got %d extractor calls", ex.callCount())
	}
}

func TestSummaryAndTextSearchShareExtraction(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	f.pageSource = sparsePageSource
	ex := &fakeExtractor{
		boxes: []BoundingBox{
			{Text: "Play Now", X: 400, Y: 1000, Width: 280, Height: 60, Confidence: 0.9},
		},
	}
	p := newTestPerception(f, ex)

	if _, err := p.Summarize(context.Background(), testSession(), true); err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if _, _, err := p.FindTextCoordinates(context.Background(), testSession(), "Play Now"); err != nil {
		t.Fatalf("FindTextCoordinates failed: %v", err)
	}
	if ex.callCount() != 1 {
		t.Errorf("a summary and a text search on the same screen must share one extraction, got %d calls", ex.callCount())
	}
}

func TestFindTextCoordinates(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	ex := &fakeExtractor{
		boxes: []BoundingBox{
			{Text: "Sign In", X: 400, Y: 1000, Width: 200, Height: 60, Confidence: 0.95},
		},
	}
	p := newTestPerception(f, ex)

	point, box, err := p.FindTextCoordinates(context.Background(), testSession(), "sign in")
	if err != nil {
		t.Fatalf("FindTextCoordinates failed: %v", err)
	}
	if box.Text != "Sign In" {
		t.Errorf("unexpected box: %+v", box)
	}
	cx, cy := box.Center()
	if point.X < cx-maxJitterPx || point.X > cx+maxJitterPx {
		t.Errorf("x jitter out of range: center %d, got %d", cx, point.X)
	}
	if point.Y < cy-maxJitterPx || point.Y > cy+maxJitterPx {
		t.Errorf("y jitter out of range: center %d, got %d", cy, point.Y)
	}
}

func TestFindTextCoordinatesMiss(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	ex := &fakeExtractor{
		boxes: []BoundingBox{{Text: "Something else", X: 0, Y: 0, Width: 10, Height: 10}},
	}
	p := newTestPerception(f, ex)

	_, _, err := p.FindTextCoordinates(context.Background(), testSession(), "Sign In")
	if ErrorKind(err) != ErrElementNotFound {
		t.Fatalf("expected element not found, got %v", err)
	}
}

func TestFindTextCoordinatesEmptyText(t *testing.T) {
	f := newFakeDriver()
	defer f.Close()
	p := newTestPerception(f, &fakeExtractor{})

	_, _, err := p.FindTextCoordinates(context.Background(), testSession(), "   ")
	if ErrorKind(err) != ErrInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestNoopExtractorAlwaysFails(t *testing.T) {
	_, _, err := noopExtractor{}.Extract(context.Background(), []byte("shot"))
	if ErrorKind(err) != ErrExtractionFailure {
		t.Fatalf("expected extraction failure, got %v", err)
	}
}

func TestNewExtractorPicksByConfig(t *testing.T) {
	cfg := DefaultConfig()
	if _, ok := NewExtractor(cfg).(noopExtractor); !ok {
		t.Error("no service URL should yield the noop extractor")
	}
	cfg.OCRServiceURL = "http://127.0.0.1:9000/extract"
	if _, ok := NewExtractor(cfg).(*HTTPExtractor); !ok {
		t.Error("a service URL should yield the HTTP extractor")
	}
}
