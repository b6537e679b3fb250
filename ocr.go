package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ========================================
// Visual Text Extraction
// ========================================

// TextExtractor reads text and positioned boxes out of a screenshot. The
// bridge never fails a request because extraction failed: callers degrade to
// structural data instead.
type TextExtractor interface {
	Extract(ctx context.Context, screenshot []byte) (string, []BoundingBox, error)
}

// HTTPExtractor posts screenshots to an external recognition service. Calls
// are rate limited: every extraction is a full model pass on the other end.
type HTTPExtractor struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPExtractor creates an extractor for the service at url, allowing
// ratePerSec requests per second with a burst of one.
func NewHTTPExtractor(url string, ratePerSec float64) *HTTPExtractor {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &HTTPExtractor{
		url:     url,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

// extractionResponse is the service wire format.
type extractionResponse struct {
	Text  string        `json:"text"`
	Boxes []BoundingBox `json:"boxes"`
}

// Extract implements TextExtractor.
func (e *HTTPExtractor) Extract(ctx context.Context, screenshot []byte) (string, []BoundingBox, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", nil, NewExtractionFailureError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(screenshot))
	if err != nil {
		return "", nil, NewExtractionFailureError(err)
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", nil, NewExtractionFailureError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, NewExtractionFailureError(fmt.Errorf("extraction service returned HTTP %d", resp.StatusCode))
	}

	var parsed extractionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, NewExtractionFailureError(err)
	}
	return parsed.Text, parsed.Boxes, nil
}

// noopExtractor is used when no extraction service is configured. Every call
// degrades, which keeps perception structural-only.
type noopExtractor struct{}

func (noopExtractor) Extract(ctx context.Context, screenshot []byte) (string, []BoundingBox, error) {
	return "", nil, NewExtractionFailureError(fmt.Errorf("no extraction service configured"))
}

// NewExtractor picks the extractor for the current configuration.
func NewExtractor(cfg Config) TextExtractor {
	if cfg.OCRServiceURL == "" {
		return noopExtractor{}
	}
	return NewHTTPExtractor(cfg.OCRServiceURL, cfg.OCRRatePerSec)
}
