package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ========================================
// Locator Resolver
// Maps abstract locators to driver lookups with derived fallbacks
// ========================================

// Locator strategies accepted on the wire.
const (
	StrategyID            = "id"
	StrategyXPath         = "xpath"
	StrategyAccessibility = "accessibility id"
	StrategyClassName     = "class name"
	StrategyText          = "text"
	StrategyContains      = "contains"
	StrategyUIAutomator   = "-android uiautomator"
)

// Resolver turns locators into driver element ids. A resolution attempt
// walks the primary locator, caller-supplied fallbacks, and derived
// candidates in order, stopping at the first hit.
type Resolver struct {
	driver *Driver
	cfg    *ConfigStore
}

// NewResolver creates a resolver backed by the given driver.
func NewResolver(driver *Driver, cfg *ConfigStore) *Resolver {
	return &Resolver{driver: driver, cfg: cfg}
}

// drv returns the client for the session's endpoint, defaulting to the
// resolver's own.
func (r *Resolver) drv(s *ManagedSession) *Driver {
	if s.driver != nil {
		return s.driver
	}
	return r.driver
}

// Resolve finds one element. Every candidate gets its own short timeout so a
// slow miss cannot eat the whole request budget. Session-level failures
// abort immediately; plain misses move on to the next candidate.
func (r *Resolver) Resolve(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator) (string, error) {
	cfg := r.cfg.Get()

	candidates := r.Candidates(primary, fallbacks)
	attempted := make([]string, 0, len(candidates))

	for _, cand := range candidates {
		using, value, err := toDriverStrategy(cand)
		if err != nil {
			continue
		}
		attempted = append(attempted, fmt.Sprintf("%s=%s", cand.Strategy, truncateValue(cand.Value, 60)))

		attemptCtx, cancel := context.WithTimeout(ctx, perCandidateTimeout(cfg.SessionRequestTimeout, len(candidates)))
		elementID, err := r.drv(session).FindElement(attemptCtx, session.DriverID, using, value)
		cancel()

		if err == nil {
			return elementID, nil
		}
		if IsNoSuchElement(err) {
			continue
		}
		if IsRecoverable(err) || ErrorKind(err) == ErrConnection {
			return "", err
		}
		LogDebug("locator").Err(err).Str("strategy", cand.Strategy).Msg("Candidate lookup failed")
	}

	return "", NewElementNotFoundError(primary, attempted)
}

// perCandidateTimeout divides the request budget across candidates, with a
// floor so a single lookup always gets a usable window.
func perCandidateTimeout(total time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	per := total / time.Duration(n)
	if per < 2*time.Second {
		per = 2 * time.Second
	}
	return per
}

// Candidates returns the ordered, deduplicated lookup list: the normalized
// primary first, then caller fallbacks, then derived alternates, capped at
// MaxCandidates.
func (r *Resolver) Candidates(primary Locator, fallbacks []Locator) []Locator {
	cfg := r.cfg.Get()

	ordered := []Locator{NormalizeLocator(primary, cfg)}
	for _, fb := range fallbacks {
		ordered = append(ordered, NormalizeLocator(fb, cfg))
	}
	ordered = append(ordered, deriveCandidates(primary, cfg)...)

	seen := make(map[string]bool, len(ordered))
	result := make([]Locator, 0, cfg.MaxCandidates)
	for _, loc := range ordered {
		key := loc.Strategy + "\x00" + loc.Value
		if seen[key] || loc.Value == "" {
			continue
		}
		seen[key] = true
		result = append(result, loc)
		if len(result) >= cfg.MaxCandidates {
			break
		}
	}
	return result
}

// deriveCandidates builds alternate locators from the primary: id lookups
// also try the equivalent xpath, text lookups also try accessibility id and
// a contains variant.
func deriveCandidates(primary Locator, cfg Config) []Locator {
	var derived []Locator
	value := primary.Value

	switch primary.Strategy {
	case StrategyID:
		derived = append(derived,
			Locator{Strategy: StrategyXPath, Value: fmt.Sprintf("//*[@resource-id=%s]", xpathLiteral(value))},
		)
		// Bare ids also match as a resource-id suffix
		if !strings.Contains(value, ":id/") {
			derived = append(derived,
				Locator{Strategy: StrategyXPath, Value: fmt.Sprintf("//*[contains(@resource-id, %s)]", xpathLiteral(":id/"+value))},
			)
		}
	case StrategyText:
		derived = append(derived,
			Locator{Strategy: StrategyAccessibility, Value: value},
			NormalizeLocator(Locator{Strategy: StrategyContains, Value: value}, cfg),
		)
	case StrategyAccessibility:
		derived = append(derived,
			NormalizeLocator(Locator{Strategy: StrategyText, Value: value}, cfg),
			NormalizeLocator(Locator{Strategy: StrategyContains, Value: value}, cfg),
		)
	case StrategyXPath:
		if text, ok := extractXPathEquality(value, "text"); ok {
			derived = append(derived, NormalizeLocator(Locator{Strategy: StrategyContains, Value: text}, cfg))
		}
	}
	return derived
}

// ========================================
// Normalization
// ========================================

// NormalizeLocator applies the long-value rule: equality matching breaks on
// labels that get truncated or reflowed on screen, so values longer than the
// threshold become contains lookups over a stable prefix. The result never
// nests contains inside contains.
func NormalizeLocator(loc Locator, cfg Config) Locator {
	threshold := cfg.LongValueThreshold
	prefix := cfg.PrefixLength

	switch loc.Strategy {
	case StrategyText, StrategyAccessibility:
		if len(loc.Value) > threshold {
			return Locator{Strategy: StrategyContains, Value: valuePrefix(loc.Value, prefix)}
		}
		return loc
	case StrategyContains:
		if len(loc.Value) > threshold {
			return Locator{Strategy: StrategyContains, Value: valuePrefix(loc.Value, prefix)}
		}
		return loc
	case StrategyXPath:
		return Locator{Strategy: StrategyXPath, Value: rewriteLongXPath(loc.Value, threshold, prefix)}
	default:
		return loc
	}
}

var (
	xpathEqRe       = regexp.MustCompile(`@([\w-]+)\s*=\s*'([^']+)'`)
	xpathContainsRe = regexp.MustCompile(`contains\(\s*@([\w-]+)\s*,\s*'([^']+)'\s*\)`)
)

// rewriteLongXPath rewrites long equality predicates into contains and
// shortens long contains predicates in place. Rewriting in place keeps
// already-contains predicates flat instead of wrapping them again.
func rewriteLongXPath(expr string, threshold, prefix int) string {
	expr = xpathContainsRe.ReplaceAllStringFunc(expr, func(m string) string {
		parts := xpathContainsRe.FindStringSubmatch(m)
		if len(parts) != 3 || len(parts[2]) <= threshold {
			return m
		}
		return fmt.Sprintf("contains(@%s, '%s')", parts[1], valuePrefix(parts[2], prefix))
	})
	expr = xpathEqRe.ReplaceAllStringFunc(expr, func(m string) string {
		parts := xpathEqRe.FindStringSubmatch(m)
		if len(parts) != 3 || len(parts[2]) <= threshold {
			return m
		}
		return fmt.Sprintf("contains(@%s, '%s')", parts[1], valuePrefix(parts[2], prefix))
	})
	return expr
}

// extractXPathEquality pulls the value of an @attr='value' predicate.
func extractXPathEquality(expr, attr string) (string, bool) {
	for _, m := range xpathEqRe.FindAllStringSubmatch(expr, -1) {
		if m[1] == attr {
			return m[2], true
		}
	}
	return "", false
}

// valuePrefix cuts a value to at most n bytes at a rune boundary, trimming
// trailing whitespace so the contains match does not end mid-word padding.
func valuePrefix(value string, n int) string {
	if len(value) <= n {
		return value
	}
	cut := n
	for cut > 0 && !isRuneStart(value[cut]) {
		cut--
	}
	return strings.TrimRight(value[:cut], " \t\n")
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// ========================================
// Driver strategy mapping
// ========================================

// toDriverStrategy maps a bridge locator to a wire (using, value) pair. The
// text and contains strategies have no native wire form and compile to
// xpath over text and content-desc.
func toDriverStrategy(loc Locator) (string, string, error) {
	switch loc.Strategy {
	case StrategyID:
		return "id", loc.Value, nil
	case StrategyXPath:
		return "xpath", loc.Value, nil
	case StrategyAccessibility:
		return "accessibility id", loc.Value, nil
	case StrategyClassName:
		return "class name", loc.Value, nil
	case StrategyUIAutomator:
		return "-android uiautomator", loc.Value, nil
	case StrategyText:
		lit := xpathLiteral(loc.Value)
		return "xpath", fmt.Sprintf("//*[@text=%s or @content-desc=%s]", lit, lit), nil
	case StrategyContains:
		lit := xpathLiteral(loc.Value)
		return "xpath", fmt.Sprintf("//*[contains(@text, %s) or contains(@content-desc, %s)]", lit, lit), nil
	default:
		return "", "", NewInvalidArgumentError(fmt.Sprintf("unknown locator strategy %q", loc.Strategy))
	}
}

// xpathLiteral quotes a string for use inside an XPath expression. Values
// containing single quotes need the concat() form.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

// ========================================
// Tree-side matching
// ========================================

// MatchesLocator checks a parsed node against a locator, used when scanning
// a page source dump instead of asking the driver.
func MatchesLocator(node *UINode, loc Locator) bool {
	switch loc.Strategy {
	case StrategyID:
		return node.ResourceID == loc.Value || strings.HasSuffix(node.ResourceID, ":id/"+loc.Value)
	case StrategyText:
		return node.Text == loc.Value || node.ContentDesc == loc.Value
	case StrategyAccessibility:
		return node.ContentDesc == loc.Value
	case StrategyClassName:
		return node.Class == loc.Value
	case StrategyContains:
		return strings.Contains(node.Text, loc.Value) || strings.Contains(node.ContentDesc, loc.Value)
	default:
		return false
	}
}

// FindInTree returns nodes matching the locator in a parsed hierarchy.
func FindInTree(root *UINode, loc Locator) []*UINode {
	return collectMatchingNodes(root, func(n *UINode) bool {
		return MatchesLocator(n, loc)
	})
}
