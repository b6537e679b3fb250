package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ========================================
// UI Hierarchy Model
// ========================================

// UINode is one element in the parsed page source.
type UINode struct {
	XMLName       xml.Name `xml:"node" json:"-"`
	Text          string   `xml:"text,attr" json:"text"`
	ResourceID    string   `xml:"resource-id,attr" json:"resourceId"`
	Class         string   `xml:"class,attr" json:"class"`
	Package       string   `xml:"package,attr" json:"package"`
	ContentDesc   string   `xml:"content-desc,attr" json:"contentDesc"`
	Checkable     bool     `xml:"checkable,attr" json:"checkable"`
	Checked       bool     `xml:"checked,attr" json:"checked"`
	Clickable     bool     `xml:"clickable,attr" json:"clickable"`
	Enabled       bool     `xml:"enabled,attr" json:"enabled"`
	Focusable     bool     `xml:"focusable,attr" json:"focusable"`
	Focused       bool     `xml:"focused,attr" json:"focused"`
	Scrollable    bool     `xml:"scrollable,attr" json:"scrollable"`
	LongClickable bool     `xml:"long-clickable,attr" json:"longClickable"`
	Password      bool     `xml:"password,attr" json:"password"`
	Selected      bool     `xml:"selected,attr" json:"selected"`
	Bounds        string   `xml:"bounds,attr" json:"bounds"`
	Nodes         []UINode `xml:"node" json:"nodes"`
}

// UIHierarchy is the document root of a uiautomator-style dump.
type UIHierarchy struct {
	XMLName xml.Name `xml:"hierarchy"`
	Nodes   []UINode `xml:"node"`
}

// ParsePageSource parses driver page source XML into a single root node.
// Dumps are occasionally malformed (bare ampersands, multiple roots), so the
// content is repaired before unmarshaling.
func ParsePageSource(content string) (*UINode, error) {
	startIdx := strings.Index(content, "<?xml")
	if startIdx == -1 {
		startIdx = strings.Index(content, "<hierarchy")
	}
	if startIdx > 0 {
		content = content[startIdx:]
	}
	endIdx := strings.LastIndex(content, ">")
	if endIdx != -1 && endIdx < len(content)-1 {
		content = content[:endIdx+1]
	}

	// Escape bare ampersands, then undo the double escaping of entities that
	// were already valid. Go's regexp has no lookahead, so use a chain.
	content = strings.ReplaceAll(content, "&", "&amp;")
	content = strings.ReplaceAll(content, "&amp;amp;", "&amp;")
	content = strings.ReplaceAll(content, "&amp;lt;", "&lt;")
	content = strings.ReplaceAll(content, "&amp;gt;", "&gt;")
	content = strings.ReplaceAll(content, "&amp;quot;", "&quot;")
	content = strings.ReplaceAll(content, "&amp;apos;", "&apos;")
	content = strings.ReplaceAll(content, "&amp;#", "&#")

	var hierarchy UIHierarchy
	if err := xml.Unmarshal([]byte(content), &hierarchy); err != nil {
		return nil, fmt.Errorf("failed to parse UI XML (length: %d): %w", len(content), err)
	}
	if len(hierarchy.Nodes) == 0 {
		return nil, fmt.Errorf("UI hierarchy has no nodes")
	}

	if len(hierarchy.Nodes) == 1 {
		return &hierarchy.Nodes[0], nil
	}
	// Some dumps carry multiple roots; wrap them in a synthetic container
	return &UINode{
		Class:   "android.view.View",
		Package: hierarchy.Nodes[0].Package,
		Bounds:  "[0,0][0,0]",
		Nodes:   hierarchy.Nodes,
	}, nil
}

// TreeHash returns a stable digest of the tree's content, used to detect a
// screen that stopped changing between scrolls.
func TreeHash(root *UINode) string {
	var b strings.Builder
	var walk func(n *UINode)
	walk = func(n *UINode) {
		b.WriteString(n.Class)
		b.WriteByte('|')
		b.WriteString(n.Text)
		b.WriteByte('|')
		b.WriteString(n.ResourceID)
		b.WriteByte('|')
		b.WriteString(n.Bounds)
		b.WriteByte('\n')
		for i := range n.Nodes {
			walk(&n.Nodes[i])
		}
	}
	if root != nil {
		walk(root)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// getNodeAttribute returns a node attribute by name. Boolean attributes come
// back as "true"/"false". Names are case insensitive and accept common
// aliases (id, desc, longclickable).
func getNodeAttribute(node *UINode, attr string) string {
	switch strings.ToLower(attr) {
	case "text":
		return node.Text
	case "resource-id", "resourceid", "id":
		return node.ResourceID
	case "class":
		return node.Class
	case "package":
		return node.Package
	case "content-desc", "contentdesc", "description", "desc":
		return node.ContentDesc
	case "bounds":
		return node.Bounds
	case "checkable":
		return strconv.FormatBool(node.Checkable)
	case "checked":
		return strconv.FormatBool(node.Checked)
	case "clickable":
		return strconv.FormatBool(node.Clickable)
	case "enabled":
		return strconv.FormatBool(node.Enabled)
	case "focusable":
		return strconv.FormatBool(node.Focusable)
	case "focused":
		return strconv.FormatBool(node.Focused)
	case "scrollable":
		return strconv.FormatBool(node.Scrollable)
	case "long-clickable", "longclickable":
		return strconv.FormatBool(node.LongClickable)
	case "password":
		return strconv.FormatBool(node.Password)
	case "selected":
		return strconv.FormatBool(node.Selected)
	default:
		return ""
	}
}

// collectMatchingNodes traverses the tree and collects nodes matching the predicate
func collectMatchingNodes(node *UINode, predicate func(*UINode) bool) []*UINode {
	if node == nil {
		return nil
	}

	var results []*UINode
	if predicate(node) {
		results = append(results, node)
	}

	for i := range node.Nodes {
		results = append(results, collectMatchingNodes(&node.Nodes[i], predicate)...)
	}

	return results
}

// findNodeAtPoint returns the smallest node whose bounds contain (x, y).
func findNodeAtPoint(root *UINode, x, y int) *UINode {
	var best *UINode
	bestArea := -1

	nodes := collectMatchingNodes(root, func(n *UINode) bool {
		rect, err := ParseBounds(n.Bounds)
		if err != nil {
			return false
		}
		return rect.Contains(x, y)
	})

	for _, n := range nodes {
		rect, err := ParseBounds(n.Bounds)
		if err != nil {
			continue
		}
		area := rect.Area()
		if bestArea == -1 || area < bestArea {
			best = n
			bestArea = area
		}
	}
	return best
}

// ========================================
// Bounds
// ========================================

// BoundsRect represents parsed bounds coordinates
type BoundsRect struct {
	X1, Y1, X2, Y2 int
}

var boundsRe = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// ParseBounds parses an Android bounds string "[x1,y1][x2,y2]" into BoundsRect
func ParseBounds(bounds string) (*BoundsRect, error) {
	matches := boundsRe.FindStringSubmatch(bounds)
	if len(matches) != 5 {
		return nil, fmt.Errorf("invalid bounds format: %s", bounds)
	}

	x1, _ := strconv.Atoi(matches[1])
	y1, _ := strconv.Atoi(matches[2])
	x2, _ := strconv.Atoi(matches[3])
	y2, _ := strconv.Atoi(matches[4])

	return &BoundsRect{X1: x1, Y1: y1, X2: x2, Y2: y2}, nil
}

// Center returns the center point of the bounds
func (b *BoundsRect) Center() (int, int) {
	return b.X1 + (b.X2-b.X1)/2, b.Y1 + (b.Y2-b.Y1)/2
}

// Contains checks if point (x, y) is inside the bounds
func (b *BoundsRect) Contains(x, y int) bool {
	return x >= b.X1 && x <= b.X2 && y >= b.Y1 && y <= b.Y2
}

// Area returns the area of the bounds rectangle
func (b *BoundsRect) Area() int {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Width returns the bounds width
func (b *BoundsRect) Width() int {
	return b.X2 - b.X1
}

// Height returns the bounds height
func (b *BoundsRect) Height() int {
	return b.Y2 - b.Y1
}
