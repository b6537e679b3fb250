package main

import (
	"context"
	"fmt"
	"strings"
)

// ========================================
// Editable Resolution
// Text input often targets a decorated container, not the field itself
// ========================================

// containerSuffixes are id suffixes that mark wrapper views around a field.
var containerSuffixes = []string{
	"_chip_group",
	"_container",
	"_wrapper",
	"_layout",
	"_viewgroup",
	"_recycler",
	"_search_box",
}

// inputSuffixes are id suffixes commonly used for the actual input view.
var inputSuffixes = []string{
	"_input",
	"_text_input",
	"_edit_text",
	"_field",
	"_autocomplete_input",
	"_input_field",
	"_textfield",
	"_compose_text_field",
}

// isEditableNode reports whether a node can receive text.
func isEditableNode(n *UINode) bool {
	if strings.Contains(n.Class, "EditText") || strings.Contains(n.Class, "AutoComplete") {
		return true
	}
	return n.Password
}

// visibleNode filters out zero-area nodes that the dump still lists.
func visibleNode(n *UINode) bool {
	rect, err := ParseBounds(n.Bounds)
	if err != nil {
		return false
	}
	return rect.Area() > 0
}

// ResolveEditable finds the element that should receive keystrokes for the
// given locator. When the locator names the field directly that field wins;
// when it names a wrapper the ladder walks progressively looser strategies:
// editable descendant, sibling id rename, spatial proximity, and finally the
// first visible editable on screen.
func (r *Resolver) ResolveEditable(ctx context.Context, session *ManagedSession, primary Locator, fallbacks []Locator) (string, error) {
	source, err := r.drv(session).PageSource(ctx, session.DriverID)
	if err != nil {
		return "", err
	}
	root, err := ParsePageSource(source)
	if err != nil {
		return "", NewExtractionFailureError(err)
	}

	cfg := r.cfg.Get()
	target := findFirstInTree(root, NormalizeLocator(primary, cfg))
	if target == nil {
		for _, fb := range fallbacks {
			if target = findFirstInTree(root, NormalizeLocator(fb, cfg)); target != nil {
				break
			}
		}
	}

	if target != nil && isEditableNode(target) {
		return r.resolveNode(ctx, session, target)
	}

	if target != nil {
		// Strategy: editable descendant of the matched container
		if desc := firstEditableUnder(target); desc != nil {
			LogDebug("locator").Str("id", desc.ResourceID).Msg("Editable resolved via descendant")
			return r.resolveNode(ctx, session, desc)
		}

		// Strategy: rename container id suffix to a known input suffix
		if node := editableByIDRename(root, target.ResourceID); node != nil {
			LogDebug("locator").Str("id", node.ResourceID).Msg("Editable resolved via id rename")
			return r.resolveNode(ctx, session, node)
		}

		// Strategy: id prefix match among editables
		if node := editableByIDPrefix(root, target.ResourceID); node != nil {
			LogDebug("locator").Str("id", node.ResourceID).Msg("Editable resolved via id prefix")
			return r.resolveNode(ctx, session, node)
		}

		// Strategy: nearest visible editable to the container center
		if node := nearestEditable(root, target); node != nil {
			LogDebug("locator").Str("id", node.ResourceID).Msg("Editable resolved via proximity")
			return r.resolveNode(ctx, session, node)
		}
	}

	// Strategy: first visible editable anywhere on screen
	editables := collectMatchingNodes(root, func(n *UINode) bool {
		return isEditableNode(n) && visibleNode(n)
	})
	if len(editables) > 0 {
		LogDebug("locator").Msg("Editable resolved via first visible editable")
		return r.resolveNode(ctx, session, editables[0])
	}

	return "", NewElementNotFoundError(primary, []string{"editable-descendant", "id-rename", "id-prefix", "proximity", "first-editable"})
}

// findFirstInTree returns the first tree node matching the locator.
func findFirstInTree(root *UINode, loc Locator) *UINode {
	matches := FindInTree(root, loc)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// firstEditableUnder returns the first editable descendant, depth first.
func firstEditableUnder(container *UINode) *UINode {
	for i := range container.Nodes {
		child := &container.Nodes[i]
		if isEditableNode(child) && visibleNode(child) {
			return child
		}
		if found := firstEditableUnder(child); found != nil {
			return found
		}
	}
	return nil
}

// baseID strips known container suffixes off a resource id.
func baseID(resourceID string) string {
	for _, suffix := range containerSuffixes {
		if strings.HasSuffix(resourceID, suffix) {
			return strings.TrimSuffix(resourceID, suffix)
		}
	}
	return resourceID
}

// editableByIDRename tries the container's base id with each input suffix.
func editableByIDRename(root *UINode, containerID string) *UINode {
	if containerID == "" {
		return nil
	}
	base := baseID(containerID)
	for _, suffix := range inputSuffixes {
		want := base + suffix
		matches := collectMatchingNodes(root, func(n *UINode) bool {
			return n.ResourceID == want && isEditableNode(n) && visibleNode(n)
		})
		if len(matches) > 0 {
			return matches[0]
		}
	}
	return nil
}

// editableByIDPrefix finds an editable whose id shares the container's base.
func editableByIDPrefix(root *UINode, containerID string) *UINode {
	if containerID == "" {
		return nil
	}
	base := baseID(containerID)
	matches := collectMatchingNodes(root, func(n *UINode) bool {
		return isEditableNode(n) && visibleNode(n) && strings.HasPrefix(n.ResourceID, base)
	})
	if len(matches) > 0 {
		return matches[0]
	}
	return nil
}

// nearestEditable returns the visible editable closest to the container
// center, measured between centers.
func nearestEditable(root *UINode, container *UINode) *UINode {
	rect, err := ParseBounds(container.Bounds)
	if err != nil {
		return nil
	}
	cx, cy := rect.Center()

	var best *UINode
	bestDist := -1
	for _, n := range collectMatchingNodes(root, func(n *UINode) bool {
		return isEditableNode(n) && visibleNode(n)
	}) {
		r, err := ParseBounds(n.Bounds)
		if err != nil {
			continue
		}
		x, y := r.Center()
		dist := (x-cx)*(x-cx) + (y-cy)*(y-cy)
		if bestDist == -1 || dist < bestDist {
			best = n
			bestDist = dist
		}
	}
	return best
}

// resolveNode turns a tree node back into a driver element id.
func (r *Resolver) resolveNode(ctx context.Context, session *ManagedSession, node *UINode) (string, error) {
	var using, value string
	switch {
	case node.ResourceID != "":
		using, value = "id", node.ResourceID
	case node.ContentDesc != "":
		using, value = "accessibility id", node.ContentDesc
	case node.Text != "":
		using, value = "xpath", fmt.Sprintf("//%s[@text=%s]", node.Class, xpathLiteral(node.Text))
	default:
		using, value = "xpath", fmt.Sprintf("//%s[@bounds='%s']", node.Class, node.Bounds)
	}

	elementID, err := r.drv(session).FindElement(ctx, session.DriverID, using, value)
	if err != nil {
		if IsNoSuchElement(err) {
			return "", NewElementNotFoundError(Locator{Strategy: using, Value: value}, []string{using})
		}
		return "", err
	}
	return elementID, nil
}
