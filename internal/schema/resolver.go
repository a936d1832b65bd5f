// Package schema resolves billable field paths against JSON Schema documents.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Node is a decoded JSON Schema fragment.
type Node = map[string]any

// TypeUnion marks a node whose type list still holds more than one
// non-null entry after stripping "null".
const TypeUnion = "union"

// ParseDocument decodes raw JSON Schema text into a Node.
func ParseDocument(raw []byte) (Node, error) {
	var node Node
	if errUnmarshal := json.Unmarshal(raw, &node); errUnmarshal != nil {
		return nil, fmt.Errorf("schema: parse document: %w", errUnmarshal)
	}
	if node == nil {
		return nil, fmt.Errorf("schema: document is not an object")
	}
	return node, nil
}

// Segment is one dotted path element, optionally carrying an array marker.
type Segment struct {
	Name  string
	Array bool
	Index int // -1 for wildcard or no marker
}

// SplitPath splits a dotted/bracketed field path into segments.
func SplitPath(fieldPath string) ([]Segment, bool) {
	fieldPath = strings.TrimSpace(fieldPath)
	if fieldPath == "" {
		return nil, false
	}
	parts := strings.Split(fieldPath, ".")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		seg, ok := parseSegment(part)
		if !ok {
			return nil, false
		}
		segments = append(segments, seg)
	}
	return segments, true
}

func parseSegment(part string) (Segment, bool) {
	part = strings.TrimSpace(part)
	if part == "" {
		return Segment{}, false
	}
	open := strings.Index(part, "[")
	if open < 0 {
		return Segment{Name: part, Index: -1}, true
	}
	if open == 0 || !strings.HasSuffix(part, "]") {
		return Segment{}, false
	}
	name := part[:open]
	marker := part[open+1 : len(part)-1]
	if marker == "*" {
		return Segment{Name: name, Array: true, Index: -1}, true
	}
	idx, errParse := strconv.Atoi(marker)
	if errParse != nil || idx < 0 {
		return Segment{}, false
	}
	return Segment{Name: name, Array: true, Index: idx}, true
}

// HasWildcard reports whether a field path contains a wildcard array segment.
func HasWildcard(fieldPath string) bool {
	segments, ok := SplitPath(fieldPath)
	if !ok {
		return false
	}
	for _, seg := range segments {
		if seg.Array && seg.Index < 0 {
			return true
		}
	}
	return false
}

// ResolveType resolves the runtime type name of fieldPath inside node.
// Composite nodes select the branch whose sub-tree satisfies the remaining
// path. Nodes using $ref or allOf are unsupported and fail closed.
func ResolveType(node Node, fieldPath string) (string, bool) {
	segments, ok := SplitPath(fieldPath)
	if !ok {
		return "", false
	}
	return resolve(node, segments)
}

func resolve(node Node, remaining []Segment) (string, bool) {
	if node == nil || isUnsupported(node) {
		return "", false
	}

	if branches, composite := compositeBranches(node); composite {
		for _, branch := range branches {
			typeName, ok := resolve(branch, remaining)
			if !ok {
				continue
			}
			// Empty-path resolution of a composite selects the first
			// non-null alternative.
			if len(remaining) == 0 && typeName == "null" {
				continue
			}
			return typeName, true
		}
		return "", false
	}

	if len(remaining) == 0 {
		return nodeType(node)
	}

	seg := remaining[0]
	properties, ok := node["properties"].(map[string]any)
	if !ok {
		return "", false
	}
	child, ok := properties[seg.Name].(map[string]any)
	if !ok {
		return "", false
	}
	if seg.Array {
		return resolveArrayElement(child, remaining[1:])
	}
	return resolve(child, remaining[1:])
}

// resolveArrayElement descends into the item schema of an array-typed node,
// selecting the composite branch that both exposes items and satisfies the
// remaining path.
func resolveArrayElement(node Node, remaining []Segment) (string, bool) {
	if node == nil || isUnsupported(node) {
		return "", false
	}
	if branches, composite := compositeBranches(node); composite {
		for _, branch := range branches {
			if typeName, ok := resolveArrayElement(branch, remaining); ok {
				return typeName, true
			}
		}
		return "", false
	}
	items, ok := node["items"].(map[string]any)
	if !ok {
		return "", false
	}
	return resolve(items, remaining)
}

// isUnsupported reports whether the node relies on referencing or schema
// conjunction, both of which fail closed: billing must never guess.
func isUnsupported(node Node) bool {
	if _, hasRef := node["$ref"]; hasRef {
		return true
	}
	if _, hasAllOf := node["allOf"]; hasAllOf {
		return true
	}
	return false
}

// compositeBranches returns the alternative branches of a composite node.
func compositeBranches(node Node) ([]Node, bool) {
	for _, keyword := range []string{"oneOf", "anyOf"} {
		raw, ok := node[keyword].([]any)
		if !ok {
			continue
		}
		branches := make([]Node, 0, len(raw))
		for _, entry := range raw {
			branch, okBranch := entry.(map[string]any)
			if !okBranch {
				return nil, true
			}
			branches = append(branches, branch)
		}
		return branches, true
	}
	return nil, false
}

// nodeType derives a node's own type from its type tag, const, or enum.
func nodeType(node Node) (string, bool) {
	switch typed := node["type"].(type) {
	case string:
		if typed != "" {
			return typed, true
		}
	case []any:
		names := make([]string, 0, len(typed))
		for _, entry := range typed {
			name, ok := entry.(string)
			if !ok {
				return "", false
			}
			if name == "null" {
				continue
			}
			names = append(names, name)
		}
		switch len(names) {
		case 0:
			return "", false
		case 1:
			return names[0], true
		default:
			return TypeUnion, true
		}
	}

	if constant, hasConst := node["const"]; hasConst {
		return runtimeTypeName(constant)
	}
	if enum, ok := node["enum"].([]any); ok && len(enum) > 0 {
		return runtimeTypeName(enum[0])
	}
	return "", false
}

// runtimeTypeName maps a decoded JSON value onto its schema type name.
func runtimeTypeName(value any) (string, bool) {
	switch value.(type) {
	case nil:
		return "null", true
	case bool:
		return "boolean", true
	case string:
		return "string", true
	case float64, json.Number:
		return "number", true
	case []any:
		return "array", true
	case map[string]any:
		return "object", true
	default:
		return "", false
	}
}
