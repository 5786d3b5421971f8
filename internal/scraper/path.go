package scraper

import (
	"fmt"
	"strconv"
	"strings"
)

// PathError reports why a dot path could not be resolved
type PathError struct {
	Path    string
	Segment string
	Reason  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q: %s at %q", e.Path, e.Reason, e.Segment)
}

// Extract walks a decoded JSON value (maps, slices, scalars) along a
// dot-separated path such as "data.current.wind". Numeric segments index
// into arrays. An empty path returns the root value.
func Extract(v any, path string) (any, error) {
	if path == "" {
		return v, nil
	}

	current := v
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, &PathError{Path: path, Segment: part, Reason: "empty segment"}
		}

		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, &PathError{Path: path, Segment: part, Reason: "key not found"}
			}
			current = next

		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, &PathError{Path: path, Segment: part, Reason: "expected array index"}
			}
			if idx < 0 || idx >= len(node) {
				return nil, &PathError{Path: path, Segment: part, Reason: fmt.Sprintf("index out of range (len %d)", len(node))}
			}
			current = node[idx]

		default:
			return nil, &PathError{Path: path, Segment: part, Reason: fmt.Sprintf("expected object, got %T", current)}
		}
	}

	return current, nil
}
