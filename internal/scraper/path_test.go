package scraper

import (
	"encoding/json"
	"errors"
	"testing"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return v
}

func TestExtract(t *testing.T) {
	doc := decode(t, `{"a":{"b":{"c":42}},"list":[{"x":"first"},{"x":"second"}],"flat":"v","nil":null}`)

	tests := []struct {
		path string
		want any
	}{
		{"a.b.c", float64(42)},
		{"flat", "v"},
		{"list.1.x", "second"},
		{"nil", nil},
	}
	for _, tt := range tests {
		got, err := Extract(doc, tt.path)
		if err != nil {
			t.Errorf("Extract(%q) error: %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Extract(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	root, err := Extract(doc, "")
	if err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if _, ok := root.(map[string]any); !ok {
		t.Errorf("empty path should return root, got %T", root)
	}
}

func TestExtractFailures(t *testing.T) {
	doc := decode(t, `{"a":{"b":"leaf"},"list":[1,2]}`)

	tests := []struct {
		path    string
		segment string
	}{
		{"missing", "missing"},
		{"a.missing", "missing"},
		{"a.b.c", "c"},
		{"list.5", "5"},
		{"list.x", "x"},
		{"a..b", ""},
	}
	for _, tt := range tests {
		_, err := Extract(doc, tt.path)
		var pathErr *PathError
		if !errors.As(err, &pathErr) {
			t.Errorf("Extract(%q) error = %v, want *PathError", tt.path, err)
			continue
		}
		if pathErr.Segment != tt.segment {
			t.Errorf("Extract(%q) failed at %q, want %q", tt.path, pathErr.Segment, tt.segment)
		}
	}

	if _, err := Extract("scalar", "a"); err == nil {
		t.Error("expected error walking into a scalar root")
	}
}
