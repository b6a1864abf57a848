package execution

import (
	"strings"
	"testing"
)

func TestMaterialize(t *testing.T) {
	t.Parallel()

	inputs := map[string]any{
		"text":        "hello",
		"source_code": "print(1)",
		"payload":     `{"a": [1, 2]}`,
		"page":        "<html><body>hi</body></html>",
		"notes":       "# Title\n\nsome text",
		"config":      "name: x\nversion: 1\n",
		"essay":       strings.Repeat("word ", 300),
		"count":       float64(4),
		"weird key!":  "data: 1\nmore: 2",
	}
	paths, files := materialize(inputs)

	for _, key := range []string{"source_code", "payload", "page", "notes", "config", "essay"} {
		if _, ok := paths[key]; !ok {
			t.Errorf("expected %q to be materialized", key)
		}
	}
	for _, key := range []string{"text", "count"} {
		if _, ok := paths[key]; ok {
			t.Errorf("expected %q to stay inline", key)
		}
	}
	if got := paths["weird key!"]; got != InputsDir+"/weird_key_" {
		t.Errorf("expected sanitized path, got %q", got)
	}
	if len(files) != len(paths) {
		t.Errorf("expected one file per path, got %d files and %d paths", len(files), len(paths))
	}
	for _, f := range files {
		if !strings.HasPrefix(f.Path, InputsDir+"/") {
			t.Errorf("file outside inputs dir: %s", f.Path)
		}
	}
}

func TestSniffContent(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`[1,2,3]`:               "json",
		`{"k": "v"}`:            "json",
		"{not json":             "",
		"<!DOCTYPE html><p>":    "html",
		"<b>bold</b>":           "html",
		"## Heading\ntext":      "markdown",
		"a: 1\nb: 2":            "yaml",
		"plain sentence":        "",
		"two\nplain lines here": "",
	}
	for in, want := range tests {
		if got := sniffContent(in); got != want {
			t.Errorf("sniffContent(%q) = %q, want %q", in, got, want)
		}
	}
}
