package execution

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	InputsDir = "/workspace/inputs"
	// longInputThreshold marks free-form text that is passed as a file
	// rather than inlined into the command line.
	longInputThreshold = 1024
)

var (
	fileKeyHints = []string{"file", "content", "data", "source"}
	unsafeKeyRe  = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	markdownRe   = regexp.MustCompile(`(?m)^(#{1,6} |\x60\x60\x60|[-*] \S)`)
)

// materialize decides which string inputs become files under InputsDir.
// It returns the placeholder paths and the files to write.
func materialize(inputs map[string]any) (map[string]string, []File) {
	paths := map[string]string{}
	var files []File
	for key, v := range inputs {
		s, ok := v.(string)
		if !ok || !shouldMaterialize(key, s) {
			continue
		}
		p := path.Join(InputsDir, unsafeKeyRe.ReplaceAllString(key, "_"))
		paths[key] = p
		files = append(files, File{Path: p, Content: []byte(s)})
	}
	return paths, files
}

func shouldMaterialize(key, value string) bool {
	if value == "" {
		return false
	}
	lower := strings.ToLower(key)
	for _, hint := range fileKeyHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	if len(value) > longInputThreshold {
		return true
	}
	return sniffContent(value) != ""
}

// sniffContent names the structured format of s, or returns "".
func sniffContent(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return "json"
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html") ||
		(strings.HasPrefix(trimmed, "<") && strings.Contains(trimmed, "</")) {
		return "html"
	}
	if !strings.Contains(trimmed, "\n") {
		return ""
	}
	if markdownRe.MatchString(trimmed) {
		return "markdown"
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(trimmed), &doc); err == nil && len(doc) > 1 {
		return "yaml"
	}
	return ""
}
