package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	t.Parallel()

	result := String()
	for _, want := range []string{"enact version", Version, "commit " + Commit, "built " + BuildTime} {
		if !strings.Contains(result, want) {
			t.Errorf("String() = %q, should contain %q", result, want)
		}
	}
}

func TestDefaultValues(t *testing.T) {
	t.Parallel()

	info := Info()
	if info["version"] != "dev" || info["commit"] != "none" || info["built"] != "unknown" {
		t.Errorf("unexpected defaults: %v", info)
	}
}
