// No t.Parallel(): env vars are process-global.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENACT_HOME", "/tmp/enact-home")
	t.Setenv("ENACT_DB_PATH", "")
	t.Setenv("ENACT_POLICY", "")
	t.Setenv("ENACT_BACKEND", "")
	t.Setenv("ENACT_MAX_RETRIES", "")
	t.Setenv("ENACT_ENGINE_TIMEOUT", "")

	cfg := Load()

	if cfg.DBPath != filepath.Join("/tmp/enact-home", "enact.db") {
		t.Errorf("expected DBPath under home, got %q", cfg.DBPath)
	}
	if cfg.Policy != "permissive" {
		t.Errorf("expected Policy 'permissive', got %q", cfg.Policy)
	}
	if cfg.Backend != BackendDirect {
		t.Errorf("expected Backend %q, got %q", BackendDirect, cfg.Backend)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.EngineTimeout != 30*time.Second {
		t.Errorf("expected EngineTimeout 30s, got %s", cfg.EngineTimeout)
	}
	if cfg.RetryInitialDelay != time.Second || cfg.RetryMaxDelay != 10*time.Second {
		t.Errorf("unexpected retry delays %s/%s", cfg.RetryInitialDelay, cfg.RetryMaxDelay)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENACT_POLICY", "enterprise")
	t.Setenv("ENACT_BACKEND", "container")
	t.Setenv("ENACT_MAX_RETRIES", "5")
	t.Setenv("ENACT_ENGINE_TIMEOUT", "2m")

	cfg := Load()

	if cfg.Policy != "enterprise" {
		t.Errorf("expected Policy 'enterprise', got %q", cfg.Policy)
	}
	if cfg.Backend != BackendContainer {
		t.Errorf("expected Backend container, got %q", cfg.Backend)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("expected MaxRetries 5, got %d", cfg.MaxRetries)
	}
	if cfg.EngineTimeout != 2*time.Minute {
		t.Errorf("expected EngineTimeout 2m, got %s", cfg.EngineTimeout)
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("ENACT_MAX_RETRIES", "many")
	t.Setenv("ENACT_ENGINE_TIMEOUT", "soon")

	cfg := Load()

	if cfg.MaxRetries != 3 {
		t.Errorf("expected fallback MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.EngineTimeout != 30*time.Second {
		t.Errorf("expected fallback EngineTimeout 30s, got %s", cfg.EngineTimeout)
	}
}

func TestApplyFile_OverlaysDefinedKeysOnly(t *testing.T) {
	t.Setenv("ENACT_POLICY", "")
	t.Setenv("ENACT_BACKEND", "")

	path := filepath.Join(t.TempDir(), "config.toml")
	content := "backend = \"container\"\nengine_timeout = \"45s\"\nmax_retries = 4\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load()
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile returned error: %v", err)
	}

	if cfg.Backend != BackendContainer {
		t.Errorf("expected backend from file, got %q", cfg.Backend)
	}
	if cfg.EngineTimeout != 45*time.Second {
		t.Errorf("expected engine timeout 45s, got %s", cfg.EngineTimeout)
	}
	if cfg.MaxRetries != 4 {
		t.Errorf("expected max retries 4, got %d", cfg.MaxRetries)
	}
	if cfg.Policy != "permissive" {
		t.Errorf("undefined key must keep default, got policy %q", cfg.Policy)
	}
}

func TestApplyFile_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"duration": "engine_timeout = \"forever\"\n",
		"backend":  "backend = \"vm\"\n",
		"retries":  "max_retries = 0\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name+".toml")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		cfg := Load()
		if err := cfg.ApplyFile(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadWithFile_NoFile(t *testing.T) {
	t.Setenv("ENACT_CONFIG", "")

	if _, err := LoadWithFile(); err != nil {
		t.Fatalf("LoadWithFile returned error: %v", err)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_ENVOR_KEY", "custom-value")
	if got := envOr("TEST_ENVOR_KEY", "fallback"); got != "custom-value" {
		t.Errorf("expected 'custom-value', got %q", got)
	}
	t.Setenv("TEST_ENVOR_KEY", "")
	if got := envOr("TEST_ENVOR_KEY", "fallback"); got != "fallback" {
		t.Errorf("expected 'fallback', got %q", got)
	}
}

func TestApplyFile_PoliciesAndTrustedKeys(t *testing.T) {
	t.Setenv("ENACT_TRUSTED_KEYS", "SHA256:env-a, ,SHA256:env-b")

	cfg := Load()
	if len(cfg.TrustedKeys) != 2 || cfg.TrustedKeys[1] != "SHA256:env-b" {
		t.Fatalf("expected keys from env, got %v", cfg.TrustedKeys)
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `policy = "release"
trusted_keys = ["SHA256:file"]

[policies.release]
minimum_signatures = 2
require_roles = ["author", "approver"]

[policies.dev]
allow_unsigned = true
trusted_keys = [" SHA256:dev "]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile returned error: %v", err)
	}

	if cfg.Policy != "release" || len(cfg.TrustedKeys) != 1 || cfg.TrustedKeys[0] != "SHA256:file" {
		t.Errorf("unexpected policy/keys: %q %v", cfg.Policy, cfg.TrustedKeys)
	}
	if len(cfg.Policies) != 2 {
		t.Fatalf("expected 2 policies, got %+v", cfg.Policies)
	}
	dev, release := cfg.Policies[0], cfg.Policies[1]
	if dev.Name != "dev" || !dev.AllowUnsigned || dev.TrustedKeys[0] != "SHA256:dev" {
		t.Errorf("unexpected dev policy %+v", dev)
	}
	if release.Name != "release" || release.MinimumSignatures != 2 || len(release.RequireRoles) != 2 {
		t.Errorf("unexpected release policy %+v", release)
	}
}
