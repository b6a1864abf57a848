package tool

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/matiasleandrokruk/enact/internal/infra/sqlite"
)

func openToolTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("sqlite.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func allowCredential(credential string) (string, error) {
	if credential != "token" {
		return "", errors.New("bad token")
	}
	return "user-1", nil
}

func mustParse(t *testing.T, raw string) *Definition {
	t.Helper()
	def, err := ParseYAML([]byte(raw))
	if err != nil {
		t.Fatalf("ParseYAML returned error: %v", err)
	}
	return def
}

func TestLocalRegistry_PublishAndGet(t *testing.T) {
	t.Parallel()

	r := NewLocalRegistry(openToolTestDB(t), allowCredential, nil)
	def := mustParse(t, echoToolYAML)

	summary, err := r.Publish(context.Background(), def, "token")
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if summary.PublishedBy != "user-1" || summary.Checksum != def.Checksum {
		t.Errorf("unexpected summary: %+v", summary)
	}

	got, err := r.Get(context.Background(), "org/echo", "")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(got.Raw) != echoToolYAML {
		t.Error("expected original YAML bytes to round-trip through the registry")
	}
	if _, ok := got.Signatures["ada"]; !ok {
		t.Error("expected signatures to survive storage")
	}

	if _, err := r.Get(context.Background(), "org/echo", "1.0.0"); err != nil {
		t.Errorf("Get by version returned error: %v", err)
	}
}

func TestLocalRegistry_Get_NotFound(t *testing.T) {
	t.Parallel()

	r := NewLocalRegistry(openToolTestDB(t), nil, nil)
	if _, err := r.Get(context.Background(), "org/missing", ""); !errors.Is(err, ErrToolDefinitionNotFound) {
		t.Fatalf("expected ErrToolDefinitionNotFound, got %v", err)
	}
}

func TestLocalRegistry_Get_LatestVersion(t *testing.T) {
	t.Parallel()

	r := NewLocalRegistry(openToolTestDB(t), nil, nil)
	ctx := context.Background()
	v1 := mustParse(t, "name: org/t\ndescription: d\ncommand: echo 1\nversion: \"1\"\nsignature: {signer: a, algorithm: ed25519, value: x}\n")
	v2 := mustParse(t, "name: org/t\ndescription: d\ncommand: echo 2\nversion: \"2\"\nsignature: {signer: a, algorithm: ed25519, value: x}\n")
	if _, err := r.Publish(ctx, v1, ""); err != nil {
		t.Fatalf("Publish v1: %v", err)
	}
	if _, err := r.Publish(ctx, v2, ""); err != nil {
		t.Fatalf("Publish v2: %v", err)
	}

	got, err := r.Get(ctx, "org/t", "")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Version != "2" {
		t.Errorf("expected latest version 2, got %q", got.Version)
	}
}

func TestLocalRegistry_Publish_Rejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rejectAll := func(context.Context, *Definition) error { return errors.New("signature invalid") }

	cases := []struct {
		name    string
		gate    PublishGate
		raw     string
		cred    string
		wantErr error
	}{
		{"bad credential", nil, echoToolYAML, "nope", ErrUnauthorized},
		{"invalid structure", nil, "name: org/x\nsignature: {signer: a, algorithm: ed25519, value: x}\n", "token", ErrInvalidTool},
		{"unsigned", nil, "name: org/x\ndescription: d\ncommand: ls\n", "token", ErrUnsignedTool},
		{"gate rejects", rejectAll, echoToolYAML, "token", ErrPublishRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := NewLocalRegistry(openToolTestDB(t), allowCredential, tc.gate)
			_, err := r.Publish(ctx, mustParse(t, tc.raw), tc.cred)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLocalRegistry_Publish_DuplicateVersion(t *testing.T) {
	t.Parallel()

	r := NewLocalRegistry(openToolTestDB(t), nil, nil)
	ctx := context.Background()
	if _, err := r.Publish(ctx, mustParse(t, echoToolYAML), ""); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	if _, err := r.Publish(ctx, mustParse(t, echoToolYAML), ""); !errors.Is(err, ErrToolAlreadyPublished) {
		t.Fatalf("expected ErrToolAlreadyPublished, got %v", err)
	}
}

func TestLocalRegistry_SearchAndList(t *testing.T) {
	t.Parallel()

	r := NewLocalRegistry(openToolTestDB(t), nil, nil)
	ctx := context.Background()
	if _, err := r.Publish(ctx, mustParse(t, echoToolYAML), ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	other := "name: org/figlet\ndescription: ASCII art banner\ncommand: figlet ${text}\ntags: [fun]\nsignature: {signer: a, algorithm: ed25519, value: x}\n"
	if _, err := r.Publish(ctx, mustParse(t, other), ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	byTag, err := r.Search(ctx, "FUN", 10)
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(byTag) != 1 || byTag[0].Name != "org/figlet" {
		t.Errorf("expected figlet by tag, got %+v", byTag)
	}

	all, err := r.List(ctx, 0)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 tools, got %d", len(all))
	}
	if all[0].CreatedAt.IsZero() {
		t.Error("expected created_at to be parsed")
	}
}

type unavailableRegistry struct {
	*LocalRegistry
}

func (unavailableRegistry) Search(context.Context, string, int) ([]Summary, error) {
	return nil, ErrRegistryUnavailable
}

func TestSearchWithFallback_FiltersListing(t *testing.T) {
	t.Parallel()

	local := NewLocalRegistry(openToolTestDB(t), nil, nil)
	ctx := context.Background()
	if _, err := local.Publish(ctx, mustParse(t, echoToolYAML), ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	results, degraded, err := SearchWithFallback(ctx, unavailableRegistry{local}, "echo", 5)
	if err != nil {
		t.Fatalf("SearchWithFallback returned error: %v", err)
	}
	if !degraded {
		t.Error("expected degraded search")
	}
	if len(results) != 1 || results[0].Name != "org/echo" {
		t.Errorf("unexpected results: %+v", results)
	}

	results, degraded, err = SearchWithFallback(ctx, local, "echo", 5)
	if err != nil || degraded || len(results) != 1 {
		t.Errorf("expected direct search, got %v %v %v", results, degraded, err)
	}
}
