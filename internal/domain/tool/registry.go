package tool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrToolAlreadyPublished = errors.New("tool version already published")
	ErrUnsignedTool         = errors.New("tool carries no signatures")
	ErrPublishRejected      = errors.New("tool signatures rejected")
	ErrUnauthorized         = errors.New("publish credential rejected")
	ErrRegistryUnavailable  = errors.New("registry unavailable")
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Registry is the tool source the orchestrator fetches from.
type Registry interface {
	Get(ctx context.Context, name, version string) (*Definition, error)
	Publish(ctx context.Context, def *Definition, credential string) (*Summary, error)
	Search(ctx context.Context, query string, limit int) ([]Summary, error)
}

// Lister is implemented by registries that can return a broad listing; it
// backs the degraded search mode.
type Lister interface {
	List(ctx context.Context, limit int) ([]Summary, error)
}

// Summary is the listing view of a published tool.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags,omitempty"`
	Checksum    string    `json:"checksum"`
	PublishedBy string    `json:"publishedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CredentialVerifier returns the subject a publish credential belongs to.
type CredentialVerifier func(credential string) (subject string, err error)

// PublishGate runs signature verification before a tool is stored.
type PublishGate func(ctx context.Context, def *Definition) error

// LocalRegistry stores published tools in sqlite, keeping the original YAML.
type LocalRegistry struct {
	db           *sql.DB
	verifyCred   CredentialVerifier
	verifyDef    PublishGate
	now          func() time.Time
	defaultLimit int
}

func NewLocalRegistry(db *sql.DB, cred CredentialVerifier, gate PublishGate) *LocalRegistry {
	return &LocalRegistry{
		db:           db,
		verifyCred:   cred,
		verifyDef:    gate,
		now:          func() time.Time { return time.Now().UTC() },
		defaultLimit: 20,
	}
}

// Get returns the named tool. An empty version selects the latest publish.
func (r *LocalRegistry) Get(ctx context.Context, name, version string) (*Definition, error) {
	query := `SELECT raw_yaml FROM tool_definition WHERE name = ? AND version = ? LIMIT 1`
	args := []any{name, version}
	if version == "" {
		query = `SELECT raw_yaml FROM tool_definition WHERE name = ? ORDER BY created_at DESC, id DESC LIMIT 1`
		args = []any{name}
	}

	var raw []byte
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrToolDefinitionNotFound
	}
	if err != nil {
		return nil, err
	}
	return ParseYAML(raw)
}

// Publish stores def after checking the credential, the structure and the
// signatures. Unsigned tools are always refused.
func (r *LocalRegistry) Publish(ctx context.Context, def *Definition, credential string) (*Summary, error) {
	if def == nil {
		return nil, &ValidationError{Violations: []string{"definition is empty"}}
	}
	subject := ""
	if r.verifyCred != nil {
		sub, err := r.verifyCred(credential)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		subject = sub
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	if len(def.Signatures) == 0 {
		return nil, ErrUnsignedTool
	}
	if r.verifyDef != nil {
		if err := r.verifyDef(ctx, def); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPublishRejected, err)
		}
	}
	if len(def.Raw) == 0 {
		return nil, fmt.Errorf("%w: raw YAML is required to publish", ErrParse)
	}

	tags, err := json.Marshal(nonNilTags(def.Tags))
	if err != nil {
		return nil, err
	}
	item := &Summary{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Tags:        nonNilTags(def.Tags),
		Checksum:    checksum(def.Raw),
		PublishedBy: subject,
		CreatedAt:   r.now(),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tool_definition (
			id, name, version, description, tags, raw_yaml, checksum, published_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID,
		item.Name,
		item.Version,
		item.Description,
		string(tags),
		def.Raw,
		item.Checksum,
		item.PublishedBy,
		item.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrToolAlreadyPublished
		}
		return nil, err
	}
	return item, nil
}

// Search matches query against name, description and tags.
func (r *LocalRegistry) Search(ctx context.Context, query string, limit int) ([]Summary, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, version, description, tags, checksum, published_by, created_at
		FROM tool_definition
		WHERE lower(name) LIKE ? OR lower(description) LIKE ? OR lower(tags) LIKE ?
		ORDER BY name ASC, created_at DESC
		LIMIT ?
	`, pattern, pattern, pattern, r.limit(limit))
	if err != nil {
		return nil, err
	}
	return collectSummaries(rows)
}

// List returns the most recent publishes.
func (r *LocalRegistry) List(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, version, description, tags, checksum, published_by, created_at
		FROM tool_definition
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, r.limit(limit))
	if err != nil {
		return nil, err
	}
	return collectSummaries(rows)
}

func (r *LocalRegistry) limit(n int) int {
	if n <= 0 {
		return r.defaultLimit
	}
	return n
}

// SearchWithFallback searches reg; when it reports ErrRegistryUnavailable and
// can list, the listing is filtered locally. degraded reports the fallback.
func SearchWithFallback(ctx context.Context, reg Registry, query string, limit int) (results []Summary, degraded bool, err error) {
	results, err = reg.Search(ctx, query, limit)
	if err == nil || !errors.Is(err, ErrRegistryUnavailable) {
		return results, false, err
	}
	lister, ok := reg.(Lister)
	if !ok {
		return nil, false, err
	}
	all, listErr := lister.List(ctx, 0)
	if listErr != nil {
		return nil, true, listErr
	}
	return filterSummaries(all, query, limit), true, nil
}

func filterSummaries(all []Summary, query string, limit int) []Summary {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Summary, 0)
	for _, s := range all {
		if q == "" || matchesSummary(s, q) {
			out = append(out, s)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func matchesSummary(s Summary, q string) bool {
	if strings.Contains(strings.ToLower(s.Name), q) || strings.Contains(strings.ToLower(s.Description), q) {
		return true
	}
	for _, tag := range s.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

type summaryScanner interface {
	Scan(dest ...any) error
}

func scanSummary(scan summaryScanner) (Summary, error) {
	var (
		item      Summary
		tagsRaw   string
		createdAt string
	)
	if err := scan.Scan(
		&item.ID,
		&item.Name,
		&item.Version,
		&item.Description,
		&tagsRaw,
		&item.Checksum,
		&item.PublishedBy,
		&createdAt,
	); err != nil {
		return Summary{}, err
	}
	if tagsRaw != "" {
		_ = json.Unmarshal([]byte(tagsRaw), &item.Tags)
	}
	item.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return item, nil
}

func collectSummaries(rows *sql.Rows) ([]Summary, error) {
	defer rows.Close()
	out := make([]Summary, 0)
	for rows.Next() {
		item, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
