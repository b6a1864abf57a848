package environment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matiasleandrokruk/enact/internal/domain/policy"
)

var (
	ErrVariableNotFound = errors.New("managed variable not found")
	ErrInvalidName      = errors.New("invalid variable name")
)

// ManagedStore holds package-managed variables per namespace.
type ManagedStore interface {
	Values(ctx context.Context, namespace string) (map[string]string, error)
}

// Entry is the listing view of a managed variable. The value is masked.
type Entry struct {
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Masked    string    `json:"masked"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SQLStore is the sqlite package_env table, values sealed at rest.
type SQLStore struct {
	db     *sql.DB
	sealer *Sealer
	now    func() time.Time
}

func NewSQLStore(db *sql.DB, sealer *Sealer) *SQLStore {
	return &SQLStore{db: db, sealer: sealer, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) Set(ctx context.Context, namespace, name, value string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	sealed, err := s.sealer.Seal(namespace, name, value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO package_env (namespace, name, value, encrypted, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (namespace, name) DO UPDATE SET
			value = excluded.value,
			encrypted = excluded.encrypted,
			updated_at = excluded.updated_at
	`, namespace, name, sealed, s.now().Format(time.RFC3339Nano))
	return err
}

func (s *SQLStore) Delete(ctx context.Context, namespace, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM package_env WHERE namespace = ? AND name = ?`, namespace, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVariableNotFound
	}
	return nil
}

// List returns the namespace's variables with masked values.
func (s *SQLStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, name, value, encrypted, updated_at
		FROM package_env
		WHERE namespace = ?
		ORDER BY name ASC
	`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e         Entry
			stored    string
			encrypted int
			updatedAt string
		)
		if err := rows.Scan(&e.Namespace, &e.Name, &stored, &encrypted, &updatedAt); err != nil {
			return nil, err
		}
		e.Encrypted = encrypted == 1
		plain, err := s.decode(e.Namespace, e.Name, stored, e.Encrypted)
		if err != nil {
			return nil, err
		}
		e.Masked = policy.Mask(plain)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Values returns the decrypted variables of namespace.
func (s *SQLStore) Values(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value, encrypted FROM package_env WHERE namespace = ?
	`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var (
			name, stored string
			encrypted    int
		)
		if err := rows.Scan(&name, &stored, &encrypted); err != nil {
			return nil, err
		}
		plain, err := s.decode(namespace, name, stored, encrypted == 1)
		if err != nil {
			return nil, err
		}
		out[name] = plain
	}
	return out, rows.Err()
}

func (s *SQLStore) decode(namespace, name, stored string, encrypted bool) (string, error) {
	if !encrypted {
		return stored, nil
	}
	plain, err := s.sealer.Open(namespace, name, stored)
	if err != nil {
		return "", fmt.Errorf("%s/%s: %w", namespace, name, err)
	}
	return plain, nil
}

func validName(name string) bool {
	if name == "" || name[0] < 'A' || name[0] > 'Z' {
		return false
	}
	return strings.IndexFunc(name, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_')
	}) < 0
}
