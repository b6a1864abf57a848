// Package environment resolves the variables a tool runs with.
//
// Precedence, lowest first: process environment, the namespace .env file
// under <home>/env/<namespace>/.env, then the managed store. Only variable
// names are ever logged.
package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

// Source records where a resolved value came from.
type Source string

const (
	SourceSystem  Source = "system"
	SourceFile    Source = "file"
	SourceManaged Source = "managed"
	SourceDefault Source = "default"
)

// Environment is built fresh for every execution.
type Environment struct {
	Namespace string            `json:"namespace"`
	Vars      map[string]string `json:"-"`
	Sources   map[string]Source `json:"sources"`
	Missing   []string          `json:"missing,omitempty"`
	Resources tool.Resources    `json:"resources"`
}

// Names returns the resolved variable names, sorted.
func (e Environment) Names() []string {
	out := make([]string, 0, len(e.Vars))
	for k := range e.Vars {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Values returns every resolved value, for redaction.
func (e Environment) Values() []string {
	out := make([]string, 0, len(e.Vars))
	for _, name := range e.Names() {
		out = append(out, e.Vars[name])
	}
	return out
}

// Resolver merges the configured sources.
type Resolver struct {
	home      string
	store     ManagedStore
	lookupEnv func(string) (string, bool)
	logger    zerolog.Logger
}

type Option func(*Resolver)

// WithLookupEnv replaces os.LookupEnv, for tests.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Resolver) { r.lookupEnv = fn }
}

// NewResolver returns a Resolver reading namespace files under home. store
// may be nil.
func NewResolver(home string, store ManagedStore, logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		home:      home,
		store:     store,
		lookupEnv: os.LookupEnv,
		logger:    logger.With().Str("component", "environment").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NamespaceFile is the .env path for namespace.
func (r *Resolver) NamespaceFile(namespace string) string {
	return filepath.Join(r.home, "env", filepath.FromSlash(namespace), ".env")
}

// Resolve builds the environment for toolName. Declared variables are looked
// up in every source; namespace file and store entries are passed through
// even when undeclared.
func (r *Resolver) Resolve(ctx context.Context, toolName string, declared map[string]tool.EnvVar) (Environment, error) {
	ns := tool.Namespace(toolName)
	env := Environment{
		Namespace: ns,
		Vars:      make(map[string]string),
		Sources:   make(map[string]Source),
	}

	for name := range declared {
		if IsReserved(name) {
			continue
		}
		if v, ok := r.lookupEnv(name); ok {
			env.set(name, v, SourceSystem)
		}
	}

	if ns != "" {
		fileVars, err := r.readNamespaceFile(ns)
		if err != nil {
			return Environment{}, err
		}
		for k, v := range fileVars {
			env.set(k, v, SourceFile)
		}
	}

	if r.store != nil {
		managed, err := r.store.Values(ctx, ns)
		if err != nil {
			return Environment{}, fmt.Errorf("managed env for %q: %w", ns, err)
		}
		for k, v := range managed {
			env.set(k, v, SourceManaged)
		}
	}

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := env.Vars[name]; ok {
			continue
		}
		decl := declared[name]
		switch {
		case decl.Default != nil:
			env.set(name, *decl.Default, SourceDefault)
		case decl.IsRequired():
			env.Missing = append(env.Missing, name)
		}
	}

	r.logger.Debug().
		Str("tool", toolName).
		Str("namespace", ns).
		Strs("resolved", env.Names()).
		Strs("missing", env.Missing).
		Msg("environment resolved")
	return env, nil
}

// ResolveFor resolves def's declared variables and carries its resource hints.
func (r *Resolver) ResolveFor(ctx context.Context, def *tool.Definition) (Environment, error) {
	env, err := r.Resolve(ctx, def.Name, def.Env)
	if err != nil {
		return Environment{}, err
	}
	env.Resources = def.Resources
	return env, nil
}

func (r *Resolver) readNamespaceFile(ns string) (map[string]string, error) {
	path := r.NamespaceFile(ns)
	vars, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vars, nil
}

func (e *Environment) set(name, value string, src Source) {
	e.Vars[name] = value
	e.Sources[name] = src
}

// ReservedPrefix marks enact's own configuration. Host variables with it
// never reach a tool.
const ReservedPrefix = "ENACT_"

// hostPassthrough are the host variables a locally spawned tool inherits.
var hostPassthrough = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TERM", "TZ", "TMPDIR",
	"LANG", "LC_ALL", "LC_CTYPE", "LC_MESSAGES",
}

// IsReserved reports whether name belongs to enact's configuration.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// Host picks the passthrough variables out of environ (os.Environ form).
func Host(environ []string) []string {
	out := make([]string, 0, len(hostPassthrough))
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 || IsReserved(kv[:eq]) {
			continue
		}
		if slices.Contains(hostPassthrough, kv[:eq]) {
			out = append(out, kv)
		}
	}
	return out
}

// Merge overlays override on base (KEY=VALUE pairs). Keys new to base are
// appended in sorted order.
func Merge(base []string, override map[string]string) []string {
	if len(override) == 0 {
		return base
	}
	indexByKey := map[string]int{}
	merged := append([]string{}, base...)
	for idx, kv := range merged {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		indexByKey[kv[:eq]] = idx
	}
	keys := make([]string, 0, len(override))
	for key := range override {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := override[key]
		if pos, exists := indexByKey[key]; exists {
			merged[pos] = key + "=" + value
		} else {
			merged = append(merged, key+"="+value)
		}
	}
	return merged
}
