// Package policy defines the trust policies signature verification is
// evaluated against.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

var ErrUnknownPolicy = errors.New("unknown verification policy")

const (
	Permissive = "permissive"
	Enterprise = "enterprise"
	Paranoid   = "paranoid"
)

// VerificationPolicy is pure configuration; values are copied, never shared.
type VerificationPolicy struct {
	Name              string      `json:"name"`
	MinimumSignatures int         `json:"minimumSignatures"`
	RequireRoles      []tool.Role `json:"requireRoles,omitempty"`
	// TrustedKeys limits which key fingerprints count toward the minimum.
	// Empty means any resolvable key.
	TrustedKeys []string `json:"trustedKeys,omitempty"`
	// AllowUnsigned lets zero-signature tools pass. Development only.
	AllowUnsigned bool `json:"allowUnsigned,omitempty"`
}

// EffectiveMinimum is MinimumSignatures with the default of 1 applied.
func (p VerificationPolicy) EffectiveMinimum() int {
	if p.MinimumSignatures <= 0 {
		return 1
	}
	return p.MinimumSignatures
}

// IsPermissive reports whether p is the lowest named tier.
func (p VerificationPolicy) IsPermissive() bool {
	return p.Name == Permissive
}

// Trusts reports whether keyID is on the allowlist (or no allowlist is set).
func (p VerificationPolicy) Trusts(keyID string) bool {
	if len(p.TrustedKeys) == 0 {
		return true
	}
	for _, k := range p.TrustedKeys {
		if k == keyID {
			return true
		}
	}
	return false
}

func (p VerificationPolicy) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(min=%d", p.Name, p.EffectiveMinimum())
	if len(p.RequireRoles) > 0 {
		roles := make([]string, len(p.RequireRoles))
		for i, r := range p.RequireRoles {
			roles[i] = string(r)
		}
		fmt.Fprintf(&b, ", roles=%s", strings.Join(roles, "+"))
	}
	if len(p.TrustedKeys) > 0 {
		fmt.Fprintf(&b, ", trusted=%d", len(p.TrustedKeys))
	}
	b.WriteString(")")
	return b.String()
}

func named() map[string]VerificationPolicy {
	return map[string]VerificationPolicy{
		Permissive: {Name: Permissive, MinimumSignatures: 1},
		Enterprise: {
			Name:              Enterprise,
			MinimumSignatures: 2,
			RequireRoles:      []tool.Role{tool.RoleAuthor, tool.RoleReviewer},
		},
		Paranoid: {
			Name:              Paranoid,
			MinimumSignatures: 3,
			RequireRoles:      []tool.Role{tool.RoleAuthor, tool.RoleReviewer, tool.RoleApprover},
		},
	}
}

// Lookup returns a copy of the named policy.
func Lookup(name string) (VerificationPolicy, error) {
	p, ok := named()[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return VerificationPolicy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// MustLookup is Lookup for the compiled-in names.
func MustLookup(name string) VerificationPolicy {
	p, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Names lists the named policies in ascending strictness.
func Names() []string {
	out := make([]string, 0, 3)
	for name := range named() {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return named()[out[i]].EffectiveMinimum() < named()[out[j]].EffectiveMinimum()
	})
	return out
}

// WithTrustedKeys returns a copy of p restricted to keys.
func (p VerificationPolicy) WithTrustedKeys(keys []string) VerificationPolicy {
	p.TrustedKeys = append([]string(nil), keys...)
	p.RequireRoles = append([]tool.Role(nil), p.RequireRoles...)
	return p
}

// Catalog resolves policy names: the built-in tiers plus custom policies
// from configuration. A catalog-wide allowlist applies to every policy that
// has none of its own.
type Catalog struct {
	custom      map[string]VerificationPolicy
	trustedKeys []string
}

// NewCatalog validates custom and returns a Catalog. Custom names may not
// shadow the built-in tiers.
func NewCatalog(custom []VerificationPolicy, trustedKeys []string) (*Catalog, error) {
	c := &Catalog{
		custom:      make(map[string]VerificationPolicy, len(custom)),
		trustedKeys: append([]string(nil), trustedKeys...),
	}
	builtin := named()
	for _, p := range custom {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		switch {
		case name == "":
			return nil, errors.New("custom policy needs a name")
		case builtin[name].Name != "":
			return nil, fmt.Errorf("custom policy %q shadows a built-in policy", name)
		case p.MinimumSignatures < 0:
			return nil, fmt.Errorf("custom policy %q: minimum signatures must be >= 0", name)
		}
		for _, r := range p.RequireRoles {
			switch r {
			case tool.RoleAuthor, tool.RoleReviewer, tool.RoleApprover:
			default:
				return nil, fmt.Errorf("custom policy %q: unknown role %q", name, r)
			}
		}
		p.Name = name
		c.custom[name] = p.WithTrustedKeys(p.TrustedKeys)
	}
	return c, nil
}

// Lookup returns a copy of the named policy with the allowlist applied.
func (c *Catalog) Lookup(name string) (VerificationPolicy, error) {
	if p, ok := c.custom[strings.ToLower(strings.TrimSpace(name))]; ok {
		return c.Restrict(p.WithTrustedKeys(p.TrustedKeys)), nil
	}
	p, err := Lookup(name)
	if err != nil {
		return VerificationPolicy{}, err
	}
	return c.Restrict(p), nil
}

// Restrict applies the catalog allowlist to p unless p carries its own.
func (c *Catalog) Restrict(p VerificationPolicy) VerificationPolicy {
	if len(p.TrustedKeys) > 0 || len(c.trustedKeys) == 0 {
		return p
	}
	return p.WithTrustedKeys(c.trustedKeys)
}

// Names lists the built-in tiers followed by the custom policies, sorted.
func (c *Catalog) Names() []string {
	out := Names()
	custom := make([]string, 0, len(c.custom))
	for name := range c.custom {
		custom = append(custom, name)
	}
	sort.Strings(custom)
	return append(out, custom...)
}
