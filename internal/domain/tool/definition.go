// Package tool models YAML-described shell tools: parsing, structural
// validation, schema checks and the local registry.
package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrParse                  = errors.New("tool definition could not be parsed")
	ErrToolDefinitionNotFound = errors.New("tool definition not found")
)

// Role of a signer in the review chain.
type Role string

const (
	RoleAuthor      Role = "author"
	RoleReviewer    Role = "reviewer"
	RoleApprover    Role = "approver"
	RoleUnspecified Role = "unspecified"
)

// Definition is a parsed tool. Values handed out by this package are never
// shared; mutate a Clone if needed.
type Definition struct {
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description" json:"description"`
	Command      string            `yaml:"command" json:"command"`
	Version      string            `yaml:"version,omitempty" json:"version,omitempty"`
	Timeout      string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	License      string            `yaml:"license,omitempty" json:"license,omitempty"`
	Tags         []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	InputSchema  map[string]any    `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`
	OutputSchema map[string]any    `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`
	Env          map[string]EnvVar `yaml:"env,omitempty" json:"env,omitempty"`
	Resources    Resources         `yaml:"resources,omitempty" json:"resources,omitempty"`
	Annotations  Annotations       `yaml:"annotations,omitempty" json:"annotations,omitempty"`
	Authors      []Author          `yaml:"authors,omitempty" json:"authors,omitempty"`

	// Signatures are keyed by signer.
	Signatures map[string]Signature `yaml:"-" json:"signatures,omitempty"`

	// Raw holds the bytes the definition was parsed from. Signatures cover
	// these bytes, not a re-serialized copy.
	Raw      []byte `yaml:"-" json:"-"`
	Checksum string `yaml:"-" json:"checksum,omitempty"`
}

// EnvVar declares one environment variable the tool needs.
type EnvVar struct {
	Description string  `yaml:"description" json:"description"`
	Source      string  `yaml:"source" json:"source"`
	Required    *bool   `yaml:"required" json:"required"`
	Default     *string `yaml:"default,omitempty" json:"default,omitempty"`
}

// IsRequired reports whether the variable was declared required.
func (e EnvVar) IsRequired() bool {
	return e.Required != nil && *e.Required
}

type Resources struct {
	Memory string `yaml:"memory,omitempty" json:"memory,omitempty"`
	CPU    string `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Disk   string `yaml:"disk,omitempty" json:"disk,omitempty"`
}

// Annotations are behavioural hints declared by the tool author. Nil means
// "not declared".
type Annotations struct {
	ReadOnlyHint    *bool `yaml:"readOnlyHint,omitempty" json:"readOnlyHint,omitempty"`
	DestructiveHint *bool `yaml:"destructiveHint,omitempty" json:"destructiveHint,omitempty"`
	IdempotentHint  *bool `yaml:"idempotentHint,omitempty" json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool `yaml:"openWorldHint,omitempty" json:"openWorldHint,omitempty"`
}

func (a Annotations) Destructive() bool { return a.DestructiveHint != nil && *a.DestructiveHint }
func (a Annotations) OpenWorld() bool   { return a.OpenWorldHint != nil && *a.OpenWorldHint }

type Author struct {
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email,omitempty" json:"email,omitempty"`
	URL   string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Signature is one signer's attestation over the covered fields of a tool.
type Signature struct {
	Signer    string    `yaml:"signer" json:"signer"`
	KeyID     string    `yaml:"keyId,omitempty" json:"keyId,omitempty"`
	Algorithm string    `yaml:"algorithm" json:"algorithm"`
	Role      Role      `yaml:"role,omitempty" json:"role,omitempty"`
	Created   time.Time `yaml:"created,omitempty" json:"created,omitempty"`
	Value     string    `yaml:"value" json:"value"`
	// Fields lists the covered top-level keys. Empty means DefaultSignedFields.
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// EffectiveRole normalizes an empty role to RoleUnspecified.
func (s Signature) EffectiveRole() Role {
	if s.Role == "" {
		return RoleUnspecified
	}
	return s.Role
}

// DefaultSignedFields is the covered field set when a signature does not
// list its own.
var DefaultSignedFields = []string{
	"name", "description", "command", "version", "timeout",
	"inputSchema", "outputSchema", "env", "annotations", "resources",
}

// ParseYAML parses a tool definition and retains raw for verification.
func ParseYAML(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var sigs struct {
		Signature  *Signature `yaml:"signature"`
		Signatures yaml.Node  `yaml:"signatures"`
	}
	if err := yaml.Unmarshal(raw, &sigs); err != nil {
		return nil, fmt.Errorf("%w: signatures: %v", ErrParse, err)
	}
	list, err := decodeSignatures(sigs.Signature, &sigs.Signatures)
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		def.Signatures = make(map[string]Signature, len(list))
		for _, s := range list {
			def.Signatures[signatureKey(def.Signatures, s)] = s
		}
	}

	def.Raw = append([]byte(nil), raw...)
	def.Checksum = checksum(raw)
	return &def, nil
}

// LoadFile reads and parses a tool definition from disk.
func LoadFile(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool file %s: %w", path, err)
	}
	return ParseYAML(raw)
}

func decodeSignatures(single *Signature, node *yaml.Node) ([]Signature, error) {
	var out []Signature
	if single != nil {
		out = append(out, *single)
	}
	switch node.Kind {
	case 0:
	case yaml.SequenceNode:
		var list []Signature
		if err := node.Decode(&list); err != nil {
			return nil, fmt.Errorf("%w: signatures: %v", ErrParse, err)
		}
		out = append(out, list...)
	case yaml.MappingNode:
		var byName map[string]Signature
		if err := node.Decode(&byName); err != nil {
			return nil, fmt.Errorf("%w: signatures: %v", ErrParse, err)
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			s := byName[name]
			if s.Signer == "" {
				s.Signer = name
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("%w: signatures must be a list or a map", ErrParse)
	}
	return out, nil
}

func signatureKey(existing map[string]Signature, s Signature) string {
	key := s.Signer
	if key == "" {
		key = "unknown"
	}
	if _, taken := existing[key]; !taken {
		return key
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s#%d", key, i)
		if _, taken := existing[candidate]; !taken {
			return candidate
		}
	}
}

// AppendSignature adds sig to the signatures list of the YAML document raw,
// leaving every other key untouched. A single "signature:" entry is folded
// into the list.
func AppendSignature(raw []byte, sig Signature) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: document is not a mapping", ErrParse)
	}
	root := doc.Content[0]

	var sigNode yaml.Node
	if err := sigNode.Encode(sig); err != nil {
		return nil, err
	}

	var list *yaml.Node
	kept := root.Content[:0]
	var single *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "signature":
			single = val
			continue
		case "signatures":
			if val.Kind == yaml.MappingNode {
				return nil, fmt.Errorf("%w: cannot append to a signatures map", ErrParse)
			}
			list = val
		}
		kept = append(kept, key, val)
	}
	root.Content = kept

	if list == nil {
		list = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "signatures"}, list)
	}
	if single != nil {
		list.Content = append(list.Content, single)
	}
	list.Content = append(list.Content, &sigNode)

	return yaml.Marshal(&doc)
}

// Namespace returns the tool name without its last segment.
func Namespace(name string) string {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return ""
	}
	return name[:i]
}

// TimeoutDuration parses Timeout; zero when unset or malformed.
func (d *Definition) TimeoutDuration() time.Duration {
	if !timeoutPattern.MatchString(d.Timeout) {
		return 0
	}
	dur, err := time.ParseDuration(d.Timeout)
	if err != nil {
		return 0
	}
	return dur
}

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := *d
	out.Tags = append([]string(nil), d.Tags...)
	out.Authors = append([]Author(nil), d.Authors...)
	out.Raw = append([]byte(nil), d.Raw...)
	out.InputSchema = cloneMap(d.InputSchema)
	out.OutputSchema = cloneMap(d.OutputSchema)
	if d.Env != nil {
		out.Env = make(map[string]EnvVar, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	if d.Signatures != nil {
		out.Signatures = make(map[string]Signature, len(d.Signatures))
		for k, v := range d.Signatures {
			v.Fields = append([]string(nil), v.Fields...)
			out.Signatures[k] = v
		}
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
