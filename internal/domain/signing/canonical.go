package signing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

var ErrCanonicalize = errors.New("cannot canonicalize tool definition")

// CoveredFields returns the field list a signature attests to.
func CoveredFields(sig tool.Signature) []string {
	if len(sig.Fields) == 0 {
		return tool.DefaultSignedFields
	}
	return sig.Fields
}

// CanonicalBytes is the byte string a signature over fields is computed on:
// a JSON object holding the covered top-level keys of the original YAML,
// map keys sorted, no HTML escaping, no trailing newline. Keys missing from
// the document are omitted.
func CanonicalBytes(def *tool.Definition, fields []string) ([]byte, error) {
	doc, err := sourceDocument(def)
	if err != nil {
		return nil, err
	}

	covered := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			covered[f] = normalize(v)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(covered); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalize, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// sourceDocument decodes the raw YAML the definition came from. Definitions
// built in code fall back to their YAML encoding.
func sourceDocument(def *tool.Definition) (map[string]any, error) {
	raw := def.Raw
	if len(raw) == 0 {
		encoded, err := yaml.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCanonicalize, err)
		}
		raw = encoded
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalize, err)
	}
	return doc, nil
}

// normalize makes YAML-decoded values JSON-encodable.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
