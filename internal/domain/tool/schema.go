package tool

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	ErrInvalidInput  = errors.New("tool inputs do not match input schema")
	ErrInvalidOutput = errors.New("tool output does not match output schema")
	ErrInvalidSchema = errors.New("tool schema is not valid JSON Schema")
)

// ValidateInputs checks inputs against the tool's inputSchema. A tool without
// an inputSchema accepts anything.
func ValidateInputs(def *Definition, inputs map[string]any) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	return validateAgainst(def.InputSchema, inputs, ErrInvalidInput)
}

// ValidateOutput checks parsed output data against the tool's outputSchema.
func ValidateOutput(def *Definition, data any) error {
	if len(def.OutputSchema) == 0 {
		return nil
	}
	return validateAgainst(def.OutputSchema, data, ErrInvalidOutput)
}

func validateAgainst(raw map[string]any, instance any, sentinel error) error {
	resolved, err := resolveSchema(raw)
	if err != nil {
		return err
	}
	normalized, err := normalizeJSON(instance)
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	if err := resolved.Validate(normalized); err != nil {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return nil
}

func resolveSchema(raw map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return resolved, nil
}

// normalizeJSON converts v into the shapes encoding/json produces so YAML
// integers and JSON floats compare the same way.
func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
