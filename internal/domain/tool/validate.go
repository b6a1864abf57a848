package tool

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var ErrInvalidTool = errors.New("invalid tool definition")

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*(/[A-Za-z0-9][A-Za-z0-9_-]*)*$`)
	timeoutPattern = regexp.MustCompile(`^\d+[smh]$`)
	envNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// ValidationError lists every structural violation found in a definition.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidTool, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidTool }

// Validate checks the structure of def. It returns nil or a *ValidationError.
func Validate(def *Definition) error {
	if def == nil {
		return &ValidationError{Violations: []string{"definition is empty"}}
	}

	var v []string
	if strings.TrimSpace(def.Name) == "" {
		v = append(v, "name is required")
	} else if !namePattern.MatchString(def.Name) {
		v = append(v, fmt.Sprintf("name %q must be slash-separated segments of [A-Za-z0-9_-] starting with a letter or digit", def.Name))
	}
	if strings.TrimSpace(def.Description) == "" {
		v = append(v, "description is required")
	}
	if strings.TrimSpace(def.Command) == "" {
		v = append(v, "command is required")
	}
	if def.Timeout != "" && !timeoutPattern.MatchString(def.Timeout) {
		v = append(v, fmt.Sprintf("timeout %q must look like 30s, 5m or 1h", def.Timeout))
	}

	names := make([]string, 0, len(def.Env))
	for name := range def.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env := def.Env[name]
		if !envNamePattern.MatchString(name) {
			v = append(v, fmt.Sprintf("env %q: name must match [A-Z][A-Z0-9_]*", name))
		}
		if strings.TrimSpace(env.Description) == "" {
			v = append(v, fmt.Sprintf("env %q: description is required", name))
		}
		if strings.TrimSpace(env.Source) == "" {
			v = append(v, fmt.Sprintf("env %q: source is required", name))
		}
		if env.Required == nil {
			v = append(v, fmt.Sprintf("env %q: required must be set to true or false", name))
		}
	}

	for i, a := range def.Authors {
		if strings.TrimSpace(a.Name) == "" {
			v = append(v, fmt.Sprintf("authors[%d]: name is required", i))
		}
		if a.Email != "" {
			if _, err := mail.ParseAddress(a.Email); err != nil {
				v = append(v, fmt.Sprintf("authors[%d]: invalid email %q", i, a.Email))
			}
		}
		if a.URL != "" && !isHTTPURL(a.URL) {
			v = append(v, fmt.Sprintf("authors[%d]: invalid url %q", i, a.URL))
		}
	}

	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
