// Package execution runs a resolved tool command on a backend.
//
// Two providers share one contract: DirectProvider spawns a local shell,
// ContainerProvider runs the command in an ephemeral container and adds
// health monitoring, retry with backoff, timeout racing and session
// tracking. Both are selected once, at construction time.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

// Kind is the machine-readable category of an execution failure.
type Kind string

const (
	KindTimeout          Kind = "TIMEOUT"
	KindEngineConnection Kind = "ENGINE_CONNECTION_ERROR"
	KindContainer        Kind = "CONTAINER_ERROR"
	KindNetwork          Kind = "NETWORK_ERROR"
	KindExecution        Kind = "EXECUTION_ERROR"
)

var (
	ErrEngineUnavailable = errors.New("container engine unreachable")
	ErrContainer         = errors.New("container operation failed")
	ErrShuttingDown      = errors.New("execution provider is shutting down")
	ErrTimeout           = errors.New("execution timed out")
)

// Provider is implemented by every backend.
type Provider interface {
	Name() string
	Setup(ctx context.Context, def *tool.Definition) error
	Execute(ctx context.Context, req Request) (*Result, error)
	// Cleanup releases backend resources not owned by an in-flight
	// execution. Failures are logged, never returned.
	Cleanup(ctx context.Context) error
}

// Drainer is implemented by providers that can stop accepting work and wait
// for in-flight executions.
type Drainer interface {
	Shutdown(ctx context.Context) error
	ActiveSessions() int
}

// Request is one execution. Env holds only the resolved variables; the
// provider decides what else the process inherits.
type Request struct {
	ExecutionID string
	Tool        *tool.Definition
	Inputs      map[string]any
	Env         map[string]string
	Timeout     time.Duration
}

// Output is what the process produced.
type Output struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  int    `json:"exitCode"`
	Data      any    `json:"data,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Result is returned when the command ran to completion, successfully or
// with a non-zero exit code.
type Result struct {
	Success  bool          `json:"success"`
	Output   Output        `json:"output"`
	Error    *Error        `json:"error,omitempty"`
	Command  string        `json:"command"`
	Provider string        `json:"provider"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Error is a categorized execution failure.
type Error struct {
	Kind    Kind           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, details map[string]any) *Error {
	return &Error{Kind: kind, Message: err.Error(), Details: details, Err: err}
}

var (
	timeoutMarkers = []string{"timed out", "timeout", "deadline exceeded"}
	engineMarkers  = []string{
		"cannot connect to the docker daemon", "is the docker daemon running",
		"connection refused", "error during connect", "engine unreachable",
	}
	networkMarkers   = []string{"network", "dial tcp", "no such host", "connection reset", "tls handshake"}
	containerMarkers = []string{"container", "no such image", "pull access denied", "oci runtime"}
)

// Categorize maps an error to a Kind, first by type then by message.
func Categorize(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrEngineUnavailable):
		return KindEngineConnection
	case errors.Is(err, ErrContainer):
		return KindContainer
	}
	msg := strings.ToLower(err.Error())
	for _, group := range []struct {
		kind    Kind
		markers []string
	}{
		{KindTimeout, timeoutMarkers},
		{KindEngineConnection, engineMarkers},
		{KindNetwork, networkMarkers},
		{KindContainer, containerMarkers},
	} {
		for _, m := range group.markers {
			if strings.Contains(msg, m) {
				return group.kind
			}
		}
	}
	return KindExecution
}

// AsError wraps err into an *Error, keeping an existing category.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(Categorize(err), err, nil)
}

// parseData decodes stdout as JSON when it is a JSON document.
func parseData(stdout string) any {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil
	}
	return v
}

func completed(provider, command string, exitCode int, stdout, stderr string, truncated bool) *Result {
	res := &Result{
		Success:  exitCode == 0,
		Command:  command,
		Provider: provider,
		Attempts: 1,
		Output: Output{
			Stdout:    stdout,
			Stderr:    stderr,
			ExitCode:  exitCode,
			Data:      parseData(stdout),
			Truncated: truncated,
		},
	}
	if exitCode != 0 {
		res.Error = &Error{
			Kind:    KindExecution,
			Message: fmt.Sprintf("command exited with code %d", exitCode),
			Details: map[string]any{"exitCode": exitCode},
		}
	}
	return res
}
