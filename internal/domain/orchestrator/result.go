package orchestrator

import (
	"time"

	"github.com/matiasleandrokruk/enact/internal/domain/execution"
	"github.com/matiasleandrokruk/enact/internal/domain/safety"
	"github.com/matiasleandrokruk/enact/internal/domain/signing"
)

// Code is the machine-readable failure category of a Result.
type Code string

const (
	CodeInvalidTool        Code = "INVALID_TOOL"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeSignatureInvalid   Code = "SIGNATURE_INVALID"
	CodeNoSignatures       Code = "NO_SIGNATURES_FOUND"
	CodePublicKeyMissing   Code = "PUBLIC_KEY_MISSING"
	CodeCommandUnsafe      Code = "COMMAND_UNSAFE"
	CodeMissingEnvironment Code = "MISSING_ENVIRONMENT"
	CodeTimeout            Code = "TIMEOUT"
	CodeEngineConnection   Code = "ENGINE_CONNECTION_ERROR"
	CodeContainer          Code = "CONTAINER_ERROR"
	CodeNetwork            Code = "NETWORK_ERROR"
	CodeExecution          Code = "EXECUTION_ERROR"
	CodeParse              Code = "PARSE_ERROR"
	CodeVerification       Code = "VERIFICATION_ERROR"
)

func codeForKind(k execution.Kind) Code {
	switch k {
	case execution.KindTimeout:
		return CodeTimeout
	case execution.KindEngineConnection:
		return CodeEngineConnection
	case execution.KindContainer:
		return CodeContainer
	case execution.KindNetwork:
		return CodeNetwork
	default:
		return CodeExecution
	}
}

func codeForFailure(f signing.Failure) Code {
	switch f {
	case signing.FailureNoSignatures:
		return CodeNoSignatures
	case signing.FailureKeyMissing:
		return CodePublicKeyMissing
	default:
		return CodeSignatureInvalid
	}
}

// ErrorInfo is the error half of the result contract.
type ErrorInfo struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type Metadata struct {
	ExecutionID string    `json:"executionId"`
	ToolName    string    `json:"toolName"`
	Version     string    `json:"version,omitempty"`
	ExecutedAt  time.Time `json:"executedAt"`
	Backend     string    `json:"backend"`
	Command     string    `json:"command,omitempty"`
	Timeout     string    `json:"timeout,omitempty"`
	Policy      string    `json:"policy,omitempty"`
	DurationMs  int64     `json:"durationMs"`
}

// Preview is what a dry run would have executed. Environment values are
// masked.
type Preview struct {
	Command     string            `json:"command"`
	Environment map[string]string `json:"environment"`
	Sources     map[string]string `json:"sources,omitempty"`
	Safety      safety.Result     `json:"safety"`
}

// Result is returned for every execution, successful or not.
type Result struct {
	Success      bool              `json:"success"`
	Output       *execution.Output `json:"output,omitempty"`
	Error        *ErrorInfo        `json:"error,omitempty"`
	Metadata     Metadata          `json:"metadata"`
	Warnings     []string          `json:"warnings,omitempty"`
	Safety       *safety.Result    `json:"safety,omitempty"`
	Verification *signing.Result   `json:"verification,omitempty"`
	Preview      *Preview          `json:"preview,omitempty"`
	Attempts     int               `json:"attempts,omitempty"`
}

// Code returns the error code, or "" on success.
func (r *Result) Code() Code {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Code
}

func (r *Result) fail(code Code, msg string, details map[string]any) *Result {
	r.Success = false
	r.Error = &ErrorInfo{Code: code, Message: msg, Details: details}
	return r
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
