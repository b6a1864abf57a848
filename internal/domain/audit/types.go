package audit

import (
	"encoding/json"
	"time"
)

// ActorType represents the type of actor performing an action
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Outcome represents the result of an audited action
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
	OutcomeWarning Outcome = "warning"
)

// Actions recorded by the pipeline.
const (
	ActionExecute              = "tool.execute"
	ActionVerificationFailed   = "verification.failed"
	ActionVerificationSkipped  = "verification.skipped"
	ActionVerificationDegraded = "verification.degraded"
	ActionSafetyBlocked        = "safety.blocked"
	ActionSafetyForced         = "safety.forced"
	ActionToolPublished        = "tool.publish"
	ActionEngineReset          = "engine.reset"
)

// Event represents a single audit log entry.
// This is immutable - once created, it should never be modified
type Event struct {
	ID          string          `json:"id"`
	ActorID     string          `json:"actor_id"`
	ActorType   ActorType       `json:"actor_type"`
	Action      string          `json:"action"`
	ToolName    *string         `json:"tool_name,omitempty"`
	ExecutionID *string         `json:"execution_id,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	CreatedAt   time.Time       `json:"created_at"`
}
