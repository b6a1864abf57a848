// Package orchestrator drives one tool execution through the trust
// pipeline: fetch, validate, verify, safety check, resolve environment,
// execute and validate output.
//
// Every stage is a gate. Failures before execution never escape as Go
// errors; they become a Result carrying a Code.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/environment"
	"github.com/matiasleandrokruk/enact/internal/domain/execution"
	"github.com/matiasleandrokruk/enact/internal/domain/policy"
	"github.com/matiasleandrokruk/enact/internal/domain/safety"
	"github.com/matiasleandrokruk/enact/internal/domain/signing"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/eventbus"
	"github.com/matiasleandrokruk/enact/internal/infra/metrics"
)

// State names the pipeline stage an execution reached.
type State string

const (
	StateFetched             State = "fetched"
	StateValidated           State = "validated"
	StateVerified            State = "verified"
	StateSafetyChecked       State = "safety_checked"
	StateEnvironmentResolved State = "environment_resolved"
	StateExecuted            State = "executed"
	StateOutputValidated     State = "output_validated"
)

// SignatureVerifier is satisfied by *signing.Engine.
type SignatureVerifier interface {
	Verify(ctx context.Context, def *tool.Definition, pol policy.VerificationPolicy) (signing.Result, error)
}

// EnvironmentResolver is satisfied by *environment.Resolver.
type EnvironmentResolver interface {
	ResolveFor(ctx context.Context, def *tool.Definition) (environment.Environment, error)
}

// Request selects a tool and how to run it. Exactly one of Definition,
// Path or ToolName is used, in that order.
type Request struct {
	ExecutionID string
	// Actor identifies who asked for the execution, for audit.
	Actor      string
	ToolName   string
	Version    string
	Definition *tool.Definition
	Path       string
	Inputs     map[string]any

	// Policy is a policy name; empty selects the orchestrator default.
	Policy           string
	DryRun           bool
	Force            bool
	SkipVerification bool
	Timeout          time.Duration
}

type Deps struct {
	Registry tool.Registry
	Verifier SignatureVerifier
	Resolver EnvironmentResolver
	Provider execution.Provider
	Bus      eventbus.EventBus
	Logger   zerolog.Logger
}

type Options struct {
	DefaultPolicy  policy.VerificationPolicy
	DefaultTimeout time.Duration
	// Policies resolves per-request policy names. Its allowlist also
	// restricts DefaultPolicy. Nil means the built-in tiers only.
	Policies *policy.Catalog
	// OperationTTL is how long a finished operation is kept after it was
	// first read.
	OperationTTL time.Duration
}

// Orchestrator runs executions. It is safe for concurrent use.
type Orchestrator struct {
	registry tool.Registry
	verifier SignatureVerifier
	resolver EnvironmentResolver
	provider execution.Provider
	bus      eventbus.EventBus
	logger   zerolog.Logger
	opts     Options
	ops      *OperationStore
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.DefaultPolicy.Name == "" {
		opts.DefaultPolicy = policy.MustLookup(policy.Permissive)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = execution.DefaultTimeout
	}
	if opts.Policies == nil {
		opts.Policies, _ = policy.NewCatalog(nil, nil)
	}
	opts.DefaultPolicy = opts.Policies.Restrict(opts.DefaultPolicy)
	return &Orchestrator{
		registry: deps.Registry,
		verifier: deps.Verifier,
		resolver: deps.Resolver,
		provider: deps.Provider,
		bus:      deps.Bus,
		logger:   deps.Logger.With().Str("component", "orchestrator").Logger(),
		opts:     opts,
		ops:      NewOperationStore(opts.OperationTTL),
	}
}

// Operations exposes the store backing Dispatch.
func (o *Orchestrator) Operations() *OperationStore { return o.ops }

// Backend is the name of the configured execution provider.
func (o *Orchestrator) Backend() string { return o.provider.Name() }

// Execute runs req to a terminal state. It never returns nil.
func (o *Orchestrator) Execute(ctx context.Context, req Request) *Result {
	id := req.ExecutionID
	if id == "" {
		id = newID()
	}
	start := time.Now()
	res := &Result{
		Success: false,
		Metadata: Metadata{
			ExecutionID: id,
			ToolName:    req.ToolName,
			Version:     req.Version,
			ExecutedAt:  start.UTC(),
			Backend:     o.provider.Name(),
		},
	}
	run := &pipelineRun{o: o, req: req, res: res, log: o.logger.With().Str("execution_id", id).Logger()}
	run.pipeline(ctx)

	res.Metadata.DurationMs = time.Since(start).Milliseconds()
	o.publishCompleted(run)
	if res.Success {
		run.log.Info().Str("tool", res.Metadata.ToolName).Int64("duration_ms", res.Metadata.DurationMs).Msg("execution succeeded")
	} else {
		run.log.Warn().Str("tool", res.Metadata.ToolName).Str("code", string(res.Code())).Str("state", string(run.state)).Msg("execution failed")
	}
	return res
}

// pipelineRun carries one execution through the pipeline.
type pipelineRun struct {
	o     *Orchestrator
	req   Request
	res   *Result
	log   zerolog.Logger
	state State

	def                  *tool.Definition
	verificationSkipped  bool
	verificationDegraded bool
	forced               bool
}

func (x *pipelineRun) enter(s State) {
	x.state = s
	x.log.Debug().Str("state", string(s)).Msg("state reached")
}

func (x *pipelineRun) pipeline(ctx context.Context) {
	if !x.fetch(ctx) {
		return
	}
	if !x.validate() {
		return
	}
	if !x.verify(ctx) {
		return
	}
	if !x.checkSafety() {
		return
	}
	env, ok := x.resolveEnvironment(ctx)
	if !ok {
		return
	}
	x.execute(ctx, env)
}

func (x *pipelineRun) fetch(ctx context.Context) bool {
	def, err := x.o.load(ctx, x.req)
	if err != nil {
		code := CodeNotFound
		switch {
		case errors.Is(err, tool.ErrParse):
			code = CodeParse
		case errors.Is(err, tool.ErrRegistryUnavailable):
			code = CodeNetwork
		}
		x.res.fail(code, err.Error(), nil)
		return false
	}
	x.def = def
	x.res.Metadata.ToolName = def.Name
	x.res.Metadata.Version = def.Version
	x.enter(StateFetched)
	return true
}

func (o *Orchestrator) load(ctx context.Context, req Request) (*tool.Definition, error) {
	switch {
	case req.Definition != nil:
		return req.Definition.Clone(), nil
	case req.Path != "":
		def, err := tool.LoadFile(req.Path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", tool.ErrToolDefinitionNotFound, req.Path)
		}
		return def, err
	case req.ToolName != "":
		if o.registry == nil {
			return nil, fmt.Errorf("%w: %s (no registry configured)", tool.ErrToolDefinitionNotFound, req.ToolName)
		}
		return o.registry.Get(ctx, req.ToolName, req.Version)
	default:
		return nil, fmt.Errorf("%w: request names no tool", tool.ErrToolDefinitionNotFound)
	}
}

func (x *pipelineRun) validate() bool {
	if err := tool.Validate(x.def); err != nil {
		var verr *tool.ValidationError
		details := map[string]any{}
		if errors.As(err, &verr) {
			details["violations"] = verr.Violations
		}
		x.res.fail(CodeInvalidTool, err.Error(), details)
		return false
	}
	if err := tool.ValidateInputs(x.def, x.req.Inputs); err != nil {
		code := CodeInvalidInput
		if errors.Is(err, tool.ErrInvalidSchema) {
			code = CodeInvalidTool
		}
		x.res.fail(code, err.Error(), nil)
		return false
	}
	x.enter(StateValidated)
	return true
}

func (x *pipelineRun) verify(ctx context.Context) bool {
	pol, err := x.o.policyFor(x.req.Policy)
	if err != nil {
		x.res.fail(CodeVerification, err.Error(), map[string]any{"available": x.o.opts.Policies.Names()})
		return false
	}
	x.res.Metadata.Policy = pol.Name

	if x.req.SkipVerification {
		x.verificationSkipped = true
		x.res.warn("signature verification skipped at caller request")
		x.log.Warn().Str("tool", x.def.Name).Str("policy", pol.Name).Msg("signature verification skipped")
		x.o.publish(eventbus.TopicVerificationBypass, x.event())
		x.enter(StateVerified)
		return true
	}
	if x.o.verifier == nil {
		x.res.fail(CodeVerification, "no signature verifier configured", nil)
		return false
	}

	vres, err := x.o.verifier.Verify(ctx, x.def, pol)
	if err != nil {
		x.res.fail(CodeVerification, err.Error(), nil)
		return false
	}
	x.res.Verification = &vres
	if !vres.IsValid {
		x.o.publish(eventbus.TopicVerificationFailed, x.event())
		// Only the most permissive tier degrades, and only when the tool
		// carries signatures at all.
		if pol.IsPermissive() && vres.TotalSignatureCount > 0 {
			x.verificationDegraded = true
			for _, e := range vres.Errors {
				x.res.warn("signature verification: " + e)
			}
			x.log.Warn().Str("tool", x.def.Name).Strs("errors", vres.Errors).Msg("verification failed; continuing under permissive policy")
			x.enter(StateVerified)
			return true
		}
		x.res.fail(codeForFailure(vres.Failure), "signature verification failed under policy "+pol.String(),
			map[string]any{"errors": vres.Errors, "validSignatures": vres.ValidSignatureCount, "totalSignatures": vres.TotalSignatureCount})
		return false
	}
	x.enter(StateVerified)
	return true
}

func (o *Orchestrator) policyFor(name string) (policy.VerificationPolicy, error) {
	if name == "" {
		return o.opts.DefaultPolicy, nil
	}
	return o.opts.Policies.Lookup(name)
}

func (x *pipelineRun) checkSafety() bool {
	verdict := safety.Analyze(x.def.Command, x.def.Annotations)
	x.res.Safety = &verdict
	x.res.Warnings = append(x.res.Warnings, verdict.Warnings...)
	if !verdict.IsSafe {
		if !x.req.Force {
			metrics.RecordSafetyBlock()
			x.o.publish(eventbus.TopicCommandBlocked, x.event())
			x.res.fail(CodeCommandUnsafe, "command blocked by safety analysis", map[string]any{"blocked": verdict.Blocked})
			return false
		}
		x.forced = true
		x.res.warn("unsafe command executed with force")
		x.log.Warn().Str("tool", x.def.Name).Strs("blocked", verdict.Blocked).Msg("safety block overridden by force")
	}
	x.enter(StateSafetyChecked)
	return true
}

func (x *pipelineRun) resolveEnvironment(ctx context.Context) (environment.Environment, bool) {
	env := environment.Environment{Namespace: tool.Namespace(x.def.Name), Vars: map[string]string{}}
	if x.o.resolver != nil {
		resolved, err := x.o.resolver.ResolveFor(ctx, x.def)
		if err != nil {
			x.res.fail(CodeExecution, "resolve environment: "+err.Error(), nil)
			return env, false
		}
		env = resolved
	}
	if len(env.Missing) > 0 {
		x.res.fail(CodeMissingEnvironment, "required environment variables are not set",
			map[string]any{"missing": env.Missing})
		return env, false
	}
	x.enter(StateEnvironmentResolved)
	return env, true
}

func (x *pipelineRun) timeout() time.Duration {
	switch {
	case x.req.Timeout > 0:
		return x.req.Timeout
	case x.def.TimeoutDuration() > 0:
		return x.def.TimeoutDuration()
	default:
		return x.o.opts.DefaultTimeout
	}
}

func (x *pipelineRun) execute(ctx context.Context, env environment.Environment) {
	timeout := x.timeout()
	command := execution.Render(x.def.Command, x.req.Inputs)
	x.res.Metadata.Timeout = timeout.String()
	x.res.Metadata.Command = command
	redactor := policy.NewRedactor(env.Values()...)

	if x.req.DryRun {
		preview := &Preview{
			Command:     command,
			Environment: make(map[string]string, len(env.Vars)),
			Sources:     make(map[string]string, len(env.Sources)),
			Safety:      *x.res.Safety,
		}
		for k, v := range env.Vars {
			preview.Environment[k] = policy.Mask(v)
		}
		for k, s := range env.Sources {
			preview.Sources[k] = string(s)
		}
		x.res.Preview = preview
		x.res.Output = &execution.Output{Stdout: command, Data: preview}
		x.res.Success = true
		x.log.Info().Str("tool", x.def.Name).Msg("dry run; nothing executed")
		return
	}

	defer x.o.cleanup()
	if err := x.o.provider.Setup(ctx, x.def); err != nil {
		e := execution.AsError(err)
		x.res.fail(codeForKind(e.Kind), redactor.Redact(e.Message), e.Details)
		return
	}

	exres, err := x.o.provider.Execute(ctx, execution.Request{
		ExecutionID: x.res.Metadata.ExecutionID,
		Tool:        x.def,
		Inputs:      x.req.Inputs,
		Env:         env.Vars,
		Timeout:     timeout,
	})
	if err != nil {
		e := execution.AsError(err)
		x.res.fail(codeForKind(e.Kind), redactor.Redact(e.Message), e.Details)
		return
	}
	x.enter(StateExecuted)

	x.res.Output = &exres.Output
	x.res.Attempts = exres.Attempts
	x.res.Success = exres.Success
	if exres.Error != nil {
		x.res.Error = &ErrorInfo{Code: codeForKind(exres.Error.Kind), Message: exres.Error.Message, Details: exres.Error.Details}
	}
	if exres.Output.Truncated {
		x.res.warn("output was truncated")
	}

	if exres.Success && len(x.def.OutputSchema) > 0 {
		if err := tool.ValidateOutput(x.def, exres.Output.Data); err != nil {
			x.res.warn("output validation: " + err.Error())
			x.log.Warn().Err(err).Str("tool", x.def.Name).Msg("output does not match schema")
		}
	}
	x.enter(StateOutputValidated)
}

// cleanup runs on a fresh context so cancellation of the caller does not
// leak backend resources.
func (o *Orchestrator) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.provider.Cleanup(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("provider cleanup failed")
	}
}

// Event is published on the bus for audit and observers.
type Event struct {
	ExecutionID          string        `json:"executionId"`
	Actor                string        `json:"actor,omitempty"`
	ToolName             string        `json:"toolName"`
	Version              string        `json:"version,omitempty"`
	Backend              string        `json:"backend"`
	Policy               string        `json:"policy,omitempty"`
	State                State         `json:"state"`
	Success              bool          `json:"success"`
	Code                 Code          `json:"code,omitempty"`
	DryRun               bool          `json:"dryRun,omitempty"`
	Forced               bool          `json:"forced,omitempty"`
	VerificationSkipped  bool          `json:"verificationSkipped,omitempty"`
	VerificationDegraded bool          `json:"verificationDegraded,omitempty"`
	Blocked              []string      `json:"blocked,omitempty"`
	Duration             time.Duration `json:"duration"`
	At                   time.Time     `json:"at"`
}

func (x *pipelineRun) event() Event {
	ev := Event{
		ExecutionID:          x.res.Metadata.ExecutionID,
		Actor:                x.req.Actor,
		ToolName:             x.res.Metadata.ToolName,
		Version:              x.res.Metadata.Version,
		Backend:              x.res.Metadata.Backend,
		Policy:               x.res.Metadata.Policy,
		State:                x.state,
		Success:              x.res.Success,
		Code:                 x.res.Code(),
		DryRun:               x.req.DryRun,
		Forced:               x.forced,
		VerificationSkipped:  x.verificationSkipped,
		VerificationDegraded: x.verificationDegraded,
		Duration:             time.Duration(x.res.Metadata.DurationMs) * time.Millisecond,
		At:                   time.Now().UTC(),
	}
	if x.res.Safety != nil && len(x.res.Safety.Blocked) > 0 {
		ev.Blocked = append([]string(nil), x.res.Safety.Blocked...)
	}
	return ev
}

func (o *Orchestrator) publishCompleted(x *pipelineRun) {
	o.publish(eventbus.TopicExecutionCompleted, x.event())
}

func (o *Orchestrator) publish(topic string, ev Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, ev)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
