package execution

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/eventbus"
	"github.com/matiasleandrokruk/enact/internal/infra/metrics"
)

const (
	ContainerProviderName   = "container"
	DefaultBaseImage        = "alpine:3.20"
	DefaultEngineTimeout    = 30 * time.Second
	DefaultHealthInterval   = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultShutdownGrace    = 10 * time.Second
	containerWorkDir        = "/workspace"
)

type ContainerConfig struct {
	BaseImage        string
	EngineTimeout    time.Duration
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	ShutdownGrace    time.Duration
}

func (c ContainerConfig) withDefaults() ContainerConfig {
	if c.BaseImage == "" {
		c.BaseImage = DefaultBaseImage
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = DefaultEngineTimeout
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// HealthStatus is the engine's last observed health.
type HealthStatus struct {
	IsHealthy           bool      `json:"isHealthy"`
	LastCheck           time.Time `json:"lastCheck"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// ContainerProvider runs each execution in a fresh container.
type ContainerProvider struct {
	engine   Engine
	cfg      ContainerConfig
	owner    string
	logger   zerolog.Logger
	sessions *sessionSet
	events   eventbus.EventBus
	// health is guarded by sessions.mu.
	health HealthStatus
}

// ResetEvent is published on eventbus.TopicEngineReset.
type ResetEvent struct {
	Engine  string    `json:"engine"`
	Removed int       `json:"removed"`
	At      time.Time `json:"at"`
}

func NewContainerProvider(engine Engine, cfg ContainerConfig, logger zerolog.Logger) *ContainerProvider {
	owner := uuid.NewString()
	return &ContainerProvider{
		engine:   engine,
		cfg:      cfg.withDefaults(),
		owner:    owner,
		logger:   logger.With().Str("provider", ContainerProviderName).Str("engine", engine.Name()).Logger(),
		sessions: newSessionSet(),
		health:   HealthStatus{IsHealthy: true},
	}
}

// WithEvents publishes engine resets on bus.
func (p *ContainerProvider) WithEvents(bus eventbus.EventBus) *ContainerProvider {
	p.events = bus
	return p
}

func (p *ContainerProvider) Name() string { return ContainerProviderName }

// Setup checks the tool can be run. Engine reachability is checked per
// attempt so that it participates in retry.
func (p *ContainerProvider) Setup(_ context.Context, def *tool.Definition) error {
	if def == nil || def.Command == "" {
		return newError(KindExecution, errors.New("tool has no command"), nil)
	}
	return nil
}

func (p *ContainerProvider) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Tool == nil {
		return nil, newError(KindExecution, errors.New("request has no tool"), nil)
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	ctx, end, err := p.sessions.begin(ctx, req.ExecutionID)
	if err != nil {
		return nil, newError(KindExecution, err, nil)
	}
	defer end()

	log := p.logger.With().Str("execution_id", req.ExecutionID).Str("tool", req.Tool.Name).Logger()
	start := time.Now()
	var lastErr *Error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := BackoffDelay(p.cfg.InitialBackoff, p.cfg.MaxBackoff, attempt-1)
			metrics.RecordRetry(ContainerProviderName)
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying execution")
			if err := sleepCtx(ctx, delay); err != nil {
				break
			}
		}
		res, err := p.attempt(ctx, req, attempt)
		if err == nil {
			res.Attempts = attempt
			res.Duration = time.Since(start)
			metrics.RecordExecution(ContainerProviderName, res.Success, res.Duration)
			return res, nil
		}
		lastErr = AsError(err)
		lastErr.Details = withDetail(lastErr.Details, "attempt", attempt)
		// A tool that outran its timeout would do so again.
		if ctx.Err() != nil || errors.Is(lastErr, ErrTimeout) {
			break
		}
	}
	metrics.RecordExecution(ContainerProviderName, false, time.Since(start))
	if lastErr == nil {
		lastErr = newError(KindExecution, fmt.Errorf("execution cancelled: %w", ctx.Err()), nil)
	}
	log.Error().Err(lastErr).Str("code", string(lastErr.Kind)).Msg("execution failed")
	return nil, lastErr
}

// attempt runs the command once, racing it against max(tool, engine)
// timeout.
func (p *ContainerProvider) attempt(ctx context.Context, req Request, n int) (*Result, error) {
	if err := p.ping(ctx); err != nil {
		p.record(ctx, err)
		return nil, newError(KindEngineConnection, err, nil)
	}

	timeout := max(req.Timeout, p.cfg.EngineTimeout)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	paths, files := materialize(req.Inputs)
	command := renderWith(req.Tool.Command, req.Inputs, paths)
	bound, inputVars := bindWith(req.Tool.Command, req.Inputs, paths)
	env := make(map[string]string, len(req.Env)+len(inputVars))
	maps.Copy(env, req.Env)
	maps.Copy(env, inputVars)
	spec := RunSpec{
		Name:    fmt.Sprintf("enact-%s-%d", shortID(req.ExecutionID), n),
		Image:   p.cfg.BaseImage,
		Command: bound,
		WorkDir: containerWorkDir,
		Env:     env,
		Files:   files,
		Labels: map[string]string{
			LabelOwner:     p.owner,
			LabelExecution: req.ExecutionID,
		},
		Resources: req.Tool.Resources,
		Network:   req.Tool.Annotations.OpenWorldHint == nil || *req.Tool.Annotations.OpenWorldHint,
	}
	defer p.remove(spec.Name)

	type outcome struct {
		res *RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := p.engine.Run(actx, spec)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, timeoutError(timeout)
			}
			return nil, o.err
		}
		res := completed(ContainerProviderName, command, o.res.ExitCode, o.res.Stdout, o.res.Stderr, o.res.Truncated)
		return res, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, newError(KindExecution, fmt.Errorf("execution cancelled: %w", ctx.Err()), nil)
		}
		return nil, timeoutError(timeout)
	}
}

func timeoutError(d time.Duration) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("execution exceeded timeout of %s", d),
		Details: map[string]any{"timeout": d.String()},
		Err:     ErrTimeout,
	}
}

func (p *ContainerProvider) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.EngineTimeout)
	defer cancel()
	if err := p.engine.Ping(pctx); err != nil {
		if errors.Is(err, ErrEngineUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// remove force-removes a container on a fresh context so that it still
// runs after cancellation.
func (p *ContainerProvider) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EngineTimeout)
	defer cancel()
	if err := p.engine.Remove(ctx, id); err != nil {
		p.logger.Debug().Err(err).Str("container", id).Msg("container removal failed")
	}
}

// Cleanup removes owned containers that no in-flight execution uses.
func (p *ContainerProvider) Cleanup(ctx context.Context) error {
	p.removeOwned(ctx, false)
	return nil
}

func (p *ContainerProvider) removeOwned(ctx context.Context, all bool) int {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.EngineTimeout)
	defer cancel()
	owned, err := p.engine.ListOwned(cctx, p.owner)
	if err != nil {
		p.logger.Warn().Err(err).Msg("listing owned containers failed")
		return 0
	}
	removed := 0
	for _, c := range owned {
		if !all && p.sessions.isActive(c.Labels[LabelExecution]) {
			continue
		}
		if err := p.engine.Remove(cctx, c.ID); err != nil {
			p.logger.Warn().Err(err).Str("container", c.ID).Msg("container cleanup failed")
			continue
		}
		removed++
	}
	return removed
}

// Health returns the last recorded health status.
func (p *ContainerProvider) Health() HealthStatus {
	p.sessions.mu.Lock()
	defer p.sessions.mu.Unlock()
	return p.health
}

// CheckHealth pings the engine and inspects owned containers. A container
// left stopped by no active execution counts as a failure. Reaching the
// failure threshold triggers a reset.
func (p *ContainerProvider) CheckHealth(ctx context.Context) HealthStatus {
	problem := p.ping(ctx)
	if problem == nil {
		lctx, cancel := context.WithTimeout(ctx, p.cfg.EngineTimeout)
		owned, err := p.engine.ListOwned(lctx, p.owner)
		cancel()
		if err != nil {
			problem = err
		}
		for _, c := range owned {
			if c.Stopped() && !p.sessions.isActive(c.Labels[LabelExecution]) {
				problem = fmt.Errorf("container %s is %s", c.Name, c.State)
				break
			}
		}
	}

	return p.record(ctx, problem)
}

// record stores a health observation and resets the engine once the
// failure threshold is reached.
func (p *ContainerProvider) record(ctx context.Context, problem error) HealthStatus {
	p.sessions.mu.Lock()
	p.health.LastCheck = time.Now()
	p.health.IsHealthy = problem == nil
	if problem == nil {
		p.health.ConsecutiveFailures = 0
	} else {
		p.health.ConsecutiveFailures++
	}
	status := p.health
	p.sessions.mu.Unlock()

	metrics.SetEngineHealthy(p.engine.Name(), status.IsHealthy)
	if problem != nil {
		p.logger.Warn().Err(problem).Int("consecutive_failures", status.ConsecutiveFailures).Msg("engine health check failed")
		if status.ConsecutiveFailures >= p.cfg.FailureThreshold {
			p.reset(ctx)
		}
	}
	return status
}

// reset removes every owned container and clears the failure count.
// Containers are recreated per attempt, so nothing else is rebuilt.
func (p *ContainerProvider) reset(ctx context.Context) {
	removed := p.removeOwned(ctx, true)
	p.sessions.mu.Lock()
	p.health.ConsecutiveFailures = 0
	p.sessions.mu.Unlock()
	metrics.RecordEngineReset(p.engine.Name())
	if p.events != nil {
		p.events.Publish(eventbus.TopicEngineReset, ResetEvent{Engine: p.engine.Name(), Removed: removed, At: time.Now().UTC()})
	}
	p.logger.Warn().Int("removed", removed).Msg("engine reset")
}

// Start runs periodic health checks until ctx is done.
func (p *ContainerProvider) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	p.logger.Info().Dur("interval", p.cfg.HealthInterval).Msg("engine health monitor started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("engine health monitor stopped")
			return
		case <-p.sessions.stop.Done():
			return
		case <-ticker.C:
			p.CheckHealth(ctx)
		}
	}
}

func (p *ContainerProvider) ActiveSessions() int { return p.sessions.count() }

// Shutdown stops new executions, cancels running ones, waits up to the
// grace period and then force-removes every owned container.
func (p *ContainerProvider) Shutdown(ctx context.Context) error {
	drained := p.sessions.drain(ctx, p.cfg.ShutdownGrace)
	if !drained {
		p.logger.Warn().Int("active", p.sessions.count()).Msg("shutdown grace elapsed; forcing cleanup")
	}
	cleanupCtx, cancel := context.WithTimeout(context.Background(), p.cfg.EngineTimeout)
	defer cancel()
	p.removeOwned(cleanupCtx, true)
	if !drained {
		return fmt.Errorf("%d executions still running after grace period", p.sessions.count())
	}
	return nil
}

func withDetail(details map[string]any, key string, v any) map[string]any {
	if details == nil {
		details = map[string]any{}
	}
	details[key] = v
	return details
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
