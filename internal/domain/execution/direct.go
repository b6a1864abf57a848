package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/environment"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/metrics"
)

const (
	DirectProviderName = "direct"
	DefaultTimeout     = 30 * time.Second
	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the process group is killed.
	waitDelay = 2 * time.Second
)

// DirectProvider runs commands through the local /bin/sh.
type DirectProvider struct {
	shell       string
	workDir     string
	outputLimit int
	grace       time.Duration
	sessions    *sessionSet
	logger      zerolog.Logger
}

type DirectOption func(*DirectProvider)

// WithWorkDir sets the working directory of spawned commands.
func WithWorkDir(dir string) DirectOption {
	return func(p *DirectProvider) { p.workDir = dir }
}

// WithOutputLimit caps captured stdout and stderr, each.
func WithOutputLimit(n int) DirectOption {
	return func(p *DirectProvider) { p.outputLimit = n }
}

// WithShutdownGrace sets how long Shutdown waits for running commands.
func WithShutdownGrace(d time.Duration) DirectOption {
	return func(p *DirectProvider) { p.grace = d }
}

func NewDirectProvider(logger zerolog.Logger, opts ...DirectOption) *DirectProvider {
	p := &DirectProvider{
		shell:       "sh",
		outputLimit: defaultOutputLimit,
		grace:       10 * time.Second,
		sessions:    newSessionSet(),
		logger:      logger.With().Str("provider", DirectProviderName).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *DirectProvider) Name() string { return DirectProviderName }

func (p *DirectProvider) Setup(_ context.Context, def *tool.Definition) error {
	if def == nil || def.Command == "" {
		return newError(KindExecution, errors.New("tool has no command"), nil)
	}
	if _, err := exec.LookPath(p.shell); err != nil {
		return newError(KindExecution, fmt.Errorf("shell %q not found: %w", p.shell, err), nil)
	}
	return nil
}

func (p *DirectProvider) Execute(ctx context.Context, req Request) (*Result, error) {
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

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	command := Render(req.Tool.Command, req.Inputs)
	bound, inputVars := Bind(req.Tool.Command, req.Inputs)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newBoundedBuffer(p.outputLimit)
	stderr := newBoundedBuffer(p.outputLimit)

	cmd := exec.CommandContext(runCtx, p.shell, "-c", bound)
	cmd.Dir = p.workDir
	cmd.Env = environment.Merge(environment.Merge(environment.Host(os.Environ()), req.Env), inputVars)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	log := p.logger.With().Str("execution_id", req.ExecutionID).Str("tool", req.Tool.Name).Logger()
	log.Debug().Dur("timeout", timeout).Msg("starting command")

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.RecordExecution(DirectProviderName, false, elapsed)
			log.Warn().Dur("timeout", timeout).Msg("command timed out")
			return nil, &Error{
				Kind:    KindTimeout,
				Message: fmt.Sprintf("command exceeded timeout of %s", timeout),
				Details: map[string]any{"timeout": timeout.String()},
				Err:     ErrTimeout,
			}
		}
		if ctx.Err() != nil {
			metrics.RecordExecution(DirectProviderName, false, elapsed)
			return nil, newError(KindExecution, fmt.Errorf("execution cancelled: %w", ctx.Err()), nil)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			metrics.RecordExecution(DirectProviderName, false, elapsed)
			return nil, newError(KindExecution, runErr, nil)
		}
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	res := completed(DirectProviderName, command, exitCode, stdout.String(), stderr.String(),
		stdout.Truncated() || stderr.Truncated())
	res.Duration = elapsed
	metrics.RecordExecution(DirectProviderName, res.Success, elapsed)
	log.Debug().Int("exit_code", exitCode).Dur("duration", elapsed).Msg("command finished")
	return res, nil
}

// Cleanup is a no-op: every spawned process group is reaped by Execute.
func (p *DirectProvider) Cleanup(context.Context) error { return nil }

func (p *DirectProvider) ActiveSessions() int { return p.sessions.count() }

// Shutdown cancels running commands and waits for them to exit.
func (p *DirectProvider) Shutdown(ctx context.Context) error {
	if !p.sessions.drain(ctx, p.grace) {
		p.logger.Warn().Int("active", p.sessions.count()).Msg("shutdown grace elapsed with commands still running")
		return fmt.Errorf("%d executions still running", p.sessions.count())
	}
	return nil
}
