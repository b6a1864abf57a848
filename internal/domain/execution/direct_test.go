//go:build unix

package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newDirect(t *testing.T, opts ...DirectOption) *DirectProvider {
	t.Helper()
	return NewDirectProvider(zerolog.Nop(), opts...)
}

func TestDirectProvider_EchoSucceeds(t *testing.T) {
	t.Parallel()

	p := newDirect(t)
	def := commandTool("echo ${text}")
	if err := p.Setup(context.Background(), def); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	res, err := p.Execute(context.Background(), Request{Tool: def, Inputs: map[string]any{"text": "hi"}, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output.Stdout != "hi\n" || res.Output.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Command != "echo hi" || res.Provider != DirectProviderName {
		t.Errorf("unexpected command/provider: %q %q", res.Command, res.Provider)
	}
}

func TestDirectProvider_NonZeroExitIsResult(t *testing.T) {
	t.Parallel()

	p := newDirect(t)
	res, err := p.Execute(context.Background(), Request{Tool: commandTool("echo bad >&2; exit 3"), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.Success || res.Output.ExitCode != 3 || res.Output.Stderr != "bad\n" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Error == nil || res.Error.Kind != KindExecution {
		t.Errorf("expected EXECUTION_ERROR, got %+v", res.Error)
	}
}

func TestDirectProvider_Timeout(t *testing.T) {
	t.Parallel()

	p := newDirect(t)
	start := time.Now()
	_, err := p.Execute(context.Background(), Request{Tool: commandTool("sleep 10"), Timeout: 100 * time.Millisecond})
	if Categorize(err) != KindTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout in chain, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %s", elapsed)
	}
}

func TestDirectProvider_ResolvedEnvVisible(t *testing.T) {
	t.Parallel()

	p := newDirect(t)
	res, err := p.Execute(context.Background(), Request{
		Tool:    commandTool(`printf '%s' "$ENACT_TEST_GREETING"`),
		Env:     map[string]string{"ENACT_TEST_GREETING": "hello env"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output.Stdout != "hello env" {
		t.Errorf("expected env value, got %q", res.Output.Stdout)
	}
}

func TestDirectProvider_OutputLimit(t *testing.T) {
	t.Parallel()

	p := newDirect(t, WithOutputLimit(10))
	res, err := p.Execute(context.Background(), Request{Tool: commandTool("yes | head -n 1000"), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Output.Stdout) != 10 || !res.Output.Truncated {
		t.Errorf("expected 10 bytes and truncation, got %d bytes truncated=%v", len(res.Output.Stdout), res.Output.Truncated)
	}
}

func TestDirectProvider_ShutdownCancelsAndRefuses(t *testing.T) {
	t.Parallel()

	p := newDirect(t, WithShutdownGrace(5*time.Second))
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), Request{ExecutionID: "long", Tool: commandTool("sleep 30"), Timeout: time.Minute})
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.ActiveSessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.ActiveSessions() != 1 {
		t.Fatalf("expected one active session, got %d", p.ActiveSessions())
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("expected cancellation error, got %v", err)
	}

	_, err := p.Execute(context.Background(), Request{Tool: commandTool("true")})
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown after shutdown, got %v", err)
	}
}

func TestDirectProvider_InputsAreNeverEvaluated(t *testing.T) {
	t.Parallel()

	p := newDirect(t)
	tests := []struct {
		command string
		value   string
		want    string
	}{
		{`echo "${msg}"`, "$(echo INJECTED)", "$(echo INJECTED)\n"},
		{`echo '${msg}'`, "it's $(echo INJECTED)", "it's $(echo INJECTED)\n"},
		{`echo ${msg}`, "`echo INJECTED`; echo INJECTED", "`echo INJECTED`; echo INJECTED\n"},
		{`echo "pre $(printf %s ${msg}) post"`, "a; echo INJECTED", "pre a; echo INJECTED post\n"},
	}
	for _, tt := range tests {
		res, err := p.Execute(context.Background(), Request{
			Tool:    commandTool(tt.command),
			Inputs:  map[string]any{"msg": tt.value},
			Timeout: 5 * time.Second,
		})
		if err != nil {
			t.Fatalf("%s: Execute: %v", tt.command, err)
		}
		if res.Output.Stdout != tt.want {
			t.Errorf("%s: stdout = %q, want %q", tt.command, res.Output.Stdout, tt.want)
		}
	}
}

func TestDirectProvider_HostConfigIsHidden(t *testing.T) {
	t.Setenv("ENACT_SECRET_KEY", "store-seed")
	t.Setenv("ENACT_JWT_SECRET", "token-secret")
	t.Setenv("UNRELATED_HOST_VAR", "leak")

	p := newDirect(t)
	res, err := p.Execute(context.Background(), Request{
		Tool:    commandTool(`echo "[$ENACT_SECRET_KEY][$ENACT_JWT_SECRET][$UNRELATED_HOST_VAR][$API_KEY]"; command -v sh >/dev/null && echo path-ok`),
		Env:     map[string]string{"API_KEY": "resolved"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output.Stdout != "[][][][resolved]\npath-ok\n" {
		t.Errorf("unexpected child environment: %q", res.Output.Stdout)
	}
}
