package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

func waitTerminal(t *testing.T, o *Orchestrator, id string) Operation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, err := o.Operation(id)
		if err != nil {
			t.Fatalf("Operation: %v", err)
		}
		if op.Terminal() {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not finish", id)
	return Operation{}
}

func TestDispatch_CompletesAndReturnsResult(t *testing.T) {
	t.Parallel()

	author := newSigner(t, "alice", tool.RoleAuthor)
	h := newHarness(t, keyring(author), Options{})

	id, err := h.orch.Dispatch(context.Background(), Request{Definition: signTool(t, echoYAML, author), Inputs: map[string]any{"msg": "hi"}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	op := waitTerminal(t, h.orch, id)
	if op.Status != StatusCompleted || op.ToolName != "org/echo" || op.FinishedAt == nil {
		t.Errorf("unexpected operation: %+v", op)
	}
	res, err := h.orch.OperationResult(id)
	if err != nil {
		t.Fatalf("OperationResult: %v", err)
	}
	if !res.Success || res.Metadata.ExecutionID != id {
		t.Errorf("expected successful result keyed by operation id, got %+v", res)
	}
}

func TestDispatch_FailureIsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Options{})
	id, err := h.orch.Dispatch(context.Background(), Request{ToolName: "org/missing"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	op := waitTerminal(t, h.orch, id)
	if op.Status != StatusFailed || op.Error == "" {
		t.Errorf("expected failed operation with error, got %+v", op)
	}
}

func TestDispatch_CancelledCallerDoesNotAbort(t *testing.T) {
	t.Parallel()

	author := newSigner(t, "alice", tool.RoleAuthor)
	h := newHarness(t, keyring(author), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	id, err := h.orch.Dispatch(ctx, Request{Definition: signTool(t, echoYAML, author), Inputs: map[string]any{"msg": "hi"}})
	cancel()
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if op := waitTerminal(t, h.orch, id); op.Status != StatusCompleted {
		t.Errorf("expected completion despite caller cancellation, got %+v", op)
	}
}

func TestOperationStore_Lifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewOperationStore(time.Minute)
	s.now = func() time.Time { return now }

	op, err := s.create("org/echo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Result(op.ID); !errors.Is(err, ErrOperationRunning) {
		t.Errorf("expected ErrOperationRunning, got %v", err)
	}

	s.finish(op.ID, &Result{Success: true})
	s.finish(op.ID, &Result{Success: false, Error: &ErrorInfo{Message: "late"}})
	got, err := s.Get(op.ID)
	if err != nil || got.Status != StatusCompleted {
		t.Fatalf("expected completed exactly once, got %+v %v", got, err)
	}

	now = now.Add(30 * time.Second)
	if n := s.Sweep(); n != 0 {
		t.Errorf("swept %d before ttl elapsed", n)
	}
	now = now.Add(31 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Errorf("expected operation swept after ttl, swept %d", n)
	}
	if _, err := s.Get(op.ID); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestOperationStore_UnreadIsKept(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := NewOperationStore(time.Millisecond)
	s.now = func() time.Time { return now }
	op, _ := s.create("org/echo")
	s.finish(op.ID, &Result{Success: true})

	now = now.Add(time.Hour)
	if n := s.Sweep(); n != 0 {
		t.Errorf("unread operations must survive sweeps, swept %d", n)
	}
}

func TestOperationStore_IDCollisionRetries(t *testing.T) {
	t.Parallel()

	s := NewOperationStore(0)
	ids := []string{"dup", "dup", "fresh"}
	s.ids = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	first, err := s.create("a")
	if err != nil || first.ID != "dup" {
		t.Fatalf("first create: %+v %v", first, err)
	}
	second, err := s.create("b")
	if err != nil || second.ID != "fresh" {
		t.Fatalf("expected collision to be skipped, got %+v %v", second, err)
	}
}
