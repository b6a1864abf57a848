package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matiasleandrokruk/enact/internal/infra/metrics"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrOperationRunning  = errors.New("operation still running")
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const DefaultOperationTTL = 5 * time.Minute

// Operation is the record of one dispatched execution.
type Operation struct {
	ID         string     `json:"id"`
	ToolName   string     `json:"toolName"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`

	result        *Result
	statusFetched bool
	resultFetched bool
	firstReadAt   time.Time
}

// Terminal reports whether the operation finished.
func (op *Operation) Terminal() bool { return op.Status != StatusRunning }

// OperationStore holds dispatched operations for one orchestrator.
// Terminal operations are swept ttl after they were first read.
type OperationStore struct {
	mu  sync.Mutex
	ops map[string]*Operation
	ttl time.Duration
	now func() time.Time
	ids func() string
}

func NewOperationStore(ttl time.Duration) *OperationStore {
	if ttl <= 0 {
		ttl = DefaultOperationTTL
	}
	return &OperationStore{
		ops: make(map[string]*Operation),
		ttl: ttl,
		now: time.Now,
		ids: newID,
	}
}

// create registers a running operation under a fresh, unused id.
func (s *OperationStore) create(toolName string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range 8 {
		id := s.ids()
		if _, taken := s.ops[id]; taken {
			continue
		}
		op := &Operation{ID: id, ToolName: toolName, Status: StatusRunning, StartedAt: s.now().UTC()}
		s.ops[id] = op
		metrics.SetOperationsInFlight(s.runningLocked())
		return *op, nil
	}
	return Operation{}, fmt.Errorf("could not allocate a unique operation id")
}

// finish moves a running operation to its terminal state. It has no effect
// on an operation that already finished.
func (s *OperationStore) finish(id string, res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok || op.Terminal() {
		return
	}
	now := s.now().UTC()
	op.FinishedAt = &now
	op.result = res
	if res != nil && res.Success {
		op.Status = StatusCompleted
	} else {
		op.Status = StatusFailed
		if res != nil && res.Error != nil {
			op.Error = res.Error.Message
		}
	}
	metrics.SetOperationsInFlight(s.runningLocked())
}

// Get returns a snapshot of the operation.
func (s *OperationStore) Get(id string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	if op.Terminal() && !op.statusFetched {
		op.statusFetched = true
		s.markReadLocked(op)
	}
	snap := *op
	snap.result = nil
	return snap, nil
}

// Result returns the terminal result of the operation.
func (s *OperationStore) Result(id string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	if !op.Terminal() {
		return nil, ErrOperationRunning
	}
	if !op.resultFetched {
		op.resultFetched = true
		s.markReadLocked(op)
	}
	return op.result, nil
}

func (s *OperationStore) markReadLocked(op *Operation) {
	if op.firstReadAt.IsZero() {
		op.firstReadAt = s.now()
	}
}

func (s *OperationStore) runningLocked() int {
	n := 0
	for _, op := range s.ops {
		if !op.Terminal() {
			n++
		}
	}
	return n
}

// Len is the number of tracked operations.
func (s *OperationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// Sweep drops terminal operations read more than ttl ago.
func (s *OperationStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, op := range s.ops {
		if op.Terminal() && !op.firstReadAt.IsZero() && now.Sub(op.firstReadAt) >= s.ttl {
			delete(s.ops, id)
			removed++
		}
	}
	return removed
}

// Start sweeps every interval until ctx is done.
func (s *OperationStore) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Dispatch starts req in the background and returns its operation id. The
// execution outlives ctx's cancellation but keeps its values.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (string, error) {
	name := req.ToolName
	if req.Definition != nil {
		name = req.Definition.Name
	}
	op, err := o.ops.create(name)
	if err != nil {
		return "", err
	}
	req.ExecutionID = op.ID
	bg := context.WithoutCancel(ctx)
	go func() {
		var res *Result
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().Interface("panic", r).Str("execution_id", op.ID).Msg("dispatched execution panicked")
				res = &Result{Metadata: Metadata{ExecutionID: op.ID, ToolName: name, Backend: o.Backend()}}
				res.fail(CodeExecution, fmt.Sprintf("internal error: %v", r), nil)
			}
			o.ops.finish(op.ID, res)
		}()
		res = o.Execute(bg, req)
	}()
	return op.ID, nil
}

// Operation returns the status of a dispatched execution.
func (o *Orchestrator) Operation(id string) (Operation, error) { return o.ops.Get(id) }

// OperationResult returns the result of a finished dispatched execution.
func (o *Orchestrator) OperationResult(id string) (*Result, error) { return o.ops.Result(id) }
