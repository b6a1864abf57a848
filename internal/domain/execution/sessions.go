package execution

import (
	"context"
	"sync"
	"time"
)

// sessionSet tracks in-flight executions and owns the shutdown signal.
// Its mutex also guards any provider state that must change together with
// the session count.
type sessionSet struct {
	mu      sync.Mutex
	active  map[string]time.Time
	closing bool
	wg      sync.WaitGroup

	stop   context.Context
	stopFn context.CancelFunc
}

func newSessionSet() *sessionSet {
	stop, stopFn := context.WithCancel(context.Background())
	return &sessionSet{active: make(map[string]time.Time), stop: stop, stopFn: stopFn}
}

// begin registers id and returns a context cancelled by either the caller
// or shutdown, plus the function that ends the session.
func (s *sessionSet) begin(ctx context.Context, id string) (context.Context, func(), error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, nil, ErrShuttingDown
	}
	s.active[id] = time.Now()
	s.wg.Add(1)
	s.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	detach := context.AfterFunc(s.stop, cancel)
	end := func() {
		detach()
		cancel()
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		s.wg.Done()
	}
	return sctx, end, nil
}

func (s *sessionSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *sessionSet) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// drain refuses new sessions, signals the running ones and waits up to
// grace (bounded by ctx). It reports whether every session ended in time.
func (s *sessionSet) drain(ctx context.Context, grace time.Duration) bool {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stopFn()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-done:
		return true
	case <-timeout:
		return false
	case <-ctx.Done():
		return false
	}
}
