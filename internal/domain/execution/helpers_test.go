package execution

import (
	"context"
	"sync"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

type fakeEngine struct {
	mu         sync.Mutex
	pingErr    error
	pings      int
	run        func(ctx context.Context, spec RunSpec, call int) (*RunResult, error)
	specs      []RunSpec
	containers []ContainerInfo
	removed    []string
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeEngine) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	call := len(f.specs)
	run := f.run
	f.mu.Unlock()
	if run == nil {
		return &RunResult{Stdout: "ok\n"}, nil
	}
	return run(ctx, spec, call)
}

func (f *fakeEngine) ListOwned(_ context.Context, owner string) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for _, c := range f.containers {
		if c.Labels[LabelOwner] == owner {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	kept := f.containers[:0]
	for _, c := range f.containers {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	f.containers = kept
	return nil
}

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeEngine) lastSpec() RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

func commandTool(command string) *tool.Definition {
	return &tool.Definition{Name: "test/tool", Description: "test tool", Command: command, Version: "1.0.0"}
}
