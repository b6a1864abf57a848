package execution

import (
	"bytes"
	"sync"
)

const defaultOutputLimit = 1 << 20

// boundedBuffer keeps the first capBytes written and silently drops the
// rest, so a chatty process is never blocked or killed by its own output.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	capBytes  int
	truncated bool
}

func newBoundedBuffer(capBytes int) *boundedBuffer {
	if capBytes <= 0 {
		capBytes = defaultOutputLimit
	}
	return &boundedBuffer{capBytes: capBytes}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.capBytes - b.buf.Len()
	if remaining <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
