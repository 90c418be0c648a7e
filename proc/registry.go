package proc

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/txcore/pgerr"
)

// Registry owns every backend slot: MaxBackends regular slots followed by
// one dummy slot per prepared transaction.
type Registry struct {
	mu          sync.Mutex
	procs       []*Backend
	inUse       []bool
	maxBackends int
	maxPrepared int
}

// NewRegistry preallocates all slots.
func NewRegistry(maxBackends, maxPrepared int) (*Registry, error) {
	if maxBackends < 1 {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "max_backends must be at least 1")
	}
	if maxPrepared < 0 {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "max_prepared_xacts must not be negative")
	}
	total := maxBackends + maxPrepared
	r := &Registry{
		procs:       make([]*Backend, total),
		inUse:       make([]bool, total),
		maxBackends: maxBackends,
		maxPrepared: maxPrepared,
	}
	for i := range r.procs {
		r.procs[i] = NewBackend(ProcNumber(i), "")
	}
	for i := maxBackends; i < total; i++ {
		r.procs[i].name = "prepared"
	}
	return r, nil
}

// Register claims the lowest free regular slot.
func (r *Registry) Register(name string) (*Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.maxBackends; i++ {
		if !r.inUse[i] {
			r.inUse[i] = true
			b := NewBackend(ProcNumber(i), name)
			r.procs[i] = b
			return b, nil
		}
	}
	return nil, pgerr.New(pgerr.TooManyConnections, "sorry, too many clients already")
}

// Unregister frees the backend's slot.
func (r *Registry) Unregister(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(b.number) < len(r.inUse) {
		r.inUse[b.number] = false
	}
}

// Get returns the backend in slot n.
func (r *Registry) Get(n ProcNumber) *Backend {
	return r.procs[n]
}

// MaxBackends is the number of regular slots.
func (r *Registry) MaxBackends() int { return r.maxBackends }

// MaxPrepared is the number of prepared transaction dummy slots.
func (r *Registry) MaxPrepared() int { return r.maxPrepared }

// TotalProcs counts regular and dummy slots.
func (r *Registry) TotalProcs() int { return r.maxBackends + r.maxPrepared }

// DummyProcNumber maps a prepared transaction index to its dummy slot.
func (r *Registry) DummyProcNumber(preparedIdx int) ProcNumber {
	return ProcNumber(r.maxBackends + preparedIdx)
}

// Active returns the backends currently registered.
func (r *Registry) Active() []*Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Backend, 0, r.maxBackends)
	for i := 0; i < r.maxBackends; i++ {
		if r.inUse[i] {
			out = append(out, r.procs[i])
		}
	}
	return out
}

// WaitForCheckpointDelay blocks until no backend is delaying checkpoints.
func (r *Registry) WaitForCheckpointDelay(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		delaying := false
		for _, b := range r.Active() {
			if b.DelayingCheckpoint() {
				delaying = true
				break
			}
		}
		if !delaying {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
