package queue

import "sync"

// Handle is a live worker process.
type Handle interface {
	PID() int
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// Terminate asks the process to stop. It does not wait for exit.
	Terminate() error
}

// registry maps record ids to live worker handles. It is owned by one
// Manager.
type registry struct {
	mu      sync.Mutex
	handles map[int64]Handle
}

func newRegistry() *registry {
	return &registry{handles: make(map[int64]Handle)}
}

func (r *registry) register(id int64, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = h
}

func (r *registry) get(id int64) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// remove drops the entry for id if it still refers to h.
func (r *registry) remove(id int64, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[id]; ok && cur == h {
		delete(r.handles, id)
	}
}

// alive reports whether id has a registered handle whose process, if pid
// is non-zero, matches and has not finished.
func (r *registry) alive(id int64, pid int) bool {
	h, ok := r.get(id)
	if !ok {
		return false
	}
	if pid != 0 && h.PID() != pid {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

func (r *registry) snapshot() map[int64]Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]Handle, len(r.handles))
	for id, h := range r.handles {
		out[id] = h
	}
	return out
}
