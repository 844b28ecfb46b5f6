package queue

import (
	"context"
	"sync"

	"github.com/arcmirror/arcmirror/internal/origin"
)

type fakeHandle struct {
	pid        int
	done       chan struct{}
	mu         sync.Mutex
	terminated bool
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	return nil
}

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

type fakeRun struct {
	args   []string
	cb     Callbacks
	handle *fakeHandle
}

// exit simulates a normal worker exit: output handlers first, then Done.
func (r *fakeRun) exit(code int) {
	r.cb.OnExit(code)
	close(r.handle.done)
}

// crash simulates a worker that vanished without its exit being observed.
func (r *fakeRun) crash() {
	close(r.handle.done)
}

type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	runs    []*fakeRun
	failErr error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000}
}

func (l *fakeLauncher) Launch(_ context.Context, args []string, cb Callbacks) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return nil, l.failErr
	}
	l.nextPID++
	h := &fakeHandle{pid: l.nextPID, done: make(chan struct{})}
	l.runs = append(l.runs, &fakeRun{args: args, cb: cb, handle: h})
	return h, nil
}

func (l *fakeLauncher) run(i int) *fakeRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[i]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

func (l *fakeLauncher) setFail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failErr = err
}

type fakeResolver struct {
	md    *origin.Metadata
	err   error
	calls int
}

func (r *fakeResolver) Get(_ context.Context, _ string) (*origin.Metadata, error) {
	r.calls++
	return r.md, r.err
}

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) Broadcast(msgType string, _ interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, msgType)
	return nil
}

func (h *recordingHub) count(msgType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == msgType {
			n++
		}
	}
	return n
}
