package progress

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type recordingHub struct {
	mu     sync.Mutex
	events []string
	last   Activity
}

func (h *recordingHub) Broadcast(msgType string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, msgType)
	if a, ok := payload.(Activity); ok {
		h.last = a
	}
	return nil
}

func TestTracker_Lifecycle(t *testing.T) {
	hub := &recordingHub{}
	m := NewManager(hub, zerolog.Nop())

	tr := m.Start(ActivityVerify, "Verify library")
	if tr.ID() == "" {
		t.Fatal("expected activity id")
	}

	tr.Step("item 1", 1, 4)
	a, ok := m.Get(tr.ID())
	if !ok {
		t.Fatal("activity not tracked")
	}
	if a.Progress != 25 || a.Subtitle != "item 1" {
		t.Errorf("activity = %+v, want progress 25", a)
	}

	tr.Complete("done")
	tr.Step("late update", 2, 4)

	a, _ = m.Get(tr.ID())
	if a.Status != StatusCompleted || a.Progress != 100 || a.CompletedAt == nil {
		t.Errorf("completed activity = %+v", a)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	want := []string{string(EventStarted), string(EventUpdate), string(EventCompleted)}
	if len(hub.events) != len(want) {
		t.Fatalf("events = %v, want %v", hub.events, want)
	}
	for i := range want {
		if hub.events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, hub.events[i], want[i])
		}
	}
}

func TestTracker_Fail(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())
	tr := m.Start(ActivityMetadataRefresh, "Refresh")
	tr.SetMetadata("items", 3)
	tr.Fail("origin unreachable")

	a, _ := m.Get(tr.ID())
	if a.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", a.Status)
	}
	if a.Metadata["error"] != "origin unreachable" || a.Metadata["items"] != 3 {
		t.Errorf("Metadata = %v", a.Metadata)
	}
	if len(m.List()) != 1 {
		t.Errorf("List() len = %d, want 1", len(m.List()))
	}
}

func TestNilManager(t *testing.T) {
	var m *Manager
	tr := m.Start(ActivityRemove, "noop")
	tr.Step("x", 1, 2)
	tr.Complete("ok")
}
