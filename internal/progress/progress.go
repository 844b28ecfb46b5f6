// Package progress tracks long-running maintenance passes and broadcasts
// their state to connected websocket clients.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ActivityType identifies the kind of pass being tracked.
type ActivityType string

const (
	ActivityVerify          ActivityType = "verify-files"
	ActivityDerivatives     ActivityType = "find-derivatives"
	ActivityRedownload      ActivityType = "redownload"
	ActivityRemove          ActivityType = "remove-derivatives"
	ActivityMetadataRefresh ActivityType = "metadata-refresh"
)

// Status represents the current state of an activity.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Activity is one tracked pass.
type Activity struct {
	ID          string         `json:"id"`
	Type        ActivityType   `json:"type"`
	Title       string         `json:"title"`
	Subtitle    string         `json:"subtitle"`
	Progress    int            `json:"progress"` // 0-100, -1 for indeterminate
	Status      Status         `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt"`
	Metadata    map[string]any `json:"metadata"`
}

// EventType identifies the type of progress event.
type EventType string

const (
	EventStarted   EventType = "progress:started"
	EventUpdate    EventType = "progress:update"
	EventCompleted EventType = "progress:completed"
	EventError     EventType = "progress:error"
)

// Broadcaster fans events out to clients.
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// Manager tracks and broadcasts progress for all activities. Finished
// activities stay visible for a short retention window.
type Manager struct {
	hub        Broadcaster
	activities map[string]*Activity
	mu         sync.RWMutex
	retention  time.Duration
	logger     zerolog.Logger
}

// NewManager creates a new progress manager. hub may be nil.
func NewManager(hub Broadcaster, logger zerolog.Logger) *Manager {
	return &Manager{
		hub:        hub,
		activities: make(map[string]*Activity),
		retention:  10 * time.Second,
		logger:     logger.With().Str("component", "progress").Logger(),
	}
}

// Start begins tracking a new activity and returns its tracker. A nil
// Manager returns a tracker that does nothing.
func (m *Manager) Start(activityType ActivityType, title string) *Tracker {
	if m == nil {
		return &Tracker{}
	}

	id := uuid.NewString()
	activity := &Activity{
		ID:        id,
		Type:      activityType,
		Title:     title,
		Subtitle:  "Starting...",
		Status:    StatusInProgress,
		StartedAt: time.Now(),
		Metadata:  make(map[string]any),
	}

	m.mu.Lock()
	m.activities[id] = activity
	m.broadcast(EventStarted, activity)
	m.mu.Unlock()

	m.logger.Debug().Str("id", id).Str("type", string(activityType)).Msg("Activity started")
	return &Tracker{manager: m, id: id}
}

// Get returns a copy of an activity by ID.
func (m *Manager) Get(id string) (Activity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activities[id]
	if !ok {
		return Activity{}, false
	}
	return *a, true
}

// List returns copies of all tracked activities, oldest first.
func (m *Manager) List() []Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Activity, 0, len(m.activities))
	for _, a := range m.activities {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result
}

func (m *Manager) update(id, subtitle string, pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok || a.Status != StatusInProgress {
		return
	}
	a.Subtitle = subtitle
	a.Progress = pct
	m.broadcast(EventUpdate, a)
}

func (m *Manager) setMetadata(id, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.activities[id]; ok {
		a.Metadata[key] = value
	}
}

func (m *Manager) finish(id string, status Status, subtitle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok || a.Status != StatusInProgress {
		return
	}

	now := time.Now()
	a.Status = status
	a.Subtitle = subtitle
	a.CompletedAt = &now

	event := EventCompleted
	if status == StatusFailed {
		event = EventError
		a.Metadata["error"] = subtitle
	} else {
		a.Progress = 100
	}
	m.broadcast(event, a)

	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		delete(m.activities, id)
		m.mu.Unlock()
	})

	m.logger.Debug().Str("id", id).Str("status", string(status)).Msg("Activity finished")
}

// broadcast must be called with mu held; the payload is a copy.
func (m *Manager) broadcast(eventType EventType, a *Activity) {
	if m.hub == nil {
		return
	}
	snapshot := *a
	snapshot.Metadata = make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		snapshot.Metadata[k] = v
	}
	if err := m.hub.Broadcast(string(eventType), snapshot); err != nil {
		m.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to broadcast progress")
	}
}

// Tracker reports progress for one activity.
type Tracker struct {
	manager *Manager
	id      string
}

// ID returns the activity's ID.
func (t *Tracker) ID() string { return t.id }

// Step reports done of total units of work.
func (t *Tracker) Step(subtitle string, done, total int) {
	if t.manager == nil {
		return
	}
	pct := -1
	if total > 0 {
		pct = done * 100 / total
	}
	t.manager.update(t.id, subtitle, pct)
}

// SetMetadata attaches a value to the activity.
func (t *Tracker) SetMetadata(key string, value any) {
	if t.manager == nil {
		return
	}
	t.manager.setMetadata(t.id, key, value)
}

// Complete marks the activity as completed.
func (t *Tracker) Complete(subtitle string) {
	if t.manager == nil {
		return
	}
	t.manager.finish(t.id, StatusCompleted, subtitle)
}

// Fail marks the activity as failed.
func (t *Tracker) Fail(message string) {
	if t.manager == nil {
		return
	}
	t.manager.finish(t.id, StatusFailed, message)
}
