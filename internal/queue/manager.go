package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arcmirror/arcmirror/internal/library"
	"github.com/arcmirror/arcmirror/internal/metrics"
	"github.com/arcmirror/arcmirror/internal/origin"
)

// Broadcaster publishes queue events to live clients.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// MetadataResolver returns item metadata, normally through the cache.
type MetadataResolver interface {
	Get(ctx context.Context, identifier string) (*origin.Metadata, error)
}

// Event types broadcast by the manager.
const (
	EventQueueState    = "queue:state"
	EventQueueProgress = "queue:progress"
)

// Config holds manager settings.
type Config struct {
	Concurrency  int
	CacheRoot    string
	SnapshotPath string
}

// ProgressEvent is broadcast for every progress line a worker reports.
type ProgressEvent struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier"`
	File       string `json:"file"`
	Progress   *int   `json:"progress,omitempty"`
	BytesDone  int64  `json:"bytesDone,omitempty"`
}

// Export is the structured-text view of the whole queue.
type Export struct {
	ExportedAt time.Time `json:"exportedAt"`
	Items      []Item    `json:"items"`
}

// Manager supervises worker processes for the queue. All state transitions
// run under one mutex, so checking for a free slot and claiming it is
// atomic; worker output callbacks only touch progress fields and rely on
// the store's version check.
type Manager struct {
	store    *Store
	registry *registry
	launcher Launcher
	resolver MetadataResolver
	hub      Broadcaster
	metrics  *metrics.Metrics
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	draining bool
	// baseCtx outlives individual requests; exit handlers use it.
	baseCtx context.Context
}

// NewManager creates a queue manager.
func NewManager(store *Store, launcher Launcher, resolver MetadataResolver, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 3
	}
	return &Manager{
		store:    store,
		registry: newRegistry(),
		launcher: launcher,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With().Str("component", "queue").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  context.Background(),
	}
}

// SetBroadcaster sets the event sink for queue updates.
func (m *Manager) SetBroadcaster(hub Broadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hub = hub
}

// SetMetrics enables Prometheus gauges for queue state.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mt
}

// Concurrency returns the configured ceiling.
func (m *Manager) Concurrency() int {
	return m.cfg.Concurrency
}

// List returns all records in FIFO order.
func (m *Manager) List(ctx context.Context) ([]Item, error) {
	return m.store.List(ctx)
}

// Get returns one record.
func (m *Manager) Get(ctx context.Context, id int64) (Item, error) {
	return m.store.Get(ctx, id)
}

// Lookup finds the record an (identifier, file) command refers to. With an
// empty file the newest record of the identifier is used, preferring one
// that is downloading.
func (m *Manager) Lookup(ctx context.Context, identifier, file string) (Item, error) {
	var (
		items []Item
		err   error
	)
	if file != "" {
		items, err = m.store.FindByPair(ctx, identifier, file)
	} else {
		items, err = m.store.FindByIdentifier(ctx, identifier)
	}
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, ErrNotFound
	}
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Active() {
			return items[i], nil
		}
	}
	return items[len(items)-1], nil
}

// Enqueue adds a job or resets an existing inactive record for the same
// (identifier, file) to queued, then tries to start the next job.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (Item, error) {
	req.Identifier = strings.TrimSpace(req.Identifier)
	if err := library.ValidateIdentifier(req.Identifier); err != nil {
		return Item{}, &ValidationError{Message: err.Error()}
	}
	if req.File != "" {
		if _, err := library.SanitizeRelPath(req.File); err != nil {
			return Item{}, &ValidationError{Message: err.Error()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return Item{}, ErrShuttingDown
	}

	existing, err := m.store.FindByPair(ctx, req.Identifier, req.File)
	if err != nil {
		return Item{}, err
	}
	for _, it := range existing {
		if it.Active() {
			return it, &ValidationError{Message: MsgAlreadyInProgress}
		}
	}

	var item Item
	if len(existing) > 0 {
		item, err = m.store.Update(ctx, existing[0].ID, func(it *Item) error {
			if it.Active() {
				return &ValidationError{Message: MsgAlreadyInProgress}
			}
			m.resetQueued(it)
			if req.Title != "" {
				it.Title = req.Title
			}
			if req.MediaType != "" {
				it.MediaType = req.MediaType
			}
			it.IsDerivative = req.IsDerivative
			return nil
		})
	} else {
		now := m.now()
		item, err = m.store.Insert(ctx, Item{
			Identifier:   req.Identifier,
			Title:        req.Title,
			MediaType:    req.MediaType,
			File:         req.File,
			IsDerivative: req.IsDerivative,
			Status:       StatusQueued,
			StartedAt:    &now,
		})
	}
	if err != nil {
		return item, err
	}

	m.logger.Info().
		Int64("id", item.ID).
		Str("identifier", item.Identifier).
		Str("file", item.File).
		Msg("Enqueued download")

	if _, err := m.startNextLocked(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to start next download after enqueue")
	}
	m.afterMutation(ctx)

	if fresh, err := m.store.Get(ctx, item.ID); err == nil {
		item = fresh
	}
	return item, nil
}

func (m *Manager) resetQueued(it *Item) {
	now := m.now()
	it.Status = StatusQueued
	it.StartedAt = &now
	it.CompletedAt = nil
	it.Progress = nil
	it.BytesDone = 0
	it.Error = ""
	it.PID = 0
}

// StartNext starts the oldest queued record if a slot is free. It returns
// nil when nothing was started.
func (m *Manager) StartNext(ctx context.Context) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.startNextLocked(ctx)
	m.afterMutation(ctx)
	return item, err
}

func (m *Manager) startNextLocked(ctx context.Context) (*Item, error) {
	if m.draining {
		return nil, nil
	}

	active, err := m.activeCountLocked(ctx)
	if err != nil {
		return nil, err
	}
	if active >= m.cfg.Concurrency {
		return nil, nil
	}

	next, err := m.store.NextQueued(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	started, err := m.startLocked(ctx, next)
	return &started, err
}

// StartAll starts queued records, oldest first, until the ceiling is hit.
func (m *Manager) StartAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation(ctx)

	if m.draining {
		return 0, ErrShuttingDown
	}

	active, err := m.activeCountLocked(ctx)
	if err != nil {
		return 0, err
	}
	free := m.cfg.Concurrency - active
	if free <= 0 {
		return 0, nil
	}

	queued, err := m.store.ListByStatus(ctx, StatusQueued)
	if err != nil {
		return 0, err
	}

	var errs []error
	started := 0
	for _, it := range queued {
		if started >= free {
			break
		}
		if _, err := m.startLocked(ctx, it); err != nil {
			errs = append(errs, err)
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

// Start starts a specific record. Used for records the caller has already
// decided to run; the concurrency ceiling still applies.
func (m *Manager) Start(ctx context.Context, id int64) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation(ctx)

	if m.draining {
		return Item{}, ErrShuttingDown
	}

	item, err := m.store.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if item.Active() {
		return item, &ValidationError{Message: MsgAlreadyInProgress}
	}

	active, err := m.activeCountLocked(ctx)
	if err != nil {
		return item, err
	}
	if active >= m.cfg.Concurrency {
		return item, &ValidationError{Message: fmt.Sprintf("concurrency limit of %d reached", m.cfg.Concurrency)}
	}
	return m.startLocked(ctx, item)
}

// Retry puts an inactive record back in the queue under its original
// position and starts it right away if a slot is free.
func (m *Manager) Retry(ctx context.Context, id int64) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation(ctx)

	if m.draining {
		return Item{}, ErrShuttingDown
	}

	item, err := m.store.Update(ctx, id, func(it *Item) error {
		if it.Active() {
			return &ValidationError{Message: MsgAlreadyInProgress}
		}
		m.resetQueued(it)
		return nil
	})
	if err != nil {
		return item, err
	}

	active, err := m.activeCountLocked(ctx)
	if err != nil {
		return item, err
	}
	if active >= m.cfg.Concurrency {
		return item, nil
	}
	return m.startLocked(ctx, item)
}

// startLocked resolves the target file if needed, spawns the worker and
// marks the record downloading. Caller holds m.mu.
func (m *Manager) startLocked(ctx context.Context, item Item) (Item, error) {
	if item.File == "" {
		resolved, err := m.resolveFile(ctx, item)
		if err != nil {
			failed, _ := m.markFailed(ctx, item.ID, err.Error())
			return failed, err
		}
		item = resolved
	}

	peers, err := m.store.FindByPair(ctx, item.Identifier, item.File)
	if err != nil {
		return item, err
	}
	for _, p := range peers {
		if p.ID != item.ID && p.Active() {
			failed, _ := m.markFailed(ctx, item.ID, MsgAlreadyInProgress)
			return failed, &ValidationError{Message: MsgAlreadyInProgress}
		}
	}

	runID := uuid.NewString()
	log := m.logger.With().
		Int64("id", item.ID).
		Str("run", runID).
		Str("identifier", item.Identifier).
		Str("file", item.File).
		Logger()

	args := []string{item.Identifier, m.cfg.CacheRoot, item.MediaType, item.File}
	launchedAt := m.now()

	run := &workerRun{ready: make(chan struct{})}
	h, err := m.launcher.Launch(m.baseCtx, args, m.callbacks(item.ID, run, launchedAt, log))
	if err != nil {
		perr := &ProcessError{ItemID: item.ID, Op: "spawn", Err: err}
		failed, _ := m.markFailed(ctx, item.ID, fmt.Sprintf("failed to start worker: %v", err))
		m.metrics.ObserveWorkerExit("spawn_failed", 0)
		log.Error().Err(err).Msg("Failed to spawn worker")
		return failed, perr
	}
	run.handle = h
	close(run.ready)
	m.registry.register(item.ID, h)

	updated, err := m.store.Update(ctx, item.ID, func(it *Item) error {
		zero := 0
		it.Status = StatusDownloading
		it.PID = h.PID()
		it.StartedAt = &launchedAt
		it.CompletedAt = nil
		it.Progress = &zero
		it.BytesDone = 0
		it.Error = ""
		it.File = item.File
		it.MediaType = item.MediaType
		it.Title = item.Title
		it.IsDerivative = item.IsDerivative
		return nil
	})
	if err != nil {
		_ = h.Terminate()
		m.registry.remove(item.ID, h)
		failed, _ := m.markFailed(ctx, item.ID, fmt.Sprintf("failed to record start: %v", err))
		return failed, err
	}

	log.Info().Int("pid", h.PID()).Msg("Started download")
	return updated, nil
}

// resolveFile picks the default file of an item from its metadata.
func (m *Manager) resolveFile(ctx context.Context, item Item) (Item, error) {
	if m.resolver == nil {
		return item, &origin.MetadataError{Identifier: item.Identifier, Err: errors.New("no metadata source configured")}
	}
	md, err := m.resolver.Get(ctx, item.Identifier)
	if err != nil {
		return item, err
	}
	f, err := library.PrimaryFile(md)
	if err != nil {
		return item, &origin.MetadataError{Identifier: item.Identifier, Err: err}
	}

	item.File = f.Name
	item.IsDerivative = library.IsDerivative(f)
	if item.MediaType == "" {
		item.MediaType = string(md.Metadata.MediaType)
	}
	if item.Title == "" {
		item.Title = string(md.Metadata.Title)
	}
	return item, nil
}

// workerRun lets output callbacks wait until Launch has returned the
// handle they belong to.
type workerRun struct {
	ready  chan struct{}
	handle Handle
}

func (m *Manager) callbacks(id int64, run *workerRun, launchedAt time.Time, log zerolog.Logger) Callbacks {
	// Output can arrive before the record is marked downloading; updates
	// are applied only to the run that owns the record.
	owns := func(it *Item) bool {
		return it.Status == StatusDownloading && it.PID == run.handle.PID()
	}

	update := func(apply func(*Item)) (Item, bool) {
		<-run.ready
		it, err := m.store.Update(m.baseCtx, id, func(it *Item) error {
			if !owns(it) {
				return errSkipUpdate
			}
			apply(it)
			return nil
		})
		if err != nil {
			log.Debug().Err(err).Msg("Failed to record worker output")
			return it, false
		}
		return it, owns(&it)
	}

	progressEvent := func(it Item) ProgressEvent {
		return ProgressEvent{
			ID:         id,
			Identifier: it.Identifier,
			File:       it.File,
			Progress:   it.Progress,
			BytesDone:  it.BytesDone,
		}
	}

	return Callbacks{
		OnProgress: func(percent int) {
			if it, ok := update(func(it *Item) { it.Progress = &percent }); ok {
				m.broadcast(EventQueueProgress, progressEvent(it))
			}
		},
		OnBytes: func(n int64) {
			if it, ok := update(func(it *Item) { it.BytesDone = n }); ok {
				m.broadcast(EventQueueProgress, progressEvent(it))
			}
		},
		OnStderr: func(text string) {
			update(func(it *Item) { it.Error = text })
		},
		OnExit: func(code int) {
			<-run.ready
			m.handleExit(id, run.handle, code, launchedAt, log)
		},
	}
}

// handleExit records the worker's outcome and chains the next job. Exits
// of runs that no longer own their record (cancelled, paused) change
// nothing and do not chain.
func (m *Manager) handleExit(id int64, h Handle, code int, launchedAt time.Time, log zerolog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := m.baseCtx
	defer m.registry.remove(id, h)

	outcome := "completed"
	transitioned := false
	_, err := m.store.Update(ctx, id, func(it *Item) error {
		if it.Status != StatusDownloading || it.PID != h.PID() {
			return errSkipUpdate
		}
		transitioned = true
		now := m.now()
		it.PID = 0
		it.CompletedAt = &now

		switch {
		case m.draining:
			outcome = "interrupted"
			it.Status = StatusQueued
			it.CompletedAt = nil
			it.Progress = nil
		case code == 0:
			full := 100
			it.Status = StatusCompleted
			it.Progress = &full
			it.Error = ""
		default:
			outcome = "failed"
			msg := fmt.Sprintf("process exited with code %d", code)
			if it.Error != "" {
				msg += ": " + it.Error
			}
			it.Status = StatusFailed
			it.Error = msg
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to record worker exit")
		return
	}
	if !transitioned {
		log.Debug().Int("code", code).Msg("Worker exited after losing its record")
		return
	}

	m.metrics.ObserveWorkerExit(outcome, m.now().Sub(launchedAt))
	log.Info().Int("code", code).Str("outcome", outcome).Msg("Worker finished")

	if _, err := m.startNextLocked(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to start next download")
	}
	m.afterMutation(ctx)
}

// Cancel stops the worker of a record, if one is alive, and marks the
// record failed. It does not wait for the process to exit.
func (m *Manager) Cancel(ctx context.Context, id int64) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation(ctx)

	if _, err := m.store.Get(ctx, id); err != nil {
		return Item{}, err
	}
	m.terminate(id)
	return m.markFailed(ctx, id, MsgCancelled)
}

// CancelAll cancels every downloading record.
func (m *Manager) CancelAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation(ctx)

	active, err := m.store.ListByStatus(ctx, StatusDownloading)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, it := range active {
		m.terminate(it.ID)
		if _, err := m.markFailed(ctx, it.ID, MsgCancelled); err != nil {
			errs = append(errs, err)
		}
	}
	return len(active), errors.Join(errs...)
}

// PauseAll stops every running worker and puts its record back to queued.
func (m *Manager) PauseAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation(ctx)

	active, err := m.store.ListByStatus(ctx, StatusDownloading)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, it := range active {
		m.terminate(it.ID)
		if _, err := m.store.Update(ctx, it.ID, func(it *Item) error {
			it.Status = StatusQueued
			it.PID = 0
			it.Progress = nil
			it.CompletedAt = nil
			it.Error = ""
			return nil
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return len(active), errors.Join(errs...)
}

// Clear removes completed and failed records.
func (m *Manager) Clear(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation(ctx)

	n, err := m.store.DeleteByStatus(ctx, StatusCompleted, StatusFailed)
	if err != nil {
		return 0, err
	}
	m.logger.Info().Int64("removed", n).Msg("Cleared finished downloads")
	return n, nil
}

// Reconcile marks downloading records whose worker is gone as failed and,
// like a worker exit, chains one start per freed slot. Queued records are
// never started otherwise, so a paused queue stays paused.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.reconcileLocked(ctx)
	if n == 0 {
		return n, err
	}
	for i := 0; i < n; i++ {
		started, serr := m.startNextLocked(ctx)
		if serr != nil {
			m.logger.Warn().Err(serr).Msg("Failed to start next download after reconcile")
		}
		if started == nil {
			break
		}
	}
	m.afterMutation(ctx)
	return n, err
}

func (m *Manager) reconcileLocked(ctx context.Context) (int, error) {
	downloading, err := m.store.ListByStatus(ctx, StatusDownloading)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, it := range downloading {
		if m.registry.alive(it.ID, it.PID) {
			continue
		}
		if _, err := m.store.Update(ctx, it.ID, func(cur *Item) error {
			if cur.Status != StatusDownloading || m.registry.alive(cur.ID, cur.PID) {
				return errSkipUpdate
			}
			now := m.now()
			cur.Status = StatusFailed
			cur.Error = MsgTerminated
			cur.PID = 0
			cur.CompletedAt = &now
			return nil
		}); err != nil {
			return reconciled, err
		}
		if h, ok := m.registry.get(it.ID); ok {
			m.registry.remove(it.ID, h)
		}
		reconciled++
		m.logger.Warn().
			Int64("id", it.ID).
			Str("identifier", it.Identifier).
			Int("pid", it.PID).
			Msg("Reconciled stale download")
	}
	return reconciled, nil
}

// ActiveCount reconciles stale records and returns the number downloading.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked(ctx)
}

func (m *Manager) activeCountLocked(ctx context.Context) (int, error) {
	if _, err := m.reconcileLocked(ctx); err != nil {
		return 0, err
	}
	items, err := m.store.ListByStatus(ctx, StatusDownloading)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Counts returns the number of records per status.
func (m *Manager) Counts(ctx context.Context) (map[Status]int, error) {
	return m.store.CountByStatus(ctx)
}

// Shutdown stops accepting work, terminates running workers and waits for
// them to exit or for ctx to end. Interrupted records go back to queued.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	handles := m.registry.snapshot()
	m.mu.Unlock()

	for id, h := range handles {
		if err := h.Terminate(); err != nil {
			m.logger.Warn().Err(err).Int64("id", id).Msg("Failed to terminate worker")
		}
	}

	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Export returns the queue as indented JSON.
func (m *Manager) Export(ctx context.Context) ([]byte, error) {
	items, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(Export{ExportedAt: m.now(), Items: items}, "", "  ")
}

func (m *Manager) terminate(id int64) {
	h, ok := m.registry.get(id)
	if !ok {
		return
	}
	if err := h.Terminate(); err != nil {
		m.logger.Warn().Err(err).Int64("id", id).Int("pid", h.PID()).Msg("Failed to signal worker")
	}
	m.registry.remove(id, h)
}

func (m *Manager) markFailed(ctx context.Context, id int64, msg string) (Item, error) {
	return m.store.Update(ctx, id, func(it *Item) error {
		now := m.now()
		it.Status = StatusFailed
		it.Error = msg
		it.PID = 0
		it.CompletedAt = &now
		return nil
	})
}

// afterMutation publishes the new queue state. Caller holds m.mu.
func (m *Manager) afterMutation(ctx context.Context) {
	if counts, err := m.store.CountByStatus(ctx); err == nil {
		labels := make(map[string]int, len(counts))
		for st, n := range counts {
			labels[string(st)] = n
		}
		m.metrics.SetQueueCounts(labels)
	}

	if m.hub == nil && m.cfg.SnapshotPath == "" {
		return
	}

	items, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to list queue for publishing")
		return
	}
	m.broadcast(EventQueueState, items)

	if m.cfg.SnapshotPath != "" {
		data, err := json.MarshalIndent(Export{ExportedAt: m.now(), Items: items}, "", "  ")
		if err == nil {
			err = library.AtomicWriteFile(m.cfg.SnapshotPath, data, 0o644)
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("path", m.cfg.SnapshotPath).Msg("Failed to write queue snapshot")
		}
	}
}

func (m *Manager) broadcast(msgType string, payload interface{}) {
	if m.hub == nil {
		return
	}
	if err := m.hub.Broadcast(msgType, payload); err != nil {
		m.logger.Debug().Err(err).Str("type", msgType).Msg("Broadcast failed")
	}
}
