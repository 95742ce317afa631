// Package scheduler implements the multi-request parallel processor: a
// FIFO queue of submitted work items, a bounded active set, and one status
// poller per in-flight item. All collection mutations are serialized behind
// the scheduler's mutex; pollers report results through scheduler entry
// points and never touch the collections directly.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"convoy/internal/models"
	"convoy/internal/pipeline"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultStages is used when no pipeline stage list is configured.
var DefaultStages = []string{"intake", "validation", "processing", "delivery"}

// Recorder persists the outcome of a finished work item. Recording is best
// effort; failures are logged and never affect item state.
type Recorder interface {
	RecordOutcome(ctx context.Context, item *models.WorkItem) error
}

// Options configures a Scheduler.
type Options struct {
	// Limit is the initial concurrency ceiling (minimum 1).
	Limit int
	// PollInterval is the cadence of each item's status poller.
	PollInterval time.Duration
	// MaxPollFailures fails an item after this many consecutive poll
	// transport errors. 0 means poll indefinitely.
	MaxPollFailures int
	// Stages is the ordered pipeline stage list used to derive progress.
	Stages []string
	// Recorder, when non-nil, receives every finished item.
	Recorder Recorder
}

// Metrics are derived counts exposed for display.
type Metrics struct {
	QueueLength       int `json:"queue_length"`
	ActiveCount       int `json:"active_count"`
	Succeeded         int `json:"succeeded"`
	FailedOrCancelled int `json:"failed_or_cancelled"`
}

// Snapshot is a deep copy of the observable scheduler state. It is safe to
// retain and read after concurrent scheduler activity continues.
type Snapshot struct {
	Running   bool              `json:"running"`
	Limit     int               `json:"limit"`
	Queued    []models.WorkItem `json:"queued"`
	Active    []models.WorkItem `json:"active"`
	Completed []models.WorkItem `json:"completed"`
	Metrics   Metrics           `json:"metrics"`
}

type activeEntry struct {
	item   *models.WorkItem
	cancel context.CancelFunc
}

// Scheduler owns the queue, active set, and completed set for one batch at
// a time.
type Scheduler struct {
	client          pipeline.Client
	interval        time.Duration
	maxPollFailures int
	stages          []string
	recorder        Recorder

	mu        sync.Mutex
	cond      *sync.Cond
	running   bool
	limit     int
	queue     []*models.WorkItem
	active    []*activeEntry
	completed []*models.WorkItem

	baseCtx context.Context
	stop    context.CancelFunc
}

// New creates a Scheduler around the given pipeline client.
func New(client pipeline.Client, opts Options) *Scheduler {
	limit := opts.Limit
	if limit < 1 {
		limit = 1
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	stages := opts.Stages
	if len(stages) == 0 {
		stages = DefaultStages
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		client:          client,
		interval:        interval,
		maxPollFailures: opts.MaxPollFailures,
		stages:          stages,
		recorder:        opts.Recorder,
		limit:           limit,
		baseCtx:         ctx,
		stop:            cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// LoadBatch replaces the queue, active set, and completed set with a fresh
// queue built from the given descriptors in submission order. It fails with
// models.ErrBatchInFlight while any item is still active.
func (s *Scheduler) LoadBatch(descs []models.WorkDescriptor) error {
	s.mu.Lock()
	if len(s.active) > 0 {
		s.mu.Unlock()
		return models.ErrBatchInFlight
	}

	queue := make([]*models.WorkItem, 0, len(descs))
	for i, desc := range descs {
		requestID := desc.RequestID
		if requestID == "" {
			requestID = fmt.Sprintf("request-%d", i+1)
			desc.RequestID = requestID
		}
		queue = append(queue, &models.WorkItem{
			ID:         uuid.NewString(),
			RequestID:  requestID,
			Descriptor: desc,
			Status:     models.ItemStatusQueued,
			Stages:     s.newStages(),
			CreatedAt:  time.Now(),
		})
	}
	s.queue = queue
	s.completed = nil
	running := s.running
	s.mu.Unlock()

	log.Infof("Loaded batch of %d work items", len(queue))
	if running {
		s.fill()
	}
	return nil
}

// Start enables admission. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	log.Info("Scheduler started")
	s.fill()
}

// Pause blocks further admission. Items already active keep polling and may
// still complete. Idempotent.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Info("Scheduler paused")
}

// SetConcurrencyLimit changes the admission ceiling. Raising it may admit
// more items immediately; lowering it never stops active items, it only
// throttles future admissions.
func (s *Scheduler) SetConcurrencyLimit(n int) error {
	if n < 1 {
		return models.ErrInvalidLimit
	}

	s.mu.Lock()
	prev := s.limit
	s.limit = n
	s.mu.Unlock()

	if n != prev {
		log.Infof("Concurrency limit changed from %d to %d", prev, n)
	}
	if n > prev {
		s.fill()
	}
	return nil
}

// Cancel marks an active item cancelled, stops its poller, and frees its
// slot. Returns models.ErrNotActive if the item is not currently active.
func (s *Scheduler) Cancel(itemID string) error {
	if !s.conclude(itemID, models.ItemStatusCancelled, "") {
		return models.ErrNotActive
	}
	return nil
}

// Snapshot returns a deep copy of the observable state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:   s.running,
		Limit:     s.limit,
		Queued:    make([]models.WorkItem, 0, len(s.queue)),
		Active:    make([]models.WorkItem, 0, len(s.active)),
		Completed: make([]models.WorkItem, 0, len(s.completed)),
	}
	for _, it := range s.queue {
		snap.Queued = append(snap.Queued, copyItem(it))
	}
	for _, entry := range s.active {
		snap.Active = append(snap.Active, copyItem(entry.item))
	}
	for _, it := range s.completed {
		snap.Completed = append(snap.Completed, copyItem(it))
		switch it.Status {
		case models.ItemStatusCompleted:
			snap.Metrics.Succeeded++
		case models.ItemStatusFailed, models.ItemStatusCancelled:
			snap.Metrics.FailedOrCancelled++
		}
	}
	snap.Metrics.QueueLength = len(s.queue)
	snap.Metrics.ActiveCount = len(s.active)
	return snap
}

// Wait blocks until the queue and active set are both empty, or the context
// is cancelled.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue)+len(s.active) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// Stop pauses admission and tears down all pollers. The scheduler cannot be
// reused afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.cond.Broadcast()
	s.mu.Unlock()
	s.stop()
}

// fill admits queued items while the scheduler is running and slots are
// free. Pops happen under the lock in strict FIFO order; the remote submit
// runs on the admitted item's own goroutine.
func (s *Scheduler) fill() {
	for {
		s.mu.Lock()
		if !s.running || len(s.active) >= s.limit || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		now := time.Now()
		item.Status = models.ItemStatusProcessing
		item.StartedAt = &now
		ctx, cancel := context.WithCancel(s.baseCtx)
		s.active = append(s.active, &activeEntry{item: item, cancel: cancel})
		s.mu.Unlock()

		log.WithFields(log.Fields{"item": item.ID, "request": item.RequestID}).Info("Admitted work item")
		go s.launch(ctx, item)
	}
}

// launch submits the item remotely and, on success, runs its status poller
// until a terminal state or cancellation.
func (s *Scheduler) launch(ctx context.Context, item *models.WorkItem) {
	handle, err := s.client.Submit(ctx, item.Descriptor)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled while submitting; conclude already ran.
			return
		}
		log.WithFields(log.Fields{"item": item.ID, "request": item.RequestID}).Warnf("Submission failed: %v", err)
		s.conclude(item.ID, models.ItemStatusFailed, fmt.Sprintf("submission failed: %v", err))
		return
	}

	s.mu.Lock()
	if s.findActiveLocked(item.ID) == nil {
		// Cancelled while the submit call was in flight.
		s.mu.Unlock()
		return
	}
	item.Handle = handle
	s.mu.Unlock()

	p := &poller{
		client:      s.client,
		itemID:      item.ID,
		handle:      handle,
		interval:    s.interval,
		maxFailures: s.maxPollFailures,
		sink:        s,
	}
	p.run(ctx)
}

// stageObserved applies a non-terminal poll result. Progress and stage
// sub-states are derived from the reported stage's position and never
// regress.
func (s *Scheduler) stageObserved(itemID, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.findActiveLocked(itemID)
	if entry == nil {
		return
	}
	idx := s.stageIndex(stage)
	if idx < 0 {
		log.Warnf("Unknown pipeline stage %q reported for item %s", stage, itemID)
		return
	}

	progress := int(math.Round(float64(idx+1) / float64(len(s.stages)) * 100))
	item := entry.item
	if progress < item.Progress {
		return
	}
	item.Progress = progress
	for i := range item.Stages {
		switch {
		case i < idx:
			item.Stages[i].Status = models.StageStatusCompleted
		case i == idx:
			if item.Stages[i].Status != models.StageStatusCompleted {
				item.Stages[i].Status = models.StageStatusProcessing
			}
		}
	}
}

// terminalObserved applies a terminal poll result.
func (s *Scheduler) terminalObserved(itemID, outcome, errMsg string) {
	if outcome == pipeline.OutcomeCompleted {
		s.conclude(itemID, models.ItemStatusCompleted, "")
		return
	}
	s.conclude(itemID, models.ItemStatusFailed, errMsg)
}

// conclude moves an active item to the completed set with the given
// terminal status. It reports whether the item was active; calling it for
// an item that already left the active set is a no-op, so concurrent
// terminal events cannot double-free a slot.
func (s *Scheduler) conclude(itemID, status, errMsg string) bool {
	s.mu.Lock()
	idx := -1
	for i, entry := range s.active {
		if entry.item.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}

	entry := s.active[idx]
	s.active = append(s.active[:idx], s.active[idx+1:]...)
	entry.cancel()

	item := entry.item
	item.Status = status
	if item.EndedAt == nil {
		now := time.Now()
		item.EndedAt = &now
	}
	switch status {
	case models.ItemStatusCompleted:
		item.Progress = 100
		for i := range item.Stages {
			item.Stages[i].Status = models.StageStatusCompleted
		}
	case models.ItemStatusFailed:
		item.Error = errMsg
		if item.Error == "" {
			item.Error = "request failed"
		}
	}
	s.completed = append(s.completed, item)

	recorder := s.recorder
	record := copyItem(item)
	s.cond.Broadcast()
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"item":    itemID,
		"request": record.RequestID,
		"status":  status,
	}).Info("Work item finished")

	if recorder != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := recorder.RecordOutcome(ctx, &record); err != nil {
				log.Warnf("Failed to record outcome for item %s: %v", itemID, err)
			}
		}()
	}

	s.fill()
	return true
}

func (s *Scheduler) findActiveLocked(itemID string) *activeEntry {
	for _, entry := range s.active {
		if entry.item.ID == itemID {
			return entry
		}
	}
	return nil
}

func (s *Scheduler) stageIndex(name string) int {
	for i, stage := range s.stages {
		if stage == name {
			return i
		}
	}
	return -1
}

func (s *Scheduler) newStages() []models.Stage {
	stages := make([]models.Stage, len(s.stages))
	for i, name := range s.stages {
		stages[i] = models.Stage{Name: name, Status: models.StageStatusPending}
	}
	return stages
}

func copyItem(item *models.WorkItem) models.WorkItem {
	cp := *item
	cp.Stages = make([]models.Stage, len(item.Stages))
	copy(cp.Stages, item.Stages)
	return cp
}
