package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoy/internal/models"
	"convoy/internal/pipeline"
	"convoy/internal/scheduler"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeClient is an in-memory pipeline backend scripted per request ID.
type fakeClient struct {
	mu         sync.Mutex
	submitErr  map[string]error
	statusErr  map[string]error
	reports    map[string]pipeline.StatusReport
	handles    map[string]string // handle -> request ID
	submitted  []string          // request IDs in submission order
	nextHandle int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		submitErr: make(map[string]error),
		statusErr: make(map[string]error),
		reports:   make(map[string]pipeline.StatusReport),
		handles:   make(map[string]string),
	}
}

func (f *fakeClient) Submit(ctx context.Context, desc models.WorkDescriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr[desc.RequestID]; err != nil {
		return "", err
	}
	f.nextHandle++
	handle := fmt.Sprintf("exec-%d", f.nextHandle)
	f.handles[handle] = desc.RequestID
	f.submitted = append(f.submitted, desc.RequestID)
	if _, ok := f.reports[desc.RequestID]; !ok {
		f.reports[desc.RequestID] = pipeline.StatusReport{Stage: "intake"}
	}
	return handle, nil
}

func (f *fakeClient) GetStatus(ctx context.Context, handle string) (pipeline.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	requestID := f.handles[handle]
	if err := f.statusErr[requestID]; err != nil {
		return pipeline.StatusReport{}, err
	}
	return f.reports[requestID], nil
}

func (f *fakeClient) setReport(requestID string, report pipeline.StatusReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[requestID] = report
}

func (f *fakeClient) complete(requestID string) {
	f.setReport(requestID, pipeline.StatusReport{Terminal: true, Outcome: pipeline.OutcomeCompleted})
}

func (f *fakeClient) fail(requestID, msg string) {
	f.setReport(requestID, pipeline.StatusReport{Terminal: true, Outcome: pipeline.OutcomeFailed, Error: msg})
}

func (f *fakeClient) setStatusErr(requestID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.statusErr, requestID)
		return
	}
	f.statusErr[requestID] = err
}

func (f *fakeClient) submittedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func newScheduler(t *testing.T, client pipeline.Client, opts scheduler.Options) *scheduler.Scheduler {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = tick
	}
	s := scheduler.New(client, opts)
	t.Cleanup(s.Stop)
	return s
}

func batch(n int) []models.WorkDescriptor {
	descs := make([]models.WorkDescriptor, 0, n)
	for i := 1; i <= n; i++ {
		descs = append(descs, models.WorkDescriptor{
			RequestID:    fmt.Sprintf("req-%d", i),
			DocumentType: "invoice",
		})
	}
	return descs
}

func waitActiveCount(t *testing.T, s *scheduler.Scheduler, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Snapshot().Metrics.ActiveCount == n
	}, waitFor, tick, "expected %d active items", n)
}

func waitCompletedCount(t *testing.T, s *scheduler.Scheduler, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Snapshot().Completed) == n
	}, waitFor, tick, "expected %d completed items", n)
}

func findByRequest(items []models.WorkItem, requestID string) *models.WorkItem {
	for i := range items {
		if items[i].RequestID == requestID {
			return &items[i]
		}
	}
	return nil
}

func TestStartAdmitsUpToLimit(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 2})
	require.NoError(t, s.LoadBatch(batch(5)))

	s.Start()
	waitActiveCount(t, s, 2)

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Metrics.QueueLength)
	for _, item := range snap.Active {
		assert.Equal(t, models.ItemStatusProcessing, item.Status)
		assert.NotNil(t, item.StartedAt)
	}
	for _, item := range snap.Queued {
		assert.Equal(t, models.ItemStatusQueued, item.Status)
		assert.Nil(t, item.StartedAt)
	}

	// The ceiling holds while nothing completes.
	time.Sleep(10 * tick)
	assert.Equal(t, 2, s.Snapshot().Metrics.ActiveCount)
}

func TestActiveNeverExceedsLimit(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 3})
	require.NoError(t, s.LoadBatch(batch(8)))

	s.Start()
	for i := 1; i <= 8; i++ {
		requestID := fmt.Sprintf("req-%d", i)
		require.Eventually(t, func() bool {
			for _, id := range client.submittedOrder() {
				if id == requestID {
					return true
				}
			}
			return false
		}, waitFor, tick)
		assert.LessOrEqual(t, s.Snapshot().Metrics.ActiveCount, 3)
		client.complete(requestID)
	}
	waitCompletedCount(t, s, 8)
}

func TestFIFOAdmissionOrder(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(4)))

	s.Start()
	for i := 1; i <= 4; i++ {
		require.Eventually(t, func() bool {
			return len(client.submittedOrder()) == i
		}, waitFor, tick)
		client.complete(fmt.Sprintf("req-%d", i))
	}
	waitCompletedCount(t, s, 4)

	assert.Equal(t, []string{"req-1", "req-2", "req-3", "req-4"}, client.submittedOrder())
}

func TestBatchConservation(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 2})
	descs := batch(6)
	require.NoError(t, s.LoadBatch(descs))

	want := make(map[string]bool, len(descs))
	for _, item := range s.Snapshot().Queued {
		want[item.ID] = true
	}
	require.Len(t, want, 6)

	checkConservation := func() {
		snap := s.Snapshot()
		seen := make(map[string]int)
		for _, item := range snap.Queued {
			seen[item.ID]++
		}
		for _, item := range snap.Active {
			seen[item.ID]++
		}
		for _, item := range snap.Completed {
			seen[item.ID]++
		}
		require.Len(t, seen, 6, "item lost or invented")
		for id, count := range seen {
			require.Equal(t, 1, count, "item %s appears %d times", id, count)
			require.True(t, want[id], "unknown item %s", id)
		}
	}

	s.Start()
	for i := 1; i <= 6; i++ {
		requestID := fmt.Sprintf("req-%d", i)
		require.Eventually(t, func() bool {
			for _, id := range client.submittedOrder() {
				if id == requestID {
					return true
				}
			}
			return false
		}, waitFor, tick)
		checkConservation()
		client.complete(requestID)
		checkConservation()
	}
	waitCompletedCount(t, s, 6)
	checkConservation()
}

func TestPauseBlocksAdmissionOnly(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(2)))

	s.Start()
	waitActiveCount(t, s, 1)

	s.Pause()
	// The active item keeps polling while paused and may still complete.
	client.complete("req-1")
	waitCompletedCount(t, s, 1)

	// No admission happens while paused.
	time.Sleep(10 * tick)
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.Metrics.ActiveCount)
	assert.Equal(t, 1, snap.Metrics.QueueLength)

	s.Start()
	waitActiveCount(t, s, 1)
}

func TestStartAndPauseAreIdempotent(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 2})
	require.NoError(t, s.LoadBatch(batch(2)))

	s.Start()
	s.Start()
	waitActiveCount(t, s, 2)
	time.Sleep(10 * tick)
	// No duplicate admissions.
	assert.Len(t, client.submittedOrder(), 2)

	s.Pause()
	s.Pause()
	assert.False(t, s.Snapshot().Running)
}

func TestCompletionFreesSlot(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(2)))

	s.Start()
	waitActiveCount(t, s, 1)

	client.complete("req-1")
	waitCompletedCount(t, s, 1)

	snap := s.Snapshot()
	done := findByRequest(snap.Completed, "req-1")
	require.NotNil(t, done)
	assert.Equal(t, models.ItemStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.EndedAt)
	for _, stage := range done.Stages {
		assert.Equal(t, models.StageStatusCompleted, stage.Status)
	}

	// The freed slot admits the next queued item.
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return findByRequest(snap.Active, "req-2") != nil
	}, waitFor, tick)
}

func TestSubmitFailureGoesStraightToFailed(t *testing.T) {
	client := newFakeClient()
	client.submitErr["req-1"] = fmt.Errorf("backend unavailable")
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(2)))

	s.Start()
	waitCompletedCount(t, s, 1)

	snap := s.Snapshot()
	failed := findByRequest(snap.Completed, "req-1")
	require.NotNil(t, failed)
	assert.Equal(t, models.ItemStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "backend unavailable")
	assert.Empty(t, failed.Handle)
	require.NotNil(t, failed.EndedAt)

	// The failure does not block the sibling item.
	require.Eventually(t, func() bool {
		return findByRequest(s.Snapshot().Active, "req-2") != nil
	}, waitFor, tick)
}

func TestCancelActiveItem(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(2)))

	s.Start()
	waitActiveCount(t, s, 1)

	active := s.Snapshot().Active[0]
	require.NoError(t, s.Cancel(active.ID))

	snap := s.Snapshot()
	cancelled := findByRequest(snap.Completed, active.RequestID)
	require.NotNil(t, cancelled)
	assert.Equal(t, models.ItemStatusCancelled, cancelled.Status)
	assert.Empty(t, cancelled.Error)
	require.NotNil(t, cancelled.EndedAt)

	// Cancelling again, or cancelling a queued item, is a reported error.
	assert.ErrorIs(t, s.Cancel(active.ID), models.ErrNotActive)
	queued := findByRequest(snap.Queued, "req-2")
	if queued != nil {
		assert.ErrorIs(t, s.Cancel(queued.ID), models.ErrNotActive)
	}
}

func TestLoweringLimitNeverStopsActiveItems(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 3})
	require.NoError(t, s.LoadBatch(batch(5)))

	s.Start()
	waitActiveCount(t, s, 3)

	require.NoError(t, s.SetConcurrencyLimit(1))
	time.Sleep(10 * tick)
	assert.Equal(t, 3, s.Snapshot().Metrics.ActiveCount, "active items must not be force-stopped")

	// Items drain naturally; no admission until the count drops below the
	// new limit.
	client.complete("req-1")
	waitActiveCount(t, s, 2)
	time.Sleep(10 * tick)
	assert.Equal(t, 2, s.Snapshot().Metrics.ActiveCount)

	client.complete("req-2")
	client.complete("req-3")
	waitActiveCount(t, s, 1)
	time.Sleep(10 * tick)
	assert.Equal(t, 1, s.Snapshot().Metrics.ActiveCount, "only one admission at a time under the lowered limit")
}

func TestRaisingLimitAdmitsImmediately(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(3)))

	s.Start()
	waitActiveCount(t, s, 1)

	require.NoError(t, s.SetConcurrencyLimit(3))
	waitActiveCount(t, s, 3)
}

func TestSetConcurrencyLimitRejectsNonPositive(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})

	assert.ErrorIs(t, s.SetConcurrencyLimit(0), models.ErrInvalidLimit)
	assert.ErrorIs(t, s.SetConcurrencyLimit(-5), models.ErrInvalidLimit)
	assert.Equal(t, 1, s.Snapshot().Limit)
}

func TestLoadBatchRejectedWhileInFlight(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(2)))

	s.Start()
	waitActiveCount(t, s, 1)

	assert.ErrorIs(t, s.LoadBatch(batch(3)), models.ErrBatchInFlight)

	client.complete("req-1")
	client.complete("req-2")
	waitCompletedCount(t, s, 2)

	// Once drained, a new batch replaces everything.
	require.NoError(t, s.LoadBatch(batch(3)))
	snap := s.Snapshot()
	assert.Len(t, snap.Queued, 3)
	assert.Empty(t, snap.Completed)
}

func TestTransportErrorKeepsItemProcessing(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(1)))

	client.setStatusErr("req-1", fmt.Errorf("connection refused"))
	s.Start()
	waitActiveCount(t, s, 1)

	// Several poll cycles worth of transport errors leave the item alone.
	time.Sleep(10 * tick)
	snap := s.Snapshot()
	require.Len(t, snap.Active, 1)
	assert.Equal(t, models.ItemStatusProcessing, snap.Active[0].Status)

	// Recovery on a later cycle still completes the item.
	client.setStatusErr("req-1", nil)
	client.complete("req-1")
	waitCompletedCount(t, s, 1)
	assert.Equal(t, models.ItemStatusCompleted, s.Snapshot().Completed[0].Status)
}

func TestConsecutivePollFailuresCeiling(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1, MaxPollFailures: 3})
	require.NoError(t, s.LoadBatch(batch(1)))

	client.setStatusErr("req-1", fmt.Errorf("connection refused"))
	s.Start()
	waitCompletedCount(t, s, 1)

	failed := s.Snapshot().Completed[0]
	assert.Equal(t, models.ItemStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "gave up after 3 consecutive transport errors")
}

func TestRemoteFailurePropagatesMessage(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(1)))

	client.fail("req-1", "document rejected by validation")
	s.Start()
	waitCompletedCount(t, s, 1)

	failed := s.Snapshot().Completed[0]
	assert.Equal(t, models.ItemStatusFailed, failed.Status)
	assert.Equal(t, "document rejected by validation", failed.Error)
}

func TestProgressFollowsStagesAndNeverRegresses(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{
		Limit:  1,
		Stages: []string{"intake", "validation", "processing", "delivery"},
	})
	require.NoError(t, s.LoadBatch(batch(1)))

	s.Start()
	waitActiveCount(t, s, 1)

	client.setReport("req-1", pipeline.StatusReport{Stage: "validation"})
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.Active) == 1 && snap.Active[0].Progress == 50
	}, waitFor, tick)

	snap := s.Snapshot()
	stages := snap.Active[0].Stages
	assert.Equal(t, models.StageStatusCompleted, stages[0].Status)
	assert.Equal(t, models.StageStatusProcessing, stages[1].Status)
	assert.Equal(t, models.StageStatusPending, stages[2].Status)
	assert.Equal(t, models.StageStatusPending, stages[3].Status)

	// A stale report for an earlier stage never lowers progress.
	client.setReport("req-1", pipeline.StatusReport{Stage: "intake"})
	time.Sleep(10 * tick)
	assert.Equal(t, 50, s.Snapshot().Active[0].Progress)

	client.setReport("req-1", pipeline.StatusReport{Stage: "delivery"})
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.Active) == 1 && snap.Active[0].Progress == 100
	}, waitFor, tick)
}

func TestEndTimestampIsImmutable(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(1)))

	s.Start()
	client.complete("req-1")
	waitCompletedCount(t, s, 1)

	first := s.Snapshot().Completed[0]
	require.NotNil(t, first.EndedAt)

	// Further operations cannot touch a terminal item.
	assert.ErrorIs(t, s.Cancel(first.ID), models.ErrNotActive)
	time.Sleep(10 * tick)
	after := s.Snapshot().Completed[0]
	assert.Equal(t, first.Status, after.Status)
	assert.True(t, first.EndedAt.Equal(*after.EndedAt))
}

func TestWaitDrainsBatch(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 2})
	require.NoError(t, s.LoadBatch(batch(3)))

	for i := 1; i <= 3; i++ {
		client.complete(fmt.Sprintf("req-%d", i))
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.Metrics.QueueLength)
	assert.Equal(t, 0, snap.Metrics.ActiveCount)
	assert.Len(t, snap.Completed, 3)
	assert.Equal(t, 3, snap.Metrics.Succeeded)
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	client := newFakeClient()
	s := newScheduler(t, client, scheduler.Options{Limit: 1})
	require.NoError(t, s.LoadBatch(batch(1)))
	// Never started, so the batch cannot drain.

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestRecorderReceivesOutcomes(t *testing.T) {
	client := newFakeClient()
	rec := &recordingRecorder{}
	s := newScheduler(t, client, scheduler.Options{Limit: 2, Recorder: rec})
	require.NoError(t, s.LoadBatch(batch(2)))

	client.complete("req-1")
	client.fail("req-2", "boom")
	s.Start()
	waitCompletedCount(t, s, 2)

	require.Eventually(t, func() bool {
		return len(rec.items()) == 2
	}, waitFor, tick)
	statuses := make(map[string]string)
	for _, item := range rec.items() {
		statuses[item.RequestID] = item.Status
	}
	assert.Equal(t, models.ItemStatusCompleted, statuses["req-1"])
	assert.Equal(t, models.ItemStatusFailed, statuses["req-2"])
}

type recordingRecorder struct {
	mu       sync.Mutex
	recorded []models.WorkItem
}

func (r *recordingRecorder) RecordOutcome(ctx context.Context, item *models.WorkItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, *item)
	return nil
}

func (r *recordingRecorder) items() []models.WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.WorkItem, len(r.recorded))
	copy(out, r.recorded)
	return out
}
