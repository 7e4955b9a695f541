package schedule

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomengine/loom/internal/store"
)

// mockJobStore satisfies store.Store for scheduler tests.
type mockJobStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{jobs: make(map[string]*store.ScheduledJob)}
}

func (m *mockJobStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockJobStore) GetScheduledJob(_ context.Context, id string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockJobStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.GraphID != "" && j.GraphID != filter.GraphID {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockJobStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	GraphID string
	Scope   []string
}

func (r *mockRunner) RunScheduled(_ context.Context, graphID string, scope []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{GraphID: graphID, Scope: scope})
	return r.err
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, runner GraphRunner) *Scheduler {
	return NewScheduler(s, runner, slog.Default())
}

func dueJob(id, graphID string, nextRunAt *time.Time, enabled bool) *store.ScheduledJob {
	return &store.ScheduledJob{
		ID:             id,
		GraphID:        graphID,
		CronExpression: "0 * * * *",
		Enabled:        enabled,
		NextRunAt:      nextRunAt,
	}
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockJobStore(), &mockRunner{})
	from := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickRunsDueJobs(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-1", "g1", &past, true)))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "g1", runner.calls[0].GraphID)

	got, _ := ms.GetScheduledJob(ctx, "job-1")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestTickSkipsNotDueJobs(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-future", "g1", &future, true)))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestTickPassesScope(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	job := dueJob("job-scoped", "g1", nil, true)
	job.Scope = []string{"grp-renders"}
	require.NoError(t, ms.CreateScheduledJob(ctx, job))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, []string{"grp-renders"}, runner.calls[0].Scope)
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-missed", "g1", &past, true)))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount())

	got, _ := ms.GetScheduledJob(ctx, "job-missed")
	assert.Equal(t, "success", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDisabledJobsSkipped(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-disabled", "g1", &past, false)))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestJobRunFailure(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{err: assert.AnError}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-fail", "g1", &past, true)))

	sched.tick(ctx)

	got, _ := ms.GetScheduledJob(ctx, "job-fail")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockJobStore(), &mockRunner{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()

	// Job with nil NextRunAt is treated as overdue.
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-nil-next", "g1", nil, true)))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-dedup", "g1", &past, true)))

	// Pre-acquire the job to simulate an in-flight execution.
	acquired := sched.tryAcquire("job-dedup")
	assert.True(t, acquired)

	// Tick should skip the job because it's in-flight.
	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	// Release and tick again; now it should run.
	sched.releaseJob("job-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-release", "g1", &past, true)))

	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	// Inflight is released after the tick; make it due again.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateScheduledJob(ctx, "job-release", store.ScheduledJobUpdate{
		NextRunAt: &past2,
	}))

	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestMultipleJobsSomeDue(t *testing.T) {
	ms := newMockJobStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("due-1", "graph-a", &past, true)))
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("not-due", "graph-b", &future, true)))
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("due-2", "graph-c", nil, true)))

	sched.tick(ctx)

	assert.Equal(t, 2, runner.callCount())
	runner.mu.Lock()
	graphs := make([]string, len(runner.calls))
	for i, c := range runner.calls {
		graphs[i] = c.GraphID
	}
	runner.mu.Unlock()
	assert.Contains(t, graphs, "graph-a")
	assert.Contains(t, graphs, "graph-c")
	assert.NotContains(t, graphs, "graph-b")
}
