package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/causa/internal/common"
	"github.com/ternarybob/causa/internal/models"
	"github.com/ternarybob/causa/internal/progress"
)

func newServiceHarness(t *testing.T) (*Service, *harness) {
	t.Helper()
	h := newHarness(t)
	tracker := progress.NewTracker(h.store, h.bus, common.GetLogger())
	orch := NewOrchestrator(h.store, tracker, h.tools, h.registry, time.Second, common.GetLogger())
	pool := NewPool(h.store, orch, 2, 10*time.Millisecond, common.GetLogger())
	service := NewService(h.store, h.registry, pool, common.GetLogger())
	return service, h
}

func validPlan() []models.PhaseDescriptor {
	return []models.PhaseDescriptor{
		{Name: "first", Order: 0, Weight: 40, Required: true},
		{Name: "second", Order: 1, Weight: 60, Required: true},
	}
}

func TestService_CreateJob(t *testing.T) {
	service, h := newServiceHarness(t)
	require.NoError(t, h.registry.Register("first", succeedWith(`{}`)))
	require.NoError(t, h.registry.Register("second", succeedWith(`{}`)))

	job, err := service.CreateJob(context.Background(), "case-7", validPlan(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "case-7", stored.SubjectRef)
}

func TestService_CreateJob_Validation(t *testing.T) {
	service, h := newServiceHarness(t)
	require.NoError(t, h.registry.Register("first", succeedWith(`{}`)))
	require.NoError(t, h.registry.Register("second", succeedWith(`{}`)))

	tests := []struct {
		name       string
		subjectRef string
		plan       []models.PhaseDescriptor
	}{
		{
			name:       "weights must sum to 100",
			subjectRef: "case-7",
			plan: []models.PhaseDescriptor{
				{Name: "first", Order: 0, Weight: 40, Required: true},
				{Name: "second", Order: 1, Weight: 50, Required: true},
			},
		},
		{
			name:       "unregistered phase handler",
			subjectRef: "case-7",
			plan: []models.PhaseDescriptor{
				{Name: "first", Order: 0, Weight: 40, Required: true},
				{Name: "nonexistent", Order: 1, Weight: 60, Required: true},
			},
		},
		{
			name:       "empty subject ref",
			subjectRef: "",
			plan:       validPlan(),
		},
		{
			name:       "empty plan",
			subjectRef: "case-7",
			plan:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CreateJob(context.Background(), tt.subjectRef, tt.plan, nil)
			assert.Error(t, err)
		})
	}
}

func TestService_Cancel(t *testing.T) {
	service, h := newServiceHarness(t)
	require.NoError(t, h.registry.Register("first", succeedWith(`{}`)))
	require.NoError(t, h.registry.Register("second", succeedWith(`{}`)))

	job, err := service.CreateJob(context.Background(), "case-7", validPlan(), nil)
	require.NoError(t, err)

	require.NoError(t, service.Cancel(context.Background(), job.ID))

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)

	// Cancelling twice is a no-op
	require.NoError(t, service.Cancel(context.Background(), job.ID))

	assert.Error(t, service.Cancel(context.Background(), "job_missing"))
}

func TestService_CancelTerminalJobRejected(t *testing.T) {
	service, h := newServiceHarness(t)

	job := queuedJob(validPlan())
	job.MarkCompleted()
	require.NoError(t, h.store.SaveJob(context.Background(), job))

	err := service.Cancel(context.Background(), job.ID)
	assert.Error(t, err)
}

// A completion that reaches the store first must win: the cancel request is
// rejected and the completed record keeps its result.
func TestService_CancelPreservesCompletedRecord(t *testing.T) {
	service, h := newServiceHarness(t)

	job := queuedJob(validPlan())
	job.MergeResult("second", json.RawMessage(`{"sections":["summary"]}`))
	job.MarkCompleted()
	require.NoError(t, h.store.SaveJob(context.Background(), job))

	assert.Error(t, service.Cancel(context.Background(), job.ID))

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.False(t, stored.CancelRequested)
	assert.JSONEq(t, `{"sections":["summary"]}`, string(stored.Result["second"]))
}

func TestPool_ProcessesQueuedJobs(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("only", succeedWith(`{"done":true}`)))

	tracker := progress.NewTracker(h.store, h.bus, common.GetLogger())
	orch := NewOrchestrator(h.store, tracker, h.tools, h.registry, time.Second, common.GetLogger())
	pool := NewPool(h.store, orch, 2, 10*time.Millisecond, common.GetLogger())

	job := queuedJob([]models.PhaseDescriptor{
		{Name: "only", Order: 0, Weight: 100, Required: true},
	})
	require.NoError(t, h.store.SaveJob(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	pool.Enqueue(job.ID)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := h.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		if stored != nil && stored.IsTerminal() {
			assert.Equal(t, models.JobStatusCompleted, stored.Status)
			assert.JSONEq(t, `{"done":true}`, string(stored.Result["only"]))
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
}

func TestPool_PollerPicksUpPersistedJobs(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("only", succeedWith(`{}`)))

	tracker := progress.NewTracker(h.store, h.bus, common.GetLogger())
	orch := NewOrchestrator(h.store, tracker, h.tools, h.registry, time.Second, common.GetLogger())
	pool := NewPool(h.store, orch, 1, 10*time.Millisecond, common.GetLogger())

	// Saved directly, never enqueued: only the poller can find it
	job := queuedJob([]models.PhaseDescriptor{
		{Name: "only", Order: 0, Weight: 100, Required: true},
	})
	require.NoError(t, h.store.SaveJob(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := h.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		if stored != nil && stored.Status == models.JobStatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("poller never picked up the queued job")
}

func TestOutcomeConstructors(t *testing.T) {
	success := Success(json.RawMessage(`{"x":1}`))
	assert.Equal(t, OutcomeSuccess, success.Kind)
	assert.JSONEq(t, `{"x":1}`, string(success.Partial))

	skipped := Skipped("nothing to do")
	assert.Equal(t, OutcomeSkipped, skipped.Kind)
	assert.Equal(t, "nothing to do", skipped.Reason)
}
