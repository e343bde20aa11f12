package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/causa/internal/common"
	"github.com/ternarybob/causa/internal/interfaces"
	"github.com/ternarybob/causa/internal/models"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*models.Job)}
}

func (s *memJobStore) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memJobStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id], nil
}

func (s *memJobStore) RequestCancel(ctx context.Context, id string) error { return nil }

func (s *memJobStore) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return nil, nil
}

func (s *memJobStore) GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return nil, nil
}

func (s *memJobStore) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	return 0, nil
}

func (s *memJobStore) DeleteJob(ctx context.Context, id string) error { return nil }

func (s *memJobStore) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

type memDeliveryStore struct {
	mu         sync.Mutex
	deliveries map[string]*models.WebhookDelivery
}

func newMemDeliveryStore() *memDeliveryStore {
	return &memDeliveryStore{deliveries: make(map[string]*models.WebhookDelivery)}
}

func (s *memDeliveryStore) SaveDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *delivery
	s.deliveries[delivery.ID] = &saved
	return nil
}

func (s *memDeliveryStore) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[id]
	if !ok {
		return nil, nil
	}
	copied := *delivery
	return &copied, nil
}

func (s *memDeliveryStore) GetDeliveriesByJob(ctx context.Context, jobID string) ([]*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WebhookDelivery
	for _, delivery := range s.deliveries {
		if delivery.JobID == jobID {
			copied := *delivery
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memDeliveryStore) GetPendingDeliveries(ctx context.Context) ([]*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WebhookDelivery
	for _, delivery := range s.deliveries {
		if delivery.Status == models.DeliveryStatusPending {
			copied := *delivery
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memDeliveryStore) DeleteTerminalDeliveriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func subscribedJob(url string, events ...models.EventType) *models.Job {
	if len(events) == 0 {
		events = []models.EventType{models.EventStarted, models.EventProgress, models.EventCompleted, models.EventFailed}
	}
	return &models.Job{
		ID:         "job_hook",
		SubjectRef: "case-7",
		Status:     models.JobStatusProcessing,
		Subscription: &models.WebhookSubscription{
			URL:              url,
			Secret:           "topsecret",
			SubscribedEvents: events,
		},
	}
}

func newTestDispatcher(t *testing.T, jobs interfaces.JobStorage, deliveries interfaces.DeliveryStorage) *Dispatcher {
	t.Helper()
	d := NewDispatcher(jobs, deliveries, &common.WebhooksConfig{AttemptTimeout: common.Duration(2 * time.Second)}, common.GetLogger())
	d.schedule = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func waitForTerminal(t *testing.T, store *memDeliveryStore, jobID string) *models.WebhookDelivery {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		deliveries, err := store.GetDeliveriesByJob(context.Background(), jobID)
		require.NoError(t, err)
		for _, delivery := range deliveries {
			if delivery.IsTerminal() {
				return delivery
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("delivery never reached a terminal state")
	return nil
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSignature = r.Header.Get(SignatureHeader)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	jobs := newMemJobStore()
	deliveries := newMemDeliveryStore()
	job := subscribedJob(server.URL)
	require.NoError(t, jobs.SaveJob(context.Background(), job))

	d := newTestDispatcher(t, jobs, deliveries)
	require.NoError(t, d.HandleEvent(context.Background(), interfaces.JobEvent{
		Type:       models.EventCompleted,
		JobID:      job.ID,
		SubjectRef: job.SubjectRef,
		Snapshot:   &models.ProgressSnapshot{JobID: job.ID, PercentComplete: 100, PhaseNumber: 2, TotalPhases: 2},
	}))

	delivery := waitForTerminal(t, deliveries, job.ID)
	assert.Equal(t, models.DeliveryStatusDelivered, delivery.Status)
	assert.Equal(t, 1, delivery.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, gotBody)
	assert.True(t, Verify("topsecret", gotBody, gotSignature))

	var payload models.WebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, models.EventCompleted, payload.Event)
	assert.Equal(t, delivery.ID, payload.DeliveryID)
	assert.Equal(t, "job_hook", payload.Data["job_id"])
	assert.Equal(t, "case-7", payload.Data["subject_ref"])
	assert.Equal(t, float64(100), payload.Data["percent_complete"])
}

func TestDispatcher_UnsubscribedEventIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for unsubscribed event")
	}))
	defer server.Close()

	jobs := newMemJobStore()
	deliveries := newMemDeliveryStore()
	job := subscribedJob(server.URL, models.EventCompleted, models.EventFailed)
	require.NoError(t, jobs.SaveJob(context.Background(), job))

	d := newTestDispatcher(t, jobs, deliveries)
	require.NoError(t, d.HandleEvent(context.Background(), interfaces.JobEvent{
		Type:  models.EventProgress,
		JobID: job.ID,
	}))

	time.Sleep(50 * time.Millisecond)
	all, err := deliveries.GetDeliveriesByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDispatcher_RetryExhaustionStopsAtAttemptCap(t *testing.T) {
	var count int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	jobs := newMemJobStore()
	deliveries := newMemDeliveryStore()
	job := subscribedJob(server.URL)
	require.NoError(t, jobs.SaveJob(context.Background(), job))

	d := newTestDispatcher(t, jobs, deliveries)
	require.NoError(t, d.HandleEvent(context.Background(), interfaces.JobEvent{
		Type:  models.EventCompleted,
		JobID: job.ID,
	}))

	delivery := waitForTerminal(t, deliveries, job.ID)
	assert.Equal(t, models.DeliveryStatusFailed, delivery.Status)
	assert.Equal(t, maxAttempts, delivery.Attempts)
	assert.NotEmpty(t, delivery.LastError)
	assert.Nil(t, delivery.NextRetryAt)

	// No further attempt after the terminal state
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, maxAttempts, count)
}

func TestDispatcher_RetryScheduleIsFixed(t *testing.T) {
	expected := []time.Duration{
		5 * time.Second,
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
		30 * time.Minute,
	}
	assert.Equal(t, expected, defaultRetrySchedule)
	assert.Equal(t, 5, maxAttempts)
}

func TestDispatcher_FailureNeverTouchesJobStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	jobs := newMemJobStore()
	deliveries := newMemDeliveryStore()
	job := subscribedJob(server.URL)
	job.Status = models.JobStatusCompleted
	require.NoError(t, jobs.SaveJob(context.Background(), job))

	d := newTestDispatcher(t, jobs, deliveries)
	require.NoError(t, d.HandleEvent(context.Background(), interfaces.JobEvent{
		Type:  models.EventCompleted,
		JobID: job.ID,
	}))

	delivery := waitForTerminal(t, deliveries, job.ID)
	assert.Equal(t, models.DeliveryStatusFailed, delivery.Status)

	stored, err := jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
}

func TestDispatcher_SameJobEventsLaunchInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []models.EventType
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload models.WebhookPayload
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		order = append(order, payload.Event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	jobs := newMemJobStore()
	deliveries := newMemDeliveryStore()
	job := subscribedJob(server.URL)
	require.NoError(t, jobs.SaveJob(context.Background(), job))

	d := newTestDispatcher(t, jobs, deliveries)
	ctx := context.Background()
	require.NoError(t, d.HandleEvent(ctx, interfaces.JobEvent{Type: models.EventStarted, JobID: job.ID}))
	require.NoError(t, d.HandleEvent(ctx, interfaces.JobEvent{Type: models.EventProgress, JobID: job.ID}))
	require.NoError(t, d.HandleEvent(ctx, interfaces.JobEvent{Type: models.EventCompleted, JobID: job.ID}))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, []models.EventType{models.EventStarted, models.EventProgress, models.EventCompleted}, order)
}

func TestDispatcher_ResumePending(t *testing.T) {
	var mu sync.Mutex
	received := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	jobs := newMemJobStore()
	deliveries := newMemDeliveryStore()
	job := subscribedJob(server.URL)
	require.NoError(t, jobs.SaveJob(context.Background(), job))

	// A delivery left pending by a previous run
	pending := &models.WebhookDelivery{
		ID:        common.NewDeliveryID(),
		JobID:     job.ID,
		EventType: models.EventCompleted,
		URL:       server.URL,
		Payload:   []byte(`{"event":"completed"}`),
		Status:    models.DeliveryStatusPending,
		Attempts:  2,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, deliveries.SaveDelivery(context.Background(), pending))

	d := newTestDispatcher(t, jobs, deliveries)
	require.NoError(t, d.ResumePending(context.Background()))

	delivery := waitForTerminal(t, deliveries, job.ID)
	assert.Equal(t, models.DeliveryStatusDelivered, delivery.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received)
}

// A job's launch queue should live only as long as it has work. A process
// dispatching many jobs must not hold a worker and channel per job forever.
func TestDispatcher_QueueReleasedAfterDrain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	jobs := newMemJobStore()
	deliveries := newMemDeliveryStore()
	job := subscribedJob(server.URL)
	require.NoError(t, jobs.SaveJob(context.Background(), job))

	d := newTestDispatcher(t, jobs, deliveries)
	require.NoError(t, d.HandleEvent(context.Background(), interfaces.JobEvent{Type: models.EventStarted, JobID: job.ID}))
	require.NoError(t, d.HandleEvent(context.Background(), interfaces.JobEvent{Type: models.EventCompleted, JobID: job.ID}))

	waitForDelivered(t, deliveries, job.ID, 2)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		remaining := len(d.jobQueues)
		d.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.mu.Lock()
	assert.Empty(t, d.jobQueues)
	d.mu.Unlock()

	// A later event for the same job gets a fresh worker
	require.NoError(t, d.HandleEvent(context.Background(), interfaces.JobEvent{Type: models.EventFailed, JobID: job.ID}))
	waitForDelivered(t, deliveries, job.ID, 3)
}

func waitForDelivered(t *testing.T, store *memDeliveryStore, jobID string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		all, err := store.GetDeliveriesByJob(context.Background(), jobID)
		require.NoError(t, err)
		delivered := 0
		for _, delivery := range all {
			if delivery.Status == models.DeliveryStatusDelivered {
				delivered++
			}
		}
		if delivered >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d delivered webhooks for %s", want, jobID)
}
