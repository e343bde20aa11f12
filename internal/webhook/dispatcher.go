package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/common"
	"github.com/ternarybob/causa/internal/interfaces"
	"github.com/ternarybob/causa/internal/models"
)

// defaultRetrySchedule is the fixed delay applied after each failed attempt.
var defaultRetrySchedule = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// maxAttempts bounds the total attempts per delivery. The schedule is longer
// than needed so the cap, not the schedule, is the limit.
const maxAttempts = 5

// pendingDelivery pairs a delivery record with the subscription secret,
// which is never persisted on the record itself.
type pendingDelivery struct {
	delivery *models.WebhookDelivery
	secret   string
}

// Dispatcher delivers signed event payloads to subscriber URLs with bounded
// retry. Delivery outcome never feeds back into job status: a completed job
// whose webhook never arrives is still completed.
type Dispatcher struct {
	jobs       interfaces.JobStorage
	deliveries interfaces.DeliveryStorage
	client     *http.Client
	schedule   []time.Duration
	logger     arbor.ILogger

	mu        sync.Mutex
	jobQueues map[string]chan pendingDelivery
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher. The per-attempt timeout comes
// from configuration; retry delays are fixed.
func NewDispatcher(jobs interfaces.JobStorage, deliveries interfaces.DeliveryStorage, config *common.WebhooksConfig, logger arbor.ILogger) *Dispatcher {
	timeout := config.AttemptTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		jobs:       jobs,
		deliveries: deliveries,
		client:     &http.Client{Timeout: timeout},
		schedule:   defaultRetrySchedule,
		logger:     logger,
		jobQueues:  make(map[string]chan pendingDelivery),
		closed:     make(chan struct{}),
	}
}

// HandleEvent is the event bus subscription point. It records a delivery for
// each event a job's subscription covers and queues the first attempt in
// event-generation order for that job.
func (d *Dispatcher) HandleEvent(ctx context.Context, event interfaces.JobEvent) error {
	job, err := d.jobs.GetJob(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s for webhook dispatch: %w", event.JobID, err)
	}
	if job == nil || job.Subscription == nil || !job.Subscription.Subscribed(event.Type) {
		return nil
	}

	payload := models.WebhookPayload{
		Event:      event.Type,
		DeliveryID: common.NewDeliveryID(),
		Timestamp:  time.Now().UTC(),
		Data:       eventData(job, event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize webhook payload: %w", err)
	}

	hash := sha256.Sum256(body)
	delivery := &models.WebhookDelivery{
		ID:          payload.DeliveryID,
		JobID:       job.ID,
		EventType:   event.Type,
		URL:         job.Subscription.URL,
		Payload:     body,
		PayloadHash: hex.EncodeToString(hash[:]),
		Status:      models.DeliveryStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.deliveries.SaveDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("failed to persist delivery record: %w", err)
	}

	d.enqueue(pendingDelivery{delivery: delivery, secret: job.Subscription.Secret})
	return nil
}

// ResumePending re-queues deliveries left pending by a previous process run.
// Subscribers deduplicate by delivery_id, so a retry of an attempt that
// landed just before a crash is safe.
func (d *Dispatcher) ResumePending(ctx context.Context) error {
	pending, err := d.deliveries.GetPendingDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending deliveries: %w", err)
	}

	for _, delivery := range pending {
		job, err := d.jobs.GetJob(ctx, delivery.JobID)
		if err != nil || job == nil || job.Subscription == nil {
			d.logger.Warn().
				Str("delivery_id", delivery.ID).
				Str("job_id", delivery.JobID).
				Msg("Pending delivery has no resolvable subscription, marking failed")
			d.finish(ctx, delivery, models.DeliveryStatusFailed, "subscription no longer resolvable")
			continue
		}
		d.enqueue(pendingDelivery{delivery: delivery, secret: job.Subscription.Secret})
	}

	if len(pending) > 0 {
		d.logger.Info().Int("count", len(pending)).Msg("Resumed pending webhook deliveries")
	}
	return nil
}

// Close stops accepting work and waits for in-flight attempts. Sleeping
// retries are abandoned; their deliveries stay pending and are resumed on
// the next run.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	for _, queue := range d.jobQueues {
		close(queue)
	}
	d.jobQueues = make(map[string]chan pendingDelivery)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// enqueue hands a delivery to its job's FIFO launch queue, creating the
// queue worker on first use
func (d *Dispatcher) enqueue(item pendingDelivery) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.closed:
		return
	default:
	}

	jobID := item.delivery.JobID
	queue, ok := d.jobQueues[jobID]
	if !ok {
		queue = make(chan pendingDelivery, 16)
		d.jobQueues[jobID] = queue
		d.wg.Add(1)
		go d.runQueue(jobID, queue)
	}

	select {
	case queue <- item:
	default:
		// Queue saturated; launch out of band rather than block the bus
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(item)
		}()
	}
}

// runQueue issues first attempts for one job's deliveries in generation
// order. A delivery that fails its first attempt continues on an independent
// retry timeline so it never holds up later events. The worker retires once
// its queue drains; enqueue re-creates it if the job emits again. Ordering
// holds either way because only queued items compete for launch order.
func (d *Dispatcher) runQueue(jobID string, queue chan pendingDelivery) {
	defer d.wg.Done()
	for {
		select {
		case item, ok := <-queue:
			if !ok {
				return
			}
			if d.attempt(item) {
				continue
			}
			d.wg.Add(1)
			go func(item pendingDelivery) {
				defer d.wg.Done()
				d.retryLoop(item)
			}(item)
		default:
			// Drained. Retire under the lock so a concurrent enqueue either
			// lands before the re-check or finds the entry gone and starts a
			// fresh worker.
			d.mu.Lock()
			if len(queue) == 0 {
				if d.jobQueues[jobID] == queue {
					delete(d.jobQueues, jobID)
				}
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}

// deliver runs the full attempt sequence for one delivery
func (d *Dispatcher) deliver(item pendingDelivery) {
	if d.attempt(item) {
		return
	}
	d.retryLoop(item)
}

// retryLoop waits out the delay schedule between attempts until the delivery
// succeeds or the attempt cap is reached
func (d *Dispatcher) retryLoop(item pendingDelivery) {
	for {
		delivery := item.delivery
		if delivery.Status != models.DeliveryStatusPending {
			return
		}

		delay := d.schedule[delivery.Attempts-1]
		select {
		case <-time.After(delay):
		case <-d.closed:
			return
		}

		if d.attempt(item) {
			return
		}
	}
}

// attempt performs one signed POST. Returns true when the delivery reached a
// terminal state (delivered, or failed permanently).
func (d *Dispatcher) attempt(item pendingDelivery) bool {
	delivery := item.delivery
	delivery.Attempts++

	err := d.post(delivery, item.secret)
	if err == nil {
		d.finish(context.Background(), delivery, models.DeliveryStatusDelivered, "")
		d.logger.Info().
			Str("delivery_id", delivery.ID).
			Str("job_id", delivery.JobID).
			Str("event", string(delivery.EventType)).
			Int("attempts", delivery.Attempts).
			Msg("Webhook delivered")
		return true
	}

	delivery.LastError = err.Error()

	if delivery.Attempts >= maxAttempts {
		d.finish(context.Background(), delivery, models.DeliveryStatusFailed, err.Error())
		d.logger.Warn().
			Str("delivery_id", delivery.ID).
			Str("job_id", delivery.JobID).
			Int("attempts", delivery.Attempts).
			Err(err).
			Msg("Webhook delivery failed permanently")
		return true
	}

	next := time.Now().UTC().Add(d.schedule[delivery.Attempts-1])
	delivery.NextRetryAt = &next
	if saveErr := d.deliveries.SaveDelivery(context.Background(), delivery); saveErr != nil {
		d.logger.Error().Err(saveErr).Str("delivery_id", delivery.ID).Msg("Failed to persist delivery state")
	}

	d.logger.Debug().
		Str("delivery_id", delivery.ID).
		Int("attempt", delivery.Attempts).
		Str("next_retry", next.Format(time.RFC3339)).
		Err(err).
		Msg("Webhook attempt failed, scheduling retry")
	return false
}

func (d *Dispatcher) post(delivery *models.WebhookDelivery, secret string) error {
	req, err := http.NewRequest(http.MethodPost, delivery.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(secret, delivery.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) finish(ctx context.Context, delivery *models.WebhookDelivery, status models.DeliveryStatus, lastError string) {
	delivery.Status = status
	delivery.NextRetryAt = nil
	if lastError != "" {
		delivery.LastError = lastError
	}
	now := time.Now().UTC()
	delivery.CompletedAt = &now
	if err := d.deliveries.SaveDelivery(ctx, delivery); err != nil {
		d.logger.Error().Err(err).Str("delivery_id", delivery.ID).Msg("Failed to persist delivery state")
	}
}

// eventData assembles the event-specific payload fields
func eventData(job *models.Job, event interfaces.JobEvent) map[string]any {
	data := map[string]any{
		"job_id":      job.ID,
		"subject_ref": job.SubjectRef,
		"status":      string(job.Status),
	}

	if snapshot := event.Snapshot; snapshot != nil {
		data["percent_complete"] = snapshot.PercentComplete
		data["phase_number"] = snapshot.PhaseNumber
		data["total_phases"] = snapshot.TotalPhases
		if snapshot.PhaseName != "" {
			data["phase_name"] = snapshot.PhaseName
		}
		if snapshot.Detail != "" {
			data["detail"] = snapshot.Detail
		}
	}

	if event.Error != nil {
		data["error"] = map[string]string{
			"code":    event.Error.Code,
			"message": event.Error.Message,
		}
	}
	if len(event.Warnings) > 0 {
		data["warnings"] = event.Warnings
	}

	return data
}
