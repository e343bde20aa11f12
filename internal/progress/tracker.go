package progress

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/interfaces"
	"github.com/ternarybob/causa/internal/models"
)

// Tracker translates phase transitions into percent-complete snapshots and
// hands events to the dispatch side of the event bus. Persistence happens
// before publication, so a crash between the two loses at most one event,
// never a state change.
type Tracker struct {
	jobs   interfaces.JobStorage
	events interfaces.EventService
	logger arbor.ILogger
}

// NewTracker creates a progress tracker backed by the job store and event bus
func NewTracker(jobs interfaces.JobStorage, events interfaces.EventService, logger arbor.ILogger) *Tracker {
	return &Tracker{
		jobs:   jobs,
		events: events,
		logger: logger,
	}
}

// Percent computes the normalized completion percentage for a job. Phases
// ahead of the cursor contribute their full weight, the current phase
// contributes weight scaled by fraction, and unresolved phases are removed
// from both sides of the division so completion can still reach 100.
func Percent(job *models.Job, fraction float64) float64 {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	unresolved := unresolvedSet(job)

	var total, done float64
	for i, phase := range job.PhasePlan {
		if unresolved[phase.Name] {
			continue
		}
		total += float64(phase.Weight)
		if i < job.CurrentPhaseIndex {
			done += float64(phase.Weight)
		} else if i == job.CurrentPhaseIndex {
			done += float64(phase.Weight) * fraction
		}
	}

	if total == 0 {
		return 100
	}
	return done / total * 100
}

// Snapshot builds the current progress snapshot for a job. PhaseNumber and
// TotalPhases count only resolved phases.
func Snapshot(job *models.Job, fraction float64, detail string) *models.ProgressSnapshot {
	unresolved := unresolvedSet(job)

	phaseName := ""
	phaseNumber := 0
	totalPhases := 0
	for i, phase := range job.PhasePlan {
		if unresolved[phase.Name] {
			continue
		}
		totalPhases++
		if i <= job.CurrentPhaseIndex {
			phaseNumber = totalPhases
			if i == job.CurrentPhaseIndex {
				phaseName = phase.Name
			}
		}
	}

	return &models.ProgressSnapshot{
		JobID:           job.ID,
		PhaseName:       phaseName,
		PhaseNumber:     phaseNumber,
		TotalPhases:     totalPhases,
		PercentComplete: Percent(job, fraction),
		Detail:          detail,
	}
}

// JobStarted persists the processing transition and publishes the started
// event. Called exactly once per job, on the first run, never on resume.
func (t *Tracker) JobStarted(ctx context.Context, job *models.Job) error {
	snapshot := t.apply(job, 0, "")
	if err := t.save(ctx, job); err != nil {
		return err
	}
	return t.publish(ctx, models.EventStarted, job, snapshot)
}

// PhaseTransition persists the advanced cursor and publishes a progress event
func (t *Tracker) PhaseTransition(ctx context.Context, job *models.Job, detail string) error {
	snapshot := t.apply(job, 0, detail)
	if err := t.save(ctx, job); err != nil {
		return err
	}
	return t.publish(ctx, models.EventProgress, job, snapshot)
}

// SubProgress records fraction-within-phase reported by a running handler
func (t *Tracker) SubProgress(ctx context.Context, job *models.Job, fraction float64, detail string) error {
	snapshot := t.apply(job, fraction, detail)
	if err := t.save(ctx, job); err != nil {
		return err
	}
	return t.publish(ctx, models.EventProgress, job, snapshot)
}

// JobCompleted persists the terminal state and publishes the completed event
func (t *Tracker) JobCompleted(ctx context.Context, job *models.Job) error {
	job.PercentComplete = 100
	snapshot := Snapshot(job, 1, "")
	snapshot.PercentComplete = 100
	if err := t.save(ctx, job); err != nil {
		return err
	}
	return t.publish(ctx, models.EventCompleted, job, snapshot)
}

// JobFailed persists the terminal state and publishes the failed event
func (t *Tracker) JobFailed(ctx context.Context, job *models.Job) error {
	snapshot := t.apply(job, 0, "")
	if err := t.save(ctx, job); err != nil {
		return err
	}
	return t.publish(ctx, models.EventFailed, job, snapshot)
}

// JobCancelled persists the terminal state. Cancelled jobs emit no event.
func (t *Tracker) JobCancelled(ctx context.Context, job *models.Job) error {
	t.apply(job, 0, "")
	return t.save(ctx, job)
}

// save writes the job, carrying forward a cancel request that landed on the
// stored record while the orchestrator held its own copy
func (t *Tracker) save(ctx context.Context, job *models.Job) error {
	if !job.CancelRequested {
		stored, err := t.jobs.GetJob(ctx, job.ID)
		if err == nil && stored != nil && stored.CancelRequested {
			job.CancelRequested = true
		}
	}
	return t.jobs.SaveJob(ctx, job)
}

// apply refreshes the job's mirrored progress fields and returns the snapshot
func (t *Tracker) apply(job *models.Job, fraction float64, detail string) *models.ProgressSnapshot {
	snapshot := Snapshot(job, fraction, detail)

	// Monotonic: a snapshot never moves the persisted percentage backwards
	if snapshot.PercentComplete < job.PercentComplete {
		snapshot.PercentComplete = job.PercentComplete
	}

	job.PhaseNumber = snapshot.PhaseNumber
	job.TotalPhases = snapshot.TotalPhases
	job.PercentComplete = snapshot.PercentComplete
	return snapshot
}

func (t *Tracker) publish(ctx context.Context, eventType models.EventType, job *models.Job, snapshot *models.ProgressSnapshot) error {
	event := interfaces.JobEvent{
		Type:       eventType,
		JobID:      job.ID,
		SubjectRef: job.SubjectRef,
		Snapshot:   snapshot,
	}
	if eventType == models.EventCompleted || eventType == models.EventFailed {
		event.Error = job.Error
		event.Warnings = job.Warnings
	}

	if err := t.events.Publish(ctx, event); err != nil {
		// Emission is fire-and-forget relative to phase execution
		t.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("event", string(eventType)).
			Msg("Failed to publish job event")
	}
	return nil
}

func unresolvedSet(job *models.Job) map[string]bool {
	if len(job.UnresolvedPhases) == 0 {
		return nil
	}
	set := make(map[string]bool, len(job.UnresolvedPhases))
	for _, name := range job.UnresolvedPhases {
		set[name] = true
	}
	return set
}
