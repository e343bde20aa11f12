package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/interfaces"
	"github.com/ternarybob/causa/internal/models"
	"github.com/ternarybob/causa/internal/progress"
	"github.com/ternarybob/causa/internal/providers"
)

// Orchestrator executes a job's fixed phase plan in order, producing a
// terminal status. Phases of one job run strictly sequentially; cancellation
// is cooperative and checked only at phase boundaries.
type Orchestrator struct {
	jobs         interfaces.JobStorage
	tracker      *progress.Tracker
	tools        interfaces.ToolCaller
	handlers     *HandlerRegistry
	phaseTimeout time.Duration
	logger       arbor.ILogger
}

// NewOrchestrator creates a phase orchestrator
func NewOrchestrator(jobs interfaces.JobStorage, tracker *progress.Tracker, tools interfaces.ToolCaller, handlers *HandlerRegistry, phaseTimeout time.Duration, logger arbor.ILogger) *Orchestrator {
	if phaseTimeout <= 0 {
		phaseTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		jobs:         jobs,
		tracker:      tracker,
		tools:        tools,
		handlers:     handlers,
		phaseTimeout: phaseTimeout,
		logger:       logger,
	}
}

// Run executes the job from its current phase cursor to a terminal status.
// On a resumed job the started event is not re-emitted and phases below the
// cursor never re-execute.
func (o *Orchestrator) Run(ctx context.Context, job *models.Job) (models.JobStatus, error) {
	log := o.logger.WithContextWriter(job.ID)

	if job.IsTerminal() {
		return job.Status, nil
	}

	if job.Status == models.JobStatusQueued {
		job.MarkStarted()
		if err := o.tracker.JobStarted(ctx, job); err != nil {
			return job.Status, fmt.Errorf("failed to record job start: %w", err)
		}
		log.Info().
			Str("job_id", job.ID).
			Str("subject_ref", job.SubjectRef).
			Int("phases", len(job.PhasePlan)).
			Msg("Job started")
	} else {
		log.Info().
			Str("job_id", job.ID).
			Int("resume_index", job.CurrentPhaseIndex).
			Msg("Job resumed")
	}

	for job.CurrentPhaseIndex < len(job.PhasePlan) {
		// Shutdown is not a cancellation: leave the job at its persisted
		// cursor so recovery resumes it
		if ctx.Err() != nil {
			return job.Status, ctx.Err()
		}

		if o.cancelRequested(ctx, job) {
			job.MarkCancelled()
			if err := o.tracker.JobCancelled(ctx, job); err != nil {
				return job.Status, err
			}
			log.Info().Int("phase_index", job.CurrentPhaseIndex).Msg("Job cancelled at phase boundary")
			return models.JobStatusCancelled, nil
		}

		phase := job.PhasePlan[job.CurrentPhaseIndex]

		if phase.Provider != "" && o.tools.State(phase.Provider) == interfaces.ConnectionUnavailable {
			if terminal, err := o.phaseUnavailable(ctx, job, phase, nil); terminal || err != nil {
				return job.Status, err
			}
			continue
		}

		outcome := o.invoke(ctx, job, phase)

		// Unavailability discovered during the call follows the same
		// required/optional policy as the pre-call check
		if outcome.Err != nil && providers.IsUnavailable(outcome.Err) {
			if terminal, err := o.phaseUnavailable(ctx, job, phase, outcome.Err); terminal || err != nil {
				return job.Status, err
			}
			continue
		}

		switch outcome.Kind {
		case OutcomeSuccess:
			job.MergeResult(phase.Name, outcome.Partial)
			job.CurrentPhaseIndex++
			if err := o.tracker.PhaseTransition(ctx, job, ""); err != nil {
				return job.Status, err
			}
			log.Info().Str("phase", phase.Name).Msg("Phase completed")

		case OutcomeSkipped:
			job.CurrentPhaseIndex++
			if err := o.tracker.PhaseTransition(ctx, job, outcome.Reason); err != nil {
				return job.Status, err
			}
			log.Info().Str("phase", phase.Name).Str("reason", outcome.Reason).Msg("Phase skipped")

		case OutcomeRecoverable:
			job.AddWarning(fmt.Sprintf("%s: %v", phase.Name, outcome.Err))
			job.CurrentPhaseIndex++
			if err := o.tracker.PhaseTransition(ctx, job, ""); err != nil {
				return job.Status, err
			}
			log.Warn().Err(outcome.Err).Str("phase", phase.Name).Msg("Phase failed recoverably")

		case OutcomeFatal:
			job.MarkFailed(errorCode(outcome.Err), outcome.Err.Error())
			if err := o.tracker.JobFailed(ctx, job); err != nil {
				return job.Status, err
			}
			log.Error().Err(outcome.Err).Str("phase", phase.Name).Msg("Job failed")
			return models.JobStatusFailed, nil

		default:
			err := fmt.Errorf("phase %s returned unknown outcome %q", phase.Name, outcome.Kind)
			job.MarkFailed("internal", err.Error())
			if trackErr := o.tracker.JobFailed(ctx, job); trackErr != nil {
				return job.Status, trackErr
			}
			return models.JobStatusFailed, nil
		}
	}

	job.MarkCompleted()
	if err := o.tracker.JobCompleted(ctx, job); err != nil {
		return job.Status, err
	}
	log.Info().Msg("Job completed")
	return models.JobStatusCompleted, nil
}

// invoke runs one phase handler under the configured phase timeout
func (o *Orchestrator) invoke(ctx context.Context, job *models.Job, phase models.PhaseDescriptor) Outcome {
	handler, err := o.handlers.HandlerFor(phase.Name)
	if err != nil {
		return FatalFailure(err)
	}

	phaseCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()

	pc := &PhaseContext{
		Job:      job,
		Phase:    phase,
		Tools:    o.tools,
		Deadline: o.phaseTimeout,
		Logger:   o.logger.WithContextWriter(job.ID),
		ReportProgress: func(fraction float64, detail string) {
			if err := o.tracker.SubProgress(ctx, job, fraction, detail); err != nil {
				o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record sub-progress")
			}
		},
	}

	return handler.Handle(phaseCtx, pc)
}

// phaseUnavailable applies the required/optional failure policy when a
// phase's provider is unavailable. Returns terminal=true when the job
// reached a terminal status.
func (o *Orchestrator) phaseUnavailable(ctx context.Context, job *models.Job, phase models.PhaseDescriptor, cause error) (bool, error) {
	if phase.Required {
		message := fmt.Sprintf("provider %s unavailable for required phase %s", phase.Provider, phase.Name)
		if cause != nil {
			message = fmt.Sprintf("%s: %v", message, cause)
		}
		job.MarkFailed("provider_unavailable", message)
		if err := o.tracker.JobFailed(ctx, job); err != nil {
			return true, err
		}
		o.logger.Error().
			Str("job_id", job.ID).
			Str("phase", phase.Name).
			Str("provider", phase.Provider).
			Msg("Required phase provider unavailable, job failed")
		return true, nil
	}

	// Optional: exclude the phase's weight from percent bookkeeping so the
	// remaining phases can still reach 100
	job.MarkPhaseUnresolved(phase.Name)
	job.AddWarning(fmt.Sprintf("%s: skipped, provider %s unavailable", phase.Name, phase.Provider))
	job.CurrentPhaseIndex++
	if err := o.tracker.PhaseTransition(ctx, job, fmt.Sprintf("provider %s unavailable", phase.Provider)); err != nil {
		return false, err
	}
	o.logger.Warn().
		Str("job_id", job.ID).
		Str("phase", phase.Name).
		Str("provider", phase.Provider).
		Msg("Optional phase skipped, provider unavailable")
	return false, nil
}

// cancelRequested checks the cooperative cancellation flag at a phase
// boundary, re-reading the stored record so a cancel issued while a phase
// was in flight is observed.
func (o *Orchestrator) cancelRequested(ctx context.Context, job *models.Job) bool {
	if job.CancelRequested {
		return true
	}

	stored, err := o.jobs.GetJob(ctx, job.ID)
	if err != nil || stored == nil {
		return false
	}
	if stored.CancelRequested {
		job.CancelRequested = true
	}
	return job.CancelRequested
}

// errorCode maps the provider error taxonomy onto stable job error codes
func errorCode(err error) string {
	switch {
	case providers.IsUnavailable(err):
		return "provider_unavailable"
	case providers.IsTimeout(err):
		return "timeout"
	case providers.IsToolError(err):
		return "tool_error"
	case providers.IsValidation(err):
		return "validation"
	default:
		return "phase_failed"
	}
}
