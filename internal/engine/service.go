package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/common"
	"github.com/ternarybob/causa/internal/interfaces"
	"github.com/ternarybob/causa/internal/models"
)

// Service is the job lifecycle surface: creation, cancellation, lookup and
// crash recovery. It owns enqueueing; the pool owns execution.
type Service struct {
	jobs     interfaces.JobStorage
	handlers *HandlerRegistry
	pool     *Pool
	logger   arbor.ILogger
}

// NewService creates the engine service
func NewService(jobs interfaces.JobStorage, handlers *HandlerRegistry, pool *Pool, logger arbor.ILogger) *Service {
	return &Service{
		jobs:     jobs,
		handlers: handlers,
		pool:     pool,
		logger:   logger,
	}
}

// CreateJob validates and persists a new job, then enqueues it. The phase
// plan is fixed at creation; every declared phase must have a registered
// handler.
func (s *Service) CreateJob(ctx context.Context, subjectRef string, plan []models.PhaseDescriptor, subscription *models.WebhookSubscription) (*models.Job, error) {
	job := &models.Job{
		ID:           common.NewJobID(),
		SubjectRef:   subjectRef,
		Status:       models.JobStatusQueued,
		PhasePlan:    plan,
		Subscription: subscription,
		CreatedAt:    time.Now().UTC(),
	}

	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	for _, phase := range plan {
		if !s.handlers.Has(phase.Name) {
			return nil, fmt.Errorf("invalid job: no handler registered for phase %s", phase.Name)
		}
	}

	if err := s.jobs.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	s.pool.Enqueue(job.ID)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("subject_ref", subjectRef).
		Int("phases", len(plan)).
		Msg("Job created")

	return job, nil
}

// Cancel requests cooperative cancellation. The job stops at its next phase
// boundary; an in-flight phase is never interrupted mid-call. The store flips
// only the cancel flag, inside a transaction that rejects terminal jobs, so a
// completion racing this call keeps its record intact.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	if err := s.jobs.RequestCancel(ctx, jobID); err != nil {
		return err
	}

	s.logger.Info().Str("job_id", jobID).Msg("Job cancellation requested")
	return nil
}

// GetJob returns a job by id, nil when absent
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// ListJobs lists jobs with optional status filter and paging
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return s.jobs.ListJobs(ctx, opts)
}

// CountJobsByStatus reports how many jobs hold the given status
func (s *Service) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	return s.jobs.CountJobsByStatus(ctx, status)
}

// RecoverJobs re-enqueues jobs a previous process run left unfinished.
// Processing jobs resume at their persisted phase cursor; queued jobs start
// from the beginning.
func (s *Service) RecoverJobs(ctx context.Context) error {
	count := 0
	for _, status := range []models.JobStatus{models.JobStatusProcessing, models.JobStatusQueued} {
		jobs, err := s.jobs.GetJobsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to load %s jobs for recovery: %w", status, err)
		}
		for _, job := range jobs {
			s.pool.Enqueue(job.ID)
			count++
		}
	}

	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Recovered unfinished jobs")
	}
	return nil
}
