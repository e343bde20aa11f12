package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/causa/internal/models"
)

// JobListOptions filters and pages job listings
type JobListOptions struct {
	Status   models.JobStatus
	Limit    int
	Offset   int
	OrderBy  string
	OrderDir string
}

// JobStorage is the durable keyed store for job records. Every mutation
// (phase advance, status change, error) is written before the corresponding
// event is emitted.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	// GetJob returns the stored job, or nil without error when no record
	// exists for the ID.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	// RequestCancel flips the cancel flag on a non-terminal job. The check
	// and the write happen in a single store transaction so a concurrent
	// terminal save is never overwritten. Cancelling a job that is already
	// flagged is a no-op; cancelling a terminal or unknown job is an error.
	RequestCancel(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)
	DeleteJob(ctx context.Context, jobID string) error
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DeliveryStorage persists webhook delivery records for audit
type DeliveryStorage interface {
	SaveDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	GetDelivery(ctx context.Context, deliveryID string) (*models.WebhookDelivery, error)
	GetDeliveriesByJob(ctx context.Context, jobID string) ([]*models.WebhookDelivery, error)
	GetPendingDeliveries(ctx context.Context) ([]*models.WebhookDelivery, error)
	DeleteTerminalDeliveriesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StorageManager owns the database connection and hands out typed stores
type StorageManager interface {
	JobStorage() JobStorage
	DeliveryStorage() DeliveryStorage
	RunGC() error
	Close() error
}
