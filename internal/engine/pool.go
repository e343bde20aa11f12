package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/interfaces"
	"github.com/ternarybob/causa/internal/models"
)

// Pool is the bounded worker pool. Each occupied slot runs exactly one job
// to a terminal status; concurrency is an explicit configuration value.
// A poller backstops the in-memory queue so queued jobs survive a full
// channel or a restart.
type Pool struct {
	jobs         interfaces.JobStorage
	orchestrator *Orchestrator
	concurrency  int
	pollInterval time.Duration
	logger       arbor.ILogger

	queue chan string

	mu       sync.Mutex
	inflight map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewPool creates a worker pool with the given number of job slots
func NewPool(jobs interfaces.JobStorage, orchestrator *Orchestrator, concurrency int, pollInterval time.Duration, logger arbor.ILogger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Pool{
		jobs:         jobs,
		orchestrator: orchestrator,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       logger,
		queue:        make(chan string, 256),
		inflight:     make(map[string]bool),
		stop:         make(chan struct{}),
	}
}

// Start launches the worker slots and the queue poller
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.wg.Add(1)
	go p.poll(ctx)

	p.logger.Info().Int("concurrency", p.concurrency).Msg("Worker pool started")
}

// Enqueue hands a job id to the pool. Duplicate ids for a job already
// in flight or already queued are dropped.
func (p *Pool) Enqueue(jobID string) {
	p.mu.Lock()
	if p.inflight[jobID] {
		p.mu.Unlock()
		return
	}
	p.inflight[jobID] = true
	p.mu.Unlock()

	select {
	case p.queue <- jobID:
	case <-p.stop:
		p.release(jobID)
	default:
		// Channel full; the poller re-discovers the job from storage
		p.release(jobID)
	}
}

// Stop drains the pool. In-flight jobs run to their next phase boundary at
// most; context cancellation from the caller ends them cooperatively.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case jobID := <-p.queue:
			p.process(ctx, jobID)
		}
	}
}

func (p *Pool) process(ctx context.Context, jobID string) {
	defer p.release(jobID)

	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load queued job")
		return
	}
	if job == nil || job.IsTerminal() {
		return
	}

	if _, err := p.orchestrator.Run(ctx, job); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Job execution error")
	}
}

// poll periodically re-discovers queued jobs from the durable store
func (p *Pool) poll(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued, err := p.jobs.GetJobsByStatus(ctx, models.JobStatusQueued)
			if err != nil {
				p.logger.Warn().Err(err).Msg("Failed to poll for queued jobs")
				continue
			}
			for _, job := range queued {
				p.Enqueue(job.ID)
			}
		}
	}
}

func (p *Pool) release(jobID string) {
	p.mu.Lock()
	delete(p.inflight, jobID)
	p.mu.Unlock()
}
