package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the state of a review job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// JobError captures the originating error of a failed job
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// PhaseDescriptor is one ordered, weighted unit of work in a job's fixed
// plan. The plan is declared at job creation and never mutated afterwards.
type PhaseDescriptor struct {
	Name     string `json:"name"`
	Order    int    `json:"order"`
	Weight   int    `json:"weight"`   // 0-100, contributes to percent-complete
	Required bool   `json:"required"` // Fatal vs Recoverable on provider unavailability
	Provider string `json:"provider"` // Connection manager entry, empty = none
}

// Job represents one workflow execution. Owned exclusively by the
// orchestrator; persisted after every phase transition so a crash loses at
// most one in-flight phase.
type Job struct {
	ID         string            `json:"id" badgerhold:"key"`
	SubjectRef string            `json:"subject_ref"`
	Status     JobStatus         `json:"status"`
	PhasePlan  []PhaseDescriptor `json:"phase_plan"`

	// Execution cursor. Phases with index below this are never re-executed
	// after a restart.
	CurrentPhaseIndex int `json:"current_phase_index"`

	// Accumulated partial outputs keyed by phase name. A skipped or
	// recoverably failed phase leaves its key absent.
	Result map[string]json.RawMessage `json:"result"`

	Error    *JobError `json:"error,omitempty"`
	Warnings []string  `json:"warnings,omitempty"` // Recoverable failures, surfaced in the terminal event

	// Phases excluded from percent-complete bookkeeping after their provider
	// was found unavailable. Persisted so the resolved set survives a restart.
	UnresolvedPhases []string `json:"unresolved_phases,omitempty"`

	// Progress bookkeeping mirrored from the latest snapshot
	PhaseNumber     int     `json:"phase_number"`
	TotalPhases     int     `json:"total_phases"` // Count of phases actually resolved for this run
	PercentComplete float64 `json:"percent_complete"`

	CancelRequested bool `json:"cancel_requested"`

	Subscription *WebhookSubscription `json:"subscription,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate validates the job and its phase plan
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job ID is required")
	}
	if j.SubjectRef == "" {
		return errors.New("job subject_ref is required")
	}
	if err := ValidatePhasePlan(j.PhasePlan); err != nil {
		return err
	}
	if j.Subscription != nil {
		if err := j.Subscription.Validate(); err != nil {
			return fmt.Errorf("webhook subscription: %w", err)
		}
	}
	return nil
}

// ValidatePhasePlan validates the declared shape of a phase
// plan: at least one phase, unique names, weights in range summing to
// exactly 100, orders matching position.
func ValidatePhasePlan(plan []PhaseDescriptor) error {
	if len(plan) == 0 {
		return errors.New("phase plan must have at least one phase")
	}

	seen := make(map[string]bool, len(plan))
	weightSum := 0
	for i, phase := range plan {
		if phase.Name == "" {
			return fmt.Errorf("phase %d: name is required", i)
		}
		if seen[phase.Name] {
			return fmt.Errorf("phase %d: duplicate name %q", i, phase.Name)
		}
		seen[phase.Name] = true

		if phase.Order != i {
			return fmt.Errorf("phase %q: order %d does not match position %d", phase.Name, phase.Order, i)
		}
		if phase.Weight < 0 || phase.Weight > 100 {
			return fmt.Errorf("phase %q: weight %d out of range 0-100", phase.Name, phase.Weight)
		}
		weightSum += phase.Weight
	}

	if weightSum != 100 {
		return fmt.Errorf("phase weights must sum to 100, got %d", weightSum)
	}

	return nil
}

// MergeResult records a phase's partial result under its name
func (j *Job) MergeResult(phaseName string, partial json.RawMessage) {
	if j.Result == nil {
		j.Result = make(map[string]json.RawMessage)
	}
	j.Result[phaseName] = partial
}

// MarkStarted marks the job as processing
func (j *Job) MarkStarted() {
	j.Status = JobStatusProcessing
	now := time.Now()
	j.StartedAt = &now
}

// MarkCompleted marks the job as completed
func (j *Job) MarkCompleted() {
	j.Status = JobStatusCompleted
	now := time.Now()
	j.CompletedAt = &now
}

// MarkFailed marks the job as failed, preserving the originating error
func (j *Job) MarkFailed(code, message string) {
	j.Status = JobStatusFailed
	j.Error = &JobError{Code: code, Message: message}
	now := time.Now()
	j.CompletedAt = &now
}

// MarkCancelled marks the job as cancelled
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := time.Now()
	j.CompletedAt = &now
}

// AddWarning records a recoverable degradation for the terminal event payload
func (j *Job) AddWarning(warning string) {
	j.Warnings = append(j.Warnings, warning)
}

// MarkPhaseUnresolved removes a phase from the resolved set for the
// remainder of the run
func (j *Job) MarkPhaseUnresolved(phaseName string) {
	for _, name := range j.UnresolvedPhases {
		if name == phaseName {
			return
		}
	}
	j.UnresolvedPhases = append(j.UnresolvedPhases, phaseName)
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted ||
		j.Status == JobStatusFailed ||
		j.Status == JobStatusCancelled
}
