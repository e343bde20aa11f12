package models

// ProgressSnapshot is the current progress of a job, recreated on every
// phase transition. Previous values are not retained except in the
// delivered event history.
type ProgressSnapshot struct {
	JobID           string  `json:"job_id"`
	PhaseName       string  `json:"phase_name"`
	PhaseNumber     int     `json:"phase_number"`
	TotalPhases     int     `json:"total_phases"` // Phases actually resolved for this run
	PercentComplete float64 `json:"percent_complete"`
	Detail          string  `json:"detail,omitempty"` // Free-text sub-progress, e.g. "3 of 7 routes assessed"
}
