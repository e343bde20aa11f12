package engine

import "encoding/json"

// OutcomeKind classifies the result a phase handler reports
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeSkipped     OutcomeKind = "skipped"
	OutcomeRecoverable OutcomeKind = "recoverable_failure"
	OutcomeFatal       OutcomeKind = "fatal_failure"
)

// Outcome is the value a phase handler returns. Only the orchestrator
// translates outcomes into persisted state and events; handlers never touch
// the job record or the event bus directly.
type Outcome struct {
	Kind    OutcomeKind
	Partial json.RawMessage // Success only
	Reason  string          // Skipped only
	Err     error           // Recoverable and fatal failures
}

// Success reports a completed phase with its partial result
func Success(partial json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Partial: partial}
}

// Skipped reports a phase that chose not to run. Its result field stays
// absent and the job continues.
func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

// RecoverableFailure degrades one phase without failing the job
func RecoverableFailure(err error) Outcome {
	return Outcome{Kind: OutcomeRecoverable, Err: err}
}

// FatalFailure aborts all remaining phases and fails the job
func FatalFailure(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err}
}
