package phases

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/causa/internal/engine"
	"github.com/ternarybob/causa/internal/providers"
)

// fetchMetadata retrieves the subject record and its change history from the
// document-fetch provider. Re-fetching an already-known subject is a safe
// no-op on the provider side, so the phase replays cleanly after a crash.
func fetchMetadata(ctx context.Context, pc *engine.PhaseContext) engine.Outcome {
	args := map[string]any{"subject_ref": pc.Job.SubjectRef}

	subject, err := pc.Tools.Call(ctx, pc.Phase.Provider, "fetch_subject", args, pc.Deadline)
	if err != nil {
		return callFailure(pc, fmt.Errorf("fetch_subject: %w", err))
	}

	if pc.ReportProgress != nil {
		pc.ReportProgress(0.5, "subject metadata fetched")
	}

	result := map[string]any{"subject": subject}

	// History enriches the review but its absence never degrades the phase
	history, err := pc.Tools.Call(ctx, pc.Phase.Provider, "fetch_history", args, pc.Deadline)
	if err != nil {
		if providers.IsUnavailable(err) {
			return engine.RecoverableFailure(fmt.Errorf("fetch_history: %w", err))
		}
		pc.Logger.Warn().
			Err(err).
			Str("job_id", pc.Job.ID).
			Msg("Subject history unavailable, continuing without it")
	} else {
		result["history"] = history
	}

	partial, err := json.Marshal(result)
	if err != nil {
		return engine.FatalFailure(fmt.Errorf("failed to serialize metadata result: %w", err))
	}
	return engine.Success(partial)
}
