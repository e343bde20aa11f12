package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/causa/internal/engine"
)

// lookupPolicy resolves the policy revision in force for the subject at the
// time the job was created. Pinning effective_at to the job's creation time
// keeps the lookup stable across crash replays.
func lookupPolicy(ctx context.Context, pc *engine.PhaseContext) engine.Outcome {
	result, err := pc.Tools.Call(ctx, pc.Phase.Provider, "lookup_policy", map[string]any{
		"subject_ref":  pc.Job.SubjectRef,
		"effective_at": pc.Job.CreatedAt.UTC().Format(time.RFC3339),
	}, pc.Deadline)
	if err != nil {
		return callFailure(pc, fmt.Errorf("lookup_policy: %w", err))
	}

	partial, err := json.Marshal(result)
	if err != nil {
		return engine.FatalFailure(fmt.Errorf("failed to serialize policy result: %w", err))
	}
	return engine.Success(partial)
}
