package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/causa/internal/engine"
)

// composeReview assembles the final structured review document from the
// partial results accumulated by earlier phases. It calls no provider;
// sections whose phases were skipped or degraded are simply absent and the
// review notes them as such.
func composeReview(ctx context.Context, pc *engine.PhaseContext) engine.Outcome {
	sections := make(map[string]json.RawMessage)
	var missing []string

	for _, name := range []string{PhaseFetchMetadata, PhaseIngestDocuments, PhaseLookupPolicy, PhaseAssessRoutes} {
		if partial, ok := pc.Job.Result[name]; ok {
			sections[name] = partial
		} else {
			missing = append(missing, name)
		}
	}

	if len(sections) == 0 {
		return engine.RecoverableFailure(fmt.Errorf("no phase produced a result to review"))
	}

	review := map[string]any{
		"subject_ref":      pc.Job.SubjectRef,
		"generated_at":     time.Now().UTC().Format(time.RFC3339),
		"sections":         sections,
		"missing_sections": missing,
	}
	if len(pc.Job.Warnings) > 0 {
		review["warnings"] = pc.Job.Warnings
	}

	partial, err := json.Marshal(review)
	if err != nil {
		return engine.FatalFailure(fmt.Errorf("failed to serialize review: %w", err))
	}
	return engine.Success(partial)
}
