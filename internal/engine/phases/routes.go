package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/causa/internal/engine"
	"github.com/ternarybob/causa/internal/providers"
)

// routeFanout bounds concurrent assess_route calls within one phase. The
// provider manager applies its own per-provider semaphore on top.
const routeFanout = 4

// assessRoutes scores each candidate handling route identified during
// metadata fetch. Calls fan out concurrently; a failed target is recorded
// and does not cancel its siblings.
func assessRoutes(ctx context.Context, pc *engine.PhaseContext) engine.Outcome {
	targets := routeTargets(pc.Job.Result[PhaseFetchMetadata])
	if len(targets) == 0 {
		return engine.Skipped("no route targets identified for subject")
	}

	type assessment struct {
		Target string         `json:"target"`
		Result map[string]any `json:"result,omitempty"`
		Error  string         `json:"error,omitempty"`
	}

	assessments := make([]assessment, len(targets))
	var mu sync.Mutex
	var unavailable error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(routeFanout)

	for i, target := range targets {
		g.Go(func() error {
			result, err := pc.Tools.Call(gctx, pc.Phase.Provider, "assess_route", map[string]any{
				"subject_ref": pc.Job.SubjectRef,
				"target":      target,
			}, pc.Deadline)

			if err != nil {
				if providers.IsUnavailable(err) {
					mu.Lock()
					unavailable = err
					mu.Unlock()
				}
				assessments[i] = assessment{Target: target, Error: err.Error()}
				return nil
			}
			assessments[i] = assessment{Target: target, Result: result}
			return nil
		})
	}
	_ = g.Wait()

	if unavailable != nil {
		return engine.RecoverableFailure(fmt.Errorf("assess_route: %w", unavailable))
	}

	scored := 0
	for _, a := range assessments {
		if a.Error == "" {
			scored++
		}
	}
	if scored == 0 {
		return engine.RecoverableFailure(fmt.Errorf("all %d route assessments failed", len(targets)))
	}

	partial, err := json.Marshal(map[string]any{
		"targets_total": len(targets),
		"assessed":      scored,
		"assessments":   assessments,
	})
	if err != nil {
		return engine.FatalFailure(fmt.Errorf("failed to serialize route assessments: %w", err))
	}
	return engine.Success(partial)
}

// routeTargets pulls candidate route names out of the fetched metadata
func routeTargets(metadata json.RawMessage) []string {
	if len(metadata) == 0 {
		return nil
	}
	var parsed struct {
		Subject struct {
			RouteTargets []string `json:"route_targets"`
		} `json:"subject"`
	}
	if err := json.Unmarshal(metadata, &parsed); err != nil {
		return nil
	}
	return parsed.Subject.RouteTargets
}
