package phases

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/causa/internal/engine"
	"github.com/ternarybob/causa/internal/providers"
)

// ingestDocuments lists the subject's documents and ingests them one at a
// time, reporting fraction-within-phase as it goes. Per-document failures
// are independent; the phase degrades only when nothing could be ingested.
// The provider treats re-ingestion of an already-processed document as a
// no-op, which makes the phase idempotent under replay.
func ingestDocuments(ctx context.Context, pc *engine.PhaseContext) engine.Outcome {
	args := map[string]any{"subject_ref": pc.Job.SubjectRef}

	listing, err := pc.Tools.Call(ctx, pc.Phase.Provider, "list_documents", args, pc.Deadline)
	if err != nil {
		return callFailure(pc, fmt.Errorf("list_documents: %w", err))
	}

	ids := documentIDs(listing)
	if len(ids) == 0 {
		partial, _ := json.Marshal(map[string]any{"documents_total": 0, "ingested": 0})
		return engine.Success(partial)
	}

	ingested := 0
	var failures []map[string]string
	for i, id := range ids {
		_, err := pc.Tools.Call(ctx, pc.Phase.Provider, "ingest_document", map[string]any{
			"subject_ref": pc.Job.SubjectRef,
			"document_id": id,
		}, pc.Deadline)
		if err != nil {
			if providers.IsUnavailable(err) {
				return engine.RecoverableFailure(fmt.Errorf("ingest_document %s: %w", id, err))
			}
			failures = append(failures, map[string]string{"document_id": id, "error": err.Error()})
			pc.Logger.Warn().
				Err(err).
				Str("job_id", pc.Job.ID).
				Str("document_id", id).
				Msg("Document ingestion failed")
		} else {
			ingested++
		}

		if pc.ReportProgress != nil {
			pc.ReportProgress(float64(i+1)/float64(len(ids)), fmt.Sprintf("%d of %d documents ingested", i+1, len(ids)))
		}
	}

	if ingested == 0 {
		return engine.RecoverableFailure(fmt.Errorf("all %d documents failed to ingest", len(ids)))
	}

	partial, err := json.Marshal(map[string]any{
		"documents_total": len(ids),
		"ingested":        ingested,
		"failures":        failures,
	})
	if err != nil {
		return engine.FatalFailure(fmt.Errorf("failed to serialize ingestion result: %w", err))
	}
	return engine.Success(partial)
}

// documentIDs extracts document ids from a listing payload
func documentIDs(listing map[string]any) []string {
	raw, ok := listing["documents"].([]any)
	if !ok {
		return nil
	}
	var ids []string
	for _, entry := range raw {
		switch doc := entry.(type) {
		case string:
			ids = append(ids, doc)
		case map[string]any:
			if id, ok := doc["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
