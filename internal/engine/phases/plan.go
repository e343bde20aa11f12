package phases

import (
	"github.com/ternarybob/causa/internal/engine"
	"github.com/ternarybob/causa/internal/models"
	"github.com/ternarybob/causa/internal/providers"
)

// Phase names of the built-in case-review plan
const (
	PhaseFetchMetadata   = "fetch_metadata"
	PhaseIngestDocuments = "ingest_documents"
	PhaseLookupPolicy    = "lookup_policy"
	PhaseAssessRoutes    = "assess_routes"
	PhaseComposeReview   = "compose_review"
)

// Provider entries the built-in plan depends on
const (
	ProviderFetch  = "fetch"
	ProviderIngest = "ingest"
	ProviderPolicy = "policy"
	ProviderRoutes = "routes"
)

// DefaultPlan returns the standard case-review phase plan. Route assessment
// is optional; its provider being down degrades the review instead of
// failing it.
func DefaultPlan() []models.PhaseDescriptor {
	return []models.PhaseDescriptor{
		{Name: PhaseFetchMetadata, Order: 0, Weight: 15, Required: true, Provider: ProviderFetch},
		{Name: PhaseIngestDocuments, Order: 1, Weight: 30, Required: true, Provider: ProviderIngest},
		{Name: PhaseLookupPolicy, Order: 2, Weight: 20, Required: true, Provider: ProviderPolicy},
		{Name: PhaseAssessRoutes, Order: 3, Weight: 20, Required: false, Provider: ProviderRoutes},
		{Name: PhaseComposeReview, Order: 4, Weight: 15, Required: true},
	}
}

// RegisterHandlers installs the built-in phase handlers
func RegisterHandlers(registry *engine.HandlerRegistry) error {
	handlers := map[string]engine.Handler{
		PhaseFetchMetadata:   engine.HandlerFunc(fetchMetadata),
		PhaseIngestDocuments: engine.HandlerFunc(ingestDocuments),
		PhaseLookupPolicy:    engine.HandlerFunc(lookupPolicy),
		PhaseAssessRoutes:    engine.HandlerFunc(assessRoutes),
		PhaseComposeReview:   engine.HandlerFunc(composeReview),
	}
	for name, handler := range handlers {
		if err := registry.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

// RegisterTools installs the closed tool routing for configured providers.
// Tools of providers absent from configuration are left unregistered; their
// phases resolve the provider as unavailable instead.
func RegisterTools(manager *providers.Manager) error {
	routing := map[string][]string{
		ProviderFetch:  {"fetch_subject", "fetch_history"},
		ProviderIngest: {"list_documents", "ingest_document"},
		ProviderPolicy: {"lookup_policy"},
		ProviderRoutes: {"assess_route"},
	}
	for provider, tools := range routing {
		if !manager.HasProvider(provider) {
			continue
		}
		for _, tool := range tools {
			if err := manager.RegisterTool(tool, provider); err != nil {
				return err
			}
		}
	}
	return nil
}

// callFailure maps a provider call error onto the phase failure policy.
// Validation errors are always fatal; a provider-level rejection fails the
// job only when the phase is required; transient errors degrade the phase.
// Unavailability is reclassified by the orchestrator regardless of kind.
func callFailure(pc *engine.PhaseContext, err error) engine.Outcome {
	switch {
	case providers.IsValidation(err):
		return engine.FatalFailure(err)
	case providers.IsToolError(err) && pc.Phase.Required:
		return engine.FatalFailure(err)
	default:
		return engine.RecoverableFailure(err)
	}
}
