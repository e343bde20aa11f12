package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePhasePlan(t *testing.T) {
	tests := []struct {
		name    string
		plan    []PhaseDescriptor
		wantErr bool
	}{
		{
			name: "valid plan",
			plan: []PhaseDescriptor{
				{Name: "a", Order: 0, Weight: 30, Required: true},
				{Name: "b", Order: 1, Weight: 70},
			},
		},
		{
			name: "single phase full weight",
			plan: []PhaseDescriptor{
				{Name: "a", Order: 0, Weight: 100, Required: true},
			},
		},
		{
			name:    "empty plan",
			plan:    nil,
			wantErr: true,
		},
		{
			name: "weights under 100",
			plan: []PhaseDescriptor{
				{Name: "a", Order: 0, Weight: 30},
				{Name: "b", Order: 1, Weight: 60},
			},
			wantErr: true,
		},
		{
			name: "weights over 100",
			plan: []PhaseDescriptor{
				{Name: "a", Order: 0, Weight: 60},
				{Name: "b", Order: 1, Weight: 60},
			},
			wantErr: true,
		},
		{
			name: "duplicate names",
			plan: []PhaseDescriptor{
				{Name: "a", Order: 0, Weight: 50},
				{Name: "a", Order: 1, Weight: 50},
			},
			wantErr: true,
		},
		{
			name: "order mismatch",
			plan: []PhaseDescriptor{
				{Name: "a", Order: 1, Weight: 50},
				{Name: "b", Order: 0, Weight: 50},
			},
			wantErr: true,
		},
		{
			name: "missing name",
			plan: []PhaseDescriptor{
				{Name: "", Order: 0, Weight: 100},
			},
			wantErr: true,
		},
		{
			name: "weight out of range",
			plan: []PhaseDescriptor{
				{Name: "a", Order: 0, Weight: 150},
				{Name: "b", Order: 1, Weight: -50},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePhasePlan(tt.plan)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJob_Lifecycle(t *testing.T) {
	job := &Job{
		ID:         "job_1",
		SubjectRef: "case-1",
		Status:     JobStatusQueued,
		PhasePlan: []PhaseDescriptor{
			{Name: "a", Order: 0, Weight: 100, Required: true},
		},
	}
	require.NoError(t, job.Validate())
	assert.False(t, job.IsTerminal())

	job.MarkStarted()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)
	assert.False(t, job.IsTerminal())

	job.MarkFailed("timeout", "call exceeded deadline")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.True(t, job.IsTerminal())
	require.NotNil(t, job.Error)
	assert.Equal(t, "timeout: call exceeded deadline", job.Error.Error())
	require.NotNil(t, job.CompletedAt)
}

func TestJob_MergeResult(t *testing.T) {
	job := &Job{}
	job.MergeResult("fetch", json.RawMessage(`{"a":1}`))
	job.MergeResult("ingest", json.RawMessage(`{"b":2}`))

	assert.Len(t, job.Result, 2)
	assert.JSONEq(t, `{"a":1}`, string(job.Result["fetch"]))
}

func TestJob_MarkPhaseUnresolved(t *testing.T) {
	job := &Job{}
	job.MarkPhaseUnresolved("assess_routes")
	job.MarkPhaseUnresolved("assess_routes")
	assert.Equal(t, []string{"assess_routes"}, job.UnresolvedPhases)
}

func TestWebhookSubscription_Validate(t *testing.T) {
	valid := WebhookSubscription{
		URL:              "https://example.com/hook",
		Secret:           "s3cret",
		SubscribedEvents: []EventType{EventCompleted},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*WebhookSubscription)
	}{
		{"missing url", func(s *WebhookSubscription) { s.URL = "" }},
		{"relative url", func(s *WebhookSubscription) { s.URL = "/hook" }},
		{"unsupported scheme", func(s *WebhookSubscription) { s.URL = "ftp://example.com/hook" }},
		{"missing host", func(s *WebhookSubscription) { s.URL = "https://" }},
		{"missing secret", func(s *WebhookSubscription) { s.Secret = "" }},
		{"no events", func(s *WebhookSubscription) { s.SubscribedEvents = nil }},
		{"unknown event", func(s *WebhookSubscription) { s.SubscribedEvents = []EventType{"finished"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := valid
			tt.mutate(&sub)
			assert.Error(t, sub.Validate())
		})
	}
}

func TestWebhookSubscription_Subscribed(t *testing.T) {
	sub := WebhookSubscription{SubscribedEvents: []EventType{EventStarted, EventCompleted}}
	assert.True(t, sub.Subscribed(EventStarted))
	assert.False(t, sub.Subscribed(EventProgress))
}

func TestWebhookDelivery_IsTerminal(t *testing.T) {
	delivery := &WebhookDelivery{Status: DeliveryStatusPending}
	assert.False(t, delivery.IsTerminal())
	delivery.Status = DeliveryStatusDelivered
	assert.True(t, delivery.IsTerminal())
	delivery.Status = DeliveryStatusFailed
	assert.True(t, delivery.IsTerminal())
}
