package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewDeliveryID generates a unique webhook delivery ID with the "dlv_" prefix
// Format: dlv_<uuid>
func NewDeliveryID() string {
	return "dlv_" + uuid.New().String()
}
