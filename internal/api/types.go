package api

import (
	"time"

	"github.com/gmsas95/dosewatch/internal/medication"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// DoseRequest identifies an occurrence by its scheduled time.
type DoseRequest struct {
	ScheduledTime time.Time `json:"scheduledTime"`
}

// MedicationResponse carries the saved medication and, when alerts could
// not all be scheduled, the reason.
type MedicationResponse struct {
	Medication      medication.Medication `json:"medication"`
	SchedulingError *ErrorResponse        `json:"schedulingError,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Clients   int    `json:"clients"`
}
