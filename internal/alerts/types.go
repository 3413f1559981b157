// Package alerts owns the mapping from dose occurrences to platform-level
// scheduled alerts.
package alerts

import (
	"context"
	"time"
)

// Kind distinguishes the primary alert from follow-up reminders.
type Kind string

const (
	KindPrimary  Kind = "primary"
	KindReminder Kind = "reminder"
)

// Payload travels with every alert so delivery events can be correlated
// back to their occurrence.
type Payload struct {
	MedicationID   string    `json:"medicationId"`
	MedicationName string    `json:"medicationName"`
	ScheduledTime  time.Time `json:"scheduledTime"`
	Kind           Kind      `json:"kind"`
	ReminderIndex  int       `json:"reminderIndex"` // 0 for the primary
	MaxReminders   int       `json:"maxReminders"`
	Slot           string    `json:"slot"`
	Sound          bool      `json:"sound"`
	Vibration      bool      `json:"vibration"`
}

// IsLast reports whether this is the final alert of its occurrence.
func (p Payload) IsLast() bool {
	return p.ReminderIndex == p.MaxReminders
}

// ScheduledAlert is one alert registered with the platform.
type ScheduledAlert struct {
	Handle  string    `json:"handle"`
	FiresAt time.Time `json:"firesAt"`
	Payload Payload   `json:"payload"`
}

// Platform is the device-level alert collaborator.
type Platform interface {
	// CheckPermission returns a permission-denied error when alerts cannot be scheduled.
	CheckPermission(ctx context.Context) error
	Schedule(ctx context.Context, firesAt time.Time, payload Payload) (string, error)
	// Cancel retracts an alert. Unknown handles are ignored.
	Cancel(ctx context.Context, handle string) error
	ListScheduled(ctx context.Context) ([]ScheduledAlert, error)
	// OnDelivered registers a listener invoked for every delivered alert.
	OnDelivered(fn func(ScheduledAlert))
}
