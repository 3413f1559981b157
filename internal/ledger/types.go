package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the resolution state of a dose occurrence.
type Status int

const (
	StatusScheduled Status = iota
	StatusTaken
	StatusMissed
)

func (s Status) String() string {
	switch s {
	case StatusTaken:
		return "taken"
	case StatusMissed:
		return "missed"
	default:
		return "scheduled"
	}
}

// Terminal reports whether the status resolves the occurrence.
func (s Status) Terminal() bool {
	return s == StatusTaken || s == StatusMissed
}

// ParseStatus accepts the canonical names and the legacy values found in
// older history blobs.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "taken", "tomado", "tomada":
		return StatusTaken, nil
	case "missed", "perdido", "perdida", "esquecido", "nao_tomado":
		return StatusMissed, nil
	case "scheduled", "pending", "agendado", "pendente":
		return StatusScheduled, nil
	default:
		return StatusScheduled, fmt.Errorf("unknown dose status %q", s)
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Entry is one occurrence's record in the dose history.
type Entry struct {
	ID             string     `json:"id"`
	MedicationID   string     `json:"medicationId"`
	MedicationName string     `json:"medicationName"`
	ScheduledTime  time.Time  `json:"scheduledTime"`
	Status         Status     `json:"status"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	TakenAt        *time.Time `json:"takenAt,omitempty"`
	MissedAt       *time.Time `json:"missedAt,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// EffectiveTime is the resolution time, or the scheduled time for entries
// not yet resolved.
func (e Entry) EffectiveTime() time.Time {
	if e.ResolvedAt != nil {
		return *e.ResolvedAt
	}
	if e.TakenAt != nil {
		return *e.TakenAt
	}
	if e.MissedAt != nil {
		return *e.MissedAt
	}
	return e.ScheduledTime
}

// Range is an inclusive time window. A zero bound is open.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Change describes what a resolution call did to the ledger.
type Change int

const (
	Unchanged Change = iota
	Created
	// Flipped marks a missed entry later acknowledged as taken.
	Flipped
)
