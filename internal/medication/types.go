package medication

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/gmsas95/dosewatch/internal/errors"
)

// Frequency is the recurrence rule of a medication.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// DateLayout is the calendar-date format of StartDate and EndDate.
const DateLayout = "2006-01-02"

// Medication is a user's medication with its dosing schedule.
type Medication struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Dosage string `json:"dosage"`

	// Schedule
	Frequency  Frequency `json:"frequency"`
	DaysOfWeek []int     `json:"daysOfWeek,omitempty"` // 0=Sunday, 1=Monday, etc.
	TimeOfDay  []string  `json:"timeOfDay"`            // ["08:00", "20:00"]
	StartDate  string    `json:"startDate,omitempty"`  // YYYY-MM-DD
	EndDate    string    `json:"endDate,omitempty"`

	Color        string `json:"color,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Active       bool   `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Slot is one parsed time-of-day entry.
type Slot struct {
	Label  string
	Hour   int
	Minute int
}

// ParseSlot parses an "HH:MM" string.
func ParseSlot(s string) (Slot, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 || len(parts[1]) != 2 {
		return Slot{}, apperrors.Validation("time of day %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Slot{}, apperrors.Validation("time of day %q has invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Slot{}, apperrors.Validation("time of day %q has invalid minute", s)
	}
	return Slot{Label: fmt.Sprintf("%02d:%02d", h, m), Hour: h, Minute: m}, nil
}

// Slots parses TimeOfDay in order.
func (m *Medication) Slots() ([]Slot, error) {
	slots := make([]Slot, 0, len(m.TimeOfDay))
	for _, s := range m.TimeOfDay {
		slot, err := ParseSlot(s)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// Validate rejects malformed schedules before they reach the scheduler.
func (m *Medication) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return apperrors.Validation("name is required")
	}

	switch m.Frequency {
	case FrequencyDaily:
	case FrequencyWeekly:
		if len(m.DaysOfWeek) == 0 {
			return apperrors.Validation("weekly medication %q needs at least one day of week", m.Name)
		}
	default:
		return apperrors.Validation("unknown frequency %q", m.Frequency)
	}
	for _, d := range m.DaysOfWeek {
		if d < 0 || d > 6 {
			return apperrors.Validation("day of week %d out of range 0-6", d)
		}
	}

	if len(m.TimeOfDay) == 0 {
		return apperrors.Validation("medication %q needs at least one time of day", m.Name)
	}
	slots, err := m.Slots()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(slots))
	for _, s := range slots {
		if seen[s.Label] {
			return apperrors.Validation("time of day %s listed twice", s.Label)
		}
		seen[s.Label] = true
	}

	start, hasStart, err := m.startDate()
	if err != nil {
		return err
	}
	end, hasEnd, err := m.endDate()
	if err != nil {
		return err
	}
	if hasStart && hasEnd && end.Before(start) {
		return apperrors.Validation("end date %s is before start date %s", m.EndDate, m.StartDate)
	}
	return nil
}

func (m *Medication) startDate() (time.Time, bool, error) {
	return parseDate("start date", m.StartDate)
}

func (m *Medication) endDate() (time.Time, bool, error) {
	return parseDate("end date", m.EndDate)
}

func parseDate(field, s string) (time.Time, bool, error) {
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, false, apperrors.Validation("%s %q must be YYYY-MM-DD", field, s)
	}
	return t, true, nil
}

// StartOfCourse returns midnight of StartDate in loc.
func (m *Medication) StartOfCourse(loc *time.Location) (time.Time, bool) {
	t, ok, err := m.startDate()
	if err != nil || !ok {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), true
}

// EndOfCourse returns the last second of EndDate in loc.
func (m *Medication) EndOfCourse(loc *time.Location) (time.Time, bool) {
	t, ok, err := m.endDate()
	if err != nil || !ok {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc), true
}

// Expired reports whether the course ended before now.
func (m *Medication) Expired(now time.Time, loc *time.Location) bool {
	end, ok := m.EndOfCourse(loc)
	return ok && now.After(end)
}

// ScheduleEqual reports whether two medications produce the same alerts.
func (m *Medication) ScheduleEqual(o *Medication) bool {
	if m.Frequency != o.Frequency || m.StartDate != o.StartDate || m.EndDate != o.EndDate || m.Active != o.Active {
		return false
	}
	if !slices.Equal(m.TimeOfDay, o.TimeOfDay) {
		return false
	}
	a := slices.Clone(m.DaysOfWeek)
	b := slices.Clone(o.DaysOfWeek)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// Clone returns a deep copy.
func (m Medication) Clone() Medication {
	m.DaysOfWeek = slices.Clone(m.DaysOfWeek)
	m.TimeOfDay = slices.Clone(m.TimeOfDay)
	return m
}

// Update is a partial change; nil fields are left untouched.
type Update struct {
	Name         *string    `json:"name,omitempty"`
	Dosage       *string    `json:"dosage,omitempty"`
	Frequency    *Frequency `json:"frequency,omitempty"`
	DaysOfWeek   *[]int     `json:"daysOfWeek,omitempty"`
	TimeOfDay    *[]string  `json:"timeOfDay,omitempty"`
	StartDate    *string    `json:"startDate,omitempty"`
	EndDate      *string    `json:"endDate,omitempty"`
	Color        *string    `json:"color,omitempty"`
	Instructions *string    `json:"instructions,omitempty"`
	Active       *bool      `json:"active,omitempty"`
}

// Apply merges u into a copy of m.
func (u Update) Apply(m Medication) Medication {
	out := m.Clone()
	if u.Name != nil {
		out.Name = *u.Name
	}
	if u.Dosage != nil {
		out.Dosage = *u.Dosage
	}
	if u.Frequency != nil {
		out.Frequency = *u.Frequency
	}
	if u.DaysOfWeek != nil {
		out.DaysOfWeek = slices.Clone(*u.DaysOfWeek)
	}
	if u.TimeOfDay != nil {
		out.TimeOfDay = slices.Clone(*u.TimeOfDay)
	}
	if u.StartDate != nil {
		out.StartDate = *u.StartDate
	}
	if u.EndDate != nil {
		out.EndDate = *u.EndDate
	}
	if u.Color != nil {
		out.Color = *u.Color
	}
	if u.Instructions != nil {
		out.Instructions = *u.Instructions
	}
	if u.Active != nil {
		out.Active = *u.Active
	}
	return out
}
