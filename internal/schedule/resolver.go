// Package schedule turns a medication's dosing rule into concrete occurrence
// timestamps.
package schedule

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/gmsas95/dosewatch/internal/medication"
)

var weekdays = []rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// Occurrence is the next expected dose for one time-of-day slot.
type Occurrence struct {
	Slot string
	At   time.Time
}

// Resolver computes occurrences in a fixed timezone.
//
// A slot that falls on the same minute as the query time counts as not yet
// passed.
type Resolver struct {
	loc *time.Location
}

func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{loc: loc}
}

// Location returns the resolver's timezone.
func (r *Resolver) Location() *time.Location { return r.loc }

// Next returns, per time-of-day slot, the earliest occurrence at or after
// from. Slots with no remaining occurrence (course ended) are omitted.
func (r *Resolver) Next(med medication.Medication, from time.Time) ([]Occurrence, error) {
	if err := med.Validate(); err != nil {
		return nil, err
	}
	slots, err := med.Slots()
	if err != nil {
		return nil, err
	}

	out := make([]Occurrence, 0, len(slots))
	for _, slot := range slots {
		at, ok := r.nextForSlot(med, slot, from)
		if ok {
			out = append(out, Occurrence{Slot: slot.Label, At: at})
		}
	}
	return out, nil
}

// NextOccurrences is Next flattened to timestamps, ascending.
func (r *Resolver) NextOccurrences(med medication.Medication, from time.Time) ([]time.Time, error) {
	occs, err := r.Next(med, from)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, len(occs))
	for i, o := range occs {
		times[i] = o.At
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times, nil
}

// NextForSlot returns the earliest occurrence of one "HH:MM" slot at or after from.
func (r *Resolver) NextForSlot(med medication.Medication, label string, from time.Time) (time.Time, bool, error) {
	if err := med.Validate(); err != nil {
		return time.Time{}, false, err
	}
	slot, err := medication.ParseSlot(label)
	if err != nil {
		return time.Time{}, false, err
	}
	at, ok := r.nextForSlot(med, slot, from)
	return at, ok, nil
}

// Between returns every occurrence in [from, to], ascending.
func (r *Resolver) Between(med medication.Medication, from, to time.Time) ([]Occurrence, error) {
	if err := med.Validate(); err != nil {
		return nil, err
	}
	slots, err := med.Slots()
	if err != nil {
		return nil, err
	}

	var out []Occurrence
	for _, slot := range slots {
		rule, err := r.rule(med, slot, from)
		if err != nil {
			return nil, err
		}
		if rule == nil {
			continue
		}
		for _, at := range rule.Between(from.Truncate(time.Minute), to, true) {
			out = append(out, Occurrence{Slot: slot.Label, At: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// DueOn reports whether med has any occurrence on the calendar day of t.
func (r *Resolver) DueOn(med medication.Medication, t time.Time) bool {
	day := dayStart(t.In(r.loc))
	occs, err := r.Between(med, day, day.Add(24*time.Hour-time.Second))
	return err == nil && len(occs) > 0
}

func (r *Resolver) nextForSlot(med medication.Medication, slot medication.Slot, from time.Time) (time.Time, bool) {
	rule, err := r.rule(med, slot, from)
	if err != nil || rule == nil {
		return time.Time{}, false
	}
	next := rule.After(from.Truncate(time.Minute), true)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// rule builds the recurrence for a single slot. DTSTART is moved up to the
// query day because daily and weekly rules with interval 1 produce the same
// set regardless of where they start; this keeps iteration short for
// long-running courses. A nil rule means the course is over.
func (r *Resolver) rule(med medication.Medication, slot medication.Slot, from time.Time) (*rrule.RRule, error) {
	dtstart := dayStart(from.In(r.loc))
	if start, ok := med.StartOfCourse(r.loc); ok && start.After(dtstart) {
		dtstart = start
	}

	opt := rrule.ROption{
		Freq:     rrule.DAILY,
		Dtstart:  dtstart,
		Byhour:   []int{slot.Hour},
		Byminute: []int{slot.Minute},
		Bysecond: []int{0},
	}
	if med.Frequency == medication.FrequencyWeekly {
		opt.Freq = rrule.WEEKLY
		for _, d := range med.DaysOfWeek {
			opt.Byweekday = append(opt.Byweekday, weekdays[d])
		}
	}
	if end, ok := med.EndOfCourse(r.loc); ok {
		if end.Before(dtstart) {
			return nil, nil
		}
		opt.Until = end
	}
	return rrule.NewRRule(opt)
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
