// Package tracker is the application service over medications, alerts and
// the dose ledger. Every surface (HTTP, CLI, cron) goes through it.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/adherence"
	"github.com/gmsas95/dosewatch/internal/alerts"
	"github.com/gmsas95/dosewatch/internal/clock"
	"github.com/gmsas95/dosewatch/internal/ledger"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/monitor"
	"github.com/gmsas95/dosewatch/internal/schedule"
)

// Deps are the components a Service coordinates.
type Deps struct {
	Medications *medication.Repository
	Ledger      *ledger.Ledger
	Scheduler   *alerts.Scheduler
	Monitor     *monitor.Monitor
	Resolver    *schedule.Resolver
	Clock       clock.Clock
	Hub         *Hub
	Logger      *zap.Logger
}

type Service struct {
	meds      *medication.Repository
	ledger    *ledger.Ledger
	scheduler *alerts.Scheduler
	monitor   *monitor.Monitor
	resolver  *schedule.Resolver
	clock     clock.Clock
	hub       *Hub
	logger    *zap.Logger
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Hub == nil {
		d.Hub = NewHub(d.Logger)
	}
	s := &Service{
		meds:      d.Medications,
		ledger:    d.Ledger,
		scheduler: d.Scheduler,
		monitor:   d.Monitor,
		resolver:  d.Resolver,
		clock:     d.Clock,
		hub:       d.Hub,
		logger:    d.Logger,
	}
	s.ledger.Subscribe(s.publishLedger)
	return s
}

// Attach forwards the platform's delivery events to live subscribers.
func (s *Service) Attach(p alerts.Platform) {
	p.OnDelivered(func(a alerts.ScheduledAlert) {
		s.publish(EventAlertDelivered, a)
	})
}

func (s *Service) Hub() *Hub { return s.hub }

// Load restores medications and history from the store.
func (s *Service) Load(ctx context.Context) error {
	if err := s.meds.Load(ctx); err != nil {
		return err
	}
	return s.ledger.Load(ctx)
}

// Start loads state and schedules every active medication.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	n, err := s.Replan(ctx)
	if err != nil {
		s.logger.Warn("Initial scheduling incomplete", zap.Int("alerts", n), zap.Error(err))
	}
	return nil
}

// Stop cancels grace timers. Scheduled alerts stay with the platform.
func (s *Service) Stop() {
	s.monitor.Stop()
}

func (s *Service) Medications() []medication.Medication { return s.meds.List() }

func (s *Service) Medication(id string) (medication.Medication, bool) { return s.meds.Get(id) }

// AddMedication saves med and schedules its alerts. A scheduling failure
// leaves the medication saved: the returned medication is valid whenever its
// ID is set, even if err is not nil.
func (s *Service) AddMedication(ctx context.Context, med medication.Medication) (medication.Medication, error) {
	created, err := s.meds.Create(ctx, med)
	if err != nil {
		return medication.Medication{}, err
	}
	s.logger.Info("Medication added",
		zap.String("medication_id", created.ID),
		zap.String("medication", created.Name),
	)
	s.publish(EventMedicationCreated, created)

	if _, err := s.scheduler.ScheduleFor(ctx, created); err != nil {
		return created, err
	}
	return created, nil
}

// UpdateMedication merges u. Alerts are rebuilt when anything they carry
// changed; grace timers of the old schedule are dropped first.
func (s *Service) UpdateMedication(ctx context.Context, id string, u medication.Update) (medication.Medication, error) {
	before, after, err := s.meds.Update(ctx, id, u)
	if err != nil {
		return medication.Medication{}, err
	}
	s.publish(EventMedicationUpdated, after)

	if before.ScheduleEqual(&after) && before.Name == after.Name {
		return after, nil
	}
	if n := s.monitor.CancelMedication(id); n > 0 {
		s.logger.Info("Dropped grace timers after edit", zap.String("medication_id", id), zap.Int("timers", n))
	}
	if _, err := s.scheduler.ScheduleFor(ctx, after); err != nil {
		return after, err
	}
	return after, nil
}

// DeleteMedication removes the medication with all of its alerts and grace
// timers. Its ledger history is kept.
func (s *Service) DeleteMedication(ctx context.Context, id string) error {
	removed, err := s.meds.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.monitor.CancelMedication(id)
	if err := s.scheduler.CancelFor(ctx, id); err != nil {
		s.logger.Warn("Failed to cancel alerts of deleted medication",
			zap.String("medication_id", id),
			zap.Error(err),
		)
	}
	s.logger.Info("Medication deleted", zap.String("medication_id", id), zap.String("medication", removed.Name))
	s.publish(EventMedicationDeleted, removed)
	return nil
}

// RecordTaken acknowledges an occurrence.
func (s *Service) RecordTaken(ctx context.Context, medicationID string, scheduledTime time.Time) (ledger.Entry, error) {
	return s.ledger.RecordTaken(ctx, medicationID, scheduledTime)
}

// RecordMissed resolves an occurrence as missed without escalating.
func (s *Service) RecordMissed(ctx context.Context, medicationID string, scheduledTime time.Time) (ledger.Entry, error) {
	return s.ledger.RecordMissed(ctx, medicationID, scheduledTime)
}

func (s *Service) History(r ledger.Range) []ledger.Entry { return s.ledger.HistoryFor(r) }

func (s *Service) ClearHistory(ctx context.Context) error { return s.ledger.Clear(ctx) }

func (s *Service) Adherence(r ledger.Range) adherence.Report {
	return adherence.Summarize(s.ledger.HistoryFor(r), r)
}

// Alerts lists the alerts pending for a medication.
func (s *Service) Alerts(ctx context.Context, medicationID string) ([]alerts.ScheduledAlert, error) {
	return s.scheduler.Pending(ctx, medicationID)
}

func (s *Service) Escalations() []monitor.Escalation { return s.monitor.Escalations() }

// DoseSlot is one occurrence in a day view.
type DoseSlot struct {
	MedicationID   string        `json:"medicationId"`
	MedicationName string        `json:"medicationName"`
	Dosage         string        `json:"dosage"`
	Color          string        `json:"color,omitempty"`
	Slot           string        `json:"slot"`
	ScheduledTime  time.Time     `json:"scheduledTime"`
	Status         ledger.Status `json:"status"`
	State          string        `json:"state"`
}

// DaySchedule lists every occurrence of active medications on the calendar
// day of t, in time order.
func (s *Service) DaySchedule(t time.Time) ([]DoseSlot, error) {
	loc := s.resolver.Location()
	local := t.In(loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1).Add(-time.Second)

	var out []DoseSlot
	for _, med := range s.meds.List() {
		if !med.Active {
			continue
		}
		occs, err := s.resolver.Between(med, from, to)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", med.Name, err)
		}
		for _, occ := range occs {
			slot := DoseSlot{
				MedicationID:   med.ID,
				MedicationName: med.Name,
				Dosage:         med.Dosage,
				Color:          med.Color,
				Slot:           occ.Slot,
				ScheduledTime:  occ.At,
				Status:         ledger.StatusScheduled,
				State:          s.monitor.State(med.ID, occ.At).String(),
			}
			if e, ok := s.ledger.Lookup(med.ID, occ.At); ok {
				slot.Status = e.Status
			}
			out = append(out, slot)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].MedicationName < out[j].MedicationName
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return out, nil
}

// TodaySchedule is DaySchedule for the current day.
func (s *Service) TodaySchedule() ([]DoseSlot, error) {
	return s.DaySchedule(s.clock.Now())
}

// Replan rebuilds the alerts of every active medication and returns the
// number of alerts created.
func (s *Service) Replan(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, med := range s.meds.List() {
		if !med.Active {
			continue
		}
		n, err := s.scheduler.ScheduleFor(ctx, med)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", med.Name, err))
		}
	}
	s.logger.Info("Replanned alerts", zap.Int("alerts", total), zap.Int("failures", len(errs)))
	return total, errors.Join(errs...)
}

// ExpireCourses deactivates medications whose end date has passed and
// returns how many were deactivated.
func (s *Service) ExpireCourses(ctx context.Context) (int, error) {
	now := s.clock.Now()
	loc := s.resolver.Location()
	inactive := false

	count := 0
	var errs []error
	for _, med := range s.meds.List() {
		if !med.Active || !med.Expired(now, loc) {
			continue
		}
		if _, err := s.UpdateMedication(ctx, med.ID, medication.Update{Active: &inactive}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", med.Name, err))
			continue
		}
		count++
		s.logger.Info("Course finished", zap.String("medication_id", med.ID), zap.String("end_date", med.EndDate))
	}
	return count, errors.Join(errs...)
}

// ApplySettings changes reminder settings and the grace period, then
// rebuilds every alert set.
func (s *Service) ApplySettings(ctx context.Context, settings alerts.Settings, grace time.Duration) (int, error) {
	s.scheduler.SetSettings(settings)
	s.monitor.SetGracePeriod(grace)
	return s.Replan(ctx)
}

func (s *Service) publishLedger(e ledger.Entry, _ ledger.Change) {
	switch e.Status {
	case ledger.StatusTaken:
		s.publish(EventDoseTaken, e)
	case ledger.StatusMissed:
		s.publish(EventDoseMissed, e)
	}
}

func (s *Service) publish(t EventType, data any) {
	s.hub.Broadcast(Event{Type: t, At: s.clock.Now(), Data: data})
}
