package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/clock"
	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/metrics"
	"github.com/gmsas95/dosewatch/internal/schedule"
)

// Settings controls the reminder sequence attached to each occurrence.
type Settings struct {
	ReminderInterval time.Duration
	MaxReminders     int
	// SafetyMargin is the minimum lead time of a primary alert; closer
	// occurrences roll forward to the next valid one.
	SafetyMargin time.Duration
	Sound        bool
	Vibration    bool
}

// DefaultSettings returns 5 minute spacing, one reminder and a 60s margin.
func DefaultSettings() Settings {
	return Settings{
		ReminderInterval: 5 * time.Minute,
		MaxReminders:     1,
		SafetyMargin:     60 * time.Second,
		Sound:            true,
		Vibration:        true,
	}
}

// Resolutions reports whether an occurrence already has a final ledger
// entry. Resolved occurrences are never alerted again.
type Resolutions interface {
	Resolved(medicationID string, scheduledTime time.Time) bool
}

// Scheduler rebuilds a medication's alert set on every change. Occurrences
// already under way are carried over. All operations are serialized.
type Scheduler struct {
	mu          sync.Mutex
	platform    Platform
	resolver    *schedule.Resolver
	clock       clock.Clock
	logger      *zap.Logger
	settings    Settings
	resolutions Resolutions

	// handles of alerts this scheduler created, by medication id
	byMed map[string][]ScheduledAlert
}

func NewScheduler(platform Platform, resolver *schedule.Resolver, clk clock.Clock, settings Settings, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		platform: platform,
		resolver: resolver,
		clock:    clk,
		logger:   logger,
		settings: settings,
		byMed:    make(map[string][]ScheduledAlert),
	}
}

// Settings returns the current reminder settings.
func (s *Scheduler) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetResolutions makes the scheduler skip occurrences r reports resolved.
func (s *Scheduler) SetResolutions(r Resolutions) {
	s.mu.Lock()
	s.resolutions = r
	s.mu.Unlock()
}

// SetSettings applies to alerts created from now on.
func (s *Scheduler) SetSettings(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// ScheduleFor rebuilds the alerts of med and returns how many were created.
// Each time-of-day slot gets its next unresolved occurrence: one primary
// plus MaxReminders reminders. An occurrence whose primary already fired, or
// fires within the safety margin, keeps its remaining alerts and covers its
// slot until it is resolved. A denied permission clears and schedules
// nothing; failed slots are reported without undoing the others.
func (s *Scheduler) ScheduleFor(ctx context.Context, med medication.Medication) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clearAll := func() {
		if err := s.cancelLocked(ctx, med.ID, nil); err != nil {
			s.logger.Warn("Failed to clear alerts", zap.String("medication_id", med.ID), zap.Error(err))
		}
	}

	if !med.Active {
		clearAll()
		s.logger.Debug("Medication inactive, alerts cleared", zap.String("medication_id", med.ID))
		return 0, nil
	}

	if err := s.platform.CheckPermission(ctx); err != nil {
		clearAll()
		s.logger.Warn("Alert permission denied, medication left unscheduled",
			zap.String("medication_id", med.ID),
			zap.Error(err),
		)
		return 0, apperrors.Wrap(err, apperrors.CodePermissionDenied, "alerts not scheduled for "+med.Name)
	}

	now := s.clock.Now()
	occs, err := s.resolver.Next(med, now)
	if err != nil {
		clearAll()
		return 0, err
	}

	kept, covered := s.underwayLocked(ctx, med, now)
	var details []string
	if err := s.cancelLocked(ctx, med.ID, func(a ScheduledAlert) bool {
		return !kept[occurrenceOf(a)]
	}); err != nil {
		details = append(details, fmt.Sprintf("cancel: %v", err))
	}

	count := 0
	for _, occ := range occs {
		if covered[occ.Slot] {
			continue
		}
		at, ok := s.rollForward(med, occ.Slot, occ.At, now)
		if !ok {
			continue
		}
		n, err := s.scheduleOccurrenceLocked(ctx, med, occ.Slot, at)
		if err != nil {
			details = append(details, fmt.Sprintf("%s: %v", occ.Slot, err))
			continue
		}
		count += n
	}

	metrics.RecordScheduled(count)
	s.logger.Info("Scheduled alerts",
		zap.String("medication_id", med.ID),
		zap.String("medication", med.Name),
		zap.Int("alerts", count),
		zap.Int("carried_over", len(kept)),
		zap.Int("failed_slots", len(details)),
	)

	if len(details) > 0 {
		return count, apperrors.PartialFailure(count, details)
	}
	return count, nil
}

// underwayLocked finds the occurrences of med whose pending alerts must
// survive a rebuild: still part of the schedule, unresolved, and with a
// primary that already fired or fires within the safety margin. It returns
// them by occurrence key and the slots they cover.
func (s *Scheduler) underwayLocked(ctx context.Context, med medication.Medication, now time.Time) (map[string]bool, map[string]bool) {
	type group struct {
		slot           string
		at             time.Time
		primaryPending bool
		primaryFiresAt time.Time
	}
	groups := make(map[string]*group)
	for _, a := range s.pendingLocked(ctx, med.ID, now) {
		key := occurrenceOf(a)
		g, ok := groups[key]
		if !ok {
			g = &group{slot: a.Payload.Slot, at: schedule.NormalizeTime(a.Payload.ScheduledTime)}
			groups[key] = g
		}
		if a.Payload.Kind == KindPrimary {
			g.primaryPending = true
			g.primaryFiresAt = a.FiresAt
		}
	}

	kept := make(map[string]bool)
	covered := make(map[string]bool)
	limit := now.Add(s.settings.SafetyMargin)
	for key, g := range groups {
		if g.primaryPending && !g.primaryFiresAt.Before(limit) {
			continue
		}
		if s.resolvedLocked(med.ID, g.at) || !s.isOccurrence(med, g.slot, g.at) {
			continue
		}
		kept[key] = true
		covered[g.slot] = true
	}
	return kept, covered
}

// pendingLocked lists the medication's alerts that have not fired yet. The
// platform is the source of truth; the local index is used if it cannot be
// listed.
func (s *Scheduler) pendingLocked(ctx context.Context, medicationID string, now time.Time) []ScheduledAlert {
	var out []ScheduledAlert
	listed, err := s.platform.ListScheduled(ctx)
	if err != nil {
		s.logger.Warn("Failed to list scheduled alerts", zap.Error(err))
		for _, a := range s.byMed[medicationID] {
			if a.FiresAt.After(now) {
				out = append(out, a)
			}
		}
		return out
	}
	for _, a := range listed {
		if a.Payload.MedicationID == medicationID {
			out = append(out, a)
		}
	}
	return out
}

// isOccurrence reports whether at is an occurrence of slot under med's
// current schedule.
func (s *Scheduler) isOccurrence(med medication.Medication, slot string, at time.Time) bool {
	if !hasSlot(med, slot) {
		return false
	}
	next, ok, err := s.resolver.NextForSlot(med, slot, at)
	return err == nil && ok && next.Equal(at)
}

func (s *Scheduler) resolvedLocked(medicationID string, at time.Time) bool {
	return s.resolutions != nil && s.resolutions.Resolved(medicationID, at)
}

func occurrenceOf(a ScheduledAlert) string {
	return schedule.OccurrenceKey(a.Payload.MedicationID, a.Payload.ScheduledTime)
}

// CancelFor retracts every alert of the medication. Calling it when nothing
// is scheduled is a no-op.
func (s *Scheduler) CancelFor(ctx context.Context, medicationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(ctx, medicationID, nil)
}

// Advance retires the alerts of one occurrence and schedules the same slot's
// following occurrence. It is called once an occurrence is resolved.
func (s *Scheduler) Advance(ctx context.Context, med medication.Medication, scheduledTime time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheduledTime = schedule.NormalizeTime(scheduledTime)
	slot := s.slotOfLocked(med, scheduledTime)
	sameOccurrence := func(a ScheduledAlert) bool {
		return schedule.NormalizeTime(a.Payload.ScheduledTime).Equal(scheduledTime)
	}
	if err := s.cancelLocked(ctx, med.ID, sameOccurrence); err != nil {
		s.logger.Warn("Failed to retire occurrence alerts",
			zap.String("medication_id", med.ID),
			zap.Error(err),
		)
	}

	if !med.Active {
		return 0, nil
	}
	if !hasSlot(med, slot) {
		return 0, nil
	}
	for _, a := range s.byMed[med.ID] {
		if a.Payload.Slot == slot && a.Payload.ScheduledTime.After(scheduledTime) {
			return 0, nil
		}
	}
	if err := s.platform.CheckPermission(ctx); err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodePermissionDenied, "alerts not scheduled for "+med.Name)
	}

	now := s.clock.Now()
	from := scheduledTime.Add(time.Minute)
	if now.After(from) {
		from = now
	}
	next, ok, err := s.resolver.NextForSlot(med, slot, from)
	if err != nil || !ok {
		return 0, err
	}
	at, ok := s.rollForward(med, slot, next, now)
	if !ok {
		return 0, nil
	}
	n, err := s.scheduleOccurrenceLocked(ctx, med, slot, at)
	if err != nil {
		return 0, apperrors.PartialFailure(0, []string{fmt.Sprintf("%s: %v", slot, err)})
	}
	metrics.RecordScheduled(n)
	return n, nil
}

// Pending lists the platform's alerts for a medication.
func (s *Scheduler) Pending(ctx context.Context, medicationID string) ([]ScheduledAlert, error) {
	all, err := s.platform.ListScheduled(ctx)
	if err != nil {
		return nil, err
	}
	var out []ScheduledAlert
	for _, a := range all {
		if a.Payload.MedicationID == medicationID {
			out = append(out, a)
		}
	}
	return out, nil
}

// slotOfLocked names the time-of-day slot an occurrence belongs to. The
// label carried by its alerts wins; wall-clock formatting is the last resort
// because occurrences inside a DST gap are shifted off their label.
func (s *Scheduler) slotOfLocked(med medication.Medication, scheduledTime time.Time) string {
	for _, a := range s.byMed[med.ID] {
		if a.Payload.Slot != "" && schedule.NormalizeTime(a.Payload.ScheduledTime).Equal(scheduledTime) {
			return a.Payload.Slot
		}
	}
	if slots, err := med.Slots(); err == nil {
		for _, sl := range slots {
			if s.isOccurrence(med, sl.Label, scheduledTime) {
				return sl.Label
			}
		}
	}
	return scheduledTime.In(s.resolver.Location()).Format("15:04")
}

// rollForward moves an occurrence that is resolved already, or closer than
// the safety margin, to the slot's next valid occurrence.
func (s *Scheduler) rollForward(med medication.Medication, slot string, at, now time.Time) (time.Time, bool) {
	limit := now.Add(s.settings.SafetyMargin)
	for at.Before(limit) || s.resolvedLocked(med.ID, at) {
		next, ok, err := s.resolver.NextForSlot(med, slot, at.Add(time.Minute))
		if err != nil || !ok {
			return time.Time{}, false
		}
		at = next
	}
	return at, true
}

// scheduleOccurrenceLocked creates the primary and its reminders. A slot is
// all-or-nothing: on any failure the alerts already created for it are
// cancelled.
func (s *Scheduler) scheduleOccurrenceLocked(ctx context.Context, med medication.Medication, slot string, at time.Time) (int, error) {
	settings := s.settings
	var created []ScheduledAlert

	for i := 0; i <= settings.MaxReminders; i++ {
		kind := KindPrimary
		if i > 0 {
			kind = KindReminder
		}
		firesAt := at.Add(time.Duration(i) * settings.ReminderInterval)
		payload := Payload{
			MedicationID:   med.ID,
			MedicationName: med.Name,
			ScheduledTime:  at,
			Kind:           kind,
			ReminderIndex:  i,
			MaxReminders:   settings.MaxReminders,
			Slot:           slot,
			Sound:          settings.Sound,
			Vibration:      settings.Vibration,
		}

		handle, err := s.platform.Schedule(ctx, firesAt, payload)
		if err != nil {
			for _, a := range created {
				_ = s.platform.Cancel(ctx, a.Handle)
			}
			return 0, err
		}
		created = append(created, ScheduledAlert{Handle: handle, FiresAt: firesAt, Payload: payload})
	}

	s.byMed[med.ID] = append(s.byMed[med.ID], created...)
	return len(created), nil
}

// cancelLocked cancels the medication's alerts accepted by match, or all of
// them when match is nil. Orphans the platform still lists are swept too.
func (s *Scheduler) cancelLocked(ctx context.Context, medicationID string, match func(ScheduledAlert) bool) error {
	targets := make(map[string]ScheduledAlert)
	for _, a := range s.byMed[medicationID] {
		targets[a.Handle] = a
	}
	if listed, err := s.platform.ListScheduled(ctx); err == nil {
		for _, a := range listed {
			if a.Payload.MedicationID == medicationID {
				targets[a.Handle] = a
			}
		}
	} else {
		s.logger.Warn("Failed to list scheduled alerts", zap.Error(err))
	}

	var failed []string
	var remaining []ScheduledAlert
	for handle, a := range targets {
		if match != nil && !match(a) {
			remaining = append(remaining, a)
			continue
		}
		if err := s.platform.Cancel(ctx, handle); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", handle, err))
			remaining = append(remaining, a)
		}
	}

	if len(remaining) == 0 {
		delete(s.byMed, medicationID)
	} else {
		s.byMed[medicationID] = remaining
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to cancel %d alerts: %v", len(failed), failed)
	}
	return nil
}

func hasSlot(med medication.Medication, label string) bool {
	slots, err := med.Slots()
	if err != nil {
		return false
	}
	for _, s := range slots {
		if s.Label == label {
			return true
		}
	}
	return false
}
