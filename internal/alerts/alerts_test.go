package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/clock"
	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/schedule"
)

// failingPlatform refuses to schedule alerts for one slot.
type failingPlatform struct {
	*LocalPlatform
	failSlot string
}

func (p *failingPlatform) Schedule(ctx context.Context, firesAt time.Time, payload Payload) (string, error) {
	if payload.Slot == p.failSlot && payload.Kind == KindReminder {
		return "", errors.New("platform busy")
	}
	return p.LocalPlatform.Schedule(ctx, firesAt, payload)
}

// resolvedSet marks occurrences as already taken or missed.
type resolvedSet map[string]bool

func (r resolvedSet) Resolved(medicationID string, scheduledTime time.Time) bool {
	return r[schedule.OccurrenceKey(medicationID, scheduledTime)]
}

func at(day, hour, min int) time.Time {
	return time.Date(2024, 3, day, hour, min, 0, 0, time.UTC)
}

func setupScheduler(t *testing.T, now time.Time) (*Scheduler, *LocalPlatform, *clock.Manual) {
	clk := clock.NewManual(now)
	logger, _ := zap.NewDevelopment()
	platform := NewLocalPlatform(clk, logger)
	s := NewScheduler(platform, schedule.NewResolver(time.UTC), clk, DefaultSettings(), logger)
	return s, platform, clk
}

func paracetamol(times ...string) medication.Medication {
	if len(times) == 0 {
		times = []string{"08:00"}
	}
	return medication.Medication{
		ID:        "med-1",
		Name:      "Paracetamol 500mg",
		Frequency: medication.FrequencyDaily,
		TimeOfDay: times,
		StartDate: "2024-03-01",
		Active:    true,
	}
}

func listFor(t *testing.T, p Platform, medID string) []ScheduledAlert {
	all, err := p.ListScheduled(context.Background())
	require.NoError(t, err)
	var out []ScheduledAlert
	for _, a := range all {
		if a.Payload.MedicationID == medID {
			out = append(out, a)
		}
	}
	return out
}

func TestScheduleFor_PrimaryAndReminders(t *testing.T) {
	s, platform, _ := setupScheduler(t, at(1, 7, 0))
	s.SetSettings(Settings{ReminderInterval: 5 * time.Minute, MaxReminders: 3, SafetyMargin: time.Minute})

	n, err := s.ScheduleFor(context.Background(), paracetamol())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	alerts := listFor(t, platform, "med-1")
	require.Len(t, alerts, 4)
	assert.Equal(t, KindPrimary, alerts[0].Payload.Kind)
	assert.Equal(t, at(1, 8, 0), alerts[0].FiresAt)
	for i := 1; i < len(alerts); i++ {
		assert.Equal(t, KindReminder, alerts[i].Payload.Kind)
		assert.Equal(t, i, alerts[i].Payload.ReminderIndex)
		assert.True(t, alerts[i].FiresAt.After(alerts[i-1].FiresAt))
		assert.Equal(t, at(1, 8, 0), alerts[i].Payload.ScheduledTime)
	}
	assert.True(t, alerts[3].Payload.IsLast())
	assert.False(t, alerts[0].Payload.IsLast())
}

func TestScheduleFor_Idempotent(t *testing.T) {
	s, platform, _ := setupScheduler(t, at(1, 7, 0))
	med := paracetamol("08:00", "20:00")

	first, err := s.ScheduleFor(context.Background(), med)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		n, err := s.ScheduleFor(context.Background(), med)
		require.NoError(t, err)
		assert.Equal(t, first, n)
	}

	assert.Len(t, listFor(t, platform, "med-1"), first)
}

func TestCancelFor_NoOpWhenEmpty(t *testing.T) {
	s, platform, _ := setupScheduler(t, at(1, 7, 0))
	ctx := context.Background()

	_, err := s.ScheduleFor(ctx, paracetamol())
	require.NoError(t, err)

	require.NoError(t, s.CancelFor(ctx, "med-1"))
	assert.Empty(t, listFor(t, platform, "med-1"))
	require.NoError(t, s.CancelFor(ctx, "med-1"))
	assert.Empty(t, listFor(t, platform, "med-1"))
	require.NoError(t, s.CancelFor(ctx, "never-scheduled"))
}

func TestCancelFor_SweepsOrphans(t *testing.T) {
	s, platform, _ := setupScheduler(t, at(1, 7, 0))
	ctx := context.Background()

	_, err := platform.Schedule(ctx, at(1, 9, 0), Payload{MedicationID: "med-1", Kind: KindPrimary})
	require.NoError(t, err)

	require.NoError(t, s.CancelFor(ctx, "med-1"))
	assert.Empty(t, listFor(t, platform, "med-1"))
}

func TestScheduleFor_PermissionDenied(t *testing.T) {
	s, platform, _ := setupScheduler(t, at(1, 7, 0))
	platform.SetPermission(false)

	n, err := s.ScheduleFor(context.Background(), paracetamol())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPermissionDenied))
	assert.Equal(t, 0, n)
	assert.Empty(t, listFor(t, platform, "med-1"))
}

func TestScheduleFor_SafetyMarginRollsForward(t *testing.T) {
	s, platform, _ := setupScheduler(t, at(1, 7, 59).Add(30*time.Second))

	_, err := s.ScheduleFor(context.Background(), paracetamol())
	require.NoError(t, err)

	alerts := listFor(t, platform, "med-1")
	require.NotEmpty(t, alerts)
	assert.Equal(t, at(2, 8, 0), alerts[0].FiresAt)
}

func TestScheduleFor_KeepsOccurrenceUnderway(t *testing.T) {
	s, platform, clk := setupScheduler(t, at(1, 7, 0))
	ctx := context.Background()
	med := paracetamol()

	_, err := s.ScheduleFor(ctx, med)
	require.NoError(t, err)
	clk.Set(at(1, 8, 2))

	n, err := s.ScheduleFor(ctx, med)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	alerts := listFor(t, platform, "med-1")
	require.Len(t, alerts, 1)
	assert.Equal(t, KindReminder, alerts[0].Payload.Kind)
	assert.Equal(t, at(1, 8, 5), alerts[0].FiresAt)
	assert.Equal(t, at(1, 8, 0), alerts[0].Payload.ScheduledTime)
}

func TestScheduleFor_KeepsPrimaryInsideSafetyMargin(t *testing.T) {
	s, platform, clk := setupScheduler(t, at(1, 7, 0))
	ctx := context.Background()
	med := paracetamol()

	_, err := s.ScheduleFor(ctx, med)
	require.NoError(t, err)
	clk.Set(at(1, 7, 59).Add(30 * time.Second))

	_, err = s.ScheduleFor(ctx, med)
	require.NoError(t, err)

	alerts := listFor(t, platform, "med-1")
	require.Len(t, alerts, 2)
	assert.Equal(t, at(1, 8, 0), alerts[0].FiresAt)
	assert.Equal(t, KindPrimary, alerts[0].Payload.Kind)
}

func TestScheduleFor_DropsUnderwayOccurrenceOfRemovedSlot(t *testing.T) {
	s, platform, clk := setupScheduler(t, at(1, 7, 0))
	ctx := context.Background()

	_, err := s.ScheduleFor(ctx, paracetamol())
	require.NoError(t, err)
	clk.Set(at(1, 8, 2))

	_, err = s.ScheduleFor(ctx, paracetamol("20:00"))
	require.NoError(t, err)

	for _, a := range listFor(t, platform, "med-1") {
		assert.Equal(t, "20:00", a.Payload.Slot)
	}
}

func TestScheduleFor_SkipsResolvedOccurrence(t *testing.T) {
	s, platform, _ := setupScheduler(t, at(1, 7, 0))
	s.SetResolutions(resolvedSet{schedule.OccurrenceKey("med-1", at(1, 8, 0)): true})

	_, err := s.ScheduleFor(context.Background(), paracetamol())
	require.NoError(t, err)

	alerts := listFor(t, platform, "med-1")
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, at(2, 8, 0), a.Payload.ScheduledTime)
	}
}

func TestScheduleFor_InactiveClearsAlerts(t *testing.T) {
	s, platform, _ := setupScheduler(t, at(1, 7, 0))
	med := paracetamol()

	_, err := s.ScheduleFor(context.Background(), med)
	require.NoError(t, err)

	med.Active = false
	n, err := s.ScheduleFor(context.Background(), med)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, listFor(t, platform, "med-1"))
}

func TestScheduleFor_ValidationError(t *testing.T) {
	s, _, _ := setupScheduler(t, at(1, 7, 0))
	med := paracetamol()
	med.Frequency = medication.FrequencyWeekly

	_, err := s.ScheduleFor(context.Background(), med)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestScheduleFor_PartialFailure(t *testing.T) {
	clk := clock.NewManual(at(1, 7, 0))
	platform := &failingPlatform{LocalPlatform: NewLocalPlatform(clk, nil), failSlot: "20:00"}
	s := NewScheduler(platform, schedule.NewResolver(time.UTC), clk, DefaultSettings(), nil)

	n, err := s.ScheduleFor(context.Background(), paracetamol("08:00", "20:00"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSchedulingPartial))
	assert.Equal(t, 2, n)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	require.Len(t, appErr.Details, 1)
	assert.Contains(t, appErr.Details[0], "20:00")

	alerts := listFor(t, platform, "med-1")
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, "08:00", a.Payload.Slot)
	}
}

func TestAdvance_SchedulesFollowingOccurrence(t *testing.T) {
	s, platform, clk := setupScheduler(t, at(1, 7, 0))
	ctx := context.Background()
	med := paracetamol("08:00", "20:00")

	_, err := s.ScheduleFor(ctx, med)
	require.NoError(t, err)

	clk.Set(at(1, 8, 3))
	n, err := s.Advance(ctx, med, at(1, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var slots []time.Time
	for _, a := range listFor(t, platform, "med-1") {
		if a.Payload.Kind == KindPrimary {
			slots = append(slots, a.Payload.ScheduledTime)
		}
	}
	assert.Equal(t, []time.Time{at(1, 20, 0), at(2, 8, 0)}, slots)

	n, err = s.Advance(ctx, med, at(1, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "next occurrence already planned")
}

func TestAdvance_KeepsSlotLabelAcrossDSTGap(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	clk := clock.NewManual(time.Date(2024, 3, 9, 12, 0, 0, 0, loc))
	platform := NewLocalPlatform(clk, nil)
	s := NewScheduler(platform, schedule.NewResolver(loc), clk, DefaultSettings(), nil)
	ctx := context.Background()
	med := paracetamol("02:30")

	_, err = s.ScheduleFor(ctx, med)
	require.NoError(t, err)

	var first time.Time
	for _, a := range listFor(t, platform, "med-1") {
		if a.Payload.Kind == KindPrimary {
			first = a.Payload.ScheduledTime
		}
	}
	require.False(t, first.IsZero())

	clk.Set(first.Add(10 * time.Minute))
	n, err := s.Advance(ctx, med, first)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	alerts := listFor(t, platform, "med-1")
	require.Len(t, alerts, 2)
	assert.Equal(t, "02:30", alerts[0].Payload.Slot)
	assert.True(t, alerts[0].Payload.ScheduledTime.After(first))
}

func TestLocalPlatform_Delivers(t *testing.T) {
	s, platform, clk := setupScheduler(t, at(1, 7, 0))

	var delivered []ScheduledAlert
	platform.OnDelivered(func(a ScheduledAlert) { delivered = append(delivered, a) })

	_, err := s.ScheduleFor(context.Background(), paracetamol())
	require.NoError(t, err)

	clk.Set(at(1, 8, 0))
	require.Len(t, delivered, 1)
	assert.Equal(t, KindPrimary, delivered[0].Payload.Kind)

	clk.Set(at(1, 8, 5))
	require.Len(t, delivered, 2)
	assert.True(t, delivered[1].Payload.IsLast())
	assert.Empty(t, listFor(t, platform, "med-1"))
}
