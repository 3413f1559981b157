package medication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/dosewatch/internal/clock"
	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/store"
)

// flakyKV wraps a KV and fails writes on demand.
type flakyKV struct {
	store.KV
	failSet bool
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return errors.New("write refused")
	}
	return f.KV.Set(ctx, key, value)
}

func setupRepo(t *testing.T) (*Repository, *flakyKV) {
	kv, err := store.OpenBadger("", true)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	fk := &flakyKV{KV: kv}
	clk := clock.NewManual(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC))
	return NewRepository(fk, "user1", clk, nil), fk
}

func paracetamol() Medication {
	return Medication{
		Name:      "Paracetamol 500mg",
		Dosage:    "1 tablet",
		Frequency: FrequencyDaily,
		TimeOfDay: []string{"08:00"},
		StartDate: "2024-03-01",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Medication)
		wantErr bool
	}{
		{"valid daily", func(m *Medication) {}, false},
		{"valid weekly", func(m *Medication) {
			m.Frequency = FrequencyWeekly
			m.DaysOfWeek = []int{1, 3, 5}
		}, false},
		{"missing name", func(m *Medication) { m.Name = " " }, true},
		{"no times", func(m *Medication) { m.TimeOfDay = nil }, true},
		{"weekly without days", func(m *Medication) { m.Frequency = FrequencyWeekly }, true},
		{"day out of range", func(m *Medication) {
			m.Frequency = FrequencyWeekly
			m.DaysOfWeek = []int{7}
		}, true},
		{"bad time", func(m *Medication) { m.TimeOfDay = []string{"25:00"} }, true},
		{"bad minute format", func(m *Medication) { m.TimeOfDay = []string{"8:5"} }, true},
		{"duplicate time", func(m *Medication) { m.TimeOfDay = []string{"08:00", "8:00"} }, true},
		{"unknown frequency", func(m *Medication) { m.Frequency = "hourly" }, true},
		{"bad start date", func(m *Medication) { m.StartDate = "01/03/2024" }, true},
		{"end before start", func(m *Medication) { m.EndDate = "2024-02-01" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := paracetamol()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperrors.ErrValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseSlot(t *testing.T) {
	s, err := ParseSlot("8:05")
	require.NoError(t, err)
	assert.Equal(t, Slot{Label: "08:05", Hour: 8, Minute: 5}, s)
}

func TestCourseBounds(t *testing.T) {
	m := paracetamol()
	m.EndDate = "2024-03-10"

	start, ok := m.StartOfCourse(time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), start)

	end, ok := m.EndOfCourse(time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC), end)

	assert.False(t, m.Expired(time.Date(2024, 3, 10, 22, 0, 0, 0, time.UTC), time.UTC))
	assert.True(t, m.Expired(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), time.UTC))
}

func TestScheduleEqual(t *testing.T) {
	a := paracetamol()
	a.Frequency = FrequencyWeekly
	a.DaysOfWeek = []int{5, 1}
	b := a.Clone()
	b.DaysOfWeek = []int{1, 5}
	b.Name = "renamed"
	assert.True(t, a.ScheduleEqual(&b))

	b.TimeOfDay = []string{"09:00"}
	assert.False(t, a.ScheduleEqual(&b))
}

func TestRepository_CRUD(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, paracetamol())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active)

	got, ok := repo.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "Paracetamol 500mg", got.Name)

	name := "Paracetamol 750mg"
	times := []string{"08:00", "20:00"}
	before, after, err := repo.Update(ctx, created.ID, Update{Name: &name, TimeOfDay: &times})
	require.NoError(t, err)
	assert.Equal(t, "Paracetamol 500mg", before.Name)
	assert.Equal(t, name, after.Name)
	assert.Equal(t, times, after.TimeOfDay)
	assert.False(t, before.ScheduleEqual(&after))

	removed, err := repo.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, removed.ID)
	assert.Empty(t, repo.List())

	_, err = repo.Delete(ctx, created.ID)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestRepository_RejectsInvalidUpdate(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, paracetamol())
	require.NoError(t, err)

	weekly := FrequencyWeekly
	_, _, err = repo.Update(ctx, created.ID, Update{Frequency: &weekly})
	require.Error(t, err)

	got, _ := repo.Get(created.ID)
	assert.Equal(t, FrequencyDaily, got.Frequency)
}

func TestRepository_LoadRoundTrip(t *testing.T) {
	repo, kv := setupRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, paracetamol())
	require.NoError(t, err)

	reloaded := NewRepository(kv, "user1", nil, nil)
	require.NoError(t, reloaded.Load(ctx))
	got, ok := reloaded.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, created.TimeOfDay, got.TimeOfDay)

	other := NewRepository(kv, "user2", nil, nil)
	require.NoError(t, other.Load(ctx))
	assert.Empty(t, other.List())
}

func TestRepository_PersistFailureRollsBack(t *testing.T) {
	repo, kv := setupRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, paracetamol())
	require.NoError(t, err)

	kv.failSet = true
	_, err = repo.Create(ctx, paracetamol())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrStorage))
	assert.Len(t, repo.List(), 1)

	_, err = repo.Delete(ctx, created.ID)
	require.Error(t, err)
	_, ok := repo.Get(created.ID)
	assert.True(t, ok)
}
