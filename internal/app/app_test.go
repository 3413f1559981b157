package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/dosewatch/internal/clock"
	"github.com/gmsas95/dosewatch/internal/config"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Address: "127.0.0.1", Port: 0, AllowOrigins: []string{"*"}},
		Scheduling: config.SchedulingConfig{
			UserID:           "user1",
			Timezone:         "UTC",
			ReminderInterval: 5,
			MaxReminders:     1,
			GracePeriod:      5 * time.Minute,
			SafetyMargin:     time.Minute,
		},
		Notify: config.NotifyConfig{
			Webhook: config.WebhookConfig{Enabled: true},
			Contacts: []config.Contact{
				{Name: "Ana", Channel: "webhook", Address: "http://127.0.0.1:1/hook"},
				{ID: "bea", Name: "Bea", Channel: "webhook", Address: "http://127.0.0.1:1/hook", Primary: true},
			},
			Timeout: time.Second,
		},
		Cron: config.CronConfig{
			Enabled:       true,
			Replan:        "*/15 * * * *",
			ExpireCourses: "5 0 * * *",
			DailySummary:  "0 21 * * *",
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	kv, err := store.OpenBadger("", true)
	require.NoError(t, err)

	clk := clock.NewManual(time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC))
	a, err := New(cfg, kv, clk, nil, "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Tracker.Stop()
		a.Close()
	})
	return a
}

func TestNew(t *testing.T) {
	a := newTestApp(t, testConfig())

	assert.Equal(t, "test", a.Version)
	assert.NotNil(t, a.CronRunner)

	contacts := a.Notifier.Contacts()
	require.Len(t, contacts, 2)
	assert.Equal(t, "bea", contacts[0].ID)
	assert.Equal(t, "contact-1", contacts[1].ID)
}

func TestNewWithoutCron(t *testing.T) {
	cfg := testConfig()
	cfg.Cron.Enabled = false
	a := newTestApp(t, cfg)
	assert.Nil(t, a.CronRunner)
}

func TestNewRejectsBadCron(t *testing.T) {
	cfg := testConfig()
	cfg.Cron.Replan = "sometimes"
	kv, err := store.OpenBadger("", true)
	require.NoError(t, err)
	defer kv.Close()

	_, err = New(cfg, kv, nil, nil, "test")
	assert.Error(t, err)
}

func TestSettingsFrom(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduling.ReminderInterval = 10
	cfg.Scheduling.MaxReminders = 3

	s := SettingsFrom(cfg)
	assert.Equal(t, 10*time.Minute, s.ReminderInterval)
	assert.Equal(t, 3, s.MaxReminders)
	assert.Equal(t, time.Minute, s.SafetyMargin)
}

func TestApplyConfigReschedules(t *testing.T) {
	a := newTestApp(t, testConfig())
	ctx := context.Background()

	med, err := a.Tracker.AddMedication(ctx, medication.Medication{
		Name:      "Paracetamol 500mg",
		Frequency: medication.FrequencyDaily,
		TimeOfDay: []string{"08:00"},
		StartDate: "2024-03-01",
	})
	require.NoError(t, err)
	pending, err := a.Tracker.Alerts(ctx, med.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	cfg := testConfig()
	cfg.Scheduling.MaxReminders = 3
	cfg.Notify.Contacts = cfg.Notify.Contacts[:1]
	require.NoError(t, a.ApplyConfig(ctx, cfg))

	pending, err = a.Tracker.Alerts(ctx, med.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
	assert.Len(t, a.Notifier.Contacts(), 1)
	assert.Equal(t, 3, a.Config.Scheduling.MaxReminders)
}
