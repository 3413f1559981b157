package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gmsas95/dosewatch/internal/ledger"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/tracker"
)

func runStatus(args []string) error {
	fs, cf := newFlagSet("status")
	_ = fs.Parse(args)

	ctx := context.Background()
	a, err := openApp(ctx, cf, zap.NewNop())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Tracker.Load(ctx); err != nil {
		return err
	}

	cfg := a.Config
	fmt.Println("dosewatch status")
	fmt.Println("================")
	fmt.Println()
	fmt.Printf("Version: %s\n", version)
	fmt.Printf("Data:    %s\n", cfg.Storage.DataDir)
	fmt.Printf("Storage: %s\n", cfg.Storage.Driver)
	fmt.Printf("Server:  http://%s:%d\n", cfg.Server.Address, cfg.Server.Port)
	fmt.Println()
	fmt.Println("Reminders:")
	fmt.Printf("  Interval:      %d min\n", cfg.Scheduling.ReminderInterval)
	fmt.Printf("  Max reminders: %d\n", cfg.Scheduling.MaxReminders)
	fmt.Printf("  Grace period:  %s\n", cfg.Scheduling.GracePeriod)
	fmt.Println()
	fmt.Println("Channels:")
	fmt.Printf("  Telegram: %s\n", channelStatus(cfg.Notify.Telegram.Enabled))
	fmt.Printf("  Discord:  %s\n", channelStatus(cfg.Notify.Discord.Enabled))
	fmt.Printf("  Webhook:  %s\n", channelStatus(cfg.Notify.Webhook.Enabled))
	fmt.Printf("  Contacts: %d\n", len(cfg.Notify.Contacts))
	fmt.Println()

	meds := a.Tracker.Medications()
	fmt.Printf("Medications (%d):\n", len(meds))
	for _, m := range meds {
		state := "active"
		if !m.Active {
			state = "inactive"
		}
		fmt.Printf("  %-24s %-10s %-8s %s\n", m.Name, m.Dosage, state, strings.Join(m.TimeOfDay, ", "))
	}
	return nil
}

func channelStatus(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

type rangeFlags struct {
	from string
	to   string
}

func (r rangeFlags) parse(loc *time.Location) (ledger.Range, error) {
	var out ledger.Range
	if r.from != "" {
		d, err := time.ParseInLocation(medication.DateLayout, r.from, loc)
		if err != nil {
			return out, fmt.Errorf("invalid --from %q: use YYYY-MM-DD", r.from)
		}
		out.From = d
	}
	if r.to != "" {
		d, err := time.ParseInLocation(medication.DateLayout, r.to, loc)
		if err != nil {
			return out, fmt.Errorf("invalid --to %q: use YYYY-MM-DD", r.to)
		}
		out.To = d.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return out, nil
}

func runHistory(args []string, w io.Writer) error {
	fs, cf := newFlagSet("history")
	var rf rangeFlags
	var format string
	fs.StringVar(&rf.from, "from", "", "First day (YYYY-MM-DD)")
	fs.StringVar(&rf.to, "to", "", "Last day (YYYY-MM-DD)")
	fs.StringVar(&format, "format", "json", "Output format: json or yaml")
	_ = fs.Parse(args)

	ctx := context.Background()
	a, err := openApp(ctx, cf, zap.NewNop())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Tracker.Load(ctx); err != nil {
		return err
	}
	loc, _ := a.Config.Location()
	r, err := rf.parse(loc)
	if err != nil {
		return err
	}
	return writeHistory(w, a.Tracker.History(r), format)
}

// historyRecord is the export shape of a ledger entry.
type historyRecord struct {
	MedicationID   string `json:"medicationId" yaml:"medication_id"`
	MedicationName string `json:"medicationName" yaml:"medication"`
	ScheduledTime  string `json:"scheduledTime" yaml:"scheduled_time"`
	Status         string `json:"status" yaml:"status"`
	ResolvedAt     string `json:"resolvedAt,omitempty" yaml:"resolved_at,omitempty"`
	Notes          string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

func writeHistory(w io.Writer, entries []ledger.Entry, format string) error {
	records := make([]historyRecord, 0, len(entries))
	for _, e := range entries {
		rec := historyRecord{
			MedicationID:   e.MedicationID,
			MedicationName: e.MedicationName,
			ScheduledTime:  e.ScheduledTime.Format(time.RFC3339),
			Status:         e.Status.String(),
			Notes:          e.Notes,
		}
		if e.ResolvedAt != nil {
			rec.ResolvedAt = e.ResolvedAt.Format(time.RFC3339)
		}
		records = append(records, rec)
	}

	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(records)
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func runAdherence(args []string, w io.Writer) error {
	fs, cf := newFlagSet("adherence")
	var rf rangeFlags
	fs.StringVar(&rf.from, "from", "", "First day (YYYY-MM-DD)")
	fs.StringVar(&rf.to, "to", "", "Last day (YYYY-MM-DD)")
	_ = fs.Parse(args)

	ctx := context.Background()
	a, err := openApp(ctx, cf, zap.NewNop())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Tracker.Load(ctx); err != nil {
		return err
	}
	loc, _ := a.Config.Location()
	r, err := rf.parse(loc)
	if err != nil {
		return err
	}

	rep := a.Tracker.Adherence(r)
	fmt.Fprintf(w, "Adherence: %d%% (%d taken, %d missed)\n", rep.Rate, rep.Taken, rep.Missed)
	for _, m := range rep.Medications {
		fmt.Fprintf(w, "  %-24s %3d%%  %d/%d\n", m.MedicationName, m.Rate, m.Taken, m.Taken+m.Missed)
	}
	return nil
}

func runToday(args []string, w io.Writer) error {
	fs, cf := newFlagSet("today")
	_ = fs.Parse(args)

	ctx := context.Background()
	a, err := openApp(ctx, cf, zap.NewNop())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Tracker.Load(ctx); err != nil {
		return err
	}

	slots, err := a.Tracker.TodaySchedule()
	if err != nil {
		return err
	}
	writeSlots(w, slots)
	return nil
}

func writeSlots(w io.Writer, slots []tracker.DoseSlot) {
	if len(slots) == 0 {
		fmt.Fprintln(w, "No doses scheduled today.")
		return
	}
	for _, s := range slots {
		fmt.Fprintf(w, "%s  %-24s %-10s %s\n", s.Slot, s.MedicationName, s.Dosage, s.Status)
	}
}

func runReplan(args []string) error {
	fs, cf := newFlagSet("replan")
	_ = fs.Parse(args)

	logger := newLogger()
	defer logger.Sync()

	ctx := context.Background()
	a, err := openApp(ctx, cf, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Tracker.Load(ctx); err != nil {
		return err
	}
	n, err := a.Tracker.Replan(ctx)
	fmt.Printf("Scheduled %d alerts\n", n)
	return err
}
