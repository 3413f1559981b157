// Package ledger is the append-only dose history. Each occurrence has at
// most one terminal entry; a late "taken" overrides an automatic "missed",
// nothing overrides "taken".
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/clock"
	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/metrics"
	"github.com/gmsas95/dosewatch/internal/schedule"
	"github.com/gmsas95/dosewatch/internal/store"
)

// MedicationLookup resolves medication ids.
type MedicationLookup interface {
	Get(id string) (medication.Medication, bool)
}

// Listener is told about every entry that was created or changed.
type Listener func(entry Entry, change Change)

type Ledger struct {
	mu      sync.Mutex
	kv      store.KV
	userID  string
	meds    MedicationLookup
	clock   clock.Clock
	logger  *zap.Logger
	entries []Entry
	index   map[string]int

	listenersMu sync.RWMutex
	listeners   []Listener
}

func New(kv store.KV, userID string, meds MedicationLookup, clk clock.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Ledger{
		kv:     kv,
		userID: userID,
		meds:   meds,
		clock:  clk,
		logger: logger,
		index:  make(map[string]int),
	}
}

// Load reads the persisted history. Records that do not describe a dose
// occurrence (no medication or scheduled time) are dropped.
func (l *Ledger) Load(ctx context.Context) error {
	blob, ok, err := l.kv.Get(ctx, store.HistoryKey(l.userID))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeStorage, "load history")
	}

	var raw []Entry
	if ok && len(blob) > 0 {
		if err := json.Unmarshal(blob, &raw); err != nil {
			return apperrors.Wrap(err, apperrors.CodeStorage, "decode history")
		}
	}

	entries := make([]Entry, 0, len(raw))
	index := make(map[string]int, len(raw))
	skipped := 0
	for _, e := range raw {
		if e.MedicationID == "" || e.ScheduledTime.IsZero() {
			skipped++
			continue
		}
		if e.ResolvedAt == nil && e.Status.Terminal() {
			t := e.EffectiveTime()
			e.ResolvedAt = &t
		}
		key := schedule.OccurrenceKey(e.MedicationID, e.ScheduledTime)
		if i, dup := index[key]; dup {
			if strength(e.Status) > strength(entries[i].Status) {
				entries[i] = e
			}
			skipped++
			continue
		}
		index[key] = len(entries)
		entries = append(entries, e)
	}

	l.mu.Lock()
	l.entries = entries
	l.index = index
	l.mu.Unlock()

	l.logger.Debug("Loaded dose history",
		zap.String("user_id", l.userID),
		zap.Int("entries", len(entries)),
		zap.Int("skipped", skipped),
	)
	return nil
}

// Subscribe registers a listener for ledger changes.
func (l *Ledger) Subscribe(fn Listener) {
	l.listenersMu.Lock()
	l.listeners = append(l.listeners, fn)
	l.listenersMu.Unlock()
}

// RecordTaken marks the occurrence taken. An existing taken entry is
// returned unchanged; a missed one is flipped to taken.
func (l *Ledger) RecordTaken(ctx context.Context, medicationID string, scheduledTime time.Time) (Entry, error) {
	e, _, err := l.Resolve(ctx, medicationID, scheduledTime, StatusTaken)
	return e, err
}

// RecordMissed marks the occurrence missed unless it is already resolved.
func (l *Ledger) RecordMissed(ctx context.Context, medicationID string, scheduledTime time.Time) (Entry, error) {
	e, _, err := l.Resolve(ctx, medicationID, scheduledTime, StatusMissed)
	return e, err
}

// Resolve applies a terminal status and reports what changed.
func (l *Ledger) Resolve(ctx context.Context, medicationID string, scheduledTime time.Time, status Status) (Entry, Change, error) {
	if !status.Terminal() {
		return Entry{}, Unchanged, fmt.Errorf("cannot resolve occurrence as %s", status)
	}
	med, ok := l.meds.Get(medicationID)
	if !ok {
		l.logger.Warn("Resolution for unknown medication",
			zap.String("medication_id", medicationID),
			zap.String("status", status.String()),
		)
		return Entry{}, Unchanged, apperrors.NotFound(medicationID)
	}

	scheduledTime = schedule.NormalizeTime(scheduledTime)
	key := schedule.OccurrenceKey(medicationID, scheduledTime)
	now := l.clock.Now().UTC()

	l.mu.Lock()
	var (
		entry  Entry
		change Change
	)
	i, exists := l.index[key]
	switch {
	case exists && l.entries[i].Status == StatusTaken:
		entry, change = l.entries[i], Unchanged
	case exists && l.entries[i].Status == StatusMissed && status == StatusMissed:
		entry, change = l.entries[i], Unchanged
	case exists && l.entries[i].Status == StatusMissed && status == StatusTaken:
		entry = l.entries[i]
		entry.Status = StatusTaken
		entry.TakenAt = &now
		entry.ResolvedAt = &now
		entry.Notes = "taken after missed-dose escalation"
		change = Flipped
	default:
		entry = Entry{
			ID:             uuid.New().String(),
			MedicationID:   medicationID,
			MedicationName: med.Name,
			ScheduledTime:  scheduledTime,
			Status:         status,
			ResolvedAt:     &now,
		}
		if exists {
			entry.ID = l.entries[i].ID
		}
		if status == StatusTaken {
			entry.TakenAt = &now
		} else {
			entry.MissedAt = &now
		}
		change = Created
	}

	if change == Unchanged {
		l.mu.Unlock()
		return entry, Unchanged, nil
	}

	prevEntries, prevIndex := l.entries, l.index
	l.entries = append([]Entry{}, prevEntries...)
	if exists {
		l.entries[i] = entry
	} else {
		l.index = cloneIndex(prevIndex)
		l.index[key] = len(l.entries)
		l.entries = append(l.entries, entry)
	}
	if err := l.persistLocked(ctx); err != nil {
		l.entries, l.index = prevEntries, prevIndex
		l.mu.Unlock()
		return Entry{}, Unchanged, err
	}
	l.mu.Unlock()

	if entry.Status == StatusTaken {
		metrics.RecordTaken(change == Flipped)
	} else {
		metrics.RecordMissed()
	}
	l.logger.Info("Dose resolved",
		zap.String("medication_id", medicationID),
		zap.Time("scheduled_time", scheduledTime),
		zap.String("status", entry.Status.String()),
		zap.Bool("late", change == Flipped),
	)
	l.emit(entry, change)
	return entry, change, nil
}

// Lookup returns the entry for an occurrence, if any.
func (l *Ledger) Lookup(medicationID string, scheduledTime time.Time) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[schedule.OccurrenceKey(medicationID, scheduledTime)]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

// Resolved reports whether the occurrence is taken or missed.
func (l *Ledger) Resolved(medicationID string, scheduledTime time.Time) bool {
	e, ok := l.Lookup(medicationID, scheduledTime)
	return ok && e.Status.Terminal()
}

// HistoryFor returns the entries whose effective time lies in r, newest
// first. Each call returns a fresh slice.
func (l *Ledger) HistoryFor(r Range) []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if r.Contains(e.EffectiveTime()) {
			out = append(out, e)
		}
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].EffectiveTime(), out[j].EffectiveTime()
		if ti.Equal(tj) {
			return out[i].ScheduledTime.After(out[j].ScheduledTime)
		}
		return ti.After(tj)
	})
	return out
}

// Clear erases the whole history.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevEntries, prevIndex := l.entries, l.index
	l.entries = nil
	l.index = make(map[string]int)
	if err := l.persistLocked(ctx); err != nil {
		l.entries, l.index = prevEntries, prevIndex
		return err
	}
	l.logger.Info("Dose history cleared", zap.String("user_id", l.userID), zap.Int("entries", len(prevEntries)))
	return nil
}

func (l *Ledger) emit(entry Entry, change Change) {
	l.listenersMu.RLock()
	listeners := append([]Listener{}, l.listeners...)
	l.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(entry, change)
	}
}

func (l *Ledger) persistLocked(ctx context.Context) error {
	entries := l.entries
	if entries == nil {
		entries = []Entry{}
	}
	blob, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := l.kv.Set(ctx, store.HistoryKey(l.userID), blob); err != nil {
		l.logger.Error("Failed to persist dose history", zap.String("user_id", l.userID), zap.Error(err))
		return apperrors.Wrap(err, apperrors.CodeStorage, "persist history")
	}
	return nil
}

// strength orders statuses for duplicate resolution: taken beats missed
// beats scheduled.
func strength(s Status) int {
	switch s {
	case StatusTaken:
		return 2
	case StatusMissed:
		return 1
	default:
		return 0
	}
}

func cloneIndex(m map[string]int) map[string]int {
	out := make(map[string]int, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
