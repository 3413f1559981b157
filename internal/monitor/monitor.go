// Package monitor reconciles delivered alerts against the dose ledger. When
// the last alert of an occurrence goes unanswered for the grace period the
// occurrence is resolved as missed and emergency contacts are notified.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/alerts"
	"github.com/gmsas95/dosewatch/internal/clock"
	"github.com/gmsas95/dosewatch/internal/ledger"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/metrics"
	"github.com/gmsas95/dosewatch/internal/notify"
	"github.com/gmsas95/dosewatch/internal/schedule"
)

// DefaultGracePeriod is how long an unanswered final alert waits before the
// occurrence is declared missed.
const DefaultGracePeriod = 5 * time.Minute

const maxEscalations = 100

// State is an occurrence's reconciliation state.
type State int

const (
	StateScheduled State = iota
	StateGracePending
	StateAcknowledged
	StateMissed
)

func (s State) String() string {
	switch s {
	case StateGracePending:
		return "grace_pending"
	case StateAcknowledged:
		return "acknowledged"
	case StateMissed:
		return "missed"
	default:
		return "scheduled"
	}
}

// Ledger is the slice of the dose ledger the monitor needs.
type Ledger interface {
	Lookup(medicationID string, scheduledTime time.Time) (ledger.Entry, bool)
	Resolve(ctx context.Context, medicationID string, scheduledTime time.Time, status ledger.Status) (ledger.Entry, ledger.Change, error)
	Subscribe(fn ledger.Listener)
}

// Advancer moves a slot on to its next occurrence once the current one is
// resolved.
type Advancer interface {
	Advance(ctx context.Context, med medication.Medication, scheduledTime time.Time) (int, error)
}

// Escalation records one emergency notification attempt.
type Escalation struct {
	MedicationID   string        `json:"medicationId"`
	MedicationName string        `json:"medicationName"`
	ScheduledTime  time.Time     `json:"scheduledTime"`
	At             time.Time     `json:"at"`
	Result         notify.Result `json:"result"`
	Error          string        `json:"error,omitempty"`
}

// Config holds the monitor's collaborators and settings.
type Config struct {
	Ledger      Ledger
	Medications ledger.MedicationLookup
	Advancer    Advancer
	Notifier    notify.Notifier
	Clock       clock.Clock
	GracePeriod time.Duration
	Location    *time.Location
	Logger      *zap.Logger
}

type graceTask struct {
	gen            uint64
	medicationID   string
	medicationName string
	scheduledTime  time.Time
	timer          clock.Timer
}

// Monitor owns the grace timers, one per occurrence.
type Monitor struct {
	ledger   Ledger
	meds     ledger.MedicationLookup
	advancer Advancer
	notifier notify.Notifier
	clock    clock.Clock
	loc      *time.Location
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	grace       time.Duration
	gen         uint64
	tasks       map[string]*graceTask
	escalations []Escalation
}

// New builds a monitor and subscribes it to ledger changes.
func New(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		ledger:   cfg.Ledger,
		meds:     cfg.Medications,
		advancer: cfg.Advancer,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		loc:      cfg.Location,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		grace:    cfg.GracePeriod,
		tasks:    make(map[string]*graceTask),
	}
	cfg.Ledger.Subscribe(m.onLedgerChange)
	return m
}

// Attach starts listening to the platform's delivery events.
func (m *Monitor) Attach(p alerts.Platform) {
	p.OnDelivered(m.HandleDelivered)
}

// SetGracePeriod applies to timers armed from now on.
func (m *Monitor) SetGracePeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.grace = d
	m.mu.Unlock()
}

// HandleDelivered arms the grace timer when the final alert of an
// unresolved occurrence is delivered. Earlier alerts are ignored.
func (m *Monitor) HandleDelivered(a alerts.ScheduledAlert) {
	p := a.Payload
	if !p.IsLast() {
		return
	}
	if e, ok := m.ledger.Lookup(p.MedicationID, p.ScheduledTime); ok && e.Status.Terminal() {
		m.logger.Debug("Final alert for resolved occurrence",
			zap.String("medication_id", p.MedicationID),
			zap.Time("scheduled_time", p.ScheduledTime),
			zap.String("status", e.Status.String()),
		)
		return
	}
	m.arm(p.MedicationID, p.MedicationName, p.ScheduledTime)
}

func (m *Monitor) arm(medicationID, medicationName string, scheduledTime time.Time) {
	scheduledTime = schedule.NormalizeTime(scheduledTime)
	key := schedule.OccurrenceKey(medicationID, scheduledTime)

	m.mu.Lock()
	if prev, ok := m.tasks[key]; ok {
		if prev.timer != nil {
			prev.timer.Stop()
		}
	} else {
		metrics.RecordGraceArmed()
	}
	m.gen++
	gen := m.gen
	task := &graceTask{
		gen:            gen,
		medicationID:   medicationID,
		medicationName: medicationName,
		scheduledTime:  scheduledTime,
	}
	m.tasks[key] = task
	grace := m.grace
	m.mu.Unlock()

	timer := m.clock.AfterFunc(grace, func() { m.fire(key, gen) })

	m.mu.Lock()
	if cur, ok := m.tasks[key]; ok && cur.gen == gen {
		cur.timer = timer
	} else {
		timer.Stop()
	}
	m.mu.Unlock()

	m.logger.Info("Grace period started",
		zap.String("medication_id", medicationID),
		zap.Time("scheduled_time", scheduledTime),
		zap.Duration("grace", grace),
	)
}

// fire resolves the occurrence unless the task was cancelled or replaced
// since gen was issued.
func (m *Monitor) fire(key string, gen uint64) {
	m.mu.Lock()
	task, ok := m.tasks[key]
	if !ok || task.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.tasks, key)
	m.mu.Unlock()
	metrics.RecordGraceEnded(false)

	if e, ok := m.ledger.Lookup(task.medicationID, task.scheduledTime); ok && e.Status.Terminal() {
		return
	}

	entry, change, err := m.ledger.Resolve(m.ctx, task.medicationID, task.scheduledTime, ledger.StatusMissed)
	if err != nil {
		m.logger.Error("Failed to record missed dose",
			zap.String("medication_id", task.medicationID),
			zap.Time("scheduled_time", task.scheduledTime),
			zap.Error(err),
		)
		return
	}
	if change != ledger.Created {
		return
	}

	m.escalate(entry)
}

func (m *Monitor) escalate(entry ledger.Entry) {
	if m.notifier == nil {
		return
	}
	scheduledISO := entry.ScheduledTime.In(m.loc).Format(time.RFC3339)
	res, err := m.notifier.NotifyMissed(m.ctx, entry.MedicationName, scheduledISO)

	esc := Escalation{
		MedicationID:   entry.MedicationID,
		MedicationName: entry.MedicationName,
		ScheduledTime:  entry.ScheduledTime,
		At:             m.clock.Now(),
		Result:         res,
	}
	if err != nil {
		esc.Error = err.Error()
		m.logger.Error("Emergency notification failed",
			zap.String("medication_id", entry.MedicationID),
			zap.String("scheduled_time", scheduledISO),
			zap.Error(err),
		)
	} else {
		m.logger.Warn("Missed dose escalated",
			zap.String("medication_id", entry.MedicationID),
			zap.String("medication", entry.MedicationName),
			zap.String("scheduled_time", scheduledISO),
			zap.Int("contacts", len(res.PerContact)),
		)
	}
	metrics.RecordEscalation(err == nil && res.Success)

	m.mu.Lock()
	m.escalations = append(m.escalations, esc)
	if len(m.escalations) > maxEscalations {
		m.escalations = m.escalations[len(m.escalations)-maxEscalations:]
	}
	m.mu.Unlock()
}

// onLedgerChange cancels the grace timer of an acknowledged occurrence and
// moves the slot on once an occurrence is first resolved.
func (m *Monitor) onLedgerChange(entry ledger.Entry, change ledger.Change) {
	if entry.Status == ledger.StatusTaken {
		m.cancelOccurrence(schedule.OccurrenceKey(entry.MedicationID, entry.ScheduledTime))
	}
	if change != ledger.Created || m.advancer == nil || m.meds == nil {
		return
	}
	med, ok := m.meds.Get(entry.MedicationID)
	if !ok {
		return
	}
	if _, err := m.advancer.Advance(m.ctx, med, entry.ScheduledTime); err != nil {
		m.logger.Warn("Failed to schedule next occurrence",
			zap.String("medication_id", entry.MedicationID),
			zap.Time("after", entry.ScheduledTime),
			zap.Error(err),
		)
	}
}

func (m *Monitor) cancelOccurrence(key string) bool {
	m.mu.Lock()
	task, ok := m.tasks[key]
	if ok {
		delete(m.tasks, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if task.timer != nil {
		task.timer.Stop()
	}
	metrics.RecordGraceEnded(true)
	m.logger.Info("Grace period cancelled",
		zap.String("medication_id", task.medicationID),
		zap.Time("scheduled_time", task.scheduledTime),
	)
	return true
}

// CancelMedication stops every grace timer of the medication and returns
// how many were stopped.
func (m *Monitor) CancelMedication(medicationID string) int {
	m.mu.Lock()
	var stopped []*graceTask
	for key, task := range m.tasks {
		if task.medicationID == medicationID {
			stopped = append(stopped, task)
			delete(m.tasks, key)
		}
	}
	m.mu.Unlock()

	for _, task := range stopped {
		if task.timer != nil {
			task.timer.Stop()
		}
		metrics.RecordGraceEnded(true)
	}
	return len(stopped)
}

// State reports where an occurrence stands.
func (m *Monitor) State(medicationID string, scheduledTime time.Time) State {
	if e, ok := m.ledger.Lookup(medicationID, scheduledTime); ok {
		switch e.Status {
		case ledger.StatusTaken:
			return StateAcknowledged
		case ledger.StatusMissed:
			return StateMissed
		}
	}
	m.mu.Lock()
	_, pending := m.tasks[schedule.OccurrenceKey(medicationID, scheduledTime)]
	m.mu.Unlock()
	if pending {
		return StateGracePending
	}
	return StateScheduled
}

// PendingGrace returns the number of armed grace timers.
func (m *Monitor) PendingGrace() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Escalations returns the most recent notification attempts, oldest first.
func (m *Monitor) Escalations() []Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Escalation{}, m.escalations...)
}

// Stop cancels every grace timer and in-flight notification.
func (m *Monitor) Stop() {
	m.cancel()
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = make(map[string]*graceTask)
	m.mu.Unlock()
	for _, task := range tasks {
		if task.timer != nil {
			task.timer.Stop()
		}
	}
}
