package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/clock"
	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/metrics"
)

// LocalPlatform is an in-process Platform that fires alerts from clock timers.
type LocalPlatform struct {
	mu        sync.Mutex
	clock     clock.Clock
	logger    *zap.Logger
	granted   bool
	alerts    map[string]*localAlert
	listeners []func(ScheduledAlert)
}

type localAlert struct {
	alert ScheduledAlert
	timer clock.Timer
}

func NewLocalPlatform(clk clock.Clock, logger *zap.Logger) *LocalPlatform {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalPlatform{
		clock:   clk,
		logger:  logger,
		granted: true,
		alerts:  make(map[string]*localAlert),
	}
}

// SetPermission grants or revokes alert permission.
func (p *LocalPlatform) SetPermission(granted bool) {
	p.mu.Lock()
	p.granted = granted
	p.mu.Unlock()
}

func (p *LocalPlatform) CheckPermission(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.granted {
		return apperrors.New(apperrors.CodePermissionDenied, "notification permission not granted")
	}
	return nil
}

func (p *LocalPlatform) Schedule(_ context.Context, firesAt time.Time, payload Payload) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.granted {
		return "", apperrors.New(apperrors.CodePermissionDenied, "notification permission not granted")
	}

	handle := uuid.New().String()
	delay := firesAt.Sub(p.clock.Now())
	if delay < 0 {
		delay = 0
	}
	p.alerts[handle] = &localAlert{
		alert: ScheduledAlert{Handle: handle, FiresAt: firesAt, Payload: payload},
		timer: p.clock.AfterFunc(delay, func() { p.deliver(handle) }),
	}
	metrics.SetAlertsPending(int64(len(p.alerts)))
	return handle, nil
}

func (p *LocalPlatform) Cancel(_ context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.alerts[handle]; ok {
		a.timer.Stop()
		delete(p.alerts, handle)
		metrics.SetAlertsPending(int64(len(p.alerts)))
	}
	return nil
}

func (p *LocalPlatform) ListScheduled(_ context.Context) ([]ScheduledAlert, error) {
	p.mu.Lock()
	out := make([]ScheduledAlert, 0, len(p.alerts))
	for _, a := range p.alerts {
		out = append(out, a.alert)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FiresAt.Equal(out[j].FiresAt) {
			return out[i].Payload.MedicationID < out[j].Payload.MedicationID
		}
		return out[i].FiresAt.Before(out[j].FiresAt)
	})
	return out, nil
}

func (p *LocalPlatform) OnDelivered(fn func(ScheduledAlert)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

func (p *LocalPlatform) deliver(handle string) {
	p.mu.Lock()
	a, ok := p.alerts[handle]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.alerts, handle)
	metrics.SetAlertsPending(int64(len(p.alerts)))
	listeners := append([]func(ScheduledAlert){}, p.listeners...)
	p.mu.Unlock()

	metrics.RecordAlertDelivered(string(a.alert.Payload.Kind))
	p.logger.Info("Alert delivered",
		zap.String("medication_id", a.alert.Payload.MedicationID),
		zap.String("medication", a.alert.Payload.MedicationName),
		zap.Time("scheduled_time", a.alert.Payload.ScheduledTime),
		zap.String("kind", string(a.alert.Payload.Kind)),
		zap.Int("reminder_index", a.alert.Payload.ReminderIndex),
	)

	for _, fn := range listeners {
		fn(a.alert)
	}
}
