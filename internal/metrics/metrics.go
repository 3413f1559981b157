package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	startTime time.Time

	requestsTotal   atomic.Int64
	requestsSuccess atomic.Int64
	requestsFailed  atomic.Int64

	alertsScheduled atomic.Int64
	alertsPending   atomic.Int64

	alertsDelivered map[string]*atomic.Int64
	deliveredLock   sync.Mutex

	dosesTaken     atomic.Int64
	dosesMissed    atomic.Int64
	lateTaken      atomic.Int64
	graceArmed     atomic.Int64
	graceCancelled atomic.Int64
	graceActive    atomic.Int64

	escalationsSent   atomic.Int64
	escalationsFailed atomic.Int64

	channelSends map[string]*atomic.Int64
	channelLock  sync.Mutex

	responseTimes     []time.Duration
	responseTimesLock sync.Mutex
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

func New() *Metrics {
	return &Metrics{
		startTime:       time.Now(),
		alertsDelivered: make(map[string]*atomic.Int64),
		channelSends:    make(map[string]*atomic.Int64),
		responseTimes:   make([]time.Duration, 0, 1000),
	}
}

func (m *Metrics) RecordRequest(success bool) {
	m.requestsTotal.Add(1)
	if success {
		m.requestsSuccess.Add(1)
	} else {
		m.requestsFailed.Add(1)
	}
}

func (m *Metrics) RecordResponseTime(d time.Duration) {
	m.responseTimesLock.Lock()
	defer m.responseTimesLock.Unlock()

	m.responseTimes = append(m.responseTimes, d)
	if len(m.responseTimes) > 1000 {
		m.responseTimes = m.responseTimes[1:]
	}
}

func (m *Metrics) RecordScheduled(n int) {
	m.alertsScheduled.Add(int64(n))
}

func (m *Metrics) SetAlertsPending(n int64) {
	m.alertsPending.Store(n)
}

func (m *Metrics) RecordAlertDelivered(kind string) {
	m.deliveredLock.Lock()
	defer m.deliveredLock.Unlock()

	if m.alertsDelivered[kind] == nil {
		m.alertsDelivered[kind] = &atomic.Int64{}
	}
	m.alertsDelivered[kind].Add(1)
}

func (m *Metrics) RecordTaken(late bool) {
	m.dosesTaken.Add(1)
	if late {
		m.lateTaken.Add(1)
	}
}

func (m *Metrics) RecordMissed() {
	m.dosesMissed.Add(1)
}

func (m *Metrics) RecordGraceArmed() {
	m.graceArmed.Add(1)
	m.graceActive.Add(1)
}

// RecordGraceEnded is called when a grace timer fires or is cancelled.
func (m *Metrics) RecordGraceEnded(cancelled bool) {
	m.graceActive.Add(-1)
	if cancelled {
		m.graceCancelled.Add(1)
	}
}

func (m *Metrics) RecordEscalation(success bool) {
	if success {
		m.escalationsSent.Add(1)
	} else {
		m.escalationsFailed.Add(1)
	}
}

func (m *Metrics) RecordChannelSend(channel string, success bool) {
	key := channel + ":failed"
	if success {
		key = channel + ":ok"
	}

	m.channelLock.Lock()
	defer m.channelLock.Unlock()

	if m.channelSends[key] == nil {
		m.channelSends[key] = &atomic.Int64{}
	}
	m.channelSends[key].Add(1)
}

type Snapshot struct {
	Uptime            time.Duration    `json:"uptime"`
	RequestsTotal     int64            `json:"requests_total"`
	RequestsSuccess   int64            `json:"requests_success"`
	RequestsFailed    int64            `json:"requests_failed"`
	AlertsScheduled   int64            `json:"alerts_scheduled"`
	AlertsPending     int64            `json:"alerts_pending"`
	AlertsDelivered   map[string]int64 `json:"alerts_delivered"`
	DosesTaken        int64            `json:"doses_taken"`
	DosesMissed       int64            `json:"doses_missed"`
	LateTaken         int64            `json:"late_taken"`
	GraceArmed        int64            `json:"grace_armed"`
	GraceCancelled    int64            `json:"grace_cancelled"`
	GraceActive       int64            `json:"grace_active"`
	EscalationsSent   int64            `json:"escalations_sent"`
	EscalationsFailed int64            `json:"escalations_failed"`
	ChannelSends      map[string]int64 `json:"channel_sends"`
	AvgResponseTime   time.Duration    `json:"avg_response_time"`
	P99ResponseTime   time.Duration    `json:"p99_response_time"`
}

func (m *Metrics) Snapshot() *Snapshot {
	s := &Snapshot{
		Uptime:            time.Since(m.startTime),
		RequestsTotal:     m.requestsTotal.Load(),
		RequestsSuccess:   m.requestsSuccess.Load(),
		RequestsFailed:    m.requestsFailed.Load(),
		AlertsScheduled:   m.alertsScheduled.Load(),
		AlertsPending:     m.alertsPending.Load(),
		DosesTaken:        m.dosesTaken.Load(),
		DosesMissed:       m.dosesMissed.Load(),
		LateTaken:         m.lateTaken.Load(),
		GraceArmed:        m.graceArmed.Load(),
		GraceCancelled:    m.graceCancelled.Load(),
		GraceActive:       m.graceActive.Load(),
		EscalationsSent:   m.escalationsSent.Load(),
		EscalationsFailed: m.escalationsFailed.Load(),
		AlertsDelivered:   make(map[string]int64),
		ChannelSends:      make(map[string]int64),
	}

	m.responseTimesLock.Lock()
	if len(m.responseTimes) > 0 {
		var total time.Duration
		for _, rt := range m.responseTimes {
			total += rt
		}
		s.AvgResponseTime = total / time.Duration(len(m.responseTimes))

		sorted := append([]time.Duration{}, m.responseTimes...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		p99Index := int(float64(len(sorted)) * 0.99)
		if p99Index >= len(sorted) {
			p99Index = len(sorted) - 1
		}
		s.P99ResponseTime = sorted[p99Index]
	}
	m.responseTimesLock.Unlock()

	m.deliveredLock.Lock()
	for k, v := range m.alertsDelivered {
		s.AlertsDelivered[k] = v.Load()
	}
	m.deliveredLock.Unlock()

	m.channelLock.Lock()
	for k, v := range m.channelSends {
		s.ChannelSends[k] = v.Load()
	}
	m.channelLock.Unlock()

	return s
}

func RecordRequest(success bool) {
	Default().RecordRequest(success)
}

func RecordResponseTime(d time.Duration) {
	Default().RecordResponseTime(d)
}

func RecordScheduled(n int) {
	Default().RecordScheduled(n)
}

func SetAlertsPending(n int64) {
	Default().SetAlertsPending(n)
}

func RecordAlertDelivered(kind string) {
	Default().RecordAlertDelivered(kind)
}

func RecordTaken(late bool) {
	Default().RecordTaken(late)
}

func RecordMissed() {
	Default().RecordMissed()
}

func RecordGraceArmed() {
	Default().RecordGraceArmed()
}

func RecordGraceEnded(cancelled bool) {
	Default().RecordGraceEnded(cancelled)
}

func RecordEscalation(success bool) {
	Default().RecordEscalation(success)
}

func RecordChannelSend(channel string, success bool) {
	Default().RecordChannelSend(channel, success)
}

func GetSnapshot() *Snapshot {
	return Default().Snapshot()
}
