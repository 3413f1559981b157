package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dosewatch"

// Collector exposes a Metrics instance to a Prometheus registry.
type Collector struct {
	m *Metrics

	uptime          *prometheus.Desc
	requests        *prometheus.Desc
	alertsScheduled *prometheus.Desc
	alertsPending   *prometheus.Desc
	alertsDelivered *prometheus.Desc
	doses           *prometheus.Desc
	lateTaken       *prometheus.Desc
	graceArmed      *prometheus.Desc
	graceCancelled  *prometheus.Desc
	graceActive     *prometheus.Desc
	escalations     *prometheus.Desc
	channelSends    *prometheus.Desc
}

func NewCollector(m *Metrics) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		m:               m,
		uptime:          desc("uptime_seconds", "Time since process start"),
		requests:        desc("http_requests_total", "HTTP requests by outcome", "outcome"),
		alertsScheduled: desc("alerts_scheduled_total", "Alerts handed to the platform"),
		alertsPending:   desc("alerts_pending", "Alerts waiting to fire"),
		alertsDelivered: desc("alerts_delivered_total", "Delivered alerts by kind", "kind"),
		doses:           desc("doses_resolved_total", "Resolved dose occurrences by status", "status"),
		lateTaken:       desc("doses_late_taken_total", "Missed doses later acknowledged as taken"),
		graceArmed:      desc("grace_timers_armed_total", "Grace timers armed"),
		graceCancelled:  desc("grace_timers_cancelled_total", "Grace timers cancelled by a taken dose or edit"),
		graceActive:     desc("grace_timers_active", "Grace timers currently armed"),
		escalations:     desc("escalations_total", "Emergency notifications by outcome", "outcome"),
		channelSends:    desc("channel_sends_total", "Per-contact sends by channel and outcome", "channel", "outcome"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(c.uptime, s.Uptime.Seconds())
	counter(c.requests, s.RequestsSuccess, "success")
	counter(c.requests, s.RequestsFailed, "failed")
	counter(c.alertsScheduled, s.AlertsScheduled)
	gauge(c.alertsPending, float64(s.AlertsPending))
	for kind, n := range s.AlertsDelivered {
		counter(c.alertsDelivered, n, kind)
	}
	counter(c.doses, s.DosesTaken, "taken")
	counter(c.doses, s.DosesMissed, "missed")
	counter(c.lateTaken, s.LateTaken)
	counter(c.graceArmed, s.GraceArmed)
	counter(c.graceCancelled, s.GraceCancelled)
	gauge(c.graceActive, float64(s.GraceActive))
	counter(c.escalations, s.EscalationsSent, "sent")
	counter(c.escalations, s.EscalationsFailed, "failed")
	for key, n := range s.ChannelSends {
		channel, outcome, _ := strings.Cut(key, ":")
		counter(c.channelSends, n, channel, outcome)
	}
}

// NewRegistry builds a registry with the process collectors and m.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewCollector(m),
	)
	return reg
}

// Handler serves the default metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(NewRegistry(Default()), promhttp.HandlerOpts{})
}
