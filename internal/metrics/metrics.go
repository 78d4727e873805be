package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallStateProvider exposes the phase of the tracked call.
type CallStateProvider interface {
	CallPhase() (phase string, active bool)
}

// NotificationCounter returns webhook notification counts keyed by kind.
type NotificationCounter interface {
	NotificationCounts() map[string]uint64
}

// StreamStatsProvider exposes status-stream fan-out statistics.
type StreamStatsProvider interface {
	SubscriberCount() int
	Published() uint64
	Dropped() uint64
}

// ActionCount is the number of call-control actions that ended with result.
type ActionCount struct {
	Action string
	Result string
	Count  uint64
}

// ActionCounter returns call-control action outcome counts.
type ActionCounter interface {
	ActionCounts() []ActionCount
}

// Phases reported by the call phase gauge, in lifecycle order.
var Phases = []string{"idle", "ringing", "connected", "joined", "timeout", "disconnected"}

// Collector is a prometheus.Collector that gathers relay metrics at scrape time.
type Collector struct {
	calls         CallStateProvider
	notifications NotificationCounter
	stream        StreamStatsProvider
	actions       ActionCounter
	startTime     time.Time

	callPhaseDesc     *prometheus.Desc
	callActiveDesc    *prometheus.Desc
	notificationsDesc *prometheus.Desc
	subscribersDesc   *prometheus.Desc
	publishedDesc     *prometheus.Desc
	droppedDesc       *prometheus.Desc
	actionsDesc       *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	calls CallStateProvider,
	notifications NotificationCounter,
	stream StreamStatsProvider,
	actions ActionCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:         calls,
		notifications: notifications,
		stream:        stream,
		actions:       actions,
		startTime:     startTime,

		callPhaseDesc: prometheus.NewDesc(
			"callrelay_call_phase",
			"Current phase of the tracked call (1 for the current phase, 0 otherwise)",
			[]string{"phase"}, nil,
		),
		callActiveDesc: prometheus.NewDesc(
			"callrelay_call_active",
			"Whether a call is in progress (1) or not (0)",
			nil, nil,
		),
		notificationsDesc: prometheus.NewDesc(
			"callrelay_notifications_total",
			"Total webhook notifications received, by kind",
			[]string{"kind"}, nil,
		),
		subscribersDesc: prometheus.NewDesc(
			"callrelay_stream_subscribers",
			"Number of connected status stream subscribers",
			nil, nil,
		),
		publishedDesc: prometheus.NewDesc(
			"callrelay_stream_messages_published_total",
			"Total status lines published to the stream",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"callrelay_stream_messages_dropped_total",
			"Total status lines dropped for slow subscribers",
			nil, nil,
		),
		actionsDesc: prometheus.NewDesc(
			"callrelay_call_actions_total",
			"Total call-control actions sent to the voice provider, by action and result",
			[]string{"action", "result"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callrelay_uptime_seconds",
			"Seconds since the relay process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callPhaseDesc
	ch <- c.callActiveDesc
	ch <- c.notificationsDesc
	ch <- c.subscribersDesc
	ch <- c.publishedDesc
	ch <- c.droppedDesc
	ch <- c.actionsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		phase, active := c.calls.CallPhase()
		for _, p := range Phases {
			ch <- prometheus.MustNewConstMetric(
				c.callPhaseDesc, prometheus.GaugeValue, boolValue(p == phase), p,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.callActiveDesc, prometheus.GaugeValue, boolValue(active),
		)
	}

	if c.notifications != nil {
		for kind, n := range c.notifications.NotificationCounts() {
			ch <- prometheus.MustNewConstMetric(
				c.notificationsDesc, prometheus.CounterValue, float64(n), kind,
			)
		}
	}

	if c.stream != nil {
		ch <- prometheus.MustNewConstMetric(
			c.subscribersDesc, prometheus.GaugeValue,
			float64(c.stream.SubscriberCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.publishedDesc, prometheus.CounterValue,
			float64(c.stream.Published()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.droppedDesc, prometheus.CounterValue,
			float64(c.stream.Dropped()),
		)
	}

	if c.actions != nil {
		for _, a := range c.actions.ActionCounts() {
			ch <- prometheus.MustNewConstMetric(
				c.actionsDesc, prometheus.CounterValue, float64(a.Count),
				a.Action, a.Result,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
