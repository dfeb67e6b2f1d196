package monitoring

import (
	"time"

	"opsconsole/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	activeRooms       prometheus.Gauge
	totalParticipants prometheus.Gauge
	eventRate         *prometheus.GaugeVec
	avgRoomDuration   prometheus.Gauge
	avgQuality        prometheus.Gauge

	alertsCreated  *prometheus.CounterVec
	alertsResolved *prometheus.CounterVec
	alertsActive   prometheus.Gauge

	wsClients         prometheus.Gauge
	broadcastsTotal   *prometheus.CounterVec
	broadcastFailures prometheus.Counter

	webhookEvents *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	pollDuration  prometheus.Histogram
}

// NewPrometheusCollector registers the console metrics on reg. Pass
// prometheus.DefaultRegisterer to expose them on /metrics.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconsole_active_rooms",
			Help: "Number of live rooms",
		}),

		totalParticipants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconsole_participants",
			Help: "Number of participants across all rooms",
		}),

		eventRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opsconsole_participant_events_per_minute",
			Help: "Participant lifecycle events in the trailing rate window",
		}, []string{"event"}),

		avgRoomDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconsole_avg_room_duration_seconds",
			Help: "Mean age of live rooms",
		}),

		avgQuality: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconsole_avg_connection_quality",
			Help: "Mean connection quality score (0-1)",
		}),

		alertsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconsole_alerts_created_total",
			Help: "Alerts created by severity",
		}, []string{"severity"}),

		alertsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconsole_alerts_resolved_total",
			Help: "Alerts resolved by severity",
		}, []string{"severity"}),

		alertsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconsole_alerts_active",
			Help: "Currently active alerts",
		}),

		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconsole_websocket_clients",
			Help: "Connected dashboard clients",
		}),

		broadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconsole_broadcasts_total",
			Help: "Broadcast passes by message type",
		}, []string{"type"}),

		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsconsole_broadcast_failures_total",
			Help: "Per-subscriber delivery failures",
		}),

		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconsole_webhook_events_total",
			Help: "LiveKit webhook events received",
		}, []string{"event", "result"}),

		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsconsole_monitor_tick_duration_seconds",
			Help:    "Duration of one snapshot/alert/broadcast tick",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsconsole_livekit_poll_duration_seconds",
			Help:    "Duration of a LiveKit RoomService sync",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) ObserveSystemMetrics(m domain.SystemMetrics) {
	p.activeRooms.Set(float64(m.ActiveRooms))
	p.totalParticipants.Set(float64(m.TotalParticipants))
	p.eventRate.WithLabelValues("join").Set(m.JoinRate)
	p.eventRate.WithLabelValues("leave").Set(m.LeaveRate)
	p.eventRate.WithLabelValues("disconnect").Set(m.DisconnectRate)
	p.avgRoomDuration.Set(m.AvgRoomDurationSeconds)
	p.avgQuality.Set(m.AvgConnectionQuality)
}

func (p *PrometheusCollector) RecordAlertCreated(a domain.Alert) {
	p.alertsCreated.WithLabelValues(string(a.Severity)).Inc()
	p.alertsActive.Inc()
}

func (p *PrometheusCollector) RecordAlertResolved(a domain.Alert) {
	p.alertsResolved.WithLabelValues(string(a.Severity)).Inc()
	p.alertsActive.Dec()
}

func (p *PrometheusCollector) SetClients(n int) {
	p.wsClients.Set(float64(n))
}

func (p *PrometheusCollector) RecordBroadcast(msgType domain.MessageType, failed int) {
	p.broadcastsTotal.WithLabelValues(string(msgType)).Inc()
	if failed > 0 {
		p.broadcastFailures.Add(float64(failed))
	}
}

func (p *PrometheusCollector) RecordWebhookEvent(event string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.webhookEvents.WithLabelValues(event, result).Inc()
}

func (p *PrometheusCollector) RecordTick(d time.Duration) {
	p.tickDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordPoll(d time.Duration) {
	p.pollDuration.Observe(d.Seconds())
}
