package monitoring

import (
	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	connections         prometheus.Gauge
	activeTimers        prometheus.Gauge
	activeQuotaTrackers prometheus.Gauge

	roomJoins        *prometheus.CounterVec
	roomLeaves       *prometheus.CounterVec
	roomCloses       *prometheus.CounterVec
	timerTransitions *prometheus.CounterVec

	quotaWarnings  prometheus.Counter
	quotaKicks     prometheus.Counter
	signalsRelayed prometheus.Counter
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studyroom_ws_connections",
			Help: "Number of open websocket connections",
		}),

		activeTimers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studyroom_active_timers",
			Help: "Number of rooms with a running timer",
		}),

		activeQuotaTrackers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studyroom_active_quota_trackers",
			Help: "Number of users under daily quota tracking",
		}),

		roomJoins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studyroom_room_joins_total",
			Help: "Successful room joins",
		}, []string{"room_type"}),

		roomLeaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studyroom_room_leaves_total",
			Help: "Room departures by reason",
		}, []string{"reason"}),

		roomCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studyroom_room_closes_total",
			Help: "Room closes by reason",
		}, []string{"reason"}),

		timerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studyroom_timer_transitions_total",
			Help: "Timer phase starts by phase",
		}, []string{"phase"}),

		quotaWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "studyroom_quota_warnings_total",
			Help: "Daily limit warnings sent",
		}),

		quotaKicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "studyroom_quota_kicks_total",
			Help: "Users removed for reaching the daily limit",
		}),

		signalsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "studyroom_signals_relayed_total",
			Help: "WebRTC signaling messages relayed",
		}),
	}
}

func (p *PrometheusCollector) RoomJoined(roomType domain.RoomType) {
	p.roomJoins.WithLabelValues(string(roomType)).Inc()
}

func (p *PrometheusCollector) RoomLeft(reason string) {
	p.roomLeaves.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RoomClosed(reason string) {
	p.roomCloses.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) TimerTransition(phase domain.Phase) {
	p.timerTransitions.WithLabelValues(string(phase)).Inc()
}

func (p *PrometheusCollector) QuotaWarning() { p.quotaWarnings.Inc() }

func (p *PrometheusCollector) QuotaKick() { p.quotaKicks.Inc() }

func (p *PrometheusCollector) SignalRelayed() { p.signalsRelayed.Inc() }

func (p *PrometheusCollector) ActiveTimers(n int) { p.activeTimers.Set(float64(n)) }

func (p *PrometheusCollector) ActiveQuotaTrackers(n int) { p.activeQuotaTrackers.Set(float64(n)) }

func (p *PrometheusCollector) Connections(n int) { p.connections.Set(float64(n)) }
