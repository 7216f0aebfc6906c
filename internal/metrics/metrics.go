// Package metrics holds bookbot's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bookbot_session_state",
		Help: "Current session state (0=disconnected 1=connecting 2=awaiting_pairing 3=authenticated 4=ready)",
	})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookbot_session_transitions_total",
		Help: "Session state transitions by target state",
	}, []string{"to"})

	SessionReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookbot_session_reconnects_total",
		Help: "Reconnect attempts scheduled after an unsolicited disconnect",
	})

	SessionSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookbot_session_sends_total",
		Help: "Session send operations by payload kind and result",
	}, []string{"kind", "result"})

	DeliveryRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookbot_delivery_runs_total",
		Help: "Delivery firings by trigger and outcome",
	}, []string{"trigger", "outcome"})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bookbot_delivery_duration_seconds",
		Help:    "Duration of delivery firings that selected an item",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})

	DeliverySkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookbot_delivery_skipped_total",
		Help: "Timer fires skipped because a firing was already in progress",
	})

	SchedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bookbot_scheduler_running",
		Help: "1 while the delivery timer is armed",
	})

	LastSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bookbot_last_success_timestamp_seconds",
		Help: "Unix time of the last successful delivery",
	})
)

// ObserveDelivery records one completed firing.
func ObserveDelivery(trigger, outcome string, took time.Duration) {
	if trigger == "" {
		trigger = "unknown"
	}
	DeliveryRunsTotal.WithLabelValues(trigger, outcome).Inc()
	if took > 0 {
		DeliveryDuration.Observe(took.Seconds())
	}
}

// ObserveSend records one session send.
func ObserveSend(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SessionSendsTotal.WithLabelValues(kind, result).Inc()
}

func SetSchedulerRunning(running bool) {
	if running {
		SchedulerRunning.Set(1)
		return
	}
	SchedulerRunning.Set(0)
}
