package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_connections",
		Help: "Number of open collaboration WebSocket connections",
	})

	metricMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_messages_total",
		Help: "Client intents processed, by message type",
	}, []string{"type"})

	metricBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_broadcasts_total",
		Help: "Events published to rooms",
	})

	metricDroppedDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_dropped_deliveries_total",
		Help: "Per-subscriber deliveries dropped because the send buffer was full",
	})

	metricLocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_locks_held",
		Help: "Element locks currently held",
	})

	metricNotificationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_notifications_created_total",
		Help: "Durable notifications persisted",
	})
)

func lockHeldGauge(n int) {
	metricLocksHeld.Set(float64(n))
}
