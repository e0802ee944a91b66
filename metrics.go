package rtnet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the promauto-registered vectors a Context exposes for
// the /proc-surface counters named in spec §6: device drop/collision
// counters, pool balances, and TDMA sync-loss counts. Each is labeled
// by the device or pool name it describes, and they live in a
// per-Context registry, exactly as caddy.Context.metricsRegistry
// collects one registry per instance rather than using the global
// default registry. Nothing writes to these vectors, so they expose no
// series.
type metrics struct {
	rxDropped  *prometheus.CounterVec
	txDropped  *prometheus.CounterVec
	collisions *prometheus.CounterVec

	poolFree      *prometheus.GaugeVec
	poolHighWater *prometheus.GaugeVec

	tdmaSyncLost *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		rxDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtnet",
			Name:      "rx_dropped_total",
			Help:      "Packets dropped on receive, by device.",
		}, []string{"device"}),
		txDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtnet",
			Name:      "tx_dropped_total",
			Help:      "Packets dropped on transmit, by device.",
		}, []string{"device"}),
		collisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtnet",
			Name:      "collisions_total",
			Help:      "Transmit collisions reported by the driver, by device.",
		}, []string{"device"}),
		poolFree: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtnet",
			Name:      "pool_free_skbs",
			Help:      "Free skbs currently available in a pool.",
		}, []string{"pool"}),
		poolHighWater: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtnet",
			Name:      "pool_high_water_skbs",
			Help:      "Highest observed charged-out count for a pool.",
		}, []string{"pool"}),
		tdmaSyncLost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtnet",
			Name:      "tdma_sync_lost_total",
			Help:      "Number of times a TDMA slave/backup-master declared sync lost.",
		}, []string{"device"}),
	}
}
