package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for litepool metrics.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for pool writer & reader metrics.
var (
	WriteCountTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litepool_write_count_total",
		Help: "Cumulative number of write units executed, by status.",
	}, []string{"status"})
	WriteDurationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litepool_write_duration_seconds_total",
		Help: "Cumulative number of seconds spent executing write units.",
	})
	WriteQueueRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litepool_write_queue_rejected_total",
		Help: "Cumulative number of write units rejected by a full bounded queue.",
	})
	ReadCountTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litepool_read_count_total",
		Help: "Cumulative number of read units executed, by status.",
	}, []string{"status"})
	ReadDurationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litepool_read_duration_seconds_total",
		Help: "Cumulative number of seconds spent executing read units.",
	})
	ReaderAcquireTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litepool_reader_acquire_timeouts_total",
		Help: "Cumulative number of reader-pool acquisitions which timed out.",
	})
	ReaderReplacedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litepool_reader_replaced_total",
		Help: "Cumulative number of reader connections replaced after failure.",
	})
)

// Collectors for the observation engine.
var (
	ObservationFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litepool_observation_fetches_total",
		Help: "Cumulative number of observation fetches, by status.",
	}, []string{"status"})
	ObservationTriggersCoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litepool_observation_triggers_coalesced_total",
		Help: "Cumulative number of change triggers coalesced into an already-pending fetch.",
	})
	ObservationDeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litepool_observation_deliveries_total",
		Help: "Cumulative number of observation value deliveries.",
	})
)

// PoolCollectors returns the collectors of the pool package.
func PoolCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		WriteCountTotal,
		WriteDurationTotal,
		WriteQueueRejectedTotal,
		ReadCountTotal,
		ReadDurationTotal,
		ReaderAcquireTimeoutsTotal,
		ReaderReplacedTotal,
	}
}

// ObservationCollectors returns the collectors of the observation package.
func ObservationCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ObservationFetchesTotal,
		ObservationTriggersCoalescedTotal,
		ObservationDeliveriesTotal,
	}
}
