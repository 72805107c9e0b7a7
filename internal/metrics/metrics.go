package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	UpdatesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpgen_updates_sent_total",
			Help: "Updates delivered to the sink.",
		},
		[]string{"mode"},
	)

	PrefixesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpgen_prefixes_total",
			Help: "Prefixes carried by sent updates (announce, withdraw).",
		},
		[]string{"kind"},
	)

	SendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpgen_send_errors_total",
			Help: "Sink delivery failures.",
		},
		[]string{"sink"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpgen_decode_errors_total",
			Help: "Decode failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	RecordsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpgen_records_skipped_total",
			Help: "Input records skipped without error.",
		},
		[]string{"reason"},
	)

	PacingDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bgpgen_pacing_delay_seconds",
			Help:    "Delay inserted before each update.",
			Buckets: []float64{0, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		},
	)

	AnnouncedPrefixes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bgpgen_announced_prefixes",
			Help: "Prefixes currently announced by the random generator.",
		},
	)

	ConnectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bgpgen_connected_peers",
			Help: "Peers the sink last reported as connected.",
		},
	)

	JournalBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bgpgen_journal_batch_size",
			Help:    "Batch sizes flushed to the journal table.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpgen_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpgen_kafka_messages_total",
			Help: "Messages consumed from the live feed.",
		},
		[]string{"topic", "action"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			UpdatesSentTotal,
			PrefixesTotal,
			SendErrorsTotal,
			DecodeErrorsTotal,
			RecordsSkippedTotal,
			PacingDelay,
			AnnouncedPrefixes,
			ConnectedPeers,
			JournalBatchSize,
			DBWriteDuration,
			KafkaMessagesTotal,
		)
	})
}
