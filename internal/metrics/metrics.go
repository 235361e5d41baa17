package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tapline/tapline/internal/ingest"
)

// SessionCountProvider exposes the number of live recording sessions.
type SessionCountProvider interface {
	ActiveCount() int
}

// IngestStatsProvider exposes aggregate RTP ingest statistics.
type IngestStatsProvider interface {
	Stats() ingest.Stats
}

// RecordingStatsProvider exposes lifetime recording outcomes.
type RecordingStatsProvider interface {
	RecordingsCompleted() uint64
	RecordingsFailed() uint64
}

// Collector is a prometheus.Collector that gathers Tapline metrics at scrape time.
type Collector struct {
	sessions   SessionCountProvider
	rtp        IngestStatsProvider
	recordings RecordingStatsProvider
	startTime  time.Time

	// Metric descriptors.
	sessionsDesc            *prometheus.Desc
	packetsAcceptedDesc     *prometheus.Desc
	packetsDroppedDesc      *prometheus.Desc
	bytesWrittenDesc        *prometheus.Desc
	recordingsCompletedDesc *prometheus.Desc
	recordingsFailedDesc    *prometheus.Desc
	uptimeDesc              *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionCountProvider,
	rtp IngestStatsProvider,
	recordings RecordingStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:   sessions,
		rtp:        rtp,
		recordings: recordings,
		startTime:  startTime,

		sessionsDesc: prometheus.NewDesc(
			"tapline_sessions_active",
			"Number of currently active recording sessions",
			nil, nil,
		),
		packetsAcceptedDesc: prometheus.NewDesc(
			"tapline_rtp_packets_accepted_total",
			"Total RTP packets matched to a session and written",
			nil, nil,
		),
		packetsDroppedDesc: prometheus.NewDesc(
			"tapline_rtp_packets_dropped_total",
			"Total RTP packets dropped (malformed, wrong payload type, or unmatched)",
			nil, nil,
		),
		bytesWrittenDesc: prometheus.NewDesc(
			"tapline_pcm_bytes_written_total",
			"Total decoded PCM bytes written to recording files",
			nil, nil,
		),
		recordingsCompletedDesc: prometheus.NewDesc(
			"tapline_recordings_completed_total",
			"Total recording sessions finalized",
			nil, nil,
		),
		recordingsFailedDesc: prometheus.NewDesc(
			"tapline_recordings_failed_total",
			"Total recording sessions abandoned before capturing media",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"tapline_uptime_seconds",
			"Seconds since the Tapline process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.packetsAcceptedDesc
	ch <- c.packetsDroppedDesc
	ch <- c.bytesWrittenDesc
	ch <- c.recordingsCompletedDesc
	ch <- c.recordingsFailedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveCount()),
		)
	}

	if c.rtp != nil {
		stats := c.rtp.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.packetsAcceptedDesc, prometheus.CounterValue,
			float64(stats.PacketsAccepted),
		)
		ch <- prometheus.MustNewConstMetric(
			c.packetsDroppedDesc, prometheus.CounterValue,
			float64(stats.PacketsDropped),
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesWrittenDesc, prometheus.CounterValue,
			float64(stats.BytesWritten),
		)
	}

	if c.recordings != nil {
		ch <- prometheus.MustNewConstMetric(
			c.recordingsCompletedDesc, prometheus.CounterValue,
			float64(c.recordings.RecordingsCompleted()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.recordingsFailedDesc, prometheus.CounterValue,
			float64(c.recordings.RecordingsFailed()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
