package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tapline/tapline/internal/ingest"
)

type fakeSessions int

func (f fakeSessions) ActiveCount() int { return int(f) }

type fakeIngest struct{ stats ingest.Stats }

func (f fakeIngest) Stats() ingest.Stats { return f.stats }

type fakeRecordings struct{ completed, failed uint64 }

func (f fakeRecordings) RecordingsCompleted() uint64 { return f.completed }
func (f fakeRecordings) RecordingsFailed() uint64    { return f.failed }

func gather(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if g := m.GetGauge(); g != nil {
				out[mf.GetName()] = g.GetValue()
			}
			if cv := m.GetCounter(); cv != nil {
				out[mf.GetName()] = cv.GetValue()
			}
		}
	}
	return out
}

func TestCollectorReportsProviderValues(t *testing.T) {
	c := NewCollector(
		fakeSessions(3),
		fakeIngest{stats: ingest.Stats{PacketsAccepted: 100, PacketsDropped: 7, BytesWritten: 32000}},
		fakeRecordings{completed: 12, failed: 2},
		time.Now().Add(-time.Minute),
	)

	got := gather(t, c)

	want := map[string]float64{
		"tapline_sessions_active":            3,
		"tapline_rtp_packets_accepted_total": 100,
		"tapline_rtp_packets_dropped_total":  7,
		"tapline_pcm_bytes_written_total":    32000,
		"tapline_recordings_completed_total": 12,
		"tapline_recordings_failed_total":    2,
	}
	for name, val := range want {
		if got[name] != val {
			t.Errorf("%s = %v, want %v", name, got[name], val)
		}
	}
	if got["tapline_uptime_seconds"] < 59 {
		t.Errorf("uptime = %v, want >= 59", got["tapline_uptime_seconds"])
	}
}

func TestCollectorToleratesNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())

	got := gather(t, c)

	if _, ok := got["tapline_uptime_seconds"]; !ok {
		t.Error("uptime metric missing")
	}
	if _, ok := got["tapline_sessions_active"]; ok {
		t.Error("sessions metric emitted without a provider")
	}
}
