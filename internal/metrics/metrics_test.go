package metrics

import (
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

func TestProcessMemoryBytes(t *testing.T) {
	t.Parallel()
	if runtime.GOOS != "linux" {
		t.Skip("linux-only rss probe")
	}
	rss, err := ProcessMemoryBytes()
	if err != nil {
		t.Fatalf("ProcessMemoryBytes() error: %v", err)
	}
	if rss <= 0 {
		t.Fatalf("rss bytes should be > 0")
	}
}

func fakeClock(start time.Time, step time.Duration) func() time.Time {
	cur := start.Add(-step)
	return func() time.Time {
		cur = cur.Add(step)
		return cur
	}
}

func TestCollectDiscardsFirstSample(t *testing.T) {
	t.Parallel()

	c := NewCollector(time.Minute, nil, t.TempDir(), nil)
	c.now = fakeClock(time.Unix(1000, 0), time.Second)
	usage := []int64{0, 500_000}
	c.readCPU = func() (int64, error) {
		v := usage[0]
		usage = usage[1:]
		return v, nil
	}
	c.cpuCores = func() float64 { return 1 }

	recs, err := c.collect()
	if err != nil || len(recs) != 0 {
		t.Fatalf("first collect = %d records, %v; want none", len(recs), err)
	}

	recs, err = c.collect()
	if err != nil {
		t.Fatalf("collect() error = %v", err)
	}
	if len(recs) < 6 {
		t.Fatalf("collect() returned %d records, want at least 6", len(recs))
	}
	first := recs[0]
	if first.Kind != telemetry.KindMetric || first.Name != CounterProcessorTime {
		t.Fatalf("first record = %s/%s", first.Kind, first.Name)
	}
	var data metricData
	if err := json.Unmarshal(first.Data, &data); err != nil {
		t.Fatalf("metric data: %v", err)
	}
	if got := data.Metrics[0].Value; got < 49.9 || got > 50.1 {
		t.Fatalf("cpu pct = %v, want 50", got)
	}
}

func TestProcessSamplerCPUPercent(t *testing.T) {
	t.Parallel()

	s := NewProcessSampler()
	s.now = fakeClock(time.Unix(0, 0), 2*time.Second)
	usage := []int64{1_000_000, 1_000_000 + 2_000_000*int64(runtime.NumCPU())}
	s.readCPU = func() (int64, error) {
		v := usage[0]
		usage = usage[1:]
		return v, nil
	}

	if got := s.CPUPercent(); got != 0 {
		t.Fatalf("first sample = %v, want 0", got)
	}
	if got := s.CPUPercent(); got < 99.9 || got > 100.1 {
		t.Fatalf("second sample = %v, want 100", got)
	}
	if s.MemoryBytes() <= 0 {
		t.Fatalf("MemoryBytes() should be positive")
	}
}
