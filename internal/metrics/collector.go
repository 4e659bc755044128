// Package metrics samples host and process counters and tracks them as
// metric records.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

const (
	CounterProcessorTime = `\Processor(_Total)\% Processor Time`
	CounterMemoryUsed    = `\Memory\Used Bytes`
	CounterMemoryAvail   = `\Memory\Available Bytes`
	CounterProcessRSS    = `\Process(self)\Private Bytes`
	CounterDiskUsedPct   = `\LogicalDisk(_Total)\% Used Space`
	CounterIOReadPerSec  = `\Process(self)\IO Read Bytes/sec`
	CounterIOWritePerSec = `\Process(self)\IO Write Bytes/sec`
)

type Tracker interface {
	Track(rec telemetry.Record) bool
}

type Collector struct {
	interval time.Duration
	tracker  Tracker
	diskPath string
	logger   *slog.Logger

	now      func() time.Time
	readCPU  func() (int64, error)
	cpuCores func() float64

	lastCPUSample *cpuSample
	lastIO        *ioSample
}

type counterValue struct {
	name  string
	value float64
}

type cpuSample struct {
	usageUsec int64
	at        time.Time
}

type ioSample struct {
	readBytes  int64
	writeBytes int64
	at         time.Time
}

// NewCollector samples every interval. diskPath selects the filesystem whose
// usage is reported; empty means the working directory.
func NewCollector(interval time.Duration, tracker Tracker, diskPath string, logger *slog.Logger) *Collector {
	if diskPath == "" {
		diskPath = "."
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		interval: interval,
		tracker:  tracker,
		diskPath: diskPath,
		logger:   logger,
		now:      time.Now,
		readCPU:  readCPUUsageUsec,
		cpuCores: readCPUCgroupCores,
	}
}

func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			recs, err := c.collect()
			if err != nil {
				c.logger.Debug("performance counter sample failed", "error", err)
				continue
			}
			for _, rec := range recs {
				c.tracker.Track(rec)
			}
		}
	}
}

// collect returns one metric record per counter. The first call only primes
// the CPU baseline and returns nothing.
func (c *Collector) collect() ([]telemetry.Record, error) {
	now := c.now()
	usageUsec, err := c.readCPU()
	if err != nil {
		return nil, err
	}

	cur := &cpuSample{usageUsec: usageUsec, at: now}
	if c.lastCPUSample == nil {
		c.lastCPUSample = cur
		return nil, nil
	}
	deltaUsage := float64(cur.usageUsec-c.lastCPUSample.usageUsec) / 1_000_000.0
	deltaTime := cur.at.Sub(c.lastCPUSample.at).Seconds()
	c.lastCPUSample = cur
	if deltaTime <= 0 {
		return nil, nil
	}
	cpuPct := max((deltaUsage/deltaTime)*100.0/c.cpuCores(), 0)

	memCurrent, memTotal := readMemoryCgroup()
	memAvail := int64(0)
	if memTotal > 0 && memTotal >= memCurrent {
		memAvail = memTotal - memCurrent
	}
	diskUsed, diskTotal, _ := readDiskStats(filepath.Clean(c.diskPath))
	usagePct := 0.0
	if diskTotal > 0 {
		usagePct = (float64(diskUsed) / float64(diskTotal)) * 100
	}
	ioReadRate, ioWriteRate := c.readIORates(now)

	values := []counterValue{
		{CounterProcessorTime, cpuPct},
		{CounterMemoryUsed, float64(memCurrent)},
		{CounterMemoryAvail, float64(memAvail)},
		{CounterDiskUsedPct, usagePct},
		{CounterIOReadPerSec, float64(ioReadRate)},
		{CounterIOWritePerSec, float64(ioWriteRate)},
	}
	if rss, err := ProcessMemoryBytes(); err == nil {
		values = append(values, counterValue{CounterProcessRSS, float64(rss)})
	}

	out := make([]telemetry.Record, 0, len(values))
	for _, v := range values {
		rec, err := MetricRecord(v.name, v.value, now)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type metricData struct {
	Ver        int               `json:"ver"`
	Metrics    []dataPoint       `json:"metrics"`
	Properties map[string]string `json:"properties,omitempty"`
}

type dataPoint struct {
	Name  string  `json:"name"`
	Kind  int     `json:"kind"`
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// MetricRecord builds a single-measurement metric record.
func MetricRecord(name string, value float64, at time.Time) (telemetry.Record, error) {
	data, err := json.Marshal(metricData{
		Ver:        2,
		Metrics:    []dataPoint{{Name: name, Value: value, Count: 1}},
		Properties: map[string]string{"source": "performance_counter"},
	})
	if err != nil {
		return telemetry.Record{}, err
	}
	return telemetry.Record{
		Name: name,
		Time: at,
		Kind: telemetry.KindMetric,
		Data: data,
	}, nil
}

func (c *Collector) readIORates(now time.Time) (int64, int64) {
	readBytes, writeBytes := readProcSelfIO()
	cur := &ioSample{readBytes: readBytes, writeBytes: writeBytes, at: now}
	if c.lastIO == nil {
		c.lastIO = cur
		return 0, 0
	}
	seconds := cur.at.Sub(c.lastIO.at).Seconds()
	if seconds <= 0 {
		return 0, 0
	}
	readRate := int64(float64(cur.readBytes-c.lastIO.readBytes) / seconds)
	writeRate := int64(float64(cur.writeBytes-c.lastIO.writeBytes) / seconds)
	c.lastIO = cur
	return max(readRate, 0), max(writeRate, 0)
}
