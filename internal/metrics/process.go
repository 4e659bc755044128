package metrics

import (
	"bufio"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProcessMemoryBytes returns VmRSS bytes from /proc/self/status (Linux only).
func ProcessMemoryBytes() (int64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, errors.New("VmRSS parse failure")
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("VmRSS not found")
}

// ProcessSampler reports process memory and CPU to the live metrics stream.
// CPU is averaged over the time since the previous call.
type ProcessSampler struct {
	mu      sync.Mutex
	now     func() time.Time
	readCPU func() (int64, error)
	last    *cpuSample
}

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{now: time.Now, readCPU: processCPUUsec}
}

func (s *ProcessSampler) MemoryBytes() int64 {
	if rss, err := ProcessMemoryBytes(); err == nil {
		return rss
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.Sys)
}

func (s *ProcessSampler) CPUPercent() float64 {
	usec, err := s.readCPU()
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := &cpuSample{usageUsec: usec, at: s.now()}
	prev := s.last
	s.last = cur
	if prev == nil {
		return 0
	}
	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	pct := float64(cur.usageUsec-prev.usageUsec) / 1_000_000.0 / elapsed * 100.0 / float64(runtime.NumCPU())
	return max(pct, 0)
}
