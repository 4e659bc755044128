package quickpulse

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

func TestEncodeCountAndDurationRoundTrip(t *testing.T) {
	t.Parallel()

	count, dur := DecodeCountAndDuration(EncodeCountAndDuration(5, 120))
	require.Equal(t, int64(5), count)
	require.Equal(t, int64(120), dur)

	count, dur = DecodeCountAndDuration(EncodeCountAndDuration(MaxCount, MaxDurationMs))
	require.Equal(t, MaxCount, count)
	require.Equal(t, MaxDurationMs, dur)
}

func TestEncodeCountAndDurationOutOfRange(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		count, durMs int64
	}{
		{"count at cap", MaxCount + 1, 10},
		{"duration at cap", 1, MaxDurationMs + 1},
		{"negative count", -1, 10},
		{"negative duration", 1, -5},
	}
	for _, tc := range cases {
		require.Zero(t, EncodeCountAndDuration(tc.count, tc.durMs), tc.name)
	}
}

func TestAddCountAndDurationSaturates(t *testing.T) {
	t.Parallel()

	var word atomic.Uint64
	word.Store(EncodeCountAndDuration(MaxCount, MaxDurationMs-10))
	addCountAndDuration(&word, 1000)

	count, dur := DecodeCountAndDuration(word.Load())
	require.Equal(t, MaxCount, count)
	require.Equal(t, MaxDurationMs, dur)
}

func TestCollectorIgnoresWhenDisabledOrForeignKey(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.Add(telemetry.Record{Kind: telemetry.KindRequest, InstrumentationKey: "k"})
	require.Nil(t, c.GetAndRestart())

	c.Enable("k")
	c.Add(telemetry.Record{Kind: telemetry.KindRequest, InstrumentationKey: "other"})
	c.Add(telemetry.Record{Kind: telemetry.KindMessage, InstrumentationKey: "k"})
	got := c.GetAndRestart()
	require.NotNil(t, got)
	require.Zero(t, got.Requests)

	c.Disable()
	require.False(t, c.Enabled())
	require.Nil(t, c.Peek())
}

func TestCollectorClassifiesRecords(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.Enable("k")
	c.Add(telemetry.Record{Kind: telemetry.KindRequest, InstrumentationKey: "k", Duration: 30 * time.Millisecond, Success: true})
	c.Add(telemetry.Record{Kind: telemetry.KindRequest, InstrumentationKey: "k", Duration: 70 * time.Millisecond})
	c.Add(telemetry.Record{Kind: telemetry.KindDependency, InstrumentationKey: "k", Duration: 5 * time.Millisecond})
	c.Add(telemetry.Record{Kind: telemetry.KindException, InstrumentationKey: "k"})

	peek := c.Peek()
	first := c.GetAndRestart()
	require.Equal(t, peek, first)
	require.Equal(t, int64(2), first.Requests)
	require.Equal(t, int64(100), first.RequestsDurationMs)
	require.Equal(t, int64(1), first.UnsuccessfulRequests)
	require.Equal(t, int64(1), first.Dependencies)
	require.Equal(t, int64(5), first.DependenciesDurationMs)
	require.Equal(t, int64(1), first.UnsuccessfulDependencies)
	require.Equal(t, int64(1), first.Exceptions)

	second := c.GetAndRestart()
	require.Greater(t, second.Generation, first.Generation)
	require.Zero(t, second.Requests)
}

func TestCollectorConcurrentAddLandsInExactlyOneInterval(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 8, 5000
	c := NewCollector()
	c.Enable("k")

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				c.Add(telemetry.Record{Kind: telemetry.KindException, InstrumentationKey: "k"})
			}
		}()
	}

	var total int64
	stop := make(chan struct{})
	harvested := make(chan int64)
	go func() {
		var sum int64
		for {
			select {
			case <-stop:
				harvested <- sum
				return
			default:
				sum += c.GetAndRestart().Exceptions
			}
		}
	}()

	wg.Wait()
	close(stop)
	total = <-harvested
	total += c.GetAndRestart().Exceptions
	require.Equal(t, int64(producers*perProducer), total)
}
