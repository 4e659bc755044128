package ingest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLeakCheck_Processor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	exp := newRecordingExporter()
	p := NewProcessor(Config{ScheduleDelay: 10 * time.Millisecond, MaxQueueSize: 32, MaxExportBatchSize: 4}, exp, discardLogger())
	for i := 0; i < 9; i++ {
		p.Enqueue(rec("leak"))
	}
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
