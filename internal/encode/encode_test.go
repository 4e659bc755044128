package encode

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/kon-rad/openclaw-pulse/internal/bufferpool"
	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

func makeRecords(n int) []telemetry.Record {
	out := make([]telemetry.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, telemetry.Record{
			Name: fmt.Sprintf("event-%03d", i),
			Time: time.Unix(1700000000, 0).Add(time.Duration(i) * time.Second),
			Kind: telemetry.KindEvent,
		})
	}
	return out
}

func joined(bufs []*bufferpool.Buffer) []byte {
	var out bytes.Buffer
	for _, b := range bufs {
		out.Write(b.Bytes())
	}
	return out.Bytes()
}

func decodeNames(t *testing.T, payload []byte) []string {
	t.Helper()
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(payload))
	for sc.Scan() {
		var env struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatalf("line %q is not json: %v", sc.Text(), err)
		}
		names = append(names, env.Name)
	}
	return names
}

func TestEncodeSpillsAcrossBuffers(t *testing.T) {
	t.Parallel()

	pool := bufferpool.New(64, 16)
	enc := New(pool, CompressionNone)

	bufs, err := enc.Encode(makeRecords(10))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(bufs) < 2 {
		t.Fatalf("expected payload to span several 64 byte buffers, got %d", len(bufs))
	}
	for _, b := range bufs[:len(bufs)-1] {
		if b.Available() != 0 {
			t.Fatalf("non-final buffer has %d bytes free", b.Available())
		}
	}

	names := decodeNames(t, joined(bufs))
	if len(names) != 10 || names[0] != "event-000" || names[9] != "event-009" {
		t.Fatalf("unexpected decoded names: %v", names)
	}
	if enc.ContentEncoding() != "" {
		t.Fatalf("uncompressed encoder reports content encoding %q", enc.ContentEncoding())
	}

	pool.Release(bufs...)
	if st := pool.Stats(); st.Outstanding != 0 {
		t.Fatalf("outstanding = %d after release", st.Outstanding)
	}
}

func TestEncodeGzip(t *testing.T) {
	t.Parallel()

	pool := bufferpool.New(128, 16)
	enc := New(pool, CompressionGzip)
	bufs, err := enc.Encode(makeRecords(50))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	defer pool.Release(bufs...)

	zr, err := gzip.NewReader(bytes.NewReader(joined(bufs)))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if names := decodeNames(t, plain); len(names) != 50 {
		t.Fatalf("decoded %d records, want 50", len(names))
	}
	if enc.ContentEncoding() != "gzip" {
		t.Fatalf("ContentEncoding() = %q", enc.ContentEncoding())
	}
}

func TestEncodeFailureReleasesBuffers(t *testing.T) {
	t.Parallel()

	pool := bufferpool.New(32, 4)
	enc := New(pool, CompressionNone)

	records := makeRecords(8)
	records = append(records, telemetry.Record{
		Name: "broken",
		Time: time.Now(),
		Data: json.RawMessage(`{not json`),
	})

	bufs, err := enc.Encode(records)
	if err == nil {
		t.Fatalf("expected encode error")
	}
	if bufs != nil {
		t.Fatalf("expected no buffers on failure, got %d", len(bufs))
	}
	st := pool.Stats()
	if st.Outstanding != 0 {
		t.Fatalf("outstanding = %d after failed encode", st.Outstanding)
	}
	if st.Idle+st.Outstanding != st.Allocated-st.Discarded {
		t.Fatalf("pool unbalanced: %+v", st)
	}
}

func TestEncodeEmpty(t *testing.T) {
	t.Parallel()

	pool := bufferpool.New(32, 4)
	bufs, err := New(pool, CompressionGzip).Encode(nil)
	if err != nil || bufs != nil {
		t.Fatalf("Encode(nil) = %v, %v", bufs, err)
	}
	if pool.Stats().Allocated != 0 {
		t.Fatalf("empty encode should not touch the pool")
	}
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Compression{"": CompressionGzip, "GZIP": CompressionGzip, "none": CompressionNone} {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Fatalf("ParseCompression(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Fatalf("expected error for unsupported compression")
	}
}
