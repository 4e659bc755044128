// Package encode serializes telemetry batches into pooled buffers as
// newline-delimited JSON, optionally gzip compressed.
package encode

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/kon-rad/openclaw-pulse/internal/bufferpool"
	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gzip":
		return CompressionGzip, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression: %s", s)
	}
}

var newline = []byte{'\n'}

var gzipWriterPool = sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

type Encoder struct {
	pool        *bufferpool.Pool
	compression Compression
}

func New(pool *bufferpool.Pool, compression Compression) *Encoder {
	if compression == "" {
		compression = CompressionGzip
	}
	return &Encoder{pool: pool, compression: compression}
}

// ContentEncoding is the Content-Encoding header value matching the output of
// Encode, empty when uncompressed.
func (e *Encoder) ContentEncoding() string {
	if e.compression == CompressionGzip {
		return "gzip"
	}
	return ""
}

// Encode writes records in order and returns the buffers holding the
// payload. The caller owns the returned buffers and must release them. On
// error no buffers are returned and none remain checked out.
func (e *Encoder) Encode(records []telemetry.Record) (bufs []*bufferpool.Buffer, err error) {
	if len(records) == 0 {
		return nil, nil
	}

	w := &bufferWriter{pool: e.pool}
	defer func() {
		if err != nil {
			e.pool.Release(w.bufs...)
			bufs = nil
		}
	}()

	var out io.Writer = w
	var gz *gzip.Writer
	if e.compression == CompressionGzip {
		gz = gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer gzipWriterPool.Put(gz)
		out = gz
	}

	for i, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
		if _, err := out.Write(raw); err != nil {
			return nil, fmt.Errorf("write record %d: %w", i, err)
		}
		if _, err := out.Write(newline); err != nil {
			return nil, fmt.Errorf("write record %d: %w", i, err)
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("close gzip stream: %w", err)
		}
	}
	return w.bufs, nil
}

// bufferWriter spills writes across pooled buffers, acquiring a new one
// whenever the last is full.
type bufferWriter struct {
	pool *bufferpool.Pool
	bufs []*bufferpool.Buffer
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if len(w.bufs) == 0 || w.bufs[len(w.bufs)-1].Available() == 0 {
			w.bufs = append(w.bufs, w.pool.Acquire())
		}
		n := w.bufs[len(w.bufs)-1].Append(p)
		p = p[n:]
		written += n
	}
	return written, nil
}
