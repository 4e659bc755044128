package bufferpool

import "sync"

// Buffer is a fixed-capacity byte buffer checked out of a Pool. It never
// grows past the capacity it was acquired with.
type Buffer struct {
	pool *Pool

	mu   sync.Mutex
	data []byte
}

// Append copies as much of p as fits and returns the number of bytes copied.
func (b *Buffer) Append(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return 0
	}
	n := min(cap(b.data)-len(b.data), len(p))
	b.data = append(b.data, p[:n]...)
	return n
}

// Bytes returns the written bytes. The slice is only valid until Release.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return 0
	}
	return cap(b.data) - len(b.data)
}

func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data == nil
}

// Release hands the storage back to the pool. Only the first call has an
// effect; later calls are counted as double releases.
func (b *Buffer) Release() {
	b.mu.Lock()
	data := b.data
	b.data = nil
	b.mu.Unlock()

	if data == nil {
		b.pool.doubleReleases.Add(1)
		return
	}
	b.pool.put(data)
}
