// File: api/buffer.go
// Package api defines the shared Buffer and BufferPool contracts used by
// every layer of the reactor (selector callbacks, channels, connections,
// WebSocket frames).

package api

// Buffer is a pooled byte slice. It is a struct rather than an interface
// to avoid boxing on the hot read/write paths.
type Buffer struct {
	Data  []byte
	Pool  Releaser
	Class int // capacity-bucket index this buffer was allocated from
}

// Releaser decouples Buffer from any specific pool implementation.
type Releaser interface {
	Put(Buffer)
}

// Bytes returns the full byte slice backing this Buffer.
func (b Buffer) Bytes() []byte { return b.Data }

// Len reports the number of valid bytes currently held.
func (b Buffer) Len() int { return len(b.Data) }

// Copy returns a freshly allocated copy of the buffer's data.
func (b Buffer) Copy() []byte {
	dup := make([]byte, len(b.Data))
	copy(dup, b.Data)
	return dup
}

// Slice returns a new Buffer view sharing the same underlying memory.
// Releasing a slice releases the whole backing buffer; callers that need
// independent lifetimes must Copy instead.
func (b Buffer) Slice(from, to int) Buffer {
	if from < 0 || to > len(b.Data) || from > to {
		return Buffer{Pool: b.Pool, Class: b.Class}
	}
	return Buffer{Data: b.Data[from:to], Pool: b.Pool, Class: b.Class}
}

// Release returns the buffer to its originating pool. It is a no-op on a
// zero-value Buffer. A second Release of the same buffer is not detected:
// each call hands the memory back to the pool again, and later Gets may
// then share it.
func (b Buffer) Release() {
	if b.Pool != nil {
		b.Pool.Put(b)
	}
}

// Capacity returns the capacity of the underlying slice.
func (b Buffer) Capacity() int {
	return cap(b.Data)
}

// BufferPool allocates and recycles capacity-bucketed byte buffers.
type BufferPool interface {
	// Get returns a Buffer with at least n bytes of capacity and a
	// zero-length Data view into it.
	Get(n int) Buffer
	Put(b Buffer)
	Stats() BufferPoolStats
}

// BufferPoolStats summarizes pool usage for the control/metrics surface.
type BufferPoolStats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
}
