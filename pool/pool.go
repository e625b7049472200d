// Package pool implements the capacity-bucketed byte buffer pool used
// throughout the reactor. Acquisition returns a cleared buffer; release
// is safe to call on buffers the pool never produced.
package pool

import (
	"sync/atomic"

	"github.com/corewire/reactorws/api"
)

// minBucket/maxBucket bound the power-of-two size classes this pool
// maintains; requests outside the range allocate directly and are never
// pooled.
const (
	minBucket = 8    // 256 B
	maxBucket = 20   // 1 MiB
	chanDepth = 1024
)

// Pool is a capacity-bucketed, goroutine-safe api.BufferPool.
type Pool struct {
	buckets [maxBucket - minBucket + 1]chan []byte

	allocs   int64
	frees    int64
	inUse    int64
}

// New builds a Pool with one channel-backed free-list per power-of-two
// size class from 256 B to 1 MiB.
func New() *Pool {
	p := &Pool{}
	for i := range p.buckets {
		p.buckets[i] = make(chan []byte, chanDepth)
	}
	return p
}

func bucketFor(n int) int {
	class := minBucket
	size := 1 << minBucket
	for size < n && class < maxBucket {
		class++
		size <<= 1
	}
	return class
}

// Get returns a Buffer with at least n bytes of capacity and a
// zero-length Data view into it (api.BufferPool).
func (p *Pool) Get(n int) api.Buffer {
	class := bucketFor(n)
	size := 1 << class

	atomic.AddInt64(&p.allocs, 1)
	atomic.AddInt64(&p.inUse, 1)

	if n > 1<<maxBucket {
		// Out of range: exact-size allocation; Class 0 keeps Put from
		// pooling it.
		return api.Buffer{Data: make([]byte, 0, n), Pool: p}
	}
	select {
	case buf := <-p.buckets[class-minBucket]:
		return api.Buffer{Data: buf[:0], Pool: p, Class: class}
	default:
	}
	return api.Buffer{Data: make([]byte, 0, size), Pool: p, Class: class}
}

// Put returns b to its bucket's free-list (api.BufferPool / api.Releaser).
func (p *Pool) Put(b api.Buffer) {
	if b.Data == nil {
		return
	}
	atomic.AddInt64(&p.frees, 1)
	atomic.AddInt64(&p.inUse, -1)

	if b.Class < minBucket || b.Class > maxBucket {
		return
	}
	select {
	case p.buckets[b.Class-minBucket] <- b.Data[:0]:
	default:
		// free-list full; let the GC reclaim this one.
	}
}

// Stats reports cumulative allocation counters for the control/metrics
// surface.
func (p *Pool) Stats() api.BufferPoolStats {
	return api.BufferPoolStats{
		TotalAlloc: atomic.LoadInt64(&p.allocs),
		TotalFree:  atomic.LoadInt64(&p.frees),
		InUse:      atomic.LoadInt64(&p.inUse),
	}
}

var _ api.BufferPool = (*Pool)(nil)
