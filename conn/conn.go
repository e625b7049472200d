// Package conn implements the plain TCP connection: a ring-buffered
// outbound write queue combining user and pooled buffers, unread
// push-back, and drain-on-close.
package conn

import (
	"time"

	"github.com/eapache/queue"

	"github.com/corewire/reactorws/api"
	"github.com/corewire/reactorws/channel"
)

// smallCopyThreshold is the cutoff below which queued writes are coalesced
// into a pooled scratch buffer instead of being forwarded as independent
// writev segments.
const smallCopyThreshold = 512

// Conn is the contract both the plain connection here and the TLS
// connection in package tlsconn satisfy, so the TCP server and WebSocket
// layer can work against either uniformly.
type Conn interface {
	ID() uint64
	PeerAddr() string
	Read() (api.ReadOutcome, error)
	Unread(buf []byte) error
	QueueWrite(data []byte) error
	QueueFin() error
	QueueCloseNotify() error
	QueueLen() int
	Write() (int64, error)
	AwaitReadable(accepting bool) *channel.Future
	AwaitWritable() *channel.Future
	CancelAcceptingWait(reason error)
	Close(drainTimeout time.Duration) error
}

type itemKind int

const (
	itemData itemKind = iota
	itemFin
	itemCloseNotify
)

type queueItem struct {
	kind    itemKind
	data    []byte
	ringBuf api.Buffer // non-zero when data aliases a pooled coalescing buffer
}

// Connection is a plain (non-TLS) connection over a Channel.
type Connection struct {
	ch   *channel.Channel
	id   uint64
	peer string
	pool api.BufferPool

	readSize int

	unreadBuf []byte

	pending           *queue.Queue
	finQueued         bool
	closeNotifyQueued bool

	closed bool
}

// New builds a plain Connection. pool supplies both the scratch read buffer
// and the small-write coalescing buffers.
func New(ch *channel.Channel, id uint64, peer string, pool api.BufferPool) *Connection {
	return &Connection{
		ch:       ch,
		id:       id,
		peer:     peer,
		pool:     pool,
		readSize: 64 * 1024,
		pending:  queue.New(),
	}
}

func (c *Connection) ID() uint64       { return c.id }
func (c *Connection) PeerAddr() string { return c.peer }

// Channel exposes the underlying non-blocking socket wrapper, used by the
// plain/TLS detector to hand an already-read prefix over to a TLS
// handshaker without an extra syscall.
func (c *Connection) Channel() *channel.Channel { return c.ch }

// Read returns Stall if nothing is ready, Fin on EOF, otherwise a freshly
// allocated buffer holding exactly the bytes read
// (the internal scratch buffer is returned to the pool synchronously).
func (c *Connection) Read() (api.ReadOutcome, error) {
	if c.unreadBuf != nil {
		data := c.unreadBuf
		c.unreadBuf = nil
		return api.Data(api.Buffer{Data: data}), nil
	}

	scratch := c.pool.Get(c.readSize)
	n, err := c.ch.Read(scratch.Bytes()[:cap(scratch.Bytes())])
	if err != nil {
		scratch.Release()
		return api.ReadOutcome{}, err
	}
	if n == 0 {
		scratch.Release()
		return api.Stall(), nil
	}
	if n == -1 {
		scratch.Release()
		return api.Fin(), nil
	}
	out := make([]byte, n)
	copy(out, scratch.Bytes()[:n])
	scratch.Release()
	return api.Data(api.Buffer{Data: out}), nil
}

// Unread stores exactly one buffer to be replayed verbatim by the next
// Read call. A second call before an intervening Read is an error.
func (c *Connection) Unread(buf []byte) error {
	if c.unreadBuf != nil {
		return api.ErrConsecutiveUnread
	}
	c.unreadBuf = buf
	return nil
}

// QueueWrite appends data to the outbound queue, coalescing small segments
// into a pooled scratch buffer capped at smallCopyThreshold.
func (c *Connection) QueueWrite(data []byte) error {
	if c.finQueued {
		return api.ErrFinAlreadyQueued
	}
	if len(data) == 0 {
		return nil
	}
	if len(data) <= smallCopyThreshold && c.pending.Length() > 0 {
		last, ok := c.pending.Get(c.pending.Length() - 1).(*queueItem)
		if ok && last.kind == itemData && last.ringBuf.Pool != nil &&
			len(last.data)+len(data) <= last.ringBuf.Capacity() {
			ring := last.ringBuf.Bytes()[:last.ringBuf.Capacity()]
			n := copy(ring[len(last.data):], data)
			last.data = ring[:len(last.data)+n]
			if n == len(data) {
				return nil
			}
			data = data[n:]
		}
	}

	item := &queueItem{kind: itemData}
	if len(data) <= smallCopyThreshold {
		buf := c.pool.Get(smallCopyThreshold)
		n := copy(buf.Bytes()[:cap(buf.Bytes())], data)
		item.data = buf.Bytes()[:n]
		item.ringBuf = buf
	} else {
		item.data = data
	}
	c.pending.Add(item)
	return nil
}

// QueueFin enqueues the TCP FIN marker; no further QueueWrite is allowed
// afterward.
func (c *Connection) QueueFin() error {
	if c.finQueued {
		return api.ErrFinAlreadyQueued
	}
	c.finQueued = true
	c.pending.Add(&queueItem{kind: itemFin})
	return nil
}

// QueueCloseNotify is a no-op on a plain connection, but still occupies
// one queue slot so ordering against other queued writes is preserved for
// callers that count on it.
func (c *Connection) QueueCloseNotify() error {
	if c.closeNotifyQueued {
		return api.ErrCloseNotifyAlreadyUsed
	}
	c.closeNotifyQueued = true
	c.pending.Add(&queueItem{kind: itemCloseNotify})
	return nil
}

// QueueLen reports pending queue length; the FIN and close-notify markers
// each count as one entry.
func (c *Connection) QueueLen() int { return c.pending.Length() }

// Write greedily drains the queue into the socket, stopping on the first
// short write (caller should then AwaitWritable).
func (c *Connection) Write() (int64, error) {
	var total int64
	for c.pending.Length() > 0 {
		it := c.pending.Peek().(*queueItem)
		switch it.kind {
		case itemFin:
			c.pending.Remove()
			if err := c.ch.ShutdownOutput(); err != nil {
				return total, err
			}
			continue
		case itemCloseNotify:
			c.pending.Remove()
			continue
		}

		n, err := c.ch.Write([][]byte{it.data})
		if err != nil {
			return total, err
		}
		total += n
		if n == int64(len(it.data)) {
			if it.ringBuf.Pool != nil {
				it.ringBuf.Release()
			}
			c.pending.Remove()
			continue
		}
		it.data = it.data[n:]
		return total, nil // short write or EAGAIN; caller awaits writable
	}
	return total, nil
}

func (c *Connection) AwaitReadable(accepting bool) *channel.Future {
	return c.ch.AwaitReadable(accepting)
}

func (c *Connection) AwaitWritable() *channel.Future { return c.ch.AwaitWritable() }

func (c *Connection) CancelAcceptingWait(reason error) { c.ch.CancelAcceptingWait(reason) }

// Close drops queued data, shuts down the write side, optionally drains
// inbound bytes until EOF/timeout (to dodge TCP RST-on-data-in-transit),
// then closes.
func (c *Connection) Close(drainTimeout time.Duration) error {
	if c.closed {
		return nil
	}
	c.closed = true
	for c.pending.Length() > 0 {
		it := c.pending.Remove().(*queueItem)
		if it.ringBuf.Pool != nil {
			it.ringBuf.Release()
		}
	}
	_ = c.ch.ShutdownOutput()
	if drainTimeout > 0 {
		deadline := time.Now().Add(drainTimeout)
		buf := make([]byte, 4096)
		for time.Now().Before(deadline) {
			n, err := c.ch.Read(buf)
			if err != nil || n == -1 {
				break
			}
			if n == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}
	return c.ch.Close()
}
