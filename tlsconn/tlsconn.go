package tlsconn

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/corewire/reactorws/api"
	"github.com/corewire/reactorws/channel"
	"github.com/corewire/reactorws/conn"
)

var _ conn.Conn = (*Conn)(nil)

// DefaultHandshakeTimeout bounds the entire handshake dance.
const DefaultHandshakeTimeout = 10 * time.Second

// Config configures a TLS connection built over an already-accepted plain
// socket.
type Config struct {
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

type itemKind int

const (
	itemData itemKind = iota
	itemFin
	itemCloseNotify
)

type writeItem struct {
	kind itemKind
	data []byte
}

// Conn is an established TLS connection implementing the same read/write
// contract as conn.Connection, with record-level pumping
// delegated to stdlib crypto/tls instead of a hand-rolled engine. Because
// tls.Conn exposes only blocking Read/Write — there is no non-blocking
// "engine" API in the standard library — steady-state I/O runs on a pair of
// dedicated per-connection goroutines rather than the owning selector
// thread, so a slow peer can never stall the reactor loop.
type Conn struct {
	tlsConn *tls.Conn
	raw     net.Conn
	id      uint64
	peer    string
	pool    api.BufferPool

	unreadBuf []byte

	readMu sync.Mutex
	readQ  []api.ReadOutcome

	writeMu     sync.Mutex
	writeQ      *queue.Queue
	finQueued   bool
	closeQueued bool
	writeBusy   bool
	writeErr    error

	waiterMu    sync.Mutex
	readWaiter  *channel.Future
	writeWaiter *channel.Future

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer performs the server-side TLS handshake over ch's raw fd,
// replaying prefix (the detector's already-consumed bytes, if any) first,
// then returns an established Conn. ch is detached from its selector; the
// TLS layer owns the fd from here.
func NewServer(ch *channel.Channel, prefix []byte, id uint64, peer string, pool api.BufferPool, cfg Config) (*Conn, error) {
	return newConn(ch, prefix, id, peer, pool, cfg, true)
}

// NewClient performs the client-side TLS handshake, for outbound
// connections established via tcpclient.Dial.
func NewClient(ch *channel.Channel, id uint64, peer string, pool api.BufferPool, cfg Config) (*Conn, error) {
	return newConn(ch, nil, id, peer, pool, cfg, false)
}

func newConn(ch *channel.Channel, prefix []byte, id uint64, peer string, pool api.BufferPool, cfg Config, server bool) (*Conn, error) {
	fd := ch.FD()
	file := os.NewFile(uintptr(fd), "reactorws-tls")
	raw, err := net.FileConn(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("tlsconn: FileConn: %w", err)
	}
	// Unregister from the selector (epoll_ctl DEL) while fd is still valid,
	// before closing file's reference to it; raw already holds an
	// independent dup, so closing file afterward only drops the original.
	if err := ch.Detach(); err != nil {
		_ = file.Close()
		raw.Close()
		return nil, fmt.Errorf("tlsconn: detach: %w", err)
	}
	_ = file.Close()

	var wrapped net.Conn = raw
	if len(prefix) > 0 {
		wrapped = &prefixConn{Conn: raw, prefix: prefix}
	}

	var tlsConn *tls.Conn
	if server {
		tlsConn = tls.Server(wrapped, cfg.TLSConfig)
	} else {
		tlsConn = tls.Client(wrapped, cfg.TLSConfig)
	}

	deadline := time.Now().Add(cfg.handshakeTimeout())
	if err := tlsConn.SetDeadline(deadline); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tlsconn: set handshake deadline: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		raw.Close()
		return nil, api.NewError(api.ErrCodeTimeout, fmt.Sprintf("tlsconn: handshake: %v", err)).WithContext("peer", peer)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tlsconn: clear handshake deadline: %w", err)
	}

	c := &Conn{
		tlsConn: tlsConn,
		raw:     raw,
		id:      id,
		peer:    peer,
		pool:    pool,
		writeQ:  queue.New(),
		closed:  make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func (c *Conn) ID() uint64       { return c.id }
func (c *Conn) PeerAddr() string { return c.peer }

// readPump continuously reads plaintext records and queues them as Data
// outcomes. Every io.EOF is queued as CloseNotify (see isCloseNotify) and
// any other read error as Fin, so unlike the plain connection a clean TCP
// FIN does not surface as Fin here.
func (c *Conn) readPump() {
	for {
		buf := c.pool.Get(32 * 1024)
		n, err := c.tlsConn.Read(buf.Bytes()[:cap(buf.Bytes())])
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf.Bytes()[:n])
			buf.Release()
			c.pushOutcome(api.Data(api.Buffer{Data: out}))
		} else {
			buf.Release()
		}
		if err != nil {
			outcome := api.Fin()
			if isCloseNotify(err) {
				outcome = api.CloseNotify()
			}
			c.pushOutcome(outcome)
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}
	}
}

func (c *Conn) pushOutcome(out api.ReadOutcome) {
	c.readMu.Lock()
	c.readQ = append(c.readQ, out)
	c.readMu.Unlock()
	c.resolveReadWaiter()
}

func isCloseNotify(err error) bool {
	// crypto/tls returns io.EOF from Read both once a close_notify alert has
	// been processed and when the socket hits EOF at a record boundary;
	// there is no distinct exported sentinel, so the two are not told apart.
	return err != nil && err.Error() == "EOF"
}

func (c *Conn) resolveReadWaiter() {
	c.waiterMu.Lock()
	w := c.readWaiter
	c.readWaiter = nil
	c.waiterMu.Unlock()
	if w != nil {
		w.Resolve(nil)
	}
}

// Read returns the next buffered outcome without blocking, matching the
// plain connection's stall/fin/data contract.
func (c *Conn) Read() (api.ReadOutcome, error) {
	if c.unreadBuf != nil {
		b := c.unreadBuf
		c.unreadBuf = nil
		return api.Data(api.Buffer{Data: b}), nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.readQ) == 0 {
		return api.Stall(), nil
	}
	out := c.readQ[0]
	c.readQ = c.readQ[1:]
	return out, nil
}

func (c *Conn) Unread(buf []byte) error {
	if c.unreadBuf != nil {
		return api.ErrConsecutiveUnread
	}
	c.unreadBuf = buf
	return nil
}

// AwaitReadable resolves once the read pump has at least one outcome
// buffered (or the connection is torn down).
func (c *Conn) AwaitReadable(accepting bool) *channel.Future {
	f := channel.NewFuture()
	c.readMu.Lock()
	has := len(c.readQ) > 0
	c.readMu.Unlock()
	if has {
		f.Resolve(nil)
		return f
	}
	c.waiterMu.Lock()
	c.readWaiter = f
	c.waiterMu.Unlock()
	return f
}

func (c *Conn) CancelAcceptingWait(reason error) {
	c.waiterMu.Lock()
	w := c.readWaiter
	c.readWaiter = nil
	c.waiterMu.Unlock()
	if w != nil {
		w.Resolve(reason)
	}
}

// QueueWrite appends a user buffer to the outbound queue.
func (c *Conn) QueueWrite(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.finQueued {
		return api.ErrFinAlreadyQueued
	}
	if len(data) == 0 {
		return nil
	}
	c.writeQ.Add(writeItem{kind: itemData, data: data})
	return nil
}

// QueueFin enqueues the TCP FIN marker, sent only after close_notify has
// flushed.
func (c *Conn) QueueFin() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.finQueued {
		return api.ErrFinAlreadyQueued
	}
	c.finQueued = true
	c.writeQ.Add(writeItem{kind: itemFin})
	return nil
}

// QueueCloseNotify enqueues the close_notify alert as one outbound record.
func (c *Conn) QueueCloseNotify() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeQueued {
		return api.ErrCloseNotifyAlreadyUsed
	}
	c.closeQueued = true
	c.writeQ.Add(writeItem{kind: itemCloseNotify})
	return nil
}

func (c *Conn) QueueLen() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeQ.Length()
}

// Write dispatches any queued-but-undispatched items to the write pump
// goroutine and returns immediately; the selector thread is never blocked
// on the underlying TLS record wrap+flush (see Conn doc comment). A prior
// write failure is returned and poisons all further writes.
func (c *Conn) Write() (int64, error) {
	c.writeMu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.writeMu.Unlock()
		return 0, err
	}
	if c.writeBusy || c.writeQ.Length() == 0 {
		c.writeMu.Unlock()
		return 0, nil
	}
	items := make([]writeItem, 0, c.writeQ.Length())
	for c.writeQ.Length() > 0 {
		items = append(items, c.writeQ.Remove().(writeItem))
	}
	c.writeBusy = true
	c.writeMu.Unlock()

	go c.flush(items)
	return 0, nil
}

func (c *Conn) flush(items []writeItem) {
	var total int64
	var err error
	for _, it := range items {
		switch it.kind {
		case itemCloseNotify:
			err = c.tlsConn.CloseWrite()
		case itemFin:
			if tc, ok := c.raw.(*net.TCPConn); ok {
				err = tc.CloseWrite()
			}
		default:
			var n int
			n, err = c.tlsConn.Write(it.data)
			total += int64(n)
		}
		if err != nil {
			break
		}
	}

	c.writeMu.Lock()
	c.writeBusy = false
	if err != nil {
		c.writeErr = err
	}
	c.writeMu.Unlock()

	c.waiterMu.Lock()
	w := c.writeWaiter
	c.writeWaiter = nil
	c.waiterMu.Unlock()
	if w != nil {
		w.Resolve(err)
	}
}

// AwaitWritable resolves once the in-flight flush (if any) completes.
func (c *Conn) AwaitWritable() *channel.Future {
	f := channel.NewFuture()
	c.writeMu.Lock()
	busy := c.writeBusy
	c.writeMu.Unlock()
	if !busy {
		f.Resolve(nil)
		return f
	}
	c.waiterMu.Lock()
	c.writeWaiter = f
	c.waiterMu.Unlock()
	return f
}

// Close tears down both pumps and the underlying socket. Idempotent. A
// graceful close (drainTimeout > 0) sends the close_notify alert first,
// reads-and-discards until the peer answers or the timeout lapses, and
// only then lets the FIN out; an abortive close drops the socket without
// alerting.
func (c *Conn) Close(drainTimeout time.Duration) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if drainTimeout > 0 {
			// CloseWrite is a no-op here if a close_notify record was
			// already flushed via QueueCloseNotify.
			_ = c.tlsConn.CloseWrite()
			_ = c.raw.SetReadDeadline(time.Now().Add(drainTimeout))
			buf := make([]byte, 4096)
			for {
				if _, rerr := c.tlsConn.Read(buf); rerr != nil {
					break
				}
			}
			err = c.tlsConn.Close()
			return
		}
		err = c.raw.Close()
	})
	return err
}
