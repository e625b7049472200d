// Package channel implements the non-blocking, selector-driven socket
// primitive: read/write/shutdown over a raw fd, interest-op management,
// and await-readable/await-writable futures.
package channel

import (
	"fmt"

	"github.com/corewire/reactorws/selector"
	"golang.org/x/sys/unix"
)

// Channel wraps one non-blocking socket fd registered with a Selector.
// All socket-level operations (Read, Write, ShutdownOutput) must run on the
// owning selector's goroutine; Close is the one thread-safe exception.
type Channel struct {
	fd     int
	sel    *selector.Selector
	handle *selector.Handle // released on Close; nil if the caller manages the handle itself

	interest uint32 // desired READ/WRITE bits, independent of OS state

	readWaiter          *Future
	readWaiterAccepting bool
	writeWaiter         *Future

	closed  bool
	onClose func()
}

// New registers fd with sel and returns the owning Channel. fd must already
// be non-blocking (tcpserver/tcpclient set this at socket-creation time).
// The caller retains ownership of the selector handle.
func New(sel *selector.Selector, fd int) (*Channel, error) {
	c := &Channel{fd: fd, sel: sel}
	if err := sel.Register(fd, selector.InterestRead, c.onReady); err != nil {
		return nil, fmt.Errorf("channel: register fd=%d: %w", fd, err)
	}
	c.interest = selector.InterestRead
	return c, nil
}

// NewOwned is New plus transfer of handle's lifetime to the Channel: handle
// is released automatically when the Channel closes. Used by tcpclient and
// tcpserver for per-connection handles that have no other owner.
func NewOwned(handle *selector.Handle, fd int) (*Channel, error) {
	c, err := New(handle.Selector(), fd)
	if err != nil {
		return nil, err
	}
	c.handle = handle
	return c, nil
}

// FD returns the raw file descriptor. Exposed for TLS detection (needs to
// read the first byte before deciding which connection type to build) and
// for socket option tweaks (server_socket_conf/socket_conf hooks).
func (c *Channel) FD() int { return c.fd }

// Selector returns the owning reactor.
func (c *Channel) Selector() *selector.Selector { return c.sel }

// Read fills buf from the socket. Returns (n, nil) with n>0 on data, (0,
// nil) if the socket is not currently readable (EAGAIN), or (-1, nil) on
// clean EOF. A non-nil error means a genuine I/O fault.
func (c *Channel) Read(buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return -1, nil
	}
	return n, nil
}

// Write writes one or more buffers as a single writev(2) call. Returns
// bytes written, possibly 0 on EAGAIN.
func (c *Channel) Write(buffers [][]byte) (int64, error) {
	if len(buffers) == 0 {
		return 0, nil
	}
	n, err := unix.Writev(c.fd, buffers)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	return int64(n), nil
}

// ShutdownOutput sends a TCP FIN on the write half.
func (c *Channel) ShutdownOutput() error {
	return unix.Shutdown(c.fd, unix.SHUT_WR)
}

// AwaitReadable resolves the next time the socket becomes readable. If
// accepting is true, the waiter is also eligible for cancellation by
// CancelAcceptingWait, which the TCP server uses to tear down idle
// keep-alives on graceful pause.
func (c *Channel) AwaitReadable(accepting bool) *Future {
	f := NewFuture()
	c.readWaiter = f
	c.readWaiterAccepting = accepting
	c.updateInterest(c.interest | selector.InterestRead)
	return f
}

// AwaitWritable resolves the next time the socket becomes writable.
func (c *Channel) AwaitWritable() *Future {
	f := NewFuture()
	c.writeWaiter = f
	c.updateInterest(c.interest | selector.InterestWrite)
	return f
}

// CancelAcceptingWait fails any pending accepting-tied read waiter with
// ErrAcceptingStopped, used when the owning server leaves the accepting
// state.
func (c *Channel) CancelAcceptingWait(reason error) {
	if c.readWaiter != nil && c.readWaiterAccepting {
		w := c.readWaiter
		c.readWaiter = nil
		c.readWaiterAccepting = false
		c.updateInterest(c.interest &^ selector.InterestRead)
		w.Resolve(reason)
	}
}

func (c *Channel) updateInterest(interest uint32) {
	c.interest = interest
	c.sel.SetInterest(c.fd, interest)
}

func (c *Channel) onReady(readable, writable, errored bool) {
	if readable && c.readWaiter != nil {
		w := c.readWaiter
		c.readWaiter = nil
		c.readWaiterAccepting = false
		c.updateInterest(c.interest &^ selector.InterestRead)
		w.Resolve(nil)
	}
	if writable && c.writeWaiter != nil {
		w := c.writeWaiter
		c.writeWaiter = nil
		c.updateInterest(c.interest &^ selector.InterestWrite)
		w.Resolve(nil)
	}
	if errored {
		c.failWaiters(unix.ECONNRESET)
	}
}

func (c *Channel) failWaiters(errno error) {
	if c.readWaiter != nil {
		w := c.readWaiter
		c.readWaiter = nil
		w.Resolve(errno)
	}
	if c.writeWaiter != nil {
		w := c.writeWaiter
		c.writeWaiter = nil
		w.Resolve(errno)
	}
}

// Detach unregisters the fd from the selector without closing it, for the
// plain/TLS handoff: once the detector decides a connection
// is TLS, ownership of the raw fd moves to the TLS handshaker's own
// net.Conn wrapper, which will close it in turn. Like Register, this must
// run on the owning selector goroutine.
func (c *Channel) Detach() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.failWaiters(selectorClosedErr)
	if err := c.sel.Unregister(c.fd); err != nil {
		return err
	}
	if c.handle != nil {
		selector.Release(c.handle)
		c.handle = nil
	}
	return nil
}

// SetOnClose installs a hook invoked exactly once, after the fd is
// unregistered, when Close runs. Callers that track per-connection
// bookkeeping outside the Channel itself (worker tables, per-IP counters,
// metrics) use this instead of polling Close's return.
func (c *Channel) SetOnClose(fn func()) {
	c.onClose = fn
}

// Close is idempotent and thread-safe; it is the one Channel operation
// allowed off the selector goroutine. Pending waiters are
// resolved with an error via a submitted task rather than touched directly,
// preserving the "selector-thread-only" invariant for everything else.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	sel, fd, handle, onClose := c.sel, c.fd, c.handle, c.onClose
	sel.Submit(func() {
		c.failWaiters(selectorClosedErr)
		_ = sel.Unregister(fd)
		if handle != nil {
			selector.Release(handle)
		}
		if onClose != nil {
			onClose()
		}
	})
	return unix.Close(fd)
}

var selectorClosedErr = fmt.Errorf("channel: closed")
