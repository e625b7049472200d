package ws

import (
	"sync"
	"time"

	"github.com/corewire/reactorws/api"
	"github.com/corewire/reactorws/channel"
	"github.com/corewire/reactorws/conn"
	"github.com/corewire/reactorws/internal/timer"
)

// Channel is the WebSocket channel: it joins the inbound parser and
// outbound pump over one connection, behind a shared two-phase close.
type Channel struct {
	conn conn.Conn
	cfg  Config
	in   *Inbound
	out  *Outbound
	wh   *timer.Wheel

	// OnMessage is invoked once per completed inbound message with its
	// accumulated body (text or binary) and opcode. Called from the
	// inbound pump's own goroutine. Convenient, but the accumulation is
	// unbounded for multi-frame messages; consumers that need the
	// staging budget to hold set OnBody instead.
	OnMessage func(opcode byte, data []byte)
	// OnBody, when non-nil, selects streaming delivery and OnMessage is
	// ignored: the callback runs once per parsed body chunk (end=false)
	// and once more when the message finishes (end=true, nil chunk).
	// It runs synchronously on the inbound pump goroutine, and the
	// parser's staging area is only drained between calls — a slow
	// callback therefore stops the pump from reading, holds staged
	// bytes at the configured budget, and pushes backpressure down to
	// the socket.
	OnBody func(opcode byte, chunk []byte, end bool)
	// OnClose is invoked once the channel has fully torn down.
	OnClose func(err error)

	outWake chan struct{}

	mu          sync.Mutex
	inDone      bool
	outDone     bool
	inGraceful  bool
	outGraceful bool
	firstErr    error
	closeFuture *channel.Future
	closeOnce   sync.Once

	curBody   []byte
	curOpcode byte
}

var (
	sharedWheelOnce sync.Once
	sharedWheelInst *timer.Wheel
)

// sharedWheel lazily starts the process-wide timer used when the caller
// doesn't supply one of its own.
func sharedWheel() *timer.Wheel {
	sharedWheelOnce.Do(func() { sharedWheelInst = timer.NewWheel() })
	return sharedWheelInst
}

// NewChannel builds a Channel over c. wh provides the shared timer used
// for the ping/pong-timeout liveness check; nil selects a process-wide
// default.
func NewChannel(c conn.Conn, wh *timer.Wheel, opts ...Option) *Channel {
	if wh == nil {
		wh = sharedWheel()
	}
	cfg := applyOptions(opts)
	ch := &Channel{
		conn:    c,
		cfg:     cfg,
		in:      NewInbound(cfg),
		out:     NewOutbound(c, cfg),
		wh:      wh,
		outWake: make(chan struct{}, 1),
	}
	ch.in.OnControl = ch.handleControl
	return ch
}

// Run starts the inbound and outbound pumps on dedicated goroutines. Each
// future-driven suspension resumes on the connection's own selector
// thread; the pump goroutines merely bridge that into sequential control
// flow.
func (ch *Channel) Run() {
	go ch.runInbound()
	go ch.runOutbound()
}

// SendText queues a text message and returns a future resolved once fully
// written.
func (ch *Channel) SendText(data []byte) *channel.Future {
	f := ch.out.QueueMessage(OpText, NewBytesSource(data))
	ch.kickOutbound()
	return f
}

// SendBinary queues a binary message.
func (ch *Channel) SendBinary(data []byte) *channel.Future {
	f := ch.out.QueueMessage(OpBinary, NewBytesSource(data))
	ch.kickOutbound()
	return f
}

// Close instructs both pumps to tear down and returns a future that
// completes once the underlying connection has actually closed.
func (ch *Channel) Close() *channel.Future {
	ch.mu.Lock()
	if ch.closeFuture == nil {
		ch.closeFuture = channel.NewFuture()
	}
	f := ch.closeFuture
	ch.mu.Unlock()

	ch.out.Close()
	ch.kickOutbound()
	return f
}

func (ch *Channel) handleControl(kind ControlKind, payload []byte) {
	switch kind {
	case ControlPing:
		ch.out.QueuePong(append([]byte(nil), payload...))
		ch.kickOutbound()
	case ControlPong:
		// liveness clock already reset by Inbound.Feed (NoteReadActivity).
	case ControlClose:
		code, reason := parseCloseBody(payload)
		ch.out.QueueCloseFrame(code, reason)
		ch.kickOutbound()
	}
}

// kickOutbound wakes the outbound pump's own goroutine. It is safe to
// call from the inbound pump (control-frame reactions) or from
// application code (SendText/SendBinary/Close).
func (ch *Channel) kickOutbound() {
	select {
	case ch.outWake <- struct{}{}:
	default:
	}
}

func (ch *Channel) runInbound() {
	for {
		// Deliver before reading more. With a staged budget exhausted,
		// nothing is read off the socket until the consumer callbacks
		// return, so a slow consumer stalls the peer instead of growing
		// memory.
		if ch.in.Stalled() {
			ch.deliverStaged()
			continue
		}

		outcome, err := ch.conn.Read()
		if err != nil {
			ch.closeInbound(false, err)
			return
		}

		switch outcome.Kind {
		case api.OutcomeData:
			in := outcome.Buffer.Bytes()
			unconsumed, ferr := ch.in.Feed(in)
			ch.deliverStaged()
			outcome.Buffer.Release()
			if ferr != nil {
				ch.closeInbound(false, ferr)
				return
			}
			if len(unconsumed) > 0 {
				_ = ch.conn.Unread(unconsumed)
			}
		case api.OutcomeFin, api.OutcomeCloseNotify:
			ch.closeInbound(true, nil)
			return
		case api.OutcomeStall:
			if ch.in.DuePing() {
				ch.out.QueuePing(nil)
				ch.in.MarkPingSent()
				ch.kickOutbound()
			}
			if err := ch.awaitReadableWithTimeout(); err != nil {
				ch.closeInbound(false, err)
				return
			}
		}
	}
}

// awaitReadableWithTimeout awaits the next readable event, racing it
// against a pong-timeout deadline when a PING is outstanding; on timeout
// after a ping the channel is declared dead. The waiter is registered with
// accepting=true purely to make it eligible for cancellation via
// CancelAcceptingWait; this has nothing to do with TCP-accept semantics.
func (ch *Channel) awaitReadableWithTimeout() error {
	if !ch.in.pingOutstanding {
		return ch.conn.AwaitReadable(false).Wait()
	}
	f := ch.conn.AwaitReadable(true)
	timedOut := make(chan struct{})
	cancel := ch.wh.Schedule(ch.cfg.PingPongTimeout, func() { close(timedOut) })
	select {
	case <-f.Done():
		cancel.Cancel()
		return f.Err()
	case <-timedOut:
		ch.conn.CancelAcceptingWait(api.ErrPongTimeout)
		<-f.Done()
		return api.ErrPongTimeout
	}
}

// deliverStaged pops parsed events and hands them to the consumer — per
// chunk through OnBody, or accumulated per message through OnMessage. The
// parser's staging budget frees only as this returns, so consumption
// speed is what gates further reads.
func (ch *Channel) deliverStaged() {
	for _, ev := range ch.in.Drain() {
		switch ev.Kind {
		case EventStartText:
			ch.curOpcode = OpText
			ch.curBody = ch.curBody[:0]
		case EventStartBinary:
			ch.curOpcode = OpBinary
			ch.curBody = ch.curBody[:0]
		case EventBody:
			if ch.OnBody != nil {
				ch.OnBody(ch.curOpcode, ev.Data, false)
				continue
			}
			ch.curBody = append(ch.curBody, ev.Data...)
		case EventEnd:
			if ch.OnBody != nil {
				ch.OnBody(ch.curOpcode, nil, true)
				continue
			}
			if ch.OnMessage != nil {
				ch.OnMessage(ch.curOpcode, ch.curBody)
			}
			ch.curBody = nil
		case EventClose:
			// handleControl already staged the close-frame reply.
		}
	}
}

func (ch *Channel) runOutbound() {
	for {
		awaitWritable := ch.out.Pump()
		if ch.out.Retired() {
			ch.closeOutbound(ch.out.Err() == nil, ch.out.Err())
			return
		}
		if awaitWritable {
			if err := ch.conn.AwaitWritable().Wait(); err != nil {
				ch.closeOutbound(false, err)
				return
			}
			continue
		}
		<-ch.outWake
	}
}

// closeInbound is the inbound pump's side of the two-phase close. If the
// outbound pump hasn't reported in yet, it is nudged toward its own exit
// (gracefully draining queued frames on a clean FIN, aborted immediately
// on a protocol violation) so the handshake always completes.
func (ch *Channel) closeInbound(graceful bool, err error) {
	ch.mu.Lock()
	if ch.inDone {
		ch.mu.Unlock()
		return
	}
	ch.inDone = true
	ch.inGraceful = graceful
	if err != nil && ch.firstErr == nil {
		ch.firstErr = err
	}
	otherDone := ch.outDone
	ch.mu.Unlock()

	if otherDone {
		ch.finishClose()
		return
	}
	if graceful {
		ch.out.Close()
	} else {
		ch.out.Abort(err)
	}
	ch.kickOutbound()
}

// closeOutbound is the outbound pump's side. If the inbound pump hasn't
// reported in yet, the connection is force-closed so its blocked
// Read/AwaitReadable unblocks with an error and it reports in on its own
// exit path.
func (ch *Channel) closeOutbound(graceful bool, err error) {
	ch.mu.Lock()
	if ch.outDone {
		ch.mu.Unlock()
		return
	}
	ch.outDone = true
	ch.outGraceful = graceful
	if err != nil && ch.firstErr == nil {
		ch.firstErr = err
	}
	otherDone := ch.inDone
	ch.mu.Unlock()

	if otherDone {
		ch.finishClose()
		return
	}
	_ = ch.conn.Close(0)
}

// finishClose implements the shared two-phase close: it runs once both
// the inbound and outbound sides have called in, with the AND of their
// graceful flags deciding drain behavior. When the outbound side reports
// first, closeOutbound has already closed the connection with no drain,
// so the drain timeout here applies only when the inbound side reports
// first.
func (ch *Channel) finishClose() {
	ch.closeOnce.Do(func() {
		drainTimeout := time.Duration(0)
		if ch.inGraceful && ch.outGraceful {
			drainTimeout = 2 * time.Second
		}
		closeErr := ch.conn.Close(drainTimeout)
		if closeErr == nil {
			closeErr = ch.firstErr
		}

		ch.mu.Lock()
		f := ch.closeFuture
		ch.mu.Unlock()
		if f != nil {
			f.Resolve(closeErr)
		}
		if ch.OnClose != nil {
			ch.OnClose(closeErr)
		}
	})
}
