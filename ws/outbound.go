package ws

import (
	"github.com/eapache/queue"

	"github.com/corewire/reactorws/api"
	"github.com/corewire/reactorws/channel"
	"github.com/corewire/reactorws/conn"
)

type outboundMessage struct {
	opcode  byte
	source  MessageSource
	started bool
	done    *channel.Future
}

// Outbound is the write pump: priority-ordered control frames, a
// fragmenting message fetcher, and the flush-mark write loop.
type Outbound struct {
	cfg  Config
	conn conn.Conn

	pingPending, pongPending bool
	pingPayload, pongPayload []byte

	messages *queue.Queue
	cur      *outboundMessage

	closeStaged, closeSent bool
	closeCode              uint16
	closeReason            string

	gracefulOnEmpty bool
	retired         bool
	err             error

	meter throughputMeter
}

// NewOutbound builds an Outbound pump writing onto c.
func NewOutbound(c conn.Conn, cfg Config) *Outbound {
	return &Outbound{cfg: cfg, conn: c, messages: queue.New()}
}

// QueueMessage enqueues an application message for fragmentation and
// write. The returned future resolves once the message is fully written
// (or fails if the pump errors or retires first).
func (o *Outbound) QueueMessage(opcode byte, src MessageSource) *channel.Future {
	f := channel.NewFuture()
	if o.retired || o.err != nil {
		f.Resolve(api.ErrClosed)
		return f
	}
	o.messages.Add(&outboundMessage{opcode: opcode, source: src, done: f})
	return f
}

// QueuePing stages a PING frame, overwriting any not-yet-sent one.
func (o *Outbound) QueuePing(payload []byte) {
	o.pingPending = true
	o.pingPayload = payload
}

// QueuePong stages a PONG frame; a newer one overwrites a not-yet-sent
// predecessor.
func (o *Outbound) QueuePong(payload []byte) {
	o.pongPending = true
	o.pongPayload = payload
}

// QueueCloseFrame stages the terminal close frame marker.
func (o *Outbound) QueueCloseFrame(code uint16, reason string) {
	if o.closeStaged {
		return
	}
	o.closeStaged = true
	o.closeCode = code
	o.closeReason = reason
}

// Close requests the pump to retire. With no messages in flight it drains
// whatever is already queued for write and retires gracefully; otherwise
// pending messages are cancelled, the pump is marked errored, and buffered
// data is dropped.
func (o *Outbound) Close() {
	if o.retired || o.gracefulOnEmpty {
		return
	}
	if o.cur == nil && o.messages.Length() == 0 {
		o.gracefulOnEmpty = true
		return
	}
	o.cancelPending(api.ErrClosed)
	o.err = api.ErrClosed
}

func (o *Outbound) cancelPending(reason error) {
	if o.cur != nil {
		o.cur.done.Resolve(reason)
		o.cur = nil
	}
	for o.messages.Length() > 0 {
		m := o.messages.Remove().(*outboundMessage)
		m.done.Resolve(reason)
	}
}

// Abort immediately poisons the pump, cancelling any in-flight message
// and dropping buffered data. Unlike Close, this never drains gracefully.
func (o *Outbound) Abort(err error) {
	if o.retired {
		return
	}
	o.fail(err)
}

// Retired reports whether the pump has finished tearing down.
func (o *Outbound) Retired() bool { return o.retired }

// Err returns the error that poisoned the pump, if any.
func (o *Outbound) Err() error { return o.err }

// Pump drains one round of work: flush-then-fetch until the connection
// stalls on a short write or there is nothing left to send. The caller
// re-invokes Pump after AwaitWritable resolves or new work is staged.
func (o *Outbound) Pump() (awaitWritable bool) {
	if o.retired {
		return false
	}
	flushMark := o.cfg.FlushMark
	if o.closeSent {
		flushMark = 0
	}

	for {
		if o.err != nil {
			o.retired = true
			return false
		}

		if o.conn.QueueLen() > flushMark {
			if _, err := o.conn.Write(); err != nil {
				o.fail(err)
				return false
			}
			if o.conn.QueueLen() > flushMark {
				return true
			}
			continue
		}

		frame, opcode, payloadLen, fin, ok := o.fetchFrame()
		if !ok {
			if o.conn.QueueLen() > 0 {
				if _, err := o.conn.Write(); err != nil {
					o.fail(err)
					return false
				}
				if o.conn.QueueLen() > 0 {
					return true
				}
			}
			if o.gracefulOnEmpty && o.cur == nil && o.messages.Length() == 0 {
				o.retired = true
			}
			return false
		}

		if err := o.conn.QueueWrite(frame); err != nil {
			o.fail(err)
			return false
		}
		if o.cfg.DumpTraffic != nil {
			o.cfg.DumpTraffic("out", opcode, payloadLen, fin)
		}
		if o.closeSent {
			flushMark = 0
		}
	}
}

func (o *Outbound) fail(err error) {
	o.err = err
	o.cancelPending(err)
	o.retired = true
}

// fetchFrame picks the next frame in priority order:
// error/close -> ping -> pong -> message -> close-frame marker -> stall.
func (o *Outbound) fetchFrame() (frame []byte, opcode byte, payloadLen int, fin bool, ok bool) {
	if o.err != nil {
		return nil, 0, 0, false, false
	}
	if o.pingPending {
		o.pingPending = false
		p := o.pingPayload
		o.pingPayload = nil
		return encodeFrame(true, OpPing, p), OpPing, len(p), true, true
	}
	if o.pongPending {
		o.pongPending = false
		p := o.pongPayload
		o.pongPayload = nil
		return encodeFrame(true, OpPong, p), OpPong, len(p), true, true
	}
	if o.cur == nil && o.messages.Length() > 0 {
		o.cur = o.messages.Remove().(*outboundMessage)
		o.meter.reset()
	}
	if o.cur != nil {
		return o.fetchMessageFrame()
	}
	if o.closeStaged && !o.closeSent {
		o.closeSent = true
		body := encodeCloseBody(o.closeCode, o.closeReason)
		return encodeFrame(true, OpClose, body), OpClose, len(body), true, true
	}
	return nil, 0, 0, false, false
}

func (o *Outbound) fetchMessageFrame() (frame []byte, opcode byte, payloadLen int, fin bool, ok bool) {
	if o.cfg.OutboundThroughputFloor > 0 && !o.meter.ok(o.cfg.OutboundThroughputFloor) {
		o.fail(api.ErrOutboundThroughput)
		return nil, 0, 0, false, false
	}
	max := o.cfg.MaxFramePayload
	if o.cfg.MaxOutboundBuffer < max {
		max = o.cfg.MaxOutboundBuffer
	}
	chunk, final, err := o.cur.source.Next(max)
	if err != nil {
		o.cur.done.Resolve(err)
		o.cur = nil
		o.fail(err)
		return nil, 0, 0, false, false
	}
	op := o.cur.opcode
	if o.cur.started {
		op = OpContinuation
	}
	o.cur.started = true
	o.meter.touch(len(chunk))
	out := encodeFrame(final, op, chunk)
	if final {
		o.cur.done.Resolve(nil)
		o.cur = nil
	}
	return out, op, len(chunk), final, true
}
