package ws

import (
	"time"

	"github.com/eapache/queue"

	"github.com/corewire/reactorws/api"
)

// stageEventOverhead is the constant byte cost attributed to start/end
// markers so a flood of tiny messages still counts against the staging
// budget.
const stageEventOverhead = 16

// EventKind tags one entry in the inbound staging deque.
type EventKind int

const (
	EventStartText EventKind = iota
	EventStartBinary
	EventBody
	EventEnd
	EventClose
)

// StagedEvent is one parsed inbound occurrence, queued for the consumer
// to drain.
type StagedEvent struct {
	Kind        EventKind
	Data        []byte
	CloseCode   uint16
	CloseReason string
}

// ControlKind tags a control frame handed to Inbound's OnControl callback.
type ControlKind int

const (
	ControlPing ControlKind = iota
	ControlPong
	ControlClose
)

type parseState int

const (
	stateHead0 parseState = iota
	stateHead1
	stateHeadX
	stateBody
)

// Inbound is the frame parser state machine: HEAD0/HEAD1/HEADX/BODY,
// XOR-unmasking, control-frame dispatch, and the bounded staging deque.
type Inbound struct {
	cfg Config

	state parseState

	// header accumulation
	opcode     byte
	fin        bool
	masked     bool
	len7       byte
	extNeeded  int // remaining extended-length/mask-key bytes to collect
	extBuf     [12]byte
	extFilled  int
	payloadLen uint64
	maskKey    [4]byte
	cursor     uint64

	curMsgOpcode byte // 0 when no message is open
	ctrlAccum    []byte

	stage      *queue.Queue
	stageBytes int
	resumeCh   chan struct{}

	lastActivity    time.Time
	pingOutstanding bool

	meter throughputMeter

	// OnControl is invoked synchronously from Feed whenever a control
	// frame completes parsing. payload is only valid for the duration of
	// the call.
	OnControl func(kind ControlKind, payload []byte)
}

// NewInbound builds an Inbound parser.
func NewInbound(cfg Config) *Inbound {
	return &Inbound{
		cfg:          cfg,
		stage:        queue.New(),
		resumeCh:     make(chan struct{}, 1),
		lastActivity: time.Now(),
	}
}

// Stalled reports whether the staging budget is currently exhausted; the
// caller must stop reading and wait for ResumeSignal.
func (in *Inbound) Stalled() bool {
	return in.stageBytes >= in.cfg.InboundBufferSize
}

// ResumeSignal fires once after Drain frees enough budget for Stalled to
// become false again.
func (in *Inbound) ResumeSignal() <-chan struct{} { return in.resumeCh }

// Drain pops every currently staged event.
func (in *Inbound) Drain() []StagedEvent {
	out := make([]StagedEvent, 0, in.stage.Length())
	for in.stage.Length() > 0 {
		ev := in.stage.Remove().(StagedEvent)
		in.stageBytes -= eventCost(ev)
		out = append(out, ev)
	}
	if in.stageBytes < 0 {
		in.stageBytes = 0
	}
	if !in.Stalled() {
		select {
		case in.resumeCh <- struct{}{}:
		default:
		}
	}
	return out
}

func eventCost(ev StagedEvent) int {
	switch ev.Kind {
	case EventBody:
		return len(ev.Data)
	default:
		return stageEventOverhead
	}
}

func (in *Inbound) push(ev StagedEvent) {
	in.stage.Add(ev)
	in.stageBytes += eventCost(ev)
}

// NoteReadActivity resets the ping/pong liveness clock; any inbound byte
// cancels the ping-timeout condition.
func (in *Inbound) NoteReadActivity() {
	in.lastActivity = time.Now()
	in.pingOutstanding = false
}

// NoteWriteActivity folds outbound activity into the same quiet-time
// clock: quiet = now - max(last read, last write).
func (in *Inbound) NoteWriteActivity() {
	if now := time.Now(); now.After(in.lastActivity) {
		in.lastActivity = now
	}
}

// DuePing reports whether the liveness clock has been quiet long enough
// to stage a PING.
func (in *Inbound) DuePing() bool {
	return !in.pingOutstanding && time.Since(in.lastActivity) >= in.cfg.PingInterval
}

// MarkPingSent records that a PING was staged and a pong-timeout now
// applies.
func (in *Inbound) MarkPingSent() { in.pingOutstanding = true }

// Feed processes as much of data as the current staging budget allows and
// returns the unconsumed remainder. A non-nil error means a protocol
// violation; the caller must poison the channel.
func (in *Inbound) Feed(data []byte) ([]byte, error) {
	in.NoteReadActivity()
	in.meter.touch(len(data))
	if in.cfg.InboundThroughputFloor > 0 && in.curMsgOpcode != 0 {
		if !in.meter.ok(in.cfg.InboundThroughputFloor) {
			return nil, api.ErrInboundThroughput
		}
	}

	i := 0
	for i < len(data) {
		if in.Stalled() {
			return data[i:], nil
		}
		switch in.state {
		case stateHead0:
			b := data[i]
			i++
			if b&0x70 != 0 {
				return nil, api.ErrReservedBitSet
			}
			in.fin = b&0x80 != 0
			in.opcode = b & 0x0F
			if !isKnownOpcode(in.opcode) {
				return nil, api.ErrUnknownOpcode
			}
			in.state = stateHead1
		case stateHead1:
			b := data[i]
			i++
			in.masked = b&0x80 != 0
			if !in.masked {
				return nil, api.ErrMaskRequired
			}
			in.len7 = b & 0x7F
			switch in.len7 {
			case 126:
				in.extNeeded = 2 + 4
			case 127:
				in.extNeeded = 8 + 4
			default:
				in.extNeeded = 4
			}
			in.extFilled = 0
			in.state = stateHeadX
		case stateHeadX:
			n := in.extNeeded - in.extFilled
			if avail := len(data) - i; avail < n {
				n = avail
			}
			copy(in.extBuf[in.extFilled:], data[i:i+n])
			in.extFilled += n
			i += n
			if in.extFilled < in.extNeeded {
				continue
			}
			if err := in.finishHeadX(); err != nil {
				return nil, err
			}
			if in.cfg.DumpTraffic != nil {
				in.cfg.DumpTraffic("in", in.opcode, int(in.payloadLen), in.fin)
			}
			in.state = stateBody
			if in.payloadLen == 0 {
				if err := in.finishFrame(); err != nil {
					return nil, err
				}
				in.state = stateHead0
			}
		case stateBody:
			remaining := in.payloadLen - in.cursor
			n := uint64(len(data) - i)
			if n > remaining {
				n = remaining
			}
			chunk := data[i : i+int(n)]
			unmasked := make([]byte, len(chunk))
			for j := range chunk {
				unmasked[j] = chunk[j] ^ in.maskKey[(in.cursor+uint64(j))%4]
			}
			i += int(n)
			in.cursor += n

			if isControlOpcode(in.opcode) {
				in.ctrlAccum = append(in.ctrlAccum, unmasked...)
			} else if len(unmasked) > 0 {
				in.push(StagedEvent{Kind: EventBody, Data: unmasked})
			}

			if in.cursor == in.payloadLen {
				if err := in.finishFrame(); err != nil {
					return nil, err
				}
				in.state = stateHead0
			}
		}
	}
	return nil, nil
}

// finishHeadX computes the payload length and mask key once HEADX has
// collected every extension byte, validating minimal encoding and frame
// class invariants.
func (in *Inbound) finishHeadX() error {
	var maskOffset int
	switch in.len7 {
	case 126:
		ext := beUint16(in.extBuf[0:2])
		if ext <= 125 {
			return api.ErrNonMinimalLength
		}
		in.payloadLen = uint64(ext)
		maskOffset = 2
	case 127:
		ext := beUint64(in.extBuf[0:8])
		if ext&(1<<63) != 0 {
			return errProtocol("negative 64-bit payload length")
		}
		if ext <= 0xFFFF {
			return api.ErrNonMinimalLength
		}
		in.payloadLen = ext
		maskOffset = 8
	default:
		in.payloadLen = uint64(in.len7)
		maskOffset = 0
	}
	copy(in.maskKey[:], in.extBuf[maskOffset:maskOffset+4])
	in.cursor = 0

	if isControlOpcode(in.opcode) {
		if !in.fin {
			return errProtocol("control frame not final")
		}
		if in.payloadLen > 125 {
			return api.ErrControlFrameTooLarge
		}
		in.ctrlAccum = in.ctrlAccum[:0]
		return nil
	}

	if in.payloadLen > uint64(in.cfg.MaxFramePayload) {
		return errProtocol("frame payload exceeds maximum allowed size")
	}

	switch in.opcode {
	case OpContinuation:
		if in.curMsgOpcode == 0 {
			return errProtocol("continuation without open message")
		}
	case OpText, OpBinary:
		if in.curMsgOpcode != 0 {
			return api.ErrMessageNotFinished
		}
		in.curMsgOpcode = in.opcode
		if in.opcode == OpText {
			in.push(StagedEvent{Kind: EventStartText})
		} else {
			in.push(StagedEvent{Kind: EventStartBinary})
		}
	}
	return nil
}

// finishFrame runs once a frame's payload has been fully consumed.
func (in *Inbound) finishFrame() error {
	if isControlOpcode(in.opcode) {
		body := in.ctrlAccum
		switch in.opcode {
		case OpPing:
			if in.OnControl != nil {
				in.OnControl(ControlPing, body)
			}
		case OpPong:
			in.pingOutstanding = false
			if in.OnControl != nil {
				in.OnControl(ControlPong, body)
			}
		case OpClose:
			code, reason := parseCloseBody(body)
			in.push(StagedEvent{Kind: EventClose, CloseCode: code, CloseReason: reason})
			if in.OnControl != nil {
				in.OnControl(ControlClose, body)
			}
		}
		return nil
	}
	if in.fin {
		in.push(StagedEvent{Kind: EventEnd})
		in.curMsgOpcode = 0
		in.meter.reset()
	}
	return nil
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
