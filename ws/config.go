// Package ws implements the WebSocket protocol layer that rides on top of
// a plain or TLS connection: an inbound
// frame parser with a bounded staging area and liveness pings, an
// outbound fragmenter/writer with priority-ordered control frames, and a
// channel that joins both pumps behind a single two-phase close.
package ws

import "time"

// Config enumerates the per-channel WebSocket options.
type Config struct {
	// InboundBufferSize bounds the staged-event byte count before the
	// inbound pump stops reading and un-reads residual bytes back to the
	// connection.
	InboundBufferSize int
	// MaxFramePayload bounds a single parsed or emitted frame's payload.
	MaxFramePayload int
	// MaxOutboundBuffer bounds how many bytes a single outbound fetch
	// pulls from a message source per frame.
	MaxOutboundBuffer int
	// FlushMark is the connection write-queue size past which the
	// outbound pump writes before fetching another frame.
	FlushMark int

	PingInterval    time.Duration
	PingPongTimeout time.Duration

	// InboundThroughputFloor/OutboundThroughputFloor are minimum
	// sustained bytes/sec while a message is in flight; 0 disables the
	// check.
	InboundThroughputFloor  int64
	OutboundThroughputFloor int64

	// DumpTraffic, if set, receives a line per frame head processed in
	// either direction.
	DumpTraffic func(direction string, opcode byte, payloadLen int, fin bool)
}

// Option mutates a Config.
type Option func(*Config)

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		InboundBufferSize: 1024,
		MaxFramePayload:   1 << 20,
		MaxOutboundBuffer: 1 << 16,
		FlushMark:         1 << 16,
		PingInterval:      60 * time.Second,
		PingPongTimeout:   15 * time.Second,
	}
}

func WithInboundBufferSize(n int) Option  { return func(c *Config) { c.InboundBufferSize = n } }
func WithMaxFramePayload(n int) Option    { return func(c *Config) { c.MaxFramePayload = n } }
func WithMaxOutboundBuffer(n int) Option  { return func(c *Config) { c.MaxOutboundBuffer = n } }
func WithFlushMark(n int) Option          { return func(c *Config) { c.FlushMark = n } }
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) { c.PingInterval = d }
}
func WithPingPongTimeout(d time.Duration) Option {
	return func(c *Config) { c.PingPongTimeout = d }
}
func WithInboundThroughputFloor(n int64) Option {
	return func(c *Config) { c.InboundThroughputFloor = n }
}
func WithOutboundThroughputFloor(n int64) Option {
	return func(c *Config) { c.OutboundThroughputFloor = n }
}
func WithTrafficDump(fn func(direction string, opcode byte, payloadLen int, fin bool)) Option {
	return func(c *Config) { c.DumpTraffic = fn }
}

func applyOptions(opts []Option) Config {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}
