package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corewire/reactorws/api"
	"github.com/corewire/reactorws/channel"
)

// fakeConn is a minimal conn.Conn stand-in that records queued writes and
// reports them flushed immediately, enough to drive Outbound's pump without
// a real socket.
type fakeConn struct {
	written [][]byte
	queued  int
}

func (f *fakeConn) ID() uint64       { return 1 }
func (f *fakeConn) PeerAddr() string { return "fake" }
func (f *fakeConn) Read() (api.ReadOutcome, error) {
	return api.Stall(), nil
}
func (f *fakeConn) Unread([]byte) error { return nil }
func (f *fakeConn) QueueWrite(data []byte) error {
	f.written = append(f.written, append([]byte(nil), data...))
	f.queued += len(data)
	return nil
}
func (f *fakeConn) QueueFin() error         { return nil }
func (f *fakeConn) QueueCloseNotify() error { return nil }
func (f *fakeConn) QueueLen() int           { return 0 } // writes are "flushed" synchronously
func (f *fakeConn) Write() (int64, error)   { return 0, nil }
func (f *fakeConn) AwaitReadable(bool) *channel.Future {
	return channel.NewFuture()
}
func (f *fakeConn) AwaitWritable() *channel.Future {
	return channel.NewFuture()
}
func (f *fakeConn) CancelAcceptingWait(error) {}
func (f *fakeConn) Close(time.Duration) error { return nil }

func TestOutboundPingTakesPriorityOverMessage(t *testing.T) {
	fc := &fakeConn{}
	o := NewOutbound(fc, DefaultConfig())

	o.QueueMessage(OpText, NewBytesSource([]byte("hi")))
	o.QueuePing([]byte("p"))

	awaitWritable := o.Pump()
	assert.False(t, awaitWritable)
	require.Len(t, fc.written, 2) // ping frame, then the message frame
	assert.Equal(t, OpPing, fc.written[0][0]&0x0F)
}

func TestOutboundCloseWithNothingInFlightIsGraceful(t *testing.T) {
	fc := &fakeConn{}
	o := NewOutbound(fc, DefaultConfig())

	o.Close()
	o.Pump()

	assert.True(t, o.Retired())
	assert.NoError(t, o.Err())
}

func TestOutboundCloseWithPendingMessageIsAbortive(t *testing.T) {
	fc := &fakeConn{}
	o := NewOutbound(fc, DefaultConfig())

	f := o.QueueMessage(OpText, NewBytesSource([]byte("hi")))
	o.Close()

	assert.Error(t, f.Wait())
	assert.ErrorIs(t, f.Wait(), api.ErrClosed)
}

func TestOutboundAbortPoisonsImmediately(t *testing.T) {
	fc := &fakeConn{}
	o := NewOutbound(fc, DefaultConfig())

	abortErr := api.ErrInboundThroughput
	o.Abort(abortErr)

	assert.True(t, o.Retired())
	assert.Equal(t, abortErr, o.Err())
}

func TestOutboundQueueMessageAfterRetireFailsFast(t *testing.T) {
	fc := &fakeConn{}
	o := NewOutbound(fc, DefaultConfig())
	o.Abort(api.ErrClosed)

	f := o.QueueMessage(OpText, NewBytesSource([]byte("late")))
	assert.ErrorIs(t, f.Wait(), api.ErrClosed)
}
