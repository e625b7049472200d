//go:build linux

package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"github.com/corewire/reactorws/api"
	"github.com/corewire/reactorws/channel"
	"github.com/corewire/reactorws/pool"
	"github.com/corewire/reactorws/selector"
)

func newTestConn(t *testing.T) (*Connection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)

	h, err := selector.Acquire(61)
	require.NoError(t, err)

	built := make(chan *channel.Channel, 1)
	buildErr := make(chan error, 1)
	h.Selector().Submit(func() {
		ch, err := channel.NewOwned(h, fds[0])
		if err != nil {
			buildErr <- err
			return
		}
		built <- ch
	})

	var ch *channel.Channel
	select {
	case ch = <-built:
	case err := <-buildErr:
		t.Fatalf("channel: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("channel registration timed out")
	}

	c := New(ch, 1, "test-peer", pool.New())
	t.Cleanup(func() {
		_ = c.Close(0)
		_ = unix.Close(fds[1])
	})
	return c, fds[1]
}

func peerRead(t *testing.T, fd, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		c, err := unix.Read(fd, buf)
		if c > 0 {
			out = append(out, buf[:c]...)
			continue
		}
		if err != nil && err != unix.EAGAIN {
			t.Fatalf("peer read: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	require.Len(t, out, n)
	return out
}

// readOutcome polls Read past stalls until a non-stall outcome arrives.
func readOutcome(t *testing.T, c *Connection) api.ReadOutcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		outcome, err := c.Read()
		require.NoError(t, err)
		if outcome.Kind != api.OutcomeStall {
			return outcome
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("read stalled past the deadline")
	return api.ReadOutcome{}
}

func TestQueueWriteCoalescesSmallSegments(t *testing.T) {
	c, _ := newTestConn(t)

	require.NoError(t, c.QueueWrite([]byte("hello ")))
	require.NoError(t, c.QueueWrite([]byte("world")))
	assert.Equal(t, 1, c.QueueLen(), "consecutive small writes share one ring segment")
}

func TestQueueWriteLargeSegmentBypassesRing(t *testing.T) {
	c, _ := newTestConn(t)

	big := make([]byte, smallCopyThreshold+1)
	require.NoError(t, c.QueueWrite(big))
	require.NoError(t, c.QueueWrite([]byte("tail")))
	assert.Equal(t, 2, c.QueueLen(), "a large write is forwarded unchanged, not copied")
}

func TestWriteDrainsQueueToSocket(t *testing.T) {
	c, peer := newTestConn(t)

	require.NoError(t, c.QueueWrite([]byte("one")))
	require.NoError(t, c.QueueWrite([]byte("two")))
	for c.QueueLen() > 0 {
		_, err := c.Write()
		require.NoError(t, err)
	}
	assert.Equal(t, []byte("onetwo"), peerRead(t, peer, 6))
}

func TestQueueFinForbidsFurtherWrites(t *testing.T) {
	c, peer := newTestConn(t)

	require.NoError(t, c.QueueWrite([]byte("bye")))
	require.NoError(t, c.QueueFin())
	assert.ErrorIs(t, c.QueueWrite([]byte("late")), api.ErrFinAlreadyQueued)
	assert.ErrorIs(t, c.QueueFin(), api.ErrFinAlreadyQueued)

	for c.QueueLen() > 0 {
		_, err := c.Write()
		require.NoError(t, err)
	}
	assert.Equal(t, []byte("bye"), peerRead(t, peer, 3))

	buf := make([]byte, 4)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Read(peer, buf)
		if n == 0 && err == nil {
			return // FIN followed the data
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("peer never observed FIN after the queued data")
}

func TestQueueCloseNotifyIsNoopOnPlain(t *testing.T) {
	c, _ := newTestConn(t)

	require.NoError(t, c.QueueCloseNotify())
	assert.ErrorIs(t, c.QueueCloseNotify(), api.ErrCloseNotifyAlreadyUsed)
	assert.Equal(t, 1, c.QueueLen())

	_, err := c.Write()
	require.NoError(t, err)
	assert.Zero(t, c.QueueLen())
}

func TestReadReturnsDataFinAndUnread(t *testing.T) {
	c, peer := newTestConn(t)

	outcome, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeStall, outcome.Kind)

	_, err = unix.Write(peer, []byte("data"))
	require.NoError(t, err)
	outcome = readOutcome(t, c)
	require.Equal(t, api.OutcomeData, outcome.Kind)
	assert.Equal(t, []byte("data"), outcome.Buffer.Bytes())

	require.NoError(t, c.Unread([]byte("back")))
	assert.ErrorIs(t, c.Unread([]byte("again")), api.ErrConsecutiveUnread)
	outcome, err = c.Read()
	require.NoError(t, err)
	require.Equal(t, api.OutcomeData, outcome.Kind)
	assert.Equal(t, []byte("back"), outcome.Buffer.Bytes())

	require.NoError(t, unix.Close(peer))
	outcome = readOutcome(t, c)
	assert.Equal(t, api.OutcomeFin, outcome.Kind)
}

func TestCloseDropsQueuedDataAndIsIdempotent(t *testing.T) {
	c, peer := newTestConn(t)

	require.NoError(t, c.QueueWrite([]byte("never sent")))
	require.NoError(t, c.Close(0))
	assert.Zero(t, c.QueueLen())
	assert.NoError(t, c.Close(0), "second close is a no-op")

	buf := make([]byte, 16)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Read(peer, buf)
		if n == 0 && err == nil {
			return // peer sees EOF, not the dropped bytes
		}
		if n > 0 {
			t.Fatalf("dropped data leaked to the peer: %q", buf[:n])
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("peer never observed the close")
}

func TestCloseDrainsInboundUntilEOF(t *testing.T) {
	c, peer := newTestConn(t)

	_, err := unix.Write(peer, []byte("in flight"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(peer))

	start := time.Now()
	require.NoError(t, c.Close(time.Second))
	assert.Less(t, time.Since(start), time.Second, "drain must stop at EOF, not run out the timeout")
}
