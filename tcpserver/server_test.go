package tcpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corewire/reactorws/channel"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(
		WithSelectorIDs(0),
		WithHandler("127.0.0.1:0", func(ch *channel.Channel, peer string) {
			_ = ch.Close()
		}),
	)
	require.NoError(t, err)
	return srv
}

func TestNewRequiresSelectorsAndHandlers(t *testing.T) {
	_, err := New(WithHandler("127.0.0.1:0", func(*channel.Channel, string) {}))
	assert.Error(t, err)

	_, err = New(WithSelectorIDs(0))
	assert.Error(t, err)
}

func TestLifecycleTransitions(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, StateInit, srv.State())
	assert.Error(t, srv.Pause(), "pause from init is illegal")
	assert.Error(t, srv.Resume(), "resume from init is illegal")
	assert.Error(t, srv.StopAccepting(), "stop_accepting from init is illegal")
	assert.Error(t, srv.StopAll(), "stop_all from init is illegal")

	require.NoError(t, srv.Start())
	assert.Equal(t, StateAccepting, srv.State())
	assert.Error(t, srv.Start(), "double start is illegal")
	assert.Error(t, srv.Resume(), "resume while accepting is illegal")

	require.NoError(t, srv.Pause())
	assert.Equal(t, StatePaused, srv.State())
	assert.Error(t, srv.Pause(), "double pause is illegal")

	require.NoError(t, srv.Resume())
	assert.Equal(t, StateAccepting, srv.State())

	require.NoError(t, srv.StopAccepting())
	assert.Equal(t, StateStopped, srv.State())
	assert.Error(t, srv.StopAccepting(), "double stop_accepting is illegal")

	require.NoError(t, srv.StopAll())
	assert.Equal(t, StateInit, srv.State())
}

func TestStopRunsFullSequence(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop(50*time.Millisecond))
	assert.Equal(t, StateInit, srv.State())
	assert.Zero(t, srv.ConnectionCount())
}

func TestConnectionCountStartsAtZero(t *testing.T) {
	srv := newTestServer(t)
	assert.Zero(t, srv.ConnectionCount())
}

func TestMaxConnectionsDividedAcrossWorkersByCeiling(t *testing.T) {
	srv, err := New(
		WithSelectorIDs(0, 1, 2),
		WithMaxConnections(10),
		WithHandler("127.0.0.1:0", func(*channel.Channel, string) {}),
	)
	require.NoError(t, err)
	assert.Equal(t, 4, srv.perWorkerCap, "ceil(10/3)")

	unbounded := newTestServer(t)
	assert.Zero(t, unbounded.perWorkerCap)
}
