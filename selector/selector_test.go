//go:build linux

package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

// Test selector ids start high to stay clear of the low ids tcpserver's
// tests use.

func TestAcquireReusesSelectorPerID(t *testing.T) {
	h1, err := Acquire(40)
	require.NoError(t, err)
	h2, err := Acquire(40)
	require.NoError(t, err)
	defer Release(h1)
	defer Release(h2)

	assert.Same(t, h1.Selector(), h2.Selector())
	assert.Equal(t, 40, h1.Selector().ID())
}

func TestReleaseStopsSelectorOnLastHandle(t *testing.T) {
	h, err := Acquire(41)
	require.NoError(t, err)
	sel := h.Selector()

	Release(h)

	select {
	case <-sel.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("selector goroutine did not exit after the last release")
	}
}

func TestSubmitRunsTaskOnOwningGoroutine(t *testing.T) {
	h, err := Acquire(42)
	require.NoError(t, err)
	defer Release(h)

	done := make(chan struct{})
	h.Selector().Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted task never ran")
	}
}

func TestSubmitAfterStopFallsBackToOrphan(t *testing.T) {
	h, err := Acquire(43)
	require.NoError(t, err)
	sel := h.Selector()
	Release(h)
	<-sel.Done()

	done := make(chan struct{})
	sel.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task submitted to a dead selector never ran on the orphan executor")
	}
}

func TestSubmittedPanicDoesNotKillLoop(t *testing.T) {
	h, err := Acquire(44)
	require.NoError(t, err)
	defer Release(h)

	h.Selector().Submit(func() { panic("boom") })

	done := make(chan struct{})
	h.Selector().Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not survive a panicking task")
	}
}

func TestRegisterDispatchesReadable(t *testing.T) {
	h, err := Acquire(45)
	require.NoError(t, err)
	defer Release(h)
	sel := h.Selector()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ready := make(chan struct{}, 1)
	regErr := make(chan error, 1)
	sel.Submit(func() {
		regErr <- sel.Register(fds[0], InterestRead, func(readable, writable, errored bool) {
			if readable {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		})
	})
	require.NoError(t, <-regErr)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("readable event never dispatched")
	}

	sel.Submit(func() { _ = sel.Unregister(fds[0]) })
}

func TestBeforeSelectHookRunsEachIteration(t *testing.T) {
	h, err := Acquire(46)
	require.NoError(t, err)
	defer Release(h)

	hit := make(chan struct{}, 1)
	hook := func() {
		select {
		case hit <- struct{}{}:
		default:
		}
	}
	h.Selector().RegisterBeforeSelectHook(hook)
	defer h.Selector().RemoveBeforeSelectHook(hook)

	h.Selector().Submit(func() {}) // wake the loop
	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("before-select hook never ran")
	}
}
