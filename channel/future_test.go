package channel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolveUnblocksWait(t *testing.T) {
	f := NewFuture()
	done := make(chan error, 1)
	go func() { done <- f.Wait() }()

	f.Resolve(nil)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resolve")
	}
}

func TestFutureResolveIsIdempotent(t *testing.T) {
	f := NewFuture()
	first := errors.New("first")
	second := errors.New("second")

	f.Resolve(first)
	f.Resolve(second)

	require.Equal(t, first, f.Wait())
}

func TestFutureErrNonBlockingBeforeResolve(t *testing.T) {
	f := NewFuture()
	assert.NoError(t, f.Err())
}

func TestFutureCancelResolvesWithReason(t *testing.T) {
	f := NewFuture()
	reason := errors.New("cancelled")
	f.Cancel(reason)
	assert.Equal(t, reason, f.Err())
}
