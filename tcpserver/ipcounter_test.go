package tcpserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPCountersEnforceLimit(t *testing.T) {
	c := newIPCounters(2)

	assert.True(t, c.admit("10.0.0.1"))
	assert.True(t, c.admit("10.0.0.1"))
	assert.False(t, c.admit("10.0.0.1"), "third connection from the same IP exceeds the cap")

	c.release("10.0.0.1")
	assert.True(t, c.admit("10.0.0.1"), "releasing one slot frees capacity for a new admit")
}

func TestIPCountersUnboundedWhenLimitZero(t *testing.T) {
	c := newIPCounters(0)
	for i := 0; i < 100; i++ {
		assert.True(t, c.admit("10.0.0.2"))
	}
}

func TestIPCountersIndependentPerIP(t *testing.T) {
	c := newIPCounters(1)
	assert.True(t, c.admit("10.0.0.1"))
	assert.True(t, c.admit("10.0.0.2"))
	assert.False(t, c.admit("10.0.0.1"))
}

func TestIPCountersReleaseBelowZeroIsNoop(t *testing.T) {
	c := newIPCounters(1)
	c.release("10.0.0.9")
	assert.True(t, c.admit("10.0.0.9"))
}
