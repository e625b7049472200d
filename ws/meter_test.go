package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThroughputMeterOkBeforeGraceWindow(t *testing.T) {
	var m throughputMeter
	m.touch(1)
	assert.True(t, m.ok(1<<30), "floor check should be skipped inside the grace window")
}

func TestThroughputMeterOkWithNoActivity(t *testing.T) {
	var m throughputMeter
	assert.True(t, m.ok(1))
}

func TestThroughputMeterResetClearsState(t *testing.T) {
	var m throughputMeter
	m.touch(100)
	m.reset()
	assert.True(t, m.start.IsZero())
	assert.Zero(t, m.bytes)
}

func TestThroughputMeterFlagsSlowRate(t *testing.T) {
	var m throughputMeter
	m.start = time.Now().Add(-time.Second)
	m.bytes = 10
	assert.False(t, m.ok(1000), "10 bytes/sec should fail a 1000 bytes/sec floor")
}
