package ws

import "time"

// throughputMeter tracks bytes moved since the current message started,
// so a stalled-but-technically-open message can be detected and failed.
// It only kicks in once a minimum observation window has elapsed, so a
// single small burst can't be misread as a sustained stall.
type throughputMeter struct {
	start time.Time
	bytes int64
}

const meterGrace = 250 * time.Millisecond

func (m *throughputMeter) touch(n int) {
	if m.start.IsZero() {
		m.start = time.Now()
	}
	m.bytes += int64(n)
}

func (m *throughputMeter) reset() {
	m.start = time.Time{}
	m.bytes = 0
}

// ok reports whether the average rate since the meter started still meets
// floor bytes/sec, once enough time has passed to judge it meaningfully.
// There is no sliding window: bytes counted early in a message never age
// out of the average.
func (m *throughputMeter) ok(floor int64) bool {
	if m.start.IsZero() {
		return true
	}
	elapsed := time.Since(m.start)
	if elapsed < meterGrace {
		return true
	}
	rate := float64(m.bytes) / elapsed.Seconds()
	return rate >= float64(floor)
}
