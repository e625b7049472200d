package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeaderLengthClasses(t *testing.T) {
	var hdr [10]byte

	n := encodeHeader(hdr[:], true, OpText, 10)
	assert.Equal(t, 2, n)
	assert.Equal(t, byte(0x81), hdr[0])
	assert.Equal(t, byte(10), hdr[1])

	n = encodeHeader(hdr[:], true, OpBinary, 200)
	assert.Equal(t, 4, n)
	assert.Equal(t, byte(126), hdr[1])

	n = encodeHeader(hdr[:], false, OpBinary, 1<<17)
	assert.Equal(t, 10, n)
	assert.Equal(t, byte(127), hdr[1])
	assert.Equal(t, byte(0x02), hdr[0]&0x0F) // fin bit clear, opcode preserved
}

func TestEncodeFrameRoundTripsThroughInbound(t *testing.T) {
	payload := []byte("hello world")
	frame := encodeFrame(true, OpText, payload)

	// Server frames are unmasked; feed a masked copy through Inbound to
	// exercise the XOR path the same way a real client frame would.
	masked := maskFrame(t, frame, []byte{1, 2, 3, 4})

	cfg := DefaultConfig()
	in := NewInbound(cfg)
	unconsumed, err := in.Feed(masked)
	require.NoError(t, err)
	assert.Empty(t, unconsumed)

	events := in.Drain()
	require.Len(t, events, 3)
	assert.Equal(t, EventStartText, events[0].Kind)
	assert.Equal(t, EventBody, events[1].Kind)
	assert.Equal(t, payload, events[1].Data)
	assert.Equal(t, EventEnd, events[2].Kind)
}

func TestCloseBodyRoundTrip(t *testing.T) {
	body := encodeCloseBody(1001, "going away")
	code, reason := parseCloseBody(body)
	assert.Equal(t, uint16(1001), code)
	assert.Equal(t, "going away", reason)
}

func TestCloseBodyDefaultsToNoStatusReceived(t *testing.T) {
	code, reason := parseCloseBody(nil)
	assert.Equal(t, noStatusReceived, code)
	assert.Empty(t, reason)
}

// maskFrame rewrites an unmasked wire frame into a masked one, splicing the
// mask bit/key into the header and XOR-ing the payload, the inverse of what
// Inbound.Feed performs.
func maskFrame(t *testing.T, frame []byte, key []byte) []byte {
	t.Helper()
	b1 := frame[1]
	lenBits := b1 & 0x7F

	headerLen := 2
	switch lenBits {
	case 126:
		headerLen = 4
	case 127:
		headerLen = 10
	}

	out := make([]byte, 0, len(frame)+4)
	out = append(out, frame[0], b1|0x80)
	out = append(out, frame[2:headerLen]...)
	out = append(out, key...)
	payload := frame[headerLen:]
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ key[i%4]
	}
	out = append(out, masked...)
	return out
}
