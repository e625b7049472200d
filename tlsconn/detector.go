// Package tlsconn implements the TLS connection, handshaker, and
// plain/TLS detector. Record-level pumping builds on stdlib crypto/tls
// rather than a hand-rolled engine.
package tlsconn

import "github.com/corewire/reactorws/channel"

// tlsHandshakeRecordType is the first byte of a TLS record carrying a
// handshake message (RFC 8446 §5.1); any other leading byte means the
// peer is speaking plaintext.
const tlsHandshakeRecordType = 0x16

// LooksLikeTLS reports whether the first byte already read off a freshly
// accepted socket indicates a TLS ClientHello is starting. Callers that see
// false should construct a plain connection and replay the byte(s) via
// Unread; callers that see true should hand the same byte(s) to NewServer
// as the handshake prefix.
func LooksLikeTLS(firstByte byte) bool {
	return firstByte == tlsHandshakeRecordType
}

// Detect awaits the first byte on a freshly accepted Channel and reports
// whether it looks like a TLS ClientHello. The returned prefix holds
// whatever bytes were consumed deciding this and must be threaded back in:
// to NewServer as the handshake prefix when isTLS is true, or replayed via
// the plain connection's Unread when it is false.
func Detect(ch *channel.Channel) (isTLS bool, prefix []byte, err error) {
	if err := ch.AwaitReadable(false).Wait(); err != nil {
		return false, nil, err
	}
	buf := make([]byte, 1)
	n, err := ch.Read(buf)
	if err != nil {
		return false, nil, err
	}
	if n <= 0 {
		return false, nil, nil
	}
	return LooksLikeTLS(buf[0]), buf[:n], nil
}
