// Package tcpclient implements non-blocking outbound TCP connect with
// cancellation, built the same way tcpserver builds listening sockets:
// raw fds registered with a Selector, never the stdlib net package.
package tcpclient

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/corewire/reactorws/channel"
	"github.com/corewire/reactorws/selector"
)

// Config configures one outbound connection attempt.
type Config struct {
	// SelectorID picks which reactor thread owns the resulting Channel.
	SelectorID int
	// SocketConf is a one-shot hook for OS-level socket options, mirroring
	// tcpserver's per-socket hook.
	SocketConf func(fd int) error
}

// DefaultConfig applies TCP_NODELAY.
func DefaultConfig() Config {
	return Config{
		SocketConf: func(fd int) error {
			return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		},
	}
}

// Dial connects to addr (host:port) without blocking the calling
// goroutine on the connect(2) syscall: the socket is created non-blocking,
// connect(2) is issued once, and completion is awaited via the selector's
// WRITE interest. ctx cancellation aborts the in-flight attempt and closes
// the half-open socket.
func Dial(ctx context.Context, cfg Config, addr string) (*channel.Channel, error) {
	raddr, err := resolve(addr)
	if err != nil {
		return nil, fmt.Errorf("tcpclient: resolve %q: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("tcpclient: socket: %w", err)
	}
	abort := true
	defer func() {
		if abort {
			unix.Close(fd)
		}
	}()

	if cfg.SocketConf != nil {
		if err := cfg.SocketConf(fd); err != nil {
			return nil, fmt.Errorf("tcpclient: socket_conf: %w", err)
		}
	}

	err = unix.Connect(fd, raddr)
	if err != nil && err != unix.EINPROGRESS {
		return nil, fmt.Errorf("tcpclient: connect: %w", err)
	}

	handle, err := selector.Acquire(cfg.SelectorID)
	if err != nil {
		return nil, fmt.Errorf("tcpclient: acquire selector %d: %w", cfg.SelectorID, err)
	}

	ch, err := channel.NewOwned(handle, fd)
	if err != nil {
		selector.Release(handle)
		return nil, err
	}

	if connectImmediate(fd) {
		abort = false
		return ch, nil
	}

	if waitErr := awaitConnect(ctx, ch); waitErr != nil {
		_ = ch.Close() // releases handle too
		return nil, waitErr
	}
	abort = false
	return ch, nil
}

// connectImmediate reports whether connect(2) already succeeded
// synchronously (common for loopback destinations).
func connectImmediate(fd int) bool {
	_, err := unix.Getpeername(fd)
	return err == nil
}

func awaitConnect(ctx context.Context, ch *channel.Channel) error {
	fut := ch.AwaitWritable()
	select {
	case <-fut.Done():
		if err := fut.Wait(); err != nil {
			return err
		}
	case <-ctx.Done():
		_ = ch.Close() // fails the pending write-waiter and releases the fd
		return ctx.Err()
	}

	errno, err := unix.GetsockoptInt(ch.FD(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("tcpclient: SO_ERROR: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("tcpclient: connect failed: %w", unix.Errno(errno))
	}
	return nil
}

func resolve(addr string) (*unix.SockaddrInet4, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	var ip4 net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			ip4 = v4
			break
		}
	}
	if ip4 == nil {
		return nil, fmt.Errorf("tcpclient: no IPv4 address for %s", host)
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: p}
	copy(sa.Addr[:], ip4)
	return sa, nil
}
