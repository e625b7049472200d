package tcpserver

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// maxAcceptBatch bounds one accept-event handler invocation.
const maxAcceptBatch = 256

// boundListener is one bound address: its listening fd and the worker
// index currently holding ACCEPT interest on it.
type boundListener struct {
	addr        string
	fd          int
	handler     AcceptFunc
	accepterIdx int
}

func bind(addr string, backlog int, serverSocketConf func(fd int) error) (int, error) {
	sa, err := resolveAddr(addr)
	if err != nil {
		return -1, fmt.Errorf("tcpserver: resolve %q: %w", addr, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("tcpserver: socket: %w", err)
	}
	if serverSocketConf != nil {
		if err := serverSocketConf(fd); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("tcpserver: server_socket_conf: %w", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tcpserver: bind %q: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tcpserver: listen %q: %w", addr, err)
	}
	return fd, nil
}

func resolveAddr(addr string) (*unix.SockaddrInet4, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return nil, fmt.Errorf("tcpserver: %q is not an IPv4 address", host)
		}
		copy(sa.Addr[:], ip)
	}
	return sa, nil
}

func peerString(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d:%d", in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3], in4.Port)
	}
	return "unknown"
}

func hostOf(peer string) string {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		return peer
	}
	return host
}
