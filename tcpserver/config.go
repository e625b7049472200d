// Package tcpserver implements the multi-address, multi-worker TCP
// server: lifecycle state machine, per-worker connection tables, fair
// accept dispatch, and per-IP connection caps.
package tcpserver

import (
	"golang.org/x/sys/unix"

	"github.com/corewire/reactorws/channel"
	"github.com/corewire/reactorws/control"
)

// AcceptFunc handles one freshly accepted connection.
type AcceptFunc func(ch *channel.Channel, peer string)

// Config enumerates the server options.
type Config struct {
	// Handlers maps a bind address to the callback invoked for each
	// connection accepted on it.
	Handlers map[string]AcceptFunc
	// SelectorIDs lists the reactor ids this server spreads work across,
	// typically 0..N-1 for N = runtime.NumCPU().
	SelectorIDs []int

	Backlog int
	// MaxConnections caps concurrent connections; 0 = unbounded. The cap
	// is divided across workers by ceiling, and a connection dispatched
	// to a worker at its share is closed on accept.
	MaxConnections      int
	MaxConnectionsPerIP int // 0 = unbounded

	// ServerSocketConf runs once per listening socket right after bind,
	// before listen(2) (e.g. SO_REUSEADDR). SocketConf runs once per
	// accepted socket (e.g. TCP_NODELAY).
	ServerSocketConf func(fd int) error
	SocketConf       func(fd int) error

	// Metrics, if set, receives live connection-count gauges as
	// connections are admitted and closed. Nil disables the reporting.
	Metrics *control.MetricsRegistry
}

// Option mutates a Config.
type Option func(*Config)

// DefaultConfig: backlog 50, no connection caps, SO_REUSEADDR on
// listeners and TCP_NODELAY on accepted sockets.
func DefaultConfig() Config {
	return Config{
		Handlers: make(map[string]AcceptFunc),
		Backlog:  50,
		ServerSocketConf: func(fd int) error {
			return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		},
		SocketConf: func(fd int) error {
			return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		},
	}
}

// WithHandler registers the accept callback for one bind address.
func WithHandler(addr string, fn AcceptFunc) Option {
	return func(c *Config) { c.Handlers[addr] = fn }
}

// WithSelectorIDs sets the reactor ids this server spreads connections
// across.
func WithSelectorIDs(ids ...int) Option {
	return func(c *Config) { c.SelectorIDs = append([]int(nil), ids...) }
}

// WithBacklog overrides server_socket_backlog.
func WithBacklog(n int) Option {
	return func(c *Config) { c.Backlog = n }
}

// WithMaxConnections overrides max_connections.
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithMaxConnectionsPerIP overrides max_connections_per_ip.
func WithMaxConnectionsPerIP(n int) Option {
	return func(c *Config) { c.MaxConnectionsPerIP = n }
}

// WithServerSocketConf overrides the per-listener socket hook.
func WithServerSocketConf(fn func(fd int) error) Option {
	return func(c *Config) { c.ServerSocketConf = fn }
}

// WithSocketConf overrides the per-accepted-socket hook.
func WithSocketConf(fn func(fd int) error) Option {
	return func(c *Config) { c.SocketConf = fn }
}

// WithMetrics reports live connection-count gauges to reg.
func WithMetrics(reg *control.MetricsRegistry) Option {
	return func(c *Config) { c.Metrics = reg }
}
