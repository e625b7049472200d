package tcpserver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corewire/reactorws/api"
	"github.com/corewire/reactorws/channel"
	"github.com/corewire/reactorws/selector"
)

// State is one of the server lifecycle states.
type State int

const (
	StateInit State = iota
	StateAccepting
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAccepting:
		return "accepting"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server is the multi-address TCP server: bind every configured
// address, fan accepted connections fairly across a pool of selector
// workers, and enforce global/per-IP connection caps.
type Server struct {
	cfg Config

	mu    sync.Mutex
	state State

	workers   []*worker
	listeners []*boundListener
	ipCaps    *ipCounters

	// perWorkerCap is MaxConnections divided across workers by ceiling;
	// 0 means unbounded.
	perWorkerCap int

	nextConnID uint64
}

// New builds a Server from opts layered on DefaultConfig. Call Start to
// bind and begin accepting.
func New(opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if len(cfg.SelectorIDs) == 0 {
		return nil, fmt.Errorf("tcpserver: at least one selector id is required")
	}
	if len(cfg.Handlers) == 0 {
		return nil, fmt.Errorf("tcpserver: at least one handler is required")
	}

	workers := make([]*worker, len(cfg.SelectorIDs))
	for i, id := range cfg.SelectorIDs {
		workers[i] = newWorker(i, id)
	}

	perWorkerCap := 0
	if cfg.MaxConnections > 0 {
		perWorkerCap = (cfg.MaxConnections + len(workers) - 1) / len(workers)
	}

	return &Server{
		cfg:          cfg,
		workers:      workers,
		ipCaps:       newIPCounters(cfg.MaxConnectionsPerIP),
		perWorkerCap: perWorkerCap,
		state:        StateInit,
	}, nil
}

// State reports the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionCount returns the live connection count, summed across
// workers.
func (s *Server) ConnectionCount() int {
	total := 0
	for _, w := range s.workers {
		total += w.connCount()
	}
	return total
}

// Start transitions init -> accepting: binds every configured address and
// designates worker 0 as the initial accepter for each.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInit {
		return fmt.Errorf("tcpserver: Start called in state %s", s.state)
	}

	for i, w := range s.workers {
		if err := w.acquire(); err != nil {
			for _, acquired := range s.workers[:i] {
				acquired.release()
			}
			return fmt.Errorf("tcpserver: worker %d: %w", i, err)
		}
	}

	for addr, handler := range s.cfg.Handlers {
		fd, err := bind(addr, s.cfg.Backlog, s.cfg.ServerSocketConf)
		if err != nil {
			return err
		}
		bl := &boundListener{addr: addr, fd: fd, handler: handler, accepterIdx: 0}
		s.listeners = append(s.listeners, bl)
		if err := s.registerAccepter(bl); err != nil {
			return err
		}
	}
	for _, w := range s.workers {
		w.accepting = true
	}
	s.state = StateAccepting
	return nil
}

func (s *Server) registerAccepter(bl *boundListener) error {
	w := s.workers[bl.accepterIdx]
	return w.sel.Register(bl.fd, selector.InterestRead, func(readable, writable, errored bool) {
		if readable {
			s.onAcceptable(bl)
		}
	})
}

// onAcceptable drains every socket currently queued on bl's listening fd,
// distributing them to the worker with the minimum connection count
// sampled once at the start of this batch, then transfers ACCEPT interest
// to that worker if it differs from the current accepter.
func (s *Server) onAcceptable(bl *boundListener) {
	startIdx := bl.accepterIdx
	target := s.minConnWorker(startIdx)

	for i := 0; i < maxAcceptBatch; i++ {
		fd, sa, err := unix.Accept4(bl.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			break
		}
		s.admitOne(bl, target, fd, sa)
	}

	if target.idx != startIdx {
		w := s.workers[startIdx]
		_ = w.sel.Unregister(bl.fd)
		bl.accepterIdx = target.idx
		_ = s.registerAccepter(bl)
	}
}

// minConnWorker samples every worker's connection count once and returns
// the minimum, preferring the current accepter on ties.
func (s *Server) minConnWorker(currentIdx int) *worker {
	best := s.workers[currentIdx]
	bestCount := best.connCount()
	for _, w := range s.workers {
		if w.idx == currentIdx {
			continue
		}
		if c := w.connCount(); c < bestCount {
			best, bestCount = w, c
		}
	}
	return best
}

func (s *Server) admitOne(bl *boundListener, target *worker, fd int, sa unix.Sockaddr) {
	peer := peerString(sa)

	if s.State() != StateAccepting {
		unix.Close(fd)
		return
	}
	if !s.ipCaps.admit(hostOf(peer)) {
		unix.Close(fd)
		return
	}
	if s.perWorkerCap > 0 && target.connCount() >= s.perWorkerCap {
		s.ipCaps.release(hostOf(peer))
		unix.Close(fd)
		return
	}
	if s.cfg.SocketConf != nil {
		if err := s.cfg.SocketConf(fd); err != nil {
			s.ipCaps.release(hostOf(peer))
			unix.Close(fd)
			return
		}
	}

	id := atomic.AddUint64(&s.nextConnID, 1)
	ch, err := channel.NewOwned(mustAcquireSameSelector(target), fd)
	if err != nil {
		s.ipCaps.release(hostOf(peer))
		unix.Close(fd)
		return
	}
	target.addConn(id, ch)
	ch.SetOnClose(func() {
		target.removeConn(id)
		s.ipCaps.release(hostOf(peer))
		s.reportMetrics()
	})
	s.reportMetrics()
	bl.handler(ch, peer)
}

// reportMetrics pushes the current live connection count to cfg.Metrics,
// if configured.
func (s *Server) reportMetrics() {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Set("tcpserver.connections", s.ConnectionCount())
	}
}

// mustAcquireSameSelector hands the accepted connection a second handle on
// the same selector the connection's worker already owns, so the
// Channel's own Close releases exactly one reference independent of the
// worker's.
func mustAcquireSameSelector(w *worker) *selector.Handle {
	h, err := selector.Acquire(w.sel.ID())
	if err != nil {
		// Acquire only fails if the poller itself cannot be created, and
		// w.sel already proves it can; this path is unreachable in
		// practice.
		panic(fmt.Sprintf("tcpserver: re-acquire selector %d: %v", w.sel.ID(), err))
	}
	return h
}

// Pause transitions accepting -> paused: existing connections keep
// running, accepted sockets are closed immediately, and pending
// accepting-tied read waiters fail.
func (s *Server) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAccepting {
		return fmt.Errorf("tcpserver: Pause called in state %s", s.state)
	}
	for _, w := range s.workers {
		w.accepting = false
		w.forEachConn(func(_ uint64, ch *channel.Channel) {
			ch.CancelAcceptingWait(api.ErrAcceptingStopped)
		})
	}
	s.state = StatePaused
	return nil
}

// Resume transitions paused -> accepting.
func (s *Server) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return fmt.Errorf("tcpserver: Resume called in state %s", s.state)
	}
	for _, w := range s.workers {
		w.accepting = true
	}
	s.state = StateAccepting
	return nil
}

// StopAccepting transitions (paused|accepting) -> stopped: cancels accept
// interest and closes every listening socket.
func (s *Server) StopAccepting() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAccepting && s.state != StatePaused {
		return fmt.Errorf("tcpserver: StopAccepting called in state %s", s.state)
	}
	for _, bl := range s.listeners {
		w := s.workers[bl.accepterIdx]
		_ = w.sel.Unregister(bl.fd)
		_ = unix.Close(bl.fd)
	}
	s.listeners = nil
	s.state = StateStopped
	return nil
}

// StopAll transitions stopped -> init: force-closes every live
// connection.
func (s *Server) StopAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return fmt.Errorf("tcpserver: StopAll called in state %s", s.state)
	}
	for _, w := range s.workers {
		w.forEachConn(func(id uint64, ch *channel.Channel) {
			_ = ch.Close()
			w.removeConn(id)
		})
		w.release()
	}
	s.state = StateInit
	return nil
}

// Stop performs the graceful shutdown sequence: StopAccepting, then poll
// (every 10ms) for the connection count to reach zero within grace, then
// StopAll.
func (s *Server) Stop(grace time.Duration) error {
	if err := s.StopAccepting(); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for s.ConnectionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return s.StopAll()
}
