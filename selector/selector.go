package selector

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// drainDeadline bounds how long one loop iteration spends draining the
// local task queue before it re-checks the poller, so a busy channel can't
// starve the OS event check or interest updates.
const drainDeadline = 100 * time.Millisecond

// FDHandler is invoked once per ready fd with the readiness bits observed.
type FDHandler func(readable, writable, errored bool)

// Selector is one reactor: an OS poller handle, a single owning goroutine,
// an ordered local callback queue, a concurrent remote callback queue with a
// wake flag, and a list of before-select hooks.
type Selector struct {
	id int
	p  poller

	local *queue.Queue // touched only by the owning goroutine

	remoteMu   sync.Mutex
	remote     *queue.Queue
	remoteFlag atomic.Bool

	hooksMu sync.Mutex
	hooks   []func()

	handlersMu sync.Mutex
	handlers   map[int]FDHandler

	dirtyMu sync.Mutex
	dirty   map[int]uint32 // fd -> pending interest, flushed by a built-in hook

	refcount      int32
	stopRequested atomic.Bool
	threadKilled  atomic.Bool
	done          chan struct{}
}

func newSelector(id int) (*Selector, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	s := &Selector{
		id:       id,
		p:        p,
		local:    queue.New(),
		remote:   queue.New(),
		handlers: make(map[int]FDHandler),
		dirty:    make(map[int]uint32),
		done:     make(chan struct{}),
	}
	s.RegisterBeforeSelectHook(s.flushDirty)
	go s.run()
	return s, nil
}

// ID returns this selector's configured id (0..N-1, typically a CPU index).
func (s *Selector) ID() int { return s.id }

// RegisterBeforeSelectHook adds a hook invoked at the top of every loop
// iteration, before polling. The selector's own built-in hook, registered
// this way, flushes the interest changes channels stage.
func (s *Selector) RegisterBeforeSelectHook(hook func()) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hooksMu.Unlock()
}

// RemoveBeforeSelectHook removes a previously registered hook (identity
// compared via reflection would be unreliable for closures, so callers that
// need removal should wrap a bool flag rather than relying on this for
// closures created per call).
func (s *Selector) RemoveBeforeSelectHook(hook func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	out := s.hooks[:0]
	target := reflectEq(hook)
	for _, h := range s.hooks {
		if reflectEq(h) != target {
			out = append(out, h)
		}
	}
	s.hooks = out
}

// Register associates fd with handler and interest. Must be called from the
// selector's own goroutine.
func (s *Selector) Register(fd int, interest uint32, h FDHandler) error {
	s.handlersMu.Lock()
	s.handlers[fd] = h
	s.handlersMu.Unlock()
	return s.p.add(fd, interest)
}

// Unregister removes fd from the poller and handler table.
func (s *Selector) Unregister(fd int) error {
	s.handlersMu.Lock()
	delete(s.handlers, fd)
	s.handlersMu.Unlock()
	s.dirtyMu.Lock()
	delete(s.dirty, fd)
	s.dirtyMu.Unlock()
	return s.p.remove(fd)
}

// SetInterest stages an interest change for fd, applied by the built-in
// before-select hook. Interest never changes mid-loop, so the OS state and
// the logical interest can't diverge within one iteration.
func (s *Selector) SetInterest(fd int, interest uint32) {
	s.dirtyMu.Lock()
	s.dirty[fd] = interest
	s.dirtyMu.Unlock()
	// The staging caller may be off-thread while the loop is blocked in
	// the poller; wake it so the next iteration's hook applies the change.
	_ = s.p.wake()
}

func (s *Selector) flushDirty() {
	s.dirtyMu.Lock()
	if len(s.dirty) == 0 {
		s.dirtyMu.Unlock()
		return
	}
	pending := s.dirty
	s.dirty = make(map[int]uint32)
	s.dirtyMu.Unlock()

	for fd, interest := range pending {
		_ = s.p.modify(fd, interest)
	}
}

// Submit enqueues task for execution on the selector's own goroutine. May be
// called from any thread. Once the owning goroutine has exited, submissions
// are diverted to the process-wide orphan fallback.
func (s *Selector) Submit(task func()) {
	if s.threadKilled.Load() {
		orphanSubmit(task)
		return
	}
	s.remoteMu.Lock()
	s.remote.Add(task)
	s.remoteMu.Unlock()
	s.remoteFlag.Store(true)
	_ = s.p.wake()
}

// Stop requests the event loop to exit once its local queue drains.
func (s *Selector) Stop() {
	s.stopRequested.Store(true)
	_ = s.p.wake()
}

// Done is closed after the owning goroutine exits.
func (s *Selector) Done() <-chan struct{} { return s.done }

func (s *Selector) run() {
	defer close(s.done)
	events := make([]readyEvent, 256)
	for {
		s.hooksMu.Lock()
		hooks := s.hooks
		s.hooksMu.Unlock()
		for _, h := range hooks {
			h()
		}

		timeout := -1
		if s.local.Length() > 0 || s.remoteFlag.Load() {
			timeout = 0
		}

		n, err := s.p.wait(events, timeout)
		if err == nil {
			for i := 0; i < n; i++ {
				ev := events[i]
				s.handlersMu.Lock()
				h, ok := s.handlers[ev.fd]
				s.handlersMu.Unlock()
				if ok {
					h(ev.readable, ev.writable, ev.errored)
				}
			}
		}

		s.drainQueues()

		if s.local.Length() == 0 && s.stopRequested.Load() {
			s.threadKilled.Store(true)
			_ = s.p.close()
			return
		}
	}
}

func (s *Selector) drainQueues() {
	deadline := time.Now().Add(drainDeadline)
	for {
		if s.remoteFlag.Load() {
			s.remoteMu.Lock()
			for s.remote.Length() > 0 {
				s.local.Add(s.remote.Remove())
			}
			s.remoteFlag.Store(false)
			s.remoteMu.Unlock()
		}
		if s.local.Length() == 0 {
			return
		}
		task := s.local.Remove().(func())
		runGuarded(task)
		if time.Now().After(deadline) {
			return
		}
	}
}

func runGuarded(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("selector: task panic: %v", r)
		}
	}()
	task()
}

// reflectEq gives hooks a comparable identity for RemoveBeforeSelectHook.
// Named funcs and method values compare meaningfully; anonymous closures
// don't and must be removed by other means (a guard flag, a dedicated
// Selector built purely for one hook's lifetime, etc).
func reflectEq(f func()) uintptr {
	return funcPtr(f)
}
