package tcpserver

import (
	"sync"

	"github.com/corewire/reactorws/channel"
	"github.com/corewire/reactorws/selector"
)

// worker owns one selector and the set of connections currently
// dispatched to it. The selector lease is held only between Start and
// StopAll.
type worker struct {
	idx        int
	selectorID int
	handle     *selector.Handle
	sel        *selector.Selector

	mu        sync.Mutex
	conns     map[uint64]*channel.Channel
	accepting bool
}

func newWorker(idx, selectorID int) *worker {
	return &worker{
		idx:        idx,
		selectorID: selectorID,
		conns:      make(map[uint64]*channel.Channel),
	}
}

func (w *worker) acquire() error {
	handle, err := selector.Acquire(w.selectorID)
	if err != nil {
		return err
	}
	w.handle = handle
	w.sel = handle.Selector()
	return nil
}

func (w *worker) connCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

func (w *worker) addConn(id uint64, ch *channel.Channel) {
	w.mu.Lock()
	w.conns[id] = ch
	w.mu.Unlock()
}

func (w *worker) removeConn(id uint64) {
	w.mu.Lock()
	delete(w.conns, id)
	w.mu.Unlock()
}

// forEachConn snapshots the connection table to avoid holding the lock
// while invoking callbacks that might themselves touch the table.
func (w *worker) forEachConn(fn func(id uint64, ch *channel.Channel)) {
	w.mu.Lock()
	snapshot := make(map[uint64]*channel.Channel, len(w.conns))
	for id, ch := range w.conns {
		snapshot[id] = ch
	}
	w.mu.Unlock()
	for id, ch := range snapshot {
		fn(id, ch)
	}
}

func (w *worker) release() {
	if w.handle == nil {
		return
	}
	selector.Release(w.handle)
	w.handle = nil
	w.sel = nil
}
