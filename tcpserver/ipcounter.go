package tcpserver

import "sync"

// ipCounters is the shared per-IP connection table. Check-then-increment
// is not atomic across the admit+release pair; a rare race can undercount
// a concurrent accept. The cap is soft.
type ipCounters struct {
	mu     sync.Mutex
	counts map[string]int
	limit  int
}

func newIPCounters(limit int) *ipCounters {
	return &ipCounters{counts: make(map[string]int), limit: limit}
}

// admit reports whether ip may open one more connection, incrementing its
// counter if so.
func (c *ipCounters) admit(ip string) bool {
	if c.limit <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] >= c.limit {
		return false
	}
	c.counts[ip]++
	return true
}

func (c *ipCounters) release(ip string) {
	if c.limit <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.counts[ip]; n <= 1 {
		delete(c.counts, ip)
	} else {
		c.counts[ip] = n - 1
	}
}
