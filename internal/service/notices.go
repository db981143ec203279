package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// noticeLimiter throttles repeated "still banned" notices per visitor. Its
// state is advisory only; losing it on restart just allows one extra notice.
type noticeLimiter struct {
	mu       sync.Mutex
	limiters map[uint64]*rate.Limiter
}

func newNoticeLimiter() *noticeLimiter {
	return &noticeLimiter{limiters: make(map[uint64]*rate.Limiter)}
}

func (n *noticeLimiter) get(id uint64, interval time.Duration) *rate.Limiter {
	l, ok := n.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(interval), 1)
		n.limiters[id] = l
	}
	return l
}

// allow reports whether a notice may be sent to the visitor at now.
func (n *noticeLimiter) allow(id uint64, interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.get(id, interval).AllowN(now, 1)
}

// reset records that a notice was just sent at now, so the next one waits
// a full interval.
func (n *noticeLimiter) reset(id uint64, interval time.Duration, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if interval <= 0 {
		delete(n.limiters, id)
		return
	}
	l := rate.NewLimiter(rate.Every(interval), 1)
	l.AllowN(now, 1)
	n.limiters[id] = l
}

// forget drops a visitor's limiter.
func (n *noticeLimiter) forget(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.limiters, id)
}
