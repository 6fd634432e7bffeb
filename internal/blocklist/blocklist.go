// Package blocklist is a crude IP-based anti-brute-force guard: a map of
// IP to unblock-time, populated on repeated auth failures and swept on a
// timer. It is not a per-controller rate limiter.
package blocklist

import (
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// List tracks IPs that have failed authentication too many times recently.
type List struct {
	blocked   cmap.ConcurrentMap[string, int64]
	failures  cmap.ConcurrentMap[string, int64]
	threshold int64
	blockFor  time.Duration
	closed    atomic.Bool
}

// New builds a List. threshold is the number of failures, counted since the
// IP's last success or last block, before an IP is blocked; the tally has no
// time window and failures do not expire on their own. Once blocked, an IP
// stays blocked for blockFor from the triggering failure.
func New(threshold int, blockFor time.Duration) *List {
	if threshold <= 0 {
		threshold = 5
	}
	if blockFor <= 0 {
		blockFor = time.Minute
	}
	l := &List{
		blocked:   cmap.New[int64](),
		failures:  cmap.New[int64](),
		threshold: int64(threshold),
		blockFor:  blockFor,
	}
	go l.sweepLoop()
	return l
}

// IsBlocked reports whether ip is presently blocked.
func (l *List) IsBlocked(ip string) bool {
	if ip == "" {
		return false
	}
	until, ok := l.blocked.Get(ip)
	if !ok {
		return false
	}
	if time.Now().Unix() >= until {
		l.blocked.Remove(ip)
		return false
	}
	return true
}

// RecordFailure registers one failed auth attempt from ip, blocking it once
// the threshold is crossed.
func (l *List) RecordFailure(ip string) {
	if ip == "" {
		return
	}
	count, _ := l.failures.Get(ip)
	count++
	l.failures.Set(ip, count)
	if count >= l.threshold {
		l.blocked.Set(ip, time.Now().Add(l.blockFor).UnixNano())
		l.failures.Remove(ip)
	}
}

// RecordSuccess clears ip's failure tally after a successful auth.
func (l *List) RecordSuccess(ip string) {
	if ip == "" {
		return
	}
	l.failures.Remove(ip)
}

func (l *List) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if l.closed.Load() {
			return
		}
		now := time.Now().Unix()
		for tuple := range l.blocked.IterBuffered() {
			if now >= tuple.Val {
				l.blocked.Remove(tuple.Key)
			}
		}
	}
}

// Close stops the background sweep.
func (l *List) Close() { l.closed.Store(true) }
