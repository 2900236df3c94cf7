package auth

import (
	"sync"
	"time"
)

const (
	// DefaultBackoffBase is the block after the first failed attempt.
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffMax caps the block however many attempts fail.
	DefaultBackoffMax = time.Minute

	backoffPruneAt = 1024
)

type strike struct {
	count int
	until time.Time
}

// Backoff blocks an IP after failed attempts. Each consecutive failure
// doubles the block, up to max; a success clears the IP.
type Backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	strikes map[string]strike
}

// NewBackoff creates a back-off starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{
		base:    base,
		max:     max,
		strikes: make(map[string]strike),
	}
}

// Fail records a failure for ip and returns how long it is now blocked.
func (b *Backoff) Fail(ip string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	s := b.strikes[ip]
	s.count++
	block := b.base
	for i := 1; i < s.count && block < b.max; i++ {
		block *= 2
	}
	if block > b.max {
		block = b.max
	}
	s.until = now.Add(block)
	b.strikes[ip] = s

	if len(b.strikes) >= backoffPruneAt {
		b.pruneLocked(now)
	}
	return block
}

// Reset forgets ip's failures.
func (b *Backoff) Reset(ip string) {
	b.mu.Lock()
	delete(b.strikes, ip)
	b.mu.Unlock()
}

// Remaining returns how much longer ip is blocked, 0 when it is not.
func (b *Backoff) Remaining(ip string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.strikes[ip]
	if !ok {
		return 0
	}
	if left := time.Until(s.until); left > 0 {
		return left
	}
	return 0
}

// Failures returns the consecutive failure count for ip.
func (b *Backoff) Failures(ip string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strikes[ip].count
}

// pruneLocked drops IPs whose block ran out more than max ago.
func (b *Backoff) pruneLocked(now time.Time) {
	for ip, s := range b.strikes {
		if now.Sub(s.until) > b.max {
			delete(b.strikes, ip)
		}
	}
}
