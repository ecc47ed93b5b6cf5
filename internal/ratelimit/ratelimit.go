// Package ratelimit guards relay listeners with token buckets, one shared
// bucket per action plus one bucket per remote IP.
package ratelimit

import (
	"sync"
	"time"
)

// Action names a kind of relay request that is limited separately.
type Action string

const (
	Connect Action = "connect" // CONNECT on the proxy listener
	Query   Action = "query"   // IC_SYS_QUERY_SERVER on the lobby
)

// TokenBucket refills rate tokens per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newBucket(rate, capacity, time.Now)
}

func newBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{tokens: capacity, capacity: capacity, rate: rate, lastRefill: t, lastUsed: t, now: now}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := tb.now()
	tb.lastUsed = now
	add := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if add > 0 {
		tb.tokens = min(tb.tokens+add, tb.capacity)
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limit configures one action. Zero rates disable that level.
type Limit struct {
	Global int // tokens per second across all peers
	PerIP  int // tokens per second for one remote IP
	Burst  int
}

// Limiter applies Limits per Action and per remote IP.
type Limiter struct {
	mu     sync.Mutex
	limits map[Action]Limit
	global map[Action]*TokenBucket
	peers  map[Action]map[string]*TokenBucket
	now    func() time.Time
}

func New(limits map[Action]Limit) *Limiter {
	l := &Limiter{
		limits: limits,
		global: make(map[Action]*TokenBucket),
		peers:  make(map[Action]map[string]*TokenBucket),
		now:    time.Now,
	}
	l.init()
	return l
}

func (l *Limiter) init() {
	for a, lim := range l.limits {
		if lim.Global > 0 {
			l.global[a] = newBucket(lim.Global, burst(lim, lim.Global), l.now)
		}
		l.peers[a] = make(map[string]*TokenBucket)
	}
}

func burst(lim Limit, rate int) int {
	if lim.Burst > 0 {
		return lim.Burst
	}
	return rate
}

// Allow reports whether ip may perform action now. Unknown actions are allowed.
func (l *Limiter) Allow(action Action, ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limits[action]
	if !ok {
		l.mu.Unlock()
		return true
	}
	g := l.global[action]
	var peer *TokenBucket
	if lim.PerIP > 0 {
		peer = l.peers[action][ip]
		if peer == nil {
			peer = newBucket(lim.PerIP, burst(lim, lim.PerIP), l.now)
			l.peers[action][ip] = peer
		}
	}
	l.mu.Unlock()

	if g != nil && !g.Allow() {
		return false
	}
	return peer == nil || peer.Allow()
}

// CleanupIdle forgets per-IP buckets unused for maxIdle and returns how many were removed.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, peers := range l.peers {
		for ip, b := range peers {
			if b.idleSince().Before(cutoff) {
				delete(peers, ip)
				removed++
			}
		}
	}
	return removed
}

// Peers returns the number of tracked per-IP buckets for action.
func (l *Limiter) Peers(action Action) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers[action])
}
