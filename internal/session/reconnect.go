package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/matst80/tunnelnet/internal/obs"
)

// Reconnector reopens a reserved service after it drops, spacing attempts with
// exponential backoff. Poll it from the same loop that calls Tick.
type Reconnector struct {
	m    *Manager
	name string
	// MaxAttempts stops retrying after that many consecutive failures; zero means forever.
	MaxAttempts int

	mu     sync.Mutex
	b      *backoff.Backoff
	down   bool
	next   time.Time
	now    func() time.Time
	remove func()
}

func NewReconnector(m *Manager, name string, min, max time.Duration) *Reconnector {
	r := &Reconnector{
		m:    m,
		name: name,
		b:    &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true},
		now:  time.Now,
	}
	r.remove = m.OnConnectionChanged(r.onConnection)
	return r
}

func (r *Reconnector) onConnection(ev ConnectionEvent) {
	if ev.Service != r.name {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Connected {
		r.b.Reset()
		r.down = false
		return
	}
	if ev.Reason == ReasonShutdown {
		r.down = false
		return
	}
	r.down = true
	r.next = r.now().Add(r.b.Duration())
}

// Poll makes one reconnect attempt when one is due and reports whether it tried.
func (r *Reconnector) Poll(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if !r.down || r.now().Before(r.next) {
		r.mu.Unlock()
		return false, nil
	}
	attempt := int(r.b.Attempt())
	if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
		r.down = false
		r.mu.Unlock()
		obs.Error("session.reconnect.gave_up", obs.Fields{"service": r.name, "attempts": attempt})
		return false, nil
	}
	r.mu.Unlock()

	err := r.m.Open(ctx, r.name)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err == nil:
		r.down = false
		obs.Info("session.reconnect", obs.Fields{"service": r.name, "attempt": attempt + 1})
	case errors.Is(err, ErrUnknownService), errors.Is(err, ErrNotInitialized):
		r.down = false
	default:
		d := r.b.Duration()
		r.next = r.now().Add(d)
		obs.Warn("session.reconnect.failed", obs.Fields{"service": r.name, "attempt": attempt + 1, "retry_in": d.String(), "err": err.Error()})
	}
	return true, err
}

// Trigger schedules an immediate attempt, e.g. when the first open failed and
// no disconnect event will arrive.
func (r *Reconnector) Trigger() {
	r.mu.Lock()
	r.down = true
	r.next = r.now()
	r.mu.Unlock()
}

// Pending reports whether a reconnect is scheduled.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

// Stop unregisters the reconnector.
func (r *Reconnector) Stop() { r.remove() }
