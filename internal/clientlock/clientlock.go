// Package clientlock provides per-client bounded-wait mutual exclusion.
package clientlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/wa-deck/internal/logging"
)

var lockLog = logging.ForComponent(logging.CompLock)

// ErrTimeout is returned when the lock could not be taken within the wait.
var ErrTimeout = errors.New("clientlock: timed out waiting for client lock")

// gate is the lock for one client. sem has capacity one: a value in the
// channel means the lock is held.
type gate struct {
	sem    chan struct{}
	holder atomic.Uint64

	// guarded by Table.mu
	refs   int
	forget bool
}

// Table holds one lazily created gate per client id.
type Table struct {
	mu        sync.Mutex
	gates     map[string]*gate
	nextToken atomic.Uint64
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	return &Table{gates: make(map[string]*gate)}
}

// Lease is a held client lock. Release is idempotent, and a lease that was
// force-released through Table.Release becomes a no-op.
type Lease struct {
	table *Table
	id    string
	g     *gate
	token uint64
	once  sync.Once
	at    time.Time
}

// ClientID returns the id the lease was taken for.
func (l *Lease) ClientID() string { return l.id }

// Held returns how long the lease has been held.
func (l *Lease) Held() time.Duration { return time.Since(l.at) }

// Release gives the lock back.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.table.release(l.id, l.g, l.token)
	})
}

func (t *Table) ref(id string) *gate {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[id]
	if !ok {
		g = &gate{sem: make(chan struct{}, 1)}
		t.gates[id] = g
	}
	g.refs++
	return g
}

func (t *Table) unref(id string, g *gate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g.refs--
	if g.refs <= 0 && g.forget && t.gates[id] == g {
		delete(t.gates, id)
	}
}

// Acquire takes the lock for id, waiting at most timeout. A zero or negative
// timeout makes a single non-blocking attempt.
func (t *Table) Acquire(ctx context.Context, id string, timeout time.Duration) (*Lease, error) {
	g := t.ref(id)

	if timeout <= 0 {
		select {
		case g.sem <- struct{}{}:
			return t.grant(id, g), nil
		default:
			t.unref(id, g)
			return nil, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case g.sem <- struct{}{}:
		return t.grant(id, g), nil
	case <-timer.C:
		t.unref(id, g)
		lockLog.Debug("lock_timeout", slog.String("client_id", id), slog.Duration("waited", timeout))
		return nil, ErrTimeout
	case <-ctx.Done():
		t.unref(id, g)
		return nil, ctx.Err()
	}
}

// TryAcquire makes one non-blocking attempt.
func (t *Table) TryAcquire(id string) (*Lease, bool) {
	l, err := t.Acquire(context.Background(), id, 0)
	return l, err == nil
}

func (t *Table) grant(id string, g *gate) *Lease {
	token := t.nextToken.Add(1)
	g.holder.Store(token)
	return &Lease{table: t, id: id, g: g, token: token, at: time.Now()}
}

func (t *Table) release(id string, g *gate, token uint64) {
	if !g.holder.CompareAndSwap(token, 0) {
		return
	}
	<-g.sem
	t.unref(id, g)
}

// Release frees id's lock regardless of who holds it. Releasing a lock that
// is free or was never created is a no-op.
func (t *Table) Release(id string) {
	t.mu.Lock()
	g, ok := t.gates[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	if token := g.holder.Load(); token != 0 {
		t.release(id, g, token)
	}
}

// Forget drops id's gate. If the gate is held or has waiters it is dropped
// when the last of them lets go, so a later Acquire never races a holder of
// the old gate.
func (t *Table) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[id]
	if !ok {
		return
	}
	if g.refs <= 0 {
		delete(t.gates, id)
		return
	}
	g.forget = true
}

// Held reports whether id's lock is currently taken.
func (t *Table) Held(id string) bool {
	t.mu.Lock()
	g, ok := t.gates[id]
	t.mu.Unlock()
	return ok && g.holder.Load() != 0
}

// Len returns the number of gates in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.gates)
}
