package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/wa-deck/internal/logging"
)

var adminLog = logging.ForComponent(logging.CompAdmin)

// Removal reasons reported to metrics and logs.
const (
	ReasonRequest  = "request"
	ReasonAdmin    = "admin"
	ReasonKillDead = "kill_dead"
)

// ListActive reports every registered client, ordered by id. A client whose
// lock is free is probed for a fresh status; a busy one reports its cached
// status with Busy set. An unknown status is reported as is; listing never
// rebuilds a handle, that happens on the client's next admission.
func (m *Manager) ListActive(ctx context.Context) []Info {
	entries := m.registry.List()
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.probe(ctx, e.ID))
	}
	return out
}

// Info reports one client. Unregistered clients are LifecycleAbsent.
func (m *Manager) Info(ctx context.Context, id string) Info {
	if !m.registry.Has(id) {
		return m.info(id, LifecycleAbsent, false)
	}
	return m.probe(ctx, id)
}

func (m *Manager) probe(ctx context.Context, id string) Info {
	lease, ok := m.locks.TryAcquire(id)
	if !ok {
		st, _ := m.cached(id)
		return m.info(id, LifecycleOf(st.status), true)
	}
	defer lease.Release()

	h, ok := m.registry.Get(id)
	if !ok {
		return m.info(id, LifecycleAbsent, false)
	}
	status := h.Status(ctx)
	if ctx.Err() != nil {
		st, _ := m.cached(id)
		return m.info(id, LifecycleOf(st.status), false)
	}
	m.observe(id, status)
	return m.info(id, LifecycleOf(status), false)
}

// EnsureResult is the outcome of ForceEnsure.
type EnsureResult struct {
	Clients map[string]Info   `json:"clients"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ForceEnsure constructs a session for every id that has none and starts its
// poll timer. Constructions run in parallel up to the configured limit; a
// failure for one id is reported under Errors and does not affect the others.
// Every requested id is reported, including ones that already existed.
func (m *Manager) ForceEnsure(ctx context.Context, ids []string) EnsureResult {
	res := EnsureResult{Clients: make(map[string]Info), Errors: make(map[string]string)}
	if m.closed.Load() {
		for _, id := range dedupe(ids) {
			res.Errors[id] = ErrClosed.Error()
		}
		return res
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.EnsureConcurrency)
	for _, id := range dedupe(ids) {
		g.Go(func() error {
			info, err := m.forceEnsureOne(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[id] = err.Error()
				adminLog.Warn("force_ensure_failed", slog.String("client_id", id), slog.String("error", err.Error()))
				return nil
			}
			res.Clients[id] = info
			return nil
		})
	}
	_ = g.Wait()
	adminLog.Info("force_ensure", slog.Int("requested", len(ids)), slog.Int("failed", len(res.Errors)))
	return res
}

func (m *Manager) forceEnsureOne(ctx context.Context, id string) (Info, error) {
	if err := checkID(id); err != nil {
		return Info{}, err
	}
	if m.registry.Has(id) {
		m.sched.Start(id)
		return m.probe(ctx, id), nil
	}

	lease, err := m.acquire(ctx, id, "admin")
	if err != nil {
		return Info{}, err
	}
	defer lease.Release()

	_, status, err := m.ensureLocked(ctx, id)
	if err != nil {
		return Info{}, err
	}
	m.sched.Start(id)
	return m.info(id, LifecycleOf(status), false), nil
}

// KillResult is the outcome of ForceKill.
type KillResult struct {
	Removed []string          `json:"removed"`
	Active  []Info            `json:"active"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ForceKill removes every registered client named in ids and, when killDead
// is set, every client whose current status is not logged in. Each client is
// examined under its lock, taken with the foreground timeout; a client whose
// lock cannot be taken is reported under Errors and left intact. Working
// directories are preserved. The returned Active list is taken after all
// removals.
func (m *Manager) ForceKill(ctx context.Context, ids []string, killDead bool) KillResult {
	named := make(map[string]bool, len(ids))
	for _, id := range ids {
		named[id] = true
	}

	var (
		mu  sync.Mutex
		res = KillResult{Errors: make(map[string]string)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.EnsureConcurrency)
	for _, id := range m.registry.IDs() {
		if !named[id] && !killDead {
			continue
		}
		g.Go(func() error {
			removed, err := m.killOne(gctx, id, named[id])
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors[id] = err.Error()
				adminLog.Warn("force_kill_failed", slog.String("client_id", id), slog.String("error", err.Error()))
			case removed:
				res.Removed = append(res.Removed, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Removed)
	res.Active = m.ListActive(ctx)
	adminLog.Info("force_kill",
		slog.Int("removed", len(res.Removed)),
		slog.Bool("kill_dead", killDead),
		slog.Int("failed", len(res.Errors)))
	return res
}

func (m *Manager) killOne(ctx context.Context, id string, named bool) (bool, error) {
	lease, err := m.acquire(ctx, id, "admin")
	if err != nil {
		return false, err
	}
	defer lease.Release()

	h, ok := m.registry.Get(id)
	if !ok {
		return false, nil
	}
	reason := ReasonAdmin
	if !named {
		status := h.Status(ctx)
		if err := ctx.Err(); err != nil {
			return false, cancelledError(id, err)
		}
		m.observe(id, status)
		if status.LoggedIn() {
			return false, nil
		}
		reason = ReasonKillDead
	}
	if err := m.removeLocked(ctx, id, true, reason); err != nil {
		return true, fmt.Errorf("remove %s: %w", id, err)
	}
	return true, nil
}

// Restore force-ensures clients recorded by a previous run.
func (m *Manager) Restore(ctx context.Context, ids []string) EnsureResult {
	if len(ids) == 0 {
		return EnsureResult{Clients: map[string]Info{}}
	}
	res := m.ForceEnsure(ctx, ids)
	sessLog.Info("sessions_restored", slog.Int("restored", len(res.Clients)), slog.Int("failed", len(res.Errors)))
	return res
}

// Shutdown stops every poll timer, waits for running polls and shuts every
// handle down. Working directories and recorded membership are kept.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.sched.Close(ctx)
	m.registry.ShutdownAll(ctx)
	m.metrics.SetActiveSessions(0)
	return err
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
