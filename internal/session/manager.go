// Package session owns the per-client lifecycle. It admits requests under
// the client's lock, self-heals dead driver handles, drives the background
// poll and cascades removals through the registry, lock table and scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/wa-deck/internal/clientlock"
	"github.com/asheshgoplani/wa-deck/internal/driver"
	"github.com/asheshgoplani/wa-deck/internal/events"
	"github.com/asheshgoplani/wa-deck/internal/logging"
	"github.com/asheshgoplani/wa-deck/internal/metrics"
	"github.com/asheshgoplani/wa-deck/internal/poller"
	"github.com/asheshgoplani/wa-deck/internal/registry"
)

var sessLog = logging.ForComponent(logging.CompSession)

// StatusStore persists the last observed status of each client.
type StatusStore interface {
	WriteStatus(id, status string, at time.Time) error
}

// MediaPurger deletes a client's uploaded files.
type MediaPurger interface {
	Purge(clientID string) error
}

// Config tunes a Manager.
type Config struct {
	// LockTimeout bounds how long foreground callers wait for a client lock.
	LockTimeout time.Duration
	// PollInterval is the background poll period.
	PollInterval time.Duration
	// PollTimeout bounds a single poll.
	PollTimeout time.Duration
	// EnsureConcurrency caps parallel constructions in ForceEnsure.
	EnsureConcurrency int
}

// Deps are the collaborators a Manager drives. Registry is required.
type Deps struct {
	Registry *registry.Registry
	Locks    *clientlock.Table
	Sink     events.Sink
	Metrics  *metrics.Metrics
	Store    StatusStore
	Media    MediaPurger
}

type clientState struct {
	status     driver.Status
	lastPolled time.Time
	lastEvent  time.Time
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	locks    *clientlock.Table
	sched    *poller.Scheduler
	sink     events.Sink
	metrics  *metrics.Metrics
	store    StatusStore
	media    MediaPurger

	mu     sync.Mutex
	states map[string]*clientState

	closed atomic.Bool
}

// New builds a manager and its poll scheduler. No timers run until a client
// is admitted.
func New(cfg Config, deps Deps) *Manager {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.EnsureConcurrency <= 0 {
		cfg.EnsureConcurrency = 4
	}
	if deps.Locks == nil {
		deps.Locks = clientlock.NewTable()
	}
	if deps.Sink == nil {
		deps.Sink = events.LogSink{}
	}
	m := &Manager{
		cfg:      cfg,
		registry: deps.Registry,
		locks:    deps.Locks,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		store:    deps.Store,
		media:    deps.Media,
		states:   make(map[string]*clientState),
	}
	m.sched = poller.New(poller.Config{
		Interval: cfg.PollInterval,
		Timeout:  cfg.PollTimeout,
		Poll:     m.poll,
	})
	return m
}

// Registry returns the registry the manager drives.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Locks returns the client lock table.
func (m *Manager) Locks() *clientlock.Table { return m.locks }

// Scheduler returns the poll scheduler.
func (m *Manager) Scheduler() *poller.Scheduler { return m.sched }

// LockTimeout returns the foreground lock wait.
func (m *Manager) LockTimeout() time.Duration { return m.cfg.LockTimeout }

func checkID(id string) error {
	if id == "" {
		return ErrMissingClient
	}
	if err := registry.ValidateID(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidClient, id)
	}
	return nil
}

func (m *Manager) acquire(ctx context.Context, id, caller string) (*clientlock.Lease, error) {
	start := time.Now()
	lease, err := m.locks.Acquire(ctx, id, m.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, clientlock.ErrTimeout) {
			m.metrics.LockTimeout(caller)
			sessLog.Warn("lock_timeout",
				slog.String("client_id", id),
				slog.String("caller", caller),
				slog.Duration("waited", m.cfg.LockTimeout))
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, id)
		}
		return nil, err
	}
	m.metrics.ObserveLockWait(time.Since(start))
	return lease, nil
}

// Session is an admitted client: its lock is held until Release.
type Session struct {
	ID     string
	Handle driver.Handle
	Status driver.Status

	m     *Manager
	lease *clientlock.Lease
}

// Admit runs the lifecycle for one foreground operation. It takes id's lock
// (waiting up to the lock timeout), ensures a handle exists, queries its
// status and, if the handle does not answer, replaces it once. The client's
// poll timer is started. The caller must Release the session.
func (m *Manager) Admit(ctx context.Context, id string) (*Session, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkID(id); err != nil {
		return nil, err
	}

	lease, err := m.acquire(ctx, id, "request")
	if err != nil {
		return nil, err
	}

	h, status, err := m.ensureLocked(ctx, id)
	if err != nil {
		lease.Release()
		return nil, err
	}
	m.sched.Start(id)

	return &Session{ID: id, Handle: h, Status: status, m: m, lease: lease}, nil
}

// ensureLocked must be called with id's lock held.
func (m *Manager) ensureLocked(ctx context.Context, id string) (driver.Handle, driver.Status, error) {
	h, err := m.registry.Ensure(ctx, id)
	if err != nil {
		return nil, driver.StatusUnknown, constructionError(id, err)
	}
	m.metrics.SetActiveSessions(m.registry.Len())

	// A status cut short by the caller says nothing about the handle.
	status := h.Status(ctx)
	if err := ctx.Err(); err != nil {
		return nil, driver.StatusUnknown, cancelledError(id, err)
	}
	if !status.Alive() {
		sessLog.Warn("session_self_heal", slog.String("client_id", id), slog.String("status", status.String()))
		m.metrics.SelfHeal()
		h, err = m.registry.Replace(ctx, id)
		if err != nil {
			m.observe(id, driver.StatusUnknown)
			return nil, driver.StatusUnknown, constructionError(id, err)
		}
		status = h.Status(ctx)
		if err := ctx.Err(); err != nil {
			return nil, driver.StatusUnknown, cancelledError(id, err)
		}
	}
	m.observe(id, status)
	return h, status, nil
}

// Alive reports whether the handle answered with a definite status.
func (s *Session) Alive() bool { return s.Status.Alive() }

// LoggedIn reports whether the client is authenticated.
func (s *Session) LoggedIn() bool { return s.Status.LoggedIn() }

// RequireLogin returns ErrNotLoggedIn unless the client is authenticated.
func (s *Session) RequireLogin() error {
	if !s.Status.LoggedIn() {
		return fmt.Errorf("%w: %s", ErrNotLoggedIn, s.ID)
	}
	return nil
}

// Info reports the session's state as admitted.
func (s *Session) Info() Info {
	return s.m.info(s.ID, LifecycleOf(s.Status), false)
}

// Release gives the client lock back. Safe to call more than once.
func (s *Session) Release() {
	if s == nil {
		return
	}
	s.lease.Release()
}

// Remove tears the session down while its lock is still held, then
// releases the lock.
func (s *Session) Remove(ctx context.Context, preserveCache bool) error {
	defer s.Release()
	return s.m.removeLocked(ctx, s.ID, preserveCache, ReasonRequest)
}

// removeLocked must be called with id's lock held. The timer is stopped and
// any in-flight poll awaited before the handle is shut down.
func (m *Manager) removeLocked(ctx context.Context, id string, preserveCache bool, reason string) error {
	if err := m.sched.StopAndWait(ctx, id); err != nil {
		return fmt.Errorf("session: wait for poll of %s: %w", id, err)
	}
	err := m.registry.Remove(ctx, id, preserveCache)
	m.sched.Forget(id)
	m.locks.Forget(id)

	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()

	if !preserveCache && m.media != nil {
		if perr := m.media.Purge(id); perr != nil {
			sessLog.Warn("media_purge_failed", slog.String("client_id", id), slog.String("error", perr.Error()))
		}
	}

	m.metrics.Removed(reason)
	m.metrics.SetActiveSessions(m.registry.Len())
	sessLog.Info("session_removed",
		slog.String("client_id", id),
		slog.String("reason", reason),
		slog.Bool("preserve_cache", preserveCache))
	return err
}

// observe caches status and persists it when it changed. Callers hold id's lock.
func (m *Manager) observe(id string, status driver.Status) {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		st = &clientState{status: driver.StatusUnknown}
		m.states[id] = st
	}
	changed := !ok || st.status != status
	st.status = status
	m.mu.Unlock()

	if !changed {
		return
	}
	sessLog.Debug("status_changed", slog.String("client_id", id), slog.String("status", status.String()))
	if m.store != nil {
		if err := m.store.WriteStatus(id, status.String(), time.Now()); err != nil {
			sessLog.Warn("status_write_failed", slog.String("client_id", id), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) touch(id string, polled, event bool) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return
	}
	if polled {
		st.lastPolled = now
	}
	if event {
		st.lastEvent = now
	}
}

func (m *Manager) cached(id string) (clientState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return clientState{status: driver.StatusUnknown}, false
	}
	return *st, true
}

func (m *Manager) info(id string, l Lifecycle, busy bool) Info {
	in := newInfo(id, l)
	in.Busy = busy
	in.IsTimer = m.sched.IsRunning(id)
	if e, ok := m.registry.Lookup(id); ok {
		in.CreatedAt = e.CreatedAt
		in.Generation = e.Generation
	}
	if st, ok := m.cached(id); ok {
		in.LastPolled = st.lastPolled
		in.LastEvent = st.lastEvent
	}
	return in
}

// poll is one background cycle for id. The registry presence check touches
// no handle; everything after it runs under a non-blocking lock attempt.
func (m *Manager) poll(ctx context.Context, id string) (poller.Outcome, error) {
	if !m.registry.Has(id) {
		m.metrics.Poll(metrics.PollHalted)
		return poller.Halt, nil
	}

	lease, ok := m.locks.TryAcquire(id)
	if !ok {
		m.metrics.Poll(metrics.PollSkippedBusy)
		logging.Aggregate(logging.CompPoll, "poll_skipped_busy", id)
		return poller.Continue, nil
	}
	defer lease.Release()

	h, ok := m.registry.Get(id)
	if !ok {
		m.metrics.Poll(metrics.PollHalted)
		return poller.Halt, nil
	}
	status := h.Status(ctx)
	if err := ctx.Err(); err != nil {
		return poller.Continue, cancelledError(id, err)
	}
	m.observe(id, status)
	if !status.LoggedIn() {
		m.metrics.Poll(metrics.PollHalted)
		sessLog.Debug("poll_halted", slog.String("client_id", id), slog.String("status", status.String()))
		return poller.Halt, nil
	}

	groups, err := h.FetchUnread(ctx)
	m.touch(id, true, false)
	if err != nil {
		m.metrics.Poll(metrics.PollError)
		return poller.Continue, CommandError("fetch_unread", err)
	}

	var seenErr error
	for _, g := range groups {
		if err := h.MarkSeen(ctx, g.Chat.ID); err != nil && seenErr == nil {
			seenErr = CommandError("mark_seen", err)
		}
	}
	lease.Release()

	if len(groups) == 0 {
		m.metrics.Poll(metrics.PollEmpty)
		logging.Aggregate(logging.CompPoll, "poll_empty", id)
		return poller.Continue, seenErr
	}

	m.metrics.Poll(metrics.PollDrained)
	batch := events.Batch{ClientID: id, Groups: groups, At: time.Now()}
	derr := m.sink.Deliver(ctx, batch)
	m.metrics.Delivered(batch.MessageCount(), derr)
	m.touch(id, false, true)
	if derr != nil {
		sessLog.Warn("deliver_failed", slog.String("client_id", id), slog.String("error", derr.Error()))
	}
	return poller.Continue, seenErr
}
