// Package poller runs one self-rescheduling timer per client.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/wa-deck/internal/logging"
)

var pollLog = logging.ForComponent(logging.CompPoll)

// Outcome tells the scheduler what to do after a poll.
type Outcome int

const (
	// Continue keeps the timer running.
	Continue Outcome = iota
	// Halt stops the client's timer until Start is called again.
	Halt
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Halt:
		return "halt"
	}
	return "unknown"
}

// Func is one poll of one client. Errors are logged and discarded.
type Func func(ctx context.Context, clientID string) (Outcome, error)

// Config configures a Scheduler.
type Config struct {
	Interval time.Duration
	// Timeout bounds a single poll. Zero means no deadline beyond Close.
	Timeout time.Duration
	Poll    Func
}

type task struct {
	id string

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	busy    bool

	inflight sync.WaitGroup
}

// Scheduler fires Poll for every started client at a fixed interval. The next
// firing is scheduled before the poll body runs; a firing that finds the
// previous body still running is skipped, so bodies for one client never
// overlap and a slow body delays rather than compounds.
type Scheduler struct {
	cfg Config

	mu    sync.Mutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a scheduler with no running timers.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Interval returns the firing period.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

func (s *Scheduler) task(id string, create bool) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok && create {
		t = &task{id: id}
		s.tasks[id] = t
	}
	return t
}

// Start begins polling id. It reports false if the timer was already running.
func (s *Scheduler) Start(id string) bool {
	if s.ctx.Err() != nil {
		return false
	}
	t := s.task(id, true)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return false
	}
	t.running = true
	t.timer = time.AfterFunc(s.cfg.Interval, func() { s.fire(t) })
	pollLog.Debug("poll_timer_started", slog.String("client_id", id), slog.Duration("interval", s.cfg.Interval))
	return true
}

func (s *Scheduler) fire(t *task) {
	t.mu.Lock()
	if !t.running || s.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.timer = time.AfterFunc(s.cfg.Interval, func() { s.fire(t) })
	if t.busy {
		t.mu.Unlock()
		logging.Aggregate(logging.CompPoll, "poll_overlap_skipped", t.id)
		return
	}
	t.busy = true
	t.inflight.Add(1)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.busy = false
		t.mu.Unlock()
		t.inflight.Done()
	}()

	outcome, err := s.run(t.id)
	if err != nil {
		pollLog.Warn("poll_failed", slog.String("client_id", t.id), slog.String("error", err.Error()))
	}
	if outcome == Halt {
		s.Stop(t.id)
	}
}

// run invokes Poll, converting a panic into an error.
func (s *Scheduler) run(id string) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			pollLog.Error("poll_panic",
				slog.String("client_id", id),
				slog.String("stack", string(debug.Stack())))
			outcome, err = Continue, fmt.Errorf("poll panic: %v", r)
		}
	}()

	ctx := s.ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	return s.cfg.Poll(ctx, id)
}

// Stop cancels id's pending firing. A poll already running finishes. Safe to
// call from inside Poll.
func (s *Scheduler) Stop(id string) {
	t := s.task(id, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	if wasRunning {
		pollLog.Debug("poll_timer_stopped", slog.String("client_id", id))
	}
}

// StopAndWait stops id's timer and waits for an in-flight poll to return.
// Must not be called from inside Poll for the same id.
func (s *Scheduler) StopAndWait(ctx context.Context, id string) error {
	s.Stop(id)
	t := s.task(id, false)
	if t == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget stops id's timer and drops its bookkeeping.
func (s *Scheduler) Forget(id string) {
	s.Stop(id)
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// IsRunning reports whether id's timer is scheduled.
func (s *Scheduler) IsRunning(id string) bool {
	t := s.task(id, false)
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Running returns the ids with a scheduled timer, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	var ids []string
	for _, t := range tasks {
		t.mu.Lock()
		if t.running {
			ids = append(ids, t.id)
		}
		t.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Close stops every timer, cancels running polls and waits for them.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
	s.cancel()
	for _, id := range ids {
		if err := s.StopAndWait(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
