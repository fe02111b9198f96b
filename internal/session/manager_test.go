package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/wa-deck/internal/driver"
	"github.com/asheshgoplani/wa-deck/internal/driver/drivertest"
	"github.com/asheshgoplani/wa-deck/internal/events"
	"github.com/asheshgoplani/wa-deck/internal/registry"
)

type memStore struct {
	mu     sync.Mutex
	status map[string]string
	writes int
}

func (s *memStore) WriteStatus(id, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		s.status = map[string]string{}
	}
	s.status[id] = status
	s.writes++
	return nil
}

func (s *memStore) get(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

type memPurger struct {
	mu     sync.Mutex
	purged []string
}

func (p *memPurger) Purge(id string) error {
	p.mu.Lock()
	p.purged = append(p.purged, id)
	p.mu.Unlock()
	return nil
}

type harness struct {
	f       *drivertest.Factory
	m       *Manager
	cache   string
	store   *memStore
	purger  *memPurger
	batches chan events.Batch
}

func newHarness(t *testing.T, status driver.Status, cfg Config) *harness {
	t.Helper()
	h := &harness{
		f:       drivertest.NewFactory(status),
		cache:   t.TempDir(),
		store:   &memStore{},
		purger:  &memPurger{},
		batches: make(chan events.Batch, 16),
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = time.Second
	}
	reg := registry.New(registry.Config{CacheDir: h.cache, Factory: h.f.Build})
	sink := events.SinkFunc(func(ctx context.Context, b events.Batch) error {
		select {
		case h.batches <- b:
		default:
		}
		return nil
	})
	h.m = New(cfg, Deps{Registry: reg, Sink: sink, Store: h.store, Media: h.purger})
	t.Cleanup(func() { _ = h.m.Shutdown(context.Background()) })
	return h
}

func (h *harness) admit(t *testing.T, id string) *Session {
	t.Helper()
	s, err := h.m.Admit(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestAdmitConstructsAndStartsTimer(t *testing.T) {
	h := newHarness(t, driver.StatusNotLoggedIn, Config{PollInterval: time.Hour})

	s := h.admit(t, "alice")
	assert.Equal(t, driver.StatusNotLoggedIn, s.Status)
	assert.True(t, s.Alive())
	assert.False(t, s.LoggedIn())
	assert.True(t, h.m.Locks().Held("alice"))
	assert.True(t, h.m.Scheduler().IsRunning("alice"))

	info := s.Info()
	assert.Equal(t, LifecycleNotLoggedIn, info.Status)
	assert.True(t, info.IsAlive)
	assert.False(t, info.IsLoggedIn)
	assert.True(t, info.IsTimer)
	assert.Equal(t, 1, info.Generation)

	s.Release()
	s.Release()
	assert.False(t, h.m.Locks().Held("alice"))

	s2 := h.admit(t, "alice")
	defer s2.Release()
	assert.Equal(t, 1, h.f.Constructed("alice"))
	assert.Equal(t, "not_logged_in", h.store.get("alice"))
}

func TestAdmitRejectsBadIDs(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{})

	_, err := h.m.Admit(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingClient)

	_, err = h.m.Admit(context.Background(), "../etc")
	assert.ErrorIs(t, err, ErrInvalidClient)

	assert.Equal(t, 0, h.f.Constructed(""))
	assert.Equal(t, 0, h.m.Locks().Len())
}

func TestAdmitSelfHealsUnknownStatus(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{PollInterval: time.Hour})
	var built atomic.Int32
	h.f.Setup = func(d *drivertest.Handle) {
		if built.Add(1) == 1 {
			d.SetStatus(driver.StatusUnknown)
		}
	}

	s := h.admit(t, "bob")
	defer s.Release()

	assert.Equal(t, driver.StatusLoggedIn, s.Status)
	assert.Equal(t, 2, h.f.Constructed("bob"))
	all := h.f.All("bob")
	require.Len(t, all, 2)
	assert.True(t, all[0].IsShutdown())
	assert.Same(t, all[1], s.Handle)
	assert.NoError(t, s.RequireLogin())
}

func TestAdmitSelfHealsOnlyOnce(t *testing.T) {
	h := newHarness(t, driver.StatusUnknown, Config{PollInterval: time.Hour})

	s := h.admit(t, "carol")
	defer s.Release()

	assert.Equal(t, driver.StatusUnknown, s.Status)
	assert.Equal(t, 2, h.f.Constructed("carol"))
	assert.ErrorIs(t, s.RequireLogin(), ErrNotLoggedIn)
	assert.Equal(t, LifecycleUnknown, s.Info().Status)
}

func TestAdmitConstructionFailureReleasesLock(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{})
	boom := errors.New("endpoint down")
	h.f.Err = boom

	_, err := h.m.Admit(context.Background(), "dave")
	require.ErrorIs(t, err, ErrConstruction)
	assert.ErrorIs(t, err, boom)
	assert.False(t, h.m.Locks().Held("dave"))
	assert.False(t, h.m.Scheduler().IsRunning("dave"))
}

func TestAdmitLockTimeout(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{LockTimeout: 50 * time.Millisecond, PollInterval: time.Hour})
	held := h.admit(t, "erin")
	defer held.Release()

	start := time.Now()
	_, err := h.m.Admit(context.Background(), "erin")
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// Another client is unaffected.
	other := h.admit(t, "frank")
	other.Release()
}

func TestAdmitCancelledDuringStatusKeepsHandle(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{PollInterval: time.Hour})
	h.f.Setup = func(d *drivertest.Handle) { d.StatusDelay = 50 * time.Millisecond }

	s := h.admit(t, "gina")
	s.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.m.Admit(ctx, "gina")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrConstruction)

	assert.Equal(t, 1, h.f.Constructed("gina"))
	assert.False(t, h.f.Latest("gina").IsShutdown())
	assert.False(t, h.m.Locks().Held("gina"))
	assert.Equal(t, "logged_in", h.store.get("gina"))

	again := h.admit(t, "gina")
	defer again.Release()
	assert.Equal(t, driver.StatusLoggedIn, again.Status)
	assert.Equal(t, 1, h.f.Constructed("gina"))
}

func TestPollDrainsAndDelivers(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{})
	s := h.admit(t, "gina")
	d := h.f.Latest("gina")
	d.QueueUnread(
		driver.EventGroup{Chat: driver.Chat{ID: "c1"}, Messages: []driver.Message{{ID: "m1"}, {ID: "m2"}}},
		driver.EventGroup{Chat: driver.Chat{ID: "c2"}, Messages: []driver.Message{{ID: "m3"}}},
	)
	s.Release()

	select {
	case b := <-h.batches:
		assert.Equal(t, "gina", b.ClientID)
		assert.Equal(t, 3, b.MessageCount())
	case <-time.After(2 * time.Second):
		t.Fatal("no batch delivered")
	}
	assert.ElementsMatch(t, []string{"c1", "c2"}, d.Seen())

	info := h.m.Info(context.Background(), "gina")
	assert.False(t, info.LastPolled.IsZero())
	assert.False(t, info.LastEvent.IsZero())
}

func TestPollHaltsWhenNotLoggedIn(t *testing.T) {
	h := newHarness(t, driver.StatusNotLoggedIn, Config{})
	s := h.admit(t, "hank")
	s.Release()

	require.Eventually(t, func() bool {
		return !h.m.Scheduler().IsRunning("hank")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.f.Latest("hank").CallCount("FetchUnread"))

	// The next access restarts it.
	s = h.admit(t, "hank")
	assert.True(t, h.m.Scheduler().IsRunning("hank"))
	s.Release()
}

func TestPollSkipsBusyClient(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{})
	s := h.admit(t, "ivan")
	d := h.f.Latest("ivan")
	d.QueueUnread(driver.EventGroup{Chat: driver.Chat{ID: "c"}, Messages: []driver.Message{{ID: "m"}}})
	statusCalls := d.CallCount("Status")

	// Several intervals pass while the foreground holds the lock.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, d.CallCount("FetchUnread"))
	assert.Equal(t, statusCalls, d.CallCount("Status"))
	assert.True(t, h.m.Scheduler().IsRunning("ivan"))

	s.Release()
	select {
	case b := <-h.batches:
		assert.Equal(t, "ivan", b.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("poll never resumed")
	}
}

func TestPollErrorsKeepTimerAlive(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{})
	h.f.Setup = func(d *drivertest.Handle) { d.FetchErr = errors.New("tab crashed") }
	s := h.admit(t, "jane")
	s.Release()

	d := h.f.Latest("jane")
	require.Eventually(t, func() bool {
		return d.CallCount("FetchUnread") >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.m.Scheduler().IsRunning("jane"))
}

func TestForegroundAndPollNeverOverlap(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{PollInterval: 5 * time.Millisecond})
	h.f.Setup = func(d *drivertest.Handle) { d.CallDelay = 2 * time.Millisecond }
	s := h.admit(t, "kate")
	s.Release()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				s, err := h.m.Admit(context.Background(), "kate")
				if !assert.NoError(t, err) {
					return
				}
				_, _ = s.Handle.SendText(context.Background(), "chat", "hi")
				s.Release()
			}
		}()
	}
	wg.Wait()

	d := h.f.Latest("kate")
	assert.Equal(t, 0, d.Overlaps())
	assert.Equal(t, 40, len(d.Sent()))
}

func TestSessionRemoveCascades(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{})
	s := h.admit(t, "lena")
	d := h.f.Latest("lena")

	require.NoError(t, s.Remove(context.Background(), false))

	assert.True(t, d.IsShutdown())
	assert.False(t, h.m.Registry().Has("lena"))
	assert.False(t, h.m.Scheduler().IsRunning("lena"))
	assert.False(t, h.m.Locks().Held("lena"))
	assert.Equal(t, 0, h.m.Locks().Len())
	assert.NoDirExists(t, filepath.Join(h.cache, "lena"))
	assert.Equal(t, []string{"lena"}, h.purger.purged)
	assert.Equal(t, LifecycleAbsent, h.m.Info(context.Background(), "lena").Status)

	// The client can come back.
	s = h.admit(t, "lena")
	s.Release()
	assert.Equal(t, 2, h.f.Constructed("lena"))
}

func TestSessionRemovePreserveCache(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{})
	s := h.admit(t, "mona")
	require.NoError(t, s.Remove(context.Background(), true))

	assert.DirExists(t, filepath.Join(h.cache, "mona"))
	assert.Empty(t, h.purger.purged)
}

func TestRemoveWaitsForInflightPoll(t *testing.T) {
	h := newHarness(t, driver.StatusLoggedIn, Config{})
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	h.f.Setup = func(d *drivertest.Handle) {
		d.FetchHook = func() {
			once.Do(func() {
				close(entered)
				<-unblock
			})
		}
	}
	s := h.admit(t, "nina")
	s.Release()
	<-entered

	done := make(chan error, 1)
	go func() {
		// The poll holds the lock, so this waits for it.
		s, err := h.m.Admit(context.Background(), "nina")
		if err != nil {
			done <- err
			return
		}
		done <- s.Remove(context.Background(), true)
	}()

	select {
	case <-done:
		t.Fatal("removal finished while a poll was still using the handle")
	case <-time.After(50 * time.Millisecond):
	}
	close(unblock)
	require.NoError(t, <-done)
	assert.True(t, h.f.Latest("nina").IsShutdown())
}
