package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firings struct {
	mu    sync.Mutex
	times map[string][]time.Time
}

func (f *firings) add(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.times == nil {
		f.times = map[string][]time.Time{}
	}
	f.times[id] = append(f.times[id], time.Now())
	return len(f.times[id])
}

func (f *firings) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.times[id])
}

func (f *firings) gaps(id string) []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.times[id]
	var out []time.Duration
	for i := 1; i < len(ts); i++ {
		out = append(out, ts[i].Sub(ts[i-1]))
	}
	return out
}

func newTestScheduler(t *testing.T, interval time.Duration, poll Func) *Scheduler {
	t.Helper()
	s := New(Config{Interval: interval, Poll: poll})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestFiresRepeatedlyAtInterval(t *testing.T) {
	var f firings
	s := newTestScheduler(t, 20*time.Millisecond, func(ctx context.Context, id string) (Outcome, error) {
		f.add(id)
		return Continue, nil
	})

	require.True(t, s.Start("a"))
	require.Eventually(t, func() bool { return f.count("a") >= 5 }, 2*time.Second, 5*time.Millisecond)

	for _, g := range f.gaps("a") {
		assert.GreaterOrEqual(t, g, 10*time.Millisecond)
		assert.Less(t, g, 200*time.Millisecond)
	}
	assert.True(t, s.IsRunning("a"))
}

func TestStartIsIdempotent(t *testing.T) {
	var f firings
	s := newTestScheduler(t, 30*time.Millisecond, func(ctx context.Context, id string) (Outcome, error) {
		f.add(id)
		return Continue, nil
	})

	assert.True(t, s.Start("a"))
	assert.False(t, s.Start("a"))
	assert.False(t, s.Start("a"))

	time.Sleep(160 * time.Millisecond)
	// One timer: roughly 5 firings, never triple that.
	assert.LessOrEqual(t, f.count("a"), 7)
	assert.Equal(t, []string{"a"}, s.Running())
}

func TestHaltStopsFiring(t *testing.T) {
	var f firings
	s := newTestScheduler(t, 10*time.Millisecond, func(ctx context.Context, id string) (Outcome, error) {
		if f.add(id) >= 3 {
			return Halt, nil
		}
		return Continue, nil
	})

	s.Start("b")
	require.Eventually(t, func() bool { return !s.IsRunning("b") }, time.Second, 5*time.Millisecond)
	n := f.count("b")
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, f.count("b"))
	assert.Equal(t, 3, n)

	// Restartable.
	assert.True(t, s.Start("b"))
	require.Eventually(t, func() bool { return f.count("b") > n }, time.Second, 5*time.Millisecond)
}

func TestStopAndRestart(t *testing.T) {
	var f firings
	s := newTestScheduler(t, 10*time.Millisecond, func(ctx context.Context, id string) (Outcome, error) {
		f.add(id)
		return Continue, nil
	})

	s.Start("c")
	require.Eventually(t, func() bool { return f.count("c") >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop("c")
	assert.False(t, s.IsRunning("c"))
	time.Sleep(20 * time.Millisecond)
	n := f.count("c")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, f.count("c"))

	s.Stop("never-started")
	assert.True(t, s.Start("c"))
}

func TestErrorsAndPanicsDoNotKillScheduler(t *testing.T) {
	var calls atomic.Int32
	s := newTestScheduler(t, 10*time.Millisecond, func(ctx context.Context, id string) (Outcome, error) {
		switch calls.Add(1) {
		case 1:
			return Continue, errors.New("fetch failed")
		case 2:
			panic("driver exploded")
		}
		return Continue, nil
	})

	s.Start("d")
	require.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning("d"))
}

func TestSlowBodyNeverOverlaps(t *testing.T) {
	var inside, overlaps, calls atomic.Int32
	s := newTestScheduler(t, 5*time.Millisecond, func(ctx context.Context, id string) (Outcome, error) {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		inside.Add(-1)
		return Continue, nil
	})

	s.Start("e")
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), overlaps.Load())
}

func TestStopAndWaitAwaitsInFlightPoll(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once
	s := newTestScheduler(t, 5*time.Millisecond, func(ctx context.Context, id string) (Outcome, error) {
		once.Do(func() { close(started) })
		time.Sleep(60 * time.Millisecond)
		finished.Store(true)
		return Continue, nil
	})

	s.Start("f")
	<-started
	require.NoError(t, s.StopAndWait(context.Background(), "f"))
	assert.True(t, finished.Load())
	assert.False(t, s.IsRunning("f"))
}

func TestStopAndWaitHonoursContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s := newTestScheduler(t, 5*time.Millisecond, func(ctx context.Context, id string) (Outcome, error) {
		once.Do(func() { close(started) })
		<-release
		return Continue, nil
	})
	defer close(release)

	s.Start("g")
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.StopAndWait(ctx, "g"), context.DeadlineExceeded)
}

func TestClientsAreIndependent(t *testing.T) {
	var f firings
	s := newTestScheduler(t, 10*time.Millisecond, func(ctx context.Context, id string) (Outcome, error) {
		f.add(id)
		if id == "slow" {
			time.Sleep(100 * time.Millisecond)
		}
		return Continue, nil
	})

	s.Start("slow")
	s.Start("fast")
	require.Eventually(t, func() bool { return f.count("fast") >= 5 }, time.Second, 5*time.Millisecond)
	assert.Less(t, f.count("slow"), f.count("fast"))
}

func TestTimeoutIsAppliedToPoll(t *testing.T) {
	deadlines := make(chan bool, 1)
	s := New(Config{
		Interval: 5 * time.Millisecond,
		Timeout:  time.Second,
		Poll: func(ctx context.Context, id string) (Outcome, error) {
			_, ok := ctx.Deadline()
			select {
			case deadlines <- ok:
			default:
			}
			return Halt, nil
		},
	})
	defer s.Close(context.Background())

	s.Start("h")
	select {
	case ok := <-deadlines:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("poll never ran")
	}
}

func TestForgetAndClose(t *testing.T) {
	s := New(Config{Interval: 5 * time.Millisecond, Poll: func(ctx context.Context, id string) (Outcome, error) {
		return Continue, nil
	}})
	s.Start("x")
	s.Start("y")
	s.Forget("x")
	assert.False(t, s.IsRunning("x"))
	assert.Equal(t, []string{"y"}, s.Running())

	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, s.Running())
	assert.False(t, s.Start("z"), "closed scheduler does not start timers")
}
