package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/wa-deck/internal/driver"
	"github.com/asheshgoplani/wa-deck/internal/driver/drivertest"
)

type memRecorder struct {
	mu      sync.Mutex
	records map[string]string
	deleted []string
}

func (m *memRecorder) RecordClient(id, workDir string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = map[string]string{}
	}
	m.records[id] = workDir
	return nil
}

func (m *memRecorder) DeleteClient(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func newTestRegistry(t *testing.T, f *drivertest.Factory) (*Registry, string) {
	t.Helper()
	cache := t.TempDir()
	return New(Config{CacheDir: cache, Endpoint: "ws://test", Factory: f.Build}), cache
}

func TestValidateID(t *testing.T) {
	valid := []string{"alice", "4915112345678", "a.b", "user@host", "x+y", "A_b-C"}
	for _, id := range valid {
		assert.NoError(t, ValidateID(id), id)
	}
	invalid := []string{"", ".", "..", "../etc", "a/b", "a b", "ä", string(make([]byte, 129))}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidID, "%q", id)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusNotLoggedIn)
	r, cache := newTestRegistry(t, f)

	h1, err := r.Ensure(context.Background(), "alice")
	require.NoError(t, err)
	h2, err := r.Ensure(context.Background(), "alice")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, f.Constructed("alice"))
	assert.DirExists(t, filepath.Join(cache, "alice"))

	e, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, 1, e.Generation)
	assert.Equal(t, filepath.Join(cache, "alice"), e.WorkDir)
}

func TestConcurrentEnsureConstructsOnce(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusNotLoggedIn)
	f.Delay = 100 * time.Millisecond
	r, _ := newTestRegistry(t, f)

	const callers = 8
	handles := make([]driver.Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Ensure(context.Background(), "X")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.Constructed("X"))
	for i := 1; i < callers; i++ {
		assert.Same(t, handles[0], handles[i])
	}
}

func TestEnsureRejectsInvalidIDBeforeTouchingDisk(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusNotLoggedIn)
	r, cache := newTestRegistry(t, f)

	_, err := r.Ensure(context.Background(), "../escape")
	require.ErrorIs(t, err, ErrInvalidID)
	assert.Equal(t, 0, f.Constructed(""))

	entries, _ := os.ReadDir(cache)
	assert.Empty(t, entries)
}

func TestEnsureConstructionFailure(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusNotLoggedIn)
	boom := errors.New("endpoint down")
	f.Err = boom
	var observed error
	cache := t.TempDir()
	r := New(Config{
		CacheDir: cache,
		Factory:  f.Build,
		OnConstruct: func(id string, took time.Duration, err error) {
			observed = err
		},
	})

	_, err := r.Ensure(context.Background(), "bob")
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, observed, boom)
	assert.False(t, r.Has("bob"))

	// A later attempt constructs again.
	f.SetErr(nil)
	_, err = r.Ensure(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, f.Constructed("bob"))
}

func TestEnsureSurvivesCallerCancellation(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusNotLoggedIn)
	f.Delay = 50 * time.Millisecond
	r, _ := newTestRegistry(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Ensure(ctx, "c")
	require.NoError(t, err)
	assert.True(t, r.Has("c"))
}

func TestReplaceSwapsAndShutsDownOld(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusLoggedIn)
	r, _ := newTestRegistry(t, f)

	old, err := r.Ensure(context.Background(), "d")
	require.NoError(t, err)
	created, _ := r.Lookup("d")

	fresh, err := r.Replace(context.Background(), "d")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.True(t, old.(*drivertest.Handle).IsShutdown())

	got, ok := r.Get("d")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	e, _ := r.Lookup("d")
	assert.Equal(t, 2, e.Generation)
	assert.Equal(t, created.CreatedAt, e.CreatedAt)
}

func TestReplaceFailureKeepsOldEntry(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusLoggedIn)
	r, _ := newTestRegistry(t, f)
	old, err := r.Ensure(context.Background(), "e")
	require.NoError(t, err)

	f.SetErr(errors.New("no capacity"))
	_, err = r.Replace(context.Background(), "e")
	require.Error(t, err)

	got, ok := r.Get("e")
	require.True(t, ok)
	assert.Same(t, old, got)
}

func TestRemoveDeletesWorkDir(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusLoggedIn)
	r, cache := newTestRegistry(t, f)
	h, err := r.Ensure(context.Background(), "f")
	require.NoError(t, err)
	dir := filepath.Join(cache, "f")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile.dat"), []byte("x"), 0o600))

	require.NoError(t, r.Remove(context.Background(), "f", false))
	assert.NoDirExists(t, dir)
	assert.False(t, r.Has("f"))
	assert.True(t, h.(*drivertest.Handle).IsShutdown())

	// Recreated on next ensure.
	h2, err := r.Ensure(context.Background(), "f")
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
}

func TestRemovePreserveCacheKeepsWorkDir(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusLoggedIn)
	r, cache := newTestRegistry(t, f)
	_, err := r.Ensure(context.Background(), "g")
	require.NoError(t, err)

	require.NoError(t, r.Remove(context.Background(), "g", true))
	assert.DirExists(t, filepath.Join(cache, "g"))
	assert.False(t, r.Has("g"))
}

func TestRemoveSwallowsShutdownError(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusLoggedIn)
	f.Setup = func(h *drivertest.Handle) { h.ShutdownErr = errors.New("already dead") }
	r, _ := newTestRegistry(t, f)
	_, err := r.Ensure(context.Background(), "h")
	require.NoError(t, err)

	assert.NoError(t, r.Remove(context.Background(), "h", false))
}

func TestRemoveMissingIsNoop(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusLoggedIn)
	r, _ := newTestRegistry(t, f)
	assert.NoError(t, r.Remove(context.Background(), "nobody", false))
}

func TestRecorderTracksMembership(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusLoggedIn)
	rec := &memRecorder{}
	r := New(Config{CacheDir: t.TempDir(), Factory: f.Build, Recorder: rec})

	_, err := r.Ensure(context.Background(), "i")
	require.NoError(t, err)
	rec.mu.Lock()
	assert.Contains(t, rec.records, "i")
	rec.mu.Unlock()

	require.NoError(t, r.Remove(context.Background(), "i", true))
	rec.mu.Lock()
	assert.NotContains(t, rec.records, "i")
	assert.Equal(t, []string{"i"}, rec.deleted)
	rec.mu.Unlock()
}

func TestListIsSortedSnapshot(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusLoggedIn)
	r, _ := newTestRegistry(t, f)
	for _, id := range []string{"c", "a", "b"} {
		_, err := r.Ensure(context.Background(), id)
		require.NoError(t, err)
	}

	snap := r.List()
	require.NoError(t, r.Remove(context.Background(), "b", false))

	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "c", snap[2].ID)
	assert.Equal(t, []string{"a", "c"}, r.IDs())
	assert.Equal(t, 2, r.Len())
}

func TestShutdownAllKeepsCacheAndRecords(t *testing.T) {
	f := drivertest.NewFactory(driver.StatusLoggedIn)
	rec := &memRecorder{}
	cache := t.TempDir()
	r := New(Config{CacheDir: cache, Factory: f.Build, Recorder: rec})
	for _, id := range []string{"a", "b"} {
		_, err := r.Ensure(context.Background(), id)
		require.NoError(t, err)
	}

	r.ShutdownAll(context.Background())

	assert.Equal(t, 0, r.Len())
	assert.True(t, f.Latest("a").IsShutdown())
	assert.True(t, f.Latest("b").IsShutdown())
	assert.DirExists(t, filepath.Join(cache, "a"))
	rec.mu.Lock()
	assert.Len(t, rec.records, 2)
	rec.mu.Unlock()
}
