// Package registry maps client ids to their live driver handles.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/wa-deck/internal/driver"
	"github.com/asheshgoplani/wa-deck/internal/logging"
)

var regLog = logging.ForComponent(logging.CompRegistry)

// ErrInvalidID is returned for client ids that are unsafe as directory names.
var ErrInvalidID = errors.New("registry: invalid client id")

var validID = regexp.MustCompile(`^[A-Za-z0-9._@+-]{1,128}$`)

// ValidateID rejects ids that could escape the cache root.
func ValidateID(id string) error {
	if !validID.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Recorder persists registry membership. Failures are logged, never fatal.
type Recorder interface {
	RecordClient(id, workDir string, at time.Time) error
	DeleteClient(id string) error
}

// Config configures a Registry.
type Config struct {
	// CacheDir is the root holding one working directory per client.
	CacheDir string
	Endpoint string
	Factory  driver.Factory

	ConstructTimeout time.Duration
	CallTimeout      time.Duration

	// Recorder is optional.
	Recorder Recorder
	// OnConstruct is called after every construction attempt.
	OnConstruct func(id string, took time.Duration, err error)
}

// Entry is a registered client.
type Entry struct {
	ID        string
	Handle    driver.Handle
	WorkDir   string
	CreatedAt time.Time
	// Generation counts constructions for this id since it was registered.
	Generation int
}

// Registry is safe for concurrent use. Construction for one id happens at
// most once at a time; other callers for the same id share its result.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*Entry

	sf singleflight.Group
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	if cfg.ConstructTimeout <= 0 {
		cfg.ConstructTimeout = 60 * time.Second
	}
	return &Registry{cfg: cfg, entries: make(map[string]*Entry)}
}

// WorkDir returns the private working directory for id.
func (r *Registry) WorkDir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(r.cfg.CacheDir, id), nil
}

// Get returns the handle for id without constructing one.
func (r *Registry) Get(id string) (driver.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

// Lookup returns a copy of id's entry.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Ensure returns id's handle, constructing and registering one if absent.
// Concurrent callers for the same unseen id share a single construction.
func (r *Registry) Ensure(ctx context.Context, id string) (driver.Handle, error) {
	if h, ok := r.Get(id); ok {
		return h, nil
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	v, err, _ := r.sf.Do(id, func() (any, error) {
		// Double-check: a previous flight may have just finished.
		if h, ok := r.Get(id); ok {
			return h, nil
		}
		e, err := r.construct(ctx, id)
		if err != nil {
			return nil, err
		}
		e.Generation = 1

		r.mu.Lock()
		r.entries[id] = e
		r.mu.Unlock()

		r.record(e)
		regLog.Info("session_constructed", slog.String("client_id", id), slog.String("work_dir", e.WorkDir))
		return e.Handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Handle), nil
}

// Replace builds a fresh handle for id and swaps it in, shutting the previous
// one down. It is the self-heal path for a handle that stopped responding.
func (r *Registry) Replace(ctx context.Context, id string) (driver.Handle, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	v, err, _ := r.sf.Do(id, func() (any, error) {
		e, err := r.construct(ctx, id)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		old := r.entries[id]
		if old != nil {
			e.CreatedAt = old.CreatedAt
			e.Generation = old.Generation + 1
		} else {
			e.Generation = 1
		}
		r.entries[id] = e
		r.mu.Unlock()

		if old != nil {
			r.shutdown(ctx, id, old.Handle)
		}
		r.record(e)
		regLog.Warn("session_replaced", slog.String("client_id", id), slog.Int("generation", e.Generation))
		return e.Handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Handle), nil
}

func (r *Registry) construct(ctx context.Context, id string) (*Entry, error) {
	workDir, err := r.WorkDir(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("registry: create work dir for %s: %w", id, err)
	}

	// Waiters share this construction, so one caller's cancellation must not
	// abort it for the others.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ConstructTimeout)
	defer cancel()

	start := time.Now()
	h, err := r.cfg.Factory(cctx, driver.Options{
		ClientID:    id,
		WorkDir:     workDir,
		Endpoint:    r.cfg.Endpoint,
		CallTimeout: r.cfg.CallTimeout,
	})
	took := time.Since(start)
	if r.cfg.OnConstruct != nil {
		r.cfg.OnConstruct(id, took, err)
	}
	if err != nil {
		regLog.Error("session_construct_failed",
			slog.String("client_id", id),
			slog.Duration("took", took),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("registry: construct %s: %w", id, err)
	}
	return &Entry{ID: id, Handle: h, WorkDir: workDir, CreatedAt: time.Now()}, nil
}

// Remove unregisters id and shuts its handle down. Unless preserveCache is
// set the working directory is deleted too. Removing an unknown id is a
// no-op. Shutdown failures are logged; directory removal failures are returned.
func (r *Registry) Remove(ctx context.Context, id string, preserveCache bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.shutdown(ctx, id, e.Handle)

	if rec := r.cfg.Recorder; rec != nil {
		if err := rec.DeleteClient(id); err != nil {
			regLog.Warn("record_delete_failed", slog.String("client_id", id), slog.String("error", err.Error()))
		}
	}

	regLog.Info("session_removed", slog.String("client_id", id), slog.Bool("preserve_cache", preserveCache))
	if preserveCache {
		return nil
	}
	if err := os.RemoveAll(e.WorkDir); err != nil {
		return fmt.Errorf("registry: remove work dir for %s: %w", id, err)
	}
	return nil
}

// ShutdownAll shuts every handle down and empties the registry, keeping
// working directories and recorded membership so clients can be restored.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range entries {
		wg.Add(1)
		go func(id string, h driver.Handle) {
			defer wg.Done()
			r.shutdown(ctx, id, h)
		}(id, e.Handle)
	}
	wg.Wait()
	if len(entries) > 0 {
		regLog.Info("sessions_shutdown", slog.Int("count", len(entries)))
	}
}

func (r *Registry) shutdown(ctx context.Context, id string, h driver.Handle) {
	if h == nil {
		return
	}
	if err := h.Shutdown(ctx); err != nil {
		regLog.Warn("session_shutdown_failed", slog.String("client_id", id), slog.String("error", err.Error()))
	}
}

func (r *Registry) record(e *Entry) {
	rec := r.cfg.Recorder
	if rec == nil {
		return
	}
	if err := rec.RecordClient(e.ID, e.WorkDir, time.Now()); err != nil {
		regLog.Warn("record_client_failed", slog.String("client_id", e.ID), slog.String("error", err.Error()))
	}
}

// List returns a snapshot of every entry, ordered by id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	entries := r.List()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
