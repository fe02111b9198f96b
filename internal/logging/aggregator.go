package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type aggregateKey struct {
	component string
	event     string
}

// Aggregator counts high-frequency per-client events (skipped or empty
// polls) and logs one event_summary per event and window instead of one
// line per occurrence. Summaries name the number of distinct clients and
// the busiest one.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	counts map[aggregateKey]map[string]int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// A nil logger drops summaries.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return newAggregator(logger, time.Duration(intervalSecs)*time.Second)
}

func newAggregator(logger *slog.Logger, interval time.Duration) *Aggregator {
	return &Aggregator{
		logger:   logger,
		interval: interval,
		counts:   make(map[aggregateKey]map[string]int64),
		done:     make(chan struct{}),
	}
}

func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes what is pending and stops the flush loop. Safe to call twice.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
	a.flush()
}

// Pending returns the un-flushed count for event across all clients.
func (a *Aggregator) Pending(component, event string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for _, c := range a.counts[aggregateKey{component, event}] {
		n += c
	}
	return n
}

// Record counts one occurrence of event for clientID. clientID may be empty
// for events not tied to a client.
func (a *Aggregator) Record(component, event, clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggregateKey{component, event}
	per, ok := a.counts[key]
	if !ok {
		per = make(map[string]int64)
		a.counts[key] = per
	}
	per[clientID]++
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.done:
			return
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.counts) == 0 {
		a.mu.Unlock()
		return
	}
	counts := a.counts
	a.counts = make(map[aggregateKey]map[string]int64)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	keys := make([]aggregateKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return keys[i].event < keys[j].event
	})

	for _, key := range keys {
		var total, top int64
		var busiest string
		clients := 0
		for id, n := range counts[key] {
			total += n
			if id != "" {
				clients++
			}
			if n > top || (n == top && id < busiest) {
				top, busiest = n, id
			}
		}
		attrs := []any{
			slog.String("component", key.component),
			slog.String("event", key.event),
			slog.Int64("count", total),
			slog.Int("clients", clients),
			slog.Duration("window", a.interval),
		}
		if busiest != "" {
			attrs = append(attrs, slog.String("busiest_client", busiest), slog.Int64("busiest_count", top))
		}
		a.logger.Info("event_summary", attrs...)
	}
}
