package logging

import (
	"os"
	"sync"
)

// RingBuffer keeps the newest log records within a byte budget. Every Write
// is stored as one record (slog handlers emit one record per call), and the
// oldest records are evicted whole, so tails never start mid-record.
type RingBuffer struct {
	mu      sync.Mutex
	records [][]byte
	used    int
	limit   int
	evicted int64
}

// NewRingBuffer creates a ring buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10 * 1024 * 1024
	}
	return &RingBuffer{limit: size}
}

// Write implements io.Writer. A record larger than the budget keeps only its
// last size bytes.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	if n > rb.limit {
		p = p[n-rb.limit:]
	}
	rec := make([]byte, len(p))
	copy(rec, p)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.records = append(rb.records, rec)
	rb.used += len(rec)
	for rb.used > rb.limit {
		rb.used -= len(rb.records[0])
		rb.records[0] = nil
		rb.records = rb.records[1:]
		rb.evicted++
	}
	return n, nil
}

// Len returns the number of retained records.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.records)
}

// Evicted returns how many records were dropped to stay within budget.
func (rb *RingBuffer) Evicted() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.evicted
}

// Bytes returns every retained record, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	return rb.Tail(0)
}

// Tail returns the newest whole records that fit in n bytes, oldest first.
// n <= 0 returns everything. When even the newest record exceeds n, its
// last n bytes are returned.
func (rb *RingBuffer) Tail(n int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n <= 0 || n >= rb.used {
		out := make([]byte, 0, rb.used)
		for _, rec := range rb.records {
			out = append(out, rec...)
		}
		return out
	}

	first, size := len(rb.records), 0
	for first > 0 && size+len(rb.records[first-1]) <= n {
		first--
		size += len(rb.records[first])
	}
	if first == len(rb.records) {
		last := rb.records[len(rb.records)-1]
		out := make([]byte, n)
		copy(out, last[len(last)-n:])
		return out
	}
	out := make([]byte, 0, size)
	for _, rec := range rb.records[first:] {
		out = append(out, rec...)
	}
	return out
}

// DumpToFile writes every retained record to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
