// Package drivertest provides a scriptable in-memory driver.Handle for tests.
package drivertest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/wa-deck/internal/driver"
)

// Handle is a fake driver.Handle. Every method records its name and flags
// overlapping calls, which lets tests assert per-client mutual exclusion.
type Handle struct {
	ClientID string
	WorkDir  string

	mu           sync.Mutex
	status       driver.Status
	statusScript []driver.Status
	unread       [][]driver.EventGroup
	seen         []string
	calls        []string
	sent         []string
	shutdown     bool

	// CallDelay is slept inside every call, widening overlap windows.
	CallDelay time.Duration
	// StatusDelay makes Status wait before answering. A context that ends
	// first yields StatusUnknown, as a remote driver does.
	StatusDelay time.Duration
	// FetchErr, SendErr and ShutdownErr are returned by the matching calls.
	FetchErr    error
	SendErr     error
	ShutdownErr error
	// FetchHook, when set, runs inside FetchUnread before it returns.
	FetchHook func()

	inUse    atomic.Int32
	overlaps atomic.Int32
}

// NewHandle returns a fake reporting status.
func NewHandle(status driver.Status) *Handle {
	return &Handle{status: status}
}

func (h *Handle) enter(name string) func() {
	if h.inUse.Add(1) > 1 {
		h.overlaps.Add(1)
	}
	h.mu.Lock()
	h.calls = append(h.calls, name)
	delay := h.CallDelay
	h.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return func() { h.inUse.Add(-1) }
}

// SetStatus changes the steady-state status.
func (h *Handle) SetStatus(s driver.Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// ScriptStatus queues statuses returned by the next Status calls before
// falling back to the steady state.
func (h *Handle) ScriptStatus(seq ...driver.Status) {
	h.mu.Lock()
	h.statusScript = append(h.statusScript, seq...)
	h.mu.Unlock()
}

// QueueUnread queues a batch returned by the next FetchUnread.
func (h *Handle) QueueUnread(groups ...driver.EventGroup) {
	h.mu.Lock()
	h.unread = append(h.unread, groups)
	h.mu.Unlock()
}

// Calls returns the recorded method names in order.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// CallCount returns how many times method was called.
func (h *Handle) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Seen returns chat ids passed to MarkSeen.
func (h *Handle) Seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

// Sent returns "chatID:payload" entries for SendText and SendMedia.
func (h *Handle) Sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

// IsShutdown reports whether Shutdown was called.
func (h *Handle) IsShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdown
}

// Overlaps counts calls that started while another call was in progress.
func (h *Handle) Overlaps() int {
	return int(h.overlaps.Load())
}

func (h *Handle) Status(ctx context.Context) driver.Status {
	defer h.enter("Status")()
	if h.StatusDelay > 0 {
		select {
		case <-time.After(h.StatusDelay):
		case <-ctx.Done():
			return driver.StatusUnknown
		}
	}
	if ctx.Err() != nil {
		return driver.StatusUnknown
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return driver.StatusUnknown
	}
	if len(h.statusScript) > 0 {
		s := h.statusScript[0]
		h.statusScript = h.statusScript[1:]
		return s
	}
	return h.status
}

func (h *Handle) FetchUnread(ctx context.Context) ([]driver.EventGroup, error) {
	defer h.enter("FetchUnread")()
	if h.FetchHook != nil {
		h.FetchHook()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FetchErr != nil {
		return nil, h.FetchErr
	}
	if len(h.unread) == 0 {
		return nil, nil
	}
	batch := h.unread[0]
	h.unread = h.unread[1:]
	return batch, nil
}

func (h *Handle) MarkSeen(ctx context.Context, chatID string) error {
	defer h.enter("MarkSeen")()
	h.mu.Lock()
	h.seen = append(h.seen, chatID)
	h.mu.Unlock()
	return nil
}

func (h *Handle) SendText(ctx context.Context, chatID, text string) (driver.SendResult, error) {
	defer h.enter("SendText")()
	if h.SendErr != nil {
		return driver.SendResult{}, h.SendErr
	}
	h.mu.Lock()
	h.sent = append(h.sent, chatID+":"+text)
	n := len(h.sent)
	h.mu.Unlock()
	return driver.SendResult{MessageID: fmt.Sprintf("msg-%d", n), ChatID: chatID}, nil
}

func (h *Handle) SendMedia(ctx context.Context, chatID, path, caption string) (driver.SendResult, error) {
	defer h.enter("SendMedia")()
	if h.SendErr != nil {
		return driver.SendResult{}, h.SendErr
	}
	if _, err := os.Stat(path); err != nil {
		return driver.SendResult{}, err
	}
	h.mu.Lock()
	h.sent = append(h.sent, chatID+":"+path+":"+caption)
	n := len(h.sent)
	h.mu.Unlock()
	return driver.SendResult{MessageID: fmt.Sprintf("msg-%d", n), ChatID: chatID}, nil
}

// PNG is the image the fake returns for Screenshot and QRCode.
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func (h *Handle) Screenshot(ctx context.Context) ([]byte, error) {
	defer h.enter("Screenshot")()
	return PNG, nil
}

func (h *Handle) QRCode(ctx context.Context) ([]byte, error) {
	defer h.enter("QRCode")()
	return PNG, nil
}

func (h *Handle) QRPlain(ctx context.Context) (string, error) {
	defer h.enter("QRPlain")()
	return "qr:" + h.ClientID, nil
}

func (h *Handle) OpenHere(ctx context.Context) error {
	defer h.enter("OpenHere")()
	return nil
}

func (h *Handle) Chats(ctx context.Context) ([]driver.Chat, error) {
	defer h.enter("Chats")()
	return []driver.Chat{{ID: "chat-1", Name: "One"}}, nil
}

func (h *Handle) ChatByPhone(ctx context.Context, number string, create bool) (driver.Chat, error) {
	defer h.enter("ChatByPhone")()
	return driver.Chat{ID: number + "@c.us"}, nil
}

func (h *Handle) Messages(ctx context.Context, chatID string, q driver.MessageQuery) ([]driver.Message, error) {
	defer h.enter("Messages")()
	msgs := []driver.Message{{ID: "in-1", ChatID: chatID, Body: "hello"}}
	if q.IncludeMe {
		msgs = append(msgs, driver.Message{ID: "out-1", ChatID: chatID, FromMe: true, Body: "hi"})
	}
	return msgs, nil
}

func (h *Handle) Shutdown(ctx context.Context) error {
	defer h.enter("Shutdown")()
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()
	return h.ShutdownErr
}

// Factory builds fake handles and counts constructions per client.
type Factory struct {
	// Delay is slept inside every construction.
	Delay time.Duration
	// Err, when set, fails every construction.
	Err error
	// Status is the initial status of new handles.
	Status driver.Status
	// Setup, when set, customises each new handle before it is returned.
	Setup func(h *Handle)

	mu      sync.Mutex
	total   int
	handles map[string][]*Handle
	opts    []driver.Options
}

// NewFactory returns a factory whose handles start in status.
func NewFactory(status driver.Status) *Factory {
	return &Factory{Status: status, handles: make(map[string][]*Handle)}
}

// Build satisfies driver.Factory.
func (f *Factory) Build(ctx context.Context, opts driver.Options) (driver.Handle, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.total++
	f.opts = append(f.opts, opts)
	if f.Err != nil {
		return nil, f.Err
	}
	h := NewHandle(f.Status)
	h.ClientID = opts.ClientID
	h.WorkDir = opts.WorkDir
	if f.Setup != nil {
		f.Setup(h)
	}
	if f.handles == nil {
		f.handles = make(map[string][]*Handle)
	}
	f.handles[opts.ClientID] = append(f.handles[opts.ClientID], h)
	return h, nil
}

// Constructed returns the number of construction attempts for clientID.
// An empty id counts every attempt.
func (f *Factory) Constructed(clientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clientID == "" {
		return f.total
	}
	n := 0
	for _, o := range f.opts {
		if o.ClientID == clientID {
			n++
		}
	}
	return n
}

// Latest returns the most recently built handle for clientID, or nil.
func (f *Factory) Latest(clientID string) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handles[clientID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// All returns every handle built for clientID, oldest first.
func (f *Factory) All(clientID string) []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Handle(nil), f.handles[clientID]...)
}

// SetErr changes the construction error at runtime.
func (f *Factory) SetErr(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}
