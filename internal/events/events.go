// Package events delivers drained inbound batches to interested parties.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/asheshgoplani/wa-deck/internal/driver"
	"github.com/asheshgoplani/wa-deck/internal/logging"
)

var eventsLog = logging.ForComponent(logging.CompEvents)

// Batch is one poll's worth of unread messages for a client.
type Batch struct {
	ClientID string              `json:"client_id"`
	Groups   []driver.EventGroup `json:"groups"`
	At       time.Time           `json:"at"`
}

// MessageCount returns the number of messages across all groups.
func (b Batch) MessageCount() int {
	n := 0
	for _, g := range b.Groups {
		n += len(g.Messages)
	}
	return n
}

// Sink receives batches. Deliver is called outside the client's lock.
type Sink interface {
	Deliver(ctx context.Context, b Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, b Batch) error

func (f SinkFunc) Deliver(ctx context.Context, b Batch) error { return f(ctx, b) }

// Multi fans a batch out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, b Batch) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes one line per batch.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, b Batch) error {
	chats := make([]string, 0, len(b.Groups))
	for _, g := range b.Groups {
		chats = append(chats, g.Chat.ID)
	}
	eventsLog.Info("inbound_batch",
		slog.String("client_id", b.ClientID),
		slog.Int("chats", len(b.Groups)),
		slog.Int("messages", b.MessageCount()),
		slog.Any("chat_ids", chats))
	return nil
}
