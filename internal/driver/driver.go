// Package driver defines the contract of a per-client automation handle and
// ships a websocket implementation that talks to a remote automation endpoint.
package driver

import (
	"context"
	"time"
)

// Status is the coarse state a handle reports for its client.
type Status int

const (
	// StatusUnknown means the handle could not determine its state. It is an
	// anomaly signal: callers re-create the handle when they observe it.
	StatusUnknown Status = iota
	StatusNotLoggedIn
	StatusLoggedIn
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusNotLoggedIn:
		return "not_logged_in"
	case StatusLoggedIn:
		return "logged_in"
	}
	return "unknown"
}

// MarshalText encodes the status as its snake_case name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name. Unrecognised names become StatusUnknown.
func (s *Status) UnmarshalText(b []byte) error {
	*s = ParseStatus(string(b))
	return nil
}

// ParseStatus maps a status name to a Status.
func ParseStatus(name string) Status {
	switch name {
	case "not_logged_in", "NotLoggedIn":
		return StatusNotLoggedIn
	case "logged_in", "LoggedIn":
		return StatusLoggedIn
	}
	return StatusUnknown
}

// Alive reports whether the handle is usable (logged in or waiting for login).
func (s Status) Alive() bool {
	switch s {
	case StatusNotLoggedIn, StatusLoggedIn:
		return true
	case StatusUnknown:
		return false
	}
	return false
}

// LoggedIn reports whether the client is authenticated.
func (s Status) LoggedIn() bool {
	switch s {
	case StatusLoggedIn:
		return true
	case StatusUnknown, StatusNotLoggedIn:
		return false
	}
	return false
}

// Chat is a conversation known to the client.
type Chat struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Kind   string `json:"kind,omitempty"` // user, group, broadcast
	Unread int    `json:"unread,omitempty"`
}

// Message is a single chat message.
type Message struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id"`
	Sender       string    `json:"sender,omitempty"`
	FromMe       bool      `json:"from_me,omitempty"`
	Type         string    `json:"type,omitempty"`
	Body         string    `json:"body,omitempty"`
	Caption      string    `json:"caption,omitempty"`
	Notification bool      `json:"notification,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventGroup is the unread messages of one chat.
type EventGroup struct {
	Chat     Chat      `json:"chat"`
	Messages []Message `json:"messages"`
}

// SendResult describes a message accepted by the remote service.
type SendResult struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// MessageQuery filters Messages.
type MessageQuery struct {
	IncludeMe            bool `json:"include_me"`
	IncludeNotifications bool `json:"include_notifications"`
}

// Handle is one client's live automation session. Implementations are not
// required to be safe for concurrent use; callers serialize access per client.
type Handle interface {
	// Status never fails: anything that prevents determining the state
	// yields StatusUnknown.
	Status(ctx context.Context) Status

	FetchUnread(ctx context.Context) ([]EventGroup, error)
	MarkSeen(ctx context.Context, chatID string) error
	SendText(ctx context.Context, chatID, text string) (SendResult, error)
	SendMedia(ctx context.Context, chatID, path, caption string) (SendResult, error)

	// Screenshot and QRCode return PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	QRCode(ctx context.Context) ([]byte, error)
	QRPlain(ctx context.Context) (string, error)
	OpenHere(ctx context.Context) error

	Chats(ctx context.Context) ([]Chat, error)
	ChatByPhone(ctx context.Context, number string, create bool) (Chat, error)
	Messages(ctx context.Context, chatID string, q MessageQuery) ([]Message, error)

	Shutdown(ctx context.Context) error
}

// Options carries what a Factory needs to build a handle.
type Options struct {
	ClientID string
	// WorkDir is the client's private profile directory. It exists before
	// the factory is called.
	WorkDir  string
	Endpoint string
	// CallTimeout bounds each command. Zero uses DefaultCallTimeout.
	CallTimeout time.Duration
}

// Factory builds a handle. It is expensive and may block for a long time.
type Factory func(ctx context.Context, opts Options) (Handle, error)

// DefaultCallTimeout bounds a command when Options.CallTimeout is zero.
const DefaultCallTimeout = 30 * time.Second
