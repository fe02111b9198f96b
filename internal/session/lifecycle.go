package session

import (
	"fmt"
	"time"

	"github.com/asheshgoplani/wa-deck/internal/driver"
)

// Lifecycle is a client's status as reported to callers. It extends
// driver.Status with LifecycleAbsent for clients that have no session.
type Lifecycle int

const (
	LifecycleAbsent Lifecycle = iota
	LifecycleUnknown
	LifecycleNotLoggedIn
	LifecycleLoggedIn
)

// LifecycleOf maps a driver status onto the lifecycle.
func LifecycleOf(s driver.Status) Lifecycle {
	switch s {
	case driver.StatusUnknown:
		return LifecycleUnknown
	case driver.StatusNotLoggedIn:
		return LifecycleNotLoggedIn
	case driver.StatusLoggedIn:
		return LifecycleLoggedIn
	}
	return LifecycleUnknown
}

func (l Lifecycle) String() string {
	switch l {
	case LifecycleAbsent:
		return "absent"
	case LifecycleUnknown:
		return "unknown"
	case LifecycleNotLoggedIn:
		return "not_logged_in"
	case LifecycleLoggedIn:
		return "logged_in"
	}
	return fmt.Sprintf("lifecycle(%d)", int(l))
}

func (l Lifecycle) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Lifecycle) UnmarshalText(b []byte) error {
	switch string(b) {
	case "absent":
		*l = LifecycleAbsent
	case "unknown":
		*l = LifecycleUnknown
	case "not_logged_in":
		*l = LifecycleNotLoggedIn
	case "logged_in":
		*l = LifecycleLoggedIn
	default:
		return fmt.Errorf("session: unknown lifecycle %q", b)
	}
	return nil
}

// Alive reports whether the driver answered with a definite status.
func (l Lifecycle) Alive() bool {
	switch l {
	case LifecycleNotLoggedIn, LifecycleLoggedIn:
		return true
	case LifecycleAbsent, LifecycleUnknown:
		return false
	}
	return false
}

// LoggedIn reports whether the client is authenticated.
func (l Lifecycle) LoggedIn() bool {
	switch l {
	case LifecycleLoggedIn:
		return true
	case LifecycleAbsent, LifecycleUnknown, LifecycleNotLoggedIn:
		return false
	}
	return false
}

// Info is the reportable state of one client.
type Info struct {
	ClientID   string    `json:"client_id"`
	Status     Lifecycle `json:"status"`
	IsAlive    bool      `json:"is_alive"`
	IsLoggedIn bool      `json:"is_logged_in"`
	IsTimer    bool      `json:"is_timer"`
	// Busy is set when the status could not be probed because another
	// caller held the client's lock; Status is then the cached value.
	Busy       bool      `json:"busy,omitempty"`
	Generation int       `json:"generation,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastPolled time.Time `json:"last_polled"`
	LastEvent  time.Time `json:"last_event"`
}

func newInfo(id string, l Lifecycle) Info {
	return Info{
		ClientID:   id,
		Status:     l,
		IsAlive:    l.Alive(),
		IsLoggedIn: l.LoggedIn(),
	}
}
