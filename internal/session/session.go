// Package session implements both ends of the handshake contract. Host keeps
// one Session per persistent identity across reconnects; Client owns the
// device identity, the outbound queue and reconnection.
package session

import (
	"errors"
	"time"

	"github.com/park285/quiz-buzzer/internal/protocol"
	"github.com/park285/quiz-buzzer/internal/quality"
)

var (
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")
	ErrHandshakeTimeout        = errors.New("handshake timeout")
	ErrNotConnected            = errors.New("not connected")
	ErrClosed                  = errors.New("session closed")
)

type Status string

const (
	StatusActive       Status = "active"
	StatusStale        Status = "stale"
	StatusDisconnected Status = "disconnected"
)

// Session is the host-side record of one client identity.
type Session struct {
	PeerID       string
	PersistentID string
	DisplayName  string
	TeamID       string
	JoinedAt     time.Time
	LastSeenAt   time.Time
	Quality      quality.Snapshot
	Status       Status
}

// Player renders the roster entry broadcast in COMMANDS_SYNC.
func (s Session) Player() protocol.PlayerInfo {
	return protocol.PlayerInfo{
		PersistentID: s.PersistentID,
		DisplayName:  s.DisplayName,
		TeamID:       s.TeamID,
		Status:       string(s.Status),
		HealthScore:  s.Quality.HealthScore,
	}
}

type EventKind int

const (
	EventJoined EventKind = iota + 1
	EventMessage
	EventStatus
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventMessage:
		return "message"
	case EventStatus:
		return "status"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is what Host reports to its consumer. Session is a snapshot taken when the event fired.
type Event struct {
	Kind        EventKind
	Session     Session
	Message     protocol.Message
	ReceivedAt  time.Time
	Reconnected bool
	Reason      string
}

// idCache remembers the last n message ids of one session.
type idCache struct {
	seen map[string]struct{}
	ring []string
	next int
}

func newIDCache(n int) *idCache {
	return &idCache{seen: make(map[string]struct{}, n), ring: make([]string, n)}
}

// Seen records id and reports whether it was already present.
func (c *idCache) Seen(id string) bool {
	if _, ok := c.seen[id]; ok {
		return true
	}
	if old := c.ring[c.next]; old != "" {
		delete(c.seen, old)
	}
	c.ring[c.next] = id
	c.seen[id] = struct{}{}
	c.next = (c.next + 1) % len(c.ring)
	return false
}
