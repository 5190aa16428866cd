// Package transport carries opaque application messages to one remote peer over a
// direct WebSocket link or a relay-forwarded link, with transparent failover
// between the two.
package transport

import (
	"errors"
	"sync"
)

var ErrChannelUnavailable = errors.New("channel unavailable")

type Path string

const (
	PathDirect Path = "direct"
	PathRelay  Path = "relay"
	PathPipe   Path = "pipe"
)

// Channel is one message-oriented connection to a single remote peer.
// Send never blocks; false means the message was not handed to the link.
// Incoming is not closed on shutdown; select on Done as well.
type Channel interface {
	ID() string
	Path() Path
	Send(data []byte) bool
	Incoming() <-chan []byte
	Done() <-chan struct{}
	IsOpen() bool
	Close() error
}

const incomingBuffer = 256

type lifecycle struct {
	done chan struct{}
	once sync.Once
}

func newLifecycle() lifecycle { return lifecycle{done: make(chan struct{})} }

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) IsOpen() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// shut reports whether this call performed the close.
func (l *lifecycle) shut() bool {
	closed := false
	l.once.Do(func() {
		close(l.done)
		closed = true
	})
	return closed
}
