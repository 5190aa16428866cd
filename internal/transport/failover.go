package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/park285/quiz-buzzer/internal/obslog"
)

// Bundle presents every link to one remote peer as a single Channel.
// Send prefers an open direct link and falls back to relay; Done fires
// once the last attached link is gone. Ordering is per link only.
type Bundle struct {
	peerID string
	in     chan []byte
	lc     lifecycle
	log    *zap.Logger

	mu    sync.RWMutex
	links []Channel
}

func NewBundle(peerID string, first Channel) *Bundle {
	b := &Bundle{
		peerID: peerID,
		in:     make(chan []byte, incomingBuffer),
		lc:     newLifecycle(),
		log:    obslog.Named("transport").With(zap.String("peer", peerID)),
	}
	if first != nil {
		b.Attach(first)
	}
	return b
}

// Attach adds a link. It returns false once the bundle has closed; ch is left untouched.
func (b *Bundle) Attach(ch Channel) bool {
	b.mu.Lock()
	if !b.lc.IsOpen() {
		b.mu.Unlock()
		return false
	}
	b.links = append(b.links, ch)
	b.mu.Unlock()
	b.log.Info("link_attached", zap.String("path", string(ch.Path())))
	go b.forward(ch)
	return true
}

func (b *Bundle) forward(ch Channel) {
	defer b.detach(ch)
	for {
		select {
		case data := <-ch.Incoming():
			if !b.push(data) {
				return
			}
		case <-ch.Done():
			for {
				select {
				case data := <-ch.Incoming():
					if !b.push(data) {
						return
					}
				default:
					return
				}
			}
		case <-b.lc.done:
			return
		}
	}
}

func (b *Bundle) push(data []byte) bool {
	select {
	case b.in <- data:
		return true
	case <-b.lc.done:
		return false
	}
}

func (b *Bundle) detach(ch Channel) {
	b.mu.Lock()
	for i, l := range b.links {
		if l == ch {
			b.links = append(b.links[:i], b.links[i+1:]...)
			break
		}
	}
	empty := len(b.links) == 0
	wasOpen := b.lc.IsOpen()
	if empty {
		b.lc.shut()
	}
	b.mu.Unlock()
	if wasOpen {
		b.log.Info("link_detached", zap.String("path", string(ch.Path())), zap.Bool("last", empty))
	}
}

func (b *Bundle) preferred() Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var fallback Channel
	for _, l := range b.links {
		if !l.IsOpen() {
			continue
		}
		if l.Path() == PathDirect {
			return l
		}
		if fallback == nil {
			fallback = l
		}
	}
	return fallback
}

func (b *Bundle) ID() string              { return b.peerID }
func (b *Bundle) Incoming() <-chan []byte { return b.in }
func (b *Bundle) Done() <-chan struct{}   { return b.lc.Done() }
func (b *Bundle) IsOpen() bool            { return b.lc.IsOpen() }

// Path reports the link Send would use now.
func (b *Bundle) Path() Path {
	if l := b.preferred(); l != nil {
		return l.Path()
	}
	return ""
}

// HasPath reports whether an open link on p is attached.
func (b *Bundle) HasPath(p Path) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.links {
		if l.Path() == p && l.IsOpen() {
			return true
		}
	}
	return false
}

// Send tries the preferred link, then any other open link.
func (b *Bundle) Send(data []byte) bool {
	if !b.lc.IsOpen() {
		return false
	}
	first := b.preferred()
	if first == nil {
		return false
	}
	if first.Send(data) {
		return true
	}
	b.mu.RLock()
	others := make([]Channel, 0, len(b.links))
	for _, l := range b.links {
		if l != first && l.IsOpen() {
			others = append(others, l)
		}
	}
	b.mu.RUnlock()
	for _, l := range others {
		if l.Send(data) {
			b.log.Debug("send_fallback", zap.String("path", string(l.Path())))
			return true
		}
	}
	return false
}

func (b *Bundle) Close() error {
	b.mu.Lock()
	links := append([]Channel(nil), b.links...)
	b.lc.shut()
	b.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
	return nil
}
