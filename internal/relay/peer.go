package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/park285/quiz-buzzer/internal/protocol"
)

type peer struct {
	id     string
	role   protocol.SignalType
	name   string
	hostID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	sw     *Switch

	// detached is set when a newer registration replaced this peer
	detached atomic.Bool

	cmu      sync.Mutex
	contacts map[string]bool
}

func (p *peer) noteContact(id string) {
	p.cmu.Lock()
	p.contacts[id] = true
	p.cmu.Unlock()
}

func (p *peer) contactList() []string {
	p.cmu.Lock()
	defer p.cmu.Unlock()
	out := make([]string, 0, len(p.contacts))
	for id := range p.contacts {
		out = append(out, id)
	}
	return out
}

func (p *peer) enqueue(raw []byte) {
	select {
	case <-p.done:
	case p.send <- raw:
	default:
		p.sw.log.Warn("relay_send_buffer_full", zap.String("peer", p.id))
	}
}

func (p *peer) sendFrame(t protocol.SignalType, from string, payload any) {
	f, err := protocol.NewFrame(t, from, p.id, payload)
	if err != nil {
		return
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	p.enqueue(raw)
}

func (p *peer) shutdown() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) writePump() {
	ticker := time.NewTicker(p.sw.opts.PingInterval)
	defer func() {
		ticker.Stop()
		p.shutdown()
	}()
	for {
		select {
		case <-p.done:
			return
		case raw := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.sw.opts.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				p.sw.log.Debug("relay_write_failed", zap.String("peer", p.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.sw.opts.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) readPump() {
	defer func() {
		p.sw.unregister(p)
		p.shutdown()
	}()
	_ = p.conn.SetReadDeadline(time.Now().Add(p.sw.opts.ReadTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.sw.opts.ReadTimeout))
	})
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.sw.log.Warn("relay_unexpected_close", zap.String("peer", p.id), zap.Error(err))
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(p.sw.opts.ReadTimeout))
		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			p.sendFrame(protocol.SignalError, "", protocol.ErrorPayload{Code: protocol.CodeBadRequest, Message: "bad json"})
			continue
		}
		p.sw.route(p, f)
	}
}
