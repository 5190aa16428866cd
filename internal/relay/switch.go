// Package relay is a reference signalling switch: peers register as host or
// client, frames addressed with "to" are forwarded with "from" stamped by the
// switch, and disconnects are announced to the other side.
package relay

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
)

type Options struct {
	AllowedOrigins []string
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	RegisterWait   time.Duration
	MaxMessageSize int64
}

func DefaultOptions() Options {
	return Options{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		RegisterWait:   10 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

type Switch struct {
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu    sync.RWMutex
	peers map[string]*peer
}

func New(opts Options) *Switch {
	d := DefaultOptions()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = d.WriteTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = d.ReadTimeout
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.ReadTimeout {
		opts.PingInterval = opts.ReadTimeout * 9 / 10
	}
	if opts.RegisterWait <= 0 {
		opts.RegisterWait = d.RegisterWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = d.MaxMessageSize
	}
	s := &Switch{
		opts:  opts,
		log:   obslog.Named("relay"),
		peers: make(map[string]*peer),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Switch) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades and runs one peer until it disconnects.
func (s *Switch) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("relay_upgrade_failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageSize)

	p, ok := s.register(conn)
	if !ok {
		_ = conn.Close()
		return
	}
	go p.writePump()
	p.readPump()
}

func (s *Switch) register(conn *websocket.Conn) (*peer, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.RegisterWait))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, false
	}
	reject := func(code, msg string) (*peer, bool) {
		reply, _ := protocol.NewFrame(protocol.SignalError, "", "", protocol.ErrorPayload{Code: code, Message: msg})
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		_ = conn.WriteJSON(reply)
		return nil, false
	}
	if f.Type != protocol.SignalRegisterHost && f.Type != protocol.SignalRegisterClient {
		return reject(protocol.CodeNotRegistered, "register first")
	}
	var reg protocol.Register
	if err := json.Unmarshal(f.Payload, &reg); err != nil || reg.PeerID == "" {
		return reject(protocol.CodeBadRequest, "peerId required")
	}

	p := &peer{
		id:       reg.PeerID,
		role:     f.Type,
		name:     reg.Name,
		hostID:   reg.HostID,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		contacts: make(map[string]bool),
		sw:       s,
	}
	if p.hostID != "" {
		p.contacts[p.hostID] = true
	}

	s.mu.Lock()
	if p.role == protocol.SignalRegisterClient && p.hostID != "" {
		h, ok := s.peers[p.hostID]
		if !ok || h.role != protocol.SignalRegisterHost {
			s.mu.Unlock()
			return reject(protocol.CodeHostNotFound, p.hostID)
		}
		h.noteContact(p.id)
	}
	old := s.peers[p.id]
	s.peers[p.id] = p
	s.mu.Unlock()
	if old != nil {
		old.detached.Store(true)
		old.shutdown()
	}

	_ = conn.SetReadDeadline(time.Time{})
	p.sendFrame(protocol.SignalRegistered, "", protocol.Registered{PeerID: p.id})
	s.log.Info("relay_peer_registered", zap.String("peer", p.id), zap.String("role", string(p.role)), zap.String("host", p.hostID))
	return p, true
}

func (s *Switch) lookup(id string) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// route handles one frame from p after registration.
func (s *Switch) route(p *peer, f protocol.Frame) {
	switch f.Type {
	case protocol.SignalRelay, protocol.SignalOffer, protocol.SignalAnswer, protocol.SignalICECandidate:
		f.From = p.id
		target := s.lookup(f.To)
		if target == nil || f.To == "" {
			p.sendFrame(protocol.SignalError, "", protocol.ErrorPayload{Code: protocol.CodePeerNotFound, Ref: f.To})
			return
		}
		p.noteContact(f.To)
		target.noteContact(p.id)
		raw, err := json.Marshal(f)
		if err != nil {
			return
		}
		target.enqueue(raw)
	case protocol.SignalHeartbeat:
		p.sendFrame(protocol.SignalHeartbeatAck, "", nil)
	case protocol.SignalHostList:
		p.sendFrame(protocol.SignalHostList, "", protocol.HostList{Hosts: s.Hosts()})
	default:
		s.log.Debug("relay_frame_ignored", zap.String("peer", p.id), zap.String("type", string(f.Type)))
	}
}

// unregister removes p and tells every peer it talked to.
func (s *Switch) unregister(p *peer) {
	s.mu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	s.mu.Unlock()
	if p.detached.Load() {
		return
	}

	kind := protocol.SignalClientDisconnected
	if p.role == protocol.SignalRegisterHost {
		kind = protocol.SignalHostDisconnected
	}
	for _, id := range p.contactList() {
		if other := s.lookup(id); other != nil {
			other.sendFrame(kind, p.id, protocol.PeerGone{PeerID: p.id})
		}
	}
	s.log.Info("relay_peer_gone", zap.String("peer", p.id), zap.String("role", string(p.role)))
}

// Hosts lists registered hosts with their client counts, sorted by id.
func (s *Switch) Hosts() []protocol.HostInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, p := range s.peers {
		if p.role == protocol.SignalRegisterClient && p.hostID != "" {
			counts[p.hostID]++
		}
	}
	out := make([]protocol.HostInfo, 0)
	for _, p := range s.peers {
		if p.role == protocol.SignalRegisterHost {
			out = append(out, protocol.HostInfo{PeerID: p.id, Name: p.name, Clients: counts[p.id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (s *Switch) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
