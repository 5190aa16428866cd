package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
	"github.com/park285/quiz-buzzer/internal/quality"
	"github.com/park285/quiz-buzzer/internal/transport"
)

const dedupeWindow = 256

// RosterFunc supplies the team list embedded in HANDSHAKE_RESPONSE. It must not call back into Host.
type RosterFunc func() []protocol.TeamInfo

type HostOptions struct {
	SessionVersion    string
	HandshakeTimeout  time.Duration
	StaleAfter        time.Duration
	DisconnectCleanup time.Duration
	SweepInterval     time.Duration
	Clock             clockwork.Clock
	Roster            RosterFunc
	EventBuffer       int
}

func (o *HostOptions) withDefaults() {
	if o.SessionVersion == "" {
		o.SessionVersion = uuid.NewString()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Second
	}
	if o.DisconnectCleanup <= 0 {
		o.DisconnectCleanup = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
}

type hostSession struct {
	Session
	ch             transport.Channel
	gen            uint64
	mon            *quality.Monitor
	seen           *idCache
	disconnectedAt time.Time
}

// Host accepts client channels and keeps Sessions keyed by persistent id.
type Host struct {
	opts   HostOptions
	clock  clockwork.Clock
	log    *zap.Logger
	events chan Event
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	sessions map[string]*hostSession
	gen      uint64
}

func NewHost(opts HostOptions) *Host {
	opts.withDefaults()
	return &Host{
		opts:     opts,
		clock:    opts.Clock,
		log:      obslog.Named("session.host"),
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
		sessions: make(map[string]*hostSession),
	}
}

func (h *Host) SessionVersion() string { return h.opts.SessionVersion }

// Events must be drained; delivery blocks the producing channel's reader.
func (h *Host) Events() <-chan Event { return h.events }

func (h *Host) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// Serve accepts every channel from accept until ctx is done.
func (h *Host) Serve(ctx context.Context, accept <-chan transport.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-accept:
			h.Accept(ctx, ch)
		}
	}
}

// Run sweeps session liveness until ctx is done, then closes every channel.
func (h *Host) Run(ctx context.Context) error {
	t := h.clock.NewTicker(h.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return ctx.Err()
		case <-t.Chan():
			h.Sweep()
		}
	}
}

// Accept runs the handshake and read loop for ch in its own goroutine.
func (h *Host) Accept(ctx context.Context, ch transport.Channel) {
	go h.serve(ctx, ch)
}

func (h *Host) serve(ctx context.Context, ch transport.Channel) {
	hs, ok := h.awaitHandshake(ctx, ch)
	if !ok {
		return
	}
	if hs.ProtocolVersion != protocol.Version {
		h.log.Warn("session_version_mismatch", zap.String("peer", ch.ID()),
			zap.Int("got", hs.ProtocolVersion), zap.Int("want", protocol.Version))
		h.sendOn(ch, protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{
			Code:    protocol.CodeProtocolVersion,
			Message: "protocol version mismatch",
		}))
		_ = ch.Close()
		return
	}
	if hs.PersistentID == "" {
		h.sendOn(ch, protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{
			Code: protocol.CodeBadRequest, Message: "persistentId required",
		}))
		_ = ch.Close()
		return
	}

	teams := []protocol.TeamInfo{}
	if h.opts.Roster != nil {
		teams = h.opts.Roster()
	}
	hint := ""
	if hs.CurrentTeamID != "" && hasTeam(teams, hs.CurrentTeamID) {
		hint = hs.CurrentTeamID
	}

	rec, gen, reconnected, old := h.upsert(hs, ch, hint)
	if old != nil {
		h.log.Info("session_superseded", zap.String("persistent_id", hs.PersistentID), zap.String("old_peer", old.ID()))
		_ = old.Close()
	}
	h.sendOn(ch, protocol.MustNew(protocol.TypeHandshakeResponse, protocol.HandshakeResponse{
		SessionVersion: h.opts.SessionVersion,
		PeerID:         ch.ID(),
		TeamID:         rec.TeamID,
		Teams:          teams,
	}))
	h.log.Info("session_handshake", zap.String("persistent_id", rec.PersistentID),
		zap.String("peer", ch.ID()), zap.String("path", string(ch.Path())), zap.Bool("reconnected", reconnected))
	h.emit(Event{Kind: EventJoined, Session: rec, ReceivedAt: h.clock.Now(), Reconnected: reconnected})

	h.readLoop(ctx, ch, rec.PersistentID, gen)
}

func (h *Host) awaitHandshake(ctx context.Context, ch transport.Channel) (protocol.Handshake, bool) {
	timer := h.clock.NewTimer(h.opts.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			return protocol.Handshake{}, false
		case <-ch.Done():
			return protocol.Handshake{}, false
		case <-timer.Chan():
			h.log.Info("session_handshake_timeout", zap.String("peer", ch.ID()))
			_ = ch.Close()
			return protocol.Handshake{}, false
		case data := <-ch.Incoming():
			msg, err := protocol.Parse(data)
			if err != nil || msg.Type != protocol.TypeHandshake {
				continue
			}
			var hs protocol.Handshake
			if err := msg.Decode(&hs); err != nil {
				h.log.Warn("session_bad_handshake", zap.String("peer", ch.ID()), zap.Error(err))
				continue
			}
			return hs, true
		}
	}
}

// upsert returns a snapshot of the record, its new generation and the channel it replaced.
// teamHint fills in the team only when the record has none.
func (h *Host) upsert(hs protocol.Handshake, ch transport.Channel, teamHint string) (Session, uint64, bool, transport.Channel) {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	rec, existed := h.sessions[hs.PersistentID]
	var old transport.Channel
	if existed {
		if rec.ch != nil && rec.ch != ch && rec.ch.IsOpen() {
			old = rec.ch
		}
		rec.mon.Reset()
		rec.Quality = rec.mon.Snapshot()
	} else {
		rec = &hostSession{
			Session: Session{PersistentID: hs.PersistentID, JoinedAt: now},
			mon:     quality.NewMonitor(),
			seen:    newIDCache(dedupeWindow),
		}
		rec.Quality = rec.mon.Snapshot()
		pid := hs.PersistentID
		rec.mon.OnChange(func(q quality.Snapshot) { h.qualityChanged(pid, q) })
		h.sessions[hs.PersistentID] = rec
	}
	rec.ch = ch
	rec.gen = h.gen
	rec.PeerID = ch.ID()
	if hs.DisplayName != "" {
		rec.DisplayName = hs.DisplayName
	}
	if rec.TeamID == "" && teamHint != "" {
		rec.TeamID = teamHint
		h.log.Info("session_team_from_handshake", zap.String("persistent_id", hs.PersistentID), zap.String("team_id", teamHint))
	}
	rec.Status = StatusActive
	rec.LastSeenAt = now
	rec.disconnectedAt = time.Time{}
	return rec.Session, rec.gen, existed, old
}

func (h *Host) readLoop(ctx context.Context, ch transport.Channel, pid string, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			return
		case <-ch.Done():
			// messages sent just before close are still buffered
			for {
				select {
				case data := <-ch.Incoming():
					if !h.handle(ch, pid, gen, data) {
						return
					}
				default:
					h.channelClosed(pid, gen)
					return
				}
			}
		case data := <-ch.Incoming():
			if !h.handle(ch, pid, gen, data) {
				return
			}
		}
	}
}

// handle processes one inbound message; false stops the read loop.
func (h *Host) handle(ch transport.Channel, pid string, gen uint64, data []byte) bool {
	msg, err := protocol.Parse(data)
	if err != nil {
		h.log.Warn("session_bad_message", zap.String("persistent_id", pid), zap.Error(err))
		return true
	}
	now := h.clock.Now()

	h.mu.Lock()
	rec := h.sessions[pid]
	if rec == nil || rec.gen != gen {
		h.mu.Unlock()
		_ = ch.Close()
		return false
	}
	rec.LastSeenAt = now
	revived := rec.Status == StatusStale
	if revived {
		rec.Status = StatusActive
	}
	dup := msg.ID != "" && rec.seen.Seen(msg.ID)
	snap := rec.Session
	mon := rec.mon
	h.mu.Unlock()

	if revived {
		h.emit(Event{Kind: EventStatus, Session: snap, ReceivedAt: now})
	}
	if msg.ID != "" {
		h.sendOn(ch, protocol.MustNew(protocol.TypeAck, protocol.Ack{ID: msg.ID}))
		if dup {
			h.log.Debug("session_duplicate", zap.String("persistent_id", pid), zap.String("id", msg.ID))
			return true
		}
	}

	switch msg.Type {
	case protocol.TypePing:
		var p protocol.Ping
		if err := msg.Decode(&p); err != nil {
			return true
		}
		h.sendOn(ch, protocol.MustNew(protocol.TypePong, protocol.Pong{Seq: p.Seq, SentAt: p.SentAt}))
		if p.RTT > 0 || p.PacketLoss > 0 {
			q := mon.Apply(p.RTT, p.Jitter, p.PacketLoss, now)
			h.mu.Lock()
			if r := h.sessions[pid]; r != nil && r.gen == gen {
				r.Quality = q
			}
			h.mu.Unlock()
		}
	case protocol.TypeHeartbeat, protocol.TypeHandshake, protocol.TypeAck, protocol.TypePong:
	case protocol.TypeLeave:
		h.remove(pid, gen, "left")
		_ = ch.Close()
		return false
	default:
		if !protocol.Known(msg.Type) {
			h.log.Info("session_unknown_message", zap.String("persistent_id", pid), zap.String("type", string(msg.Type)))
			return true
		}
		h.emit(Event{Kind: EventMessage, Session: snap, Message: msg, ReceivedAt: now})
	}
	return true
}

// qualityChanged runs when a session's quality leaves the hysteresis band.
func (h *Host) qualityChanged(pid string, q quality.Snapshot) {
	h.mu.Lock()
	rec := h.sessions[pid]
	if rec == nil {
		h.mu.Unlock()
		return
	}
	rec.Quality = q
	snap := rec.Session
	h.mu.Unlock()
	h.log.Debug("session_quality_changed", zap.String("persistent_id", pid), zap.Int("health", q.HealthScore))
	h.emit(Event{Kind: EventStatus, Session: snap, ReceivedAt: h.clock.Now()})
}

func (h *Host) channelClosed(pid string, gen uint64) {
	now := h.clock.Now()
	h.mu.Lock()
	rec := h.sessions[pid]
	if rec == nil || rec.gen != gen || rec.Status == StatusDisconnected {
		h.mu.Unlock()
		return
	}
	rec.Status = StatusDisconnected
	rec.disconnectedAt = now
	rec.ch = nil
	snap := rec.Session
	h.mu.Unlock()
	h.log.Info("session_disconnected", zap.String("persistent_id", pid))
	h.emit(Event{Kind: EventStatus, Session: snap, ReceivedAt: now})
}

func (h *Host) remove(pid string, gen uint64, reason string) {
	h.mu.Lock()
	rec := h.sessions[pid]
	if rec == nil || (gen != 0 && rec.gen != gen) {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, pid)
	snap := rec.Session
	h.mu.Unlock()
	h.log.Info("session_removed", zap.String("persistent_id", pid), zap.String("reason", reason))
	h.emit(Event{Kind: EventRemoved, Session: snap, ReceivedAt: h.clock.Now(), Reason: reason})
}

// Sweep marks silent sessions Stale and drops sessions disconnected past the cleanup TTL.
func (h *Host) Sweep() {
	now := h.clock.Now()
	var stale, expired []Session
	h.mu.Lock()
	for pid, rec := range h.sessions {
		switch rec.Status {
		case StatusActive:
			if now.Sub(rec.LastSeenAt) >= h.opts.StaleAfter {
				rec.Status = StatusStale
				stale = append(stale, rec.Session)
			}
		case StatusDisconnected:
			if now.Sub(rec.disconnectedAt) >= h.opts.DisconnectCleanup {
				delete(h.sessions, pid)
				expired = append(expired, rec.Session)
			}
		}
	}
	h.mu.Unlock()
	for _, s := range stale {
		h.log.Info("session_stale", zap.String("persistent_id", s.PersistentID))
		h.emit(Event{Kind: EventStatus, Session: s, ReceivedAt: now})
	}
	for _, s := range expired {
		h.log.Info("session_removed", zap.String("persistent_id", s.PersistentID), zap.String("reason", "expired"))
		h.emit(Event{Kind: EventRemoved, Session: s, ReceivedAt: now, Reason: "expired"})
	}
}

// Kick tells the client, closes its channel and removes the session.
func (h *Host) Kick(persistentID, reason string) bool {
	h.mu.Lock()
	rec := h.sessions[persistentID]
	var ch transport.Channel
	if rec != nil {
		ch = rec.ch
		rec.ch = nil
	}
	h.mu.Unlock()
	if rec == nil {
		return false
	}
	if ch != nil {
		h.sendOn(ch, protocol.MustNew(protocol.TypeKick, protocol.Kick{Reason: reason}))
		_ = ch.Close()
	}
	h.remove(persistentID, 0, "kicked")
	return true
}

func (h *Host) sendOn(ch transport.Channel, msg protocol.Message) bool {
	if msg.SentAt == 0 {
		msg.SentAt = h.clock.Now().UnixMilli()
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		h.log.Error("session_encode_failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return ch.Send(raw)
}

// Send delivers msg to one session; false when its channel is not open.
func (h *Host) Send(persistentID string, msg protocol.Message) bool {
	h.mu.Lock()
	var ch transport.Channel
	if rec := h.sessions[persistentID]; rec != nil {
		ch = rec.ch
	}
	h.mu.Unlock()
	if ch == nil || !ch.IsOpen() {
		return false
	}
	return h.sendOn(ch, msg)
}

// Broadcast sends msg to every open session and returns how many accepted it.
func (h *Host) Broadcast(msg protocol.Message) int {
	if msg.SentAt == 0 {
		msg.SentAt = h.clock.Now().UnixMilli()
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		h.log.Error("session_encode_failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return 0
	}
	h.mu.Lock()
	chans := make([]transport.Channel, 0, len(h.sessions))
	for _, rec := range h.sessions {
		if rec.ch != nil {
			chans = append(chans, rec.ch)
		}
	}
	h.mu.Unlock()
	n := 0
	for _, ch := range chans {
		if ch.Send(raw) {
			n++
		}
	}
	return n
}

// SetTeam records the session's team; "" clears it.
func (h *Host) SetTeam(persistentID, teamID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.sessions[persistentID]
	if rec == nil {
		return false
	}
	rec.TeamID = teamID
	return true
}

// ClearTeam unsets teamID on every session pointing at it and returns their ids.
func (h *Host) ClearTeam(teamID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for pid, rec := range h.sessions {
		if rec.TeamID == teamID {
			rec.TeamID = ""
			out = append(out, pid)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Host) Session(persistentID string) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.sessions[persistentID]
	if rec == nil {
		return Session{}, false
	}
	return rec.Session, true
}

// Sessions lists every session ordered by join time.
func (h *Host) Sessions() []Session {
	h.mu.Lock()
	out := make([]Session, 0, len(h.sessions))
	for _, rec := range h.sessions {
		out = append(out, rec.Session)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].PersistentID < out[j].PersistentID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Close closes every channel and unblocks pending event delivery.
func (h *Host) Close() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	chans := make([]transport.Channel, 0, len(h.sessions))
	for _, rec := range h.sessions {
		if rec.ch != nil {
			chans = append(chans, rec.ch)
		}
	}
	h.mu.Unlock()
	for _, ch := range chans {
		_ = ch.Close()
	}
}
