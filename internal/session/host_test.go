package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/quiz-buzzer/internal/protocol"
	"github.com/park285/quiz-buzzer/internal/quality"
	"github.com/park285/quiz-buzzer/internal/transport"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextEvent(t *testing.T, h *Host) Event {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no host event")
		return Event{}
	}
}

func writeMsg(t *testing.T, ch transport.Channel, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !ch.Send(raw) {
		t.Fatalf("send %s failed", msg.Type)
	}
}

func readMsg(t *testing.T, ch transport.Channel) protocol.Message {
	t.Helper()
	select {
	case raw := <-ch.Incoming():
		msg, err := protocol.Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message from host")
		return protocol.Message{}
	}
}

// join opens a pipe to h and completes a handshake for pid.
func join(t *testing.T, h *Host, pid string) transport.Channel {
	t.Helper()
	local, remote := transport.NewPipe(pid+"-peer", "host")
	h.Accept(context.Background(), remote)
	writeMsg(t, local, protocol.MustNew(protocol.TypeHandshake, protocol.Handshake{
		PersistentID: pid, DisplayName: "Player " + pid, ProtocolVersion: protocol.Version,
	}))
	resp := readMsg(t, local)
	if resp.Type != protocol.TypeHandshakeResponse {
		t.Fatalf("expected HANDSHAKE_RESPONSE, got %s", resp.Type)
	}
	return local
}

func TestHandshakeCreatesSession(t *testing.T) {
	h := NewHost(HostOptions{SessionVersion: "v1", Roster: func() []protocol.TeamInfo {
		return []protocol.TeamInfo{{ID: "t1", Name: "Reds"}}
	}})
	defer h.Close()

	local, remote := transport.NewPipe("peer-1", "host")
	h.Accept(context.Background(), remote)
	writeMsg(t, local, protocol.MustNew(protocol.TypeHandshake, protocol.Handshake{
		PersistentID: "p1", DisplayName: "Ann", ProtocolVersion: protocol.Version,
	}))
	msg := readMsg(t, local)
	var resp protocol.HandshakeResponse
	if err := msg.Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionVersion != "v1" || resp.PeerID != "peer-1" || len(resp.Teams) != 1 {
		t.Fatalf("response = %+v", resp)
	}

	ev := nextEvent(t, h)
	if ev.Kind != EventJoined || ev.Reconnected || ev.Session.PersistentID != "p1" || ev.Session.DisplayName != "Ann" {
		t.Fatalf("event = %+v", ev)
	}
	if got := h.Sessions(); len(got) != 1 || got[0].Status != StatusActive {
		t.Fatalf("sessions = %+v", got)
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	h := NewHost(HostOptions{})
	defer h.Close()
	local, remote := transport.NewPipe("peer-1", "host")
	h.Accept(context.Background(), remote)
	writeMsg(t, local, protocol.MustNew(protocol.TypeHandshake, protocol.Handshake{
		PersistentID: "p1", ProtocolVersion: protocol.Version - 1,
	}))
	msg := readMsg(t, local)
	var e protocol.ErrorPayload
	_ = msg.Decode(&e)
	if msg.Type != protocol.TypeError || e.Code != protocol.CodeProtocolVersion {
		t.Fatalf("got %s %+v", msg.Type, e)
	}
	eventually(t, "channel close", func() bool { return !local.IsOpen() })
	if len(h.Sessions()) != 0 {
		t.Fatalf("no session should exist")
	}
}

func TestHandshakeTimeoutClosesChannel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := NewHost(HostOptions{Clock: clock, HandshakeTimeout: 10 * time.Second})
	defer h.Close()
	local, remote := transport.NewPipe("peer-1", "host")
	h.Accept(context.Background(), remote)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("timer not armed: %v", err)
	}
	clock.Advance(10 * time.Second)
	eventually(t, "channel close", func() bool { return !local.IsOpen() })
}

func TestQueuedMessagesAckedAndDeduplicated(t *testing.T) {
	h := NewHost(HostOptions{})
	defer h.Close()
	ch := join(t, h, "p1")
	nextEvent(t, h)

	msg := protocol.MustNew(protocol.TypeCreateTeam, protocol.CreateTeam{Name: "Reds"})
	msg.ID = "m-1"
	writeMsg(t, ch, msg)
	writeMsg(t, ch, msg)

	for i := 0; i < 2; i++ {
		ack := readMsg(t, ch)
		var a protocol.Ack
		if ack.Type != protocol.TypeAck || ack.Decode(&a) != nil || a.ID != "m-1" {
			t.Fatalf("ack %d = %+v", i, ack)
		}
	}
	ev := nextEvent(t, h)
	if ev.Kind != EventMessage || ev.Message.Type != protocol.TypeCreateTeam {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case ev := <-h.Events():
		t.Fatalf("duplicate delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandshakeTeamHintFillsEmptyRecord(t *testing.T) {
	h := NewHost(HostOptions{Roster: func() []protocol.TeamInfo {
		return []protocol.TeamInfo{{ID: "t1", Name: "Reds"}}
	}})
	defer h.Close()

	shake := func(pid, team string) protocol.HandshakeResponse {
		t.Helper()
		local, remote := transport.NewPipe(pid+"-peer", "host")
		h.Accept(context.Background(), remote)
		writeMsg(t, local, protocol.MustNew(protocol.TypeHandshake, protocol.Handshake{
			PersistentID: pid, ProtocolVersion: protocol.Version, CurrentTeamID: team,
		}))
		var resp protocol.HandshakeResponse
		if err := readMsg(t, local).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	if resp := shake("p1", "t1"); resp.TeamID != "t1" {
		t.Fatalf("known team hint ignored: %+v", resp)
	}
	if s, _ := h.Session("p1"); s.TeamID != "t1" {
		t.Fatalf("session team = %q", s.TeamID)
	}
	if resp := shake("p2", "t9"); resp.TeamID != "" {
		t.Fatalf("unknown team hint accepted: %+v", resp)
	}

	h.SetTeam("p1", "")
	if resp := shake("p1", "t1"); resp.TeamID != "t1" {
		t.Fatalf("hint not used for a record without team: %+v", resp)
	}
}

func TestPingAnsweredAndQualityRecomputed(t *testing.T) {
	h := NewHost(HostOptions{})
	defer h.Close()
	ch := join(t, h, "p1")

	writeMsg(t, ch, protocol.MustNew(protocol.TypePing, protocol.Ping{Seq: 7, SentAt: 1, RTT: 40, Jitter: 2}))
	pong := readMsg(t, ch)
	var p protocol.Pong
	if pong.Type != protocol.TypePong || pong.Decode(&p) != nil || p.Seq != 7 {
		t.Fatalf("pong = %+v", pong)
	}
	want := quality.Score(40, 2, 0)
	eventually(t, "quality update", func() bool {
		s, _ := h.Session("p1")
		return s.Quality.HealthScore == want && s.Quality.RTT == 40
	})
}

func TestQualityStatusOnlyPastBand(t *testing.T) {
	h := NewHost(HostOptions{})
	defer h.Close()
	ch := join(t, h, "p1")
	nextEvent(t, h)

	ping := func(seq uint64, rtt float64) {
		writeMsg(t, ch, protocol.MustNew(protocol.TypePing, protocol.Ping{Seq: seq, SentAt: 1, RTT: rtt, Jitter: 2}))
		readMsg(t, ch)
	}
	ping(1, 40)
	ev := nextEvent(t, h)
	if ev.Kind != EventStatus || ev.Session.Quality.RTT != 40 {
		t.Fatalf("first sample should publish, got %+v", ev)
	}

	ping(2, 45)
	writeMsg(t, ch, protocol.MustNew(protocol.TypeBuzz, protocol.Buzz{ClientTime: 5}))
	if ev := nextEvent(t, h); ev.Kind != EventMessage || ev.Message.Type != protocol.TypeBuzz {
		t.Fatalf("small change must not publish, got %+v", ev)
	}

	ping(3, 200)
	ev = nextEvent(t, h)
	if ev.Kind != EventStatus || ev.Session.Quality.RTT != 200 || ev.Session.Quality.HealthScore != quality.Score(200, 2, 0) {
		t.Fatalf("large change should publish, got %+v", ev)
	}
}

func TestUnknownMessageIgnored(t *testing.T) {
	h := NewHost(HostOptions{})
	defer h.Close()
	ch := join(t, h, "p1")
	nextEvent(t, h)
	writeMsg(t, ch, protocol.Message{Type: "CONFETTI"})
	writeMsg(t, ch, protocol.MustNew(protocol.TypeBuzz, protocol.Buzz{ClientTime: 5}))
	ev := nextEvent(t, h)
	if ev.Message.Type != protocol.TypeBuzz {
		t.Fatalf("expected BUZZ after ignored type, got %+v", ev)
	}
}

func TestSweepMarksStaleThenRemoves(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := NewHost(HostOptions{Clock: clock, StaleAfter: 15 * time.Second, DisconnectCleanup: 10 * time.Minute})
	defer h.Close()
	ch := join(t, h, "p1")
	nextEvent(t, h)

	clock.Advance(15 * time.Second)
	h.Sweep()
	ev := nextEvent(t, h)
	if ev.Kind != EventStatus || ev.Session.Status != StatusStale {
		t.Fatalf("expected stale, got %+v", ev)
	}

	writeMsg(t, ch, protocol.Message{Type: protocol.TypeHeartbeat})
	ev = nextEvent(t, h)
	if ev.Kind != EventStatus || ev.Session.Status != StatusActive {
		t.Fatalf("expected active again, got %+v", ev)
	}

	_ = ch.Close()
	ev = nextEvent(t, h)
	if ev.Session.Status != StatusDisconnected {
		t.Fatalf("expected disconnected, got %+v", ev)
	}
	clock.Advance(9 * time.Minute)
	h.Sweep()
	if len(h.Sessions()) != 1 {
		t.Fatalf("removed too early")
	}
	clock.Advance(time.Minute)
	h.Sweep()
	ev = nextEvent(t, h)
	if ev.Kind != EventRemoved || ev.Reason != "expired" || len(h.Sessions()) != 0 {
		t.Fatalf("expected removal, got %+v", ev)
	}
}

func TestReconnectSupersedesOldChannel(t *testing.T) {
	h := NewHost(HostOptions{})
	defer h.Close()
	first := join(t, h, "p1")
	nextEvent(t, h)
	h.SetTeam("p1", "t1")

	second := join(t, h, "p1")
	ev := nextEvent(t, h)
	if ev.Kind != EventJoined || !ev.Reconnected || ev.Session.TeamID != "t1" {
		t.Fatalf("event = %+v", ev)
	}
	eventually(t, "old channel closed", func() bool { return !first.IsOpen() })
	if !second.IsOpen() {
		t.Fatalf("new channel closed")
	}
	if got := h.Sessions(); len(got) != 1 || got[0].Status != StatusActive {
		t.Fatalf("sessions = %+v", got)
	}
}

func TestKickAndBroadcast(t *testing.T) {
	h := NewHost(HostOptions{})
	defer h.Close()
	a := join(t, h, "a")
	b := join(t, h, "b")
	nextEvent(t, h)
	nextEvent(t, h)

	if n := h.Broadcast(protocol.MustNew(protocol.TypeTeamsSync, protocol.TeamsSync{})); n != 2 {
		t.Fatalf("broadcast reached %d", n)
	}
	readMsg(t, a)
	readMsg(t, b)

	if !h.Kick("a", "rude") {
		t.Fatalf("kick failed")
	}
	if msg := readMsg(t, a); msg.Type != protocol.TypeKick {
		t.Fatalf("expected KICK, got %s", msg.Type)
	}
	eventually(t, "kicked channel closed", func() bool { return !a.IsOpen() })
	if _, ok := h.Session("a"); ok {
		t.Fatalf("kicked session still present")
	}
	if h.Send("a", protocol.Message{Type: protocol.TypeHeartbeat}) {
		t.Fatalf("send to kicked session must fail")
	}
}

func TestClearTeam(t *testing.T) {
	h := NewHost(HostOptions{})
	defer h.Close()
	join(t, h, "a")
	join(t, h, "b")
	h.SetTeam("a", "t1")
	h.SetTeam("b", "t1")
	if got := h.ClearTeam("t1"); len(got) != 2 || got[0] != "a" {
		t.Fatalf("cleared = %v", got)
	}
	s, _ := h.Session("b")
	if s.TeamID != "" {
		t.Fatalf("team not cleared")
	}
}
