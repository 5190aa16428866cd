package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/quiz-buzzer/internal/delivery"
	"github.com/park285/quiz-buzzer/internal/kvstore"
	"github.com/park285/quiz-buzzer/internal/protocol"
	"github.com/park285/quiz-buzzer/internal/transport"
)

// teamDesk answers team requests the way the coordinator would.
type teamDesk struct {
	h *Host

	mu    sync.Mutex
	teams map[string]string // id -> name
	seen  []protocol.Type
}

func newTeamDesk(h *Host) *teamDesk {
	d := &teamDesk{h: h, teams: make(map[string]string)}
	go d.run()
	return d
}

func (d *teamDesk) run() {
	for ev := range d.h.Events() {
		if ev.Kind != EventMessage {
			continue
		}
		d.mu.Lock()
		d.seen = append(d.seen, ev.Message.Type)
		d.mu.Unlock()
		pid := ev.Session.PersistentID
		switch ev.Message.Type {
		case protocol.TypeCreateTeam:
			var ct protocol.CreateTeam
			_ = ev.Message.Decode(&ct)
			d.confirm(pid, d.ensure(ct.Name))
		case protocol.TypeJoinTeam:
			var jt protocol.JoinTeam
			_ = ev.Message.Decode(&jt)
			if !d.has(jt.TeamID) {
				d.h.Send(pid, protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{Code: protocol.CodeTeamNotFound, Ref: jt.TeamID}))
				continue
			}
			d.confirm(pid, jt.TeamID)
		case protocol.TypeReconnect:
			var rc protocol.Reconnect
			_ = ev.Message.Decode(&rc)
			id := rc.TeamID
			if !d.has(id) {
				id = d.ensure(rc.TeamName)
			}
			d.confirm(pid, id)
		}
	}
}

func (d *teamDesk) has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.teams[id]
	return ok
}

func (d *teamDesk) ensure(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, n := range d.teams {
		if n == name {
			return id
		}
	}
	id := fmt.Sprintf("t%d", len(d.teams)+1)
	d.teams[id] = name
	return id
}

func (d *teamDesk) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.teams)
}

func (d *teamDesk) saw(t protocol.Type) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.seen {
		if s == t {
			return true
		}
	}
	return false
}

func (d *teamDesk) roster() []protocol.TeamInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.TeamInfo, 0, len(d.teams))
	for id, n := range d.teams {
		out = append(out, protocol.TeamInfo{ID: id, Name: n})
	}
	return out
}

func (d *teamDesk) confirm(pid, id string) {
	d.mu.Lock()
	name := d.teams[id]
	d.mu.Unlock()
	d.h.SetTeam(pid, id)
	d.h.Send(pid, protocol.MustNew(protocol.TypeTeamConfirmed, protocol.TeamConfirmed{TeamID: id, TeamName: name}))
	d.h.Broadcast(protocol.MustNew(protocol.TypeTeamsSync, protocol.TeamsSync{Teams: d.roster()}))
}

func (d *teamDesk) remove(id string) {
	d.mu.Lock()
	delete(d.teams, id)
	d.mu.Unlock()
	d.h.ClearTeam(id)
	d.h.Broadcast(protocol.MustNew(protocol.TypeTeamDeleted, protocol.TeamDeleted{TeamID: id}))
	d.h.Broadcast(protocol.MustNew(protocol.TypeTeamsSync, protocol.TeamsSync{Teams: d.roster()}))
}

// pipeDialer connects clients to an in-process Host.
type pipeDialer struct {
	h     *Host
	dials atomic.Int32
	fail  atomic.Bool

	mu   sync.Mutex
	last transport.Channel
}

func (p *pipeDialer) Open(ctx context.Context) (transport.Channel, error) {
	p.dials.Add(1)
	if p.fail.Load() {
		return nil, transport.ErrChannelUnavailable
	}
	local, remote := transport.NewPipe(fmt.Sprintf("peer-%d", p.dials.Load()), "host")
	p.h.Accept(context.Background(), remote)
	p.mu.Lock()
	p.last = local
	p.mu.Unlock()
	return local, nil
}

// drop simulates a network loss of the current link.
func (p *pipeDialer) drop() {
	p.mu.Lock()
	ch := p.last
	p.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

type rig struct {
	host   *Host
	desk   *teamDesk
	dialer *pipeDialer
	store  *kvstore.Memory
}

func newRig(t *testing.T, version string, store *kvstore.Memory) *rig {
	t.Helper()
	if store == nil {
		store = kvstore.NewMemory(clockwork.NewRealClock())
	}
	r := &rig{store: store}
	r.host = NewHost(HostOptions{SessionVersion: version, Roster: func() []protocol.TeamInfo { return r.desk.roster() }})
	r.desk = newTeamDesk(r.host)
	r.dialer = &pipeDialer{h: r.host}
	t.Cleanup(r.host.Close)
	return r
}

func (r *rig) client(t *testing.T, mutate func(*ClientOptions)) *Client {
	t.Helper()
	opts := ClientOptions{
		DisplayName:       "Ann",
		Store:             r.store,
		Dialer:            r.dialer,
		HandshakeTimeout:  time.Second,
		HeartbeatInterval: time.Hour,
		ProbeInterval:     time.Hour,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		Queue:             delivery.Options{Tick: 20 * time.Millisecond, BaseDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func confirmedAs(c *Client, id string) func() bool {
	return func() bool {
		tm := c.Team()
		return tm.State == TeamConfirmed && tm.TeamID == id
	}
}

func TestReconnectKeepsTeamAndSession(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "v1", nil)
	_ = r.store.Set(ctx, KeyPersistentID, "p1")
	c := r.client(t, nil)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.PersistentID() != "p1" || c.State() != StateConnected {
		t.Fatalf("client state %s id %s", c.State(), c.PersistentID())
	}
	if err := c.CreateTeam(ctx, "Reds"); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if c.Team().State != TeamPending {
		t.Fatalf("team should be pending until confirmed")
	}
	eventually(t, "team confirmed", confirmedAs(c, "t1"))
	eventually(t, "queue drained", func() bool { return c.Pending() == 0 })

	r.dialer.drop()
	eventually(t, "second dial", func() bool { return r.dialer.dials.Load() == 2 })
	eventually(t, "reconnected", func() bool { return c.State() == StateConnected })

	if tm := c.Team(); tm.State != TeamConfirmed || tm.TeamID != "t1" || tm.TeamName != "Reds" {
		t.Fatalf("team after reconnect = %+v", tm)
	}
	sessions := r.host.Sessions()
	if len(sessions) != 1 || sessions[0].PersistentID != "p1" || sessions[0].TeamID != "t1" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if r.desk.count() != 1 {
		t.Fatalf("duplicate team created: %d", r.desk.count())
	}
	if r.desk.saw(protocol.TypeReconnect) {
		t.Fatalf("RECONNECT should not be needed when the host still has the team")
	}
}

func TestNewSessionVersionClearsTeam(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory(clockwork.NewRealClock())
	first := newRig(t, "v1", store)
	c := first.client(t, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = c.CreateTeam(ctx, "Reds")
	eventually(t, "team confirmed", confirmedAs(c, "t1"))
	_ = c.Close()

	second := newRig(t, "v2", store)
	c2 := second.client(t, nil)
	if err := c2.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tm := c2.Team(); tm.State != TeamNone {
		t.Fatalf("team should be cleared, got %+v", tm)
	}
	if _, ok, _ := store.Get(ctx, KeyTeam); ok {
		t.Fatalf("cached team not removed")
	}
	if v, _, _ := store.Get(ctx, KeySessionVersion); v != "v2" {
		t.Fatalf("session version = %q", v)
	}
	if c2.PersistentID() != c.PersistentID() {
		t.Fatalf("identity changed across sessions")
	}
}

func TestSameVersionReassociatesViaReconnect(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory(clockwork.NewRealClock())
	_ = store.Set(ctx, KeyPersistentID, "p1")
	_ = store.Set(ctx, KeySessionVersion, "v1")
	_ = store.SetWithTTL(ctx, KeyTeam, KeyTeamStamp, `{"id":"t1","name":"Reds"}`)

	r := newRig(t, "v1", store)
	r.desk.ensure("Reds")
	c := r.client(t, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	eventually(t, "team confirmed", confirmedAs(c, "t1"))
	if !r.desk.saw(protocol.TypeReconnect) {
		t.Fatalf("expected RECONNECT")
	}
	if s, _ := r.host.Session("p1"); s.TeamID != "t1" {
		t.Fatalf("host session team = %q", s.TeamID)
	}
}

func TestTeamDeletionClearsSelection(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "v1", nil)
	c := r.client(t, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = c.CreateTeam(ctx, "Reds")
	eventually(t, "team confirmed", confirmedAs(c, "t1"))

	r.desk.remove("t1")
	eventually(t, "team cleared", func() bool { return c.Team().State == TeamNone })
	if _, ok, _ := r.store.Get(ctx, KeyTeam); ok {
		t.Fatalf("cached team not removed")
	}
	if s, _ := r.host.Session(c.PersistentID()); s.TeamID != "" {
		t.Fatalf("host still maps session to %q", s.TeamID)
	}
}

func TestRejectedJoinRollsBack(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "v1", nil)
	c := r.client(t, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = c.CreateTeam(ctx, "Reds")
	eventually(t, "team confirmed", confirmedAs(c, "t1"))

	_ = c.JoinTeam(ctx, "missing")
	eventually(t, "rolled back", confirmedAs(c, "t1"))
}

func TestBuzzRequiresConfirmedTeam(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "v1", nil)
	c := r.client(t, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Buzz(); !errors.Is(err, ErrNoTeam) {
		t.Fatalf("Buzz without team = %v", err)
	}
	_ = c.CreateTeam(ctx, "Reds")
	eventually(t, "team confirmed", confirmedAs(c, "t1"))
	if err := c.Buzz(); err != nil {
		t.Fatalf("Buzz: %v", err)
	}
	eventually(t, "buzz seen", func() bool { return r.desk.saw(protocol.TypeBuzz) })
}

func TestProtocolMismatchIsFatal(t *testing.T) {
	dialer := DialFunc(func(ctx context.Context) (transport.Channel, error) {
		local, remote := transport.NewPipe("peer", "host")
		go func() {
			<-remote.Incoming()
			raw, _ := protocol.Encode(protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{Code: protocol.CodeProtocolVersion}))
			remote.Send(raw)
		}()
		return local, nil
	})
	c, err := NewClient(ClientOptions{Dialer: dialer, ReconnectBase: time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrProtocolVersionMismatch) {
		t.Fatalf("Connect = %v", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestHandshakeTimeoutSurfaces(t *testing.T) {
	dialer := DialFunc(func(ctx context.Context) (transport.Channel, error) {
		local, _ := transport.NewPipe("peer", "host")
		return local, nil
	})
	c, err := NewClient(ClientOptions{Dialer: dialer, HandshakeTimeout: 30 * time.Millisecond, MaxReconnectFailures: 1})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Connect = %v", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestFailedAfterRepeatedFailuresThenForceReconnect(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "v1", nil)
	r.dialer.fail.Store(true)
	c := r.client(t, func(o *ClientOptions) { o.MaxReconnectFailures = 3 })

	if err := c.Connect(ctx); !errors.Is(err, transport.ErrChannelUnavailable) {
		t.Fatalf("Connect = %v", err)
	}
	eventually(t, "failed state", func() bool { return c.State() == StateFailed })
	time.Sleep(50 * time.Millisecond)
	if n := r.dialer.dials.Load(); n != 3 {
		t.Fatalf("dials = %d, want 3", n)
	}

	r.dialer.fail.Store(false)
	if err := c.ForceReconnect(ctx); err != nil {
		t.Fatalf("ForceReconnect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestLeaveStopsEverything(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "v1", nil)
	c := r.client(t, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	eventually(t, "session", func() bool { return len(r.host.Sessions()) == 1 })
	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %s", c.State())
	}
	eventually(t, "session removed", func() bool { return len(r.host.Sessions()) == 0 })
	time.Sleep(50 * time.Millisecond)
	if n := r.dialer.dials.Load(); n != 1 {
		t.Fatalf("client redialed after leave: %d", n)
	}
	if err := c.PlaceBet(ctx, 10); err != nil {
		t.Fatalf("PlaceBet while offline should queue: %v", err)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending = %d", c.Pending())
	}
}

func TestResetLocalStateWipesIdentity(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "v1", nil)
	c := r.client(t, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := c.PersistentID()
	if err := c.ResetLocalState(ctx); err != nil {
		t.Fatalf("ResetLocalState: %v", err)
	}
	if len(r.store.Keys()) != 0 {
		t.Fatalf("keys left: %v", r.store.Keys())
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.PersistentID() == first || c.PersistentID() == "" {
		t.Fatalf("identity not reminted")
	}
}

func TestNewSessionReportsClearedQueue(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory(clockwork.NewRealClock())
	_ = store.Set(ctx, KeyPersistentID, "p1")
	_ = store.Set(ctx, KeySessionVersion, "v1")
	// Left over from the previous game: queued while offline, never sent.
	old := delivery.New(store, delivery.Options{StorageKey: KeyPendingQueue})
	if _, err := old.Enqueue(ctx, protocol.MustNew(protocol.TypeCreateTeam, protocol.CreateTeam{Name: "Reds"}), delivery.PriorityNormal); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	r := newRig(t, "v2", store)
	c := r.client(t, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("queue kept %d items across sessions", c.Pending())
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind != ClientFailure {
				continue
			}
			var e *delivery.ExhaustedError
			if !errors.As(ev.Err, &e) || !errors.Is(ev.Err, delivery.ErrDeliveryCleared) || e.Type != protocol.TypeCreateTeam {
				t.Fatalf("failure = %v", ev.Err)
			}
			if r.desk.saw(protocol.TypeCreateTeam) {
				t.Fatalf("cleared CREATE_TEAM reached the new host")
			}
			return
		case <-deadline:
			t.Fatalf("cleared CREATE_TEAM was never reported")
		}
	}
}

func TestSilentHostTriggersReconnect(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	var dials atomic.Int32
	var first transport.Channel
	dialer := DialFunc(func(context.Context) (transport.Channel, error) {
		if dials.Add(1) > 1 {
			return nil, transport.ErrChannelUnavailable
		}
		local, remote := transport.NewPipe("peer", "host")
		first = remote
		// Answers the handshake, then reads everything and says nothing.
		go func() {
			for {
				select {
				case <-remote.Done():
					return
				case data := <-remote.Incoming():
					msg, err := protocol.Parse(data)
					if err == nil && msg.Type == protocol.TypeHandshake {
						raw, _ := protocol.Encode(protocol.MustNew(protocol.TypeHandshakeResponse, protocol.HandshakeResponse{SessionVersion: "v1", PeerID: "peer"}))
						remote.Send(raw)
					}
				}
			}
		}()
		return local, nil
	})
	c, err := NewClient(ClientOptions{
		DisplayName:          "Ann",
		Dialer:               dialer,
		Clock:                clock,
		HeartbeatInterval:    time.Second,
		ProbeInterval:        time.Hour,
		LivenessTimeout:      3 * time.Second,
		MaxReconnectFailures: 100,
		ReconnectBase:        time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	eventually(t, "silent link dropped", func() bool {
		clock.Advance(time.Second)
		select {
		case <-first.Done():
			return dials.Load() >= 2
		default:
			return false
		}
	})
	if c.State() == StateConnected {
		t.Fatalf("client still reports connected")
	}
}
