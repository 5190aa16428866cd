package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/quiz-buzzer/internal/delivery"
	"github.com/park285/quiz-buzzer/internal/kvstore"
	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
	"github.com/park285/quiz-buzzer/internal/quality"
	"github.com/park285/quiz-buzzer/internal/transport"
)

var ErrNoTeam = errors.New("no confirmed team")

// Storage keys owned by the client.
const (
	KeyPersistentID   = "buzzer:persistent_id"
	KeySessionVersion = "buzzer:session_version"
	KeyTeam           = "buzzer:team"
	KeyTeamStamp      = "buzzer:team_ts"
	KeyPendingQueue   = "buzzer:pending_queue"
)

// Dialer opens one channel to the host. transport.Connector satisfies it.
type Dialer interface {
	Open(ctx context.Context) (transport.Channel, error)
}

type DialFunc func(ctx context.Context) (transport.Channel, error)

func (f DialFunc) Open(ctx context.Context) (transport.Channel, error) { return f(ctx) }

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

type TeamState string

const (
	TeamNone      TeamState = "none"
	TeamPending   TeamState = "pending"
	TeamConfirmed TeamState = "confirmed"
)

// TeamSelection is requested (Pending) until the host confirms it.
type TeamSelection struct {
	State    TeamState
	TeamID   string
	TeamName string
}

type ClientEventKind int

const (
	ClientStateChanged ClientEventKind = iota + 1
	ClientTeamChanged
	ClientMessage
	ClientFailure
)

type ClientEvent struct {
	Kind    ClientEventKind
	State   ConnState
	Team    TeamSelection
	Message protocol.Message
	Err     error
}

type ClientOptions struct {
	DisplayName       string
	Store             kvstore.Store
	Dialer            Dialer
	Clock             clockwork.Clock
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ProbeInterval     time.Duration
	// LivenessTimeout is how long the host may stay silent before the link
	// is treated as lost. Pongs keep it alive.
	LivenessTimeout      time.Duration
	MaxReconnectFailures int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	TeamCacheTTL         time.Duration
	Queue                delivery.Options
	EventBuffer          int
}

func (o *ClientOptions) withDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Store == nil {
		o.Store = kvstore.NewMemory(o.Clock)
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 4 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 5 * time.Second
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 3 * o.ProbeInterval
	}
	if o.MaxReconnectFailures <= 0 {
		o.MaxReconnectFailures = 5
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.TeamCacheTTL <= 0 {
		o.TeamCacheTTL = 12 * time.Hour
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	o.Queue.StorageKey = KeyPendingQueue
	o.Queue.Clock = o.Clock
}

// clientConn is one live channel and the periodic tasks bound to it.
type clientConn struct {
	ch      transport.Channel
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	prober  *quality.Prober
	stopped atomic.Bool
	lastRx  atomic.Int64
}

type reconnector struct {
	cancel context.CancelFunc
}

type cachedTeam struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client is the mobile side of a session.
type Client struct {
	opts   ClientOptions
	store  kvstore.Store
	clock  clockwork.Clock
	log    *zap.Logger
	queue  *delivery.Queue
	mon    *quality.Monitor
	events chan ClientEvent
	active atomic.Pointer[clientConn]

	mu             sync.Mutex
	persistentID   string
	sessionVersion string
	state          ConnState
	team           TeamSelection
	prevTeam       TeamSelection
	teams          []protocol.TeamInfo
	conn           *clientConn
	recon          *reconnector
	failures       int
	restored       bool
	closed         bool
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session client: dialer required")
	}
	opts.withDefaults()
	c := &Client{
		opts:   opts,
		store:  opts.Store,
		clock:  opts.Clock,
		log:    obslog.Named("session.client"),
		mon:    quality.NewMonitor(),
		events: make(chan ClientEvent, opts.EventBuffer),
		state:  StateDisconnected,
		team:   TeamSelection{State: TeamNone},
	}
	qopts := opts.Queue
	userExhausted := qopts.OnExhausted
	qopts.OnExhausted = func(e *delivery.ExhaustedError) {
		c.onExhausted(e)
		if userExhausted != nil {
			userExhausted(e)
		}
	}
	c.queue = delivery.New(opts.Store, qopts)
	return c, nil
}

// Events is buffered; events are dropped when the consumer falls behind.
func (c *Client) Events() <-chan ClientEvent { return c.events }

func (c *Client) emit(ev ClientEvent) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("client_event_dropped", zap.Int("kind", int(ev.Kind)))
	}
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Team() TeamSelection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team
}

func (c *Client) Teams() []protocol.TeamInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.TeamInfo(nil), c.teams...)
}

func (c *Client) PersistentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistentID
}

func (c *Client) SessionVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionVersion
}

func (c *Client) Quality() quality.Snapshot { return c.mon.Snapshot() }

// Pending reports how many queued messages await acknowledgement.
func (c *Client) Pending() int { return c.queue.Len() }

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.log.Info("client_state", zap.String("state", string(s)))
		c.emit(ClientEvent{Kind: ClientStateChanged, State: s})
	}
}

func (c *Client) setTeam(t TeamSelection) {
	c.mu.Lock()
	changed := c.team != t
	c.team = t
	c.mu.Unlock()
	if changed {
		c.emit(ClientEvent{Kind: ClientTeamChanged, Team: t})
	}
}

// Connect makes the first attempt synchronously. Transient failures continue
// in the background with backoff; a protocol mismatch does not.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.ensureIdentity(ctx); err != nil {
		return err
	}
	c.setState(StateConnecting)
	err := c.attempt(ctx)
	if err == nil {
		return nil
	}
	c.afterFailure(err)
	return err
}

func (c *Client) ensureIdentity(ctx context.Context) error {
	c.mu.Lock()
	restored := c.restored
	have := c.persistentID != ""
	c.mu.Unlock()

	if !have {
		pid, ok, err := c.store.Get(ctx, KeyPersistentID)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		if !ok || pid == "" {
			pid = uuid.NewString()
			if err := c.store.Set(ctx, KeyPersistentID, pid); err != nil {
				return fmt.Errorf("store identity: %w", err)
			}
			c.log.Info("client_identity_minted", zap.String("persistent_id", pid))
		}
		ver, _, err := c.store.Get(ctx, KeySessionVersion)
		if err != nil {
			return fmt.Errorf("load session version: %w", err)
		}
		c.mu.Lock()
		c.persistentID = pid
		c.sessionVersion = ver
		c.mu.Unlock()
	}
	if !restored {
		if err := c.queue.Restore(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		c.restored = true
		c.mu.Unlock()
	}
	return nil
}

// attempt dials, handshakes and starts the connection loops.
func (c *Client) attempt(ctx context.Context) error {
	ch, err := c.opts.Dialer.Open(ctx)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	resp, err := c.handshake(ctx, ch)
	if err != nil {
		_ = ch.Close()
		return err
	}
	reconnect, err := c.applyHandshake(ctx, resp)
	if err != nil {
		_ = ch.Close()
		return err
	}
	if err := c.startConn(ctx, ch); err != nil {
		_ = ch.Close()
		return err
	}
	if reconnect != nil {
		if _, err := c.queue.Enqueue(ctx, protocol.MustNew(protocol.TypeReconnect, *reconnect), delivery.PriorityHigh); err != nil {
			c.log.Warn("client_enqueue_failed", zap.String("type", string(protocol.TypeReconnect)), zap.Error(err))
		}
	}
	return nil
}

func (c *Client) handshake(ctx context.Context, ch transport.Channel) (protocol.HandshakeResponse, error) {
	c.mu.Lock()
	hs := protocol.Handshake{
		PersistentID:    c.persistentID,
		DisplayName:     c.opts.DisplayName,
		ProtocolVersion: protocol.Version,
	}
	if c.team.State == TeamConfirmed {
		hs.CurrentTeamID = c.team.TeamID
	}
	c.mu.Unlock()

	if !c.sendOn(ch, protocol.MustNew(protocol.TypeHandshake, hs)) {
		return protocol.HandshakeResponse{}, transport.ErrChannelUnavailable
	}
	timer := c.clock.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return protocol.HandshakeResponse{}, ctx.Err()
		case <-ch.Done():
			return protocol.HandshakeResponse{}, transport.ErrChannelUnavailable
		case <-timer.Chan():
			return protocol.HandshakeResponse{}, ErrHandshakeTimeout
		case data := <-ch.Incoming():
			msg, err := protocol.Parse(data)
			if err != nil {
				continue
			}
			switch msg.Type {
			case protocol.TypeHandshakeResponse:
				var resp protocol.HandshakeResponse
				if err := msg.Decode(&resp); err != nil {
					return protocol.HandshakeResponse{}, err
				}
				return resp, nil
			case protocol.TypeError:
				var e protocol.ErrorPayload
				_ = msg.Decode(&e)
				if e.Code == protocol.CodeProtocolVersion {
					return protocol.HandshakeResponse{}, ErrProtocolVersionMismatch
				}
				c.log.Warn("client_handshake_error", zap.String("code", e.Code), zap.String("message", e.Message))
			}
		}
	}
}

// applyHandshake reconciles local state with the host epoch and returns a
// RECONNECT to queue when a cached team must be re-associated.
func (c *Client) applyHandshake(ctx context.Context, resp protocol.HandshakeResponse) (*protocol.Reconnect, error) {
	c.mu.Lock()
	known := c.sessionVersion
	c.mu.Unlock()

	if known != resp.SessionVersion {
		c.log.Info("client_new_session", zap.String("old", known), zap.String("new", resp.SessionVersion))
		if err := c.forgetTeam(ctx); err != nil {
			return nil, err
		}
		if err := c.queue.Clear(ctx); err != nil {
			return nil, err
		}
		if err := c.store.Set(ctx, KeySessionVersion, resp.SessionVersion); err != nil {
			return nil, fmt.Errorf("store session version: %w", err)
		}
		c.mu.Lock()
		c.sessionVersion = resp.SessionVersion
		c.teams = resp.Teams
		c.mu.Unlock()
		c.setTeam(TeamSelection{State: TeamNone})
		return nil, nil
	}

	cached, err := c.loadTeam(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.teams = resp.Teams
	c.mu.Unlock()

	switch {
	case cached.ID != "" && cached.ID == resp.TeamID:
		c.setTeam(TeamSelection{State: TeamConfirmed, TeamID: cached.ID, TeamName: cached.Name})
	case cached.ID != "":
		c.setTeam(TeamSelection{State: TeamPending, TeamID: cached.ID, TeamName: cached.Name})
		return &protocol.Reconnect{TeamID: cached.ID, TeamName: cached.Name}, nil
	case resp.TeamID != "":
		name := teamName(resp.Teams, resp.TeamID)
		if err := c.saveTeam(ctx, cachedTeam{ID: resp.TeamID, Name: name}); err != nil {
			return nil, err
		}
		c.setTeam(TeamSelection{State: TeamConfirmed, TeamID: resp.TeamID, TeamName: name})
	default:
		c.mu.Lock()
		pending := c.team.State == TeamPending
		c.mu.Unlock()
		if !pending {
			c.setTeam(TeamSelection{State: TeamNone})
		}
	}
	return nil, nil
}

func teamName(teams []protocol.TeamInfo, id string) string {
	for _, t := range teams {
		if t.ID == id {
			return t.Name
		}
	}
	return ""
}

func (c *Client) loadTeam(ctx context.Context) (cachedTeam, error) {
	expired, err := c.store.IsExpired(ctx, KeyTeamStamp, c.opts.TeamCacheTTL)
	if err != nil {
		return cachedTeam{}, fmt.Errorf("load team: %w", err)
	}
	if expired {
		return cachedTeam{}, nil
	}
	raw, ok, err := c.store.Get(ctx, KeyTeam)
	if err != nil {
		return cachedTeam{}, fmt.Errorf("load team: %w", err)
	}
	if !ok {
		return cachedTeam{}, nil
	}
	var t cachedTeam
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		c.log.Warn("client_team_cache_corrupt", zap.Error(err))
		return cachedTeam{}, nil
	}
	return t, nil
}

func (c *Client) saveTeam(ctx context.Context, t cachedTeam) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := c.store.SetWithTTL(ctx, KeyTeam, KeyTeamStamp, string(raw)); err != nil {
		return fmt.Errorf("store team: %w", err)
	}
	return nil
}

func (c *Client) forgetTeam(ctx context.Context) error {
	if err := c.store.Remove(ctx, KeyTeam); err != nil {
		return fmt.Errorf("clear team: %w", err)
	}
	if err := c.store.Remove(ctx, KeyTeamStamp); err != nil {
		return fmt.Errorf("clear team: %w", err)
	}
	return nil
}

func (c *Client) startConn(ctx context.Context, ch transport.Channel) error {
	cctx, cancel := context.WithCancel(context.Background())
	cc := &clientConn{ch: ch, ctx: cctx, cancel: cancel}
	cc.lastRx.Store(c.clock.Now().UnixNano())
	cc.prober = quality.NewProber(c.mon, c.sendDirect, c.clock, c.opts.ProbeInterval)

	c.mu.Lock()
	if c.closed || ctx.Err() != nil {
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	c.conn = cc
	c.failures = 0
	c.active.Store(cc)
	c.queue.SetSender(c.sendDirect)
	c.mu.Unlock()
	c.mon.Reset()

	cc.wg.Add(4)
	go func() { defer cc.wg.Done(); c.readLoop(cc) }()
	go func() { defer cc.wg.Done(); c.heartbeatLoop(cc) }()
	go func() { defer cc.wg.Done(); cc.prober.Run(cctx) }()
	go func() { defer cc.wg.Done(); c.queue.Run(cctx) }()
	go c.watch(cc)

	c.setState(StateConnected)
	c.log.Info("client_connected", zap.String("path", string(ch.Path())))
	return nil
}

// detach stops cc's tasks and reports whether the loss was unplanned.
func (c *Client) detach(cc *clientConn) bool {
	cc.cancel()
	_ = cc.ch.Close()
	cc.wg.Wait()
	c.mu.Lock()
	current := c.conn == cc
	if current {
		c.conn = nil
		c.active.Store(nil)
		c.queue.SetSender(nil)
	}
	c.mu.Unlock()
	return current && !cc.stopped.Load()
}

func (c *Client) watch(cc *clientConn) {
	select {
	case <-cc.ctx.Done():
	case <-cc.ch.Done():
	}
	if c.detach(cc) {
		c.log.Warn("client_connection_lost")
		c.scheduleReconnect()
	}
}

func (c *Client) readLoop(cc *clientConn) {
	for {
		select {
		case <-cc.ctx.Done():
			c.drain(cc)
			return
		case <-cc.ch.Done():
			c.drain(cc)
			return
		case data := <-cc.ch.Incoming():
			cc.lastRx.Store(c.clock.Now().UnixNano())
			c.dispatch(cc, data)
		}
	}
}

// drain handles what arrived before the link closed, such as a KICK.
func (c *Client) drain(cc *clientConn) {
	for {
		select {
		case data := <-cc.ch.Incoming():
			c.dispatch(cc, data)
		default:
			return
		}
	}
}

func (c *Client) heartbeatLoop(cc *clientConn) {
	t := c.clock.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-cc.ctx.Done():
			return
		case <-t.Chan():
			silent := c.clock.Since(time.Unix(0, cc.lastRx.Load()))
			if silent > c.opts.LivenessTimeout {
				// A relay link can stay open while the host no longer reads it.
				c.log.Warn("client_host_silent", zap.Duration("silent", silent))
				_ = cc.ch.Close()
				return
			}
			c.sendOn(cc.ch, protocol.Message{Type: protocol.TypeHeartbeat})
		}
	}
}

func (c *Client) dispatch(cc *clientConn, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.log.Warn("client_bad_message", zap.Error(err))
		return
	}
	ctx := cc.ctx
	switch msg.Type {
	case protocol.TypePong:
		var p protocol.Pong
		if msg.Decode(&p) == nil {
			cc.prober.HandlePong(p)
		}
	case protocol.TypeAck:
		var a protocol.Ack
		if msg.Decode(&a) == nil {
			if err := c.queue.Acknowledge(ctx, a.ID); err != nil {
				c.log.Warn("client_ack_persist_failed", zap.Error(err))
			}
		}
	case protocol.TypeHeartbeat:
	case protocol.TypeTeamConfirmed:
		var tc protocol.TeamConfirmed
		if msg.Decode(&tc) != nil {
			return
		}
		if err := c.saveTeam(ctx, cachedTeam{ID: tc.TeamID, Name: tc.TeamName}); err != nil {
			c.log.Warn("client_team_persist_failed", zap.Error(err))
		}
		c.setTeam(TeamSelection{State: TeamConfirmed, TeamID: tc.TeamID, TeamName: tc.TeamName})
		c.emit(ClientEvent{Kind: ClientMessage, Message: msg})
	case protocol.TypeTeamDeleted:
		var td protocol.TeamDeleted
		if msg.Decode(&td) != nil {
			return
		}
		c.mu.Lock()
		mine := c.team.TeamID == td.TeamID
		c.mu.Unlock()
		if mine {
			c.dropTeam(ctx)
		}
		c.emit(ClientEvent{Kind: ClientMessage, Message: msg})
	case protocol.TypeTeamsSync:
		var ts protocol.TeamsSync
		if msg.Decode(&ts) != nil {
			return
		}
		c.mu.Lock()
		c.teams = ts.Teams
		lost := c.team.State == TeamConfirmed && !hasTeam(ts.Teams, c.team.TeamID)
		c.mu.Unlock()
		if lost {
			c.dropTeam(ctx)
		}
		c.emit(ClientEvent{Kind: ClientMessage, Message: msg})
	case protocol.TypeError:
		var e protocol.ErrorPayload
		_ = msg.Decode(&e)
		c.mu.Lock()
		rollback := c.team.State == TeamPending && teamError(e.Code)
		prev := c.prevTeam
		c.mu.Unlock()
		if rollback {
			c.log.Info("client_team_rejected", zap.String("code", e.Code))
			c.setTeam(prev)
		}
		c.emit(ClientEvent{Kind: ClientMessage, Message: msg})
	case protocol.TypeKick:
		var k protocol.Kick
		_ = msg.Decode(&k)
		c.log.Warn("client_kicked", zap.String("reason", k.Reason))
		cc.stopped.Store(true)
		cc.cancel()
		_ = cc.ch.Close()
		c.setState(StateDisconnected)
		c.emit(ClientEvent{Kind: ClientMessage, Message: msg})
	default:
		if !protocol.Known(msg.Type) {
			c.log.Info("client_unknown_message", zap.String("type", string(msg.Type)))
			return
		}
		c.emit(ClientEvent{Kind: ClientMessage, Message: msg})
	}
}

func hasTeam(teams []protocol.TeamInfo, id string) bool {
	for _, t := range teams {
		if t.ID == id {
			return true
		}
	}
	return false
}

func teamError(code string) bool {
	switch code {
	case protocol.CodeTeamNotFound, protocol.CodeTeamNameTaken, protocol.CodeInvalidTeamName, protocol.CodeNoTeam:
		return true
	}
	return false
}

func (c *Client) dropTeam(ctx context.Context) {
	if err := c.forgetTeam(ctx); err != nil {
		c.log.Warn("client_team_persist_failed", zap.Error(err))
	}
	c.mu.Lock()
	c.prevTeam = TeamSelection{State: TeamNone}
	c.mu.Unlock()
	c.setTeam(TeamSelection{State: TeamNone})
}

func (c *Client) onExhausted(e *delivery.ExhaustedError) {
	c.mu.Lock()
	rollback := c.team.State == TeamPending &&
		(e.Type == protocol.TypeCreateTeam || e.Type == protocol.TypeJoinTeam || e.Type == protocol.TypeReconnect)
	prev := c.prevTeam
	c.mu.Unlock()
	if rollback {
		c.setTeam(prev)
	}
	c.emit(ClientEvent{Kind: ClientFailure, Err: e})
}

func (c *Client) sendOn(ch transport.Channel, msg protocol.Message) bool {
	if msg.SentAt == 0 {
		msg.SentAt = c.clock.Now().UnixMilli()
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("client_encode_failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return ch.Send(raw)
}

// sendDirect bypasses the queue; it is also the queue's sender.
func (c *Client) sendDirect(msg protocol.Message) bool {
	cc := c.active.Load()
	if cc == nil {
		return false
	}
	return c.sendOn(cc.ch, msg)
}

func (c *Client) fail(err error) {
	if errors.Is(err, ErrProtocolVersionMismatch) {
		c.log.Error("client_protocol_mismatch")
	}
	c.setState(StateFailed)
	c.emit(ClientEvent{Kind: ClientFailure, Err: err})
}

func (c *Client) afterFailure(err error) {
	if errors.Is(err, ErrProtocolVersionMismatch) {
		c.fail(err)
		return
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return
	}
	c.mu.Lock()
	c.failures++
	n := c.failures
	c.mu.Unlock()
	c.log.Warn("client_connect_failed", zap.Int("failures", n), zap.Error(err))
	if n >= c.opts.MaxReconnectFailures {
		c.fail(err)
		return
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	r := &reconnector{cancel: cancel}
	c.mu.Lock()
	if c.closed || c.recon != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.recon = r
	c.mu.Unlock()
	c.setState(StateReconnecting)
	go c.reconnectLoop(ctx, r)
}

func (c *Client) reconnectLoop(ctx context.Context, r *reconnector) {
	defer func() {
		c.mu.Lock()
		if c.recon == r {
			c.recon = nil
		}
		c.mu.Unlock()
	}()
	for {
		c.mu.Lock()
		n := c.failures
		c.mu.Unlock()
		wait := delivery.Backoff(n, c.opts.ReconnectBase, c.opts.ReconnectMax)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}
		err := c.attempt(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrProtocolVersionMismatch) {
			c.fail(err)
			return
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return
		}
		c.mu.Lock()
		c.failures++
		n = c.failures
		c.mu.Unlock()
		c.log.Warn("client_reconnect_failed", zap.Int("failures", n), zap.Error(err))
		if n >= c.opts.MaxReconnectFailures {
			c.fail(err)
			return
		}
	}
}

// stop cancels reconnection and tears down the live connection synchronously.
func (c *Client) stop() {
	c.mu.Lock()
	r := c.recon
	c.recon = nil
	cc := c.conn
	c.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	if cc != nil {
		cc.stopped.Store(true)
		c.detach(cc)
	}
}

// ForceReconnect drops the current connection and tries again immediately.
func (c *Client) ForceReconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	c.stop()
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	if err := c.ensureIdentity(ctx); err != nil {
		return err
	}
	c.setState(StateConnecting)
	err := c.attempt(ctx)
	if err != nil {
		c.afterFailure(err)
	}
	return err
}

// ResetLocalState disconnects and wipes every stored key, identity included.
func (c *Client) ResetLocalState(ctx context.Context) error {
	c.stop()
	var errs []error
	for _, k := range []string{KeyPersistentID, KeySessionVersion, KeyTeam, KeyTeamStamp} {
		if err := c.store.Remove(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.queue.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Remove(ctx, KeyPendingQueue); err != nil {
		errs = append(errs, err)
	}
	c.mu.Lock()
	c.persistentID = ""
	c.sessionVersion = ""
	c.teams = nil
	c.failures = 0
	c.prevTeam = TeamSelection{State: TeamNone}
	c.mu.Unlock()
	c.setTeam(TeamSelection{State: TeamNone})
	c.setState(StateDisconnected)
	c.log.Info("client_local_state_reset")
	return errors.Join(errs...)
}

// Leave tells the host, stops every task and forgets the team.
func (c *Client) Leave(ctx context.Context) error {
	c.sendDirect(protocol.Message{Type: protocol.TypeLeave})
	c.stop()
	err := errors.Join(c.forgetTeam(ctx), c.queue.Clear(ctx))
	c.mu.Lock()
	c.prevTeam = TeamSelection{State: TeamNone}
	c.mu.Unlock()
	c.setTeam(TeamSelection{State: TeamNone})
	c.setState(StateDisconnected)
	return err
}

// Close stops the client for good.
func (c *Client) Close() error {
	c.stop()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.setState(StateDisconnected)
	return nil
}

func (c *Client) requestTeam(next TeamSelection) {
	c.mu.Lock()
	if c.team.State != TeamPending {
		c.prevTeam = c.team
	}
	c.mu.Unlock()
	c.setTeam(next)
}

// CreateTeam asks the host to create (or reuse) a team by name.
func (c *Client) CreateTeam(ctx context.Context, name string) error {
	c.requestTeam(TeamSelection{State: TeamPending, TeamName: name})
	_, err := c.queue.Enqueue(ctx, protocol.MustNew(protocol.TypeCreateTeam, protocol.CreateTeam{Name: name}), delivery.PriorityNormal)
	return err
}

func (c *Client) JoinTeam(ctx context.Context, teamID string) error {
	c.mu.Lock()
	name := teamName(c.teams, teamID)
	c.mu.Unlock()
	c.requestTeam(TeamSelection{State: TeamPending, TeamID: teamID, TeamName: name})
	_, err := c.queue.Enqueue(ctx, protocol.MustNew(protocol.TypeJoinTeam, protocol.JoinTeam{TeamID: teamID}), delivery.PriorityNormal)
	return err
}

func (c *Client) LeaveTeam(ctx context.Context) error {
	if _, err := c.queue.Enqueue(ctx, protocol.Message{Type: protocol.TypeLeaveTeam}, delivery.PriorityNormal); err != nil {
		return err
	}
	c.dropTeam(ctx)
	return nil
}

// Buzz is sent directly; a lost buzz is not retried.
func (c *Client) Buzz() error {
	c.mu.Lock()
	confirmed := c.team.State == TeamConfirmed
	c.mu.Unlock()
	if !confirmed {
		return ErrNoTeam
	}
	if !c.sendDirect(protocol.MustNew(protocol.TypeBuzz, protocol.Buzz{ClientTime: c.clock.Now().UnixMilli()})) {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) PlaceBet(ctx context.Context, amount int) error {
	_, err := c.queue.Enqueue(ctx, protocol.MustNew(protocol.TypeSuperBet, protocol.SuperBet{Amount: amount}), delivery.PriorityHigh)
	return err
}

func (c *Client) SubmitAnswer(ctx context.Context, text string) error {
	_, err := c.queue.Enqueue(ctx, protocol.MustNew(protocol.TypeSuperAnswer, protocol.SuperAnswer{Text: text}), delivery.PriorityHigh)
	return err
}
