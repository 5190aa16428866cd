// Package coordinator owns the authoritative game state on the host: teams,
// scores, buzz arbitration, the buzzer timer and the super game. All of it is
// mutated by a single loop fed with session events and operator commands.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/quiz-buzzer/internal/buzzer"
	"github.com/park285/quiz-buzzer/internal/gamepack"
	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
	"github.com/park285/quiz-buzzer/internal/session"
)

var (
	ErrNoAnsweringTeam = errors.New("no team is answering")
	ErrNoQuestion      = errors.New("no question is open")
	ErrTeamNotFound    = errors.New("team not found")
	ErrInvalidTeamName = errors.New("invalid team name")
	ErrNoPack          = errors.New("no game pack loaded")
)

// Peers is the host session table as seen by the coordinator.
type Peers interface {
	Send(persistentID string, msg protocol.Message) bool
	Broadcast(msg protocol.Message) int
	SetTeam(persistentID, teamID string) bool
	ClearTeam(teamID string) []string
	Sessions() []session.Session
}

// ScoreEvent is one score change. Reason is "question", "super" or "adjust".
type ScoreEvent struct {
	GameID     string
	TeamID     string
	TeamName   string
	QuestionID string
	Reason     string
	Delta      int
	Total      int
	At         time.Time
}

type ScoreRecorder interface {
	RecordScore(ctx context.Context, ev ScoreEvent) error
}

type Options struct {
	Timers            buzzer.Config
	Clash             ClashPolicy
	TeamIdleTTL       time.Duration
	BroadcastInterval time.Duration
	Tick              time.Duration
	Clock             clockwork.Clock
	Pack              *gamepack.Pack
	Ledger            ScoreRecorder
	GameID            string
	Rand              *rand.Rand
	InboxSize         int
}

func (o *Options) withDefaults() {
	if o.TeamIdleTTL <= 0 {
		o.TeamIdleTTL = 5 * time.Minute
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = 5 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.GameID == "" {
		o.GameID = uuid.NewString()
	}
	if o.Rand == nil {
		now := uint64(o.Clock.Now().UnixNano())
		o.Rand = rand.New(rand.NewPCG(now, now>>1))
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 64
	}
}

type team struct {
	id         string
	name       string
	score      int
	createdAt  time.Time
	lastUsedAt time.Time
}

// round is the arbitration state of the open question.
type round struct {
	pending   []Buzz
	deadline  time.Time
	answering string
	buzzed    []string
	clash     []string
}

func (r *round) hasBuzzed(teamID string) bool {
	for _, id := range r.buzzed {
		if id == teamID {
			return true
		}
	}
	return false
}

type Coordinator struct {
	opts  Options
	clock clockwork.Clock
	log   *zap.Logger
	peers Peers
	inbox chan Msg

	teams    map[string]*team
	order    []string
	members  map[string]string
	machine  *buzzer.Machine
	round    round
	super    *superGame
	lastTick time.Time

	roster   atomic.Pointer[[]protocol.TeamInfo]
	scoreLog chan ScoreEvent
}

func New(peers Peers, opts Options) *Coordinator {
	opts.withDefaults()
	c := &Coordinator{
		opts:     opts,
		clock:    opts.Clock,
		log:      obslog.Named("coordinator"),
		peers:    peers,
		inbox:    make(chan Msg, opts.InboxSize),
		teams:    make(map[string]*team),
		members:  make(map[string]string),
		machine:  buzzer.New(opts.Timers),
		super:    newSuperGame(),
		scoreLog: make(chan ScoreEvent, 64),
	}
	c.publishRoster()
	return c
}

func (c *Coordinator) Inbox() chan<- Msg { return c.inbox }

// Roster is safe to call from any goroutine; it is the HANDSHAKE_RESPONSE team list.
func (c *Coordinator) Roster() []protocol.TeamInfo {
	p := c.roster.Load()
	out := make([]protocol.TeamInfo, len(*p))
	copy(out, *p)
	return out
}

// Run processes events and commands until ctx is done.
func (c *Coordinator) Run(ctx context.Context, events <-chan session.Event) error {
	tick := c.clock.NewTicker(c.opts.Tick)
	defer tick.Stop()
	resync := c.clock.NewTicker(c.opts.BroadcastInterval)
	defer resync.Stop()
	if c.opts.Ledger != nil {
		go c.recordLoop(ctx)
	}
	c.lastTick = c.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.inbox:
			c.handleMsg(m)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ev)
		case <-tick.Chan():
			c.tick()
		case <-resync.Chan():
			c.broadcastAll()
		}
	}
}

func (c *Coordinator) handleMsg(m Msg) {
	switch msg := m.(type) {
	case StartQuestion:
		msg.Reply <- Result{Err: c.startQuestion(msg.QuestionID)}
	case BeginResponse:
		if c.machine.BeginResponse().Changed() {
			c.broadcastBuzzer()
		}
		msg.Reply <- Result{}
	case Judge:
		msg.Reply <- Result{Err: c.judge(msg.Correct)}
	case ResetBuzzer:
		c.machine.Reset()
		c.round = round{}
		c.broadcastBuzzer()
		msg.Reply <- Result{}
	case CreateTeam:
		t, err := c.ensureTeam(msg.Name)
		if err != nil {
			msg.Reply <- Result{Err: err}
			break
		}
		c.broadcastRoster()
		msg.Reply <- Result{TeamID: t.id}
	case DeleteTeam:
		if _, ok := c.teams[msg.TeamID]; !ok {
			msg.Reply <- Result{Err: fmt.Errorf("%w: %s", ErrTeamNotFound, msg.TeamID)}
			break
		}
		c.deleteTeam(msg.TeamID, "operator")
		msg.Reply <- Result{}
	case AdjustScore:
		t, ok := c.teams[msg.TeamID]
		if !ok {
			msg.Reply <- Result{Err: fmt.Errorf("%w: %s", ErrTeamNotFound, msg.TeamID)}
			break
		}
		c.applyScore(t, msg.Delta, "adjust", "")
		c.broadcastTeams()
		msg.Reply <- Result{TeamID: t.id}
	case AdvanceSuper:
		msg.Reply <- Result{Err: c.advanceSuper()}
	case ExitSuper:
		c.super.reset()
		c.peers.Broadcast(protocol.Message{Type: protocol.TypeSuperGameClear})
		c.log.Info("super_exit")
		msg.Reply <- Result{}
	case JudgeSuper:
		msg.Reply <- Result{Err: c.judgeSuper(msg.TeamID, msg.Correct)}
	case GetState:
		msg.Reply <- c.view()
	}
}

func (c *Coordinator) handleEvent(ev session.Event) {
	pid := ev.Session.PersistentID
	switch ev.Kind {
	case session.EventJoined:
		switch tid := c.members[pid]; {
		case tid != "" && ev.Session.TeamID != tid:
			c.peers.SetTeam(pid, tid)
		case tid == "" && ev.Session.TeamID != "":
			// The session came back with a team named in its handshake.
			if t := c.teams[ev.Session.TeamID]; t != nil {
				c.assign(pid, t)
			} else {
				c.peers.SetTeam(pid, "")
			}
		}
		c.sendFullState(pid)
		c.broadcastPlayers()
	case session.EventStatus:
		c.broadcastPlayers()
	case session.EventRemoved:
		if tid, ok := c.members[pid]; ok {
			delete(c.members, pid)
			if t := c.teams[tid]; t != nil {
				t.lastUsedAt = c.clock.Now()
			}
			c.publishRoster()
			c.broadcastTeams()
		}
		c.broadcastPlayers()
	case session.EventMessage:
		c.handleClient(pid, ev.Message, ev.ReceivedAt)
	}
}

func (c *Coordinator) handleClient(pid string, msg protocol.Message, at time.Time) {
	switch msg.Type {
	case protocol.TypeCreateTeam:
		var p protocol.CreateTeam
		if err := msg.Decode(&p); err != nil {
			c.reject(pid, msg, protocol.CodeBadRequest, err.Error())
			return
		}
		t, err := c.ensureTeam(p.Name)
		if err != nil {
			c.reject(pid, msg, protocol.CodeInvalidTeamName, err.Error())
			return
		}
		c.assign(pid, t)
	case protocol.TypeJoinTeam:
		var p protocol.JoinTeam
		if err := msg.Decode(&p); err != nil {
			c.reject(pid, msg, protocol.CodeBadRequest, err.Error())
			return
		}
		t, ok := c.teams[p.TeamID]
		if !ok {
			c.reject(pid, msg, protocol.CodeTeamNotFound, p.TeamID)
			return
		}
		c.assign(pid, t)
	case protocol.TypeReconnect:
		var p protocol.Reconnect
		if err := msg.Decode(&p); err != nil {
			c.reject(pid, msg, protocol.CodeBadRequest, err.Error())
			return
		}
		t, ok := c.teams[p.TeamID]
		if !ok && p.TeamName != "" {
			t = c.teamByName(p.TeamName)
			ok = t != nil
		}
		if !ok {
			c.reject(pid, msg, protocol.CodeTeamNotFound, p.TeamID)
			return
		}
		c.assign(pid, t)
	case protocol.TypeLeaveTeam:
		c.unassign(pid)
	case protocol.TypeBuzz:
		c.onBuzz(pid, at)
	case protocol.TypeSuperBet:
		c.onSuperBet(pid, msg)
	case protocol.TypeSuperAnswer:
		c.onSuperAnswer(pid, msg)
	default:
		c.log.Debug("client_message_ignored", zap.String("persistent_id", pid), zap.String("type", string(msg.Type)))
	}
}

func (c *Coordinator) reject(pid string, msg protocol.Message, code, detail string) {
	c.log.Info("client_request_rejected", zap.String("persistent_id", pid),
		zap.String("type", string(msg.Type)), zap.String("code", code), zap.String("detail", detail))
	c.peers.Send(pid, protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{
		Code: code, Message: detail, Ref: msg.ID,
	}))
}

func (c *Coordinator) tick() {
	now := c.clock.Now()
	elapsed := now.Sub(c.lastTick)
	c.lastTick = now

	step := c.machine.Tick(elapsed)
	dirty := step.Dirty()
	if step.Changed() && step.To == buzzer.PhaseComplete {
		c.log.Info("buzzer_timeout", zap.String("question_id", c.machine.State().QuestionID))
	}
	if step.HoldElapsed {
		c.machine.Reset()
		c.round = round{}
		dirty = true
	}
	if len(c.round.pending) > 0 && c.round.answering == "" && !now.Before(c.round.deadline) {
		c.decide()
		dirty = true
	}
	if dirty {
		c.broadcastBuzzer()
	}
	c.cleanupTeams(now)
}

func (c *Coordinator) startQuestion(questionID string) error {
	if c.opts.Pack == nil {
		return ErrNoPack
	}
	q, err := c.opts.Pack.Question(questionID)
	if err != nil {
		return err
	}
	leader := c.leader()
	c.machine.StartQuestion(q.ID, q.Text, leader)
	c.round = round{}
	c.lastTick = c.clock.Now()
	c.log.Info("question_started", zap.String("question_id", q.ID), zap.Int("points", q.Points), zap.String("handicap_team", leader))
	c.broadcastBuzzer()
	return nil
}

// leader is the single team strictly ahead of everyone else with a positive score.
func (c *Coordinator) leader() string {
	best, bestScore, tie := "", 0, false
	for _, id := range c.order {
		t := c.teams[id]
		switch {
		case t.score > bestScore:
			best, bestScore, tie = id, t.score, false
		case t.score == bestScore && best != "":
			tie = true
		}
	}
	if tie {
		return ""
	}
	return best
}

func (c *Coordinator) onBuzz(pid string, at time.Time) {
	tid := c.members[pid]
	if tid == "" {
		return
	}
	if !c.machine.CanBuzz(tid) || c.round.hasBuzzed(tid) {
		return
	}
	c.round.buzzed = append(c.round.buzzed, tid)
	if c.round.answering != "" {
		c.broadcastBuzzer()
		return
	}
	c.round.pending = append(c.round.pending, Buzz{TeamID: tid, At: at})
	if !c.opts.Clash.Enabled || c.opts.Clash.Window <= 0 {
		c.decide()
	} else if len(c.round.pending) == 1 {
		c.round.deadline = at.Add(c.opts.Clash.Window)
	}
	c.broadcastBuzzer()
}

func (c *Coordinator) decide() {
	if c.machine.State().Phase != buzzer.PhaseResponse {
		c.round.pending = nil
		return
	}
	scores := make(map[string]int, len(c.teams))
	for id, t := range c.teams {
		scores[id] = t.score
	}
	out := Arbitrate(c.round.pending, c.opts.Clash, scores, c.opts.Rand)
	c.round.pending = nil
	c.round.answering = out.Winner
	c.round.clash = out.Clash
	c.log.Info("buzz_winner", zap.String("team_id", out.Winner), zap.Strings("clash", out.Clash))
}

func (c *Coordinator) judge(correct bool) error {
	st := c.machine.State()
	if st.Phase != buzzer.PhaseResponse {
		return ErrNoQuestion
	}
	t := c.teams[c.round.answering]
	if t == nil {
		return ErrNoAnsweringTeam
	}
	delta := 0
	if c.opts.Pack != nil {
		delta = c.opts.Pack.Points(st.QuestionID)
	}
	if !correct {
		delta = -delta
	}
	c.applyScore(t, delta, "question", st.QuestionID)
	c.machine.Complete()
	c.broadcastTeams()
	c.broadcastBuzzer()
	return nil
}

func (c *Coordinator) applyScore(t *team, delta int, reason, questionID string) {
	t.score += delta
	t.lastUsedAt = c.clock.Now()
	c.publishRoster()
	c.log.Info("score_changed", zap.String("team_id", t.id), zap.Int("delta", delta),
		zap.Int("total", t.score), zap.String("reason", reason))
	if c.opts.Ledger == nil {
		return
	}
	ev := ScoreEvent{
		GameID: c.opts.GameID, TeamID: t.id, TeamName: t.name, QuestionID: questionID,
		Reason: reason, Delta: delta, Total: t.score, At: t.lastUsedAt,
	}
	select {
	case c.scoreLog <- ev:
	default:
		c.log.Warn("ledger_backlog_full", zap.String("team_id", t.id))
	}
}

func (c *Coordinator) recordLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.scoreLog:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.opts.Ledger.RecordScore(wctx, ev); err != nil {
				c.log.Warn("ledger_write_failed", zap.String("team_id", ev.TeamID), zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *Coordinator) advanceSuper() error {
	question := ""
	if c.opts.Pack != nil && c.opts.Pack.Super != nil {
		question = c.opts.Pack.Super.Question
	}
	phase, err := c.super.advance(question)
	if err != nil {
		return err
	}
	c.log.Info("super_advanced", zap.String("phase", string(phase)))
	c.broadcastSuper()
	return nil
}

func (c *Coordinator) judgeSuper(teamID string, correct bool) error {
	t := c.teams[teamID]
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	delta, err := c.super.judge(teamID, correct)
	if err != nil {
		return err
	}
	c.applyScore(t, delta, "super", "")
	c.broadcastTeams()
	c.broadcastSuper()
	return nil
}

func (c *Coordinator) onSuperBet(pid string, msg protocol.Message) {
	tid := c.members[pid]
	if tid == "" {
		c.reject(pid, msg, protocol.CodeNoTeam, "join a team first")
		return
	}
	var p protocol.SuperBet
	if err := msg.Decode(&p); err != nil {
		c.reject(pid, msg, protocol.CodeBadRequest, err.Error())
		return
	}
	if err := c.super.bet(tid, p.Amount, c.teams[tid].score); err != nil {
		c.reject(pid, msg, protocol.CodeBetRejected, err.Error())
		return
	}
	c.broadcastSuper()
}

func (c *Coordinator) onSuperAnswer(pid string, msg protocol.Message) {
	tid := c.members[pid]
	if tid == "" {
		c.reject(pid, msg, protocol.CodeNoTeam, "join a team first")
		return
	}
	var p protocol.SuperAnswer
	if err := msg.Decode(&p); err != nil {
		c.reject(pid, msg, protocol.CodeBadRequest, err.Error())
		return
	}
	if err := c.super.answer(tid, p.Text); err != nil {
		c.reject(pid, msg, protocol.CodeAnswerRejected, err.Error())
		return
	}
	c.broadcastSuper()
}

func (c *Coordinator) view() View {
	v := View{
		Members: make(map[string]string, len(c.members)),
		Buzzer:  c.buzzerState(),
		Super:   c.super.wire(true),
	}
	counts := c.memberCounts()
	for _, id := range c.order {
		t := c.teams[id]
		v.Teams = append(v.Teams, TeamView{
			ID: t.id, Name: t.name, Score: t.score, Members: counts[id],
			CreatedAt: t.createdAt, LastUsedAt: t.lastUsedAt,
		})
	}
	for pid, tid := range c.members {
		v.Members[pid] = tid
	}
	return v
}

func (c *Coordinator) buzzerState() protocol.BuzzerState {
	st := c.machine.State().Wire()
	st.AnsweringTeamID = c.round.answering
	st.BuzzedTeamIDs = append([]string(nil), c.round.buzzed...)
	st.ClashTeamIDs = append([]string(nil), c.round.clash...)
	return st
}

func (c *Coordinator) teamsMessage() protocol.Message {
	return protocol.MustNew(protocol.TypeTeamsSync, protocol.TeamsSync{Teams: c.Roster()})
}

func (c *Coordinator) playersMessage() protocol.Message {
	sessions := c.peers.Sessions()
	players := make([]protocol.PlayerInfo, 0, len(sessions))
	for _, s := range sessions {
		s.TeamID = c.members[s.PersistentID]
		players = append(players, s.Player())
	}
	return protocol.MustNew(protocol.TypeCommandsSync, protocol.CommandsSync{Players: players})
}

func (c *Coordinator) sendFullState(pid string) {
	c.peers.Send(pid, c.teamsMessage())
	c.peers.Send(pid, c.playersMessage())
	c.peers.Send(pid, protocol.MustNew(protocol.TypeBuzzerState, c.buzzerState()))
	if c.super.phase != SuperIdle {
		c.peers.Send(pid, protocol.MustNew(protocol.TypeSuperGameState, c.super.wire(false)))
	}
}

// broadcastAll resynchronizes every client; dropped broadcasts are never retried otherwise.
func (c *Coordinator) broadcastAll() {
	c.broadcastTeams()
	c.broadcastPlayers()
	c.broadcastBuzzer()
	c.peers.Broadcast(protocol.MustNew(protocol.TypeSuperGameState, c.super.wire(false)))
}

func (c *Coordinator) broadcastTeams()   { c.peers.Broadcast(c.teamsMessage()) }
func (c *Coordinator) broadcastPlayers() { c.peers.Broadcast(c.playersMessage()) }

func (c *Coordinator) broadcastRoster() {
	c.broadcastTeams()
	c.broadcastPlayers()
}

func (c *Coordinator) broadcastBuzzer() {
	c.peers.Broadcast(protocol.MustNew(protocol.TypeBuzzerState, c.buzzerState()))
}

func (c *Coordinator) broadcastSuper() {
	c.peers.Broadcast(protocol.MustNew(protocol.TypeSuperGameState, c.super.wire(false)))
}
