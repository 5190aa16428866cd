package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/park285/quiz-buzzer/internal/delivery"
	"github.com/park285/quiz-buzzer/internal/msgcat"
	"github.com/park285/quiz-buzzer/internal/protocol"
	"github.com/park285/quiz-buzzer/internal/session"
)

var errQuit = errors.New("player quit")

// player couples the session client with a line console. Output is shared
// between the event printer and the command loop.
type player struct {
	client *session.Client
	cat    *msgcat.Catalog

	mu   sync.Mutex
	out  io.Writer
	last map[protocol.Type]string
}

func newPlayer(client *session.Client, cat *msgcat.Catalog, out io.Writer) *player {
	return &player{client: client, cat: cat, out: out, last: make(map[protocol.Type]string)}
}

func (p *player) say(key string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, strings.TrimRight(p.cat.Text(key, data), "\n"))
}

func (p *player) report(err error) {
	if err != nil {
		p.say("common.error", map[string]any{"Err": err})
		return
	}
	p.say("common.ok", nil)
}

// sayOnce suppresses a line identical to the previous one of the same type;
// the host repeats full state periodically.
func (p *player) sayOnce(typ protocol.Type, key string, data any) {
	line := strings.TrimRight(p.cat.Text(key, data), "\n")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last[typ] == line {
		return
	}
	p.last[typ] = line
	fmt.Fprintln(p.out, line)
}

// watch prints client events until ctx is done or the stream closes.
func (p *player) watch(ctx context.Context) error {
	events := p.client.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.show(ev)
		}
	}
}

func (p *player) show(ev session.ClientEvent) {
	switch ev.Kind {
	case session.ClientStateChanged:
		p.say("mobile.state", map[string]any{"State": ev.State})
	case session.ClientTeamChanged:
		p.say("mobile.team", map[string]any{"State": ev.Team.State, "TeamName": ev.Team.TeamName, "TeamID": ev.Team.TeamID})
	case session.ClientFailure:
		if errors.Is(ev.Err, delivery.ErrDeliveryCleared) {
			p.say("mobile.dropped", map[string]any{"Err": ev.Err})
			return
		}
		p.say("mobile.failed", map[string]any{"Err": ev.Err})
	case session.ClientMessage:
		p.showMessage(ev.Message)
	}
}

func (p *player) showMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeBuzzerState:
		var st protocol.BuzzerState
		if msg.Decode(&st) == nil {
			p.sayOnce(msg.Type, "mobile.buzzer", st)
		}
	case protocol.TypeSuperGameState:
		var st protocol.SuperGameState
		if msg.Decode(&st) == nil {
			p.sayOnce(msg.Type, "mobile.super", st)
		}
	case protocol.TypeSuperGameClear:
		p.mu.Lock()
		delete(p.last, protocol.TypeSuperGameState)
		p.mu.Unlock()
		p.say("mobile.super_clear", nil)
	case protocol.TypeTeamDeleted:
		var td protocol.TeamDeleted
		if msg.Decode(&td) == nil {
			p.say("mobile.team_deleted", td)
		}
	case protocol.TypeError:
		var e protocol.ErrorPayload
		if msg.Decode(&e) == nil {
			p.say("mobile.host_error", e)
		}
	case protocol.TypeKick:
		var k protocol.Kick
		_ = msg.Decode(&k)
		p.say("mobile.kicked", k)
	}
}

func (p *player) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if p.exec(ctx, line) {
				return errQuit
			}
		}
	}
}

// exec runs one command line and reports whether the player asked to quit.
func (p *player) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	rest := strings.Join(args, " ")

	switch cmd {
	case "help", "?":
		p.say("mobile.help", nil)
	case "quit", "exit":
		p.say("common.bye", nil)
		return true
	case "teams":
		teams := p.client.Teams()
		if len(teams) == 0 {
			p.say("mobile.no_teams", nil)
			break
		}
		for _, t := range teams {
			p.say("mobile.team_line", t)
		}
	case "create":
		if rest == "" {
			p.say("mobile.help", nil)
			break
		}
		p.report(p.client.CreateTeam(ctx, rest))
	case "join":
		if len(args) != 1 {
			p.say("mobile.help", nil)
			break
		}
		p.report(p.client.JoinTeam(ctx, args[0]))
	case "leave-team":
		p.report(p.client.LeaveTeam(ctx))
	case "buzz", "b":
		p.report(p.client.Buzz())
	case "bet":
		if len(args) != 1 {
			p.say("mobile.help", nil)
			break
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			p.report(fmt.Errorf("bad amount %q", args[0]))
			break
		}
		p.report(p.client.PlaceBet(ctx, n))
	case "answer":
		if rest == "" {
			p.say("mobile.help", nil)
			break
		}
		p.report(p.client.SubmitAnswer(ctx, rest))
	case "status":
		p.say("mobile.status", p.status())
	case "reconnect":
		p.report(p.client.ForceReconnect(ctx))
	case "reset":
		p.report(p.client.ResetLocalState(ctx))
	case "leave":
		p.report(p.client.Leave(ctx))
	default:
		p.say("common.unknown", map[string]any{"Cmd": cmd})
	}
	return false
}

func (p *player) status() map[string]any {
	team := p.client.Team()
	label := string(team.State)
	if team.TeamName != "" || team.TeamID != "" {
		label = fmt.Sprintf("%s %s (%s)", team.State, team.TeamName, team.TeamID)
	}
	return map[string]any{
		"State":   p.client.State(),
		"Team":    label,
		"Health":  p.client.Quality().HealthScore,
		"Pending": p.client.Pending(),
	}
}
