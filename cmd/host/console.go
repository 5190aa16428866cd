package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/park285/quiz-buzzer/internal/coordinator"
	"github.com/park285/quiz-buzzer/internal/msgcat"
	"github.com/park285/quiz-buzzer/internal/session"
)

var errQuit = errors.New("operator quit")

// console is the operator's stdin command loop.
type console struct {
	coord *coordinator.Coordinator
	host  *session.Host
	cat   *msgcat.Catalog
	out   io.Writer
	// join is the link mobiles scan to reach this host.
	join string
}

func (c *console) run(ctx context.Context, in io.Reader) error {
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
			if c.exec(ctx, line) {
				return errQuit
			}
		}
	}
}

func (c *console) say(key string, data any) {
	fmt.Fprintln(c.out, strings.TrimRight(c.cat.Text(key, data), "\n"))
}

func (c *console) report(err error) {
	if err != nil {
		c.say("common.error", map[string]any{"Err": err})
		return
	}
	c.say("common.ok", nil)
}

// exec runs one command line and reports whether the operator asked to quit.
func (c *console) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.say("host.help", nil)
	case "quit", "exit":
		c.say("common.bye", nil)
		return true
	case "teams":
		c.listTeams(ctx)
	case "players":
		c.listPlayers()
	case "team":
		c.teamCommand(ctx, args)
	case "q":
		if len(args) != 1 {
			c.say("host.help", nil)
			break
		}
		c.report(c.coord.StartQuestion(ctx, args[0]))
	case "go":
		c.report(c.coord.BeginResponse(ctx))
	case "right", "wrong":
		c.report(c.coord.Judge(ctx, cmd == "right"))
	case "reset":
		c.report(c.coord.ResetBuzzer(ctx))
	case "score":
		if len(args) != 2 {
			c.say("host.help", nil)
			break
		}
		delta, err := strconv.Atoi(args[1])
		if err != nil {
			c.report(fmt.Errorf("bad delta %q", args[1]))
			break
		}
		c.report(c.coord.AdjustScore(ctx, args[0], delta))
	case "super":
		c.superCommand(ctx, args)
	case "kick":
		if len(args) == 0 {
			c.say("host.help", nil)
			break
		}
		data := map[string]any{"PersistentID": args[0]}
		if c.host.Kick(args[0], strings.Join(args[1:], " ")) {
			c.say("host.kicked", data)
		} else {
			c.say("host.not_found", data)
		}
	case "qr":
		c.printJoin()
	case "state":
		v, err := c.coord.State(ctx)
		if err != nil {
			c.report(err)
			break
		}
		c.say("host.buzzer", v.Buzzer)
		c.say("host.super", v.Super)
	default:
		c.say("common.unknown", map[string]any{"Cmd": cmd})
	}
	return false
}

func (c *console) teamCommand(ctx context.Context, args []string) {
	if len(args) < 2 {
		c.say("host.help", nil)
		return
	}
	switch strings.ToLower(args[0]) {
	case "add":
		id, err := c.coord.CreateTeam(ctx, strings.Join(args[1:], " "))
		if err != nil {
			c.report(err)
			return
		}
		c.say("host.team_created", map[string]any{"ID": id})
	case "del", "delete":
		c.report(c.coord.DeleteTeam(ctx, args[1]))
	default:
		c.say("host.help", nil)
	}
}

func (c *console) superCommand(ctx context.Context, args []string) {
	if len(args) == 0 {
		c.say("host.help", nil)
		return
	}
	switch strings.ToLower(args[0]) {
	case "next":
		c.report(c.coord.AdvanceSuper(ctx))
	case "exit":
		c.report(c.coord.ExitSuper(ctx))
	case "judge":
		if len(args) != 3 {
			c.say("host.help", nil)
			return
		}
		c.report(c.coord.JudgeSuper(ctx, args[1], strings.EqualFold(args[2], "right")))
	default:
		c.say("host.help", nil)
	}
}

func (c *console) printJoin() {
	if c.join == "" {
		c.report(errors.New("no join link"))
		return
	}
	q, err := qrcode.New(c.join, qrcode.Medium)
	if err != nil {
		c.report(err)
		return
	}
	fmt.Fprint(c.out, q.ToSmallString(false))
	c.say("host.join", map[string]any{"Link": c.join})
}

func (c *console) listTeams(ctx context.Context) {
	v, err := c.coord.State(ctx)
	if err != nil {
		c.report(err)
		return
	}
	if len(v.Teams) == 0 {
		c.say("host.no_teams", nil)
		return
	}
	for _, t := range v.Teams {
		c.say("host.team_line", t)
	}
}

func (c *console) listPlayers() {
	sessions := c.host.Sessions()
	if len(sessions) == 0 {
		c.say("host.no_players", nil)
		return
	}
	for _, s := range sessions {
		c.say("host.player_line", s.Player())
	}
}
