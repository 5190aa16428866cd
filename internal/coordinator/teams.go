package coordinator

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/quiz-buzzer/internal/protocol"
)

const maxTeamName = 24

func normalizeTeamName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" || utf8.RuneCountInString(name) > maxTeamName {
		return "", fmt.Errorf("%w: %q", ErrInvalidTeamName, name)
	}
	return name, nil
}

func (c *Coordinator) teamByName(name string) *team {
	name = strings.Join(strings.Fields(name), " ")
	for _, id := range c.order {
		if t := c.teams[id]; strings.EqualFold(t.name, name) {
			return t
		}
	}
	return nil
}

// ensureTeam returns the team named name, creating it if needed. Names compare case-insensitively.
func (c *Coordinator) ensureTeam(name string) (*team, error) {
	name, err := normalizeTeamName(name)
	if err != nil {
		return nil, err
	}
	if t := c.teamByName(name); t != nil {
		return t, nil
	}
	now := c.clock.Now()
	t := &team{id: uuid.NewString()[:8], name: name, createdAt: now, lastUsedAt: now}
	c.teams[t.id] = t
	c.order = append(c.order, t.id)
	c.publishRoster()
	c.log.Info("team_created", zap.String("team_id", t.id), zap.String("name", t.name))
	return t, nil
}

// assign moves pid into t, confirms it to the client and syncs everyone.
func (c *Coordinator) assign(pid string, t *team) {
	now := c.clock.Now()
	if prev := c.teams[c.members[pid]]; prev != nil && prev != t {
		prev.lastUsedAt = now
	}
	c.members[pid] = t.id
	t.lastUsedAt = now
	c.peers.SetTeam(pid, t.id)
	c.publishRoster()
	c.peers.Send(pid, protocol.MustNew(protocol.TypeTeamConfirmed, protocol.TeamConfirmed{TeamID: t.id, TeamName: t.name}))
	c.log.Info("team_joined", zap.String("persistent_id", pid), zap.String("team_id", t.id))
	c.broadcastRoster()
}

func (c *Coordinator) unassign(pid string) {
	tid, ok := c.members[pid]
	if !ok {
		return
	}
	delete(c.members, pid)
	if t := c.teams[tid]; t != nil {
		t.lastUsedAt = c.clock.Now()
	}
	c.peers.SetTeam(pid, "")
	c.publishRoster()
	c.log.Info("team_left", zap.String("persistent_id", pid), zap.String("team_id", tid))
	c.broadcastRoster()
}

func (c *Coordinator) deleteTeam(teamID, reason string) {
	delete(c.teams, teamID)
	for i, id := range c.order {
		if id == teamID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	for pid, tid := range c.members {
		if tid == teamID {
			delete(c.members, pid)
		}
	}
	c.peers.ClearTeam(teamID)
	c.super.forget(teamID)
	c.publishRoster()
	c.log.Info("team_deleted", zap.String("team_id", teamID), zap.String("reason", reason))
	c.peers.Broadcast(protocol.MustNew(protocol.TypeTeamDeleted, protocol.TeamDeleted{TeamID: teamID}))
	c.broadcastRoster()
}

// cleanupTeams drops teams with no member sessions, in any status, unused for TeamIdleTTL.
func (c *Coordinator) cleanupTeams(now time.Time) {
	counts := c.memberCounts()
	var idle []string
	for _, id := range c.order {
		if counts[id] == 0 && now.Sub(c.teams[id].lastUsedAt) >= c.opts.TeamIdleTTL {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		c.deleteTeam(id, "idle")
	}
}

func (c *Coordinator) memberCounts() map[string]int {
	counts := make(map[string]int, len(c.teams))
	for _, tid := range c.members {
		counts[tid]++
	}
	return counts
}

func (c *Coordinator) publishRoster() {
	counts := c.memberCounts()
	out := make([]protocol.TeamInfo, 0, len(c.order))
	for _, id := range c.order {
		t := c.teams[id]
		out = append(out, protocol.TeamInfo{ID: t.id, Name: t.name, Score: t.score, MemberCount: counts[id]})
	}
	c.roster.Store(&out)
}
