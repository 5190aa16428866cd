package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/park285/quiz-buzzer/internal/protocol"
)

type SuperPhase string

const (
	SuperIdle         SuperPhase = "idle"
	SuperPlaceBets    SuperPhase = "placeBets"
	SuperShowQuestion SuperPhase = "showQuestion"
	SuperShowWinner   SuperPhase = "showWinner"
)

// showWinner has no successor; leaving it is Exit.
var superNext = map[SuperPhase]SuperPhase{
	SuperIdle:         SuperPlaceBets,
	SuperPlaceBets:    SuperShowQuestion,
	SuperShowQuestion: SuperShowWinner,
}

var (
	ErrIllegalTransition = errors.New("illegal super game transition")
	ErrBetRejected       = errors.New("bet rejected")
	ErrAnswerRejected    = errors.New("answer rejected")
	ErrAlreadyJudged     = errors.New("team already judged")
)

type superAnswer struct {
	text    string
	correct *bool
}

type superGame struct {
	phase    SuperPhase
	question string
	bets     map[string]int
	answers  map[string]superAnswer
}

func newSuperGame() *superGame {
	g := &superGame{}
	g.reset()
	return g
}

func (g *superGame) reset() {
	g.phase = SuperIdle
	g.question = ""
	g.bets = make(map[string]int)
	g.answers = make(map[string]superAnswer)
}

// advance moves to the single legal successor. question is shown from showQuestion on.
func (g *superGame) advance(question string) (SuperPhase, error) {
	next, ok := superNext[g.phase]
	if !ok {
		return g.phase, fmt.Errorf("%w: from %s", ErrIllegalTransition, g.phase)
	}
	g.phase = next
	if next == SuperShowQuestion {
		g.question = question
	}
	return next, nil
}

// bet overwrites any earlier bet of teamID.
func (g *superGame) bet(teamID string, amount, score int) error {
	if g.phase != SuperPlaceBets {
		return fmt.Errorf("%w: phase %s", ErrBetRejected, g.phase)
	}
	if amount < 0 || amount > max(score, 0) {
		return fmt.Errorf("%w: %d outside 0..%d", ErrBetRejected, amount, max(score, 0))
	}
	g.bets[teamID] = amount
	return nil
}

func (g *superGame) answer(teamID, text string) error {
	if g.phase != SuperShowQuestion {
		return fmt.Errorf("%w: phase %s", ErrAnswerRejected, g.phase)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty answer", ErrAnswerRejected)
	}
	g.answers[teamID] = superAnswer{text: text}
	return nil
}

// judge returns the score delta for teamID: +bet or -bet. A team without a bet moves 0.
func (g *superGame) judge(teamID string, correct bool) (int, error) {
	if g.phase != SuperShowWinner {
		return 0, fmt.Errorf("%w: judge in %s", ErrIllegalTransition, g.phase)
	}
	a := g.answers[teamID]
	if a.correct != nil {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyJudged, teamID)
	}
	a.correct = &correct
	g.answers[teamID] = a
	delta := g.bets[teamID]
	if !correct {
		delta = -delta
	}
	return delta, nil
}

// forget drops a deleted team's bet and answer.
func (g *superGame) forget(teamID string) {
	delete(g.bets, teamID)
	delete(g.answers, teamID)
}

// wire renders the broadcast state. Amounts and texts stay hidden until showWinner
// unless reveal is set.
func (g *superGame) wire(reveal bool) protocol.SuperGameState {
	reveal = reveal || g.phase == SuperShowWinner
	st := protocol.SuperGameState{Phase: string(g.phase), Question: g.question}

	teams := make(map[string]struct{}, len(g.bets)+len(g.answers))
	for id := range g.bets {
		teams[id] = struct{}{}
	}
	for id := range g.answers {
		teams[id] = struct{}{}
	}
	ids := make([]string, 0, len(teams))
	for id := range teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if amount, ok := g.bets[id]; ok {
			b := protocol.SuperBetInfo{TeamID: id, Ready: true, Submitted: true}
			if reveal {
				b.Amount = amount
			}
			st.Bets = append(st.Bets, b)
		}
		if a, ok := g.answers[id]; ok {
			info := protocol.SuperAnswerInfo{TeamID: id, Submitted: true, Revealed: reveal, Correct: a.correct}
			if reveal {
				info.Text = a.text
			}
			st.Answers = append(st.Answers, info)
		}
	}
	return st
}
