package coordinator

import (
	"errors"
	"testing"
)

func TestSuperChainIsStrictlyForward(t *testing.T) {
	g := newSuperGame()
	for _, want := range []SuperPhase{SuperPlaceBets, SuperShowQuestion, SuperShowWinner} {
		got, err := g.advance("Q?")
		if err != nil || got != want {
			t.Fatalf("advance = %s, %v; want %s", got, err, want)
		}
	}
	if _, err := g.advance("Q?"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("advance past showWinner: %v", err)
	}
	g.reset()
	if g.phase != SuperIdle || len(g.bets) != 0 {
		t.Fatalf("reset left %+v", g)
	}
}

func TestSuperBetBounds(t *testing.T) {
	g := newSuperGame()
	if err := g.bet("A", 10, 100); !errors.Is(err, ErrBetRejected) {
		t.Fatalf("bet in idle: %v", err)
	}
	g.advance("")
	cases := []struct {
		amount, score int
		ok            bool
	}{
		{0, 100, true},
		{100, 100, true},
		{101, 100, false},
		{-1, 100, false},
		{0, -50, true},
		{1, -50, false},
	}
	for _, tc := range cases {
		err := g.bet("A", tc.amount, tc.score)
		if (err == nil) != tc.ok {
			t.Fatalf("bet(%d, score %d) err = %v", tc.amount, tc.score, err)
		}
	}
}

func TestSuperWireHidesUntilShowWinner(t *testing.T) {
	g := newSuperGame()
	g.advance("")
	if err := g.bet("A", 40, 100); err != nil {
		t.Fatalf("bet: %v", err)
	}
	g.advance("Capital of France?")
	if err := g.answer("A", " Paris "); err != nil {
		t.Fatalf("answer: %v", err)
	}

	hidden := g.wire(false)
	if hidden.Question != "Capital of France?" || len(hidden.Bets) != 1 || len(hidden.Answers) != 1 {
		t.Fatalf("state = %+v", hidden)
	}
	if hidden.Bets[0].Amount != 0 || !hidden.Bets[0].Submitted || hidden.Answers[0].Text != "" || hidden.Answers[0].Revealed {
		t.Fatalf("leaked before showWinner: %+v", hidden)
	}

	g.advance("")
	shown := g.wire(false)
	if shown.Bets[0].Amount != 40 || shown.Answers[0].Text != "Paris" {
		t.Fatalf("not revealed: %+v", shown)
	}
	delta, err := g.judge("A", false)
	if err != nil || delta != -40 {
		t.Fatalf("judge = %d, %v", delta, err)
	}
	if _, err := g.judge("A", true); !errors.Is(err, ErrAlreadyJudged) {
		t.Fatalf("second judge: %v", err)
	}
	if c := g.wire(false).Answers[0].Correct; c == nil || *c {
		t.Fatalf("correct flag = %v", c)
	}
}
