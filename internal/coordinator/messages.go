package coordinator

import (
	"time"

	"github.com/park285/quiz-buzzer/internal/protocol"
)

// Msg is an operator command for the coordinator loop.
type Msg interface{ isCoordinatorMsg() }

// Result answers a command. TeamID is set by CreateTeam.
type Result struct {
	TeamID string
	Err    error
}

type StartQuestion struct {
	QuestionID string
	Reply      chan Result
}

func (StartQuestion) isCoordinatorMsg() {}

type BeginResponse struct{ Reply chan Result }

func (BeginResponse) isCoordinatorMsg() {}

// Judge scores the answering team and completes the question.
type Judge struct {
	Correct bool
	Reply   chan Result
}

func (Judge) isCoordinatorMsg() {}

type ResetBuzzer struct{ Reply chan Result }

func (ResetBuzzer) isCoordinatorMsg() {}

type CreateTeam struct {
	Name  string
	Reply chan Result
}

func (CreateTeam) isCoordinatorMsg() {}

type DeleteTeam struct {
	TeamID string
	Reply  chan Result
}

func (DeleteTeam) isCoordinatorMsg() {}

// AdjustScore is a manual correction by the operator.
type AdjustScore struct {
	TeamID string
	Delta  int
	Reply  chan Result
}

func (AdjustScore) isCoordinatorMsg() {}

type AdvanceSuper struct{ Reply chan Result }

func (AdvanceSuper) isCoordinatorMsg() {}

type ExitSuper struct{ Reply chan Result }

func (ExitSuper) isCoordinatorMsg() {}

type JudgeSuper struct {
	TeamID  string
	Correct bool
	Reply   chan Result
}

func (JudgeSuper) isCoordinatorMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isCoordinatorMsg() {}

type TeamView struct {
	ID         string
	Name       string
	Score      int
	Members    int
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// View is a consistent copy of coordinator state. Super is unredacted.
type View struct {
	Teams   []TeamView
	Members map[string]string
	Buzzer  protocol.BuzzerState
	Super   protocol.SuperGameState
}

// Team finds a team by id or name.
func (v View) Team(key string) (TeamView, bool) {
	for _, t := range v.Teams {
		if t.ID == key || t.Name == key {
			return t, true
		}
	}
	return TeamView{}, false
}
