// Package buzzer implements the per-question timer: reading, response with an
// optional leader handicap, and a complete hold before the next question.
// Machine is not safe for concurrent use; the coordinator owns it.
package buzzer

import (
	"time"
	"unicode"

	"github.com/park285/quiz-buzzer/internal/protocol"
)

type Phase string

const (
	PhaseInactive Phase = "inactive"
	PhaseReading  Phase = "reading"
	PhaseResponse Phase = "response"
	PhaseComplete Phase = "complete"
)

type Config struct {
	ReadingTimePerLetter time.Duration
	// ResponseWindow of 0 means the response phase only ends on a scoring decision.
	ResponseWindow time.Duration
	HandicapDelay  time.Duration
	CompleteHold   time.Duration
}

// State is the authoritative timer snapshot.
type State struct {
	Active            bool
	Phase             Phase
	QuestionID        string
	ReadingRemaining  time.Duration
	ResponseRemaining time.Duration
	HandicapRemaining time.Duration
	HandicapActive    bool
	HandicapTeamID    string
}

// Step reports what a call changed.
type Step struct {
	From, To      Phase
	HandicapEnded bool
	HoldElapsed   bool
}

func (s Step) Changed() bool { return s.From != s.To }

// Dirty reports whether the mirror on clients is now out of date.
func (s Step) Dirty() bool { return s.Changed() || s.HandicapEnded }

type Machine struct {
	cfg    Config
	st     State
	leader string
	hold   time.Duration
	held   bool
}

func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, st: State{Phase: PhaseInactive}}
}

func (m *Machine) Config() Config { return m.cfg }

// SetConfig applies to the next question.
func (m *Machine) SetConfig(cfg Config) { m.cfg = cfg }

func (m *Machine) State() State { return m.st }

// Letters counts letters and digits; whitespace and punctuation are skipped.
func Letters(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			n++
		}
	}
	return n
}

// StartQuestion enters Reading, or Response directly when reading time is 0.
// leaderTeamID is handicapped in Response if a handicap delay is configured.
func (m *Machine) StartQuestion(questionID, text, leaderTeamID string) Step {
	from := m.st.Phase
	m.st = State{Active: true, Phase: PhaseReading, QuestionID: questionID}
	m.leader = leaderTeamID
	m.held = false
	m.hold = 0
	reading := m.cfg.ReadingTimePerLetter * time.Duration(Letters(text))
	if reading <= 0 {
		m.enterResponse()
		return Step{From: from, To: PhaseResponse}
	}
	m.st.ReadingRemaining = reading
	return Step{From: from, To: PhaseReading}
}

// BeginResponse is the host command that ends reading early.
func (m *Machine) BeginResponse() Step {
	from := m.st.Phase
	if from != PhaseReading {
		return Step{From: from, To: from}
	}
	m.enterResponse()
	return Step{From: from, To: PhaseResponse}
}

func (m *Machine) enterResponse() {
	m.st.Phase = PhaseResponse
	m.st.ReadingRemaining = 0
	m.st.ResponseRemaining = m.cfg.ResponseWindow
	if m.leader != "" && m.cfg.HandicapDelay > 0 {
		m.st.HandicapActive = true
		m.st.HandicapTeamID = m.leader
		m.st.HandicapRemaining = m.cfg.HandicapDelay
	}
}

// Complete ends the question on a scoring decision or timeout.
func (m *Machine) Complete() Step {
	from := m.st.Phase
	if from != PhaseReading && from != PhaseResponse {
		return Step{From: from, To: from}
	}
	m.st = State{Active: true, Phase: PhaseComplete, QuestionID: m.st.QuestionID}
	m.hold = m.cfg.CompleteHold
	m.held = false
	return Step{From: from, To: PhaseComplete}
}

// Reset returns to Inactive.
func (m *Machine) Reset() Step {
	from := m.st.Phase
	m.st = State{Phase: PhaseInactive}
	m.leader = ""
	m.hold = 0
	m.held = false
	return Step{From: from, To: PhaseInactive}
}

// Tick advances all running countdowns by elapsed.
func (m *Machine) Tick(elapsed time.Duration) Step {
	from := m.st.Phase
	step := Step{From: from, To: from}
	if elapsed <= 0 {
		return step
	}
	switch m.st.Phase {
	case PhaseReading:
		m.st.ReadingRemaining -= elapsed
		if m.st.ReadingRemaining <= 0 {
			m.enterResponse()
			step.To = PhaseResponse
		}
	case PhaseResponse:
		if m.st.HandicapActive {
			m.st.HandicapRemaining -= elapsed
			if m.st.HandicapRemaining <= 0 {
				m.st.HandicapRemaining = 0
				m.st.HandicapActive = false
				step.HandicapEnded = true
			}
		}
		if m.cfg.ResponseWindow > 0 {
			m.st.ResponseRemaining -= elapsed
			if m.st.ResponseRemaining <= 0 {
				m.Complete()
				step.To = PhaseComplete
				step.HandicapEnded = false
			}
		}
	case PhaseComplete:
		if m.held {
			break
		}
		m.hold -= elapsed
		if m.hold <= 0 {
			m.hold = 0
			m.held = true
			step.HoldElapsed = true
		}
	}
	return step
}

// CanBuzz is true only in Response, except for the handicapped team while its delay runs.
func (m *Machine) CanBuzz(teamID string) bool {
	if m.st.Phase != PhaseResponse {
		return false
	}
	if m.st.HandicapActive && teamID == m.st.HandicapTeamID {
		return false
	}
	return true
}

// Wire converts the timer fields to the broadcast shape; arbitration fields are left to the caller.
func (s State) Wire() protocol.BuzzerState {
	return protocol.BuzzerState{
		Active:            s.Active,
		Phase:             string(s.Phase),
		QuestionID:        s.QuestionID,
		ReadingRemaining:  s.ReadingRemaining.Milliseconds(),
		ResponseRemaining: s.ResponseRemaining.Milliseconds(),
		HandicapRemaining: s.HandicapRemaining.Milliseconds(),
		HandicapActive:    s.HandicapActive,
		HandicapTeamID:    s.HandicapTeamID,
	}
}
