package gamepack

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

//go:embed sample.yaml
var sampleFiles embed.FS

var (
	ErrEmptyPack       = errors.New("game pack has no questions")
	ErrDuplicateID     = errors.New("duplicate question id")
	ErrQuestionMissing = errors.New("question not found")
)

// Pack is rounds -> themes -> questions. It is read-only once loaded.
type Pack struct {
	Title  string  `yaml:"title"`
	Rounds []Round `yaml:"rounds"`
	Super  *Super  `yaml:"super,omitempty"`

	index map[string]Question
}

type Round struct {
	Name   string  `yaml:"name"`
	Themes []Theme `yaml:"themes"`
}

type Theme struct {
	Name      string     `yaml:"name"`
	Questions []Question `yaml:"questions"`
}

type Question struct {
	ID            string   `yaml:"id"`
	Points        int      `yaml:"points"`
	Text          string   `yaml:"text"`
	Answers       []string `yaml:"answers,omitempty"`
	CorrectAnswer *int     `yaml:"correct_answer,omitempty"`
}

// Super is the final betting round.
type Super struct {
	Theme    string `yaml:"theme"`
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// Load reads a pack from path, or the embedded sample when path is empty.
func Load(path string) (*Pack, error) {
	var (
		raw []byte
		err error
	)
	if strings.TrimSpace(path) == "" {
		raw, err = fs.ReadFile(sampleFiles, "sample.yaml")
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read game pack: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse game pack: %w", err)
	}
	if err := p.buildIndex(); err != nil {
		return nil, err
	}
	return &p, nil
}

// questions without an id get r<round>t<theme>q<question>, 1-based
func (p *Pack) buildIndex() error {
	p.index = make(map[string]Question)
	for ri := range p.Rounds {
		for ti := range p.Rounds[ri].Themes {
			qs := p.Rounds[ri].Themes[ti].Questions
			for qi := range qs {
				if qs[qi].ID == "" {
					qs[qi].ID = fmt.Sprintf("r%dt%dq%d", ri+1, ti+1, qi+1)
				}
				if _, dup := p.index[qs[qi].ID]; dup {
					return fmt.Errorf("%w: %s", ErrDuplicateID, qs[qi].ID)
				}
				p.index[qs[qi].ID] = qs[qi]
			}
		}
	}
	if len(p.index) == 0 {
		return ErrEmptyPack
	}
	return nil
}

// Question looks up a question by id.
func (p *Pack) Question(id string) (Question, error) {
	q, ok := p.index[id]
	if !ok {
		return Question{}, fmt.Errorf("%w: %s", ErrQuestionMissing, id)
	}
	return q, nil
}

// Points reports the value of question id; 0 when unknown.
func (p *Pack) Points(id string) int {
	return p.index[id].Points
}

func (p *Pack) Len() int { return len(p.index) }
