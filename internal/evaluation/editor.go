package evaluation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func NewID() string { return uuid.NewString() }

// New returns an evaluation holding the default situation step.
func New(id, title string, now time.Time) Evaluation {
	if id == "" {
		id = NewID()
	}
	if strings.TrimSpace(title) == "" {
		title = "Nouvelle évaluation"
	}
	return Evaluation{
		ID:        id,
		Title:     title,
		CreatedAt: now.UTC(),
		Steps: []Step{Situation{
			ID:          NewID(),
			Title:       DefaultSituationTitle,
			Description: DefaultSituationDescription,
		}},
	}
}

// NewStep returns a blank step of the given kind with editor defaults.
func NewStep(kind StepKind, id string) (Step, error) {
	if id == "" {
		id = NewID()
	}
	switch kind {
	case KindSituation:
		return Situation{ID: id, Title: "Situation"}, nil
	case KindQuestion:
		return Question{ID: id, Title: "Question", Options: []Option{
			{ID: NewID(), Label: "Option 1"},
			{ID: NewID(), Label: "Option 2"},
		}}, nil
	case KindSelfEval:
		return SelfEval{ID: id, Title: "Auto-évaluation", MinLabel: "Pas du tout", MaxLabel: "Tout à fait"}, nil
	case KindResults:
		return Results{ID: id, Title: "Résultats du groupe", TargetStepIDs: []string{}}, nil
	}
	return nil, fmt.Errorf("unknown step kind %q", kind)
}

// Validate checks the only structural rule: step ids are unique and non-empty.
func (e Evaluation) Validate() error {
	seen := make(map[string]bool, len(e.Steps))
	for _, s := range e.Steps {
		id := s.StepID()
		if id == "" {
			return fmt.Errorf("step without id")
		}
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, id)
		}
		seen[id] = true
	}
	return nil
}

func (e Evaluation) StepIndex(id string) int {
	for i, s := range e.Steps {
		if s.StepID() == id {
			return i
		}
	}
	return -1
}

func (e Evaluation) Step(id string) (Step, bool) {
	if i := e.StepIndex(id); i >= 0 {
		return e.Steps[i], true
	}
	return nil, false
}

// Questions returns every Question step in authored order.
func (e Evaluation) Questions() []Question {
	var out []Question
	for _, s := range e.Steps {
		if q, ok := s.(Question); ok {
			out = append(out, q)
		}
	}
	return out
}

// AddStep inserts s at index at, or appends when at is out of range.
func (e *Evaluation) AddStep(s Step, at int) error {
	if s == nil || s.StepID() == "" {
		return fmt.Errorf("step without id")
	}
	if e.StepIndex(s.StepID()) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateStepID, s.StepID())
	}
	if at < 0 || at >= len(e.Steps) {
		e.Steps = append(e.Steps, s)
		return nil
	}
	e.Steps = append(e.Steps, nil)
	copy(e.Steps[at+1:], e.Steps[at:])
	e.Steps[at] = s
	return nil
}

// UpdateStep replaces the step with the same id. The kind may change.
func (e *Evaluation) UpdateStep(s Step) error {
	i := e.StepIndex(s.StepID())
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrStepNotFound, s.StepID())
	}
	e.Steps[i] = s
	return nil
}

func (e *Evaluation) RemoveStep(id string) error {
	i := e.StepIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	e.Steps = append(e.Steps[:i], e.Steps[i+1:]...)
	return nil
}

// MoveStep moves a step to index to, clamped to the valid range.
func (e *Evaluation) MoveStep(id string, to int) error {
	i := e.StepIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if to < 0 {
		to = 0
	}
	if to >= len(e.Steps) {
		to = len(e.Steps) - 1
	}
	s := e.Steps[i]
	e.Steps = append(e.Steps[:i], e.Steps[i+1:]...)
	e.Steps = append(e.Steps, nil)
	copy(e.Steps[to+1:], e.Steps[to:])
	e.Steps[to] = s
	return nil
}
