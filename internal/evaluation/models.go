package evaluation

import (
	"errors"
	"time"
)

var (
	ErrDuplicateStepID = errors.New("duplicate step id")
	ErrStepNotFound    = errors.New("step not found")
	ErrNotFound        = errors.New("evaluation not found")
)

type StepKind string

const (
	KindSituation StepKind = "situation"
	KindQuestion  StepKind = "question"
	KindSelfEval  StepKind = "self_eval"
	KindResults   StepKind = "results"
)

// Kinds lists every step variant, in the order the editor offers them.
var Kinds = []StepKind{KindSituation, KindQuestion, KindSelfEval, KindResults}

// Step is one screen of an evaluation. The set of implementations is closed:
// Situation, Question, SelfEval and Results. Consumers switch on the concrete
// type and panic on anything else (see Unhandled).
type Step interface {
	StepID() string
	StepTitle() string
	Kind() StepKind
	isStep()
}

// Situation is informational; no answer is captured.
type Situation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
}

type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Question captures one option id, or a set of them when Multiple.
type Question struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Question string   `json:"question"`
	Options  []Option `json:"options"`
	Multiple bool     `json:"multiple"`
}

// SelfEval captures a 0-100 slider position plus a free-text justification.
type SelfEval struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Prompt   string `json:"prompt"`
	MinLabel string `json:"minLabel"`
	MaxLabel string `json:"maxLabel"`
}

// Results shows group aggregates. TargetStepIDs is stored but not consulted:
// aggregation always covers every Question of the evaluation.
type Results struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	TargetStepIDs []string `json:"targetStepIds"`
}

func (s Situation) StepID() string { return s.ID }
func (s Question) StepID() string  { return s.ID }
func (s SelfEval) StepID() string  { return s.ID }
func (s Results) StepID() string   { return s.ID }

func (s Situation) StepTitle() string { return s.Title }
func (s Question) StepTitle() string  { return s.Title }
func (s SelfEval) StepTitle() string  { return s.Title }
func (s Results) StepTitle() string   { return s.Title }

func (Situation) Kind() StepKind { return KindSituation }
func (Question) Kind() StepKind  { return KindQuestion }
func (SelfEval) Kind() StepKind  { return KindSelfEval }
func (Results) Kind() StepKind   { return KindResults }

func (Situation) isStep() {}
func (Question) isStep()  {}
func (SelfEval) isStep()  {}
func (Results) isStep()   {}

// HasOption reports whether id is one of the question's options.
func (q Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Unhandled is the panic value for a Step implementation a switch does not know.
// It can only fire if a variant is added to this package without updating every consumer.
func Unhandled(s Step) string {
	if s == nil {
		return "evaluation: nil step"
	}
	return "evaluation: unhandled step kind " + string(s.Kind())
}

type Evaluation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	Steps     []Step    `json:"-"`
}

// Response is one learner's accumulated answers for one evaluation, keyed by step id.
// Values are a string (single choice), []string (multiple choice) or a
// self-evaluation map {position, justification}.
type Response struct {
	EvaluationID string         `json:"evaluationId"`
	UserID       string         `json:"userId"`
	Answers      map[string]any `json:"answers"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

const DefaultPosition = 50

type SelfEvalAnswer struct {
	Position      int    `json:"position"`
	Justification string `json:"justification"`
}

func ClampPosition(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func (a SelfEvalAnswer) Value() map[string]any {
	return map[string]any{"position": ClampPosition(a.Position), "justification": a.Justification}
}

const (
	DefaultSituationTitle       = "Chantier de rénovation intérieure"
	DefaultSituationDescription = "Vous percez un mur pour fixer un support métallique.\n\nNote : D'autres corps de métier sont présents à proximité (électricien, peintre)."
)
