package aggregate

import (
	"context"
	"math"

	"github.com/Mozmina/formatrice/internal/evaluation"
)

type OptionStat struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Count int    `json:"count"`
	// Percent is nil while there are no responses.
	Percent *int `json:"percent,omitempty"`
}

type QuestionStat struct {
	StepID   string       `json:"stepId"`
	Title    string       `json:"title"`
	Question string       `json:"question"`
	Multiple bool         `json:"multiple"`
	Options  []OptionStat `json:"options"`
}

type Summary struct {
	EvaluationID   string         `json:"evaluationId"`
	TotalResponses int            `json:"totalResponses"`
	Questions      []QuestionStat `json:"questions"`
}

// Empty reports the "no data yet" state.
func (s Summary) Empty() bool { return s.TotalResponses == 0 }

// Percentage rounds half up. ok is false when total is 0.
func Percentage(count, total int) (int, bool) {
	if total <= 0 {
		return 0, false
	}
	return int(math.Floor(100*float64(count)/float64(total) + 0.5)), true
}

// Compute builds per-option counts and percentages for every Question step of e.
// Responses of other evaluations are ignored. Options keep their authored order.
// A multiple-choice response counts once for each selected option, so counts of
// one question can add up to more than TotalResponses.
func Compute(e evaluation.Evaluation, responses []evaluation.Response) Summary {
	var own []evaluation.Response
	for _, r := range responses {
		if r.EvaluationID == e.ID {
			own = append(own, r)
		}
	}
	total := len(own)
	sum := Summary{EvaluationID: e.ID, TotalResponses: total, Questions: []QuestionStat{}}

	for _, q := range e.Questions() {
		counts := make(map[string]int, len(q.Options))
		for _, r := range own {
			v, ok := r.Answers[q.ID]
			if !ok {
				continue
			}
			if q.Multiple {
				seen := map[string]bool{}
				for _, id := range evaluation.ChoiceSet(v) {
					if !seen[id] {
						seen[id] = true
						counts[id]++
					}
				}
				continue
			}
			if id := evaluation.SingleChoice(v); id != "" {
				counts[id]++
			}
		}

		qs := QuestionStat{StepID: q.ID, Title: q.Title, Question: q.Question, Multiple: q.Multiple, Options: make([]OptionStat, 0, len(q.Options))}
		for _, o := range q.Options {
			st := OptionStat{ID: o.ID, Label: o.Label, Count: counts[o.ID]}
			if pct, ok := Percentage(st.Count, total); ok {
				p := pct
				st.Percent = &p
			}
			qs.Options = append(qs.Options, st)
		}
		sum.Questions = append(sum.Questions, qs)
	}
	return sum
}

// Source lists the stored responses of an evaluation.
type Source interface {
	ListResponses(ctx context.Context, evaluationID string) ([]evaluation.Response, error)
}

type Engine struct {
	src Source
}

func NewEngine(src Source) *Engine { return &Engine{src: src} }

// Summarize fetches the evaluation's responses and computes the summary.
func (g *Engine) Summarize(ctx context.Context, e evaluation.Evaluation) (Summary, error) {
	responses, err := g.src.ListResponses(ctx, e.ID)
	if err != nil {
		return Summary{}, err
	}
	return Compute(e, responses), nil
}
