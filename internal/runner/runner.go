package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mozmina/formatrice/internal/evaluation"
	"github.com/Mozmina/formatrice/pkg/logger"
)

var (
	ErrComplete      = errors.New("evaluation complete")
	ErrNotApplicable = errors.New("action does not apply to the current step")
	ErrUnknownOption = errors.New("unknown option")
)

// ResponseWriter persists the learner's full answer map. Implemented by
// evaluation.Repository.
type ResponseWriter interface {
	UpsertResponse(ctx context.Context, evaluationID, learnerID string, answers map[string]any) error
}

// WritePolicy decides how often answer mutations reach the store. The zero
// value writes through on every mutation.
type WritePolicy struct {
	// Throttle, when > 0, allows at most one upsert per interval. A skipped
	// write is flushed on the next advance.
	Throttle time.Duration
}

func WriteThrough() WritePolicy { return WritePolicy{} }

func Throttled(every time.Duration) WritePolicy { return WritePolicy{Throttle: every} }

const writeTimeout = 5 * time.Second

// Runtime walks one learner through one evaluation. The cursor ranges over
// [0, len(steps)]; len(steps) is the terminal "complete" state. There is no way back.
//
// Runtime is not safe for concurrent use; the owning learner session serialises calls.
type Runtime struct {
	eval      evaluation.Evaluation
	learnerID string
	cursor    int
	answers   map[string]any

	w       ResponseWriter
	limiter *rate.Limiter
	dirty   bool
	syncErr error

	schedule  func(delay time.Duration)
	scheduled bool

	log *logger.Logger
}

func New(e evaluation.Evaluation, learnerID string, w ResponseWriter, policy WritePolicy, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Nop()
	}
	r := &Runtime{
		eval:      e,
		learnerID: learnerID,
		answers:   map[string]any{},
		w:         w,
		log:       log.With("component", "Runtime", "evaluation", e.ID, "learner", learnerID),
	}
	if policy.Throttle > 0 {
		r.limiter = rate.NewLimiter(rate.Every(policy.Throttle), 1)
	}
	return r
}

// OnPendingWrite registers fn to be told when a throttled write was held back.
// fn must arrange for Flush to be called after delay; it runs inside the
// mutating call, so it should only start a timer.
func (r *Runtime) OnPendingWrite(fn func(delay time.Duration)) { r.schedule = fn }

// Flush writes an answer map held back by the throttle, if any.
func (r *Runtime) Flush(ctx context.Context) {
	r.scheduled = false
	if r.dirty {
		r.write(ctx)
	}
}

func (r *Runtime) Evaluation() evaluation.Evaluation { return r.eval }
func (r *Runtime) Index() int                        { return r.cursor }
func (r *Runtime) Complete() bool                    { return r.cursor >= len(r.eval.Steps) }

// SyncError is the last store failure, cleared by the next successful write.
func (r *Runtime) SyncError() error { return r.syncErr }

func (r *Runtime) Current() (evaluation.Step, bool) {
	if r.Complete() {
		return nil, false
	}
	return r.eval.Steps[r.cursor], true
}

func (r *Runtime) Answer(stepID string) (any, bool) {
	v, ok := r.answers[stepID]
	return v, ok
}

func (r *Runtime) Answers() map[string]any {
	out := make(map[string]any, len(r.answers))
	for k, v := range r.answers {
		out[k] = cloneValue(v)
	}
	return out
}

// SelectOption records the answer of a single-choice question.
func (r *Runtime) SelectOption(ctx context.Context, optionID string) error {
	q, err := r.currentQuestion()
	if err != nil {
		return err
	}
	if q.Multiple {
		return fmt.Errorf("%w: question %s takes several options", ErrNotApplicable, q.ID)
	}
	if !q.HasOption(optionID) {
		return fmt.Errorf("%w: %s", ErrUnknownOption, optionID)
	}
	r.answers[q.ID] = optionID
	r.persist(ctx)
	return nil
}

// ToggleOption adds optionID to a multiple-choice answer, or removes it if present.
func (r *Runtime) ToggleOption(ctx context.Context, optionID string) error {
	q, err := r.currentQuestion()
	if err != nil {
		return err
	}
	if !q.Multiple {
		return fmt.Errorf("%w: question %s takes one option", ErrNotApplicable, q.ID)
	}
	if !q.HasOption(optionID) {
		return fmt.Errorf("%w: %s", ErrUnknownOption, optionID)
	}
	cur := evaluation.ChoiceSet(r.answers[q.ID])
	next := make([]string, 0, len(cur)+1)
	found := false
	for _, id := range cur {
		if id == optionID {
			found = true
			continue
		}
		next = append(next, id)
	}
	if !found {
		next = append(next, optionID)
	}
	r.answers[q.ID] = next
	r.persist(ctx)
	return nil
}

func (r *Runtime) SetPosition(ctx context.Context, position int) error {
	s, err := r.currentSelfEval()
	if err != nil {
		return err
	}
	a := evaluation.DecodeSelfEval(r.answers[s.ID])
	a.Position = evaluation.ClampPosition(position)
	r.answers[s.ID] = a.Value()
	r.persist(ctx)
	return nil
}

func (r *Runtime) SetJustification(ctx context.Context, text string) error {
	s, err := r.currentSelfEval()
	if err != nil {
		return err
	}
	a := evaluation.DecodeSelfEval(r.answers[s.ID])
	a.Justification = text
	r.answers[s.ID] = a.Value()
	r.persist(ctx)
	return nil
}

// CanAdvance applies the guard of the current step.
func (r *Runtime) CanAdvance() bool {
	step, ok := r.Current()
	if !ok {
		return false
	}
	switch s := step.(type) {
	case evaluation.Situation, evaluation.Results:
		return true
	case evaluation.Question:
		if s.Multiple {
			return len(evaluation.ChoiceSet(r.answers[s.ID])) > 0
		}
		return evaluation.SingleChoice(r.answers[s.ID]) != ""
	case evaluation.SelfEval:
		return strings.TrimSpace(evaluation.DecodeSelfEval(r.answers[s.ID]).Justification) != ""
	default:
		panic(evaluation.Unhandled(step))
	}
}

// Advance moves to the next step when the guard allows it and reports whether it moved.
func (r *Runtime) Advance(ctx context.Context) bool {
	if !r.CanAdvance() {
		return false
	}
	if r.dirty {
		r.write(ctx)
	}
	r.cursor++
	return true
}

// ReplaceEvaluation swaps in a newer version of the same evaluation (an admin
// edit). Answers are kept; the cursor is clamped. A completed run is left alone.
func (r *Runtime) ReplaceEvaluation(e evaluation.Evaluation) {
	if e.ID != r.eval.ID || r.Complete() {
		return
	}
	r.eval = e
	if r.cursor > len(e.Steps) {
		r.cursor = len(e.Steps)
	}
}

func (r *Runtime) currentQuestion() (evaluation.Question, error) {
	step, ok := r.Current()
	if !ok {
		return evaluation.Question{}, ErrComplete
	}
	q, ok := step.(evaluation.Question)
	if !ok {
		return evaluation.Question{}, fmt.Errorf("%w: current step is %s", ErrNotApplicable, step.Kind())
	}
	return q, nil
}

func (r *Runtime) currentSelfEval() (evaluation.SelfEval, error) {
	step, ok := r.Current()
	if !ok {
		return evaluation.SelfEval{}, ErrComplete
	}
	s, ok := step.(evaluation.SelfEval)
	if !ok {
		return evaluation.SelfEval{}, fmt.Errorf("%w: current step is %s", ErrNotApplicable, step.Kind())
	}
	return s, nil
}

func (r *Runtime) persist(ctx context.Context) {
	if r.limiter != nil && !r.limiter.Allow() {
		r.dirty = true
		if r.schedule != nil && !r.scheduled {
			r.scheduled = true
			r.schedule(r.limiter.Reserve().Delay())
		}
		return
	}
	r.write(ctx)
}

// write is best effort: local answers stay authoritative and nothing is retried.
func (r *Runtime) write(ctx context.Context) {
	r.dirty = false
	if r.w == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.w.UpsertResponse(wctx, r.eval.ID, r.learnerID, r.Answers()); err != nil {
		r.syncErr = err
		r.log.Warn("response upsert failed", "error", err)
		return
	}
	r.syncErr = nil
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	}
	return v
}
