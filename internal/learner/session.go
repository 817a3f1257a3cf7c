package learner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mozmina/formatrice/internal/activation"
	"github.com/Mozmina/formatrice/internal/aggregate"
	"github.com/Mozmina/formatrice/internal/docstore"
	"github.com/Mozmina/formatrice/internal/evaluation"
	"github.com/Mozmina/formatrice/internal/runner"
	"github.com/Mozmina/formatrice/pkg/logger"
)

// ErrWaiting is returned for step actions while no evaluation is live.
var ErrWaiting = errors.New("no active evaluation")

// Source is the slice of evaluation.Repository a session needs.
type Source interface {
	activation.PointerSource
	runner.ResponseWriter
	SubscribeEvaluation(id string, fn func(e evaluation.Evaluation, ok bool)) (docstore.Unsubscribe, error)
	SubscribeResponses(evaluationID string, fn func([]evaluation.Response)) (docstore.Unsubscribe, error)
}

type State string

const (
	StateWaiting  State = "waiting"
	StateStep     State = "step"
	StateComplete State = "complete"
)

// View is everything a learner screen renders.
type View struct {
	State        State              `json:"state"`
	EvaluationID string             `json:"evaluationId,omitempty"`
	Title        string             `json:"title,omitempty"`
	StepIndex    int                `json:"stepIndex"`
	StepCount    int                `json:"stepCount"`
	Step         map[string]any     `json:"step,omitempty"`
	Answer       any                `json:"answer,omitempty"`
	CanAdvance   bool               `json:"canAdvance"`
	Results      *aggregate.Summary `json:"results,omitempty"`
	SyncError    string             `json:"syncError,omitempty"`
}

// Action is one answer mutation. Exactly one field is expected; Position and
// Justification may be sent together.
type Action struct {
	Option        string  `json:"option,omitempty"`
	Toggle        string  `json:"toggle,omitempty"`
	Position      *int    `json:"position,omitempty"`
	Justification *string `json:"justification,omitempty"`
}

func (a Action) empty() bool {
	return a.Option == "" && a.Toggle == "" && a.Position == nil && a.Justification == nil
}

// Session is one learner's live connection to the evaluation flow: it follows
// the activation pointer, runs the current evaluation and keeps the group
// results fresh while a Results step is on screen.
type Session struct {
	mu        sync.Mutex
	learnerID string
	src       Source
	policy    runner.WritePolicy
	log       *logger.Logger

	gate         *activation.Gate
	activeID     string
	rt           *runner.Runtime
	evalUnsub    docstore.Unsubscribe
	resultsUnsub docstore.Unsubscribe
	results      *aggregate.Summary

	listeners map[int]func(View)
	nextID    int
	lastSeen  time.Time
	closed    bool
}

func NewSession(learnerID string, src Source, policy runner.WritePolicy, log *logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Session{
		learnerID: learnerID,
		src:       src,
		policy:    policy,
		log:       log.With("component", "LearnerSession", "learner", learnerID),
		listeners: map[int]func(View){},
		lastSeen:  time.Now(),
	}
	g, err := activation.Watch(src, s.onActive)
	if err != nil {
		return nil, fmt.Errorf("watch activation: %w", err)
	}
	s.mu.Lock()
	s.gate = g
	s.mu.Unlock()
	return s, nil
}

func (s *Session) LearnerID() string { return s.learnerID }

// View returns the current screen state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	return s.viewLocked()
}

// Watch registers fn for every view change. fn runs with the session locked
// and must not block or call back into the session.
func (s *Session) Watch(fn func(View)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Answer applies a on the current step and persists the answer map.
func (s *Session) Answer(ctx context.Context, a Action) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	if s.rt == nil {
		return s.viewLocked(), ErrWaiting
	}
	if a.empty() {
		return s.viewLocked(), fmt.Errorf("%w: empty action", runner.ErrNotApplicable)
	}

	var err error
	switch {
	case a.Option != "":
		err = s.rt.SelectOption(ctx, a.Option)
	case a.Toggle != "":
		err = s.rt.ToggleOption(ctx, a.Toggle)
	default:
		if a.Position != nil {
			err = s.rt.SetPosition(ctx, *a.Position)
		}
		if err == nil && a.Justification != nil {
			err = s.rt.SetJustification(ctx, *a.Justification)
		}
	}
	if err != nil {
		return s.viewLocked(), err
	}
	return s.publishLocked(), nil
}

// Advance moves to the next step when the current one allows it.
func (s *Session) Advance(ctx context.Context) (View, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	if s.rt == nil {
		return s.viewLocked(), false, ErrWaiting
	}
	if s.rt.Complete() {
		return s.viewLocked(), false, runner.ErrComplete
	}
	moved := s.rt.Advance(ctx)
	if moved {
		s.syncResultsLocked()
	}
	return s.publishLocked(), moved, nil
}

// IdleSince reports the last time the learner touched the session.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	g := s.gate
	s.teardownLocked()
	s.listeners = map[int]func(View){}
	s.mu.Unlock()
	if g != nil {
		g.Close()
	}
}

func (s *Session) onActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.teardownLocked()
	s.activeID = id
	if id == "" {
		s.log.Debug("no active evaluation")
		s.publishLocked()
		return
	}

	s.log.Info("active evaluation changed", "evaluation", id)
	unsub, err := s.src.SubscribeEvaluation(id, func(e evaluation.Evaluation, ok bool) {
		s.onEvaluation(id, e, ok)
	})
	if err != nil {
		s.log.Error("subscribe evaluation failed", "evaluation", id, "error", err)
		s.publishLocked()
		return
	}
	s.evalUnsub = unsub
	s.publishLocked()
}

func (s *Session) onEvaluation(id string, e evaluation.Evaluation, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || id != s.activeID {
		return
	}
	switch {
	case !ok:
		s.log.Warn("active evaluation does not exist", "evaluation", id)
		s.stopResultsLocked()
		s.rt = nil
	case s.rt == nil:
		rt := runner.New(e, s.learnerID, s.src, s.policy, s.log)
		rt.OnPendingWrite(func(delay time.Duration) {
			time.AfterFunc(delay, func() { s.flushPending(rt) })
		})
		s.rt = rt
	default:
		s.rt.ReplaceEvaluation(e)
	}
	s.syncResultsLocked()
	s.publishLocked()
}

// flushPending writes answers the throttle held back while the learner idles.
func (s *Session) flushPending(rt *runner.Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.rt != rt {
		return
	}
	rt.Flush(context.Background())
	s.publishLocked()
}

func (s *Session) onResponses(id string, rs []evaluation.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || id != s.activeID || s.rt == nil || s.resultsUnsub == nil {
		return
	}
	sum := aggregate.Compute(s.rt.Evaluation(), rs)
	s.results = &sum
	s.publishLocked()
}

// syncResultsLocked holds a responses subscription exactly while the current
// step is a Results step.
func (s *Session) syncResultsLocked() {
	onResults := false
	if s.rt != nil {
		if step, ok := s.rt.Current(); ok {
			_, onResults = step.(evaluation.Results)
		}
	}
	if !onResults {
		s.stopResultsLocked()
		return
	}
	if s.resultsUnsub != nil {
		return
	}
	id := s.activeID
	unsub, err := s.src.SubscribeResponses(id, func(rs []evaluation.Response) {
		s.onResponses(id, rs)
	})
	if err != nil {
		s.log.Error("subscribe responses failed", "evaluation", id, "error", err)
		return
	}
	s.resultsUnsub = unsub
}

func (s *Session) stopResultsLocked() {
	if s.resultsUnsub != nil {
		s.resultsUnsub()
		s.resultsUnsub = nil
	}
	s.results = nil
}

// teardownLocked drops everything tied to the previous active evaluation.
func (s *Session) teardownLocked() {
	if s.rt != nil {
		s.rt.Flush(context.Background())
	}
	s.stopResultsLocked()
	if s.evalUnsub != nil {
		s.evalUnsub()
		s.evalUnsub = nil
	}
	s.rt = nil
	s.activeID = ""
}

func (s *Session) publishLocked() View {
	v := s.viewLocked()
	for _, fn := range s.listeners {
		fn(v)
	}
	return v
}

func (s *Session) viewLocked() View {
	if s.rt == nil {
		return View{State: StateWaiting}
	}
	e := s.rt.Evaluation()
	v := View{
		EvaluationID: e.ID,
		Title:        e.Title,
		StepIndex:    s.rt.Index(),
		StepCount:    len(e.Steps),
	}
	if err := s.rt.SyncError(); err != nil {
		v.SyncError = err.Error()
	}
	step, ok := s.rt.Current()
	if !ok {
		v.State = StateComplete
		return v
	}
	v.State = StateStep
	v.Step = evaluation.EncodeStep(step)
	v.CanAdvance = s.rt.CanAdvance()
	answer, has := s.rt.Answer(step.StepID())
	switch step.(type) {
	case evaluation.SelfEval:
		v.Answer = evaluation.DecodeSelfEval(answer)
	case evaluation.Question:
		if has {
			v.Answer = answer
		}
	case evaluation.Results:
		if s.results != nil {
			r := *s.results
			v.Results = &r
		} else {
			empty := aggregate.Compute(e, nil)
			v.Results = &empty
		}
	case evaluation.Situation:
	default:
		panic(evaluation.Unhandled(step))
	}
	return v
}
