package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mozmina/formatrice/internal/docstore"
)

// Repository maps the evaluation model onto the document store layout.
type Repository struct {
	store docstore.Store
	paths docstore.Paths
	now   func() time.Time
}

func NewRepository(store docstore.Store, paths docstore.Paths) *Repository {
	return &Repository{store: store, paths: paths, now: time.Now}
}

func (r *Repository) GetEvaluation(ctx context.Context, id string) (Evaluation, error) {
	d, err := r.store.Get(ctx, r.paths.Evaluation(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return Evaluation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Evaluation{}, err
	}
	return Decode(d.ID, d.Data), nil
}

func (r *Repository) PutEvaluation(ctx context.Context, e Evaluation) error {
	if e.ID == "" {
		return fmt.Errorf("evaluation id required")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	return r.store.Set(ctx, r.paths.Evaluation(e.ID), Encode(e), docstore.SetOptions{})
}

// ListEvaluations returns every evaluation, newest first.
func (r *Repository) ListEvaluations(ctx context.Context) ([]Evaluation, error) {
	docs, err := r.store.List(ctx, r.paths.Evaluations())
	if err != nil {
		return nil, err
	}
	out := make([]Evaluation, 0, len(docs))
	for _, d := range docs {
		out = append(out, Decode(d.ID, d.Data))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SubscribeEvaluation calls fn with the current evaluation; ok is false while the
// document does not exist.
func (r *Repository) SubscribeEvaluation(id string, fn func(e Evaluation, ok bool)) (docstore.Unsubscribe, error) {
	return r.store.Subscribe(r.paths.Evaluation(id), func(s docstore.Snapshot) {
		if !s.Exists {
			fn(Evaluation{ID: id}, false)
			return
		}
		fn(Decode(s.Doc.ID, s.Doc.Data), true)
	})
}

// UpsertResponse merges the full answer map into the learner's single response
// document for the evaluation.
func (r *Repository) UpsertResponse(ctx context.Context, evaluationID, learnerID string, answers map[string]any) error {
	resp := Response{EvaluationID: evaluationID, UserID: learnerID, Answers: answers, UpdatedAt: r.now()}
	return r.store.Set(ctx, r.paths.Response(evaluationID, learnerID), EncodeResponse(resp), docstore.SetOptions{Merge: true})
}

func (r *Repository) GetResponse(ctx context.Context, evaluationID, learnerID string) (Response, error) {
	d, err := r.store.Get(ctx, r.paths.Response(evaluationID, learnerID))
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(d.Data), nil
}

// ListResponses reads the whole responses collection and keeps the evaluation's.
// Fine for a classroom; a filtered query would return the same set.
func (r *Repository) ListResponses(ctx context.Context, evaluationID string) ([]Response, error) {
	docs, err := r.store.List(ctx, r.paths.Responses())
	if err != nil {
		return nil, err
	}
	return filterResponses(docs, evaluationID), nil
}

func (r *Repository) SubscribeResponses(evaluationID string, fn func([]Response)) (docstore.Unsubscribe, error) {
	return r.store.Subscribe(r.paths.Responses(), func(s docstore.Snapshot) {
		fn(filterResponses(s.Docs, evaluationID))
	})
}

func filterResponses(docs []docstore.Document, evaluationID string) []Response {
	out := []Response{}
	for _, d := range docs {
		resp := DecodeResponse(d.Data)
		if resp.EvaluationID == evaluationID {
			out = append(out, resp)
		}
	}
	return out
}

// PurgeResponses deletes every response document, or only those of evaluationID
// when it is non-empty. Returns how many documents were deleted.
func (r *Repository) PurgeResponses(ctx context.Context, evaluationID string) (int, error) {
	docs, err := r.store.List(ctx, r.paths.Responses())
	if err != nil {
		return 0, err
	}
	var targets []string
	for _, d := range docs {
		if evaluationID != "" && DecodeResponse(d.Data).EvaluationID != evaluationID {
			continue
		}
		targets = append(targets, d.Path)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, p := range targets {
		p := p
		g.Go(func() error { return r.store.Delete(gctx, p) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(targets), nil
}

// ActiveEvaluationID returns the live evaluation id, or "" when none is active.
func (r *Repository) ActiveEvaluationID(ctx context.Context) (string, error) {
	d, err := r.store.Get(ctx, r.paths.ActivePointer())
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return DecodeActivePointer(d.Data), nil
}

// SetActiveEvaluation points every learner at id; "" sends them to the waiting screen.
func (r *Repository) SetActiveEvaluation(ctx context.Context, id string) error {
	return r.store.Set(ctx, r.paths.ActivePointer(), EncodeActivePointer(id), docstore.SetOptions{})
}

func (r *Repository) SubscribeActive(fn func(id string)) (docstore.Unsubscribe, error) {
	return r.store.Subscribe(r.paths.ActivePointer(), func(s docstore.Snapshot) {
		if !s.Exists {
			fn("")
			return
		}
		fn(DecodeActivePointer(s.Doc.Data))
	})
}
