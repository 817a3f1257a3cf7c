package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mozmina/formatrice/internal/aggregate"
	"github.com/Mozmina/formatrice/internal/evaluation"
	syncx "github.com/Mozmina/formatrice/internal/sync"
	"github.com/Mozmina/formatrice/pkg/logger"
)

// Editor serialises read-modify-write cycles on evaluation documents.
type Editor struct {
	mu   sync.Mutex
	repo *evaluation.Repository
}

func NewEditor(repo *evaluation.Repository) *Editor { return &Editor{repo: repo} }

func (ed *Editor) Edit(ctx context.Context, id string, fn func(e *evaluation.Evaluation) error) (evaluation.Evaluation, error) {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	e, err := ed.repo.GetEvaluation(ctx, id)
	if err != nil {
		return evaluation.Evaluation{}, err
	}
	if err := fn(&e); err != nil {
		return evaluation.Evaluation{}, err
	}
	if err := ed.repo.PutEvaluation(ctx, e); err != nil {
		return evaluation.Evaluation{}, err
	}
	return e, nil
}

// AuditLog records admin actions. Implemented by syncx.EventRepo.
type AuditLog interface {
	Append(ctx context.Context, typ, key string, data any) error
	Recent(ctx context.Context, typ string, limit int) ([]syncx.Event, error)
}

func record(ctx context.Context, a AuditLog, log *logger.Logger, typ, key string, data any) {
	if a == nil {
		return
	}
	if err := a.Append(ctx, typ, key, data); err != nil {
		log.Warn("audit append failed", "type", typ, "key", key, "error", err)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 {
		return v
	}
	return def
}

// GET /api/admin/evaluations
func ListEvaluationsHandler(repo *evaluation.Repository) http.HandlerFunc {
	type item struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		CreatedAt time.Time `json:"createdAt"`
		StepCount int       `json:"stepCount"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := repo.ListEvaluations(r.Context())
		if err != nil {
			httpError(w, err)
			return
		}
		out := make([]item, 0, len(list))
		for _, e := range list {
			out = append(out, item{ID: e.ID, Title: e.Title, CreatedAt: e.CreatedAt, StepCount: len(e.Steps)})
		}
		respondJSON(w, http.StatusOK, map[string]any{"items": out})
	}
}

type createEvaluationRequest struct {
	ID    string `json:"id" validate:"omitempty,max=100,excludesall=/"`
	Title string `json:"title" validate:"max=200"`
}

// POST /api/admin/evaluations
func CreateEvaluationHandler(repo *evaluation.Repository, audit AuditLog, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createEvaluationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID != "" {
			if _, err := repo.GetEvaluation(r.Context(), req.ID); err == nil {
				http.Error(w, "evaluation already exists", http.StatusConflict)
				return
			}
		}
		e := evaluation.New(req.ID, req.Title, time.Now())
		if err := repo.PutEvaluation(r.Context(), e); err != nil {
			httpError(w, err)
			return
		}
		record(r.Context(), audit, log, syncx.EventEvaluationCreated, e.ID, map[string]string{"title": e.Title})
		respondJSON(w, http.StatusCreated, e)
	}
}

// GET /api/admin/evaluations/{id}
func GetEvaluationHandler(repo *evaluation.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := repo.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, e)
	}
}

type patchEvaluationRequest struct {
	Title *string          `json:"title" validate:"omitempty,max=200"`
	Steps []map[string]any `json:"steps"`
}

// PATCH /api/admin/evaluations/{id} replaces the title and/or the whole step list.
func PatchEvaluationHandler(ed *Editor, audit AuditLog, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req patchEvaluationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := chi.URLParam(r, "id")
		e, err := ed.Edit(r.Context(), id, func(e *evaluation.Evaluation) error {
			if req.Title != nil {
				e.Title = *req.Title
			}
			if req.Steps != nil {
				steps := make([]evaluation.Step, 0, len(req.Steps))
				for i, m := range req.Steps {
					steps = append(steps, evaluation.DecodeStep(m, i))
				}
				e.Steps = steps
			}
			return nil
		})
		if err != nil {
			httpError(w, err)
			return
		}
		record(r.Context(), audit, log, syncx.EventEvaluationEdited, id, map[string]any{"op": "patch", "steps": len(e.Steps)})
		respondJSON(w, http.StatusOK, e)
	}
}

type addStepRequest struct {
	Type string         `json:"type" validate:"required,oneof=situation question self_eval results"`
	At   *int           `json:"at"`
	Step map[string]any `json:"step"`
}

// POST /api/admin/evaluations/{id}/steps
func AddStepHandler(ed *Editor, audit AuditLog, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addStepRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var step evaluation.Step
		if req.Step != nil {
			req.Step["type"] = req.Type
			if id, _ := req.Step["id"].(string); id == "" {
				req.Step["id"] = evaluation.NewID()
			}
			step = evaluation.DecodeStep(req.Step, 0)
		} else {
			s, err := evaluation.NewStep(evaluation.StepKind(req.Type), "")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			step = s
		}
		at := -1
		if req.At != nil {
			at = *req.At
		}
		id := chi.URLParam(r, "id")
		e, err := ed.Edit(r.Context(), id, func(e *evaluation.Evaluation) error {
			return e.AddStep(step, at)
		})
		if err != nil {
			httpError(w, err)
			return
		}
		record(r.Context(), audit, log, syncx.EventEvaluationEdited, id, map[string]any{"op": "add_step", "step": step.StepID()})
		respondJSON(w, http.StatusCreated, e)
	}
}

// PUT /api/admin/evaluations/{id}/steps/{stepID} replaces one step. The body is
// the step document; its id is taken from the URL.
func UpdateStepHandler(ed *Editor, audit AuditLog, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := decodeJSON(w, r, &body); err != nil || body == nil {
			http.Error(w, "step document required", http.StatusBadRequest)
			return
		}
		id, stepID := chi.URLParam(r, "id"), chi.URLParam(r, "stepID")
		body["id"] = stepID
		e, err := ed.Edit(r.Context(), id, func(e *evaluation.Evaluation) error {
			return e.UpdateStep(evaluation.DecodeStep(body, e.StepIndex(stepID)))
		})
		if err != nil {
			httpError(w, err)
			return
		}
		record(r.Context(), audit, log, syncx.EventEvaluationEdited, id, map[string]any{"op": "update_step", "step": stepID})
		respondJSON(w, http.StatusOK, e)
	}
}

// DELETE /api/admin/evaluations/{id}/steps/{stepID}
func DeleteStepHandler(ed *Editor, audit AuditLog, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, stepID := chi.URLParam(r, "id"), chi.URLParam(r, "stepID")
		e, err := ed.Edit(r.Context(), id, func(e *evaluation.Evaluation) error {
			return e.RemoveStep(stepID)
		})
		if err != nil {
			httpError(w, err)
			return
		}
		record(r.Context(), audit, log, syncx.EventEvaluationEdited, id, map[string]any{"op": "remove_step", "step": stepID})
		respondJSON(w, http.StatusOK, e)
	}
}

type moveStepRequest struct {
	To *int `json:"to" validate:"required"`
}

// POST /api/admin/evaluations/{id}/steps/{stepID}/move
func MoveStepHandler(ed *Editor, audit AuditLog, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req moveStepRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, stepID := chi.URLParam(r, "id"), chi.URLParam(r, "stepID")
		e, err := ed.Edit(r.Context(), id, func(e *evaluation.Evaluation) error {
			return e.MoveStep(stepID, *req.To)
		})
		if err != nil {
			httpError(w, err)
			return
		}
		record(r.Context(), audit, log, syncx.EventEvaluationEdited, id, map[string]any{"op": "move_step", "step": stepID, "to": *req.To})
		respondJSON(w, http.StatusOK, e)
	}
}

// GET /api/admin/evaluations/{id}/results
func ResultsHandler(repo *evaluation.Repository, engine *aggregate.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := repo.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, err)
			return
		}
		sum, err := engine.Summarize(r.Context(), e)
		if err != nil {
			httpError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, sum)
	}
}

// GET /api/admin/active
func GetActiveHandler(repo *evaluation.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := repo.ActiveEvaluationID(r.Context())
		if err != nil {
			httpError(w, err)
			return
		}
		var out *string
		if id != "" {
			out = &id
		}
		respondJSON(w, http.StatusOK, map[string]any{"activeEvaluationId": out})
	}
}

type setActiveRequest struct {
	EvaluationID *string `json:"activeEvaluationId" validate:"omitempty,max=100"`
}

// PUT /api/admin/active { "activeEvaluationId": "id" | null }
func SetActiveHandler(repo *evaluation.Repository, audit AuditLog, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setActiveRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := ""
		if req.EvaluationID != nil {
			id = *req.EvaluationID
		}
		if id != "" {
			if _, err := repo.GetEvaluation(r.Context(), id); err != nil {
				httpError(w, err)
				return
			}
		}
		if err := repo.SetActiveEvaluation(r.Context(), id); err != nil {
			httpError(w, err)
			return
		}
		log.Info("active evaluation set", "evaluation", id)
		record(r.Context(), audit, log, syncx.EventActiveChanged, id, nil)
		respondJSON(w, http.StatusOK, map[string]any{"activeEvaluationId": req.EvaluationID})
	}
}

// DELETE /api/admin/responses[?evaluationId=...]
func PurgeResponsesHandler(repo *evaluation.Repository, audit AuditLog, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evalID := r.URL.Query().Get("evaluationId")
		n, err := repo.PurgeResponses(r.Context(), evalID)
		if err != nil {
			httpError(w, fmt.Errorf("purge responses: %w", err))
			return
		}
		log.Info("responses purged", "evaluation", evalID, "deleted", n)
		record(r.Context(), audit, log, syncx.EventResponsesPurged, evalID, map[string]int{"deleted": n})
		respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

// GET /api/admin/audit?type=&limit=
func AuditHandler(audit AuditLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if audit == nil {
			respondJSON(w, http.StatusOK, map[string]any{"items": []syncx.Event{}})
			return
		}
		limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
		items, err := audit.Recent(r.Context(), r.URL.Query().Get("type"), limit)
		if err != nil {
			httpError(w, fmt.Errorf("audit search: %w", err))
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}
