package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Mozmina/formatrice/internal/aggregate"
	"github.com/Mozmina/formatrice/internal/auth"
	authmw "github.com/Mozmina/formatrice/internal/auth/middleware"
	"github.com/Mozmina/formatrice/internal/evaluation"
	"github.com/Mozmina/formatrice/internal/learner"
	"github.com/Mozmina/formatrice/internal/rbac"
	"github.com/Mozmina/formatrice/internal/realtime"
	"github.com/Mozmina/formatrice/internal/storage"
	"github.com/Mozmina/formatrice/pkg/logger"
)

// Deps is everything the HTTP surface is built from.
type Deps struct {
	Repo     *evaluation.Repository
	Sessions *learner.Registry
	Hub      *realtime.Hub
	Blobs    storage.BlobStore
	Audit    AuditLog // optional
	Auth     *authmw.AuthService
	Unlocker *auth.Unlocker
	Log      *logger.Logger

	CORSOrigins  []string
	EnableAdmin  bool
	SecureCookie bool
	// Ready reports whether backing services are reachable; nil means always ready.
	Ready func() error
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, RequestLogger(log), middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	if d.Blobs != nil {
		r.Route("/assets", func(ar chi.Router) {
			MountAssets(ar, d.Blobs)
		})
	}

	r.Route("/api", func(api chi.Router) {
		api.Group(func(pub chi.Router) {
			pub.Use(middleware.Timeout(30 * time.Second))
			pub.Post("/auth/anonymous", auth.AnonymousHandler(d.Auth, d.SecureCookie, log))
			pub.Post("/admin/unlock", auth.UnlockHandler(d.Auth, d.Unlocker, d.EnableAdmin, log))
		})

		// Learner flow. The event stream is long-lived and stays outside the timeout.
		api.Group(func(pr chi.Router) {
			pr.Use(authmw.JWTMiddleware(d.Auth))
			pr.With(rbac.Require(rbac.PermSessionView)).
				Get("/session/events", SessionEventsHandler(d.Sessions, d.Hub))

			pr.Group(func(tr chi.Router) {
				tr.Use(middleware.Timeout(30 * time.Second))
				tr.With(rbac.Require(rbac.PermSessionView)).
					Get("/session", GetSessionHandler(d.Sessions))
				tr.With(rbac.Require(rbac.PermSessionAnswer)).
					Post("/session/answer", AnswerHandler(d.Sessions))
				tr.With(rbac.Require(rbac.PermSessionAnswer)).
					Post("/session/advance", AdvanceHandler(d.Sessions))
			})
		})

		if !d.EnableAdmin {
			return
		}
		ed := NewEditor(d.Repo)
		engine := aggregate.NewEngine(d.Repo)
		api.Group(func(ad chi.Router) {
			ad.Use(authmw.JWTMiddleware(d.Auth), middleware.Timeout(30*time.Second))

			ad.With(rbac.Require(rbac.PermEvaluationView)).
				Get("/admin/evaluations", ListEvaluationsHandler(d.Repo))
			ad.With(rbac.Require(rbac.PermEvaluationEdit)).
				Post("/admin/evaluations", CreateEvaluationHandler(d.Repo, d.Audit, log))
			ad.With(rbac.Require(rbac.PermEvaluationView)).
				Get("/admin/evaluations/{id}", GetEvaluationHandler(d.Repo))
			ad.With(rbac.Require(rbac.PermEvaluationEdit)).
				Patch("/admin/evaluations/{id}", PatchEvaluationHandler(ed, d.Audit, log))
			ad.With(rbac.Require(rbac.PermEvaluationEdit)).
				Post("/admin/evaluations/{id}/steps", AddStepHandler(ed, d.Audit, log))
			ad.With(rbac.Require(rbac.PermEvaluationEdit)).
				Put("/admin/evaluations/{id}/steps/{stepID}", UpdateStepHandler(ed, d.Audit, log))
			ad.With(rbac.Require(rbac.PermEvaluationEdit)).
				Delete("/admin/evaluations/{id}/steps/{stepID}", DeleteStepHandler(ed, d.Audit, log))
			ad.With(rbac.Require(rbac.PermEvaluationEdit)).
				Post("/admin/evaluations/{id}/steps/{stepID}/move", MoveStepHandler(ed, d.Audit, log))
			ad.With(rbac.Require(rbac.PermResultsView)).
				Get("/admin/evaluations/{id}/results", ResultsHandler(d.Repo, engine))

			ad.With(rbac.Require(rbac.PermActiveView)).
				Get("/admin/active", GetActiveHandler(d.Repo))
			ad.With(rbac.Require(rbac.PermActiveSet)).
				Put("/admin/active", SetActiveHandler(d.Repo, d.Audit, log))
			ad.With(rbac.Require(rbac.PermResponsesPurge)).
				Delete("/admin/responses", PurgeResponsesHandler(d.Repo, d.Audit, log))
			ad.With(rbac.Require(rbac.PermAuditView)).
				Get("/admin/audit", AuditHandler(d.Audit))
			if d.Blobs != nil {
				ad.With(rbac.Require(rbac.PermAssetsUpload)).
					Post("/admin/assets", UploadAssetHandler(d.Blobs, d.Audit, log))
			}
		})
	})
	return r
}
