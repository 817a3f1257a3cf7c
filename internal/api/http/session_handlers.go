package http

import (
	"net/http"

	authmw "github.com/Mozmina/formatrice/internal/auth/middleware"
	"github.com/Mozmina/formatrice/internal/learner"
	"github.com/Mozmina/formatrice/internal/realtime"
)

func sessionFor(reg *learner.Registry, w http.ResponseWriter, r *http.Request) (*learner.Session, bool) {
	sub := authmw.SubjectFromContext(r.Context())
	if sub == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	s, err := reg.Get(sub)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return s, true
}

// GET /api/session
func GetSessionHandler(reg *learner.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFor(reg, w, r)
		if !ok {
			return
		}
		respondJSON(w, http.StatusOK, s.View())
	}
}

type answerRequest struct {
	Option        string  `json:"option" validate:"omitempty,max=200"`
	Toggle        string  `json:"toggle" validate:"omitempty,max=200"`
	Position      *int    `json:"position"`
	Justification *string `json:"justification" validate:"omitempty,max=4000"`
}

// POST /api/session/answer
func AnswerHandler(reg *learner.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req answerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s, ok := sessionFor(reg, w, r)
		if !ok {
			return
		}
		v, err := s.Answer(r.Context(), learner.Action{
			Option:        req.Option,
			Toggle:        req.Toggle,
			Position:      req.Position,
			Justification: req.Justification,
		})
		if err != nil {
			httpError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, v)
	}
}

// POST /api/session/advance
func AdvanceHandler(reg *learner.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFor(reg, w, r)
		if !ok {
			return
		}
		v, moved, err := s.Advance(r.Context())
		if err != nil {
			httpError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"advanced": moved, "view": v})
	}
}

// GET /api/session/events streams the learner's view as server-sent events.
// The current view is sent first so a reconnecting client needs no extra fetch.
func SessionEventsHandler(reg *learner.Registry, hub *realtime.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFor(reg, w, r)
		if !ok {
			return
		}
		client := hub.NewClient(s.LearnerID())
		hub.AddChannel(client, realtime.LearnerChannel(s.LearnerID()))
		defer hub.CloseClient(client)

		select {
		case client.Outbound <- realtime.Message{
			Channel: realtime.LearnerChannel(s.LearnerID()),
			Event:   realtime.EventView,
			Data:    s.View(),
		}:
		default:
		}
		hub.ServeHTTP(w, r, client)
	}
}
