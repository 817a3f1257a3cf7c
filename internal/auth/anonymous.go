package auth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	authmw "github.com/Mozmina/formatrice/internal/auth/middleware"
	"github.com/Mozmina/formatrice/internal/rbac"
	"github.com/Mozmina/formatrice/pkg/logger"
)

const LearnerCookie = "fm_learner_id"

type tokenOut struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
}

// AnonymousHandler gives every browser a stable learner id without any
// credentials. The id lives in a cookie so a reload keeps the same response document.
// POST /api/auth/anonymous
func AnonymousHandler(a *authmw.AuthService, secureCookie bool, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := ""
		if c, err := r.Cookie(LearnerCookie); err == nil {
			if id, err := uuid.Parse(c.Value); err == nil {
				userID = id.String()
			}
		}
		if userID == "" {
			userID = uuid.NewString()
			log.Debug("new anonymous learner", "learner", userID)
		}

		tok, err := a.IssueJWT(userID, rbac.RoleLearner)
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}
		sameSite := http.SameSiteLaxMode
		if secureCookie {
			sameSite = http.SameSiteNoneMode
		}
		http.SetCookie(w, &http.Cookie{
			Name:     LearnerCookie,
			Value:    userID,
			Path:     "/",
			HttpOnly: true,
			Secure:   secureCookie,
			SameSite: sameSite,
			Expires:  time.Now().Add(30 * 24 * time.Hour),
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenOut{AccessToken: tok, UserID: userID, Role: rbac.RoleLearner})
	}
}
