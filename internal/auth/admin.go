package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	authmw "github.com/Mozmina/formatrice/internal/auth/middleware"
	"github.com/Mozmina/formatrice/internal/rbac"
	"github.com/Mozmina/formatrice/pkg/logger"
)

var ErrBadPassword = errors.New("bad password")

var validate = validator.New()

const maxUnlockBody = 4 << 10

// Unlocker checks the shared admin password. This gates the admin screens of a
// classroom tool; it is not an account system.
type Unlocker struct {
	password string
	hash     []byte
}

// NewUnlocker prefers a bcrypt hash over the plain password when both are set.
func NewUnlocker(password, bcryptHash string) *Unlocker {
	u := &Unlocker{password: password}
	if bcryptHash != "" {
		u.hash = []byte(bcryptHash)
	}
	return u
}

func (u *Unlocker) Check(password string) error {
	if u.hash != nil {
		if bcrypt.CompareHashAndPassword(u.hash, []byte(password)) != nil {
			return ErrBadPassword
		}
		return nil
	}
	if u.password == "" || subtle.ConstantTimeCompare([]byte(u.password), []byte(password)) != 1 {
		return ErrBadPassword
	}
	return nil
}

// UnlockHandler swaps the shared password for an admin token. The subject is
// the caller's learner id when known so the admin keeps their identity.
// POST /api/admin/unlock { "password": "..." }
func UnlockHandler(a *authmw.AuthService, u *Unlocker, enabled bool, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !enabled {
			http.Error(w, "admin disabled", http.StatusForbidden)
			return
		}
		var req struct {
			Password string `json:"password" validate:"required,max=200"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxUnlockBody)).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			http.Error(w, "invalid password field", http.StatusBadRequest)
			return
		}
		if err := u.Check(req.Password); err != nil {
			log.Warn("admin unlock refused", "remote", r.RemoteAddr)
			http.Error(w, "invalid password", http.StatusUnauthorized)
			return
		}
		sub := "admin"
		if c, err := r.Cookie(LearnerCookie); err == nil && c.Value != "" {
			sub = c.Value
		}
		tok, err := a.IssueJWT(sub, rbac.RoleAdmin)
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}
		log.Info("admin unlocked", "subject", sub)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenOut{AccessToken: tok, UserID: sub, Role: rbac.RoleAdmin})
	}
}
