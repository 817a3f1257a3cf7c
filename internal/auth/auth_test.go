package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	authmw "github.com/Mozmina/formatrice/internal/auth/middleware"
	"github.com/Mozmina/formatrice/internal/rbac"
	"github.com/Mozmina/formatrice/pkg/logger"
)

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) tokenOut {
	t.Helper()
	var out tokenOut
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestAnonymousReusesCookie(t *testing.T) {
	a := authmw.NewAuthService("secret")
	h := AnonymousHandler(a, false, logger.Nop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/anonymous", nil))
	first := decodeToken(t, rec)
	if first.UserID == "" || first.Role != rbac.RoleLearner {
		t.Fatalf("first: %+v", first)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != first.UserID {
		t.Fatalf("cookie: %+v", cookies)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/anonymous", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if again := decodeToken(t, rec); again.UserID != first.UserID {
		t.Fatalf("identity not reused: %s vs %s", again.UserID, first.UserID)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/anonymous", nil)
	req.AddCookie(&http.Cookie{Name: LearnerCookie, Value: "not-a-uuid"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if fresh := decodeToken(t, rec); fresh.UserID == "not-a-uuid" {
		t.Fatalf("forged cookie value trusted")
	}
}

func TestUnlocker(t *testing.T) {
	if err := NewUnlocker("power", "").Check("power"); err != nil {
		t.Fatalf("plain password: %v", err)
	}
	if err := NewUnlocker("power", "").Check("Power"); err != ErrBadPassword {
		t.Fatalf("wrong password: %v", err)
	}
	if err := NewUnlocker("", "").Check(""); err != ErrBadPassword {
		t.Fatalf("empty password must never unlock")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	u := NewUnlocker("power", string(hash))
	if u.Check("s3cret") != nil || u.Check("power") == nil {
		t.Fatalf("hash should take precedence")
	}
}

func TestUnlockHandler(t *testing.T) {
	a := authmw.NewAuthService("secret")
	h := UnlockHandler(a, NewUnlocker("power", ""), true, logger.Nop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"password":"nope"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"password":"power"}`))
	req.AddCookie(&http.Cookie{Name: LearnerCookie, Value: "u1"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := decodeToken(t, rec)
	c, err := a.Parse(out.AccessToken)
	if err != nil || c.Role != rbac.RoleAdmin || c.Sub != "u1" {
		t.Fatalf("admin token: %+v %v", c, err)
	}

	rec = httptest.NewRecorder()
	UnlockHandler(a, NewUnlocker("power", ""), false, logger.Nop()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"password":"power"}`)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disabled admin: %d", rec.Code)
	}
}

func TestUnlockHandlerRejectsMalformedPassword(t *testing.T) {
	a := authmw.NewAuthService("secret")
	long := strings.Repeat("x", 300)
	h := UnlockHandler(a, NewUnlocker(long, ""), true, logger.Nop())

	for name, body := range map[string]string{
		"empty":     `{"password":""}`,
		"missing":   `{}`,
		"too long":  `{"password":"` + long + `"}`,
		"oversized": `{"password":"` + strings.Repeat("y", 8<<10) + `"}`,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", name, rec.Code)
		}
	}
}
