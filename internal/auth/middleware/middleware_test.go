package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mozmina/formatrice/internal/rbac"
)

func TestIssueAndParse(t *testing.T) {
	a := NewAuthService("secret")
	tok, err := a.IssueJWT("u1", rbac.RoleLearner)
	if err != nil {
		t.Fatal(err)
	}
	c, err := a.Parse(tok)
	if err != nil || c.Sub != "u1" || c.Role != rbac.RoleLearner {
		t.Fatalf("claims: %+v %v", c, err)
	}
	if _, err := NewAuthService("other").Parse(tok); err == nil {
		t.Fatalf("token signed with another key accepted")
	}
}

func TestJWTMiddleware(t *testing.T) {
	a := NewAuthService("secret")
	tok, _ := a.IssueJWT("u1", rbac.RoleAdmin)

	var sub, role string
	h := JWTMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub = SubjectFromContext(r.Context())
		role = rbac.RoleFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || sub != "u1" || role != rbac.RoleAdmin {
		t.Fatalf("header token: %d %q %q", rec.Code, sub, role)
	}

	sub = ""
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?access_token="+tok, nil))
	if rec.Code != http.StatusOK || sub != "u1" {
		t.Fatalf("query token: %d %q", rec.Code, sub)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", rec.Code)
	}
}
