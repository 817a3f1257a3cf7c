package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mozmina/formatrice/internal/auth"
	authmw "github.com/Mozmina/formatrice/internal/auth/middleware"
	"github.com/Mozmina/formatrice/internal/db"
	"github.com/Mozmina/formatrice/internal/docstore"
	"github.com/Mozmina/formatrice/internal/evaluation"
	"github.com/Mozmina/formatrice/internal/learner"
	"github.com/Mozmina/formatrice/internal/realtime"
	"github.com/Mozmina/formatrice/internal/runner"
	"github.com/Mozmina/formatrice/internal/storage"
	syncx "github.com/Mozmina/formatrice/internal/sync"
	"github.com/Mozmina/formatrice/pkg/logger"
)

var dbSeq atomic.Int64

type testServer struct {
	*httptest.Server
	repo *evaluation.Repository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()

	store := docstore.NewInMemoryStore(log)
	t.Cleanup(func() { _ = store.Close() })
	repo := evaluation.NewRepository(store, docstore.NewPaths("api-test"))

	conn, err := db.Open(ctx, db.DriverSQLite, fmt.Sprintf("file:apitest%d?mode=memory&cache=shared", dbSeq.Add(1)))
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	blobs, err := storage.NewFSStore(t.TempDir(), "/assets")
	if err != nil {
		t.Fatal(err)
	}
	hub := realtime.NewHub(log)
	reg := learner.NewRegistry(repo, hub, runner.WriteThrough(), time.Hour, log)
	t.Cleanup(reg.Close)

	srv := httptest.NewServer(NewRouter(Deps{
		Repo:        repo,
		Sessions:    reg,
		Hub:         hub,
		Blobs:       blobs,
		Audit:       syncx.NewEventRepo(conn, "test"),
		Auth:        authmw.NewAuthService("test-secret"),
		Unlocker:    auth.NewUnlocker("power", ""),
		Log:         log,
		CORSOrigins: []string{"*"},
		EnableAdmin: true,
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	out, _ := io.ReadAll(res.Body)
	return res.StatusCode, out
}

func (s *testServer) token(t *testing.T, path string, body any) string {
	t.Helper()
	code, raw := s.do(t, http.MethodPost, path, "", body)
	if code != http.StatusOK {
		t.Fatalf("%s: %d %s", path, code, raw)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(raw, &out)
	return out.AccessToken
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestEvaluationFlow(t *testing.T) {
	s := newTestServer(t)
	learnerTok := s.token(t, "/api/auth/anonymous", nil)

	code, raw := s.do(t, http.MethodGet, "/api/session", learnerTok, nil)
	if code != http.StatusOK || decode[learner.View](t, raw).State != learner.StateWaiting {
		t.Fatalf("initial session: %d %s", code, raw)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/admin/evaluations", learnerTok, nil); code != http.StatusForbidden {
		t.Fatalf("learner reached admin: %d", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/admin/unlock", "", map[string]string{"password": "nope"}); code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", code)
	}
	admin := s.token(t, "/api/admin/unlock", map[string]string{"password": "power"})

	code, raw = s.do(t, http.MethodPost, "/api/admin/evaluations", admin, map[string]string{"id": "percage", "title": "Perçage"})
	if code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, raw)
	}
	e := decode[evaluation.Evaluation](t, raw)
	if len(e.Steps) != 1 || e.Steps[0].Kind() != evaluation.KindSituation {
		t.Fatalf("default steps: %+v", e.Steps)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/admin/evaluations", admin, map[string]string{"id": "percage"}); code != http.StatusConflict {
		t.Fatalf("duplicate create: %d", code)
	}

	code, raw = s.do(t, http.MethodPost, "/api/admin/evaluations/percage/steps", admin, map[string]any{
		"type": "question",
		"step": map[string]any{
			"id":       "epi",
			"title":    "Protection",
			"question": "Quel EPI ?",
			"options":  []map[string]string{{"id": "casque", "label": "Casque"}, {"id": "gants", "label": "Gants"}},
		},
	})
	if code != http.StatusCreated {
		t.Fatalf("add question: %d %s", code, raw)
	}
	if code, raw := s.do(t, http.MethodPost, "/api/admin/evaluations/percage/steps", admin, map[string]any{"type": "results"}); code != http.StatusCreated {
		t.Fatalf("add results: %d %s", code, raw)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/admin/evaluations/percage/steps", admin, map[string]any{"type": "quiz"}); code != http.StatusBadRequest {
		t.Fatalf("unknown step type accepted: %d", code)
	}

	if code, raw := s.do(t, http.MethodPut, "/api/admin/active", admin, map[string]string{"activeEvaluationId": "ghost"}); code != http.StatusNotFound {
		t.Fatalf("activate missing evaluation: %d %s", code, raw)
	}
	if code, raw := s.do(t, http.MethodPut, "/api/admin/active", admin, map[string]string{"activeEvaluationId": "percage"}); code != http.StatusOK {
		t.Fatalf("activate: %d %s", code, raw)
	}
	_, raw = s.do(t, http.MethodGet, "/api/admin/active", admin, nil)
	if got := decode[map[string]any](t, raw)["activeEvaluationId"]; got != "percage" {
		t.Fatalf("active: %v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, raw = s.do(t, http.MethodGet, "/api/session", learnerTok, nil)
		if v := decode[learner.View](t, raw); v.State == learner.StateStep && v.EvaluationID == "percage" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("learner never saw the active evaluation: %s", raw)
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.do(t, http.MethodPost, "/api/session/advance", learnerTok, nil)
	_, raw = s.do(t, http.MethodPost, "/api/session/advance", learnerTok, nil)
	if adv := decode[map[string]any](t, raw); adv["advanced"] != false {
		t.Fatalf("advanced an unanswered question: %s", raw)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/session/answer", learnerTok, map[string]string{"option": "nope"}); code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown option: %d", code)
	}
	if code, raw := s.do(t, http.MethodPost, "/api/session/answer", learnerTok, map[string]string{"option": "casque"}); code != http.StatusOK {
		t.Fatalf("answer: %d %s", code, raw)
	}
	_, raw = s.do(t, http.MethodPost, "/api/session/advance", learnerTok, nil)
	if !strings.Contains(string(raw), `"results"`) {
		t.Fatalf("expected the results step: %s", raw)
	}

	code, raw = s.do(t, http.MethodGet, "/api/admin/evaluations/percage/results", admin, nil)
	if code != http.StatusOK {
		t.Fatalf("results: %d %s", code, raw)
	}
	sum := decode[struct {
		TotalResponses int `json:"totalResponses"`
		Questions      []struct {
			Options []struct {
				ID      string `json:"id"`
				Count   int    `json:"count"`
				Percent *int   `json:"percent"`
			} `json:"options"`
		} `json:"questions"`
	}](t, raw)
	if sum.TotalResponses != 1 || sum.Questions[0].Options[0].Count != 1 || *sum.Questions[0].Options[0].Percent != 100 {
		t.Fatalf("summary: %s", raw)
	}

	code, raw = s.do(t, http.MethodDelete, "/api/admin/responses", admin, nil)
	if code != http.StatusOK || decode[map[string]int](t, raw)["deleted"] != 1 {
		t.Fatalf("purge: %d %s", code, raw)
	}

	_, raw = s.do(t, http.MethodGet, "/api/admin/audit?type=responses.purged", admin, nil)
	audit := decode[struct {
		Items []syncx.Event `json:"items"`
	}](t, raw)
	if len(audit.Items) != 1 {
		t.Fatalf("audit: %s", raw)
	}
}

func TestStepEditing(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, "/api/admin/unlock", map[string]string{"password": "power"})
	s.do(t, http.MethodPost, "/api/admin/evaluations", admin, map[string]string{"id": "e1"})
	for _, id := range []string{"a", "b"} {
		s.do(t, http.MethodPost, "/api/admin/evaluations/e1/steps", admin, map[string]any{
			"type": "situation", "step": map[string]any{"id": id},
		})
	}
	code, raw := s.do(t, http.MethodPost, "/api/admin/evaluations/e1/steps/b/move", admin, map[string]int{"to": 0})
	if code != http.StatusOK {
		t.Fatalf("move: %d %s", code, raw)
	}
	if e := decode[evaluation.Evaluation](t, raw); e.Steps[0].StepID() != "b" {
		t.Fatalf("after move: %s", raw)
	}
	code, raw = s.do(t, http.MethodPut, "/api/admin/evaluations/e1/steps/a", admin, map[string]any{
		"type": "self_eval", "title": "Confiance", "minLabel": "0", "maxLabel": "100",
	})
	if code != http.StatusOK {
		t.Fatalf("update: %d %s", code, raw)
	}
	e := decode[evaluation.Evaluation](t, raw)
	if st, ok := e.Step("a"); !ok || st.Kind() != evaluation.KindSelfEval {
		t.Fatalf("kind change: %s", raw)
	}
	if code, _ := s.do(t, http.MethodDelete, "/api/admin/evaluations/e1/steps/zzz", admin, nil); code != http.StatusNotFound {
		t.Fatalf("delete missing step: %d", code)
	}
	code, raw = s.do(t, http.MethodPatch, "/api/admin/evaluations/e1", admin, map[string]any{"title": "Renamed"})
	if code != http.StatusOK || decode[evaluation.Evaluation](t, raw).Title != "Renamed" {
		t.Fatalf("patch: %d %s", code, raw)
	}
	_, raw = s.do(t, http.MethodGet, "/api/admin/evaluations", admin, nil)
	if !strings.Contains(string(raw), `"stepCount":3`) {
		t.Fatalf("list: %s", raw)
	}
}

func TestAssetUpload(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, "/api/admin/unlock", map[string]string{"password": "power"})

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "chantier.png")
	fw.Write(png)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/api/admin/assets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+admin)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d %s", res.StatusCode, raw)
	}
	out := decode[map[string]string](t, raw)
	if !strings.HasPrefix(out["url"], "/assets/images/") {
		t.Fatalf("url: %s", out["url"])
	}

	res, err = http.Get(s.URL + out["url"])
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || !bytes.Equal(got, png) || res.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("download: %d %q", res.StatusCode, res.Header.Get("Content-Type"))
	}
}

func TestSessionEventsStream(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "/api/auth/anonymous", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/api/session/events?access_token="+tok, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d", res.StatusCode)
	}

	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, `"state":"waiting"`) {
				t.Fatalf("first event: %s", line)
			}
			return
		}
	}
	t.Fatalf("no event received: %v", sc.Err())
}

func TestUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	for _, p := range []string{"/api/session", "/api/admin/evaluations"} {
		if code, _ := s.do(t, http.MethodGet, p, "", nil); code != http.StatusUnauthorized {
			t.Errorf("%s: %d", p, code)
		}
	}
	if code, _ := s.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Errorf("healthz: %d", code)
	}
}
