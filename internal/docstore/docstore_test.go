package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mozmina/formatrice/internal/realtime/bus"
	"github.com/Mozmina/formatrice/pkg/logger"
)

var dbSeq atomic.Int64

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:docstore%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`CREATE TABLE documents (
  path TEXT PRIMARY KEY,
  parent TEXT NOT NULL,
  doc_id TEXT NOT NULL,
  data TEXT NOT NULL,
  updated_at INTEGER NOT NULL
)`); err != nil {
		t.Fatalf("create documents: %v", err)
	}
	return db
}

// stores returns every backend so behaviour is checked once per implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	b := bus.NewLocalBus()
	sqlStore := NewSQLStore(openSQLite(t), "sqlite", b, "test", logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := b.StartForwarder(ctx, func(c bus.Change) { sqlStore.Notify(c.Path) }); err != nil {
		t.Fatalf("forwarder: %v", err)
	}
	out := map[string]Store{
		"memory": NewInMemoryStore(logger.Nop()),
		"sql":    sqlStore,
	}
	for _, s := range out {
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return out
}

func waitSnapshot(t *testing.T, ch <-chan Snapshot, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if ok(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot")
			return Snapshot{}
		}
	}
}

const testCol = "artifacts/app/public/data/responses"

func TestGetMissingIsNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), testCol+"/nope")
			if err != ErrNotFound {
				t.Fatalf("want ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSetMergeDeepMergesMaps(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p := testCol + "/e1_u1"
			if err := s.Set(ctx, p, map[string]any{
				"userId":  "u1",
				"answers": map[string]any{"q1": "a"},
			}, SetOptions{Merge: true}); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.Set(ctx, p, map[string]any{
				"answers": map[string]any{"q2": []string{"x", "y"}},
			}, SetOptions{Merge: true}); err != nil {
				t.Fatalf("merge: %v", err)
			}
			d, err := s.Get(ctx, p)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if d.ID != "e1_u1" || d.Data["userId"] != "u1" {
				t.Fatalf("doc: %+v", d)
			}
			ans := d.Data["answers"].(map[string]any)
			if ans["q1"] != "a" {
				t.Fatalf("q1 lost in merge: %v", ans)
			}
			if l, ok := ans["q2"].([]any); !ok || len(l) != 2 {
				t.Fatalf("q2: %#v", ans["q2"])
			}

			if err := s.Set(ctx, p, map[string]any{"userId": "u1"}, SetOptions{}); err != nil {
				t.Fatalf("replace: %v", err)
			}
			d, _ = s.Get(ctx, p)
			if _, ok := d.Data["answers"]; ok {
				t.Fatalf("replace kept old fields: %v", d.Data)
			}
		})
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"b", "a", "c"} {
				if err := s.Set(ctx, testCol+"/"+id, map[string]any{"n": id}, SetOptions{}); err != nil {
					t.Fatalf("set: %v", err)
				}
			}
			_ = s.Set(ctx, "artifacts/app/public/data/config/active", map[string]any{"x": 1}, SetOptions{})

			docs, err := s.List(ctx, testCol)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(docs) != 3 || docs[0].ID != "a" || docs[2].ID != "c" {
				t.Fatalf("list: %+v", docs)
			}
			if err := s.Delete(ctx, testCol+"/b"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			docs, _ = s.List(ctx, testCol)
			if len(docs) != 2 {
				t.Fatalf("after delete: %d docs", len(docs))
			}
		})
	}
}

func TestPathKindsAreChecked(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Set(ctx, testCol, map[string]any{}, SetOptions{}); err == nil {
				t.Fatalf("set on a collection path should fail")
			}
			if _, err := s.List(ctx, testCol+"/doc"); err == nil {
				t.Fatalf("list on a document path should fail")
			}
		})
	}
}

func TestSubscribeDocumentAndCollection(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			docCh := make(chan Snapshot, 16)
			colCh := make(chan Snapshot, 16)
			p := testCol + "/e1_u1"

			unDoc, err := s.Subscribe(p, func(sn Snapshot) { docCh <- sn })
			if err != nil {
				t.Fatalf("subscribe doc: %v", err)
			}
			defer unDoc()
			unCol, err := s.Subscribe(testCol, func(sn Snapshot) { colCh <- sn })
			if err != nil {
				t.Fatalf("subscribe col: %v", err)
			}
			defer unCol()

			waitSnapshot(t, docCh, func(sn Snapshot) bool { return !sn.Exists })
			waitSnapshot(t, colCh, func(sn Snapshot) bool { return len(sn.Docs) == 0 })

			if err := s.Set(ctx, p, map[string]any{"v": 1}, SetOptions{}); err != nil {
				t.Fatalf("set: %v", err)
			}
			got := waitSnapshot(t, docCh, func(sn Snapshot) bool { return sn.Exists })
			if got.Doc.Data["v"] != float64(1) {
				t.Fatalf("doc snapshot: %+v", got.Doc)
			}
			waitSnapshot(t, colCh, func(sn Snapshot) bool { return len(sn.Docs) == 1 })

			if err := s.Delete(ctx, p); err != nil {
				t.Fatalf("delete: %v", err)
			}
			waitSnapshot(t, docCh, func(sn Snapshot) bool { return !sn.Exists })
		})
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ch := make(chan Snapshot, 16)
			p := testCol + "/x"
			un, err := s.Subscribe(p, func(sn Snapshot) { ch <- sn })
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			waitSnapshot(t, ch, func(Snapshot) bool { return true })
			un()
			un() // idempotent

			_ = s.Set(ctx, p, map[string]any{"v": 2}, SetOptions{})
			select {
			case sn := <-ch:
				t.Fatalf("delivery after unsubscribe: %+v", sn)
			case <-time.After(100 * time.Millisecond):
			}
		})
	}
}

func TestPaths(t *testing.T) {
	p := NewPaths("")
	if p.AppID != "safety-app-default" {
		t.Fatalf("default app id: %q", p.AppID)
	}
	if got := p.Response("e1", "u9"); got != "artifacts/safety-app-default/public/data/responses/e1_u9" {
		t.Fatalf("response path: %q", got)
	}
	if !IsCollection(p.Evaluations()) || IsCollection(p.ActivePointer()) {
		t.Fatalf("collection detection is wrong")
	}
	parent, id := Split(p.ActivePointer())
	if parent != p.Config() || id != "active" {
		t.Fatalf("split: %q %q", parent, id)
	}
	if _, err := Clean("a//b"); err == nil {
		t.Fatalf("empty segment accepted")
	}
}
