package syncx

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/Mozmina/formatrice/internal/db"
)

var seq atomic.Int64

func TestAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.DriverSQLite, fmt.Sprintf("file:events%d?mode=memory&cache=shared", seq.Add(1)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	repo := NewEventRepo(conn, "")
	if err := repo.Append(ctx, EventEvaluationCreated, "e1", map[string]string{"title": "Perçage"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Append(ctx, EventActiveChanged, "e1", nil); err != nil {
		t.Fatal(err)
	}
	if err := repo.Append(ctx, EventResponsesPurged, "", map[string]int{"deleted": 3}); err != nil {
		t.Fatal(err)
	}

	all, err := repo.Recent(ctx, "", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("recent: %d %v", len(all), err)
	}
	if all[0].Type != EventResponsesPurged || all[2].Type != EventEvaluationCreated {
		t.Fatalf("order: %s .. %s", all[0].Type, all[2].Type)
	}
	if all[0].SiteID != "local" || string(all[0].Data) != `{"deleted":3}` {
		t.Fatalf("event: %+v", all[0])
	}

	only, err := repo.Recent(ctx, EventActiveChanged, 10)
	if err != nil || len(only) != 1 || only[0].Key != "e1" {
		t.Fatalf("filtered: %+v %v", only, err)
	}
}
