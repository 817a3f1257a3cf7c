package activation

import (
	"testing"

	"github.com/Mozmina/formatrice/internal/docstore"
)

type fakePointer struct {
	fn           func(string)
	unsubscribed bool
}

func (f *fakePointer) SubscribeActive(fn func(id string)) (docstore.Unsubscribe, error) {
	f.fn = fn
	return func() { f.unsubscribed = true }, nil
}

func TestGateReportsOnlyChanges(t *testing.T) {
	src := &fakePointer{}
	var got []string
	g, err := Watch(src, func(id string) { got = append(got, id) })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	for _, id := range []string{"", "", "e1", "e1", "e2", "", "e2"} {
		src.fn(id)
	}
	want := []string{"", "e1", "e2", "", "e2"}
	if len(got) != len(want) {
		t.Fatalf("changes: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("changes: %v want %v", got, want)
		}
	}
	if id, seen := g.Active(); !seen || id != "e2" {
		t.Fatalf("active: %q %v", id, seen)
	}

	g.Close()
	g.Close()
	if !src.unsubscribed {
		t.Fatalf("close must release the subscription")
	}
	src.fn("e3")
	if len(got) != len(want) {
		t.Fatalf("notification after close: %v", got)
	}
}
