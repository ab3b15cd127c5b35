package state

import (
	"testing"
	"time"

	"github.com/petervdpas/duocall/internal/proto"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

func seeded(t *testing.T) *Directory {
	t.Helper()
	d := NewDirectory()
	tok := d.BeginRefresh()
	d.Reconcile(tok, []Contact{
		{ID: "a", Username: "ann", Status: proto.StatusOffline},
		{ID: "b", Username: "bob", Status: proto.StatusOnline, LastCallAt: at(time.Hour)},
		{ID: "c", Username: "cat", Status: proto.StatusBusy, LastCallAt: at(2 * time.Hour)},
		{ID: "e", Username: "eve", Status: proto.StatusOnline},
	}, false)
	return d
}

func ids(cs []Contact) string {
	s := ""
	for _, c := range cs {
		s += c.ID
	}
	return s
}

func TestSortedByLastCallDescending(t *testing.T) {
	d := seeded(t)
	if got := ids(d.Sorted()); got != "cbae" {
		t.Fatalf("order = %q, want %q", got, "cbae")
	}
}

func TestPresenceMergeIsIdempotent(t *testing.T) {
	d := seeded(t)
	before := ids(d.Sorted())

	if !d.ApplyPresence("a", proto.StatusOnline) {
		t.Fatal("first presence event should change the entry")
	}
	if d.ApplyPresence("a", proto.StatusOnline) {
		t.Fatal("repeated presence event must be a no-op")
	}
	c, _ := d.Get("a")
	if c.Status != proto.StatusOnline || c.Username != "ann" {
		t.Fatalf("contact after merge = %+v", c)
	}
	if got := ids(d.Sorted()); got != before {
		t.Fatalf("presence changed order: %q -> %q", before, got)
	}
	if d.ApplyPresence("zzz", proto.StatusOnline) {
		t.Fatal("unknown id must not create an entry")
	}
	if d.Len() != 4 {
		t.Fatalf("len = %d", d.Len())
	}
}

func TestPresenceLastWriterWins(t *testing.T) {
	d := seeded(t)
	d.ApplyPresence("b", proto.StatusBusy)
	d.ApplyPresence("b", proto.StatusOffline)
	d.ApplyPresence("b", proto.StatusOnline)
	if c, _ := d.Get("b"); c.Status != proto.StatusOnline {
		t.Fatalf("status = %s", c.Status)
	}
}

func TestReconcileKeepsPresenceSeenDuringFetch(t *testing.T) {
	d := seeded(t)
	tok := d.BeginRefresh()
	// Arrives while the fetch is in flight, for a contact the fetch returns
	// with an older status.
	d.ApplyPresence("e", proto.StatusBusy)
	d.Reconcile(tok, []Contact{
		{ID: "e", Username: "eve", Status: proto.StatusOnline},
		{ID: "f", Username: "fay", Status: proto.StatusOnline},
	}, false)

	if c, _ := d.Get("e"); c.Status != proto.StatusBusy {
		t.Fatalf("e status = %s, want BUSY", c.Status)
	}

	// The next refresh treats the fetched status as authoritative again.
	tok = d.BeginRefresh()
	d.Reconcile(tok, []Contact{{ID: "e", Status: proto.StatusOnline}}, false)
	if c, _ := d.Get("e"); c.Status != proto.StatusOnline {
		t.Fatalf("e status = %s, want ONLINE", c.Status)
	}
}

func TestReconcileDropsStaleRefresh(t *testing.T) {
	d := NewDirectory()
	older := d.BeginRefresh()
	newer := d.BeginRefresh()
	if !d.Reconcile(newer, []Contact{{ID: "n"}}, false) {
		t.Fatal("newer refresh not applied")
	}
	if d.Reconcile(older, []Contact{{ID: "o"}}, true) {
		t.Fatal("older refresh applied after newer one")
	}
	if _, ok := d.Get("n"); !ok || d.UsingRoster() {
		t.Fatal("directory was overwritten by stale refresh")
	}
}

func TestOptimisticStatusOverwrittenByRefresh(t *testing.T) {
	d := seeded(t)
	d.SetStatus("c", proto.StatusOnline)
	tok := d.BeginRefresh()
	d.Reconcile(tok, []Contact{{ID: "c", Status: proto.StatusOffline}}, false)
	if c, _ := d.Get("c"); c.Status != proto.StatusOffline {
		t.Fatalf("status = %s", c.Status)
	}
}

func TestPatchLastCall(t *testing.T) {
	d := seeded(t)
	if !d.PatchLastCall("e", at(3*time.Hour)) {
		t.Fatal("known contact not patched")
	}
	if got := ids(d.Sorted()); got != "ecba" {
		t.Fatalf("order after patch = %q", got)
	}
	if d.PatchLastCall("nobody", at(time.Hour)) {
		t.Fatal("unknown contact reported as patched")
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	d := seeded(t)
	ch := d.Subscribe()
	defer d.Unsubscribe(ch)

	d.ApplyPresence("a", proto.StatusBusy)
	ev := <-ch
	if ev.Type != "update" || ev.ContactID != "a" || ev.Contact.Status != proto.StatusBusy {
		t.Fatalf("event = %+v", ev)
	}
}
