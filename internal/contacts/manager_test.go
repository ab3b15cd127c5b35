package contacts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petervdpas/duocall/internal/proto"
	"github.com/petervdpas/duocall/internal/signal"
	"github.com/petervdpas/duocall/internal/state"
)

type sent struct {
	event   string
	payload any
}

type fakeSig struct {
	*signal.Bus
	mu   sync.Mutex
	sent []sent
}

func newFakeSig() *fakeSig { return &fakeSig{Bus: signal.NewBus()} }

func (f *fakeSig) Send(event string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sent{event, payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeSig) events() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type backend struct {
	contacts   any
	roster     any
	status     int
	authSeen   atomic.Value
	contactHit atomic.Int32
	rosterHit  atomic.Int32
}

func (b *backend) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/contacts", func(w http.ResponseWriter, r *http.Request) {
		b.contactHit.Add(1)
		b.authSeen.Store(r.Header.Get("Authorization"))
		if b.status != 0 {
			w.WriteHeader(b.status)
			return
		}
		_ = json.NewEncoder(w).Encode(b.contacts)
	})
	mux.HandleFunc("/users/roster", func(w http.ResponseWriter, r *http.Request) {
		b.rosterHit.Add(1)
		_ = json.NewEncoder(w).Encode(b.roster)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEmptyContactsFallsBackToRoster(t *testing.T) {
	b := &backend{
		contacts: []state.Contact{},
		roster: []state.Contact{
			{ID: "u2", Username: "bob", Status: proto.StatusOnline},
			{ID: "u3", Username: "cat", Status: proto.StatusOffline},
		},
	}
	srv := b.server(t)
	sig := newFakeSig()
	dir := state.NewDirectory()
	m := New(dir, NewClient(srv.URL+"/", func() string { return "tok" }), sig, "u1")

	m.Start(context.Background())
	defer m.Close()

	if !dir.UsingRoster() {
		t.Fatal("expected roster mode")
	}
	if dir.Len() != 2 {
		t.Fatalf("directory len = %d", dir.Len())
	}
	if got := b.authSeen.Load(); got != "Bearer tok" {
		t.Fatalf("authorization = %v", got)
	}

	evs := sig.events()
	if len(evs) == 0 || evs[0].event != proto.EventPresenceUpdate {
		t.Fatalf("expected presence:update first, got %+v", evs)
	}
	if p := evs[0].payload.(proto.PresencePayload); p.UserID != "u1" || p.Status != proto.StatusOnline {
		t.Fatalf("presence payload = %+v", p)
	}
}

func TestNonOKIsEmptyList(t *testing.T) {
	b := &backend{status: http.StatusInternalServerError, roster: []state.Contact{}}
	srv := b.server(t)
	dir := state.NewDirectory()
	m := New(dir, NewClient(srv.URL, nil), newFakeSig(), "u1")
	m.Refresh(context.Background())

	if !dir.Loaded() || dir.Len() != 0 || dir.UsingRoster() {
		t.Fatalf("loaded=%v len=%d roster=%v", dir.Loaded(), dir.Len(), dir.UsingRoster())
	}
	if b.rosterHit.Load() != 1 {
		t.Fatalf("roster hits = %d", b.rosterHit.Load())
	}
}

func TestTransportErrorLeavesDirectory(t *testing.T) {
	b := &backend{contacts: []state.Contact{{ID: "u2", Status: proto.StatusOnline}}}
	srv := b.server(t)
	dir := state.NewDirectory()
	m := New(dir, NewClient(srv.URL, nil), newFakeSig(), "u1")
	m.Refresh(context.Background())
	if dir.Len() != 1 {
		t.Fatalf("len = %d", dir.Len())
	}

	srv.Close()
	m.Refresh(context.Background())
	if dir.Len() != 1 {
		t.Fatal("transport failure must not wipe the directory")
	}
}

func TestPresenceAndContactUpdates(t *testing.T) {
	b := &backend{contacts: []state.Contact{{ID: "u2", Username: "bob", Status: proto.StatusOffline}}}
	srv := b.server(t)
	sig := newFakeSig()
	dir := state.NewDirectory()
	m := New(dir, NewClient(srv.URL, nil), sig, "u1")
	m.Start(context.Background())
	defer m.Close()

	sig.Publish(proto.Presence{PresencePayload: proto.PresencePayload{UserID: "u2", Status: proto.StatusOnline}})
	waitFor(t, "presence merge", func() bool {
		c, _ := dir.Get("u2")
		return c.Status == proto.StatusOnline
	})

	when := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	sig.Publish(proto.ContactUpdate{ContactUpdatePayload: proto.ContactUpdatePayload{ID: "u2", LastCallAt: &when}})
	waitFor(t, "lastCallAt patch", func() bool {
		c, _ := dir.Get("u2")
		return c.LastCallAt != nil && c.LastCallAt.Equal(when)
	})
	if hits := b.contactHit.Load(); hits != 1 {
		t.Fatalf("known contact update refetched (hits=%d)", hits)
	}

	sig.Publish(proto.ContactUpdate{ContactUpdatePayload: proto.ContactUpdatePayload{ID: "u9"}})
	waitFor(t, "refetch for unknown contact", func() bool { return b.contactHit.Load() == 2 })
}

func TestCloseAnnouncesOffline(t *testing.T) {
	b := &backend{contacts: []state.Contact{}}
	srv := b.server(t)
	sig := newFakeSig()
	m := New(state.NewDirectory(), NewClient(srv.URL, nil), sig, "u1")
	m.Start(context.Background())
	m.Close()
	m.Close()

	evs := sig.events()
	last := evs[len(evs)-1]
	if last.event != proto.EventPresenceUpdate || last.payload.(proto.PresencePayload).Status != proto.StatusOffline {
		t.Fatalf("last event = %+v", last)
	}
	offline := 0
	for _, e := range evs {
		if p, ok := e.payload.(proto.PresencePayload); ok && p.Status == proto.StatusOffline {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("offline announced %d times", offline)
	}
}
