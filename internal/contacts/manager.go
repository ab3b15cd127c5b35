// Package contacts keeps the contact directory in sync with the backend:
// one REST fetch per refresh plus live presence and contact updates from the
// signaling connection.
package contacts

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/proto"
	"github.com/petervdpas/duocall/internal/state"
	"github.com/petervdpas/duocall/internal/util"
)

var log = logging.Logger("contacts")

// Signaler is the slice of the signaling transport the directory needs.
type Signaler interface {
	Send(event string, payload any) error
	Subscribe(events ...string) (<-chan proto.Event, func())
}

// Fetcher loads the authoritative lists. *Client satisfies it.
type Fetcher interface {
	Contacts(ctx context.Context) ([]state.Contact, error)
	Roster(ctx context.Context) ([]state.Contact, error)
}

type Manager struct {
	dir    *state.Directory
	fetch  Fetcher
	sig    Signaler
	selfID string

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

func New(dir *state.Directory, fetch Fetcher, sig Signaler, selfID string) *Manager {
	return &Manager{
		dir:    dir,
		fetch:  fetch,
		sig:    sig,
		selfID: selfID,
		done:   make(chan struct{}),
	}
}

// Directory returns the directory this manager keeps in sync.
func (m *Manager) Directory() *state.Directory { return m.dir }

// Start announces this user as online, subscribes to presence and contact
// updates, and performs the initial refresh.
func (m *Manager) Start(ctx context.Context) {
	ch, cancel := m.sig.Subscribe(proto.EventPresence, proto.EventContactUpdate)
	go m.dispatchLoop(ch, cancel)

	m.publish(proto.StatusOnline)
	m.Refresh(ctx)
}

// Close announces this user as offline and stops the event loop.
func (m *Manager) Close() {
	m.once.Do(func() {
		m.publish(proto.StatusOffline)
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Manager) publish(status proto.Status) {
	if m.selfID == "" {
		return
	}
	if err := m.sig.Send(proto.EventPresenceUpdate, proto.PresencePayload{UserID: m.selfID, Status: status}); err != nil {
		log.Warnf("presence %s: %v", status, err)
	}
}

// Refresh fetches the contact list and, when it is empty, the roster. The
// result goes through the directory's reconcile step. Transport errors leave
// the directory untouched.
func (m *Manager) Refresh(ctx context.Context) {
	tok := m.dir.BeginRefresh()

	list, err := m.fetch.Contacts(ctx)
	if err != nil {
		log.Errorf("contacts fetch: %v", err)
		return
	}
	if len(list) > 0 {
		m.dir.Reconcile(tok, list, false)
		log.Debugf("directory refreshed: %d contacts", len(list))
		return
	}

	log.Infof("contact list empty, loading roster")
	roster, err := m.fetch.Roster(ctx)
	if err != nil || len(roster) == 0 {
		if err != nil {
			log.Warnf("roster fetch: %v", err)
		}
		m.dir.Reconcile(tok, list, false)
		return
	}
	m.dir.Reconcile(tok, roster, true)
	log.Debugf("directory refreshed from roster: %d users", len(roster))
}

// RefreshAsync runs Refresh in the background with the default fetch timeout.
func (m *Manager) RefreshAsync() {
	select {
	case <-m.done:
		return
	default:
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
		defer cancel()
		m.Refresh(ctx)
	}()
}

// SetStatus applies an optimistic status change to a contact.
func (m *Manager) SetStatus(id string, status proto.Status) {
	m.dir.SetStatus(id, status)
}

func (m *Manager) dispatchLoop(ch <-chan proto.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-m.done:
			return
		case ev := <-ch:
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev proto.Event) {
	switch e := ev.(type) {
	case proto.Presence:
		m.dir.ApplyPresence(e.UserID, e.Status)
	case proto.ContactUpdate:
		if !m.dir.PatchLastCall(e.ID, e.LastCallAt) {
			log.Debugf("contact:update for unknown %s, refetching", e.ID)
			m.RefreshAsync()
		}
	}
}
