package state

import (
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/duocall/internal/proto"
)

type Contact struct {
	ID         string       `json:"id"`
	Username   string       `json:"username"`
	Email      string       `json:"email"`
	Status     proto.Status `json:"status"`
	LastCallAt *time.Time   `json:"lastCallAt,omitempty"`
}

type DirectoryEvent struct {
	Type      string    `json:"type"` // reset|update
	ContactID string    `json:"contact_id,omitempty"`
	Contact   *Contact  `json:"contact,omitempty"`
	Contacts  []Contact `json:"contacts,omitempty"`
	Roster    bool      `json:"roster,omitempty"`
}

// RefreshToken marks the start of one authoritative fetch. Reconcile uses
// it to drop stale results and to keep presence seen while the fetch ran.
type RefreshToken struct {
	gen uint64
	seq uint64
}

type presenceMark struct {
	status proto.Status
	seq    uint64
}

// Directory is the local view of the user's contacts, keyed by id.
type Directory struct {
	mu       sync.Mutex
	contacts map[string]Contact
	order    []string
	roster   bool
	loaded   bool

	seq        uint64
	live       map[string]presenceMark
	nextGen    uint64
	appliedGen uint64

	listeners []chan DirectoryEvent
}

func NewDirectory() *Directory {
	return &Directory{
		contacts:  map[string]Contact{},
		live:      map[string]presenceMark{},
		listeners: make([]chan DirectoryEvent, 0),
	}
}

// BeginRefresh is called before fetching the authoritative list.
func (d *Directory) BeginRefresh() RefreshToken {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextGen++
	return RefreshToken{gen: d.nextGen, seq: d.seq}
}

// Reconcile installs a fetched list. Results older than an already applied
// refresh are discarded; presence observed after tok was taken wins over the
// fetched status. It reports whether the list was applied.
func (d *Directory) Reconcile(tok RefreshToken, list []Contact, roster bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tok.gen < d.appliedGen {
		return false
	}
	d.appliedGen = tok.gen

	contacts := make(map[string]Contact, len(list))
	order := make([]string, 0, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		if m, ok := d.live[c.ID]; ok && m.seq > tok.seq {
			c.Status = m.status
		}
		if _, dup := contacts[c.ID]; !dup {
			order = append(order, c.ID)
		}
		contacts[c.ID] = c
	}
	// Marks older than this refresh are folded into the list now.
	for id, m := range d.live {
		if m.seq <= tok.seq {
			delete(d.live, id)
		}
	}

	d.contacts = contacts
	d.order = order
	d.roster = roster
	d.loaded = true
	d.notifyListeners(DirectoryEvent{Type: "reset", Contacts: d.sortedLocked(), Roster: roster})
	return true
}

// ApplyPresence replaces the status of a known contact. Unknown ids are
// remembered so an in-flight refresh picks them up. It reports whether a
// directory entry changed.
func (d *Directory) ApplyPresence(id string, status proto.Status) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.live[id] = presenceMark{status: status, seq: d.seq}

	c, ok := d.contacts[id]
	if !ok || c.Status == status {
		return false
	}
	c.Status = status
	d.contacts[id] = c
	d.notifyListeners(DirectoryEvent{Type: "update", ContactID: id, Contact: &c})
	return true
}

// SetStatus is an optimistic local change; the next refresh overwrites it.
func (d *Directory) SetStatus(id string, status proto.Status) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[id]
	if !ok {
		return false
	}
	if c.Status == status {
		return true
	}
	c.Status = status
	d.contacts[id] = c
	d.notifyListeners(DirectoryEvent{Type: "update", ContactID: id, Contact: &c})
	return true
}

// PatchLastCall updates lastCallAt of a known contact. It returns false when
// the id is unknown, in which case the caller refetches.
func (d *Directory) PatchLastCall(id string, at *time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[id]
	if !ok {
		return false
	}
	if at != nil {
		t := *at
		c.LastCallAt = &t
		d.contacts[id] = c
		d.notifyListeners(DirectoryEvent{Type: "update", ContactID: id, Contact: &c})
	}
	return true
}

func (d *Directory) Get(id string) (Contact, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[id]
	return c, ok
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contacts)
}

// UsingRoster reports whether the directory was filled from the roster
// fallback instead of the contact list.
func (d *Directory) UsingRoster() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roster
}

// Loaded reports whether at least one refresh was applied.
func (d *Directory) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// Sorted returns the contacts with the most recent call first. Contacts
// that were never called sort last; ties keep the fetched order.
func (d *Directory) Sorted() []Contact {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedLocked()
}

func (d *Directory) sortedLocked() []Contact {
	out := make([]Contact, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.contacts[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lastCall(out[i]).After(lastCall(out[j]))
	})
	return out
}

func lastCall(c Contact) time.Time {
	if c.LastCallAt == nil {
		return time.Time{}
	}
	return *c.LastCallAt
}

func (d *Directory) Subscribe() chan DirectoryEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan DirectoryEvent, 16)
	d.listeners = append(d.listeners, ch)
	return ch
}

func (d *Directory) Unsubscribe(ch chan DirectoryEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, listener := range d.listeners {
		if listener == ch {
			close(listener)
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Directory) notifyListeners(evt DirectoryEvent) {
	for _, ch := range d.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
