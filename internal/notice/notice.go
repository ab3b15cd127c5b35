// Package notice holds the user-facing notices raised by the call, invite
// and directory components until the user dismisses them.
package notice

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Codes used across the application.
const (
	CodeCameraBusy       = "media.camera_busy"
	CodeMediaPermission  = "media.permission_denied"
	CodeMediaBusy        = "media.device_busy"
	CodeMediaUnknown     = "media.unknown"
	CodeUserUnavailable  = "invite.unavailable"
	CodeInviteNoAnswer   = "invite.no_answer"
	CodeInviteRejected   = "invite.rejected"
	CodeRoomFull         = "room.full"
	CodeRoomClosed       = "room.closed"
	CodePeerDisconnected = "room.peer_disconnected"
)

// ActionRetry asks the UI to offer a manual media retry.
const ActionRetry = "retry"

type Notice struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Level       Level     `json:"level"`
	Text        string    `json:"text"`
	Blocking    bool      `json:"blocking,omitempty"`
	Dismissible bool      `json:"dismissible"`
	Action      string    `json:"action,omitempty"`
	At          time.Time `json:"at"`
}

type Event struct {
	Type   string  `json:"type"` // post|dismiss
	Notice *Notice `json:"notice"`
}

// Board keeps at most one active notice per code; posting a code again
// replaces the previous notice.
type Board struct {
	mu        sync.Mutex
	items     []Notice
	listeners []chan Event
}

func NewBoard() *Board {
	return &Board{}
}

// Post adds or replaces the notice for n.Code and returns the stored copy.
func (b *Board) Post(n Notice) Notice {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	replaced := false
	for i := range b.items {
		if n.Code != "" && b.items[i].Code == n.Code {
			b.items[i] = n
			replaced = true
			break
		}
	}
	if !replaced {
		b.items = append(b.items, n)
	}
	b.notifyListeners(Event{Type: "post", Notice: &n})
	return n
}

// Dismiss removes a notice by id. It reports whether one was removed.
func (b *Board) Dismiss(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.items {
		if n.ID == id {
			b.items = append(b.items[:i], b.items[i+1:]...)
			b.notifyListeners(Event{Type: "dismiss", Notice: &n})
			return true
		}
	}
	return false
}

// Clear removes the notice carrying code, if any.
func (b *Board) Clear(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.items {
		if n.Code == code {
			b.items = append(b.items[:i], b.items[i+1:]...)
			b.notifyListeners(Event{Type: "dismiss", Notice: &n})
			return
		}
	}
}

// Has reports whether a notice with code is active.
func (b *Board) Has(code string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.items {
		if n.Code == code {
			return true
		}
	}
	return false
}

// Active returns the notices in posting order.
func (b *Board) Active() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notice, len(b.items))
	copy(out, b.items)
	return out
}

func (b *Board) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 16)
	b.listeners = append(b.listeners, ch)
	return ch
}

func (b *Board) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			close(listener)
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Board) notifyListeners(evt Event) {
	for _, ch := range b.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
