// Package invite drives the call handshake between two users: invite,
// accept, reject, cancel and end, on both the caller and the callee side.
package invite

import (
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/notice"
	"github.com/petervdpas/duocall/internal/proto"
)

var log = logging.Logger("invite")

var (
	ErrBusy         = errors.New("an invitation or call is already in progress")
	ErrNoInvitation = errors.New("no pending invitation")
	ErrNoSelf       = errors.New("own user id unknown")
)

type State string

const (
	StateIdle     State = "idle"
	StateInviting State = "inviting"
	StateActive   State = "active"
)

// Invitation is an invite received from another user.
type Invitation struct {
	FromUserID string    `json:"fromUserId"`
	FromName   string    `json:"fromName"`
	RoomID     string    `json:"roomId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Pending is an invite this user sent and is waiting on.
type Pending struct {
	RoomID   string    `json:"roomId"`
	ToUserID string    `json:"toUserId"`
	SentAt   time.Time `json:"sentAt"`
}

type Snapshot struct {
	State        State       `json:"state"`
	Pending      *Pending    `json:"pending,omitempty"`
	Incoming     *Invitation `json:"incoming,omitempty"`
	ActiveRoom   string      `json:"active_room,omitempty"`
	RemoteUserID string      `json:"remote_user_id,omitempty"`
}

type Signaler interface {
	Send(event string, payload any) error
	Subscribe(events ...string) (<-chan proto.Event, func())
}

// Directory is what the machine needs from the contact directory.
type Directory interface {
	RefreshAsync()
	SetStatus(id string, status proto.Status)
}

type Options struct {
	SelfID   string
	SelfName string

	// Timeout expires unanswered invitations. Zero disables expiry.
	Timeout time.Duration

	Notices *notice.Board

	// OnActive runs once a call is agreed, outside the machine's lock.
	OnActive func(roomID, remoteUserID string)

	Now func() time.Time
}

type Machine struct {
	sig      Signaler
	dir      Directory
	notices  *notice.Board
	onActive func(roomID, remoteUserID string)
	selfID   string
	selfName string
	timeout  time.Duration
	nowFn    func() time.Time

	mu            sync.Mutex
	state         State
	pending       *Pending
	incoming      *Invitation
	activeRoom    string
	remoteUser    string
	pendingTimer  *time.Timer
	incomingTimer *time.Timer
	listeners     []chan Snapshot

	done chan struct{}
	once sync.Once
}

func New(sig Signaler, dir Directory, opts Options) *Machine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	notices := opts.Notices
	if notices == nil {
		notices = notice.NewBoard()
	}
	return &Machine{
		sig:      sig,
		dir:      dir,
		notices:  notices,
		onActive: opts.OnActive,
		selfID:   opts.SelfID,
		selfName: opts.SelfName,
		timeout:  opts.Timeout,
		nowFn:    now,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// RoomID builds the room identifier for a call from caller to callee.
func RoomID(callerID, calleeID string, at time.Time) string {
	return fmt.Sprintf("r-%s-%s-%d", callerID, calleeID, at.UnixMilli())
}

// Start subscribes to the call:* events and processes them in order.
func (m *Machine) Start() {
	ch, cancel := m.sig.Subscribe(
		proto.EventCallIncoming,
		proto.EventCallAccepted,
		proto.EventCallRejected,
		proto.EventCallCanceled,
		proto.EventCallUnavailable,
	)
	go m.dispatchLoop(ch, cancel)
}

func (m *Machine) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.stopPendingTimerLocked()
		m.stopIncomingTimerLocked()
		m.mu.Unlock()
		close(m.done)
	})
}

// Invite asks contactID to join a new room. Only one invitation or call
// may be in progress.
func (m *Machine) Invite(contactID string) (string, error) {
	if m.selfID == "" {
		return "", ErrNoSelf
	}
	if contactID == "" {
		return "", errors.New("contact id is required")
	}
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return "", ErrBusy
	}
	now := m.nowFn()
	room := RoomID(m.selfID, contactID, now)
	m.state = StateInviting
	m.pending = &Pending{RoomID: room, ToUserID: contactID, SentAt: now}
	m.remoteUser = contactID
	m.armPendingTimerLocked(room)
	m.notifyLocked()
	m.mu.Unlock()

	err := m.sig.Send(proto.EventCallInvite, proto.InvitePayload{
		FromUserID: m.selfID,
		FromName:   m.selfName,
		ToUserID:   contactID,
		RoomID:     room,
	})
	if err != nil {
		m.mu.Lock()
		if m.pending != nil && m.pending.RoomID == room {
			m.resetPendingLocked()
			m.notifyLocked()
		}
		m.mu.Unlock()
		return "", fmt.Errorf("send invite: %w", err)
	}
	log.Infof("[%s] invited %s", room, contactID)
	return room, nil
}

// Cancel withdraws the pending invitation.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	if m.state != StateInviting || m.pending == nil {
		m.mu.Unlock()
		return ErrNoInvitation
	}
	p := *m.pending
	m.resetPendingLocked()
	m.notifyLocked()
	m.mu.Unlock()

	m.sendCancel(p)
	log.Infof("[%s] invitation canceled", p.RoomID)
	return nil
}

// Accept takes the incoming invitation. A pending outgoing invitation is
// withdrawn first.
func (m *Machine) Accept() (string, error) {
	m.mu.Lock()
	inv := m.incoming
	if inv == nil {
		m.mu.Unlock()
		return "", ErrNoInvitation
	}
	if m.state == StateActive {
		m.mu.Unlock()
		return "", ErrBusy
	}
	var withdrawn *Pending
	if m.state == StateInviting && m.pending != nil {
		p := *m.pending
		withdrawn = &p
		m.resetPendingLocked()
	}
	m.incoming = nil
	m.stopIncomingTimerLocked()
	m.state = StateActive
	m.activeRoom = inv.RoomID
	m.remoteUser = inv.FromUserID
	m.notifyLocked()
	m.mu.Unlock()

	if withdrawn != nil {
		m.sendCancel(*withdrawn)
	}
	if err := m.sig.Send(proto.EventCallAccept, proto.InvitePayload{
		RoomID:     inv.RoomID,
		FromUserID: inv.FromUserID,
		ToUserID:   m.selfID,
	}); err != nil {
		log.Warnf("[%s] send accept: %v", inv.RoomID, err)
	}
	log.Infof("[%s] accepted invitation from %s", inv.RoomID, inv.FromUserID)
	m.dir.RefreshAsync()
	m.fireActive(inv.RoomID, inv.FromUserID)
	return inv.RoomID, nil
}

// Reject declines the incoming invitation.
func (m *Machine) Reject() error {
	m.mu.Lock()
	inv := m.incoming
	if inv == nil {
		m.mu.Unlock()
		return ErrNoInvitation
	}
	m.incoming = nil
	m.stopIncomingTimerLocked()
	m.notifyLocked()
	m.mu.Unlock()

	if err := m.sig.Send(proto.EventCallReject, proto.InvitePayload{
		FromUserID: inv.FromUserID,
		ToUserID:   m.selfID,
		RoomID:     inv.RoomID,
	}); err != nil {
		log.Warnf("[%s] send reject: %v", inv.RoomID, err)
	}
	log.Infof("[%s] rejected invitation from %s", inv.RoomID, inv.FromUserID)
	return nil
}

// Join enters a room directly, without an invitation.
func (m *Machine) Join(roomID string) error {
	if roomID == "" {
		return errors.New("room id is required")
	}
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = StateActive
	m.activeRoom = roomID
	m.remoteUser = ""
	m.notifyLocked()
	m.mu.Unlock()

	m.fireActive(roomID, "")
	return nil
}

// EndCall finishes the active call: it tells the server who was in the
// call, marks the other participant online locally and refreshes the
// directory. It reports whether a call was active.
func (m *Machine) EndCall() bool {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return false
	}
	room, remote := m.activeRoom, m.remoteUser
	m.resetActiveLocked()
	m.notifyLocked()
	m.mu.Unlock()

	ids := []string{m.selfID}
	if remote != "" {
		ids = append(ids, remote)
	}
	if err := m.sig.Send(proto.EventCallEnd, proto.EndPayload{UserIDs: ids}); err != nil {
		log.Warnf("[%s] send end: %v", room, err)
	}
	if remote != "" {
		m.dir.SetStatus(remote, proto.StatusOnline)
	}
	m.dir.RefreshAsync()
	log.Infof("[%s] call ended", room)
	return true
}

// SessionEnded returns to idle after the call layer ended roomID on its own,
// e.g. because the server closed the room. Nothing is sent.
func (m *Machine) SessionEnded(roomID string) {
	m.mu.Lock()
	if m.state != StateActive || m.activeRoom != roomID {
		m.mu.Unlock()
		return
	}
	m.resetActiveLocked()
	m.notifyLocked()
	m.mu.Unlock()
	m.dir.RefreshAsync()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{State: m.state, ActiveRoom: m.activeRoom}
	if m.state != StateIdle {
		s.RemoteUserID = m.remoteUser
	}
	if m.pending != nil {
		p := *m.pending
		s.Pending = &p
	}
	if m.incoming != nil {
		inv := *m.incoming
		s.Incoming = &inv
	}
	return s
}

func (m *Machine) dispatchLoop(ch <-chan proto.Event, cancel func()) {
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

func (m *Machine) dispatch(ev proto.Event) {
	switch e := ev.(type) {
	case proto.CallIncoming:
		m.handleIncoming(e.InvitePayload)
	case proto.CallAccepted:
		m.handleAccepted(e.InvitePayload)
	case proto.CallRejected:
		if p, ok := m.clearPending(e.RoomID); ok {
			log.Infof("[%s] invitation rejected", p.RoomID)
			m.notices.Post(notice.Notice{
				Code:        notice.CodeInviteRejected,
				Level:       notice.LevelInfo,
				Text:        "Call declined",
				Dismissible: true,
			})
		}
	case proto.CallUnavailable:
		if p, ok := m.clearPending(e.RoomID); ok {
			log.Infof("[%s] %s unavailable", p.RoomID, p.ToUserID)
			m.notices.Post(notice.Notice{
				Code:        notice.CodeUserUnavailable,
				Level:       notice.LevelWarning,
				Text:        "User unavailable",
				Blocking:    true,
				Dismissible: true,
			})
		}
	case proto.CallCanceled:
		m.mu.Lock()
		if m.incoming != nil && (e.RoomID == "" || e.RoomID == m.incoming.RoomID) {
			log.Infof("[%s] invitation withdrawn by %s", m.incoming.RoomID, m.incoming.FromUserID)
			m.incoming = nil
			m.stopIncomingTimerLocked()
			m.notifyLocked()
		}
		m.mu.Unlock()
	}
}

func (m *Machine) handleIncoming(p proto.InvitePayload) {
	m.mu.Lock()
	if m.incoming != nil {
		log.Infof("[%s] replaced by newer invitation %s", m.incoming.RoomID, p.RoomID)
	}
	m.incoming = &Invitation{
		FromUserID: p.FromUserID,
		FromName:   p.FromName,
		RoomID:     p.RoomID,
		ReceivedAt: m.nowFn(),
	}
	m.armIncomingTimerLocked(p.RoomID)
	m.notifyLocked()
	m.mu.Unlock()
	log.Infof("[%s] incoming invitation from %s", p.RoomID, p.FromUserID)
}

func (m *Machine) handleAccepted(p proto.InvitePayload) {
	m.mu.Lock()
	if m.state != StateInviting || m.pending == nil || m.pending.RoomID != p.RoomID {
		m.mu.Unlock()
		log.Debugf("[%s] ignoring accepted for a room we are not inviting to", p.RoomID)
		return
	}
	remote := m.pending.ToUserID
	m.resetPendingLocked()
	m.state = StateActive
	m.activeRoom = p.RoomID
	m.remoteUser = remote
	m.notifyLocked()
	m.mu.Unlock()

	log.Infof("[%s] invitation accepted by %s", p.RoomID, remote)
	m.dir.SetStatus(remote, proto.StatusBusy)
	m.dir.RefreshAsync()
	m.fireActive(p.RoomID, remote)
}

// clearPending drops the pending invitation when roomID matches it (an
// empty roomID matches any).
func (m *Machine) clearPending(roomID string) (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInviting || m.pending == nil {
		return Pending{}, false
	}
	if roomID != "" && roomID != m.pending.RoomID {
		return Pending{}, false
	}
	p := *m.pending
	m.resetPendingLocked()
	m.notifyLocked()
	return p, true
}

func (m *Machine) sendCancel(p Pending) {
	if err := m.sig.Send(proto.EventCallCancel, proto.InvitePayload{
		FromUserID: m.selfID,
		ToUserID:   p.ToUserID,
		RoomID:     p.RoomID,
	}); err != nil {
		log.Warnf("[%s] send cancel: %v", p.RoomID, err)
	}
}

func (m *Machine) fireActive(roomID, remote string) {
	if m.onActive != nil {
		m.onActive(roomID, remote)
	}
}

func (m *Machine) resetPendingLocked() {
	m.stopPendingTimerLocked()
	m.pending = nil
	m.remoteUser = ""
	m.state = StateIdle
}

func (m *Machine) resetActiveLocked() {
	m.activeRoom = ""
	m.remoteUser = ""
	m.state = StateIdle
}
