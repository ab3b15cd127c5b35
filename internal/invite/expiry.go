package invite

import (
	"time"

	"github.com/petervdpas/duocall/internal/notice"
)

func (m *Machine) armPendingTimerLocked(roomID string) {
	m.stopPendingTimerLocked()
	if m.timeout <= 0 {
		return
	}
	m.pendingTimer = time.AfterFunc(m.timeout, func() { m.expirePending(roomID) })
}

func (m *Machine) armIncomingTimerLocked(roomID string) {
	m.stopIncomingTimerLocked()
	if m.timeout <= 0 {
		return
	}
	m.incomingTimer = time.AfterFunc(m.timeout, func() { m.expireIncoming(roomID) })
}

func (m *Machine) stopPendingTimerLocked() {
	if m.pendingTimer != nil {
		m.pendingTimer.Stop()
		m.pendingTimer = nil
	}
}

func (m *Machine) stopIncomingTimerLocked() {
	if m.incomingTimer != nil {
		m.incomingTimer.Stop()
		m.incomingTimer = nil
	}
}

// expirePending withdraws an invitation nobody answered. A timer that fires
// after the invitation was already resolved finds a different room and does
// nothing.
func (m *Machine) expirePending(roomID string) {
	m.mu.Lock()
	if m.state != StateInviting || m.pending == nil || m.pending.RoomID != roomID {
		m.mu.Unlock()
		return
	}
	p := *m.pending
	m.pendingTimer = nil
	m.resetPendingLocked()
	m.notifyLocked()
	m.mu.Unlock()

	m.sendCancel(p)
	log.Infof("[%s] no answer from %s after %s", p.RoomID, p.ToUserID, m.timeout)
	m.notices.Post(notice.Notice{
		Code:        notice.CodeInviteNoAnswer,
		Level:       notice.LevelInfo,
		Text:        "No answer",
		Dismissible: true,
	})
}

func (m *Machine) expireIncoming(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming == nil || m.incoming.RoomID != roomID {
		return
	}
	log.Infof("[%s] incoming invitation expired", roomID)
	m.incoming = nil
	m.incomingTimer = nil
	m.notifyLocked()
}

func (m *Machine) Subscribe() chan Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Snapshot, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Machine) Unsubscribe(ch chan Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Machine) notifyLocked() {
	s := m.snapshotLocked()
	for _, ch := range m.listeners {
		select {
		case ch <- s:
		default:
		}
	}
}
