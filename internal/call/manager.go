// Package call manages the WebRTC side of a call using Pion: one
// PeerConnection per session, local capture, and the sinks that expose
// local and remote media to the control API. Coupling to the rest of the
// application is via the Signaler interface only.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/notice"
	"github.com/petervdpas/duocall/internal/proto"
)

var log = logging.Logger("call")

// ErrNoSession is returned when an operation needs a call and there is none.
var ErrNoSession = errors.New("no active call session")

type Options struct {
	API        *webrtc.API
	Capturer   Capturer // nil means receive-only
	ICEServers []webrtc.ICEServer

	DisplayName string
	MicOn       bool
	CamOn       bool

	Notices *notice.Board
}

// Manager owns the current call session and routes signaling to it.
type Manager struct {
	sig     Signaler
	opts    Options
	notices *notice.Board
	local   *StreamSink
	remote  *StreamSink

	mu      sync.RWMutex
	current *Session

	endedMu sync.RWMutex
	ended   []func(roomID string, reason EndReason)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a Manager attached to sig and starts routing signaling
// events immediately.
func New(sig Signaler, opts Options) (*Manager, error) {
	if opts.API == nil {
		api, err := DefaultAPI()
		if err != nil {
			return nil, err
		}
		opts.API = api
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	notices := opts.Notices
	if notices == nil {
		notices = notice.NewBoard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sig:     sig,
		opts:    opts,
		notices: notices,
		local:   NewStreamSink("local"),
		remote:  NewStreamSink("remote"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	ch, unsubscribe := sig.Subscribe(
		proto.EventJoin,
		proto.EventOffer,
		proto.EventAnswer,
		proto.EventCandidate,
		proto.EventName,
		proto.EventPeerDisconnected,
		proto.EventRoomFull,
		proto.EventRoomClosed,
	)
	go m.dispatchLoop(ch, unsubscribe)
	return m, nil
}

// OnEnded registers a callback fired once per session when it goes away.
func (m *Manager) OnEnded(fn func(roomID string, reason EndReason)) {
	m.endedMu.Lock()
	m.ended = append(m.ended, fn)
	m.endedMu.Unlock()
}

func (m *Manager) LocalSink() *StreamSink  { return m.local }
func (m *Manager) RemoteSink() *StreamSink { return m.remote }

// Join enters roomID, replacing any session in progress. A terminal media
// failure aborts the join and is returned as *MediaError. The session is
// current from the start, so a Leave or another Join during capture ends
// it; Join then reports ErrSessionEnded.
func (m *Manager) Join(ctx context.Context, roomID string) (*Session, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}

	sess := newSession(sessionConfig{
		roomID:      roomID,
		displayName: m.opts.DisplayName,
		sig:         m.sig,
		api:         m.opts.API,
		iceServers:  m.opts.ICEServers,
		capturer:    m.opts.Capturer,
		notices:     m.notices,
		local:       m.local,
		remote:      m.remote,
		micOn:       m.opts.MicOn,
		camOn:       m.opts.CamOn,
	})

	m.mu.Lock()
	prev := m.current
	m.current = sess
	m.mu.Unlock()
	if prev != nil && prev.teardown(true) {
		m.fireEnded(prev.roomID, EndLeft)
	}

	if err := sess.start(ctx); err != nil {
		m.detach(sess)
		sess.teardown(false)
		log.Warnf("[%s] join aborted: %v", roomID, err)
		return nil, err
	}

	// The read lock keeps a concurrent Leave from sending leave before join.
	m.mu.RLock()
	if m.current != sess {
		m.mu.RUnlock()
		sess.teardown(false)
		log.Infof("[%s] join abandoned", roomID)
		return nil, fmt.Errorf("join %s: %w", roomID, ErrSessionEnded)
	}
	if err := m.sig.Send(proto.EventJoin, roomID); err != nil {
		log.Warnf("[%s] send join: %v", roomID, err)
	}
	if err := m.sig.Send(proto.EventName, m.opts.DisplayName); err != nil {
		log.Warnf("[%s] send name: %v", roomID, err)
	}
	m.mu.RUnlock()
	sess.setRemoteStatus(RemoteConnecting)
	log.Infof("[%s] joined", roomID)
	return sess, nil
}

// Leave ends the current session and tells the server. It reports whether
// there was one.
func (m *Manager) Leave() bool {
	sess := m.detach(nil)
	if sess == nil {
		return false
	}
	if sess.teardown(true) {
		m.fireEnded(sess.roomID, EndLeft)
	}
	return true
}

// detach clears the current session, only if it is want when want is set.
func (m *Manager) detach(want *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.current
	if sess == nil || (want != nil && sess != want) {
		return nil
	}
	m.current = nil
	return sess
}

func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) Status() Status {
	if sess := m.Current(); sess != nil {
		return sess.Status()
	}
	return Status{
		RemoteStatus: RemoteIdle,
		LocalBound:   m.local.Bound(),
		RemoteBound:  m.remote.Bound(),
	}
}

func (m *Manager) ToggleMic() (bool, error) {
	sess := m.Current()
	if sess == nil {
		return false, ErrNoSession
	}
	return sess.ToggleMic(), nil
}

func (m *Manager) ToggleCam(ctx context.Context) (bool, error) {
	sess := m.Current()
	if sess == nil {
		return false, ErrNoSession
	}
	return sess.ToggleCam(ctx)
}

func (m *Manager) RetryMedia(ctx context.Context) error {
	sess := m.Current()
	if sess == nil {
		return ErrNoSession
	}
	return sess.RetryMedia(ctx)
}

// Close leaves the current session and stops routing events.
func (m *Manager) Close() {
	m.once.Do(func() {
		m.cancel()
		close(m.done)
		m.Leave()
	})
}

func (m *Manager) fireEnded(roomID string, reason EndReason) {
	m.endedMu.RLock()
	handlers := make([]func(string, EndReason), len(m.ended))
	copy(handlers, m.ended)
	m.endedMu.RUnlock()
	for _, fn := range handlers {
		fn(roomID, reason)
	}
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

// dispatch routes one signaling event to the current session.
func (m *Manager) dispatch(ev proto.Event) {
	sess := m.Current()
	if sess == nil {
		log.Debugf("dropping %s outside a session", ev.Name())
		return
	}

	var err error
	switch e := ev.(type) {
	case proto.Join:
		if e.RoomID != "" && e.RoomID != sess.roomID {
			return
		}
		err = sess.handleJoin(m.ctx)
	case proto.Offer:
		err = sess.handleOffer(m.ctx, e.SDP)
	case proto.Answer:
		err = sess.handleAnswer(e.SDP)
	case proto.Candidate:
		sess.handleCandidate(e.Init)
	case proto.PeerName:
		sess.handleName(e.DisplayName)
	case proto.PeerDisconnected:
		sess.handlePeerDisconnected(e.Message)
	case proto.RoomFull:
		sess.handleRoomFull(e.RoomID)
	case proto.RoomClosed:
		if e.RoomID != "" && e.RoomID != sess.roomID {
			return
		}
		m.closeRoom(sess)
	}
	if err != nil {
		log.Warnf("[%s] %s: %v", sess.roomID, ev.Name(), err)
	}
}

// closeRoom tears the session down after the server closed the room. No
// leave is sent; the room is already gone.
func (m *Manager) closeRoom(sess *Session) {
	if m.detach(sess) == nil {
		return
	}
	if !sess.teardown(false) {
		return
	}
	m.notices.Post(notice.Notice{
		Code:        notice.CodeRoomClosed,
		Level:       notice.LevelInfo,
		Text:        "The meeting was closed by the host",
		Blocking:    true,
		Dismissible: true,
	})
	m.fireEnded(sess.roomID, EndRoomClosed)
}
