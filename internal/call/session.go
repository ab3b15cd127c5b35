package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/notice"
	"github.com/petervdpas/duocall/internal/proto"
)

// ErrSessionEnded is returned by operations on a session that was left.
var ErrSessionEnded = errors.New("call session ended")

type sessionConfig struct {
	roomID      string
	displayName string
	sig         Signaler
	api         *webrtc.API
	iceServers  []webrtc.ICEServer
	capturer    Capturer
	notices     *notice.Board
	local       *StreamSink
	remote      *StreamSink
	micOn       bool
	camOn       bool
}

// Session is one call in one room. It owns exactly one PeerConnection and
// the local capture feeding it.
type Session struct {
	sessionConfig

	mu                sync.Mutex
	pc                *webrtc.PeerConnection
	captures          []*LocalMedia
	tracks            []*gatedTrack
	receiveOnly       bool
	cameraUnavailable bool
	remoteStatus      RemoteStatus
	remoteStream      string
	peerName          string
	iceRestart        bool
	ended             bool
}

func newSession(c sessionConfig) *Session {
	return &Session{
		sessionConfig: c,
		remoteStatus:  RemoteIdle,
	}
}

func (s *Session) RoomID() string { return s.roomID }

// start builds the connection and captures local media. A terminal capture
// failure is returned as *MediaError.
func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureConnectionLocked(); err != nil {
		return err
	}
	return s.acquireMediaLocked(ctx)
}

// ensureConnectionLocked creates the PeerConnection unless one exists.
func (s *Session) ensureConnectionLocked() error {
	if s.ended {
		return ErrSessionEnded
	}
	if s.pc != nil {
		return nil
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	room := s.roomID
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.sig.Send(proto.EventCandidate, c.ToJSON()); err != nil {
			log.Warnf("[%s] send candidate: %v", room, err)
		}
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.onRemoteTrack(pc, t)
	})
	// Close fires this synchronously, so it must not take s.mu.
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Infof("[%s] connection %s", room, st)
	})

	s.pc = pc
	log.Debugf("[%s] peer connection ready", room)
	return nil
}

func (s *Session) capture(ctx context.Context, audio, video bool) (*LocalMedia, error) {
	if s.capturer == nil {
		return nil, &MediaError{Class: MediaUnknown, Err: ErrUnsupported}
	}
	return s.capturer.Capture(ctx, audio, video)
}

// acquireMediaLocked captures audio and video once per connection. A busy
// camera degrades to audio only with a retry notice; anything else is
// terminal.
func (s *Session) acquireMediaLocked(ctx context.Context) error {
	if len(s.captures) > 0 || s.receiveOnly {
		return nil
	}

	media, err := s.capture(ctx, true, true)
	if err != nil {
		merr := ClassifyMediaError(err)
		switch {
		case errors.Is(merr, ErrUnsupported):
			log.Infof("[%s] no local capture on this platform, receive-only", s.roomID)
			s.receiveOnly = true
			addRecvOnlyTransceivers(s.roomID, s.pc)
			return nil

		case merr.Class == MediaBusy:
			log.Warnf("[%s] audio+video capture failed, retrying audio only: %v", s.roomID, merr.Err)
			media, err = s.capture(ctx, true, false)
			if err != nil {
				merr = ClassifyMediaError(err)
				s.postMediaFailure(merr)
				return merr
			}
			s.cameraUnavailable = true
			s.postCameraBusy()

		default:
			s.postMediaFailure(merr)
			return merr
		}
	} else {
		s.cameraUnavailable = false
		s.notices.Clear(notice.CodeCameraBusy)
	}

	s.notices.Clear(notice.CodeMediaPermission)
	s.notices.Clear(notice.CodeMediaBusy)
	s.notices.Clear(notice.CodeMediaUnknown)
	return s.attachMediaLocked(media)
}

// attachMediaLocked adds every captured track to the connection behind a
// gate reflecting the current mic and camera flags.
func (s *Session) attachMediaLocked(media *LocalMedia) error {
	var added []*gatedTrack
	var senders []*webrtc.RTPSender
	for _, t := range media.Tracks {
		on := s.micOn
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			on = s.camOn
		}
		g := newGatedTrack(t, on)
		sender, err := s.pc.AddTrack(g)
		if err != nil {
			for _, snd := range senders {
				_ = s.pc.RemoveTrack(snd)
			}
			media.close()
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
		added = append(added, g)
		senders = append(senders, sender)
	}
	s.captures = append(s.captures, media)
	s.tracks = append(s.tracks, added...)
	s.local.attachLocal(media.SelfView)
	log.Infof("[%s] local media attached (%d tracks)", s.roomID, len(added))
	return nil
}

// drainRTCP reads sender RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *Session) postCameraBusy() {
	s.notices.Post(notice.Notice{
		Code:        notice.CodeCameraBusy,
		Level:       notice.LevelWarning,
		Text:        "Camera is in use by another application. You joined with audio only.",
		Dismissible: true,
		Action:      notice.ActionRetry,
	})
}

func (s *Session) postMediaFailure(merr *MediaError) {
	code := notice.CodeMediaUnknown
	switch merr.Class {
	case MediaPermission:
		code = notice.CodeMediaPermission
	case MediaBusy:
		code = notice.CodeMediaBusy
	}
	log.Errorf("[%s] %v", s.roomID, merr)
	s.notices.Post(notice.Notice{
		Code:        code,
		Level:       notice.LevelError,
		Text:        merr.noticeText(),
		Blocking:    true,
		Dismissible: true,
		Action:      notice.ActionRetry,
	})
}

func (s *Session) onRemoteTrack(pc *webrtc.PeerConnection, t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.pc != pc {
		return
	}
	s.bindRemoteLocked(t, pc)
}

// bindRemoteLocked binds the first remote stream to the remote sink.
// Tracks of any other stream are ignored.
func (s *Session) bindRemoteLocked(t RemoteTrack, w rtcpWriter) {
	if s.remoteStream == "" {
		s.remoteStream = t.StreamID()
	} else if t.StreamID() != s.remoteStream {
		log.Debugf("[%s] ignoring %s track of second stream %s", s.roomID, t.Kind(), t.StreamID())
		return
	}
	s.remote.attachRemote(t, w)
	s.remoteStatus = RemoteConnected
	log.Infof("[%s] remote %s track bound", s.roomID, t.Kind())
}

// MakeOffer sends a new offer. It carries an ICE restart when the remote
// was seen disconnecting since the last offer.
func (s *Session) MakeOffer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.makeOfferLocked(ctx)
}

func (s *Session) makeOfferLocked(ctx context.Context) error {
	if err := s.ensureConnectionLocked(); err != nil {
		return err
	}
	if err := s.acquireMediaLocked(ctx); err != nil {
		return err
	}

	// Only a negotiated connection has ICE to restart. The flag is one-shot
	// even when the offer fails.
	restart := s.iceRestart && s.pc.CurrentRemoteDescription() != nil
	s.iceRestart = false

	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if restart {
		log.Infof("[%s] offer with ICE restart", s.roomID)
	}
	return s.sig.Send(proto.EventOffer, offer)
}

func (s *Session) handleOffer(ctx context.Context, sd webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureConnectionLocked(); err != nil {
		return err
	}
	if err := s.acquireMediaLocked(ctx); err != nil {
		return err
	}

	// Both sides offered at once; ours yields.
	if s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
	}
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return s.sig.Send(proto.EventAnswer, answer)
}

func (s *Session) handleAnswer(sd webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return nil
	}
	if st := s.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		log.Debugf("[%s] ignoring answer in state %s", s.roomID, st)
		return nil
	}
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (s *Session) handleCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Warnf("[%s] add ICE candidate: %v", s.roomID, err)
	}
}

// handleJoin answers the other participant entering the room: offer if no
// negotiation is in flight, then introduce ourselves.
func (s *Session) handleJoin(ctx context.Context) error {
	s.mu.Lock()
	var err error
	if err = s.ensureConnectionLocked(); err == nil {
		if s.pc.SignalingState() == webrtc.SignalingStateStable {
			err = s.makeOfferLocked(ctx)
		}
	}
	if !s.ended {
		s.remoteStatus = RemoteConnecting
	}
	s.mu.Unlock()

	if sendErr := s.sig.Send(proto.EventName, s.displayName); sendErr != nil {
		log.Warnf("[%s] send name: %v", s.roomID, sendErr)
	}
	return err
}

func (s *Session) handleName(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	s.peerName = name
	s.mu.Unlock()
}

// handlePeerDisconnected stops inbound media only; local capture and self
// view keep running so the other side can come back.
func (s *Session) handlePeerDisconnected(msg string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.remote.unbind()
	s.remoteStream = ""
	s.remoteStatus = RemoteLeft
	s.iceRestart = true
	name := s.peerName
	s.mu.Unlock()

	log.Infof("[%s] peer disconnected: %s", s.roomID, msg)
	text := "The other participant left the call."
	if name != "" {
		text = name + " left the call."
	}
	s.notices.Post(notice.Notice{
		Code:        notice.CodePeerDisconnected,
		Level:       notice.LevelInfo,
		Text:        text,
		Dismissible: true,
	})
}

func (s *Session) handleRoomFull(roomID string) {
	if roomID == "" {
		roomID = s.roomID
	}
	log.Warnf("[%s] room full", roomID)
	s.notices.Post(notice.Notice{
		Code:        notice.CodeRoomFull,
		Level:       notice.LevelWarning,
		Text:        fmt.Sprintf("Room %s is full", roomID),
		Blocking:    true,
		Dismissible: true,
	})
}

// RetryMedia rebuilds the connection and the capture from scratch. A
// session that was connected renegotiates.
func (s *Session) RetryMedia(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	wasConnected := s.remoteStatus == RemoteConnected

	s.closeConnectionLocked()
	s.releaseMediaLocked()
	s.receiveOnly = false
	s.cameraUnavailable = false

	if err := s.ensureConnectionLocked(); err != nil {
		return err
	}
	if err := s.acquireMediaLocked(ctx); err != nil {
		return err
	}
	log.Infof("[%s] media rebuilt (camera unavailable=%v)", s.roomID, s.cameraUnavailable)
	if !wasConnected {
		return nil
	}
	s.remoteStatus = RemoteConnecting
	return s.makeOfferLocked(ctx)
}

func (s *Session) ToggleMic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.micOn = !s.micOn
	for _, t := range s.tracks {
		if !t.isVideo() {
			t.setEnabled(s.micOn)
		}
	}
	log.Infof("[%s] mic on=%v", s.roomID, s.micOn)
	return s.micOn
}

// ToggleCam flips the camera. Turning it on without a video track captures
// the camera alone and adds it to the running connection; on failure the
// toggle is reverted and the busy notice posted again.
func (s *Session) ToggleCam(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s.camOn, ErrSessionEnded
	}

	next := !s.camOn
	if next && !s.hasVideoLocked() && s.pc != nil && !s.receiveOnly {
		media, err := s.capture(ctx, false, true)
		if err != nil {
			merr := ClassifyMediaError(err)
			log.Warnf("[%s] camera capture failed: %v", s.roomID, merr)
			s.cameraUnavailable = true
			s.postCameraBusy()
			return s.camOn, merr
		}
		s.camOn = true
		if err := s.attachMediaLocked(media); err != nil {
			s.camOn = false
			return false, err
		}
		s.cameraUnavailable = false
		s.notices.Clear(notice.CodeCameraBusy)
		if s.remoteStatus == RemoteConnected {
			if err := s.makeOfferLocked(ctx); err != nil {
				log.Warnf("[%s] renegotiate after camera on: %v", s.roomID, err)
			}
		}
		return true, nil
	}

	s.camOn = next
	for _, t := range s.tracks {
		if t.isVideo() {
			t.setEnabled(next)
		}
	}
	log.Infof("[%s] cam on=%v", s.roomID, next)
	return next, nil
}

func (s *Session) hasVideoLocked() bool {
	for _, t := range s.tracks {
		if t.isVideo() {
			return true
		}
	}
	return false
}

// teardown stops all media and closes the connection. It reports whether
// this call did the work; later calls are no-ops.
func (s *Session) teardown(sendLeave bool) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	s.closeConnectionLocked()
	s.releaseMediaLocked()
	s.remoteStatus = RemoteIdle
	s.mu.Unlock()

	if sendLeave {
		if err := s.sig.Send(proto.EventLeave, nil); err != nil {
			log.Warnf("[%s] send leave: %v", s.roomID, err)
		}
	}
	log.Infof("[%s] session closed", s.roomID)
	return true
}

// closeConnectionLocked closes the PeerConnection, which stops every sender
// and receiver, and unbinds the remote sink.
func (s *Session) closeConnectionLocked() {
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			log.Warnf("[%s] close peer connection: %v", s.roomID, err)
		}
		s.pc = nil
	}
	s.iceRestart = false
	s.remote.unbind()
	s.remoteStream = ""
}

func (s *Session) releaseMediaLocked() {
	for _, m := range s.captures {
		m.close()
	}
	s.captures = nil
	s.tracks = nil
	s.local.unbind()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		RoomID:            s.roomID,
		RemoteStatus:      s.remoteStatus,
		MicOn:             s.micOn,
		CamOn:             s.camOn,
		CameraUnavailable: s.cameraUnavailable,
		PeerName:          s.peerName,
		LiveTracks:        len(s.tracks),
		LocalBound:        s.local.Bound(),
		RemoteBound:       s.remote.Bound(),
		Ended:             s.ended,
	}
}

func (s *Session) setRemoteStatus(st RemoteStatus) {
	s.mu.Lock()
	if !s.ended {
		s.remoteStatus = st
	}
	s.mu.Unlock()
}
