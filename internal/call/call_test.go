package call

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/notice"
	"github.com/petervdpas/duocall/internal/proto"
	"github.com/petervdpas/duocall/internal/signal"
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

func (f *fakeSig) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func (f *fakeSig) last(event string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].event == event {
			return f.sent[i].payload, true
		}
	}
	return nil, false
}

// fakeCapturer answers each Capture call with the next scripted error, or
// with fresh static tracks once the script runs out.
type fakeCapturer struct {
	mu       sync.Mutex
	errs     []error
	calls    [][2]bool
	released int
}

func (c *fakeCapturer) Capture(_ context.Context, audio, video bool) (*LocalMedia, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, [2]bool{audio, video})
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	media := &LocalMedia{Release: func() {
		c.mu.Lock()
		c.released++
		c.mu.Unlock()
	}}
	if audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
		if err != nil {
			return nil, err
		}
		media.Tracks = append(media.Tracks, t)
	}
	if video {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
		if err != nil {
			return nil, err
		}
		media.Tracks = append(media.Tracks, t)
	}
	return media, nil
}

func (c *fakeCapturer) releases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// gatedCapturer holds every Capture call until gate is closed.
type gatedCapturer struct {
	*fakeCapturer
	entered chan struct{}
	gate    chan struct{}
}

func newGatedCapturer() *gatedCapturer {
	return &gatedCapturer{
		fakeCapturer: &fakeCapturer{},
		entered:      make(chan struct{}, 4),
		gate:         make(chan struct{}),
	}
}

func (g *gatedCapturer) Capture(ctx context.Context, audio, video bool) (*LocalMedia, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.fakeCapturer.Capture(ctx, audio, video)
}

func (c *fakeCapturer) captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// fakeRemote is an inbound track that blocks until closed.
type fakeRemote struct {
	kind   webrtc.RTPCodecType
	stream string
	closed chan struct{}
}

func newFakeRemote(kind webrtc.RTPCodecType, stream string) *fakeRemote {
	return &fakeRemote{kind: kind, stream: stream, closed: make(chan struct{})}
}

func (r *fakeRemote) ID() string                { return r.stream + "-" + r.kind.String() }
func (r *fakeRemote) StreamID() string          { return r.stream }
func (r *fakeRemote) Kind() webrtc.RTPCodecType { return r.kind }
func (r *fakeRemote) SSRC() webrtc.SSRC         { return 1234 }
func (r *fakeRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-r.closed
	return nil, nil, io.EOF
}

func newTestSession(t *testing.T, sig *fakeSig, capt Capturer, board *notice.Board) *Session {
	t.Helper()
	api, err := DefaultAPI()
	if err != nil {
		t.Fatal(err)
	}
	s := newSession(sessionConfig{
		roomID:      "r-test",
		displayName: "Me",
		sig:         sig,
		api:         api,
		capturer:    capt,
		notices:     board,
		local:       NewStreamSink("local"),
		remote:      NewStreamSink("remote"),
		micOn:       true,
		camOn:       true,
	})
	t.Cleanup(func() { s.teardown(false) })
	return s
}

func newTestManager(t *testing.T, sig *fakeSig, capt Capturer, board *notice.Board) *Manager {
	t.Helper()
	api, err := DefaultAPI()
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(sig, Options{
		API:         api,
		Capturer:    capt,
		ICEServers:  []webrtc.ICEServer{{URLs: []string{"stun:127.0.0.1:3478"}}},
		DisplayName: "Me",
		MicOn:       true,
		CamOn:       true,
		Notices:     board,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m.Close()
		sig.Close()
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLeaveReleasesEverything(t *testing.T) {
	sig := newFakeSig()
	capt := &fakeCapturer{}
	m := newTestManager(t, sig, capt, notice.NewBoard())

	sess, err := m.Join(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if sig.count(proto.EventJoin) != 1 || sig.count(proto.EventName) != 1 {
		t.Fatal("join and name not sent")
	}
	st := m.Status()
	if st.LiveTracks != 2 || !st.LocalBound || st.RemoteStatus != RemoteConnecting {
		t.Fatalf("status after join = %+v", st)
	}

	remote := newFakeRemote(webrtc.RTPCodecTypeAudio, "peer")
	defer close(remote.closed)
	sess.mu.Lock()
	sess.bindRemoteLocked(remote, nil)
	sess.mu.Unlock()
	if st := m.Status(); !st.RemoteBound || st.RemoteStatus != RemoteConnected {
		t.Fatalf("status after remote track = %+v", st)
	}

	var ended []EndReason
	m.OnEnded(func(_ string, r EndReason) { ended = append(ended, r) })

	if !m.Leave() {
		t.Fatal("Leave reported no session")
	}
	st = sess.Status()
	if st.LiveTracks != 0 || st.LocalBound || st.RemoteBound || !st.Ended {
		t.Fatalf("status after leave = %+v", st)
	}
	if capt.releases() != 1 {
		t.Fatalf("releases = %d, want 1", capt.releases())
	}
	if sig.count(proto.EventLeave) != 1 {
		t.Fatal("leave not sent")
	}
	if len(ended) != 1 || ended[0] != EndLeft {
		t.Fatalf("ended = %v", ended)
	}

	if m.Leave() {
		t.Fatal("second Leave reported a session")
	}
	if sess.teardown(true) {
		t.Fatal("teardown ran twice")
	}
	if sig.count(proto.EventLeave) != 1 {
		t.Fatal("leave sent twice")
	}
}

func TestBusyCameraFallsBackToAudioAndRetries(t *testing.T) {
	sig := newFakeSig()
	board := notice.NewBoard()
	capt := &fakeCapturer{errs: []error{ErrDeviceBusy, nil}}
	s := newTestSession(t, sig, capt, board)

	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := s.Status()
	if !st.CameraUnavailable || st.LiveTracks != 1 {
		t.Fatalf("status = %+v", st)
	}
	if capt.calls[1] != [2]bool{true, false} {
		t.Fatalf("fallback capture = %v, want audio only", capt.calls[1])
	}
	var warn *notice.Notice
	for _, n := range board.Active() {
		if n.Code == notice.CodeCameraBusy {
			n := n
			warn = &n
		}
	}
	if warn == nil || warn.Level != notice.LevelWarning || warn.Action != notice.ActionRetry || !warn.Dismissible {
		t.Fatalf("camera busy notice = %+v", warn)
	}
	if len(capt.calls) != 2 {
		t.Fatalf("capture called %d times, want no automatic retry", len(capt.calls))
	}

	if err := s.RetryMedia(context.Background()); err != nil {
		t.Fatalf("RetryMedia: %v", err)
	}
	st = s.Status()
	if st.CameraUnavailable || st.LiveTracks != 2 {
		t.Fatalf("status after retry = %+v", st)
	}
	if board.Has(notice.CodeCameraBusy) {
		t.Fatal("busy notice not cleared by successful retry")
	}
	if capt.releases() != 1 {
		t.Fatalf("old capture not released: %d", capt.releases())
	}
}

func TestTerminalMediaErrors(t *testing.T) {
	cases := []struct {
		name  string
		errs  []error
		class MediaClass
		code  string
	}{
		{"permission", []error{ErrPermissionDenied}, MediaPermission, notice.CodeMediaPermission},
		{"busy twice", []error{ErrDeviceBusy, errors.New("open /dev/snd: device or resource busy")}, MediaBusy, notice.CodeMediaBusy},
		{"unknown", []error{errors.New("no devices")}, MediaUnknown, notice.CodeMediaUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := newFakeSig()
			board := notice.NewBoard()
			m := newTestManager(t, sig, &fakeCapturer{errs: tc.errs}, board)

			_, err := m.Join(context.Background(), "r-1")
			var merr *MediaError
			if !errors.As(err, &merr) || merr.Class != tc.class {
				t.Fatalf("err = %v, want class %s", err, tc.class)
			}
			if m.Current() != nil {
				t.Fatal("half-built session kept")
			}
			if sig.count(proto.EventJoin) != 0 {
				t.Fatal("join sent after failed capture")
			}
			found := false
			for _, n := range board.Active() {
				if n.Code == tc.code && n.Level == notice.LevelError && n.Blocking && n.Dismissible {
					found = true
				}
			}
			if !found {
				t.Fatalf("terminal notice %s missing: %+v", tc.code, board.Active())
			}
		})
	}
}

func TestUnsupportedCaptureIsReceiveOnly(t *testing.T) {
	sig := newFakeSig()
	s := newTestSession(t, sig, nil, notice.NewBoard())
	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.MakeOffer(context.Background()); err != nil {
		t.Fatalf("MakeOffer: %v", err)
	}
	if st := s.Status(); st.LiveTracks != 0 {
		t.Fatalf("live tracks = %d", st.LiveTracks)
	}
}

func TestOfferAnswerBetweenSessions(t *testing.T) {
	sigA, sigB := newFakeSig(), newFakeSig()
	a := newTestSession(t, sigA, &fakeCapturer{}, notice.NewBoard())
	b := newTestSession(t, sigB, &fakeCapturer{}, notice.NewBoard())
	ctx := context.Background()

	if err := a.MakeOffer(ctx); err != nil {
		t.Fatalf("MakeOffer: %v", err)
	}
	offer, ok := sigA.last(proto.EventOffer)
	if !ok {
		t.Fatal("offer not sent")
	}
	if err := b.handleOffer(ctx, offer.(webrtc.SessionDescription)); err != nil {
		t.Fatalf("handleOffer: %v", err)
	}
	answer, ok := sigB.last(proto.EventAnswer)
	if !ok {
		t.Fatal("answer not sent")
	}
	if err := a.handleAnswer(answer.(webrtc.SessionDescription)); err != nil {
		t.Fatalf("handleAnswer: %v", err)
	}

	a.mu.Lock()
	state := a.pc.SignalingState()
	a.mu.Unlock()
	if state != webrtc.SignalingStateStable {
		t.Fatalf("signaling state = %s", state)
	}

	// A stray answer in stable state is ignored.
	if err := a.handleAnswer(answer.(webrtc.SessionDescription)); err != nil {
		t.Fatalf("second answer: %v", err)
	}
}

func TestPeerDisconnectRestartsICE(t *testing.T) {
	sig := newFakeSig()
	board := notice.NewBoard()
	s := newTestSession(t, sig, &fakeCapturer{}, board)
	if err := s.start(context.Background()); err != nil {
		t.Fatal(err)
	}
	remote := newFakeRemote(webrtc.RTPCodecTypeAudio, "peer")
	defer close(remote.closed)
	s.mu.Lock()
	s.bindRemoteLocked(remote, nil)
	s.mu.Unlock()

	s.handlePeerDisconnected("peer left")
	st := s.Status()
	if st.RemoteStatus != RemoteLeft || st.RemoteBound || !st.LocalBound || st.LiveTracks != 2 {
		t.Fatalf("status = %+v", st)
	}
	if !board.Has(notice.CodePeerDisconnected) {
		t.Fatal("disconnect notice missing")
	}

	s.mu.Lock()
	restart := s.iceRestart
	s.mu.Unlock()
	if !restart {
		t.Fatal("ICE restart not armed")
	}
	if err := s.MakeOffer(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	restart = s.iceRestart
	s.mu.Unlock()
	if restart {
		t.Fatal("ICE restart flag not consumed by the offer")
	}
}

func TestSecondRemoteStreamIgnored(t *testing.T) {
	s := newTestSession(t, newFakeSig(), &fakeCapturer{}, notice.NewBoard())
	first := newFakeRemote(webrtc.RTPCodecTypeAudio, "one")
	second := newFakeRemote(webrtc.RTPCodecTypeAudio, "two")
	defer close(first.closed)
	defer close(second.closed)

	s.mu.Lock()
	s.bindRemoteLocked(first, nil)
	s.bindRemoteLocked(second, nil)
	stream := s.remoteStream
	s.mu.Unlock()
	if stream != "one" {
		t.Fatalf("bound stream = %q", stream)
	}
}

func TestToggles(t *testing.T) {
	sig := newFakeSig()
	board := notice.NewBoard()
	capt := &fakeCapturer{errs: []error{ErrDeviceBusy, nil, ErrDeviceBusy}}
	s := newTestSession(t, sig, capt, board)
	ctx := context.Background()
	if err := s.start(ctx); err != nil {
		t.Fatal(err)
	}

	if s.ToggleMic() {
		t.Fatal("mic still on after toggle")
	}
	for _, tr := range s.tracks {
		if !tr.isVideo() && tr.enabled.Load() {
			t.Fatal("audio gate open while mic off")
		}
	}

	// Camera flag starts on but no video track exists; toggling turns it off.
	on, err := s.ToggleCam(ctx)
	if err != nil || on {
		t.Fatalf("ToggleCam = %v, %v", on, err)
	}

	// Turning it on needs a fresh capture, which is busy: reverted.
	board.Clear(notice.CodeCameraBusy)
	on, err = s.ToggleCam(ctx)
	if err == nil || on {
		t.Fatalf("ToggleCam with busy camera = %v, %v", on, err)
	}
	if !board.Has(notice.CodeCameraBusy) {
		t.Fatal("busy notice not re-posted")
	}

	on, err = s.ToggleCam(ctx)
	if err != nil || !on {
		t.Fatalf("ToggleCam = %v, %v", on, err)
	}
	st := s.Status()
	if st.LiveTracks != 2 || st.CameraUnavailable || !st.CamOn {
		t.Fatalf("status = %+v", st)
	}
	if got := capt.calls[len(capt.calls)-1]; got != [2]bool{false, true} {
		t.Fatalf("camera capture = %v, want video only", got)
	}
}

func TestRoomClosedTearsDownWithoutLeave(t *testing.T) {
	sig := newFakeSig()
	board := notice.NewBoard()
	m := newTestManager(t, sig, &fakeCapturer{}, board)

	ended := make(chan EndReason, 1)
	m.OnEnded(func(_ string, r EndReason) { ended <- r })

	if _, err := m.Join(context.Background(), "r-1"); err != nil {
		t.Fatal(err)
	}
	sig.Publish(proto.RoomClosed{RoomID: "r-other"})
	sig.Publish(proto.RoomClosed{RoomID: "r-1"})

	select {
	case r := <-ended:
		if r != EndRoomClosed {
			t.Fatalf("reason = %s", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session not ended")
	}
	if m.Current() != nil {
		t.Fatal("session still current")
	}
	if sig.count(proto.EventLeave) != 0 {
		t.Fatal("leave sent for a closed room")
	}
	if !board.Has(notice.CodeRoomClosed) {
		t.Fatal("room closed notice missing")
	}
}

func TestRoomFullOnlyPostsNotice(t *testing.T) {
	sig := newFakeSig()
	board := notice.NewBoard()
	m := newTestManager(t, sig, &fakeCapturer{}, board)
	if _, err := m.Join(context.Background(), "r-1"); err != nil {
		t.Fatal(err)
	}
	sig.Publish(proto.RoomFull{RoomID: "r-1"})
	waitFor(t, "room full notice", func() bool { return board.Has(notice.CodeRoomFull) })
	if m.Current() == nil {
		t.Fatal("room full ended the session")
	}
}

func TestPeerNameRecorded(t *testing.T) {
	sig := newFakeSig()
	m := newTestManager(t, sig, &fakeCapturer{}, notice.NewBoard())
	if _, err := m.Join(context.Background(), "r-1"); err != nil {
		t.Fatal(err)
	}
	sig.Publish(proto.PeerName{DisplayName: "Bob"})
	waitFor(t, "peer name", func() bool { return m.Status().PeerName == "Bob" })
}

func TestClassifyMediaError(t *testing.T) {
	cases := []struct {
		err  error
		want MediaClass
	}{
		{ErrDeviceBusy, MediaBusy},
		{errors.New("open /dev/video0: device or resource busy"), MediaBusy},
		{ErrPermissionDenied, MediaPermission},
		{errors.New("open /dev/video0: permission denied"), MediaPermission},
		{errors.New("failed to find the best driver"), MediaUnknown},
		{&MediaError{Class: MediaBusy, Err: io.EOF}, MediaBusy},
	}
	for _, tc := range cases {
		if got := ClassifyMediaError(tc.err).Class; got != tc.want {
			t.Errorf("%v: class = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func iceUfrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "a=ice-ufrag:"); ok {
			return v
		}
	}
	return ""
}

// negotiate runs one offer/answer round from a to b and returns the offer.
func negotiate(t *testing.T, a *Session, sigA *fakeSig, b *Session, sigB *fakeSig, offerFn func() error) webrtc.SessionDescription {
	t.Helper()
	before := sigA.count(proto.EventOffer)
	if err := offerFn(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if sigA.count(proto.EventOffer) != before+1 {
		t.Fatal("offer not sent")
	}
	offer, _ := sigA.last(proto.EventOffer)
	if err := b.handleOffer(context.Background(), offer.(webrtc.SessionDescription)); err != nil {
		t.Fatalf("handleOffer: %v", err)
	}
	answer, _ := sigB.last(proto.EventAnswer)
	if err := a.handleAnswer(answer.(webrtc.SessionDescription)); err != nil {
		t.Fatalf("handleAnswer: %v", err)
	}
	return offer.(webrtc.SessionDescription)
}

func TestRejoinAfterDisconnectRestartsICE(t *testing.T) {
	sigA, sigB := newFakeSig(), newFakeSig()
	a := newTestSession(t, sigA, &fakeCapturer{}, notice.NewBoard())
	b := newTestSession(t, sigB, &fakeCapturer{}, notice.NewBoard())
	ctx := context.Background()

	first := negotiate(t, a, sigA, b, sigB, func() error { return a.MakeOffer(ctx) })

	a.handlePeerDisconnected("network lost")
	second := negotiate(t, a, sigA, b, sigB, func() error { return a.handleJoin(ctx) })

	if u1, u2 := iceUfrag(first.SDP), iceUfrag(second.SDP); u1 == "" || u1 == u2 {
		t.Fatalf("ICE credentials not renewed: %q -> %q", u1, u2)
	}
	a.mu.Lock()
	state, restart := a.pc.SignalingState(), a.iceRestart
	a.mu.Unlock()
	if state != webrtc.SignalingStateStable || restart {
		t.Fatalf("state = %s, restart pending = %v", state, restart)
	}
}

func TestRetryMediaAfterDisconnectCanOfferAgain(t *testing.T) {
	sig := newFakeSig()
	s := newTestSession(t, sig, &fakeCapturer{}, notice.NewBoard())
	ctx := context.Background()
	if err := s.start(ctx); err != nil {
		t.Fatal(err)
	}

	s.handlePeerDisconnected("network lost")
	if err := s.RetryMedia(ctx); err != nil {
		t.Fatalf("RetryMedia: %v", err)
	}
	if err := s.handleJoin(ctx); err != nil {
		t.Fatalf("first join: %v", err)
	}
	// An offer is already in flight; the second join only re-sends the name.
	if err := s.handleJoin(ctx); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if n := sig.count(proto.EventOffer); n != 1 {
		t.Fatalf("offers sent = %d, want 1", n)
	}
	if n := sig.count(proto.EventName); n != 2 {
		t.Fatalf("names sent = %d, want 2", n)
	}
}

func TestOfferOnFreshConnectionIgnoresPendingRestart(t *testing.T) {
	sig := newFakeSig()
	s := newTestSession(t, sig, &fakeCapturer{}, notice.NewBoard())
	s.mu.Lock()
	s.iceRestart = true
	s.mu.Unlock()

	if err := s.MakeOffer(context.Background()); err != nil {
		t.Fatalf("MakeOffer: %v", err)
	}
	s.mu.Lock()
	restart := s.iceRestart
	s.mu.Unlock()
	if restart {
		t.Fatal("restart flag survived the offer")
	}
}

func TestLeaveDuringJoinCaptureEndsTheSession(t *testing.T) {
	sig := newFakeSig()
	capt := newGatedCapturer()
	m := newTestManager(t, sig, capt, notice.NewBoard())

	joined := make(chan error, 1)
	go func() {
		_, err := m.Join(context.Background(), "r-1")
		joined <- err
	}()
	<-capt.entered

	left := make(chan bool, 1)
	go func() { left <- m.Leave() }()
	waitFor(t, "leave to detach the joining session", func() bool { return m.Current() == nil })
	close(capt.gate)

	if !<-left {
		t.Fatal("Leave did not see the joining session")
	}
	if err := <-joined; !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Join error = %v, want ErrSessionEnded", err)
	}
	if m.Current() != nil {
		t.Fatal("a session is still current")
	}
	if capt.releases() != capt.captures() {
		t.Fatalf("captures = %d, releases = %d", capt.captures(), capt.releases())
	}
	if sig.count(proto.EventJoin) != 0 {
		t.Fatal("join sent for an abandoned session")
	}
	if st := m.Status(); st.LocalBound || st.RemoteBound {
		t.Fatalf("sinks still bound: %+v", st)
	}
}

func TestConcurrentJoinsKeepOneSession(t *testing.T) {
	sig := newFakeSig()
	capt := newGatedCapturer()
	m := newTestManager(t, sig, capt, notice.NewBoard())
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := m.Join(ctx, "r-a")
		first <- err
	}()
	<-capt.entered

	second := make(chan error, 1)
	go func() {
		_, err := m.Join(ctx, "r-b")
		second <- err
	}()
	waitFor(t, "second join to become current", func() bool {
		sess := m.Current()
		return sess != nil && sess.RoomID() == "r-b"
	})
	close(capt.gate)

	if err := <-first; !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("first Join error = %v, want ErrSessionEnded", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if sess := m.Current(); sess == nil || sess.RoomID() != "r-b" {
		t.Fatal("second room is not current")
	}
	if capt.releases() != 1 {
		t.Fatalf("releases before leave = %d, want 1", capt.releases())
	}

	m.Leave()
	if capt.captures() != 2 || capt.releases() != 2 {
		t.Fatalf("captures = %d, releases = %d", capt.captures(), capt.releases())
	}
}
