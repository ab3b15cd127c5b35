package call

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// RemoteTrack is the read side of an inbound track. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtcpWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

const (
	pliInterval    = 3 * time.Second
	maxLatePackets = 64
)

// StreamSink fans one live WebM stream out to subscribers. A sink outlives
// its bindings: subscribers stay attached while media comes and goes, and
// each new binding starts with a fresh init segment.
type StreamSink struct {
	label string

	mu      sync.Mutex
	subs    map[chan []byte]struct{}
	initSeg []byte
	lastKey []byte
	cur     *binding
}

// binding is one period during which media feeds the sink.
type binding struct {
	mux   *webmMuxer
	stop  chan struct{}
	start time.Time
}

func (b *binding) stopped() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

func NewStreamSink(label string) *StreamSink {
	return &StreamSink{
		label: label,
		subs:  make(map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel of WebM messages. A late subscriber first gets
// the init segment and the last keyframe cluster so its decoder starts clean.
func (s *StreamSink) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	s.mu.Lock()
	if s.initSeg != nil {
		ch <- s.initSeg
		if s.lastKey != nil {
			ch <- s.lastKey
		}
	}
	s.subs[ch] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	log.Debugf("[%s] media subscriber added (total=%d)", s.label, n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			n := len(s.subs)
			s.mu.Unlock()
			close(ch)
			log.Debugf("[%s] media subscriber removed (total=%d)", s.label, n)
		})
	}
}

// Bound reports whether media currently feeds the sink.
func (s *StreamSink) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

func (s *StreamSink) bind() *binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return s.cur
	}
	b := &binding{stop: make(chan struct{}), start: time.Now()}
	b.mux = newWebmMuxer(s.label, func(seg segment) { s.publish(b, seg) })
	s.cur = b
	return b
}

// unbind stops every pump feeding the sink. Subscribers stay.
func (s *StreamSink) unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return
	}
	close(s.cur.stop)
	s.cur = nil
	s.initSeg, s.lastKey = nil, nil
}

func (s *StreamSink) publish(b *binding, seg segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != b {
		return
	}
	switch {
	case seg.init:
		s.initSeg, s.lastKey = seg.data, nil
	case seg.key:
		s.lastKey = seg.data
	}
	for ch := range s.subs {
		select {
		case ch <- seg.data:
		default: // slow subscriber, drop
		}
	}
}

// attachRemote pumps an inbound track into the sink. Video tracks also get
// periodic picture loss indications so the stream starts on a keyframe.
func (s *StreamSink) attachRemote(t RemoteTrack, w rtcpWriter) {
	b := s.bind()
	switch t.Kind() {
	case webrtc.RTPCodecTypeVideo:
		go pumpRTP(t, b, &codecs.VP8Packet{}, 90000, func(ms int64, data []byte) {
			b.mux.writeVideo(ms, vp8Keyframe(data), data)
		})
		if w != nil {
			go requestKeyframes(w, t.SSRC(), b.stop)
		}
	case webrtc.RTPCodecTypeAudio:
		b.mux.enableAudio()
		go pumpRTP(t, b, &codecs.OpusPacket{}, 48000, b.mux.writeAudio)
	}
}

// attachLocal binds the local capture. Only the camera feeds frames; an
// audio-only capture still marks the sink bound.
func (s *StreamSink) attachLocal(src SelfViewSource) {
	b := s.bind()
	if src != nil {
		go pumpSelfView(src, b)
	}
}

func pumpRTP(t RemoteTrack, b *binding, depacketizer rtp.Depacketizer, clockRate uint32, write func(ms int64, data []byte)) {
	sb := samplebuilder.New(maxLatePackets, depacketizer, clockRate)
	perMs := clockRate / 1000
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			log.Debugf("remote %s track %s done: %v", t.Kind(), t.ID(), err)
			return
		}
		if b.stopped() {
			return
		}
		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			write(int64(sample.PacketTimestamp/perMs), sample.Data)
		}
	}
}

func pumpSelfView(src SelfViewSource, b *binding) {
	for {
		data, release, err := src.ReadFrame()
		if err != nil {
			log.Debugf("self view stopped: %v", err)
			return
		}
		if release != nil {
			release()
		}
		if b.stopped() {
			return
		}
		b.mux.writeVideo(time.Since(b.start).Milliseconds(), vp8Keyframe(data), data)
	}
}

func requestKeyframes(w rtcpWriter, ssrc webrtc.SSRC, stop <-chan struct{}) {
	send := func() {
		// Fails harmlessly once the connection is closed.
		_ = w.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
	}
	send()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			send()
		}
	}
}
