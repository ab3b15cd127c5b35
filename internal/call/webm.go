package call

// Live WebM muxing for the stream sinks. The output is an init segment
// (EBML header, Segment of unknown size, Info, Tracks) followed by one
// self-contained Cluster per video frame, so a Media Source Extensions
// player can append each message as it arrives.

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// ebmlVint encodes an element size as an EBML variable-length integer of at
// most four bytes.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F: // 1 byte: 0xxxxxxx → 1xxxxxxx
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF: // 2 bytes
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF: // 3 bytes
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default: // 4 bytes
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize marks the live Segment, whose length is never known.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlElem encodes an EBML element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private data: mono, 48 kHz.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd', // magic
	0x01,                   // version = 1
	0x01,                   // channels = 1 (mono)
	0x38, 0x01,             // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00,             // output gain = 0 (LE)
	0x00,                   // channel mapping family = 0
}

// webmInitSegment returns the init segment. Track 1 is VP8 video; track 2,
// Opus audio, is only declared when withAudio is set.
func webmInitSegment(videoW, videoH uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	// EBML header element
	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	// Segment with unknown size (streaming)
	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	// SegmentInfo
	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("duocall")),
		ebmlElem(idWrtApp, []byte("duocall")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	// Video track (track 1, VP8)
	videoBody := ebmlConcat(
		ebmlElem(idPixelW, ebmlUint(uint64(videoW))),
		ebmlElem(idPixelH, ebmlUint(uint64(videoH))),
	)
	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(1)), // 1 = video
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo, videoBody),
	)
	tracksBody := ebmlElem(idTrackEntry, videoEntry)

	if withAudio {
		// SamplingFrequency: 4-byte IEEE 754 float
		freqBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(freqBytes, math.Float32bits(48000.0))
		audioBody := ebmlConcat(
			ebmlElem(idSampFreq, freqBytes),
			ebmlElem(idChannels, ebmlUint(1)),
		)
		audioEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(2)),
			ebmlElem(idTrackUID, ebmlUint(2)),
			ebmlElem(idTrackType, ebmlUint(2)), // 2 = audio
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, audioBody),
		)
		tracksBody = ebmlConcat(tracksBody, ebmlElem(idTrackEntry, audioEntry))
	}
	buf.Write(ebmlElem(idTracks, tracksBody))
	return buf.Bytes()
}

// webmCluster wraps pre-encoded SimpleBlocks in a Cluster at clusterMs.
func webmCluster(clusterMs int64, blocks []byte) []byte {
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(clusterMs)))
	clusterBody := ebmlConcat(tcElem, blocks)
	return ebmlElem(idCluster, clusterBody)
}

// webmSimpleBlock encodes one frame. relMs is relative to the cluster start.
func webmSimpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+2+1+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

const (
	videoTrack = 1
	audioTrack = 2

	maxQueuedAudio = 500
)

// segment is one message of the live stream.
type segment struct {
	data []byte
	init bool
	key  bool // cluster starts with a VP8 keyframe
}

// webmMuxer turns timestamped VP8 and Opus frames into segments. Audio is
// queued and drained into the next video cluster, so a stream without video
// frames produces nothing.
type webmMuxer struct {
	label string
	emit  func(segment)

	mu       sync.Mutex
	width    uint16
	height   uint16
	dimKnown bool
	hasAudio bool
	started  bool

	audioQ []webmAudioFrame

	// Both RTP clocks start at random offsets; the first frame of each
	// track is rebased to zero.
	baseVideo    int64
	baseVideoSet bool
	baseAudio    int64
	baseAudioSet bool
}

type webmAudioFrame struct {
	ms   int64
	data []byte
}

func newWebmMuxer(label string, emit func(segment)) *webmMuxer {
	return &webmMuxer{label: label, emit: emit}
}

// enableAudio declares the Opus track. It has no effect once the init
// segment went out.
func (m *webmMuxer) enableAudio() {
	m.mu.Lock()
	m.hasAudio = true
	m.mu.Unlock()
}

func (m *webmMuxer) writeVideo(ms int64, keyframe bool, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.baseVideoSet {
		m.baseVideo = ms
		m.baseVideoSet = true
	}
	ts := ms - m.baseVideo

	if !m.dimKnown && keyframe && len(data) >= 10 {
		m.width, m.height = vp8Dimensions(data)
		m.dimKnown = true
	}

	if !m.started {
		if !m.dimKnown || !keyframe {
			return
		}
		m.started = true
		log.Debugf("[%s] webm init VP8 %dx%d audio=%v", m.label, m.width, m.height, m.hasAudio)
		m.emit(segment{data: webmInitSegment(m.width, m.height, m.hasAudio), init: true})
	}

	// Anchor the cluster at the earliest queued audio frame so every block
	// has a non-negative relative timecode.
	start := ts
	if len(m.audioQ) > 0 && m.audioQ[0].ms < ts {
		start = m.audioQ[0].ms
	}

	var blocks bytes.Buffer
	if m.hasAudio {
		for _, af := range m.audioQ {
			rel := af.ms - start
			if rel < -30000 || rel > 30000 {
				continue
			}
			blocks.Write(webmSimpleBlock(audioTrack, int16(rel), false, af.data))
		}
	}
	m.audioQ = m.audioQ[:0]
	blocks.Write(webmSimpleBlock(videoTrack, int16(ts-start), keyframe, data))

	m.emit(segment{data: webmCluster(start, blocks.Bytes()), key: keyframe})
}

func (m *webmMuxer) writeAudio(ms int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.baseAudioSet {
		m.baseAudio = ms
		m.baseAudioSet = true
	}
	if !m.started {
		return
	}
	// A muted remote camera sends no video; keep roughly the last ten
	// seconds of 20 ms Opus frames until it resumes.
	if len(m.audioQ) >= maxQueuedAudio {
		m.audioQ = append(m.audioQ[:0], m.audioQ[1:]...)
	}
	m.audioQ = append(m.audioQ, webmAudioFrame{ms: ms - m.baseAudio, data: data})
}

// vp8Dimensions reads width and height from a keyframe header, falling back
// to 640x480 when the start code is missing.
func vp8Dimensions(frame []byte) (uint16, uint16) {
	if frame[3] == 0x9D && frame[4] == 0x01 && frame[5] == 0x2A {
		return binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF,
			binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF
	}
	return 640, 480
}

// vp8Keyframe reports whether an encoded VP8 frame is a keyframe: bit 0 of
// the frame tag is zero.
func vp8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}
