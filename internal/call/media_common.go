package call

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// SelfViewSource provides encoded VP8 frames of the local camera for the
// local sink. ReadFrame blocks until the next frame is ready.
type SelfViewSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// LocalMedia is one capture: the tracks plus whatever releases the devices.
type LocalMedia struct {
	Tracks   []webrtc.TrackLocal
	SelfView SelfViewSource // nil when no camera frames are available
	Release  func()
}

func (m *LocalMedia) close() {
	if m.SelfView != nil {
		_ = m.SelfView.Close()
	}
	if m.Release != nil {
		m.Release()
	}
}

// Capturer opens local devices. At least one of audio and video is true.
type Capturer interface {
	Capture(ctx context.Context, audio, video bool) (*LocalMedia, error)
}

// MediaClass groups capture failures by what the user can do about them.
type MediaClass string

const (
	MediaBusy       MediaClass = "busy"
	MediaPermission MediaClass = "permission"
	MediaUnknown    MediaClass = "unknown"
)

var (
	ErrDeviceBusy       = errors.New("media device busy")
	ErrPermissionDenied = errors.New("media permission denied")
	ErrUnsupported      = errors.New("media capture not supported on this platform")
)

type MediaError struct {
	Class MediaClass
	Err   error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media capture failed (%s): %v", e.Class, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// ClassifyMediaError maps a capture error onto a MediaClass. Drivers report
// busy devices as EBUSY text rather than a typed error.
func ClassifyMediaError(err error) *MediaError {
	var me *MediaError
	if errors.As(err, &me) {
		return me
	}
	class := MediaUnknown
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, os.ErrPermission),
		strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		class = MediaPermission
	case errors.Is(err, ErrDeviceBusy), strings.Contains(msg, "busy"),
		strings.Contains(msg, "in use"):
		class = MediaBusy
	}
	return &MediaError{Class: class, Err: err}
}

func (e *MediaError) noticeText() string {
	switch e.Class {
	case MediaPermission:
		return "Camera or microphone access was denied. Allow access and retry."
	case MediaBusy:
		return "Camera and microphone are in use by another application."
	default:
		return "Could not start camera or microphone."
	}
}

// gatedTrack keeps a local track running while dropping its RTP output
// whenever the track is disabled. It is how mic and camera mute work.
type gatedTrack struct {
	webrtc.TrackLocal
	enabled atomic.Bool
}

func newGatedTrack(t webrtc.TrackLocal, enabled bool) *gatedTrack {
	g := &gatedTrack{TrackLocal: t}
	g.enabled.Store(enabled)
	return g
}

func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return g.TrackLocal.Bind(&gatedContext{TrackLocalContext: ctx, enabled: &g.enabled})
}

func (g *gatedTrack) setEnabled(on bool) { g.enabled.Store(on) }

func (g *gatedTrack) isVideo() bool { return g.Kind() == webrtc.RTPCodecTypeVideo }

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{TrackLocalWriter: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

type gatedWriter struct {
	webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return len(payload), nil
	}
	return w.TrackLocalWriter.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.TrackLocalWriter.Write(b)
}

// DefaultAPI builds a pion API with the stock codecs and interceptors.
func DefaultAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// offers and answers carry valid m-lines when nothing is captured locally.
func addRecvOnlyTransceivers(roomID string, pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("[%s] add %s transceiver: %v", roomID, kind, err)
		}
	}
}
