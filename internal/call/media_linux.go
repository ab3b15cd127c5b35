//go:build linux

package call

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// vp8SelfView wraps a mediadevices VP8 EncodedReadCloser as a SelfViewSource.
type vp8SelfView struct{ r mediadevices.EncodedReadCloser }

func (s *vp8SelfView) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, rel, nil
}

func (s *vp8SelfView) Close() error { return s.r.Close() }

// deviceCapturer opens the camera through V4L2 and the microphone through
// malgo, encoding VP8 and Opus with the same selector the API was built with.
type deviceCapturer struct {
	selector *mediadevices.CodecSelector
}

// NewPlatform returns the pion API and the device capturer for this
// platform.
func NewPlatform() (*webrtc.API, Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// A relayed path can stall for a few seconds during re-keying; keep the
	// connection through that instead of dropping to disconnected at 5 s.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
	}
	return api, &deviceCapturer{selector: selector}, nil
}

func (c *deviceCapturer) Capture(ctx context.Context, audio, video bool) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only. Some cameras expose an MJPEG node whose
			// malformed frames poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, ClassifyMediaError(err)
	}

	tracks := stream.GetTracks()
	closeAll := func() {
		for _, t := range tracks {
			_ = t.Close()
		}
	}

	media := &LocalMedia{Release: closeAll}
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", t.Kind(), err)
			}
		})
		media.Tracks = append(media.Tracks, t)
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		// An independent encoder for self view. Failure here means the
		// camera feed is broken and would break negotiation too.
		r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
		if err != nil {
			closeAll()
			return nil, &MediaError{Class: MediaUnknown, Err: fmt.Errorf("video encoder: %w", err)}
		}
		media.SelfView = &vp8SelfView{r: r}
	}
	return media, nil
}
