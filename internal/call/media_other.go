//go:build !linux

package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// NewPlatform returns the pion API and a capturer that always reports
// ErrUnsupported. Sessions on these platforms are receive-only.
func NewPlatform() (*webrtc.API, Capturer, error) {
	api, err := DefaultAPI()
	if err != nil {
		return nil, nil, err
	}
	return api, unsupportedCapturer{}, nil
}

type unsupportedCapturer struct{}

func (unsupportedCapturer) Capture(context.Context, bool, bool) (*LocalMedia, error) {
	return nil, &MediaError{Class: MediaUnknown, Err: ErrUnsupported}
}
