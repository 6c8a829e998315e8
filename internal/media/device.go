// Package media owns the local capture tracks and the user-facing media
// controls (mute, video, hand raise, audio-only mode).
package media

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	rtcmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrDeviceUnavailable is reported per kind when no capture device exists or
// it cannot be opened. The session continues without that kind.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Device is a capture source supplied by the embedding runtime. Open starts
// capture; the channel is closed when ctx is done or capture stops.
type Device interface {
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecCapability
	Open(ctx context.Context) (<-chan rtcmedia.Sample, error)
}

// opus frame that decodes to 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// SilenceDevice is an audio Device producing opus silence. It keeps the audio
// path negotiated and flowing for headless participants.
type SilenceDevice struct{}

func (SilenceDevice) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (SilenceDevice) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (SilenceDevice) Open(ctx context.Context) (<-chan rtcmedia.Sample, error) {
	out := make(chan rtcmedia.Sample)
	go func() {
		defer close(out)
		ticker := time.NewTicker(silenceFrame)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case out <- rtcmedia.Sample{Data: opusSilence, Duration: silenceFrame}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
