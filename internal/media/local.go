package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	rtcmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/roomlink/internal/util"
)

var kinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

// LocalMedia holds one shared outbound track per captured kind. Every peer
// connection sends the same track; disabling a kind drops its samples
// instead of tearing the track down.
type LocalMedia struct {
	streamID string
	devices  map[webrtc.RTPCodecType]Device

	mu      sync.RWMutex
	tracks  map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticSample
	enabled map[webrtc.RTPCodecType]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalMedia registers the available devices, at most one per kind.
func NewLocalMedia(devices ...Device) *LocalMedia {
	m := &LocalMedia{
		streamID: "roomlink-" + uuid.NewString(),
		devices:  make(map[webrtc.RTPCodecType]Device),
		tracks:   make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticSample),
		enabled:  make(map[webrtc.RTPCodecType]bool),
	}
	for _, d := range devices {
		if d != nil {
			m.devices[d.Kind()] = d
		}
	}
	return m
}

// Start opens every requested kind. Failures are reported per kind, wrapped
// around ErrDeviceUnavailable, and the remaining kinds still start.
func (m *LocalMedia) Start(ctx context.Context, want ...webrtc.RTPCodecType) error {
	if len(want) == 0 {
		want = kinds
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	var errs []error
	for _, kind := range want {
		if err := m.startKind(ctx, kind); err != nil {
			util.LogWarning("local %s unavailable: %v", kind, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *LocalMedia) startKind(ctx context.Context, kind webrtc.RTPCodecType) error {
	d, ok := m.devices[kind]
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrDeviceUnavailable)
	}

	track, err := webrtc.NewTrackLocalStaticSample(d.Codec(), kind.String()+"-"+uuid.NewString(), m.streamID)
	if err != nil {
		return fmt.Errorf("%s track: %w", kind, err)
	}
	samples, err := d.Open(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", kind, ErrDeviceUnavailable, err)
	}

	m.mu.Lock()
	m.tracks[kind] = track
	m.enabled[kind] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pump(ctx, kind, track, samples)
	util.LogDebug("local %s track %s started", kind, track.ID())
	return nil
}

// pump forwards samples to the track while the kind is enabled.
func (m *LocalMedia) pump(ctx context.Context, kind webrtc.RTPCodecType, track *webrtc.TrackLocalStaticSample, samples <-chan rtcmedia.Sample) {
	defer m.wg.Done()
	for {
		select {
		case s, ok := <-samples:
			if !ok {
				return
			}
			if !m.Enabled(kind) {
				continue
			}
			if err := track.WriteSample(s); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				util.LogDebug("write %s sample: %v", kind, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// LocalTrack returns the outbound track of kind, or nil when not captured.
func (m *LocalMedia) LocalTrack(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tracks[kind]
	if !ok {
		return nil
	}
	return t
}

// Has reports whether kind is being captured.
func (m *LocalMedia) Has(kind webrtc.RTPCodecType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tracks[kind]
	return ok
}

// SetEnabled turns sample forwarding for kind on or off.
func (m *LocalMedia) SetEnabled(kind webrtc.RTPCodecType, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracks[kind]; ok {
		m.enabled[kind] = on
	}
}

// Enabled reports whether kind is captured and forwarding samples.
func (m *LocalMedia) Enabled(kind webrtc.RTPCodecType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled[kind]
}

// Stop ends capture and waits for the pumps to exit.
func (m *LocalMedia) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	clear(m.enabled)
	m.mu.Unlock()
}
