package transport

import (
	"context"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomlink/internal/util"
)

const (
	rtcpBufferSize   = 1500
	keyframeInterval = 3 * time.Second
)

// drainRTCP reads RTCP for an outbound sender so the interceptor chain
// (NACK responder, reports) keeps running. Exits when the sender is closed.
func drainRTCP(ctx context.Context, s *webrtc.RTPSender) {
	buf := make([]byte, rtcpBufferSize)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// requestKeyframes sends a PictureLossIndication for an inbound video track
// at a fixed interval so late joiners get a decodable frame quickly.
func requestKeyframes(ctx context.Context, pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
			if err := pc.WriteRTCP(pli); err != nil {
				util.LogDebug("PLI for track %s: %v", track.ID(), err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// remoteTrack adapts a pion TrackRemote to mesh.RemoteTrack.
type remoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver

	ctx    context.Context
	cancel context.CancelFunc
}

func newRemoteTrack(parent context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *remoteTrack {
	ctx, cancel := context.WithCancel(parent)
	return &remoteTrack{track: track, receiver: receiver, ctx: ctx, cancel: cancel}
}

func (t *remoteTrack) ID() string                { return t.track.ID() }
func (t *remoteTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }

// Stop ends the reader and the keyframe loop and stops the receiver.
func (t *remoteTrack) Stop() {
	t.cancel()
	if err := t.receiver.Stop(); err != nil {
		util.LogDebug("stop receiver for track %s: %v", t.track.ID(), err)
	}
}

// read drains inbound RTP for the track. Playback belongs to the embedding
// runtime; here the payload only feeds the byte counter.
func (t *remoteTrack) read() {
	buf := make([]byte, rtcpBufferSize)
	for {
		n, _, err := t.track.Read(buf)
		if err != nil {
			return
		}
		util.Stats.AddRecv(n)
		if t.ctx.Err() != nil {
			return
		}
	}
}
