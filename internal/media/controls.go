package media

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/util"
)

// TrackReplacer substitutes the outbound track of a kind on every existing
// link without renegotiation.
type TrackReplacer interface {
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
}

// ControlState is the local participant's intended media state.
type ControlState struct {
	Muted        bool
	VideoEnabled bool
	HandRaised   bool
	AudioOnly    bool
}

// Controls applies toggles locally first and then broadcasts them. There is
// no acknowledgment: remote participants see the change once their roster
// applies the event.
type Controls struct {
	local    *LocalMedia
	send     func(*protocol.Message)
	replacer TrackReplacer
	state    ControlState
}

func NewControls(local *LocalMedia, send func(*protocol.Message), replacer TrackReplacer, initial ControlState) *Controls {
	c := &Controls{local: local, send: send, replacer: replacer, state: initial}
	c.apply()
	return c
}

// apply pushes the current state onto the local tracks.
func (c *Controls) apply() {
	c.local.SetEnabled(webrtc.RTPCodecTypeAudio, !c.state.Muted)
	c.local.SetEnabled(webrtc.RTPCodecTypeVideo, c.state.VideoEnabled && !c.state.AudioOnly)
}

// State returns the current control state.
func (c *Controls) State() ControlState {
	return c.state
}

func (c *Controls) SetMuted(muted bool) {
	c.state.Muted = muted
	c.apply()
	c.send(protocol.NewToggleMute(muted))
}

func (c *Controls) ToggleMute() bool {
	c.SetMuted(!c.state.Muted)
	return c.state.Muted
}

func (c *Controls) SetVideo(enabled bool) {
	c.state.VideoEnabled = enabled
	c.apply()
	c.send(protocol.NewToggleVideo(c.videoVisible()))
}

func (c *Controls) ToggleVideo() bool {
	c.SetVideo(!c.state.VideoEnabled)
	return c.state.VideoEnabled
}

func (c *Controls) SetHandRaised(raised bool) {
	c.state.HandRaised = raised
	c.send(protocol.NewRaiseHand(raised))
}

func (c *Controls) ToggleHand() bool {
	c.SetHandRaised(!c.state.HandRaised)
	return c.state.HandRaised
}

// SetVideoMode switches between audio-only and video. The outbound video
// track is swapped in place on existing links (nil while audio-only).
func (c *Controls) SetVideoMode(audioOnly bool) error {
	if c.state.AudioOnly == audioOnly {
		return nil
	}
	c.state.AudioOnly = audioOnly
	c.apply()

	var track webrtc.TrackLocal
	if !audioOnly {
		track = c.local.LocalTrack(webrtc.RTPCodecTypeVideo)
	}
	err := c.replacer.ReplaceTrack(webrtc.RTPCodecTypeVideo, track)
	if err != nil {
		util.LogWarning("video track substitution: %v", err)
	}

	c.send(protocol.NewToggleVideo(c.videoVisible()))
	return err
}

func (c *Controls) videoVisible() bool {
	return c.state.VideoEnabled && !c.state.AudioOnly
}
