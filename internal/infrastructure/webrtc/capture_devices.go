//go:build mediadevices

package webrtc

import (
	"context"
	"fmt"
	"sync"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/utils"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DevicesAvailable reports whether this binary was built with device capture.
const DevicesAvailable = true

// DeviceCapturer captures the camera and microphone through pion/mediadevices
// and encodes them with VP8 and Opus.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
	logger   *zap.SugaredLogger
}

func NewDeviceCapturer(logger *zap.SugaredLogger) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// RegisterCodecs makes the engine negotiate exactly what the encoders emit.
func (c *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

func (c *DeviceCapturer) Capture(ctx context.Context, constraints domain.MediaConstraints) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msc := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if constraints.Video {
		msc.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// raw formats only; MJPEG nodes on some cameras poison the encoder
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
	if constraints.Audio {
		msc.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(msc)
	if err != nil {
		c.logger.Warnw("device capture failed",
			"devices", len(mediadevices.EnumerateDevices()),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)
	}

	stream := &deviceStream{id: utils.GenerateID("stream")}
	for _, t := range ms.GetTracks() {
		kind := domain.TrackKindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.TrackKindVideo
		}
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				c.logger.Warnw("local track ended", "track_id", track.ID(), "error", err)
			}
		})
		stream.tracks = append(stream.tracks, &deviceTrack{track: track, kind: kind, enabled: true})
	}
	return stream, nil
}

type deviceTrack struct {
	track mediadevices.Track
	kind  domain.TrackKind

	mu      sync.Mutex
	senders []*webrtc.RTPSender
	enabled bool
}

func (t *deviceTrack) ID() string             { return t.track.ID() }
func (t *deviceTrack) Kind() domain.TrackKind { return t.kind }

func (t *deviceTrack) BindSender(sender *webrtc.RTPSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.senders = append(t.senders, sender)
}

// SetEnabled detaches the track from its senders; the transceivers stay
// negotiated and nothing is sent while disabled.
func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.enabled == enabled {
		return
	}
	t.enabled = enabled

	var replacement webrtc.TrackLocal
	if enabled {
		replacement = t.track
	}
	for _, s := range t.senders {
		_ = s.ReplaceTrack(replacement)
	}
}

type deviceStream struct {
	id     string
	tracks []*deviceTrack
	once   sync.Once
}

func (s *deviceStream) ID() string { return s.id }

func (s *deviceStream) Tracks() []ports.LocalTrack {
	out := make([]ports.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *deviceStream) TrackLocals() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.track
	}
	return out
}

func (s *deviceStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.track.Close()
		}
	})
}
