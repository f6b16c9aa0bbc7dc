package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/utils"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = 33 * time.Millisecond
)

var (
	// opus TOC byte for a 20ms CELT silence frame
	opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}
	// VP8 keyframe header followed by an empty partition
	vp8BlankFrame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00}
)

// SyntheticCapturer produces silent audio and blank video without touching
// any device. It backs headless nodes and tests.
type SyntheticCapturer struct {
	logger *zap.SugaredLogger
}

func NewSyntheticCapturer(logger *zap.SugaredLogger) *SyntheticCapturer {
	return &SyntheticCapturer{logger: logger}
}

func (c *SyntheticCapturer) Capture(ctx context.Context, constraints domain.MediaConstraints) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("%w: no media requested", domain.ErrMediaAccess)
	}

	stream := &syntheticStream{
		id:   utils.GenerateID("stream"),
		done: make(chan struct{}),
	}

	if constraints.Audio {
		if err := stream.addTrack(domain.TrackKindAudio, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, opusSilenceFrame, audioFrameDuration); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)
		}
	}
	if constraints.Video {
		if err := stream.addTrack(domain.TrackKindVideo, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, vp8BlankFrame, videoFrameDuration); err != nil {
			stream.Stop()
			return nil, fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)
		}
	}

	for _, t := range stream.tracks {
		stream.wg.Add(1)
		go stream.pump(t, c.logger)
	}

	c.logger.Debugw("synthetic media captured",
		"stream_id", stream.id,
		"audio", constraints.Audio,
		"video", constraints.Video,
	)
	return stream, nil
}

type syntheticTrack struct {
	kind     domain.TrackKind
	track    *webrtc.TrackLocalStaticSample
	frame    []byte
	interval time.Duration
	enabled  atomic.Bool
}

func (t *syntheticTrack) ID() string             { return t.track.ID() }
func (t *syntheticTrack) Kind() domain.TrackKind { return t.kind }

// SetEnabled pauses sample writes; a muted track stays negotiated.
func (t *syntheticTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *syntheticTrack) Enabled() bool { return t.enabled.Load() }

type syntheticStream struct {
	id     string
	tracks []*syntheticTrack
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *syntheticStream) addTrack(kind domain.TrackKind, codec webrtc.RTPCodecCapability, frame []byte, interval time.Duration) error {
	track, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+s.id, s.id)
	if err != nil {
		return err
	}
	t := &syntheticTrack{kind: kind, track: track, frame: frame, interval: interval}
	t.enabled.Store(true)
	s.tracks = append(s.tracks, t)
	return nil
}

func (s *syntheticStream) pump(t *syntheticTrack, logger *zap.SugaredLogger) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			if err := t.track.WriteSample(media.Sample{Data: t.frame, Duration: t.interval}); err != nil {
				logger.Debugw("synthetic sample write failed", "track_id", t.ID(), "error", err)
			}
		}
	}
}

func (s *syntheticStream) ID() string { return s.id }

func (s *syntheticStream) Tracks() []ports.LocalTrack {
	out := make([]ports.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *syntheticStream) TrackLocals() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.track
	}
	return out
}

// Stop ends every pump goroutine. Safe to call more than once.
func (s *syntheticStream) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
