package webrtc

import (
	"context"
	"testing"

	"chatcall/internal/core/domain"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSyntheticCapturer_VideoCall(t *testing.T) {
	c := NewSyntheticCapturer(zap.NewNop().Sugar())

	stream, err := c.Capture(context.Background(), domain.ConstraintsFor(domain.CallTypeVideo))
	require.NoError(t, err)
	defer stream.Stop()

	tracks := stream.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, domain.TrackKindAudio, tracks[0].Kind())
	assert.Equal(t, domain.TrackKindVideo, tracks[1].Kind())

	src, ok := stream.(trackSource)
	require.True(t, ok)
	assert.Len(t, src.TrackLocals(), 2)
}

func TestSyntheticCapturer_AudioCall(t *testing.T) {
	c := NewSyntheticCapturer(zap.NewNop().Sugar())

	stream, err := c.Capture(context.Background(), domain.ConstraintsFor(domain.CallTypeAudio))
	require.NoError(t, err)
	defer stream.Stop()

	require.Len(t, stream.Tracks(), 1)
	assert.Equal(t, domain.TrackKindAudio, stream.Tracks()[0].Kind())
}

func TestSyntheticCapturer_NothingRequested(t *testing.T) {
	c := NewSyntheticCapturer(zap.NewNop().Sugar())

	_, err := c.Capture(context.Background(), domain.MediaConstraints{})
	assert.ErrorIs(t, err, domain.ErrMediaAccess)
}

func TestSyntheticTrack_SetEnabled(t *testing.T) {
	c := NewSyntheticCapturer(zap.NewNop().Sugar())

	stream, err := c.Capture(context.Background(), domain.ConstraintsFor(domain.CallTypeAudio))
	require.NoError(t, err)

	track := stream.Tracks()[0].(*syntheticTrack)
	assert.True(t, track.Enabled())
	track.SetEnabled(false)
	assert.False(t, track.Enabled())

	stream.Stop()
	stream.Stop()
}

func TestConnectionStateMapping(t *testing.T) {
	assert.Equal(t, domain.ConnectionStateFailed, connectionState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, domain.ConnectionStateConnected, connectionState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, domain.ConnectionStateNew, connectionState(webrtc.PeerConnectionStateUnknown))
}
