package ports

import (
	"context"

	"chatcall/internal/core/domain"
)

type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	SetEnabled(enabled bool)
}

// LocalStream is captured local media, exclusively owned by one session.
type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	Stop()
}

type MediaCapturer interface {
	// Capture fails with domain.ErrMediaAccess when no device or permission
	// is available.
	Capture(ctx context.Context, constraints domain.MediaConstraints) (LocalStream, error)
}

type PeerConnection interface {
	AddLocalStream(stream LocalStream) error
	OnTrack(fn func(stream domain.RemoteStream))
	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(fn func(c *domain.ICECandidate))
	OnConnectionStateChange(fn func(state domain.ConnectionState))
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	RemoteDescriptionSet() bool
	AddICECandidate(c domain.ICECandidate) error
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(cfg domain.ICEConfig) (PeerConnection, error)
}
