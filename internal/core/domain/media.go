package domain

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

func ConstraintsFor(t CallType) MediaConstraints {
	return MediaConstraints{Audio: true, Video: t != CallTypeAudio}
}

type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

type ICEConfig struct {
	Servers           []ICEServer
	CandidatePoolSize uint8
}

// ConnectionState mirrors the peer connection state machine.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

type TrackInfo struct {
	ID       string    `json:"id"`
	StreamID string    `json:"stream_id"`
	Kind     TrackKind `json:"kind"`
}

// RemoteStream describes the media the remote peer is sending.
type RemoteStream struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

func (s *RemoteStream) HasTrack(id string) bool {
	for _, t := range s.Tracks {
		if t.ID == id {
			return true
		}
	}
	return false
}
