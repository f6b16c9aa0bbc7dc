package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// trackSource is implemented by local streams whose tracks can be sent over
// a pion peer connection.
type trackSource interface {
	TrackLocals() []webrtc.TrackLocal
}

// senderBinder is implemented by local tracks that mute by swapping the
// sender's track instead of by dropping samples.
type senderBinder interface {
	BindSender(sender *webrtc.RTPSender)
}

// TrackStats counts media received from remote tracks.
type TrackStats struct {
	AudioPackets atomic.Uint64
	AudioBytes   atomic.Uint64
	VideoPackets atomic.Uint64
	VideoBytes   atomic.Uint64
	PLIsSent     atomic.Uint64
}

func (s *TrackStats) Snapshot() (audioBytes, videoBytes, plis uint64) {
	return s.AudioBytes.Load(), s.VideoBytes.Load(), s.PLIsSent.Load()
}

type peerConnection struct {
	pc     *webrtc.PeerConnection
	stats  *TrackStats
	logger *zap.SugaredLogger

	mu            sync.Mutex
	remoteStreams map[string]*domain.RemoteStream
	onTrack       func(domain.RemoteStream)
	closed        bool
}

func newPeerConnection(pc *webrtc.PeerConnection, stats *TrackStats, logger *zap.SugaredLogger) *peerConnection {
	p := &peerConnection{
		pc:            pc,
		stats:         stats,
		logger:        logger,
		remoteStreams: make(map[string]*domain.RemoteStream),
	}
	pc.OnTrack(p.handleTrack)
	return p
}

func (p *peerConnection) AddLocalStream(stream ports.LocalStream) error {
	src, ok := stream.(trackSource)
	if !ok {
		return fmt.Errorf("local stream %s has no transport tracks", stream.ID())
	}

	for _, track := range src.TrackLocals() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
		for _, lt := range stream.Tracks() {
			if b, ok := lt.(senderBinder); ok && lt.ID() == track.ID() {
				b.BindSender(sender)
			}
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP keeps interceptors (NACK, reports) fed until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *peerConnection) OnTrack(fn func(stream domain.RemoteStream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *peerConnection) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.TrackKindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackKindVideo
	}

	p.logger.Infow("remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)

	p.mu.Lock()
	rs, ok := p.remoteStreams[track.StreamID()]
	if !ok {
		rs = &domain.RemoteStream{ID: track.StreamID()}
		p.remoteStreams[track.StreamID()] = rs
	}
	if !rs.HasTrack(track.ID()) {
		rs.Tracks = append(rs.Tracks, domain.TrackInfo{ID: track.ID(), StreamID: track.StreamID(), Kind: kind})
	}
	snapshot := domain.RemoteStream{ID: rs.ID, Tracks: append([]domain.TrackInfo(nil), rs.Tracks...)}
	fn := p.onTrack
	p.mu.Unlock()

	if kind == domain.TrackKindVideo {
		// ask for a keyframe so the first frames can be decoded
		err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			p.logger.Debugw("failed to send PLI", "track_id", track.ID(), "error", err)
		} else {
			p.stats.PLIsSent.Add(1)
		}
	}

	go p.readTrack(track, kind)

	if fn != nil {
		fn(snapshot)
	}
}

func (p *peerConnection) readTrack(track *webrtc.TrackRemote, kind domain.TrackKind) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track ended", "track_id", track.ID(), "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		size := uint64(len(pkt.Payload))
		if kind == domain.TrackKindVideo {
			p.stats.VideoPackets.Add(1)
			p.stats.VideoBytes.Add(size)
		} else {
			p.stats.AudioPackets.Add(1)
			p.stats.AudioBytes.Add(size)
		}
	}
}

func (p *peerConnection) OnICECandidate(fn func(c *domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		ci := c.ToJSON()
		fn(&domain.ICECandidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

func (p *peerConnection) OnConnectionStateChange(fn func(state domain.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connectionState(s))
	})
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed
	default:
		return domain.ConnectionStateNew
	}
}

func (p *peerConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromWebRTC(offer), nil
}

func (p *peerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromWebRTC(answer), nil
}

func (p *peerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	return p.pc.SetLocalDescription(toWebRTC(desc))
}

func (p *peerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(toWebRTC(desc))
}

func (p *peerConnection) RemoteDescriptionSet() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *peerConnection) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.onTrack = nil
	p.mu.Unlock()

	return p.pc.Close()
}

func toWebRTC(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func fromWebRTC(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}
