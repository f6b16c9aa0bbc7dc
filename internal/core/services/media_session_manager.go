package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/tracing"
	"chatcall/pkg/utils"

	"go.uber.org/zap"
)

type SessionConfig struct {
	ICE          domain.ICEConfig
	SetupTimeout time.Duration
}

// MediaSessionManager owns the local media and the peer connection of the
// single active call.
type MediaSessionManager struct {
	coord     *SignalingCoordinator
	capturer  ports.MediaCapturer
	factory   ports.PeerConnectionFactory
	publisher ports.EventPublisher
	cfg       SessionConfig
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	session  *session
	observer sessionObserver
}

func NewMediaSessionManager(
	coord *SignalingCoordinator,
	capturer ports.MediaCapturer,
	factory ports.PeerConnectionFactory,
	publisher ports.EventPublisher,
	cfg SessionConfig,
	logger *zap.SugaredLogger,
) *MediaSessionManager {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 20 * time.Second
	}
	return &MediaSessionManager{
		coord:     coord,
		capturer:  capturer,
		factory:   factory,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		observer:  noopObserver{},
	}
}

func (m *MediaSessionManager) setObserver(o sessionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// NewCallID mints the ID of an outgoing call.
func NewCallID() domain.CallID {
	return domain.CallID(utils.NewRecordID())
}

// StartAsCaller acquires media and publishes an offer for callID in the
// conversation. It returns once the record is durable.
func (m *MediaSessionManager) StartAsCaller(ctx context.Context, callID domain.CallID, conversationID domain.ConversationID, callType domain.CallType) error {
	ctx, span := tracing.TraceCall(ctx, "start_as_caller", string(callID))
	defer span.End()

	s, err := m.begin(callID, domain.RoleCaller, callType)
	if err != nil {
		return err
	}
	s.conversationID = conversationID

	if err := m.setup(ctx, s, m.coord.startCaller); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// StartAsAnswerer acquires media and answers the stored offer of callID.
func (m *MediaSessionManager) StartAsAnswerer(ctx context.Context, callID domain.CallID, callType domain.CallType) error {
	ctx, span := tracing.TraceCall(ctx, "start_as_answerer", string(callID))
	defer span.End()

	s, err := m.begin(callID, domain.RoleAnswerer, callType)
	if err != nil {
		return err
	}

	if err := m.setup(ctx, s, m.coord.startAnswerer); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (m *MediaSessionManager) begin(callID domain.CallID, role domain.Role, callType domain.CallType) (*session, error) {
	if !callType.Valid() {
		callType = domain.CallTypeVideo
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return nil, domain.ErrCallAlreadyInProgress
	}
	s := newSession(callID, role, callType, m.coord, m.observer, m.endSessionNotify, m.logger)
	m.session = s
	return s, nil
}

func (m *MediaSessionManager) setup(ctx context.Context, s *session, signal func(context.Context, *session) error) error {
	stream, err := m.capturer.Capture(ctx, domain.ConstraintsFor(s.callType))
	if err != nil {
		m.endSession(s, domain.EndReasonSetupFailed, false)
		if !errors.Is(err, domain.ErrMediaAccess) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)
		}
		return err
	}
	if !s.attach(nil, stream) {
		stream.Stop()
		return s.closedErr()
	}
	m.publish(domain.Event{Type: domain.EventLocalStream, CallID: s.callID})

	pc, err := m.factory.NewPeerConnection(m.cfg.ICE)
	if err != nil {
		m.endSession(s, domain.EndReasonSetupFailed, false)
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	if !s.attach(pc, nil) {
		pc.Close()
		return s.closedErr()
	}
	if err := pc.AddLocalStream(stream); err != nil {
		m.endSession(s, domain.EndReasonSetupFailed, false)
		return fmt.Errorf("failed to attach local media: %w", err)
	}
	pc.OnTrack(func(rs domain.RemoteStream) {
		s.post(sessionEvent{kind: evRemoteTrack, stream: rs})
	})
	pc.OnConnectionStateChange(func(state domain.ConnectionState) {
		s.post(sessionEvent{kind: evConnectionState, state: state})
	})

	setupCtx, cancel := context.WithTimeout(s.ctx, m.cfg.SetupTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := s.exec(func() error { return signal(setupCtx, s) }); err != nil {
		m.endSession(s, domain.EndReasonSetupFailed, false)
		return err
	}

	s.markStarted()
	m.coord.metrics.CallStarted(s.role, s.callType)
	m.logger.Infow("call session started",
		"call_id", s.callID,
		"role", s.role,
		"call_type", s.callType,
	)
	return nil
}

// End tears down the active session. It is a no-op without one and never
// fails.
func (m *MediaSessionManager) End(reason domain.EndReason) {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s == nil {
		return
	}
	s.close(reason, true)
}

// EndCall tears down the active session only while it still belongs to
// callID.
func (m *MediaSessionManager) EndCall(callID domain.CallID, reason domain.EndReason) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.callID != callID {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.mu.Unlock()

	s.close(reason, true)
}

func (m *MediaSessionManager) endSessionNotify(s *session, reason domain.EndReason) {
	m.endSession(s, reason, true)
}

func (m *MediaSessionManager) endSession(s *session, reason domain.EndReason, notify bool) {
	m.mu.Lock()
	if m.session == s {
		m.session = nil
	}
	m.mu.Unlock()

	s.close(reason, notify)
}

// ActiveCall returns the ID of the current session, if any.
func (m *MediaSessionManager) ActiveCall() (domain.CallID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", false
	}
	return m.session.callID, true
}

func (m *MediaSessionManager) SetAudioEnabled(enabled bool) error {
	return m.setTrackEnabled(domain.TrackKindAudio, enabled)
}

func (m *MediaSessionManager) SetVideoEnabled(enabled bool) error {
	return m.setTrackEnabled(domain.TrackKindVideo, enabled)
}

func (m *MediaSessionManager) setTrackEnabled(kind domain.TrackKind, enabled bool) error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s == nil {
		return domain.ErrNoActiveCall
	}
	local := s.localStream()
	if local == nil {
		return domain.ErrNoActiveCall
	}
	for _, t := range local.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
	return nil
}

func (m *MediaSessionManager) publish(ev domain.Event) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}
