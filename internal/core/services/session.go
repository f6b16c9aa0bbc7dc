package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"go.uber.org/zap"
)

const (
	inboxSize    = 256
	outboundSize = 64
)

type sessionEventKind int

const (
	evCommand sessionEventKind = iota
	evCallRecord
	evRemoteCandidates
	evRemoteTrack
	evConnectionState
)

type sessionEvent struct {
	kind     sessionEventKind
	fn       func() error
	result   chan error
	snapshot ports.Snapshot
	stream   domain.RemoteStream
	state    domain.ConnectionState
}

// sessionObserver is told about session milestones. Calls arrive on the
// session goroutine or on the goroutine ending the session.
type sessionObserver interface {
	callAnswered(callID domain.CallID)
	callRejected(callID domain.CallID)
	connectionChanged(callID domain.CallID, state domain.ConnectionState)
	sessionEnded(callID domain.CallID, reason domain.EndReason)
}

type noopObserver struct{}

func (noopObserver) callAnswered(domain.CallID)                              {}
func (noopObserver) callRejected(domain.CallID)                              {}
func (noopObserver) connectionChanged(domain.CallID, domain.ConnectionState) {}
func (noopObserver) sessionEnded(domain.CallID, domain.EndReason)            {}

// session is one call attempt. Everything that touches the peer connection
// after setup runs on the goroutine draining inbox.
type session struct {
	callID         domain.CallID
	conversationID domain.ConversationID
	role           domain.Role
	callType       domain.CallType
	startedAt      time.Time

	coord    *SignalingCoordinator
	observer sessionObserver
	endFn    func(s *session, reason domain.EndReason)
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	inbox      chan sessionEvent
	outbound   chan domain.CandidateRecord
	done       chan struct{}
	loopDone   chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	closed  bool
	started bool
	reason  domain.EndReason
	pc      ports.PeerConnection
	local   ports.LocalStream
	subs    []ports.Subscription

	// owned by the session goroutine
	remote      *domain.RemoteStream
	buffer      *candidateBuffer
	applied     map[string]struct{}
	answer      *domain.SessionDescription
	lastStatus  domain.CallStatus
	rejected    bool
	violations  int
	ending      bool
	connectedAt time.Time
	graceTimer  *time.Timer
}

func newSession(
	callID domain.CallID,
	role domain.Role,
	callType domain.CallType,
	coord *SignalingCoordinator,
	observer sessionObserver,
	endFn func(s *session, reason domain.EndReason),
	logger *zap.SugaredLogger,
) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		callID:     callID,
		role:       role,
		callType:   callType,
		startedAt:  coord.now(),
		coord:      coord,
		observer:   observer,
		endFn:      endFn,
		logger:     logger.With("call_id", callID, "role", role),
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan sessionEvent, inboxSize),
		outbound:   make(chan domain.CandidateRecord, outboundSize),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
		buffer:     newCandidateBuffer(coord.cfg.CandidateBufferWindow),
		applied:    make(map[string]struct{}),
	}
	go s.run()
	go s.writeCandidates()
	return s
}

// post queues ev for the session goroutine. It reports false once the
// session is closed; late notifications are dropped.
func (s *session) post(ev sessionEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// exec runs fn on the session goroutine and waits for its result.
func (s *session) exec(fn func() error) error {
	result := make(chan error, 1)
	if !s.post(sessionEvent{kind: evCommand, fn: fn, result: result}) {
		return s.closedErr()
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		return s.closedErr()
	}
}

// closedErr wraps ErrSessionClosed with the cause of an unexpected end.
func (s *session) closedErr() error {
	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()

	if cause := reason.Err(); cause != nil {
		return fmt.Errorf("%w: %w", domain.ErrSessionClosed, cause)
	}
	return domain.ErrSessionClosed
}

func (s *session) run() {
	defer close(s.loopDone)

	ticker := time.NewTicker(bufferCheckInterval(s.coord.cfg.CandidateBufferWindow))
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.stopGrace()
			return
		case ev := <-s.inbox:
			s.handle(ev)
		case now := <-ticker.C:
			if !s.ending {
				s.coord.checkBuffer(s, now)
			}
		case <-s.graceC():
			s.graceTimer = nil
			s.logger.Warnw("connection did not recover from disconnect")
			s.requestEnd(domain.EndReasonConnectionFailed)
		}
	}
}

func bufferCheckInterval(window time.Duration) time.Duration {
	interval := window / 4
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	return interval
}

func (s *session) handle(ev sessionEvent) {
	if ev.kind == evCommand {
		ev.result <- ev.fn()
		return
	}
	if s.ending {
		return
	}

	switch ev.kind {
	case evCallRecord:
		s.coord.handleCallRecord(s, ev.snapshot)
	case evRemoteCandidates:
		s.coord.handleRemoteCandidates(s, ev.snapshot)
	case evRemoteTrack:
		stream := ev.stream
		s.remote = &stream
		s.coord.publish(domain.Event{Type: domain.EventRemoteStream, CallID: s.callID, Stream: &stream})
	case evConnectionState:
		s.handleConnectionState(ev.state)
	}
}

func (s *session) handleConnectionState(state domain.ConnectionState) {
	s.logger.Infow("connection state changed", "state", state)
	s.coord.publish(domain.Event{Type: domain.EventConnectionState, CallID: s.callID, Connection: state})
	s.observer.connectionChanged(s.callID, state)

	switch state {
	case domain.ConnectionStateConnected:
		s.stopGrace()
		if s.connectedAt.IsZero() {
			s.connectedAt = s.coord.now()
			s.coord.metrics.CallConnected(s.role, s.connectedAt.Sub(s.startedAt))
		}
	case domain.ConnectionStateDisconnected:
		grace := s.coord.cfg.DisconnectGrace
		if grace <= 0 {
			s.requestEnd(domain.EndReasonConnectionFailed)
			return
		}
		if s.graceTimer == nil {
			s.graceTimer = time.NewTimer(grace)
		}
	case domain.ConnectionStateFailed:
		s.requestEnd(domain.EndReasonConnectionFailed)
	}
}

func (s *session) graceC() <-chan time.Time {
	if s.graceTimer == nil {
		return nil
	}
	return s.graceTimer.C
}

func (s *session) stopGrace() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// requestEnd tears the session down from its own goroutine. The teardown
// itself runs elsewhere because it waits for this goroutine to exit.
func (s *session) requestEnd(reason domain.EndReason) {
	if s.ending {
		return
	}
	s.ending = true
	go s.endFn(s, reason)
}

func (s *session) onLocalCandidate(c *domain.ICECandidate) {
	if c == nil {
		return
	}
	rec := domain.NewCandidateRecord(*c, s.coord.now())
	select {
	case s.outbound <- *rec:
	case <-s.done:
	}
}

func (s *session) writeCandidates() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.done:
			return
		case rec := <-s.outbound:
			s.coord.appendCandidate(s, rec)
		}
	}
}

// attach records the transport objects built during setup. It fails when
// the session was ended concurrently, leaving cleanup to the caller.
func (s *session) attach(pc ports.PeerConnection, local ports.LocalStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if pc != nil {
		s.pc = pc
	}
	if local != nil {
		s.local = local
	}
	return true
}

func (s *session) addSubscription(sub ports.Subscription) {
	s.mu.Lock()
	if !s.closed {
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	sub.Cancel()
}

func (s *session) localStream() ports.LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *session) markStarted() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
}

// close releases everything the session owns. Safe to call repeatedly and
// from any goroutine except the session goroutine.
func (s *session) close(reason domain.EndReason, notify bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.reason = reason
		subs := s.subs
		s.subs = nil
		pc, local, started := s.pc, s.local, s.started
		s.mu.Unlock()

		close(s.done)
		for _, sub := range subs {
			sub.Cancel()
		}
		s.cancel()
		<-s.loopDone
		<-s.writerDone

		s.coord.hangup(s, reason)

		if pc != nil {
			if err := pc.Close(); err != nil {
				s.logger.Warnw("failed to close peer connection", "error", err)
			}
		}
		if local != nil {
			local.Stop()
		}
		s.remote = nil

		if started {
			s.coord.metrics.CallEnded(s.role, reason, s.coord.now().Sub(s.startedAt))
		}

		s.logger.Infow("call session ended", "reason", reason)

		if notify {
			ev := domain.Event{Type: domain.EventCallEnded, CallID: s.callID, Reason: reason}
			if reason.Unexpected() {
				ev.Message = "call ended unexpectedly"
			}
			s.coord.publish(ev)
			s.observer.sessionEnded(s.callID, reason)
		}
	})
}
