package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/tracing"
	"chatcall/pkg/validation"

	"go.uber.org/zap"
)

type SignalingConfig struct {
	// CandidateBufferWindow is how long a remote candidate may wait for a
	// remote description before it counts as a protocol violation.
	CandidateBufferWindow time.Duration
	// ProtocolViolationBudget is the number of violations tolerated; the
	// next one ends the session.
	ProtocolViolationBudget int
	DisconnectGrace         time.Duration
	HangupWriteTimeout      time.Duration
}

func DefaultSignalingConfig() SignalingConfig {
	return SignalingConfig{
		CandidateBufferWindow:   10 * time.Second,
		ProtocolViolationBudget: 3,
		DisconnectGrace:         5 * time.Second,
		HangupWriteTimeout:      3 * time.Second,
	}
}

// SignalingCoordinator runs the offer/answer/candidate exchange for a
// session over the rendezvous store.
type SignalingCoordinator struct {
	store     ports.RendezvousStore
	localUser domain.UserID
	cfg       SignalingConfig
	metrics   ports.CallMetrics
	publisher ports.EventPublisher
	locker    ports.AnswerLocker
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewSignalingCoordinator(
	store ports.RendezvousStore,
	localUser domain.UserID,
	cfg SignalingConfig,
	metrics ports.CallMetrics,
	publisher ports.EventPublisher,
	logger *zap.SugaredLogger,
) *SignalingCoordinator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SignalingCoordinator{
		store:     store,
		localUser: localUser,
		cfg:       cfg,
		metrics:   metrics,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// UseAnswerLocker makes answerers on this node take l before reading and
// answering a call.
func (c *SignalingCoordinator) UseAnswerLocker(l ports.AnswerLocker) {
	c.locker = l
}

type answerPatch struct {
	Answer       *domain.SessionDescription `json:"answer"`
	Status       domain.CallStatus          `json:"status"`
	Participants []domain.UserID            `json:"participants"`
}

// startCaller publishes the offer and opens the caller's subscriptions.
// The call record with its offer is durable when it returns nil.
func (c *SignalingCoordinator) startCaller(ctx context.Context, s *session) error {
	ctx, span := tracing.TraceSignaling(ctx, "offer", string(s.callID), string(s.role))
	defer span.End()

	s.pc.OnICECandidate(s.onLocalCandidate)

	offer, err := s.pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	rec := domain.NewCallRecord(s.conversationID, c.localUser, s.callType, offer, c.now())
	fields, err := domain.ToFields(rec)
	if err != nil {
		return err
	}
	if err := c.store.SetRecord(ctx, domain.CallsCollection, string(s.callID), fields); err != nil {
		c.metrics.RecordWriteFailed("offer")
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: offer for call %s: %w", domain.ErrRecordWrite, s.callID, err)
	}
	s.lastStatus = domain.CallStatusCalling

	s.logger.Infow("call record created", "conversation_id", s.conversationID)

	if err := c.subscribe(s, ports.Query{Collection: domain.CallsCollection, ID: string(s.callID)}, evCallRecord); err != nil {
		return err
	}
	return c.subscribe(s, candidateQuery(s), evRemoteCandidates)
}

// startAnswerer applies the stored offer, writes the answer and opens the
// answerer's subscriptions.
func (c *SignalingCoordinator) startAnswerer(ctx context.Context, s *session) error {
	ctx, span := tracing.TraceSignaling(ctx, "answer", string(s.callID), string(s.role))
	defer span.End()

	s.pc.OnICECandidate(s.onLocalCandidate)

	if c.locker != nil {
		release, err := c.locker.LockAnswer(ctx, s.callID)
		if err != nil {
			return err
		}
		defer release()
	}

	r, err := c.store.GetRecord(ctx, domain.CallsCollection, string(s.callID))
	if errors.Is(err, domain.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, s.callID)
	}
	if err != nil {
		return fmt.Errorf("failed to read call %s: %w", s.callID, err)
	}

	var call domain.CallRecord
	if err := r.Fields.Decode(&call); err != nil {
		return fmt.Errorf("%w: call %s: %w", domain.ErrProtocolViolation, s.callID, err)
	}
	if call.Answer != nil {
		return fmt.Errorf("%w: %s", domain.ErrCallAlreadyAnswered, s.callID)
	}
	if call.Status != domain.CallStatusCalling {
		return fmt.Errorf("%w: call %s is %s", domain.ErrCallNotFound, s.callID, call.Status)
	}
	if call.Offer == nil {
		return fmt.Errorf("%w: call %s has no offer", domain.ErrProtocolViolation, s.callID)
	}
	if err := validation.ValidateSessionDescription(call.Offer.Type, call.Offer.SDP, "offer"); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrProtocolViolation, err)
	}
	s.conversationID = call.ConversationID

	if err := s.pc.SetRemoteDescription(*call.Offer); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	participants := call.Participants
	if !call.HasParticipant(c.localUser) {
		participants = append(participants, c.localUser)
	}
	patch, err := domain.ToFields(answerPatch{Answer: &answer, Status: domain.CallStatusActive, Participants: participants})
	if err != nil {
		return err
	}
	if err := c.store.UpdateRecord(ctx, domain.CallsCollection, string(s.callID), patch); err != nil {
		c.metrics.RecordWriteFailed("answer")
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: answer for call %s: %w", domain.ErrRecordWrite, s.callID, err)
	}
	s.lastStatus = domain.CallStatusActive

	s.logger.Infow("call answered", "conversation_id", s.conversationID)

	if err := c.subscribe(s, ports.Query{Collection: domain.CallsCollection, ID: string(s.callID)}, evCallRecord); err != nil {
		return err
	}
	return c.subscribe(s, candidateQuery(s), evRemoteCandidates)
}

func candidateQuery(s *session) ports.Query {
	return ports.Query{
		Collection: domain.RemoteCandidatesPath(s.callID, s.role),
		OrderBy:    "createdAt",
	}
}

func (c *SignalingCoordinator) subscribe(s *session, q ports.Query, kind sessionEventKind) error {
	sub, err := c.store.Subscribe(s.ctx, q, func(snap ports.Snapshot) {
		s.post(sessionEvent{kind: kind, snapshot: snap})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", q.Collection, err)
	}
	s.addSubscription(sub)
	return nil
}

func (c *SignalingCoordinator) handleCallRecord(s *session, snap ports.Snapshot) {
	if len(snap.Records) == 0 {
		return
	}

	var call domain.CallRecord
	if err := snap.Records[0].Fields.Decode(&call); err != nil {
		s.logger.Warnw("undecodable call record", "error", err)
		return
	}
	if call.Status != "" {
		s.lastStatus = call.Status
	}

	switch call.Status {
	case domain.CallStatusEnded:
		s.logger.Infow("remote side ended the call")
		s.requestEnd(domain.EndReasonRemoteHangup)
		return
	case domain.CallStatusRejected:
		if s.role == domain.RoleCaller && !s.rejected {
			s.rejected = true
			s.logger.Infow("call rejected by remote side")
			c.publish(domain.Event{Type: domain.EventCallRejected, CallID: s.callID})
			s.observer.callRejected(s.callID)
		}
		return
	}

	if s.role == domain.RoleCaller && call.Answer != nil {
		c.applyAnswer(s, *call.Answer)
	}
}

// applyAnswer sets the remote description at most once. Repeated
// deliveries of the same answer are ignored.
func (c *SignalingCoordinator) applyAnswer(s *session, answer domain.SessionDescription) {
	if s.answer != nil {
		if !s.answer.Equal(answer) {
			c.violation(s, fmt.Errorf("%w: call %s answered twice with different descriptions", domain.ErrProtocolViolation, s.callID))
		}
		return
	}
	if s.pc.RemoteDescriptionSet() {
		c.violation(s, fmt.Errorf("%w: remote description already set", domain.ErrProtocolViolation))
		return
	}
	if err := validation.ValidateSessionDescription(answer.Type, answer.SDP, "answer"); err != nil {
		c.violation(s, fmt.Errorf("%w: %w", domain.ErrProtocolViolation, err))
		return
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		c.violation(s, fmt.Errorf("%w: failed to apply answer: %w", domain.ErrProtocolViolation, err))
		return
	}

	s.answer = &answer
	c.flushCandidates(s)

	s.logger.Infow("remote answer applied")
	c.publish(domain.Event{Type: domain.EventCallAnswered, CallID: s.callID})
	s.observer.callAnswered(s.callID)
}

func (c *SignalingCoordinator) handleRemoteCandidates(s *session, snap ports.Snapshot) {
	for _, change := range snap.Changes {
		if change.Type != ports.ChangeAdded {
			continue
		}
		if _, seen := s.applied[change.Record.ID]; seen {
			continue
		}
		s.applied[change.Record.ID] = struct{}{}

		var rec domain.CandidateRecord
		if err := change.Record.Fields.Decode(&rec); err != nil {
			s.logger.Warnw("undecodable candidate record", "record_id", change.Record.ID, "error", err)
			continue
		}

		if !s.pc.RemoteDescriptionSet() {
			s.buffer.Add(rec.ICECandidate, c.now())
			continue
		}
		c.addCandidate(s, rec.ICECandidate, false)
	}
}

func (c *SignalingCoordinator) addCandidate(s *session, cand domain.ICECandidate, buffered bool) {
	if err := s.pc.AddICECandidate(cand); err != nil {
		s.logger.Warnw("failed to add remote candidate", "candidate", cand.Candidate, "error", err)
		return
	}
	c.metrics.CandidateApplied(s.role, buffered)
}

func (c *SignalingCoordinator) flushCandidates(s *session) {
	for _, cand := range s.buffer.Flush() {
		c.addCandidate(s, cand, true)
	}
}

func (c *SignalingCoordinator) checkBuffer(s *session, now time.Time) {
	if s.buffer.Len() == 0 || s.pc.RemoteDescriptionSet() {
		return
	}
	if n := s.buffer.Overdue(now); n > 0 {
		c.violation(s, fmt.Errorf("%w: %d candidates waited %s without a remote description",
			domain.ErrProtocolViolation, n, c.cfg.CandidateBufferWindow))
	}
}

func (c *SignalingCoordinator) violation(s *session, err error) {
	s.violations++
	c.metrics.ProtocolViolation(s.role)
	s.logger.Warnw("signaling protocol violation",
		"error", err,
		"count", s.violations,
		"budget", c.cfg.ProtocolViolationBudget,
	)
	c.publish(domain.Event{Type: domain.EventWarning, CallID: s.callID, Message: err.Error()})

	if s.violations > c.cfg.ProtocolViolationBudget {
		s.requestEnd(domain.EndReasonProtocol)
	}
}

// appendCandidate writes one local candidate. Failures are logged only;
// the remaining candidates may still produce a route.
func (c *SignalingCoordinator) appendCandidate(s *session, rec domain.CandidateRecord) {
	fields, err := domain.ToFields(rec)
	if err != nil {
		s.logger.Warnw("failed to encode candidate", "error", err)
		return
	}
	if _, err := c.store.CreateRecord(s.ctx, domain.CandidatesPath(s.callID, s.role), fields); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		c.metrics.RecordWriteFailed("candidate")
		s.logger.Warnw("failed to append candidate",
			"error", fmt.Errorf("%w: %w", domain.ErrRecordWrite, err),
		)
		return
	}
	c.metrics.CandidateSent(s.role)
}

// hangup marks the record ended when the local side leaves a call that is
// still live. The write is fire-and-forget.
func (c *SignalingCoordinator) hangup(s *session, reason domain.EndReason) {
	if reason == domain.EndReasonRemoteHangup || !s.lastStatus.CanTransitionTo(domain.CallStatusEnded) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HangupWriteTimeout)
		defer cancel()

		err := c.store.UpdateRecordIf(ctx, domain.CallsCollection, string(s.callID), domain.Fields{
			"status": string(domain.CallStatusEnded),
		}, domain.RequireTransition(domain.CallStatusEnded))
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Debugw("call already settled", "reason", err)
			return
		}
		if err != nil {
			c.metrics.RecordWriteFailed("hangup")
			s.logger.Warnw("failed to mark call ended", "error", err)
			c.publish(domain.Event{Type: domain.EventWarning, CallID: s.callID, Message: "failed to mark call ended"})
		}
	}()
}

func (c *SignalingCoordinator) publish(ev domain.Event) {
	if c.publisher != nil {
		c.publisher.Publish(ev)
	}
}

type noopMetrics struct{}

func (noopMetrics) CallStarted(domain.Role, domain.CallType)               {}
func (noopMetrics) CallConnected(domain.Role, time.Duration)               {}
func (noopMetrics) CallEnded(domain.Role, domain.EndReason, time.Duration) {}
func (noopMetrics) CandidateSent(domain.Role)                              {}
func (noopMetrics) CandidateApplied(domain.Role, bool)                     {}
func (noopMetrics) RecordWriteFailed(string)                               {}
func (noopMetrics) ProtocolViolation(domain.Role)                          {}
func (noopMetrics) IncomingCall()                                          {}
