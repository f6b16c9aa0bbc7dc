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

type ControllerConfig struct {
	// MaxRingDuration ends an unanswered outgoing call. Zero rings until the
	// call is ended explicitly.
	MaxRingDuration time.Duration
}

// callActivationController is the single source of truth for whether a call
// is active. Its mutex is never held while calling into the session
// manager, whose callbacks take it.
type callActivationController struct {
	manager   *MediaSessionManager
	publisher ports.EventPublisher
	cfg       ControllerConfig
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	state     domain.CallState
	attempt   uint64
	bound     domain.CallID // session the current attempt owns
	ringTimer *time.Timer
}

func NewCallActivationController(
	manager *MediaSessionManager,
	publisher ports.EventPublisher,
	cfg ControllerConfig,
	logger *zap.SugaredLogger,
) ports.CallController {
	c := &callActivationController{
		manager:   manager,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		state:     domain.CallState{Phase: domain.PhaseIdle},
	}
	manager.setObserver(c)
	return c
}

func (c *callActivationController) StartCall(ctx context.Context, conversationID domain.ConversationID, callType domain.CallType) (domain.CallID, error) {
	callID := NewCallID()
	attempt, err := c.reserve(domain.PhaseStarting, domain.RoleCaller, callID, conversationID, callType)
	if err != nil {
		return "", err
	}

	err = c.manager.StartAsCaller(ctx, callID, conversationID, callType)

	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return "", c.abandon(callID, err)
	}
	defer c.mu.Unlock()

	if err != nil {
		c.logger.Warnw("failed to start call",
			"conversation_id", conversationID,
			"error", err,
		)
		c.resetLocked()
		return "", err
	}

	c.state.CallID = callID
	if c.state.Phase == domain.PhaseStarting && c.cfg.MaxRingDuration > 0 {
		c.ringTimer = time.AfterFunc(c.cfg.MaxRingDuration, func() { c.ringExpired(attempt) })
	}
	c.publishStateLocked()
	return callID, nil
}

func (c *callActivationController) AcceptCall(ctx context.Context, callID domain.CallID, callType domain.CallType) error {
	attempt, err := c.reserve(domain.PhaseJoining, domain.RoleAnswerer, callID, "", callType)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.state.CallID = callID
	c.mu.Unlock()

	err = c.manager.StartAsAnswerer(ctx, callID, callType)

	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return c.abandon(callID, err)
	}
	defer c.mu.Unlock()

	if err != nil {
		c.logger.Warnw("failed to join call",
			"call_id", callID,
			"error", err,
		)
		c.resetLocked()
		return err
	}

	c.state.Phase = domain.PhaseActive
	c.publishStateLocked()
	return nil
}

// abandon tears down a session whose setup completed after the controller
// moved on. Must be called without c.mu held.
func (c *callActivationController) abandon(callID domain.CallID, err error) error {
	if err != nil {
		return err
	}
	c.logger.Infow("discarding call that ended during setup", "call_id", callID)
	c.manager.EndCall(callID, domain.EndReasonSetupFailed)
	return fmt.Errorf("call %s ended during setup: %w", callID, domain.ErrSessionClosed)
}

// reserve moves Idle to Starting or Joining, rejecting any request while a
// call is already in flight.
func (c *callActivationController) reserve(phase domain.CallPhase, role domain.Role, callID domain.CallID, conversationID domain.ConversationID, callType domain.CallType) (uint64, error) {
	if !callType.Valid() {
		callType = domain.CallTypeVideo
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != domain.PhaseIdle {
		return 0, domain.ErrCallAlreadyInProgress
	}

	c.attempt++
	c.bound = callID
	c.state = domain.CallState{
		Phase:          phase,
		ConversationID: conversationID,
		CallType:       callType,
		Role:           role,
		AudioEnabled:   true,
		VideoEnabled:   callType == domain.CallTypeVideo,
		Connection:     domain.ConnectionStateNew,
	}
	c.publishStateLocked()
	return c.attempt, nil
}

// EndCall hangs up. It never fails and is a no-op when idle.
func (c *callActivationController) EndCall() {
	c.mu.Lock()
	if c.state.Phase == domain.PhaseIdle {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.mu.Unlock()

	c.manager.End(domain.EndReasonLocalHangup)
}

func (c *callActivationController) ringExpired(attempt uint64) {
	c.mu.Lock()
	if c.attempt != attempt || c.state.Phase != domain.PhaseStarting {
		c.mu.Unlock()
		return
	}
	callID := c.state.CallID
	c.resetLocked()
	c.mu.Unlock()

	c.logger.Infow("outgoing call was not answered in time",
		"call_id", callID,
		"max_ring_duration", c.cfg.MaxRingDuration,
	)
	c.manager.EndCall(callID, domain.EndReasonRingTimeout)
}

func (c *callActivationController) SetMinimized(minimized bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == domain.PhaseIdle || c.state.Minimized == minimized {
		return
	}
	c.state.Minimized = minimized
	c.publishStateLocked()
}

func (c *callActivationController) SetAudioEnabled(enabled bool) error {
	if err := c.manager.SetAudioEnabled(enabled); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.AudioEnabled = enabled
	c.publishStateLocked()
	return nil
}

func (c *callActivationController) SetVideoEnabled(enabled bool) error {
	if err := c.manager.SetVideoEnabled(enabled); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CallType == domain.CallTypeVideo {
		c.state.VideoEnabled = enabled
	}
	c.publishStateLocked()
	return nil
}

func (c *callActivationController) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// sessionObserver

func (c *callActivationController) callAnswered(callID domain.CallID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != domain.PhaseStarting || !c.matchesLocked(callID) {
		return
	}
	c.stopRingLocked()
	c.state.Phase = domain.PhaseActive
	c.publishStateLocked()
}

func (c *callActivationController) callRejected(callID domain.CallID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// the caller stays in Starting until it hangs up
	if c.matchesLocked(callID) {
		c.stopRingLocked()
	}
}

func (c *callActivationController) connectionChanged(callID domain.CallID, state domain.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == domain.PhaseIdle || !c.matchesLocked(callID) {
		return
	}
	c.state.Connection = state
	c.publishStateLocked()
}

func (c *callActivationController) sessionEnded(callID domain.CallID, reason domain.EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == domain.PhaseIdle || !c.matchesLocked(callID) {
		return
	}
	c.logger.Infow("call ended", "call_id", callID, "reason", reason)
	c.resetLocked()
}

func (c *callActivationController) matchesLocked(callID domain.CallID) bool {
	return c.bound != "" && c.bound == callID
}

func (c *callActivationController) stopRingLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *callActivationController) resetLocked() {
	c.stopRingLocked()
	c.attempt++
	c.bound = ""
	c.state = domain.CallState{Phase: domain.PhaseIdle}
	c.publishStateLocked()
}

func (c *callActivationController) publishStateLocked() {
	if c.publisher == nil {
		return
	}
	state := c.state
	c.publisher.Publish(domain.Event{Type: domain.EventStateChanged, CallID: state.CallID, State: &state})
}
