package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/cache"
	"chatcall/pkg/utils"
	"chatcall/pkg/validation"

	"go.uber.org/zap"
)

const handledTTL = 10 * time.Minute

type WatcherConfig struct {
	RejectWriteTimeout time.Duration
}

// incomingCallWatcher raises one notification for calls arriving in the
// conversation currently open. Calls already accepted or rejected here are
// not raised again.
type incomingCallWatcher struct {
	store      ports.RendezvousStore
	localUser  domain.UserID
	controller ports.CallController
	publisher  ports.EventPublisher
	metrics    ports.CallMetrics
	handled    *cache.Cache
	cfg        WatcherConfig
	logger     *zap.SugaredLogger

	mu             sync.Mutex
	sub            ports.Subscription
	conversationID domain.ConversationID
	generation     uint64
	pending        *domain.IncomingCall
}

func NewIncomingCallWatcher(
	store ports.RendezvousStore,
	localUser domain.UserID,
	controller ports.CallController,
	publisher ports.EventPublisher,
	metrics ports.CallMetrics,
	cfg WatcherConfig,
	logger *zap.SugaredLogger,
) ports.IncomingCallWatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.RejectWriteTimeout <= 0 {
		cfg.RejectWriteTimeout = 5 * time.Second
	}
	return &incomingCallWatcher{
		store:      store,
		localUser:  localUser,
		controller: controller,
		publisher:  publisher,
		metrics:    metrics,
		handled:    cache.NewCache(handledTTL),
		cfg:        cfg,
		logger:     logger,
	}
}

// Watch scopes notifications to conversationID, replacing any previous
// scope.
func (w *incomingCallWatcher) Watch(ctx context.Context, conversationID domain.ConversationID) error {
	if err := validation.ValidateConversationID(string(conversationID)); err != nil {
		return err
	}

	w.mu.Lock()
	if w.sub != nil && w.conversationID == conversationID {
		w.mu.Unlock()
		return nil
	}
	old := w.sub
	w.sub = nil
	w.generation++
	gen := w.generation
	w.conversationID = conversationID
	cleared := w.clearPendingLocked()
	w.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	if cleared != nil {
		w.publish(domain.Event{Type: domain.EventIncomingCleared, CallID: cleared.CallID})
	}

	q := ports.Query{Collection: domain.CallsCollection, OrderBy: "createdAt"}.
		Where("conversationId", ports.OpEqual, string(conversationID)).
		Where("status", ports.OpEqual, string(domain.CallStatusCalling))

	sub, err := w.store.Subscribe(context.WithoutCancel(ctx), q, func(snap ports.Snapshot) {
		w.handle(gen, snap)
	})
	if err != nil {
		return fmt.Errorf("failed to watch conversation %s: %w", conversationID, err)
	}

	w.mu.Lock()
	if w.generation != gen {
		w.mu.Unlock()
		sub.Cancel()
		return nil
	}
	w.sub = sub
	w.mu.Unlock()

	w.logger.Infow("watching for incoming calls", "conversation_id", conversationID)
	return nil
}

// Stop cancels the subscription. Safe to call when not watching.
func (w *incomingCallWatcher) Stop() {
	w.mu.Lock()
	old := w.sub
	w.sub = nil
	w.generation++
	w.conversationID = ""
	cleared := w.clearPendingLocked()
	w.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	if cleared != nil {
		w.publish(domain.Event{Type: domain.EventIncomingCleared, CallID: cleared.CallID})
	}
}

func (w *incomingCallWatcher) handle(gen uint64, snap ports.Snapshot) {
	for _, change := range snap.Changes {
		switch change.Type {
		case ports.ChangeAdded:
			w.handleAdded(gen, change.Record)
		case ports.ChangeRemoved:
			w.handleRemoved(gen, change.Record)
		}
	}
}

func (w *incomingCallWatcher) handleAdded(gen uint64, r ports.Record) {
	var call domain.CallRecord
	if err := r.Fields.Decode(&call); err != nil {
		w.logger.Warnw("undecodable call record", "record_id", r.ID, "error", err)
		return
	}
	call.ID = domain.CallID(r.ID)

	if call.HasParticipant(w.localUser) || call.Status != domain.CallStatusCalling {
		return
	}

	w.mu.Lock()
	if w.generation != gen {
		w.mu.Unlock()
		return
	}
	if _, handled := w.handled.Get(r.ID); handled || (w.pending != nil && w.pending.CallID == call.ID) {
		w.mu.Unlock()
		return
	}
	incoming := &domain.IncomingCall{
		CallID:         call.ID,
		ConversationID: call.ConversationID,
		CallType:       call.CallType,
	}
	if len(call.Participants) > 0 {
		incoming.From = call.Participants[0]
	}
	w.pending = incoming
	w.mu.Unlock()

	w.metrics.IncomingCall()
	w.logger.Infow("incoming call",
		"call_id", incoming.CallID,
		"conversation_id", incoming.ConversationID,
		"from", incoming.From,
		"created_at", utils.UnixMilliToTime(call.CreatedAt),
	)
	copied := *incoming
	w.publish(domain.Event{Type: domain.EventIncomingCall, CallID: incoming.CallID, Incoming: &copied})
}

// handleRemoved clears the notification when the caller hung up before it
// was answered.
func (w *incomingCallWatcher) handleRemoved(gen uint64, r ports.Record) {
	w.mu.Lock()
	if w.generation != gen || w.pending == nil || string(w.pending.CallID) != r.ID {
		w.mu.Unlock()
		return
	}
	w.pending = nil
	w.mu.Unlock()

	w.publish(domain.Event{Type: domain.EventIncomingCleared, CallID: domain.CallID(r.ID)})
}

func (w *incomingCallWatcher) Pending() *domain.IncomingCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return nil
	}
	p := *w.pending
	return &p
}

// Accept clears the notification and joins the call.
func (w *incomingCallWatcher) Accept(ctx context.Context) (domain.CallID, error) {
	p := w.takePending()
	if p == nil {
		return "", domain.ErrNoIncomingCall
	}
	w.publish(domain.Event{Type: domain.EventIncomingCleared, CallID: p.CallID})

	if err := w.controller.AcceptCall(ctx, p.CallID, p.CallType); err != nil {
		return p.CallID, err
	}
	return p.CallID, nil
}

// Reject clears the notification and marks the call rejected without
// waiting for the write. A call that was answered or ended meanwhile keeps
// its status. A failed write is published as a warning.
func (w *incomingCallWatcher) Reject(ctx context.Context) error {
	p := w.takePending()
	if p == nil {
		return domain.ErrNoIncomingCall
	}
	w.publish(domain.Event{Type: domain.EventIncomingCleared, CallID: p.CallID})

	go func() {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RejectWriteTimeout)
		defer cancel()

		err := w.store.UpdateRecordIf(writeCtx, domain.CallsCollection, string(p.CallID), domain.Fields{
			"status": string(domain.CallStatusRejected),
		}, domain.RequireTransition(domain.CallStatusRejected))
		if errors.Is(err, domain.ErrInvalidTransition) {
			w.logger.Infow("call settled before reject", "call_id", p.CallID, "reason", err)
			return
		}
		if err != nil {
			w.metrics.RecordWriteFailed("reject")
			w.logger.Warnw("failed to reject call", "call_id", p.CallID, "error", err)
			w.publish(domain.Event{
				Type:    domain.EventWarning,
				CallID:  p.CallID,
				Message: fmt.Sprintf("failed to reject call: %v", err),
			})
			return
		}
		w.logger.Infow("call rejected", "call_id", p.CallID)
	}()
	return nil
}

// takePending clears the notification and marks its call handled.
func (w *incomingCallWatcher) takePending() *domain.IncomingCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.clearPendingLocked()
	if p != nil {
		w.handled.Set(string(p.CallID), struct{}{})
	}
	return p
}

func (w *incomingCallWatcher) clearPendingLocked() *domain.IncomingCall {
	p := w.pending
	w.pending = nil
	return p
}

func (w *incomingCallWatcher) publish(ev domain.Event) {
	if w.publisher != nil {
		w.publisher.Publish(ev)
	}
}
