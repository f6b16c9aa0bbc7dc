package ports

import (
	"context"
	"time"

	"chatcall/internal/core/domain"
)

type CallController interface {
	StartCall(ctx context.Context, conversationID domain.ConversationID, callType domain.CallType) (domain.CallID, error)
	AcceptCall(ctx context.Context, callID domain.CallID, callType domain.CallType) error
	EndCall()
	SetMinimized(minimized bool)
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	State() domain.CallState
}

type IncomingCallWatcher interface {
	Watch(ctx context.Context, conversationID domain.ConversationID) error
	Stop()
	Pending() *domain.IncomingCall
	Accept(ctx context.Context) (domain.CallID, error)
	Reject(ctx context.Context) error
}

type EventPublisher interface {
	Publish(event domain.Event)
}

type EventSource interface {
	Subscribe() (<-chan domain.Event, func())
}

// CallMetrics receives call lifecycle observations.
type CallMetrics interface {
	CallStarted(role domain.Role, callType domain.CallType)
	CallConnected(role domain.Role, setup time.Duration)
	CallEnded(role domain.Role, reason domain.EndReason, duration time.Duration)
	CandidateSent(role domain.Role)
	CandidateApplied(role domain.Role, buffered bool)
	RecordWriteFailed(kind string)
	ProtocolViolation(role domain.Role)
	IncomingCall()
}
