package domain

import "time"

type CallPhase string

const (
	PhaseIdle     CallPhase = "idle"
	PhaseStarting CallPhase = "starting"
	PhaseJoining  CallPhase = "joining"
	PhaseActive   CallPhase = "active"
)

type EndReason string

const (
	EndReasonLocalHangup      EndReason = "local_hangup"
	EndReasonRemoteHangup     EndReason = "remote_hangup"
	EndReasonConnectionFailed EndReason = "connection_failed"
	EndReasonRingTimeout      EndReason = "ring_timeout"
	EndReasonProtocol         EndReason = "protocol_violation"
	EndReasonSetupFailed      EndReason = "setup_failed"
)

// Unexpected reports whether the user should be told the call dropped.
func (r EndReason) Unexpected() bool {
	return r == EndReasonConnectionFailed || r == EndReasonProtocol
}

// Err maps an unexpected end to its error. Orderly ends map to nil.
func (r EndReason) Err() error {
	switch r {
	case EndReasonConnectionFailed:
		return ErrConnectionFailed
	case EndReasonProtocol:
		return ErrProtocolViolation
	default:
		return nil
	}
}

// CallState is the controller's single source of truth, published to the UI.
type CallState struct {
	Phase          CallPhase       `json:"phase"`
	CallID         CallID          `json:"call_id,omitempty"`
	ConversationID ConversationID  `json:"conversation_id,omitempty"`
	CallType       CallType        `json:"call_type,omitempty"`
	Role           Role            `json:"role,omitempty"`
	Minimized      bool            `json:"minimized"`
	AudioEnabled   bool            `json:"audio_enabled"`
	VideoEnabled   bool            `json:"video_enabled"`
	Connection     ConnectionState `json:"connection,omitempty"`
}

func (s CallState) Active() bool {
	return s.Phase != PhaseIdle
}

type IncomingCall struct {
	CallID         CallID         `json:"call_id"`
	ConversationID ConversationID `json:"conversation_id"`
	CallType       CallType       `json:"call_type,omitempty"`
	From           UserID         `json:"from,omitempty"`
}

type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventIncomingCall    EventType = "incoming_call"
	EventIncomingCleared EventType = "incoming_cleared"
	EventLocalStream     EventType = "local_stream"
	EventRemoteStream    EventType = "remote_stream"
	EventCallAnswered    EventType = "call_answered"
	EventCallRejected    EventType = "call_rejected"
	EventCallEnded       EventType = "call_ended"
	EventConnectionState EventType = "connection_state"
	EventWarning         EventType = "warning"
)

// Event is a notification for the presentation layer.
type Event struct {
	Type       EventType       `json:"type"`
	CallID     CallID          `json:"call_id,omitempty"`
	State      *CallState      `json:"state,omitempty"`
	Incoming   *IncomingCall   `json:"incoming,omitempty"`
	Stream     *RemoteStream   `json:"stream,omitempty"`
	Connection ConnectionState `json:"connection,omitempty"`
	Reason     EndReason       `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
