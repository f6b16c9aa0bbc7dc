package domain

import (
	"fmt"
	"time"
)

type CallID string

type CallStatus string

const (
	CallStatusCalling  CallStatus = "calling"
	CallStatusActive   CallStatus = "active"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
)

// CanTransitionTo reports whether a record may move from s to next.
// Rejected and ended are terminal.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	switch s {
	case CallStatusCalling:
		return next == CallStatusActive || next == CallStatusRejected || next == CallStatusEnded
	case CallStatusActive:
		return next == CallStatusEnded
	default:
		return false
	}
}

func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

// RequireTransition returns a precondition for conditional record writes
// that fails with ErrInvalidTransition unless the stored status may move to
// next.
func RequireTransition(next CallStatus) func(Fields) error {
	return func(current Fields) error {
		raw, _ := current["status"].(string)
		from := CallStatus(raw)
		if from.CanTransitionTo(next) {
			return nil
		}
		if from.Terminal() {
			return fmt.Errorf("call already %s: %w", from, ErrInvalidTransition)
		}
		return fmt.Errorf("status %q cannot become %q: %w", from, next, ErrInvalidTransition)
	}
}

type CallType string

const (
	CallTypeVideo CallType = "video"
	CallTypeAudio CallType = "audio"
)

func (t CallType) Valid() bool {
	return t == CallTypeVideo || t == CallTypeAudio
}

type Role string

const (
	RoleCaller   Role = "caller"
	RoleAnswerer Role = "answerer"
)

const (
	CallsCollection            = "calls"
	OfferCandidatesCollection  = "offerCandidates"
	AnswerCandidatesCollection = "answerCandidates"
)

// CandidatesPath returns the child collection a role appends its own
// candidates to.
func CandidatesPath(callID CallID, role Role) string {
	name := OfferCandidatesCollection
	if role == RoleAnswerer {
		name = AnswerCandidatesCollection
	}
	return fmt.Sprintf("%s/%s/%s", CallsCollection, callID, name)
}

// RemoteCandidatesPath returns the collection holding the other side's candidates.
func RemoteCandidatesPath(callID CallID, role Role) string {
	if role == RoleCaller {
		return CandidatesPath(callID, RoleAnswerer)
	}
	return CandidatesPath(callID, RoleCaller)
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d SessionDescription) Equal(other SessionDescription) bool {
	return d.Type == other.Type && d.SDP == other.SDP
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type CallRecord struct {
	ID             CallID              `json:"-"`
	ConversationID ConversationID      `json:"conversationId"`
	Participants   []UserID            `json:"participants"`
	Offer          *SessionDescription `json:"offer,omitempty"`
	Answer         *SessionDescription `json:"answer,omitempty"`
	Status         CallStatus          `json:"status"`
	CallType       CallType            `json:"callType,omitempty"`
	CreatedAt      int64               `json:"createdAt"`
}

func NewCallRecord(conversationID ConversationID, caller UserID, callType CallType, offer SessionDescription, now time.Time) *CallRecord {
	return &CallRecord{
		ConversationID: conversationID,
		Participants:   []UserID{caller},
		Offer:          &offer,
		Status:         CallStatusCalling,
		CallType:       callType,
		CreatedAt:      now.UnixMilli(),
	}
}

func (c *CallRecord) HasParticipant(id UserID) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// CandidateRecord is one trickled candidate. CreatedAt is in nanoseconds so
// candidates gathered within the same millisecond keep their order.
type CandidateRecord struct {
	ICECandidate
	CreatedAt int64 `json:"createdAt"`
}

func NewCandidateRecord(c ICECandidate, now time.Time) *CandidateRecord {
	return &CandidateRecord{ICECandidate: c, CreatedAt: now.UnixNano()}
}
