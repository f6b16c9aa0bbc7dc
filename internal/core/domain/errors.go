package domain

import "errors"

var (
	ErrMediaAccess           = errors.New("media access denied or device unavailable")
	ErrCallNotFound          = errors.New("call not found")
	ErrRecordNotFound        = errors.New("record not found")
	ErrRecordWrite           = errors.New("record write failed")
	ErrProtocolViolation     = errors.New("signaling protocol violation")
	ErrCallAlreadyInProgress = errors.New("call already in progress")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrCallAlreadyAnswered   = errors.New("call already answered")
	ErrNoActiveCall          = errors.New("no active call")
	ErrNoIncomingCall        = errors.New("no incoming call")
	ErrInvalidTransition     = errors.New("invalid call status transition")
	ErrSessionClosed         = errors.New("call session closed")
)
