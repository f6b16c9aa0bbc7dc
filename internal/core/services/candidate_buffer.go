package services

import (
	"time"

	"chatcall/internal/core/domain"
)

type pendingCandidate struct {
	candidate  domain.ICECandidate
	receivedAt time.Time
	reported   bool
}

// candidateBuffer holds remote candidates that arrived before the remote
// description. It is owned by the session goroutine.
type candidateBuffer struct {
	pending []pendingCandidate
	window  time.Duration
}

func newCandidateBuffer(window time.Duration) *candidateBuffer {
	return &candidateBuffer{window: window}
}

func (b *candidateBuffer) Add(c domain.ICECandidate, now time.Time) {
	b.pending = append(b.pending, pendingCandidate{candidate: c, receivedAt: now})
}

func (b *candidateBuffer) Len() int {
	return len(b.pending)
}

// Flush returns every queued candidate in arrival order and empties the
// buffer.
func (b *candidateBuffer) Flush() []domain.ICECandidate {
	if len(b.pending) == 0 {
		return nil
	}
	out := make([]domain.ICECandidate, len(b.pending))
	for i, p := range b.pending {
		out[i] = p.candidate
	}
	b.pending = nil
	return out
}

// Overdue reports how many candidates have waited longer than the window
// and were not reported before. Each candidate is reported at most once.
func (b *candidateBuffer) Overdue(now time.Time) int {
	n := 0
	for i := range b.pending {
		p := &b.pending[i]
		if p.reported || now.Sub(p.receivedAt) < b.window {
			continue
		}
		p.reported = true
		n++
	}
	return n
}
