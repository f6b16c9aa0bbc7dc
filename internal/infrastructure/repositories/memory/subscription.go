package memory

import (
	"sync"

	"chatcall/internal/core/ports"
)

// subscription delivers snapshots to its handler from a dedicated goroutine so
// that writers never block on slow handlers.
type subscription struct {
	id      uint64
	query   ports.Query
	handler func(ports.Snapshot)
	// members is guarded by the store mutex.
	members map[string]struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []ports.Snapshot
	closed  bool
	done    chan struct{}
	stopped sync.Once
}

func newSubscription(id uint64, q ports.Query, handler func(ports.Snapshot)) *subscription {
	sub := &subscription{
		id:      id,
		query:   q,
		handler: handler,
		members: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (s *subscription) enqueue(snap ports.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.queue = append(s.queue, snap)
	s.cond.Signal()
}

func (s *subscription) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		snap := s.queue[0]
		s.queue[0] = ports.Snapshot{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(snap)
	}
}

// stop waits for an in-flight handler call to return.
func (s *subscription) stop() {
	s.stopped.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	<-s.done
}
