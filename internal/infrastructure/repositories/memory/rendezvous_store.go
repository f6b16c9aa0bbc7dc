package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/utils"
)

type entry struct {
	seq    int64
	fields domain.Fields
}

type collection struct {
	records map[string]*entry
}

// MemoryRendezvousStore is an in-process rendezvous store. Two controllers
// sharing one instance can complete a full call exchange.
type MemoryRendezvousStore struct {
	collections map[string]*collection
	subs        map[uint64]*subscription
	answering   map[domain.CallID]struct{}
	seq         int64
	nextSubID   uint64
	mu          sync.Mutex
}

func NewMemoryRendezvousStore() *MemoryRendezvousStore {
	return &MemoryRendezvousStore{
		collections: make(map[string]*collection),
		subs:        make(map[uint64]*subscription),
		answering:   make(map[domain.CallID]struct{}),
	}
}

func (s *MemoryRendezvousStore) CreateRecord(ctx context.Context, name string, fields domain.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := utils.NewRecordID()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(name, id, fields.Clone())
	return id, nil
}

func (s *MemoryRendezvousStore) SetRecord(ctx context.Context, name, id string, fields domain.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(name, id, fields.Clone())
	return nil
}

func (s *MemoryRendezvousStore) UpdateRecord(ctx context.Context, name, id string, fields domain.Fields) error {
	return s.UpdateRecordIf(ctx, name, id, fields, nil)
}

func (s *MemoryRendezvousStore) UpdateRecordIf(ctx context.Context, name, id string, fields domain.Fields, cond ports.Precondition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%s/%s: %w", name, id, domain.ErrRecordNotFound)
	}
	e, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", name, id, domain.ErrRecordNotFound)
	}
	if cond != nil {
		if err := cond(e.fields.Clone()); err != nil {
			return err
		}
	}

	s.put(name, id, e.fields.Merge(fields.Clone()))
	return nil
}

func (s *MemoryRendezvousStore) GetRecord(ctx context.Context, name, id string) (*ports.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		if e, ok := c.records[id]; ok {
			return &ports.Record{ID: id, Fields: e.fields.Clone()}, nil
		}
	}
	return nil, fmt.Errorf("%s/%s: %w", name, id, domain.ErrRecordNotFound)
}

// Subscribe registers handler for q. The first delivery carries every current
// match as added; later deliveries carry one change per write, in write order.
func (s *MemoryRendezvousStore) Subscribe(ctx context.Context, q ports.Query, handler func(ports.Snapshot)) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextSubID++
	sub := newSubscription(s.nextSubID, q, handler)
	s.subs[sub.id] = sub

	initial := s.matches(q)
	changes := make([]ports.Change, 0, len(initial))
	for _, r := range initial {
		sub.members[r.ID] = struct{}{}
		changes = append(changes, ports.Change{Type: ports.ChangeAdded, Record: r})
	}
	sub.enqueue(ports.Snapshot{Records: initial, Changes: changes})
	s.mu.Unlock()

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			s.cancel(sub)
		case <-sub.done:
		}
	}()

	return ports.SubscriptionFunc(func() { s.cancel(sub) }), nil
}

func (s *MemoryRendezvousStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// LockAnswer lets one answerer at a time work on a call.
func (s *MemoryRendezvousStore) LockAnswer(ctx context.Context, callID domain.CallID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.answering[callID]; busy {
		return nil, fmt.Errorf("%w: %s is being answered", domain.ErrCallAlreadyAnswered, callID)
	}
	s.answering[callID] = struct{}{}

	return func() {
		s.mu.Lock()
		delete(s.answering, callID)
		s.mu.Unlock()
	}, nil
}

// Close cancels every open subscription.
func (s *MemoryRendezvousStore) Close() error {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.cancel(sub)
	}
	return nil
}

// Count returns the number of records in a collection.
func (s *MemoryRendezvousStore) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return len(c.records)
	}
	return 0
}

func (s *MemoryRendezvousStore) cancel(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()

	sub.stop()
}

// put must be called with s.mu held.
func (s *MemoryRendezvousStore) put(name, id string, fields domain.Fields) {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{records: make(map[string]*entry)}
		s.collections[name] = c
	}

	e, exists := c.records[id]
	if !exists {
		s.seq++
		e = &entry{seq: s.seq}
		c.records[id] = e
	}
	e.fields = fields

	record := ports.Record{ID: id, Fields: fields}
	for _, sub := range s.subs {
		if sub.query.Collection != name {
			continue
		}
		_, wasMember := sub.members[id]
		isMember := sub.query.Matches(record)

		var change ports.Change
		switch {
		case isMember && wasMember:
			change = ports.Change{Type: ports.ChangeModified, Record: record.Clone()}
		case isMember:
			sub.members[id] = struct{}{}
			change = ports.Change{Type: ports.ChangeAdded, Record: record.Clone()}
		case wasMember:
			delete(sub.members, id)
			change = ports.Change{Type: ports.ChangeRemoved, Record: record.Clone()}
		default:
			continue
		}

		sub.enqueue(ports.Snapshot{
			Records: s.matches(sub.query),
			Changes: []ports.Change{change},
		})
	}
}

// matches must be called with s.mu held.
func (s *MemoryRendezvousStore) matches(q ports.Query) []ports.Record {
	c, ok := s.collections[q.Collection]
	if !ok {
		return []ports.Record{}
	}

	type seqRecord struct {
		seq    int64
		record ports.Record
	}
	found := make([]seqRecord, 0, len(c.records))
	for id, e := range c.records {
		r := ports.Record{ID: id, Fields: e.fields}
		if q.Matches(r) {
			found = append(found, seqRecord{seq: e.seq, record: r})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	records := make([]ports.Record, len(found))
	for i, f := range found {
		records[i] = f.record.Clone()
	}
	q.Sort(records)
	return records
}
