package redis

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const feedReadCount = 100

type member struct {
	seq    int64
	raw    string
	record ports.Record
}

// feed turns the per-collection change stream into query snapshots. It reads
// the stream tail before loading the collection, so a write racing with the
// initial load shows up in both places; members remembers the raw JSON last
// delivered per record and drops those duplicates.
type feed struct {
	store   *RedisRendezvousStore
	query   ports.Query
	handler func(ports.Snapshot)
	lastID  string
	members map[string]member

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newFeed(parent context.Context, store *RedisRendezvousStore, q ports.Query, handler func(ports.Snapshot)) (*feed, error) {
	ctx, cancel := context.WithCancel(parent)
	f := &feed{
		store:   store,
		query:   q,
		handler: handler,
		lastID:  "0-0",
		members: make(map[string]member),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	tail, err := store.client.XRevRangeN(ctx, store.feedKey(q.Collection), "+", "-", 1).Result()
	if err != nil {
		cancel()
		return nil, err
	}
	if len(tail) > 0 {
		f.lastID = tail[0].ID
	}

	loaded, err := store.loadCollection(ctx, q.Collection)
	if err != nil {
		cancel()
		return nil, err
	}
	for _, m := range loaded {
		if q.Matches(m.record) {
			f.members[m.record.ID] = m
		}
	}

	return f, nil
}

// Cancel stops deliveries. It waits for an in-flight handler call but not for
// a pending blocking read, which exits on its own once the context is done.
func (f *feed) Cancel() {
	f.cancel()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *feed) deliver(snap ports.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.handler(snap)
}

func (f *feed) run() {
	defer close(f.done)

	initial := f.records()
	changes := make([]ports.Change, 0, len(initial))
	for _, r := range initial {
		changes = append(changes, ports.Change{Type: ports.ChangeAdded, Record: r})
	}
	f.deliver(ports.Snapshot{Records: initial, Changes: changes})

	backoff := 100 * time.Millisecond
	stream := f.store.feedKey(f.query.Collection)

	for f.ctx.Err() == nil {
		res, err := f.store.client.XRead(f.ctx, &redis.XReadArgs{
			Streams: []string{stream, f.lastID},
			Count:   feedReadCount,
			Block:   f.store.blockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			f.store.logger.Warnw("change feed read failed",
				"collection", f.query.Collection,
				"error", err,
			)
			select {
			case <-time.After(backoff):
			case <-f.ctx.Done():
				return
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, xs := range res {
			for _, msg := range xs.Messages {
				f.lastID = msg.ID
				f.apply(msg)
			}
		}
	}
}

func (f *feed) apply(msg redis.XMessage) {
	id, _ := msg.Values["id"].(string)
	raw, _ := msg.Values["data"].(string)
	if id == "" {
		return
	}

	prev, wasMember := f.members[id]
	if wasMember && prev.raw == raw {
		return
	}

	fields, err := domain.DecodeFields([]byte(raw))
	if err != nil {
		f.store.logger.Warnw("skipping undecodable change",
			"collection", f.query.Collection,
			"id", id,
			"error", err,
		)
		return
	}
	record := ports.Record{ID: id, Fields: fields}
	isMember := f.query.Matches(record)

	var change ports.Change
	switch {
	case isMember && wasMember:
		f.members[id] = member{seq: prev.seq, raw: raw, record: record}
		change = ports.Change{Type: ports.ChangeModified, Record: record.Clone()}
	case isMember:
		f.members[id] = member{seq: f.store.recordSeq(f.ctx, f.query.Collection, id), raw: raw, record: record}
		change = ports.Change{Type: ports.ChangeAdded, Record: record.Clone()}
	case wasMember:
		delete(f.members, id)
		change = ports.Change{Type: ports.ChangeRemoved, Record: record.Clone()}
	default:
		return
	}

	f.deliver(ports.Snapshot{Records: f.records(), Changes: []ports.Change{change}})
}

func (f *feed) records() []ports.Record {
	ms := make([]member, 0, len(f.members))
	for _, m := range f.members {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].seq < ms[j].seq })

	records := make([]ports.Record, len(ms))
	for i, m := range ms {
		records[i] = m.record.Clone()
	}
	f.query.Sort(records)
	return records
}
