package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	maxTxRetries = 5
	feedMaxLen   = 10000
)

// Key layout, per collection:
//
//	{prefix}rec:{collection}:{id}  JSON record
//	{prefix}idx:{collection}       ZSET of ids scored by insertion sequence
//	{prefix}feed:{collection}      change stream, one entry per write
func seqKey(prefix string) string {
	return prefix + "seq"
}

type RedisRendezvousStore struct {
	client       *redis.Client
	prefix       string
	blockTimeout time.Duration
	logger       *zap.SugaredLogger
}

func NewRedisRendezvousStore(client *redis.Client, prefix string, blockTimeout time.Duration, logger *zap.SugaredLogger) *RedisRendezvousStore {
	if blockTimeout <= 0 {
		blockTimeout = 2 * time.Second
	}
	return &RedisRendezvousStore{
		client:       client,
		prefix:       prefix,
		blockTimeout: blockTimeout,
		logger:       logger,
	}
}

func (s *RedisRendezvousStore) recordKey(collection, id string) string {
	return s.prefix + "rec:" + collection + ":" + id
}

func (s *RedisRendezvousStore) indexKey(collection string) string {
	return s.prefix + "idx:" + collection
}

func (s *RedisRendezvousStore) feedKey(collection string) string {
	return s.prefix + "feed:" + collection
}

func (s *RedisRendezvousStore) CreateRecord(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	id := utils.NewRecordID()
	if err := s.SetRecord(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisRendezvousStore) SetRecord(ctx context.Context, collection, id string, fields domain.Fields) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	seq, err := s.client.Incr(ctx, seqKey(s.prefix)).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(collection, id), data, 0)
		pipe.ZAddNX(ctx, s.indexKey(collection), redis.Z{Score: float64(seq), Member: id})
		s.appendFeed(ctx, pipe, collection, id, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set record %s/%s: %w", collection, id, err)
	}
	return nil
}

// UpdateRecord merges fields into the stored record under WATCH so concurrent
// writers never lose each other's fields.
func (s *RedisRendezvousStore) UpdateRecord(ctx context.Context, collection, id string, fields domain.Fields) error {
	return s.UpdateRecordIf(ctx, collection, id, fields, nil)
}

// rejectedWrite carries a precondition failure out of the WATCH callback.
type rejectedWrite struct{ err error }

func (r rejectedWrite) Error() string { return r.err.Error() }

// UpdateRecordIf evaluates cond inside the same WATCH transaction as the
// merge, so a concurrent writer forces a re-check.
func (s *RedisRendezvousStore) UpdateRecordIf(ctx context.Context, collection, id string, fields domain.Fields, cond ports.Precondition) error {
	key := s.recordKey(collection, id)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
		}
		if err != nil {
			return err
		}

		current, err := domain.DecodeFields(raw)
		if err != nil {
			return err
		}
		if cond != nil {
			if err := cond(current.Clone()); err != nil {
				return rejectedWrite{err: err}
			}
		}
		data, err := json.Marshal(current.Merge(fields))
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.appendFeed(ctx, pipe, collection, id, data)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var rejected rejectedWrite
		if errors.As(err, &rejected) {
			return rejected.err
		}
		if errors.Is(err, domain.ErrRecordNotFound) {
			return err
		}
		return fmt.Errorf("failed to update record %s/%s: %w", collection, id, err)
	}
	return fmt.Errorf("failed to update record %s/%s: too much contention", collection, id)
}

func (s *RedisRendezvousStore) GetRecord(ctx context.Context, collection, id string) (*ports.Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(collection, id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", collection, id, err)
	}

	fields, err := domain.DecodeFields(raw)
	if err != nil {
		return nil, err
	}
	return &ports.Record{ID: id, Fields: fields}, nil
}

func (s *RedisRendezvousStore) Subscribe(ctx context.Context, q ports.Query, handler func(ports.Snapshot)) (ports.Subscription, error) {
	f, err := newFeed(ctx, s, q, handler)
	if err != nil {
		return nil, err
	}
	go f.run()
	return f, nil
}

func (s *RedisRendezvousStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRendezvousStore) appendFeed(ctx context.Context, pipe redis.Pipeliner, collection, id string, data []byte) {
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.feedKey(collection),
		MaxLen: feedMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":   id,
			"data": string(data),
		},
	})
}

// loadCollection reads every record of a collection in insertion order.
func (s *RedisRendezvousStore) loadCollection(ctx context.Context, collection string) ([]member, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.indexKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index for %s: %w", collection, err)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(zs))
	for i, z := range zs {
		keys[i] = s.recordKey(collection, z.Member.(string))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records for %s: %w", collection, err)
	}

	members := make([]member, 0, len(zs))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		fields, err := domain.DecodeFields([]byte(raw))
		if err != nil {
			s.logger.Warnw("skipping undecodable record",
				"collection", collection,
				"error", err,
			)
			continue
		}
		members = append(members, member{
			seq:    int64(zs[i].Score),
			raw:    raw,
			record: ports.Record{ID: zs[i].Member.(string), Fields: fields},
		})
	}
	return members, nil
}

func (s *RedisRendezvousStore) recordSeq(ctx context.Context, collection, id string) int64 {
	score, err := s.client.ZScore(ctx, s.indexKey(collection), id).Result()
	if err != nil {
		return 0
	}
	return int64(score)
}
