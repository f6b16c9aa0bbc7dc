package redis

import (
	"context"
	"fmt"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const releaseTimeout = 2 * time.Second

// AnswerLocker holds a Redis lease on a call while its answer is written.
type AnswerLocker struct {
	locker *distributed.Locker
	logger *zap.SugaredLogger
}

func NewAnswerLocker(client *redis.Client, prefix string, ttl time.Duration, logger *zap.SugaredLogger) *AnswerLocker {
	return &AnswerLocker{
		locker: distributed.NewLocker(client, prefix, ttl),
		logger: logger,
	}
}

func (l *AnswerLocker) LockAnswer(ctx context.Context, callID domain.CallID) (func(), error) {
	lease, err := l.locker.TryAcquire(ctx, "answer:"+string(callID))
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, fmt.Errorf("%w: %s is being answered elsewhere", domain.ErrCallAlreadyAnswered, callID)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := lease.Release(ctx); err != nil {
			l.logger.Warnw("failed to release answer lock", "call_id", callID, "error", err)
		}
	}, nil
}
