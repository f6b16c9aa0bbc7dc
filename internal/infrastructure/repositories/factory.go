package repositories

import (
	"context"
	"fmt"
	"time"

	"chatcall/internal/core/ports"
	"chatcall/internal/infrastructure/reliability"
	fsrepo "chatcall/internal/infrastructure/repositories/firestore"
	"chatcall/internal/infrastructure/repositories/memory"
	redisrepo "chatcall/internal/infrastructure/repositories/redis"
	"chatcall/pkg/circuitbreaker"
	"chatcall/pkg/config"
	"chatcall/pkg/retry"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// RepositoryFactory creates the rendezvous store with fallback support
type RepositoryFactory struct {
	backend         string
	redisClient     *redis.Client
	firestoreClient *firestore.Client
	memoryStore     *memory.MemoryRendezvousStore
	cfg             *config.Config
	logger          *zap.SugaredLogger
}

// NewRepositoryFactory connects to the configured backend. A remote backend
// that cannot be reached falls back to the in-process store.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend: cfg.Rendezvous.Backend,
		cfg:     cfg,
		logger:  logger,
	}

	switch cfg.Rendezvous.Backend {
	case BackendRedis:
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Redis.BlockTimeout,
			cfg.Rendezvous.KeyPrefix,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory store",
				"error", err,
			)
			factory.backend = BackendMemory
		} else {
			factory.redisClient = client
		}

	case BackendFirestore:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := fsrepo.NewFirestoreClient(connectCtx, cfg.Firestore.ProjectID, cfg.Firestore.CredentialsFile)
		if err != nil {
			logger.Warnw("failed to open Firestore, falling back to memory store",
				"error", err,
			)
			factory.backend = BackendMemory
		} else {
			factory.firestoreClient = client
		}

	case BackendMemory:
	default:
		return nil, fmt.Errorf("unknown rendezvous backend %q", cfg.Rendezvous.Backend)
	}

	logger.Infow("using rendezvous store", "backend", factory.backend)
	return factory, nil
}

// Backend reports the backend actually in use.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// CreateRendezvousStore returns the store for the active backend. Remote
// backends are wrapped with retries and a circuit breaker.
func (f *RepositoryFactory) CreateRendezvousStore() ports.RendezvousStore {
	switch {
	case f.redisClient != nil:
		store := redisrepo.NewRedisRendezvousStore(f.redisClient, f.cfg.Rendezvous.KeyPrefix, f.cfg.Redis.BlockTimeout, f.logger)
		return f.wrap(store)
	case f.firestoreClient != nil:
		return f.wrap(fsrepo.NewFirestoreRendezvousStore(f.firestoreClient, f.logger))
	default:
		if f.memoryStore == nil {
			f.memoryStore = memory.NewMemoryRendezvousStore()
		}
		return f.memoryStore
	}
}

// CreateAnswerLocker returns the lock answerers take before writing an
// answer, or nil when the backend provides none.
func (f *RepositoryFactory) CreateAnswerLocker() ports.AnswerLocker {
	switch {
	case f.redisClient != nil:
		return redisrepo.NewAnswerLocker(f.redisClient, f.cfg.Rendezvous.KeyPrefix, f.cfg.Call.SetupTimeout, f.logger)
	case f.firestoreClient != nil:
		return nil
	default:
		if f.memoryStore == nil {
			f.memoryStore = memory.NewMemoryRendezvousStore()
		}
		return f.memoryStore
	}
}

func (f *RepositoryFactory) wrap(store ports.RendezvousStore) ports.RendezvousStore {
	r := f.cfg.Reliability
	return reliability.NewStoreWrapper(store,
		retry.Config{
			Enabled:      r.Retry.Enabled,
			MaxAttempts:  r.Retry.MaxAttempts,
			InitialDelay: r.Retry.InitialDelay,
			MaxDelay:     r.Retry.MaxDelay,
			Multiplier:   r.Retry.Multiplier,
			Jitter:       true,
		},
		circuitbreaker.Config{
			FailureThreshold:    r.CircuitBreaker.FailureThreshold,
			SuccessThreshold:    r.CircuitBreaker.SuccessThreshold,
			Timeout:             r.CircuitBreaker.Timeout,
			MaxRequestsHalfOpen: r.CircuitBreaker.MaxRequestsHalfOpen,
		},
		f.logger,
	)
}

// Close releases backend connections
func (f *RepositoryFactory) Close() error {
	if f.memoryStore != nil {
		f.memoryStore.Close()
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	if f.firestoreClient != nil {
		return f.firestoreClient.Close()
	}
	return nil
}

// HealthCheck checks backend connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
