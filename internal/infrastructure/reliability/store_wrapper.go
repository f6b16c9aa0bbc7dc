package reliability

import (
	"context"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/circuitbreaker"
	"chatcall/pkg/retry"
	"chatcall/pkg/utils"

	"go.uber.org/zap"
)

// StoreWrapper wraps a RendezvousStore with retry logic and a circuit breaker.
// A missing record or a refused status transition is an answer, not a
// failure: it is neither retried nor counted against the breaker.
type StoreWrapper struct {
	store  ports.RendezvousStore
	logger *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewStoreWrapper creates a new wrapper with retry and circuit breaker
func NewStoreWrapper(
	store ports.RendezvousStore,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *StoreWrapper {
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors,
		domain.ErrRecordNotFound,
		domain.ErrInvalidTransition,
		circuitbreaker.ErrOpen,
		context.Canceled,
		context.DeadlineExceeded,
	)
	cbConfig.IgnoredErrors = append(cbConfig.IgnoredErrors, domain.ErrRecordNotFound, domain.ErrInvalidTransition)

	wrapper := &StoreWrapper{
		store:          store,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("rendezvous store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

func (w *StoreWrapper) do(ctx context.Context, fn func() error) error {
	if !w.retryConfig.Enabled {
		return w.circuitBreaker.Execute(ctx, fn)
	}
	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, fn)
	})
}

// CreateRecord allocates the id before the first attempt so that a retried
// write can never create a second record.
func (w *StoreWrapper) CreateRecord(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	id := utils.NewRecordID()
	err := w.do(ctx, func() error {
		return w.store.SetRecord(ctx, collection, id, fields)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (w *StoreWrapper) SetRecord(ctx context.Context, collection, id string, fields domain.Fields) error {
	return w.do(ctx, func() error {
		return w.store.SetRecord(ctx, collection, id, fields)
	})
}

func (w *StoreWrapper) UpdateRecord(ctx context.Context, collection, id string, fields domain.Fields) error {
	return w.do(ctx, func() error {
		return w.store.UpdateRecord(ctx, collection, id, fields)
	})
}

func (w *StoreWrapper) UpdateRecordIf(ctx context.Context, collection, id string, fields domain.Fields, cond ports.Precondition) error {
	return w.do(ctx, func() error {
		return w.store.UpdateRecordIf(ctx, collection, id, fields, cond)
	})
}

func (w *StoreWrapper) GetRecord(ctx context.Context, collection, id string) (*ports.Record, error) {
	var record *ports.Record
	err := w.do(ctx, func() error {
		r, err := w.store.GetRecord(ctx, collection, id)
		record = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (w *StoreWrapper) Subscribe(ctx context.Context, q ports.Query, handler func(ports.Snapshot)) (ports.Subscription, error) {
	var sub ports.Subscription
	err := w.do(ctx, func() error {
		s, err := w.store.Subscribe(ctx, q, handler)
		sub = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Ping bypasses retries so health checks report the current state.
func (w *StoreWrapper) Ping(ctx context.Context) error {
	return w.store.Ping(ctx)
}

// GetCircuitBreakerStats returns circuit breaker statistics
func (w *StoreWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}
