package monitoring

import (
	"context"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
)

// Pinger is anything that can prove its backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AddStoreCheck adds a rendezvous store health check
func (h *HealthChecker) AddStoreCheck(store Pinger, interval, timeout time.Duration) {
	h.AddCheck("rendezvous_store", func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddReadinessCheck verifies the store is reachable and that a peer
// connection can be built with the configured ICE servers.
func (h *HealthChecker) AddReadinessCheck(
	store Pinger,
	factory ports.PeerConnectionFactory,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		if store != nil {
			if err := store.Ping(ctx); err != nil {
				return false, err
			}
		}

		if factory != nil {
			pc, err := factory.NewPeerConnection(domain.ICEConfig{})
			if err != nil {
				return false, err
			}
			pc.Close()
		}

		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
