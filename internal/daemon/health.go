package daemon

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/collab/internal/bus"
	"github.com/matheus3301/collab/internal/status"
)

// LinkService is the health service name that reports SERVING while the
// room's link to the relay is open. The empty name reports the daemon itself.
const LinkService = "collab.link"

// LinkSource is what Health watches. *session.Session implements it.
type LinkSource interface {
	State() status.State
	Subscribe(namespace string, buf int) (<-chan bus.Event, func())
}

// Health publishes the daemon and link state over the standard gRPC health
// protocol.
type Health struct {
	*health.Server
	logger *zap.Logger
}

// NewHealth creates a health server with the link not serving yet.
func NewHealth(logger *zap.Logger) *Health {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(LinkService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{Server: hs, logger: logger}
}

// Watch follows src's link state until ctx is done. Channel subscriptions
// may drop events, so every change re-reads the current state.
func (h *Health) Watch(ctx context.Context, src LinkSource) {
	events, unsub := src.Subscribe(status.KindStateChanged, 16)
	h.set(src.State())
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
				h.set(src.State())
			}
		}
	}()
}

func (h *Health) set(state status.State) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if state == status.Open {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.SetServingStatus(LinkService, st)
	h.logger.Debug("link health updated", zap.String("state", string(state)), zap.Stringer("health", st))
}
