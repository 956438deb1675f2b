// ABOUTME: gRPC health reporting driven by session readiness
// ABOUTME: Wraps the realtime publisher so lifecycle events refresh the serving status

package gateway

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/chorus-gateway/internal/realtime"
)

// HealthService is the service name whose status tracks session readiness.
const HealthService = "chorus.gateway.Sessions"

func registerHealth(server *grpc.Server, h *health.Server) {
	healthpb.RegisterHealthServer(server, h)
}

// refreshHealth reports SERVING while at least one session is READY.
func (g *Gateway) refreshHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.sessions != nil && g.sessions.ReadyCount() > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthService, status)
}

// statusPublisher forwards lifecycle events and refreshes health after the
// ones that change how many sessions are READY.
type statusPublisher struct {
	next realtime.Publisher
	gw   *Gateway
}

func (p *statusPublisher) Publish(sessionID string, ev realtime.Event) {
	p.next.Publish(sessionID, ev)
	switch ev.(type) {
	case realtime.Ready, realtime.NumbersUpdated:
		p.gw.refreshHealth()
	}
}
