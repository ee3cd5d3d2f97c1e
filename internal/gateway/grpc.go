// ABOUTME: gRPC server exposing the standard health service
// ABOUTME: The broker service reports SERVING only while every agent runs

package gateway

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// BrokerHealthService is the gRPC health service name for the broker.
const BrokerHealthService = "quill.broker"

func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus(BrokerHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// syncHealth publishes broker readiness to the health service.
func (g *Gateway) syncHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.broker.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(BrokerHealthService, status)
}
