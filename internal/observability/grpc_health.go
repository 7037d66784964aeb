package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthServer exposes the standard grpc.health.v1 service so container
// orchestrators can check the relay without HTTP.
type GRPCHealthServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
}

// NewGRPCHealthServer binds addr and registers the health service.
func NewGRPCHealthServer(addr string) (*GRPCHealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc health listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCHealthServer{server: srv, health: hs, listener: lis}, nil
}

// Addr returns the bound address.
func (g *GRPCHealthServer) Addr() net.Addr {
	return g.listener.Addr()
}

// Serve blocks until Stop is called.
func (g *GRPCHealthServer) Serve() error {
	if err := g.server.Serve(g.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Watch re-evaluates checks every interval and publishes the overall status
// until ctx is done.
func (g *GRPCHealthServer) Watch(ctx context.Context, interval time.Duration, checks map[string]HealthCheckFunc) {
	update := func() {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		_, ok := RunChecks(checkCtx, checks)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if !ok {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		g.health.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// Stop marks the service as not serving and stops the server gracefully.
func (g *GRPCHealthServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
