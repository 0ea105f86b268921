// Package grpc holds the gRPC health server used to report service liveness.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

var errNotServing = errors.New("health check is not serving")

// NewHealthServer returns a traced gRPC server with the health service
// registered. The overall status and every named service start SERVING.
func NewHealthServer(services ...string) (*gogrpc.Server, *health.Server) {
	grpcServer := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, service := range services {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return grpcServer, healthServer
}

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err != nil {
			if logf != nil {
				logf("waiting for gRPC health: %v", err)
			}
			return struct{}{}, err
		}
		if response.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("waiting for gRPC health: status %s", response.GetStatus().String())
			}
			return struct{}{}, errNotServing
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return fmt.Errorf("wait for gRPC health: %w", err)
	}
	if logf != nil {
		logf("gRPC health check is SERVING")
	}
	return nil
}
