package grpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is a dependency reachable with a round trip, such as the database
type Pinger interface {
	Ping() error
}

// Broker reports the state of the message broker connection
type Broker interface {
	IsHealthy() bool
}

var errBrokerDown = errors.New("rabbitmq connection is closed")

// HealthServer implements the gRPC health checking protocol
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	db     Pinger
	broker Broker
	log    *zap.Logger
}

// NewHealthServer creates a new health check server
func NewHealthServer(database Pinger, broker Broker, log *zap.Logger) *HealthServer {
	return &HealthServer{
		db:     database,
		broker: broker,
		log:    log,
	}
}

// Ready returns the first failing dependency, or nil when the service can
// take traffic.
func (h *HealthServer) Ready() error {
	if err := h.db.Ping(); err != nil {
		h.log.Error("Database health check failed", zap.Error(err))
		return err
	}

	if !h.broker.IsHealthy() {
		h.log.Error("RabbitMQ health check failed")
		return errBrokerDown
	}
	return nil
}

// Check implements the health check
func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: h.status()}, nil
}

// Watch sends the current status once
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, server grpc_health_v1.Health_WatchServer) error {
	return server.Send(&grpc_health_v1.HealthCheckResponse{Status: h.status()})
}

func (h *HealthServer) status() grpc_health_v1.HealthCheckResponse_ServingStatus {
	if h.Ready() != nil {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}
