package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/discovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ClientManager manages the gRPC connection to the order service
type ClientManager struct {
	config    *config.Config
	discovery *discovery.ServiceDiscovery
	logger    *zap.Logger

	orderConn   *grpc.ClientConn
	orderClient *OrderClient
}

// NewClientManager creates a new gRPC client manager. disc may be nil.
func NewClientManager(cfg *config.Config, logger *zap.Logger, disc *discovery.ServiceDiscovery) *ClientManager {
	return &ClientManager{
		config:    cfg,
		discovery: disc,
		logger:    logger,
	}
}

// Connect dials the order service and waits until it reports SERVING.
func (m *ClientManager) Connect(ctx context.Context) error {
	target := m.resolve(ctx)
	m.logger.Info("Connecting to order service", zap.String("target", target))

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to order service: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName}, grpc.WaitForReady(true))
	if err != nil {
		conn.Close()
		return fmt.Errorf("order service health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		conn.Close()
		return fmt.Errorf("order service is %s", resp.GetStatus())
	}

	m.orderConn = conn
	m.orderClient = NewOrderClient(conn)
	m.logger.Info("Successfully connected to order service")
	return nil
}

// resolve prefers an instance registered in etcd over the configured address.
func (m *ClientManager) resolve(ctx context.Context) string {
	target := m.config.Gateway.OrderService
	if m.discovery == nil {
		return target
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	instances, err := m.discovery.Discover(ctx, m.config.Server.Name)
	if err == nil && len(instances) > 0 {
		target = instances[0].Addr()
		m.logger.Info("Discovered order service", zap.String("address", target))
	} else {
		m.logger.Info("Using default address for order service", zap.String("address", target), zap.Error(err))
	}
	return target
}

// OrderClient returns the order service client; nil before Connect.
func (m *ClientManager) OrderClient() *OrderClient {
	return m.orderClient
}

func (m *ClientManager) Close() error {
	if m.orderConn == nil {
		return nil
	}
	if err := m.orderConn.Close(); err != nil {
		return fmt.Errorf("order connection close error: %w", err)
	}
	return nil
}
