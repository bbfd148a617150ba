package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC service the order API is exposed as.
const ServiceName = "tableside.orders.v1.OrderService"

// subscribedHeader is sent on Watch once the server-side subscription exists.
const subscribedHeader = "x-tableside-subscribed"

// OrderServiceServer is implemented by OrderServer; grpc.RegisterService
// checks the handler against it.
type OrderServiceServer interface {
	API() orders.API
}

type OrderServer struct {
	api    orders.API
	logger *zap.Logger
	server *grpc.Server
	health *health.Server
}

func NewOrderServer(api orders.API, logger *zap.Logger, opts ...grpc.ServerOption) *OrderServer {
	s := &OrderServer{
		api:    api,
		logger: logger,
		health: health.NewServer(),
	}

	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.logUnary),
		grpc.ChainStreamInterceptor(s.logStream),
	)
	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&orderServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *OrderServer) API() orders.API {
	return s.api
}

func (s *OrderServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info("Order service started", zap.String("address", addr))
	return s.Serve(lis)
}

func (s *OrderServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop reports NOT_SERVING, then waits up to grace for calls to finish
// before closing the remaining ones, such as open Watch streams.
func (s *OrderServer) Stop(grace time.Duration) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.server.Stop()
	}
}

func (s *OrderServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("latency", time.Since(start)),
		zap.String("code", status.Code(err).String()),
	}
	if err != nil {
		s.logger.Info("RPC failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("RPC", fields...)
	}
	return resp, err
}

func (s *OrderServer) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logger.Info("Stream closed",
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
		zap.String("code", status.Code(err).String()))
	return err
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts an API call to a grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(api orders.API, ctx context.Context, req *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			api := srv.(OrderServiceServer).API()
			handler := func(ctx context.Context, r any) (any, error) {
				resp, err := call(api, ctx, r.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, req, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	api := srv.(OrderServiceServer).API()

	events, err := api.Watch(stream.Context(), req.Topic)
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SendHeader(metadata.Pairs(subscribedHeader, "true")); err != nil {
		return err
	}
	for ev := range events {
		ev := ev
		if err := stream.SendMsg(&ev); err != nil {
			return err
		}
	}
	return nil
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("PlaceOrder", func(api orders.API, ctx context.Context, in *orders.PlaceOrderInput) (*models.Order, error) {
			return api.PlaceOrder(ctx, *in)
		}),
		unary("AddItems", func(api orders.API, ctx context.Context, in *orders.AddItemsInput) (*models.Order, error) {
			return api.AddItems(ctx, *in)
		}),
		unary("UpdateStatus", func(api orders.API, ctx context.Context, in *orders.UpdateStatusInput) (*models.Order, error) {
			return api.UpdateStatus(ctx, *in)
		}),
		unary("CancelOrder", func(api orders.API, ctx context.Context, in *CancelOrderRequest) (*models.Order, error) {
			return api.CancelOrder(ctx, in.OrderID, in.Actor)
		}),
		unary("GetOrder", func(api orders.API, ctx context.Context, in *OrderRequest) (*models.Order, error) {
			return api.GetOrder(ctx, in.OrderID)
		}),
		unary("GetActiveOrderForTable", func(api orders.API, ctx context.Context, in *TableRequest) (*ActiveOrderResponse, error) {
			o, err := api.GetActiveOrderForTable(ctx, in.Table)
			if err != nil {
				return nil, err
			}
			return &ActiveOrderResponse{Order: o}, nil
		}),
		unary("ListOrders", func(api orders.API, ctx context.Context, in *orders.ListFilter) (*ListOrdersResponse, error) {
			list, err := api.ListOrders(ctx, *in)
			if err != nil {
				return nil, err
			}
			return &ListOrdersResponse{Orders: list}, nil
		}),
		unary("OrderHistory", func(api orders.API, ctx context.Context, in *OrderRequest) (*HistoryResponse, error) {
			entries, err := api.OrderHistory(ctx, in.OrderID)
			if err != nil {
				return nil, err
			}
			return &HistoryResponse{Entries: entries}, nil
		}),
		unary("SalesReport", func(api orders.API, ctx context.Context, _ *Empty) (*orders.SalesReport, error) {
			return api.SalesReport(ctx)
		}),
		unary("ListMenu", func(api orders.API, ctx context.Context, _ *Empty) (*MenuResponse, error) {
			items, err := api.ListMenu(ctx)
			if err != nil {
				return nil, err
			}
			return &MenuResponse{Items: items}, nil
		}),
		unary("ListStaff", func(api orders.API, ctx context.Context, in *StaffRequest) (*StaffResponse, error) {
			staff, err := api.ListStaff(ctx, in.Role)
			if err != nil {
				return nil, err
			}
			return &StaffResponse{Staff: staff}, nil
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tableside/orders/v1/order_service",
}
