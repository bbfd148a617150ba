package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/tableside/gateway"
	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/discovery"
	"github.com/example/tableside/pkg/grpc"
	"github.com/example/tableside/pkg/logger"
	"github.com/example/tableside/pkg/observer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load config
	path := os.Getenv("TABLESIDE_CONFIG")
	if path == "" {
		path = "config/order.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Setup logger
	log, err := logger.New(cfg.Log, "gateway")
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting API Gateway",
		zap.Int("port", cfg.Gateway.Port),
		zap.String("host", cfg.Gateway.Host))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup service discovery
	var sd *discovery.ServiceDiscovery
	if cfg.Etcd.Enabled {
		sd, err = discovery.NewServiceDiscovery(&cfg.Etcd, log.Named("discovery"))
		if err != nil {
			log.Warn("Failed to connect to etcd, continuing without service discovery", zap.Error(err))
			sd = nil
		} else {
			defer sd.Close()
		}
	}

	clients := grpc.NewClientManager(cfg, log.Named("grpc"), sd)
	if err := clients.Connect(ctx); err != nil {
		log.Fatal("Failed to reach order service", zap.Error(err))
	}
	defer clients.Close()
	api := clients.OrderClient()

	// Boards converge from the order service's Watch stream.
	system := actor.NewActorSystem()
	kitchen := observer.NewKitchenBoard(api, system, cfg.Observer, log.Named("observer"))
	supplier := observer.NewSupplierBoard(api, system, cfg.Observer, log.Named("observer"))
	for _, b := range []*observer.Board{kitchen, supplier} {
		if err := b.Start(ctx); err != nil {
			log.Fatal("Failed to start board", zap.String("board", b.Name()), zap.Error(err))
		}
		defer b.Stop()
	}

	// Create gateway
	gin.SetMode(gin.ReleaseMode)
	gw := gateway.NewGateway(&cfg.Gateway, api, log, gateway.WithBoards(kitchen, supplier))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(gw.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Received shutdown signal")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gw.Shutdown(sctx)
	})

	log.Info("Gateway started successfully")
	if err := g.Wait(); err != nil {
		log.Error("Gateway error", zap.Error(err))
	}
	log.Info("Gateway stopped")
}
