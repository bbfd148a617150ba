package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/discovery"
	"github.com/example/tableside/pkg/grpc"
	"github.com/example/tableside/pkg/logger"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/observer"
	"go.uber.org/zap"
)

// board follows one view of the order service and logs it as it converges.
// TABLESIDE_BOARD selects kitchen (default), supplier or table:<n>.
func main() {
	path := os.Getenv("TABLESIDE_CONFIG")
	if path == "" {
		path = "config/order.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Log, "board")
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sd *discovery.ServiceDiscovery
	if cfg.Etcd.Enabled {
		if sd, err = discovery.NewServiceDiscovery(&cfg.Etcd, log.Named("discovery")); err != nil {
			log.Warn("Failed to connect to etcd, using configured address", zap.Error(err))
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

	system := actor.NewActorSystem()
	onChange := observer.WithOnChange(func(view []models.Order) {
		for _, o := range view {
			log.Info("Order",
				zap.String("id", o.ID),
				zap.String("table", o.Table),
				zap.String("status", string(o.Status)),
				zap.Int64("revision", o.Revision))
		}
		log.Info("Board converged", zap.Int("orders", len(view)))
	})

	var b *observer.Board
	switch which := os.Getenv("TABLESIDE_BOARD"); {
	case which == "" || which == "kitchen":
		b = observer.NewKitchenBoard(clients.OrderClient(), system, cfg.Observer, log, onChange)
	case which == "supplier":
		b = observer.NewSupplierBoard(clients.OrderClient(), system, cfg.Observer, log, onChange)
	case strings.HasPrefix(which, "table:"):
		b = observer.NewTableTracker(strings.TrimPrefix(which, "table:"), clients.OrderClient(), system, cfg.Observer, log, onChange)
	default:
		log.Fatal("Unknown board", zap.String("board", which))
	}

	if err := b.Start(ctx); err != nil {
		log.Fatal("Failed to start board", zap.Error(err))
	}
	<-ctx.Done()
	b.Stop()
	log.Info("Board stopped")
}
