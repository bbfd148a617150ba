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
	"github.com/example/tableside/pkg/hub"
	"github.com/example/tableside/pkg/logger"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/observer"
	"github.com/example/tableside/pkg/orders"
	"github.com/example/tableside/pkg/relay"
	"github.com/example/tableside/pkg/repository"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 10 * time.Second

func configPath() string {
	if p := os.Getenv("TABLESIDE_CONFIG"); p != "" {
		return p
	}
	return "config/order.yaml"
}

func main() {
	// Load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Setup logger
	log, err := logger.New(cfg.Log, cfg.Server.Name)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting order service",
		zap.String("name", cfg.Server.Name),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Order service failed", zap.Error(err))
	}
	log.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// Order store and audit log
	var (
		store   orders.Store
		auditor orders.Auditor
	)
	switch cfg.Store.Driver {
	case "mongo":
		mongoRepo, err := repository.NewMongoRepository(&cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("connect mongodb: %w", err)
		}
		closers = append(closers, func() { _ = mongoRepo.Close(context.Background()) })
		if err := mongoRepo.Ping(ctx); err != nil {
			return fmt.Errorf("ping mongodb: %w", err)
		}
		if err := mongoRepo.EnsureIndexes(ctx); err != nil {
			return err
		}
		store, auditor = mongoRepo.Orders(), mongoRepo.AuditLog()
		log.Info("MongoDB connected successfully", zap.String("database", cfg.MongoDB.Database))
	default:
		store, auditor = orders.NewMemoryStore(), orders.NewMemoryAuditor()
	}

	h := hub.New(cfg.Hub, log.Named("hub"))
	closers = append(closers, h.Close)

	opts := []orders.Option{orders.WithAuditor(auditor), orders.WithPublisher(h)}

	// Menu catalog and staff directory
	if cfg.MySQL.Enabled {
		catalog, err := repository.NewMySQLCatalog(&cfg.MySQL)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = catalog.Close() })
		if err := catalog.Migrate(); err != nil {
			return fmt.Errorf("migrate catalog: %w", err)
		}
		var menu orders.MenuCatalog = catalog
		var cached *repository.CachedMenu
		if cfg.Redis.Enabled && cfg.Redis.MenuCacheTTL > 0 {
			cache := repository.NewRedisRepository(&cfg.Redis)
			closers = append(closers, func() { _ = cache.Close() })
			cached = repository.NewCachedMenu(catalog, cache, cfg.Redis.MenuCacheTTL, log.Named("menu"))
			menu = cached
		}
		if cfg.MySQL.Seed {
			items, staff := repository.DemoCatalog()
			if err := repository.SeedCatalog(ctx, catalog, cached, items, staff); err != nil {
				return fmt.Errorf("seed catalog: %w", err)
			}
			log.Info("Demo catalog seeded", zap.Int("menu_items", len(items)), zap.Int("staff", len(staff)))
		}
		opts = append(opts, orders.WithCatalog(menu), orders.WithStaffDirectory(catalog))
		log.Info("MySQL catalog connected", zap.String("database", cfg.MySQL.Database))
	}

	g, ctx := errgroup.WithContext(ctx)

	// Cross-instance relay and outbound broker
	if cfg.Redis.Enabled {
		redisRepo := repository.NewRedisRepository(&cfg.Redis)
		closers = append(closers, func() { _ = redisRepo.Close() })
		if err := redisRepo.Ping(ctx); err != nil {
			log.Warn("Redis connection failed, running without relay", zap.Error(err))
		} else {
			r := relay.NewRedisRelay(redisRepo.Client(), cfg.Redis.Channel, h, cfg.Hub.RelayBuffer, log.Named("relay"))
			opts = append(opts, orders.WithPublisher(r))
			g.Go(func() error { return r.Run(ctx) })
			log.Info("Redis connected successfully")
		}
	}
	if cfg.RabbitMQ.Enabled {
		p, err := relay.DialRabbitMQ(&cfg.RabbitMQ, cfg.Hub.RelayBuffer, log.Named("rabbitmq"))
		if err != nil {
			log.Warn("RabbitMQ connection failed, events will not be exported", zap.Error(err))
		} else {
			closers = append(closers, func() { _ = p.Close() })
			opts = append(opts, orders.WithPublisher(p))
			g.Go(func() error { return p.Run(ctx) })
		}
	}

	svc := orders.NewService(store, cfg.Orders, log.Named("orders"), opts...)
	api := orders.NewLocal(svc, h)

	// gRPC server
	server := grpc.NewOrderServer(api, log.Named("grpc"))
	g.Go(func() error { return server.Start(cfg.Server.Addr()) })
	g.Go(func() error {
		<-ctx.Done()
		server.Stop(shutdownGrace)
		return nil
	})

	// Boards
	system := actor.NewActorSystem()
	kitchen := observer.NewKitchenBoard(api, system, cfg.Observer, log.Named("observer"), observer.WithOnChange(logBoard(log, "kitchen")))
	supplier := observer.NewSupplierBoard(api, system, cfg.Observer, log.Named("observer"))
	for _, b := range []*observer.Board{kitchen, supplier} {
		if err := b.Start(ctx); err != nil {
			return err
		}
		closers = append(closers, b.Stop)
	}

	// HTTP gateway
	if cfg.Gateway.Enabled {
		gin.SetMode(gin.ReleaseMode)
		gw := gateway.NewGateway(&cfg.Gateway, api, log.Named("gateway"), gateway.WithBoards(kitchen, supplier))
		g.Go(gw.Start)
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return gw.Shutdown(sctx)
		})
	}

	// Service discovery
	if cfg.Etcd.Enabled {
		sd, err := discovery.NewServiceDiscovery(&cfg.Etcd, log.Named("discovery"))
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		closers = append(closers, func() { _ = sd.Close() })

		instance := &discovery.ServiceInstance{Name: cfg.Server.Name, Host: cfg.Server.Host, Port: cfg.Server.Port}
		if err := sd.Register(ctx, instance); err != nil {
			return fmt.Errorf("register service: %w", err)
		}
		log.Info("Service registered in etcd", zap.String("name", instance.Name), zap.String("address", instance.Addr()))
		g.Go(func() error {
			<-ctx.Done()
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sd.Deregister(dctx, instance); err != nil {
				log.Error("Failed to deregister service", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func logBoard(log *zap.Logger, name string) func([]models.Order) {
	return func(view []models.Order) {
		log.Debug("Board changed", zap.String("board", name), zap.Int("orders", len(view)))
	}
}
