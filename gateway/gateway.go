package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// BoardView is a converged observer view the gateway can serve.
type BoardView interface {
	Snapshot(ctx context.Context) ([]models.Order, error)
}

type Gateway struct {
	config *config.GatewayConfig
	api    orders.API
	logger *zap.Logger
	router *gin.Engine
	server *http.Server

	kitchen  BoardView
	supplier BoardView
}

type Option func(*Gateway)

// WithBoards serves the kitchen and supplier views under /api/v1/boards.
func WithBoards(kitchen, supplier BoardView) Option {
	return func(g *Gateway) {
		g.kitchen = kitchen
		g.supplier = supplier
	}
}

func NewGateway(cfg *config.GatewayConfig, api orders.API, logger *zap.Logger, opts ...Option) *Gateway {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))

	g := &Gateway{
		config: cfg,
		api:    api,
		logger: logger,
		router: router,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.setupRoutes()

	g.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler exposes the router, mostly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) setupRoutes() {
	// Health check
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API v1 routes
	v1 := g.router.Group("/api/v1")
	{
		// Order routes
		orders := v1.Group("/orders")
		{
			orders.POST("", g.placeOrder)
			orders.GET("", g.listOrders)
			orders.GET("/active/:table", g.getActiveOrder)
			orders.GET("/:id", g.getOrder)
			orders.GET("/:id/history", g.orderHistory)
			orders.PUT("/:id/status", g.updateOrderStatus)
			orders.PUT("/:id/cancel", g.cancelOrder)
			orders.PUT("/:id/items", g.addItems)
		}

		v1.GET("/reports/sales", g.salesReport)
		v1.GET("/menu", g.listMenu)
		v1.GET("/staff", g.listStaff)
		v1.GET("/state-machine", g.stateMachine)
		v1.GET("/events", g.streamEvents)

		boards := v1.Group("/boards")
		{
			boards.GET("/kitchen", g.board("kitchen", func() BoardView { return g.kitchen }))
			boards.GET("/supplier", g.board("supplier", func() BoardView { return g.supplier }))
		}
	}

	// Swagger
	g.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

// Start serves until Shutdown is called.
func (g *Gateway) Start() error {
	g.logger.Info("Gateway starting", zap.String("address", g.server.Addr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Open event
// streams end when their request contexts are cancelled.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("HTTP request", fields...)
			return
		}
		logger.Info("HTTP request", fields...)
	}
}
