package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	MongoDB  MongoDBConfig  `mapstructure:"mongodb"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Orders   OrdersConfig   `mapstructure:"orders"`
	Hub      HubConfig      `mapstructure:"hub"`
	Observer ObserverConfig `mapstructure:"observer"`
}

type ServerConfig struct {
	Name string `mapstructure:"name"`
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
	// OrderService is the fallback gRPC target when discovery finds nothing.
	OrderService string `mapstructure:"order_service"`
}

func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
	LeaseTTL    int64         `mapstructure:"lease_ttl"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Channel  string `mapstructure:"channel"`
	// MenuCacheTTL is how long menu items are cached; zero disables the cache.
	MenuCacheTTL time.Duration `mapstructure:"menu_cache_ttl"`
}

type MySQLConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	// Seed upserts the demo menu and staff on startup.
	Seed bool `mapstructure:"seed"`
}

type MongoDBConfig struct {
	URI             string `mapstructure:"uri"`
	Database        string `mapstructure:"database"`
	Collection      string `mapstructure:"collection"`
	AuditCollection string `mapstructure:"audit_collection"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Exchange string `mapstructure:"exchange"`
}

type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Encoding    string   `mapstructure:"encoding"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// StoreConfig picks the order store backend: "memory" or "mongo".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type OrdersConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	PlacementPolicy string        `mapstructure:"placement_policy"`
}

type HubConfig struct {
	QueueDepth int `mapstructure:"queue_depth"`
	// RelayBuffer bounds events waiting for an outbound relay.
	RelayBuffer int `mapstructure:"relay_buffer"`
	// Tombstones is how many finished orders each subscriber remembers
	// so late duplicates of them are dropped.
	Tombstones int `mapstructure:"tombstones"`
}

type ObserverConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Placement policies for an order placed while the table has an active one.
const (
	PlacementMerge  = "merge"
	PlacementReject = "reject"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "order-service")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 50052)

	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.order_service", "localhost:50052")

	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.prefix", "/tableside/services/")
	v.SetDefault("etcd.lease_ttl", 30)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.channel", "tableside:orders")
	v.SetDefault("redis.menu_cache_ttl", 30*time.Minute)

	v.SetDefault("mysql.enabled", false)
	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.username", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "tableside")
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.seed", false)

	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "tableside")
	v.SetDefault("mongodb.collection", "orders")
	v.SetDefault("mongodb.audit_collection", "order_audit")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.exchange", "orders_topic")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.output_paths", []string{"stdout"})

	v.SetDefault("store.driver", "memory")

	v.SetDefault("orders.max_attempts", 3)
	v.SetDefault("orders.store_timeout", 5*time.Second)
	v.SetDefault("orders.placement_policy", PlacementMerge)

	v.SetDefault("hub.queue_depth", 16)
	v.SetDefault("hub.relay_buffer", 256)
	v.SetDefault("hub.tombstones", 1024)

	v.SetDefault("observer.poll_interval", time.Duration(0))
	v.SetDefault("observer.request_timeout", 2*time.Second)
}

// Load reads the YAML file at configPath. An empty path loads defaults only.
// Every key can be overridden from the environment, e.g. TABLESIDE_ORDERS_MAX_ATTEMPTS.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("tableside")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		// Read config file
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return cfg
}

func (c *Config) Validate() error {
	if c.Orders.MaxAttempts < 1 {
		return fmt.Errorf("orders.max_attempts must be at least 1, got %d", c.Orders.MaxAttempts)
	}
	if c.Orders.StoreTimeout <= 0 {
		return fmt.Errorf("orders.store_timeout must be positive")
	}
	switch c.Orders.PlacementPolicy {
	case PlacementMerge, PlacementReject:
	default:
		return fmt.Errorf("orders.placement_policy must be %q or %q, got %q",
			PlacementMerge, PlacementReject, c.Orders.PlacementPolicy)
	}
	if c.Hub.QueueDepth < 1 {
		return fmt.Errorf("hub.queue_depth must be at least 1, got %d", c.Hub.QueueDepth)
	}
	switch c.Store.Driver {
	case "memory", "mongo":
	default:
		return fmt.Errorf("store.driver must be memory or mongo, got %q", c.Store.Driver)
	}
	return nil
}

func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

func (c *RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Password, c.Host, c.Port)
}
