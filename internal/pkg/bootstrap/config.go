// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 是服务的完整配置，来源依次为默认值、本地 YAML、环境变量、Nacos 配置中心。
type Config struct {
	App       AppConfig       `yaml:"app"`
	Infra     InfraConfig     `yaml:"infra"`
	Inventory InventoryConfig `yaml:"inventory"`
}

type AppConfig struct {
	ServiceName string `yaml:"serviceName"`
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
}

type InfraConfig struct {
	Jaeger struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"jaeger"`
	Nacos struct {
		Enabled     bool   `yaml:"enabled"`
		ServerAddrs string `yaml:"serverAddrs"`
		Namespace   string `yaml:"namespace"`
		Group       string `yaml:"group"`
		DataID      string `yaml:"dataId"`
	} `yaml:"nacos"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		GroupID string   `yaml:"groupId"`
	} `yaml:"kafka"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addrs string `yaml:"addrs"`
	} `yaml:"redis"`
	Zookeeper struct {
		Servers        []string      `yaml:"servers"`
		SessionTimeout time.Duration `yaml:"sessionTimeout"`
	} `yaml:"zookeeper"`
}

type InventoryConfig struct {
	// Storage: memory | mysql | redis
	Storage string `yaml:"storage"`
	// Locking: local | zookeeper | none（none 时只依赖存储自身的行锁或 CAS）
	Locking            string        `yaml:"locking"`
	LockTimeout        time.Duration `yaml:"lockTimeout"`
	MutationTimeout    time.Duration `yaml:"mutationTimeout"`
	PublishTimeout     time.Duration `yaml:"publishTimeout"`
	BulkConcurrency    int           `yaml:"bulkConcurrency"`
	RedisMaxRetries    int           `yaml:"redisMaxRetries"`
	LowStockExpression string        `yaml:"lowStockExpression"`
	// Publishers: kafka、websocket 的任意组合
	Publishers []string `yaml:"publishers"`
	Rollup     struct {
		Workers   int           `yaml:"workers"`
		QueueSize int           `yaml:"queueSize"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"rollup"`
}

var currentConfig atomic.Pointer[Config]

// DefaultConfig 返回单机即可运行的默认配置。
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Port = 8082
	cfg.App.LogLevel = "info"
	cfg.Infra.Nacos.ServerAddrs = "localhost:8848"
	cfg.Infra.Nacos.Group = "DEFAULT_GROUP"
	cfg.Infra.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Infra.Kafka.Topic = "stock-changes"
	cfg.Infra.Redis.Addrs = "localhost:6379"
	cfg.Infra.Zookeeper.Servers = []string{"localhost:2181"}
	cfg.Infra.Zookeeper.SessionTimeout = 10 * time.Second

	cfg.Inventory.Storage = "memory"
	cfg.Inventory.Locking = "local"
	cfg.Inventory.LockTimeout = 2 * time.Second
	cfg.Inventory.MutationTimeout = 5 * time.Second
	cfg.Inventory.PublishTimeout = 2 * time.Second
	cfg.Inventory.BulkConcurrency = 8
	cfg.Inventory.RedisMaxRetries = 16
	cfg.Inventory.Rollup.Workers = 4
	cfg.Inventory.Rollup.QueueSize = 4096
	cfg.Inventory.Rollup.Timeout = 5 * time.Second
	return cfg
}

// LoadConfig 读取本地配置并应用环境变量覆盖，结果成为当前配置。
// path 为空或文件不存在时只使用默认值。
func LoadConfig(serviceName, path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.App.ServiceName = serviceName

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "failed to parse config file %s", path)
			}
		case !os.IsNotExist(err):
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	currentConfig.Store(cfg)
	return cfg, nil
}

// GetCurrentConfig 返回当前生效的配置，未加载时返回默认配置。
func GetCurrentConfig() *Config {
	if cfg := currentConfig.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

// Validate 校验枚举类配置。
func (c *Config) Validate() error {
	switch c.Inventory.Storage {
	case "memory", "mysql", "redis":
	default:
		return errors.Errorf("unknown inventory storage %q", c.Inventory.Storage)
	}
	switch c.Inventory.Locking {
	case "local", "zookeeper", "none":
	default:
		return errors.Errorf("unknown inventory locking %q", c.Inventory.Locking)
	}
	for _, p := range c.Inventory.Publishers {
		if p != "kafka" && p != "websocket" {
			return errors.Errorf("unknown stock event publisher %q", p)
		}
	}
	if c.App.Port <= 0 {
		return errors.Errorf("invalid port %d", c.App.Port)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	if port, err := strconv.Atoi(getEnv("PORT", "")); err == nil {
		cfg.App.Port = port
	}

	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	if enabled, err := strconv.ParseBool(getEnv("NACOS_ENABLED", "")); err == nil {
		cfg.Infra.Nacos.Enabled = enabled
	}
	cfg.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.ServerAddrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Infra.MySQL.DSN = getEnv("MYSQL_DSN", cfg.Infra.MySQL.DSN)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	if servers := getEnv("ZOOKEEPER_SERVERS", ""); servers != "" {
		cfg.Infra.Zookeeper.Servers = strings.Split(servers, ",")
	}

	cfg.Inventory.Storage = getEnv("INVENTORY_STORAGE", cfg.Inventory.Storage)
	cfg.Inventory.Locking = getEnv("INVENTORY_LOCKING", cfg.Inventory.Locking)
	if publishers := getEnv("INVENTORY_PUBLISHERS", ""); publishers != "" {
		cfg.Inventory.Publishers = strings.Split(publishers, ",")
	}
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
