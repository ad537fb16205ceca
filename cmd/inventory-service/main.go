// cmd/inventory-service/main.go
package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"nexus-stock/internal/pkg/bootstrap"
	"nexus-stock/internal/pkg/keylock"
	"nexus-stock/internal/pkg/metrics"
	"nexus-stock/internal/pkg/mq"
	"nexus-stock/internal/pkg/redis"
	"nexus-stock/internal/service/inventory/application"
	"nexus-stock/internal/service/inventory/domain"
	"nexus-stock/internal/service/inventory/domain/port"
	"nexus-stock/internal/service/inventory/infrastructure"
	"nexus-stock/internal/service/inventory/infrastructure/adapter"
	"nexus-stock/internal/service/inventory/infrastructure/rule"
	"nexus-stock/internal/service/inventory/interfaces"
	"nexus-stock/internal/service/inventory/interfaces/ws"
	"nexus-stock/internal/zookeeper"
)

const serviceName = "inventory-service"

// ledgerStore 是账本仓储与销量累加的组合，三种存储实现都同时满足两者。
type ledgerStore interface {
	domain.LedgerRepository
	domain.SoldCounter
}

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		ConfigPath:       getEnv("CONFIG_PATH", "configs/inventory-service.yaml"),
		RegisterHandlers: wire,
	})
}

// wire 是库存服务的组合根：按配置选择存储、锁和事件下游，组装引擎并注册路由。
func wire(app *bootstrap.AppCtx) error {
	cfg := app.Config
	inv := cfg.Inventory
	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := openStore(app)
	if err != nil {
		return err
	}

	locker, err := openLocker(app)
	if err != nil {
		return err
	}

	publisher, err := openPublishers(app)
	if err != nil {
		return err
	}

	policy, err := rule.NewCELLowStockPolicy(inv.LowStockExpression)
	if err != nil {
		return err
	}

	rollup := application.NewSoldCountRollup(store, m, inv.Rollup.Workers, inv.Rollup.QueueSize, inv.Rollup.Timeout)
	rollup.Start()
	app.OnShutdown("sold-count-rollup", func(context.Context) error {
		rollup.Stop()
		return nil
	})

	svc := application.NewService(store, locker, publisher, policy, rollup, otel.Tracer(serviceName), m, application.Options{
		MutationTimeout: inv.MutationTimeout,
		PublishTimeout:  inv.PublishTimeout,
		BulkConcurrency: inv.BulkConcurrency,
	})
	interfaces.NewInventoryHandler(svc).RegisterRoutes(app.Mux)
	return nil
}

func openStore(app *bootstrap.AppCtx) (ledgerStore, error) {
	cfg := app.Config
	switch cfg.Inventory.Storage {
	case "mysql":
		db, err := infrastructure.OpenMySQL(cfg.Infra.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		if err := infrastructure.Migrate(db); err != nil {
			return nil, errors.Wrap(err, "failed to migrate inventory schema")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		app.OnShutdown("mysql", func(context.Context) error { return sqlDB.Close() })
		return infrastructure.NewGormLedgerRepository(db, cfg.Inventory.LockTimeout), nil

	case "redis":
		client, err := redis.NewClient(cfg.Infra.Redis.Addrs)
		if err != nil {
			return nil, err
		}
		app.OnShutdown("redis", func(context.Context) error { return client.Close() })
		repo, err := infrastructure.NewRedisLedgerRepository(client, cfg.Inventory.RedisMaxRetries)
		if err != nil {
			return nil, err
		}
		return repo, nil

	default:
		return infrastructure.NewMemoryLedgerRepository(), nil
	}
}

func openLocker(app *bootstrap.AppCtx) (port.Locker, error) {
	cfg := app.Config
	switch cfg.Inventory.Locking {
	case "zookeeper":
		conn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, err
		}
		app.OnShutdown("zookeeper", func(context.Context) error {
			conn.Close()
			return nil
		})
		return zookeeper.NewLocker(conn, cfg.Inventory.LockTimeout), nil
	case "none":
		return nil, nil
	default:
		return keylock.New(cfg.Inventory.LockTimeout), nil
	}
}

func openPublishers(app *bootstrap.AppCtx) (port.StockEventPublisher, error) {
	cfg := app.Config
	var publishers []port.StockEventPublisher

	for _, name := range cfg.Inventory.Publishers {
		switch name {
		case "kafka":
			writer := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.Topic)
			app.OnShutdown("kafka-writer", func(context.Context) error { return writer.Close() })
			publishers = append(publishers, adapter.NewStockEventKafkaAdapter(writer))

		case "websocket":
			hub := ws.NewHub(serviceName + "-" + uuid.New().String()[:8])
			ctx, cancel := context.WithCancel(context.Background())
			go hub.Run(ctx)
			app.OnShutdown("ws-hub", func(context.Context) error {
				cancel()
				return nil
			})
			app.Mux.HandleFunc("GET /ws/stock", hub.ServeWs)
			publishers = append(publishers, hub)

		default:
			return nil, errors.Errorf("unknown stock event publisher %q", name)
		}
	}

	if len(publishers) == 0 {
		return adapter.NopPublisher{}, nil
	}
	return adapter.NewFanoutPublisher(publishers...), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
