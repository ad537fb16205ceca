// cmd/push-gateway/main.go
package main

import (
	"context"
	"os"

	"github.com/google/uuid"

	"nexus-stock/internal/pkg/bootstrap"
	"nexus-stock/internal/pkg/mq"
	"nexus-stock/internal/service/inventory/interfaces"
	"nexus-stock/internal/service/inventory/interfaces/ws"
)

const serviceName = "push-gateway"

var nodeID = serviceName + "-" + uuid.New().String()[:8]

// push-gateway 消费 stock-changes 主题，把库存变化推给连在本节点上的浏览器。
// 每个节点使用独立的消费组，保证每个节点都能收到全部事件。
func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		ConfigPath:  getEnv("CONFIG_PATH", "configs/push-gateway.yaml"),
		RegisterHandlers: func(app *bootstrap.AppCtx) error {
			kafkaCfg := app.Config.Infra.Kafka
			groupID := kafkaCfg.GroupID
			if groupID == "" {
				groupID = nodeID
			}

			ctx, cancel := context.WithCancel(context.Background())
			hub := ws.NewHub(nodeID)
			go hub.Run(ctx)

			consumer := interfaces.NewStockEventConsumer(mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.Topic, groupID), hub)
			consumer.Start(ctx)

			app.OnShutdown("stock-event-consumer", func(context.Context) error {
				consumer.Stop()
				cancel()
				return nil
			})

			app.Mux.HandleFunc("GET /ws/stock", hub.ServeWs)
			return nil
		},
	})
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
