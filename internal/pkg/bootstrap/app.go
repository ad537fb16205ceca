// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"

	"nexus-stock/internal/pkg/logger"
	"nexus-stock/internal/pkg/nacos"
	"nexus-stock/internal/tracing"
)

type AppCtx struct {
	Mux    *http.ServeMux
	Config *Config

	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// OnShutdown 注册一个关停时执行的清理函数，按注册的逆序执行。
func (a *AppCtx) OnShutdown(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	ConfigPath  string
	// RegisterHandlers 允许每个服务组装依赖并注册自己独特的 HTTP 路由
	RegisterHandlers func(appCtx *AppCtx) error
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	// 1. 配置与日志
	cfg, err := LoadConfig(info.ServiceName, info.ConfigPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(info.ServiceName, cfg.App.LogLevel)

	var namingClient *nacos.Client
	if cfg.Infra.Nacos.Enabled {
		serverConfigs, err := createNacosServerConfigs(cfg.Infra.Nacos.ServerAddrs)
		if err != nil {
			zlog.Fatal().Err(err).Msg("invalid Nacos server address format")
		}
		clientConfig := createNacosClientConfig(cfg.Infra.Nacos.Namespace)

		if err := initNacosConfig(cfg, serverConfigs, clientConfig); err != nil {
			zlog.Fatal().Err(err).Msg("failed to load config from nacos")
		}
		cfg = GetCurrentConfig()

		namingClient, err = nacos.NewNacosClientWithConfigs(serverConfigs, &clientConfig, cfg.Infra.Nacos.Group)
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
	}

	// 2. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 3. 路由
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	appCtx := &AppCtx{Mux: mux, Config: cfg}
	if info.RegisterHandlers != nil {
		if err := info.RegisterHandlers(appCtx); err != nil {
			zlog.Fatal().Err(err).Msg("failed to wire service")
		}
	}

	port := cfg.App.Port
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           logger.Middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zlog.Info().Int("port", port).Msgf("%s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	// 4. 服务注册
	var ip string
	if namingClient != nil {
		ip, err = outboundIP()
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, port); err != nil {
			zlog.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 5. 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// 阻塞主 goroutine，直到接收到退出信号
	<-quit
	zlog.Info().Msgf("Shutting down service %s...", info.ServiceName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// a. 先从 Nacos 注销，停止接收新流量
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, port); err != nil {
			zlog.Error().Err(err).Msg("Error deregistering from Nacos")
		}
		namingClient.Close()
	}
	if nacosConfigClient != nil {
		nacosConfigClient.CloseClient()
	}

	// b. 关闭 HTTP 服务器，等待进行中的请求完成
	if err := server.Shutdown(ctx); err != nil {
		zlog.Error().Err(err).Msg("Error shutting down http server")
	}

	// c. 服务自己的资源 (后进先出)
	for i := len(appCtx.closers) - 1; i >= 0; i-- {
		c := appCtx.closers[i]
		if err := c.fn(ctx); err != nil {
			zlog.Error().Err(err).Str("closer", c.name).Msg("Error during shutdown")
		}
	}

	// d. 关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(ctx); err != nil {
		zlog.Error().Err(err).Msg("Error shutting down tracer provider")
	}

	zlog.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

// outboundIP 返回本机对外通信使用的地址，不会真正发包。
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
