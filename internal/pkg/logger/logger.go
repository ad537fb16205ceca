// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"nexus-stock/internal/tracing"
)

func init() {
	// 没有注入 logger 的 context 退回到全局 logger
	zerolog.DefaultContextLogger = &zlog.Logger
}

// Init 配置全局 zerolog logger，所有日志都带上服务名。
func Init(serviceName, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	SetLevel(level)
}

// SetLevel 动态调整日志级别，非法值回退到 info。
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Ctx 返回 context 中的 logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// Middleware 提取上游的 trace 上下文，并把带 trace_id 的 logger 放进请求 context。
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		l := zlog.With().Str("path", r.URL.Path).Logger()
		if traceID := tracing.GetTraceIDFromContext(ctx); traceID != "" {
			l = l.With().Str("trace_id", traceID).Logger()
		}
		ctx = l.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
