package logger

import (
	"context"
	"strings"

	"github.com/smallbiznis/railpay/internal/config"
	obsctx "github.com/smallbiznis/railpay/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module provides the root logger and installs it as the zap global.
var Module = fx.Module("logger",
	fx.Provide(New),
	fx.Invoke(func(log *zap.Logger) { zap.ReplaceGlobals(log) }),
	fx.Invoke(registerSync),
)

// New builds the root logger from observability settings.
func New(cfg config.Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if raw := strings.TrimSpace(cfg.Observability.LogLevel); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return nil, err
		}
	}

	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Observability.LogFormat, "console") || !cfg.IsProduction() {
		zcfg = zap.NewDevelopmentConfig()
	}
	if strings.EqualFold(cfg.Observability.LogFormat, "json") {
		zcfg.Encoding = "json"
		zcfg.EncoderConfig = zap.NewProductionEncoderConfig()
	}
	zcfg.Level = level
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return log.With(
		zap.String("service", cfg.ServiceName),
		zap.String("env", cfg.Environment),
	), nil
}

func registerSync(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
}

// FromContext returns the global logger enriched with the trace, request and
// record identifiers carried by ctx.
func FromContext(ctx context.Context) *zap.Logger {
	log := zap.L()
	if ctx == nil {
		return log
	}
	fields := make([]zap.Field, 0, 6)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if requestID := obsctx.RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if channel := obsctx.ChannelFromContext(ctx); channel != "" {
		fields = append(fields, zap.String("channel", channel))
	}
	if kind, id := obsctx.RecordFromContext(ctx); kind != "" {
		fields = append(fields, zap.String(kind+"_id", id))
	}
	if len(fields) == 0 {
		return log
	}
	return log.With(fields...)
}
