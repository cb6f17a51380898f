package observability

import (
	"github.com/smallbiznis/railpay/internal/observability/logger"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/observability/tracing"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	logger.Module,
	tracing.Module,
	metrics.Module,
)
