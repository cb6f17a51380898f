package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Module registers the payment and HTTP collectors on the default registry
// served at /metrics.
var Module = fx.Module("metrics",
	fx.Provide(Payment),
	fx.Provide(func() *HTTPMetrics { return NewHTTPMetrics(prometheus.DefaultRegisterer) }),
)
