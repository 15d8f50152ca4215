package observability

import (
	"context"

	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/observability"
)

// Setup installs logging, registers metrics and starts the trace exporter.
// The returned function flushes pending spans.
func Setup(ctx context.Context, serviceName, logLevel, otlpEndpoint string) func(context.Context) error {
	observability.InitLogger(serviceName, observability.ParseLevel(logLevel))
	observability.InitMetrics()
	return observability.InitTracing(ctx, serviceName, otlpEndpoint)
}
