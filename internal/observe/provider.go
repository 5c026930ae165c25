// Provider construction, grounded on MrWong99-glyphoxa/internal/observe/
// provider.go: a Prometheus-backed metric.MeterProvider registered as the
// global OTel provider, with a shutdown func returned for a deferred call in
// main().
package observe

import (
	"context"

	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitProvider wires a Prometheus exporter into an SDK MeterProvider and
// registers it as the global provider, so DefaultMetrics()/NewMetrics can
// build instruments against it. Returns a shutdown func for a deferred call.
func InitProvider() (shutdown func(context.Context) error, err error) {
	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExp))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
