package telemetry

import (
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewMeterProvider builds an OpenTelemetry MeterProvider that periodically
// exports metrics as JSON to w, mirroring NewTracerProvider's stdout-only
// posture. Prometheus (Metrics, above) remains the primary metrics surface
// exposed over /metrics; this is additional OTel-native export for anyone
// consuming the stdout stream directly.
func NewMeterProvider(w io.Writer) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}
