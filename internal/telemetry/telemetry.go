// Package telemetry provides the OpenTelemetry MeterProvider and the
// attendance instruments recorded against it.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Providers holds the MeterProvider and its shutdown function.
type Providers struct {
	MeterProvider *sdkmetric.MeterProvider
	Shutdown      func(context.Context) error
}

// NewProviders creates a MeterProvider exporting via OTLP/gRPC to endpoint.
// endpoint may be host:port or a URL; only the host is used. If empty, a
// provider without readers is returned and Shutdown is a no-op.
func NewProviders(ctx context.Context, endpoint, serviceName string, insecureOverride bool) (*Providers, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return &Providers{
			MeterProvider: sdkmetric.NewMeterProvider(),
			Shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	insecure := insecureOverride || u.Scheme != "https"

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(u.Host)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))),
	)
	return &Providers{
		MeterProvider: mp,
		Shutdown: func(ctx context.Context) error {
			if err := mp.Shutdown(ctx); err != nil {
				slog.Warn("telemetry: shutdown", "error", err)
				return err
			}
			return nil
		},
	}, nil
}

// SetGlobal installs the MeterProvider as the global one.
func (p *Providers) SetGlobal() {
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
