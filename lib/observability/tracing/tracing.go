/*
 * Telemeter
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package tracing sets up the OpenTelemetry trace provider exporting over
// OTLP HTTP.
package tracing

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/gravitational/telemeter"
)

// Config configures the trace provider.
type Config struct {
	// Service is the service.name resource attribute.
	Service string
	// ExporterURL is the OTLP HTTP collector endpoint, e.g.
	// "localhost:4318". Empty disables tracing.
	ExporterURL string
	// SamplingRate is the fraction of traces to sample in [0, 1].
	SamplingRate float64
	// Insecure allows a plaintext collector connection.
	Insecure bool
	// Log emits provider lifecycle entries.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ExporterURL == "" {
		return trace.BadParameter("missing parameter ExporterURL")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return trace.BadParameter("SamplingRate must be within [0, 1]")
	}
	if c.Service == "" {
		c.Service = "telemeter"
	}
	if c.Log == nil {
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentTracing)
	}
	return nil
}

// Provider owns the configured trace provider and flushes it on shutdown.
type Provider struct {
	provider *sdktrace.TracerProvider
	log      *slog.Logger
}

// NewProvider creates and installs the global trace provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.ExporterURL)}
	if cfg.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, trace.Wrap(err, "creating OTLP trace exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.Service),
			semconv.ServiceVersionKey.String(telemeter.Version),
		),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	cfg.Log.InfoContext(ctx, "Tracing enabled",
		"exporter_url", cfg.ExporterURL, "sampling_rate", cfg.SamplingRate)
	return &Provider{provider: provider, log: cfg.Log}, nil
}

// Shutdown flushes buffered spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return trace.Wrap(p.provider.Shutdown(ctx))
}
