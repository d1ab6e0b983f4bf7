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

// Package service assembles and supervises the telemeter process: storage,
// caches, domain services, background workers and the HTTP listeners.
package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/backfill"
	"github.com/gravitational/telemeter/lib/experiments"
	"github.com/gravitational/telemeter/lib/ingest"
	"github.com/gravitational/telemeter/lib/observability/tracing"
	"github.com/gravitational/telemeter/lib/profiles"
	"github.com/gravitational/telemeter/lib/sensors"
	"github.com/gravitational/telemeter/lib/storage"
	"github.com/gravitational/telemeter/lib/utils"
	"github.com/gravitational/telemeter/lib/web"
	"github.com/gravitational/telemeter/lib/webhooks"
)

// Run starts a telemeter process and blocks until ctx is canceled and the
// process has drained, or startup fails.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	log, err := utils.InitLogger(cfg.Log.Format, cfg.Log.Severity)
	if err != nil {
		return trace.Wrap(err)
	}
	log = log.With(telemeter.ComponentKey, telemeter.ComponentTelemeter)
	log.InfoContext(ctx, "Starting telemeter",
		"version", telemeter.Version, "environment", cfg.Environment)

	var traceProvider *tracing.Provider
	if cfg.Tracing.ExporterURL != "" {
		traceProvider, err = tracing.NewProvider(ctx, tracing.Config{
			ExporterURL:  cfg.Tracing.ExporterURL,
			SamplingRate: cfg.Tracing.SamplingRate,
			Insecure:     cfg.Tracing.Insecure,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		defer func() {
			if err := traceProvider.Shutdown(context.Background()); err != nil {
				log.WarnContext(ctx, "Failed to shut down trace provider", "error", err)
			}
		}()
	}

	cfg.Database.Clock = cfg.Clock
	store, err := storage.New(ctx, cfg.Database)
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	handler, deliveryWorker, backfillWorker, err := assemble(cfg, store)
	if err != nil {
		return trace.Wrap(err)
	}

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           otelhttp.NewHandler(handler, "telemeter-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.InfoContext(groupCtx, "Public API listening", "addr", cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	if cfg.DiagAddr != "" {
		diagServer := newDiagServer(cfg.DiagAddr)
		group.Go(func() error {
			log.InfoContext(groupCtx, "Diagnostics listening", "addr", cfg.DiagAddr)
			if err := diagServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return trace.Wrap(err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			return shutdownServer(diagServer, cfg.ShutdownTimeout)
		})
	}
	if deliveryWorker != nil {
		group.Go(func() error {
			deliveryWorker.Run(groupCtx)
			return nil
		})
	}
	if backfillWorker != nil {
		group.Go(func() error {
			backfillWorker.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		log.InfoContext(ctx, "Shutting down", "timeout", cfg.ShutdownTimeout)
		return shutdownServer(apiServer, cfg.ShutdownTimeout)
	})

	if err := group.Wait(); err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Telemeter stopped")
	return nil
}

// assemble wires the domain services and workers over the store.
func assemble(cfg Config, store *storage.Store) (*web.Handler, *webhooks.Worker, *backfill.Worker, error) {
	cache, err := ingest.NewProfileCache(ingest.ProfileCacheConfig{Loader: store})
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	emitter, err := webhooks.NewEmitter(webhooks.EmitterConfig{Store: store, Clock: cfg.Clock})
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	ingestService, err := ingest.NewService(ingest.Config{
		Store: store, Cache: cache, Clock: cfg.Clock,
	})
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	sensorService, err := sensors.NewService(sensors.Config{Store: store})
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	profileService, err := profiles.NewService(profiles.Config{
		Store: store, Cache: cache, Emitter: emitter, Clock: cfg.Clock,
	})
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	experimentService, err := experiments.NewService(experiments.Config{
		Store: store, Emitter: emitter, Clock: cfg.Clock,
	})
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}

	var deliveryWorker *webhooks.Worker
	if !cfg.Webhooks.Disabled {
		deliveryWorker, err = webhooks.NewWorker(webhooks.WorkerConfig{
			Store:        store,
			Clock:        cfg.Clock,
			TickInterval: cfg.Webhooks.TickInterval,
			Concurrency:  cfg.Webhooks.Workers,
			MaxAttempts:  cfg.Webhooks.MaxAttempts,
			Client:       webhookClient(cfg.Webhooks.Timeout),
		})
		if err != nil {
			return nil, nil, nil, trace.Wrap(err)
		}
	}
	var backfillWorker *backfill.Worker
	if !cfg.Backfill.Disabled {
		backfillWorker, err = backfill.NewWorker(backfill.Config{
			Store:        store,
			Emitter:      emitter,
			Clock:        cfg.Clock,
			TickInterval: cfg.Backfill.TickInterval,
			PageSize:     cfg.Backfill.PageSize,
		})
		if err != nil {
			return nil, nil, nil, trace.Wrap(err)
		}
	}

	handler, err := web.NewHandler(web.Config{
		Ingest:      ingestService,
		Sensors:     sensorService,
		Profiles:    profileService,
		Experiments: experimentService,
		Backend:     store,
		Emitter:     emitter,
		Clock:       cfg.Clock,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	return handler, deliveryWorker, backfillWorker, nil
}

func webhookClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		return nil
	}
	return &http.Client{Timeout: timeout}
}

// newDiagServer serves Prometheus metrics and pprof profiles.
func newDiagServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return trace.Wrap(server.Close())
	}
	return nil
}
