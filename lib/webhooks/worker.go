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

package webhooks

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/storage"
	"github.com/gravitational/telemeter/lib/utils"
)

var (
	webhookClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricWebhookDeliveriesClaimed,
		Help:      "Number of deliveries claimed for an attempt",
	})
	webhookAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricWebhookAttempts,
		Help:      "Number of delivery attempts by outcome",
	}, []string{"outcome"})
	webhookAttemptSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricWebhookAttemptSeconds,
		Help:      "Outbound webhook POST latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	webhookSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricWebhookDeliveriesSwept,
		Help:      "Number of stuck in_progress deliveries reverted to pending",
	})
)

// WorkerStore is the persistence surface of the delivery worker.
type WorkerStore interface {
	ClaimDueWebhookDeliveries(ctx context.Context, limit int) ([]storage.WebhookDelivery, error)
	MarkWebhookDeliverySucceeded(ctx context.Context, deliveryID uuid.UUID) error
	MarkWebhookDeliveryRetry(ctx context.Context, deliveryID uuid.UUID, nextAttemptAt time.Time, lastError string) error
	MarkWebhookDeliveryFailed(ctx context.Context, deliveryID uuid.UUID, lastError string) error
	SweepStaleWebhookDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkerConfig configures a delivery Worker.
type WorkerConfig struct {
	Store WorkerStore
	Clock clockwork.Clock
	Log   *slog.Logger

	// Client performs the outbound POSTs. Its timeout bounds each attempt.
	Client *http.Client

	// TickInterval is how often the worker polls for due deliveries.
	TickInterval time.Duration
	// SweepInterval is how often stale leases are reclaimed.
	SweepInterval time.Duration
	// Concurrency is how many POSTs run in parallel per tick.
	Concurrency int
	// ClaimLimit caps rows claimed per tick.
	ClaimLimit int
	// MaxAttempts terminally fails a delivery once reached.
	MaxAttempts int
	// BackoffBase and BackoffMax shape the retry schedule.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// StaleLease is how long an in_progress row may sit before the sweeper
	// reclaims it.
	StaleLease time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *WorkerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentWebhooks)
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.WebhookTimeout}
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaults.WebhookTickInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.WebhookSweepInterval
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaults.WebhookWorkers
	}
	if c.ClaimLimit == 0 {
		c.ClaimLimit = defaults.WebhookClaimLimit
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.WebhookMaxAttempts
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaults.WebhookBackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = defaults.WebhookBackoffMax
	}
	if c.StaleLease == 0 {
		c.StaleLease = defaults.WebhookStaleLease
	}
	return nil
}

// Worker drains the delivery queue: claim due pending rows under a
// visibility lease, POST them in parallel and mark the outcome. Many
// workers may run across processes; the claim query keeps them from
// stepping on each other.
type Worker struct {
	cfg     WorkerConfig
	backoff *utils.ExponentialBackoff
	jitter  utils.Jitter

	wg sync.WaitGroup
}

// NewWorker creates a delivery worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	backoff, err := utils.NewExponentialBackoff(utils.ExponentialBackoffConfig{
		Base: cfg.BackoffBase,
		Max:  cfg.BackoffMax,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(
		webhookClaimed, webhookAttempts, webhookAttemptSeconds, webhookSwept,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Worker{
		cfg:     cfg,
		backoff: backoff,
		jitter:  utils.NewSeventhJitter(),
	}, nil
}

// Run starts the delivery and sweeper loops and blocks until ctx is
// canceled and both have drained.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(2)
	go w.deliveryLoop(ctx)
	go w.sweepLoop(ctx)
	w.wg.Wait()
}

func (w *Worker) deliveryLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.cfg.Log.InfoContext(ctx, "Exited webhook delivery loop")

	// jittered ticks keep workers across processes from claiming in lockstep
	timer := w.cfg.Clock.NewTimer(w.jitter(w.cfg.TickInterval))
	defer timer.Stop()
	for {
		if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.cfg.Log.ErrorContext(ctx, "Webhook delivery tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}
		timer.Reset(w.jitter(w.cfg.TickInterval))
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.cfg.Log.InfoContext(ctx, "Exited webhook sweeper loop")

	timer := w.cfg.Clock.NewTimer(w.jitter(w.cfg.SweepInterval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}
		timer.Reset(w.jitter(w.cfg.SweepInterval))
		cutoff := w.cfg.Clock.Now().UTC().Add(-w.cfg.StaleLease)
		swept, err := w.cfg.Store.SweepStaleWebhookDeliveries(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				w.cfg.Log.ErrorContext(ctx, "Webhook stale-lease sweep failed", "error", err)
			}
			continue
		}
		if swept > 0 {
			webhookSwept.Add(float64(swept))
			w.cfg.Log.WarnContext(ctx, "Reclaimed stuck webhook deliveries", "count", swept)
		}
	}
}

// Tick claims one batch of due deliveries and attempts them in parallel.
// Exported for tests; the loop calls it on every tick.
func (w *Worker) Tick(ctx context.Context) error {
	claimed, err := w.cfg.Store.ClaimDueWebhookDeliveries(ctx, w.cfg.ClaimLimit)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(claimed) == 0 {
		return nil
	}
	webhookClaimed.Add(float64(len(claimed)))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.Concurrency)
	for _, delivery := range claimed {
		group.Go(func() error {
			w.attempt(groupCtx, delivery)
			return nil
		})
	}
	return trace.Wrap(group.Wait())
}

// attempt POSTs one claimed delivery and records the outcome. Errors are
// recorded on the row, never propagated: a failing subscriber must not
// stall the queue.
func (w *Worker) attempt(ctx context.Context, delivery storage.WebhookDelivery) {
	start := w.cfg.Clock.Now()
	postErr := w.post(ctx, delivery)
	webhookAttemptSeconds.Observe(w.cfg.Clock.Since(start).Seconds())

	if postErr == nil {
		webhookAttempts.WithLabelValues("success").Inc()
		if err := w.cfg.Store.MarkWebhookDeliverySucceeded(ctx, delivery.ID); err != nil {
			w.cfg.Log.ErrorContext(ctx, "Failed to mark delivery succeeded",
				"delivery_id", delivery.ID, "error", err)
		}
		return
	}

	if delivery.AttemptCount >= w.cfg.MaxAttempts {
		webhookAttempts.WithLabelValues("exhausted").Inc()
		w.cfg.Log.WarnContext(ctx, "Webhook delivery failed terminally",
			"delivery_id", delivery.ID, "attempts", delivery.AttemptCount, "error", postErr)
		if err := w.cfg.Store.MarkWebhookDeliveryFailed(ctx, delivery.ID, postErr.Error()); err != nil {
			w.cfg.Log.ErrorContext(ctx, "Failed to mark delivery failed",
				"delivery_id", delivery.ID, "error", err)
		}
		return
	}

	webhookAttempts.WithLabelValues("retry").Inc()
	nextAttempt := w.cfg.Clock.Now().UTC().Add(w.backoff.Duration(delivery.AttemptCount))
	w.cfg.Log.DebugContext(ctx, "Webhook delivery attempt failed, scheduling retry",
		"delivery_id", delivery.ID, "attempt", delivery.AttemptCount,
		"next_attempt_at", nextAttempt, "error", postErr)
	if err := w.cfg.Store.MarkWebhookDeliveryRetry(ctx, delivery.ID, nextAttempt, postErr.Error()); err != nil {
		w.cfg.Log.ErrorContext(ctx, "Failed to schedule delivery retry",
			"delivery_id", delivery.ID, "error", err)
	}
}

// post performs one signed POST. Any non-2xx response is an error.
func (w *Worker) post(ctx context.Context, delivery storage.WebhookDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		delivery.TargetURL, bytes.NewReader(delivery.RequestBody))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(telemeter.HeaderWebhookEvent, delivery.EventType)
	req.Header.Set(telemeter.HeaderWebhookDeliveryID, delivery.ID.String())
	if delivery.Secret != nil && *delivery.Secret != "" {
		req.Header.Set(telemeter.HeaderWebhookSignature, Sign(*delivery.Secret, delivery.RequestBody))
	}

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return trace.Errorf("subscriber returned %s", resp.Status)
	}
	return nil
}
