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

// Package webhooks implements the webhook fan-out pipeline: the emitter
// translating domain events into deduplicated delivery rows and the worker
// POSTing them with retries under a visibility lease.
package webhooks

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/events"
	"github.com/gravitational/telemeter/lib/storage"
	"github.com/gravitational/telemeter/lib/utils"
)

var webhookEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: telemeter.MetricNamespace,
	Name:      telemeter.MetricWebhookEnqueued,
	Help:      "Number of delivery enqueues by outcome (created or deduplicated)",
}, []string{"outcome"})

// EmitterStore is the persistence surface of the emitter.
type EmitterStore interface {
	MatchWebhookSubscriptions(ctx context.Context, projectID uuid.UUID, eventType string) ([]storage.WebhookSubscription, error)
	EnqueueWebhookDelivery(ctx context.Context, p storage.EnqueueDeliveryParams) (*storage.WebhookDelivery, bool, error)
}

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	Store EmitterStore
	Clock clockwork.Clock
	Log   *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *EmitterConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentEmitter)
	}
	return nil
}

// Emitter fans domain events out into the delivery queue: one pending row
// per matching active subscription, deduplicated by
// subscription:event:payload-hash.
type Emitter struct {
	store EmitterStore
	clock clockwork.Clock
	log   *slog.Logger
}

// NewEmitter creates an Emitter.
func NewEmitter(cfg EmitterConfig) (*Emitter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(webhookEnqueued); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Emitter{store: cfg.Store, clock: cfg.Clock, log: cfg.Log}, nil
}

// Emit enqueues one delivery per active subscription of the project that
// selects the event type. Re-emitting a logically identical event is a
// no-op thanks to the dedup key.
func (e *Emitter) Emit(ctx context.Context, projectID uuid.UUID, event events.Event) error {
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	subscriptions, err := e.store.MatchWebhookSubscriptions(ctx, projectID, event.Type)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(subscriptions) == 0 {
		return nil
	}
	body, err := event.MarshalBody()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, sub := range subscriptions {
		dedupKey, err := events.DedupKey(sub.ID, event.Type, event.Payload)
		if err != nil {
			return trace.Wrap(err)
		}
		delivery, created, err := e.store.EnqueueWebhookDelivery(ctx, storage.EnqueueDeliveryParams{
			SubscriptionID: sub.ID,
			ProjectID:      projectID,
			EventType:      event.Type,
			TargetURL:      sub.TargetURL,
			Secret:         sub.Secret,
			RequestBody:    body,
			DedupKey:       dedupKey,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if created {
			webhookEnqueued.WithLabelValues("created").Inc()
			e.log.DebugContext(ctx, "Enqueued webhook delivery",
				"delivery_id", delivery.ID, "event_type", event.Type, "subscription_id", sub.ID)
		} else {
			webhookEnqueued.WithLabelValues("deduplicated").Inc()
			e.log.DebugContext(ctx, "Deduplicated webhook delivery",
				"delivery_id", delivery.ID, "event_type", event.Type, "subscription_id", sub.ID)
		}
	}
	return nil
}
