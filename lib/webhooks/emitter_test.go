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
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/telemeter/lib/events"
	"github.com/gravitational/telemeter/lib/storage"
)

type fakeEmitterStore struct {
	subscriptions []storage.WebhookSubscription
	deliveries    map[string]*storage.WebhookDelivery
}

func newFakeEmitterStore() *fakeEmitterStore {
	return &fakeEmitterStore{deliveries: make(map[string]*storage.WebhookDelivery)}
}

func (f *fakeEmitterStore) MatchWebhookSubscriptions(ctx context.Context, projectID uuid.UUID, eventType string) ([]storage.WebhookSubscription, error) {
	var out []storage.WebhookSubscription
	for _, sub := range f.subscriptions {
		if sub.ProjectID != projectID || !sub.Active {
			continue
		}
		for _, t := range sub.EventTypes {
			if t == eventType {
				out = append(out, sub)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeEmitterStore) EnqueueWebhookDelivery(ctx context.Context, p storage.EnqueueDeliveryParams) (*storage.WebhookDelivery, bool, error) {
	if existing, ok := f.deliveries[p.DedupKey]; ok {
		return existing, false, nil
	}
	delivery := &storage.WebhookDelivery{
		ID:             uuid.New(),
		SubscriptionID: p.SubscriptionID,
		ProjectID:      p.ProjectID,
		EventType:      p.EventType,
		TargetURL:      p.TargetURL,
		Secret:         p.Secret,
		RequestBody:    p.RequestBody,
		Status:         storage.DeliveryStatusPending,
		DedupKey:       &p.DedupKey,
	}
	f.deliveries[p.DedupKey] = delivery
	return delivery, true, nil
}

func testEvent(clock clockwork.Clock) events.Event {
	return events.Event{
		Type:       events.RunStarted,
		OccurredAt: clock.Now().UTC(),
		Payload:    map[string]any{"run_id": "f0b5b1f0-0000-0000-0000-000000000001"},
	}
}

func subscription(projectID uuid.UUID, active bool, eventTypes ...string) storage.WebhookSubscription {
	secret := "hunter2"
	return storage.WebhookSubscription{
		ID:         uuid.New(),
		ProjectID:  projectID,
		TargetURL:  "https://hooks.example.com/telemeter",
		EventTypes: eventTypes,
		Secret:     &secret,
		Active:     active,
	}
}

func TestEmitFansOutToMatchingSubscriptions(t *testing.T) {
	store := newFakeEmitterStore()
	clock := clockwork.NewFakeClock()
	emitter, err := NewEmitter(EmitterConfig{Store: store, Clock: clock})
	require.NoError(t, err)

	projectID := uuid.New()
	store.subscriptions = []storage.WebhookSubscription{
		subscription(projectID, true, events.RunStarted, events.CaptureSessionCreated),
		subscription(projectID, true, events.CaptureSessionCreated),
		subscription(projectID, false, events.RunStarted),
		subscription(uuid.New(), true, events.RunStarted),
	}

	require.NoError(t, emitter.Emit(context.Background(), projectID, testEvent(clock)))
	// Only the active, matching subscription of the project got a delivery.
	require.Len(t, store.deliveries, 1)
	for _, delivery := range store.deliveries {
		require.Equal(t, store.subscriptions[0].ID, delivery.SubscriptionID)
		require.Equal(t, events.RunStarted, delivery.EventType)

		var envelope events.Envelope
		require.NoError(t, json.Unmarshal(delivery.RequestBody, &envelope))
		require.Equal(t, events.RunStarted, envelope.EventType)
		require.Equal(t, "f0b5b1f0-0000-0000-0000-000000000001", envelope.Payload["run_id"])
	}
}

func TestEmitDeduplicates(t *testing.T) {
	store := newFakeEmitterStore()
	clock := clockwork.NewFakeClock()
	emitter, err := NewEmitter(EmitterConfig{Store: store, Clock: clock})
	require.NoError(t, err)

	projectID := uuid.New()
	store.subscriptions = []storage.WebhookSubscription{
		subscription(projectID, true, events.RunStarted),
	}

	event := testEvent(clock)
	require.NoError(t, emitter.Emit(context.Background(), projectID, event))
	// The same logical event later maps to the same dedup key.
	event.OccurredAt = event.OccurredAt.Add(time.Minute)
	require.NoError(t, emitter.Emit(context.Background(), projectID, event))
	require.Len(t, store.deliveries, 1)

	// A different payload is a different delivery.
	event.Payload = map[string]any{"run_id": "f0b5b1f0-0000-0000-0000-000000000002"}
	require.NoError(t, emitter.Emit(context.Background(), projectID, event))
	require.Len(t, store.deliveries, 2)
}

func TestEmitValidatesEvent(t *testing.T) {
	store := newFakeEmitterStore()
	clock := clockwork.NewFakeClock()
	emitter, err := NewEmitter(EmitterConfig{Store: store, Clock: clock})
	require.NoError(t, err)

	err = emitter.Emit(context.Background(), uuid.New(), events.Event{
		Type:       "made.up",
		OccurredAt: clock.Now(),
	})
	require.True(t, trace.IsBadParameter(err))

	err = emitter.Emit(context.Background(), uuid.New(), events.Event{Type: events.RunStarted})
	require.True(t, trace.IsBadParameter(err))
}

func TestEmitNoSubscriptionsIsNoop(t *testing.T) {
	store := newFakeEmitterStore()
	clock := clockwork.NewFakeClock()
	emitter, err := NewEmitter(EmitterConfig{Store: store, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, emitter.Emit(context.Background(), uuid.New(), testEvent(clock)))
	require.Empty(t, store.deliveries)
}
