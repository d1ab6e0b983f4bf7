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

// Package events defines the domain events emitted after successful
// mutations and the envelope delivered to webhook subscribers.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Domain event types. Capture-session types double as the event_type of the
// session audit log.
const (
	// RunStarted is emitted when a run transitions to running.
	RunStarted = "run.started"
	// CaptureSessionCreated is emitted when a capture session is created.
	CaptureSessionCreated = "capture_session.created"
	// CaptureSessionStopped is emitted when a capture session reaches a
	// terminal status.
	CaptureSessionStopped = "capture_session.stopped"
	// CaptureSessionDeleted is emitted when a non-active capture session is
	// deleted.
	CaptureSessionDeleted = "capture_session.deleted"
	// ConversionProfilePublished is emitted when a profile becomes active.
	ConversionProfilePublished = "conversion_profile.published"
	// BackfillCompleted is emitted when a backfill task finishes
	// successfully.
	BackfillCompleted = "backfill.completed"
	// WebhookSubscriptionCreated is emitted when a subscription is created.
	WebhookSubscriptionCreated = "webhook_subscription.created"
)

// KnownTypes lists every event type a subscription may select.
var KnownTypes = []string{
	RunStarted,
	CaptureSessionCreated,
	CaptureSessionStopped,
	CaptureSessionDeleted,
	ConversionProfilePublished,
	BackfillCompleted,
	WebhookSubscriptionCreated,
}

// IsKnownType reports whether v names a domain event.
func IsKnownType(v string) bool {
	for _, t := range KnownTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Event is one domain event before fan-out.
type Event struct {
	// Type is one of the constants above.
	Type string
	// OccurredAt is the mutation commit time.
	OccurredAt time.Time
	// Payload carries event-specific details. It must be JSON-encodable.
	Payload map[string]any
}

// Check validates the event.
func (e *Event) Check() error {
	if !IsKnownType(e.Type) {
		return trace.BadParameter("unknown event type %q", e.Type)
	}
	if e.OccurredAt.IsZero() {
		return trace.BadParameter("missing event time")
	}
	return nil
}

// Envelope is the JSON body POSTed to a subscriber.
type Envelope struct {
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// MarshalBody encodes the webhook request body for the event.
func (e *Event) MarshalBody() ([]byte, error) {
	body, err := json.Marshal(Envelope{
		EventType:  e.Type,
		OccurredAt: e.OccurredAt.UTC(),
		Payload:    e.Payload,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return body, nil
}

// DedupKey derives the delivery idempotency key for an event aimed at one
// subscription. Two events with the same subscription, type and payload map
// to the same key regardless of when they occurred.
func DedupKey(subscriptionID uuid.UUID, eventType string, payload map[string]any) (string, error) {
	hash, err := ShortHash(payload)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return fmt.Sprintf("%s:%s:%s", subscriptionID, eventType, hash), nil
}

// ShortHash returns the first 16 hex characters of the SHA-256 of the
// payload's canonical JSON encoding. encoding/json sorts map keys, which
// makes the encoding canonical for our payloads.
func ShortHash(payload map[string]any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:16], nil
}
