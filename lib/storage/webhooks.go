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

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/gravitational/telemeter/lib/defaults"
)

const subscriptionColumns = `id, project_id, target_url, event_types, secret,
	active, created_at, updated_at`

func scanSubscription(row pgx.Row) (*WebhookSubscription, error) {
	var w WebhookSubscription
	err := row.Scan(&w.ID, &w.ProjectID, &w.TargetURL, &w.EventTypes,
		&w.Secret, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("webhook subscription not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &w, nil
}

// CreateWebhookSubscription inserts an active subscription.
func (s *Store) CreateWebhookSubscription(ctx context.Context, projectID uuid.UUID, targetURL string, eventTypes []string, secret *string) (*WebhookSubscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx, `
		INSERT INTO webhook_subscriptions (project_id, target_url, event_types, secret)
		VALUES ($1, $2, $3, $4)
		RETURNING `+subscriptionColumns,
		projectID, targetURL, eventTypes, secret))
}

// GetWebhookSubscription fetches a subscription by id.
func (s *Store) GetWebhookSubscription(ctx context.Context, subscriptionID uuid.UUID) (*WebhookSubscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`,
		subscriptionID))
}

// MatchWebhookSubscriptions returns the project's active subscriptions
// selecting the given event type.
func (s *Store) MatchWebhookSubscriptions(ctx context.Context, projectID uuid.UUID, eventType string) ([]WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE project_id = $1 AND active AND $2 = ANY(event_types)
		ORDER BY created_at, id`,
		projectID, eventType)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var subs []WebhookSubscription
	for rows.Next() {
		w, err := scanSubscription(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		subs = append(subs, *w)
	}
	return subs, trace.Wrap(rows.Err())
}

const deliveryColumns = `id, subscription_id, project_id, event_type,
	target_url, secret, request_body, status, attempt_count, last_error,
	next_attempt_at, locked_at, dedup_key, created_at, updated_at`

func scanDelivery(row pgx.Row) (*WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.ProjectID, &d.EventType,
		&d.TargetURL, &d.Secret, &d.RequestBody, &d.Status, &d.AttemptCount,
		&d.LastError, &d.NextAttemptAt, &d.LockedAt, &d.DedupKey,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("webhook delivery not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &d, nil
}

// EnqueueDeliveryParams describes a delivery to enqueue. Target and secret
// are denormalized from the subscription at enqueue time.
type EnqueueDeliveryParams struct {
	SubscriptionID uuid.UUID
	ProjectID      uuid.UUID
	EventType      string
	TargetURL      string
	Secret         *string
	RequestBody    []byte
	DedupKey       string
}

// EnqueueWebhookDelivery inserts a pending delivery due immediately. A
// dedup_key conflict returns the pre-existing row with created=false; no new
// delivery is created for a logically identical event.
func (s *Store) EnqueueWebhookDelivery(ctx context.Context, p EnqueueDeliveryParams) (*WebhookDelivery, bool, error) {
	delivery, err := scanDelivery(s.pool.QueryRow(ctx, `
		INSERT INTO webhook_deliveries
			(subscription_id, project_id, event_type, target_url, secret,
			request_body, status, next_attempt_at, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+deliveryColumns,
		p.SubscriptionID, p.ProjectID, p.EventType, p.TargetURL, p.Secret,
		p.RequestBody, DeliveryStatusPending, s.Now(), p.DedupKey))
	if err == nil {
		return delivery, true, nil
	}
	if !isUniqueViolation(err, "webhook_deliveries_dedup_key_key") {
		return nil, false, trace.Wrap(err)
	}
	existing, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE dedup_key = $1`,
		p.DedupKey))
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return existing, false, nil
}

// ClaimDueWebhookDeliveries atomically claims up to limit pending deliveries
// that are due, ordered by next_attempt_at ascending. Claimed rows move to
// in_progress with the attempt counted and locked_at stamped; SKIP LOCKED
// keeps concurrent workers from claiming the same row.
func (s *Store) ClaimDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	now := s.Now()
	rows, err := s.pool.Query(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, locked_at = $2, attempt_count = attempt_count + 1, updated_at = $2
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = $3 AND next_attempt_at <= $2
			ORDER BY next_attempt_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		DeliveryStatusInProgress, now, DeliveryStatusPending, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var claimed []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		claimed = append(claimed, *d)
	}
	return claimed, trace.Wrap(rows.Err())
}

// MarkWebhookDeliverySucceeded finishes an in_progress delivery.
func (s *Store) MarkWebhookDeliverySucceeded(ctx context.Context, deliveryID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, last_error = NULL, next_attempt_at = NULL, locked_at = NULL, updated_at = $3
		WHERE id = $1 AND status = $4`,
		deliveryID, DeliveryStatusSucceeded, s.Now(), DeliveryStatusInProgress)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("webhook delivery is not in progress")
	}
	return nil
}

// MarkWebhookDeliveryRetry returns an in_progress delivery to pending with
// the next attempt scheduled and the failure recorded.
func (s *Store) MarkWebhookDeliveryRetry(ctx context.Context, deliveryID uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, next_attempt_at = $3, last_error = $4, locked_at = NULL, updated_at = $5
		WHERE id = $1 AND status = $6`,
		deliveryID, DeliveryStatusPending, nextAttemptAt,
		truncateError(lastError, defaults.WebhookErrorMaxLen), s.Now(),
		DeliveryStatusInProgress)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("webhook delivery is not in progress")
	}
	return nil
}

// MarkWebhookDeliveryFailed terminally fails an in_progress delivery after
// its attempts are exhausted. Operators may return it to the queue with
// RetryWebhookDelivery.
func (s *Store) MarkWebhookDeliveryFailed(ctx context.Context, deliveryID uuid.UUID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, next_attempt_at = NULL, last_error = $3, locked_at = NULL, updated_at = $4
		WHERE id = $1 AND status = $5`,
		deliveryID, DeliveryStatusFailed,
		truncateError(lastError, defaults.WebhookErrorMaxLen), s.Now(),
		DeliveryStatusInProgress)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("webhook delivery is not in progress")
	}
	return nil
}

// SweepStaleWebhookDeliveries reverts in_progress deliveries locked before
// the cutoff back to pending, reclaiming rows whose worker died mid-attempt.
func (s *Store) SweepStaleWebhookDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	now := s.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, locked_at = NULL, next_attempt_at = $2, updated_at = $2
		WHERE status = $3 AND locked_at < $4`,
		DeliveryStatusPending, now, DeliveryStatusInProgress, cutoff)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// RetryWebhookDelivery returns a failed delivery of the project to pending,
// due immediately, with its attempt count preserved.
func (s *Store) RetryWebhookDelivery(ctx context.Context, projectID, deliveryID uuid.UUID) (*WebhookDelivery, error) {
	delivery, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE webhook_deliveries
		SET status = $3, next_attempt_at = $4, locked_at = NULL, updated_at = $4
		WHERE id = $1 AND project_id = $2 AND status = $5
		RETURNING `+deliveryColumns,
		deliveryID, projectID, DeliveryStatusPending, s.Now(), DeliveryStatusFailed))
	if err != nil {
		if trace.IsNotFound(err) {
			existing, getErr := scanDelivery(s.pool.QueryRow(ctx,
				`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1 AND project_id = $2`,
				deliveryID, projectID))
			if getErr != nil {
				return nil, trace.Wrap(getErr)
			}
			return nil, trace.AlreadyExists("webhook delivery is %s, only failed deliveries can be retried", existing.Status)
		}
		return nil, trace.Wrap(err)
	}
	return delivery, nil
}

// ListWebhookDeliveries returns one page of the project's deliveries, newest
// first, optionally filtered by status, along with the total count.
func (s *Store) ListWebhookDeliveries(ctx context.Context, projectID uuid.UUID, status *string, limit, offset int) ([]WebhookDelivery, int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`, count(*) OVER () AS total
		FROM webhook_deliveries
		WHERE project_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`,
		projectID, status, limit, offset)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	defer rows.Close()
	var deliveries []WebhookDelivery
	var total int64
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.ProjectID, &d.EventType,
			&d.TargetURL, &d.Secret, &d.RequestBody, &d.Status, &d.AttemptCount,
			&d.LastError, &d.NextAttemptAt, &d.LockedAt, &d.DedupKey,
			&d.CreatedAt, &d.UpdatedAt, &total,
		); err != nil {
			return nil, 0, trace.Wrap(err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, total, trace.Wrap(rows.Err())
}
