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

package telemeter

const (
	// MetricIngestBatches counts accepted ingest batches.
	MetricIngestBatches = "ingest_batches_total"

	// MetricIngestRecords counts accepted telemetry readings.
	MetricIngestRecords = "ingest_records_total"

	// MetricIngestRejected counts rejected ingest batches by reason.
	MetricIngestRejected = "ingest_rejected_total"

	// MetricIngestSeconds measures end-to-end ingest batch latency.
	MetricIngestSeconds = "ingest_seconds"

	// MetricProfileCacheHits counts profile cache hits.
	MetricProfileCacheHits = "profile_cache_hits_total"

	// MetricProfileCacheMisses counts profile cache misses.
	MetricProfileCacheMisses = "profile_cache_misses_total"

	// MetricBackfillTasksClaimed counts backfill tasks claimed by this
	// process.
	MetricBackfillTasksClaimed = "backfill_tasks_claimed_total"

	// MetricBackfillTasksCompleted counts backfill tasks that finished by
	// outcome.
	MetricBackfillTasksCompleted = "backfill_tasks_completed_total"

	// MetricBackfillRecords counts telemetry rows rewritten by backfill.
	MetricBackfillRecords = "backfill_records_processed_total"

	// MetricBackfillTasksRequeued counts stale running tasks swept back to
	// pending.
	MetricBackfillTasksRequeued = "backfill_tasks_requeued_total"

	// MetricWebhookDeliveriesClaimed counts deliveries claimed for an
	// attempt.
	MetricWebhookDeliveriesClaimed = "webhook_deliveries_claimed_total"

	// MetricWebhookAttempts counts delivery attempts by outcome.
	MetricWebhookAttempts = "webhook_attempts_total"

	// MetricWebhookAttemptSeconds measures the outbound POST latency.
	MetricWebhookAttemptSeconds = "webhook_attempt_seconds"

	// MetricWebhookDeliveriesSwept counts in_progress deliveries reclaimed by
	// the stale-lease sweeper.
	MetricWebhookDeliveriesSwept = "webhook_deliveries_swept_total"

	// MetricWebhookEnqueued counts enqueued deliveries, deduplicated enqueues
	// included.
	MetricWebhookEnqueued = "webhook_deliveries_enqueued_total"
)

// MetricNamespace prefixes all telemeter metric names.
const MetricNamespace = "telemeter"
