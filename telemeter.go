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

// Package telemeter holds constants shared across the whole codebase.
package telemeter

// Version is the semantic version of the telemeter service. Release
// tooling overrides it at link time.
var Version = "0.0.0-dev"

const (
	// ComponentKey is the logging attribute that identifies the subsystem
	// emitting the entry.
	ComponentKey = "component"

	// ComponentTelemeter is the top-level service supervisor.
	ComponentTelemeter = "telemeter"

	// ComponentWeb is the HTTP API frontend.
	ComponentWeb = "web"

	// ComponentIngest is the telemetry write path.
	ComponentIngest = "ingest"

	// ComponentStorage is the PostgreSQL/TimescaleDB layer.
	ComponentStorage = "storage"

	// ComponentBackfill is the conversion backfill worker.
	ComponentBackfill = "backfill"

	// ComponentWebhooks is the webhook delivery pipeline.
	ComponentWebhooks = "webhooks"

	// ComponentEmitter is the domain event emitter.
	ComponentEmitter = "emitter"

	// ComponentTracing is the OpenTelemetry trace exporter.
	ComponentTracing = "tracing"
)

const (
	// HeaderWebhookEvent carries the event type on outbound webhook requests.
	HeaderWebhookEvent = "X-Webhook-Event"

	// HeaderWebhookDeliveryID carries the delivery row id on outbound webhook
	// requests. Subscribers use it as an idempotency key.
	HeaderWebhookDeliveryID = "X-Webhook-Delivery-Id"

	// HeaderWebhookSignature carries the hex HMAC-SHA256 of the request body,
	// prefixed with "sha256=", when the subscription has a secret.
	HeaderWebhookSignature = "X-Webhook-Signature"

	// HeaderProject is set by the fronting auth gateway and scopes operator
	// API requests to a project.
	HeaderProject = "X-Telemeter-Project"

	// HeaderRole is set by the fronting auth gateway and carries the caller's
	// role within the scoped project.
	HeaderRole = "X-Telemeter-Role"

	// HeaderUser is set by the fronting auth gateway and carries the caller's
	// user id for audit attribution. Optional.
	HeaderUser = "X-Telemeter-User"
)

const (
	// APIPrefix is the path prefix of the public API.
	APIPrefix = "/api/v1"

	// EnvironmentDev marks a development deployment in the health response.
	EnvironmentDev = "dev"

	// EnvironmentProd marks a production deployment in the health response.
	EnvironmentProd = "prod"
)
