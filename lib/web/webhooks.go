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

package web

import (
	"net/http"
	"net/url"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/events"
	"github.com/gravitational/telemeter/lib/httplib"
	"github.com/gravitational/telemeter/lib/storage"
)

type createSubscriptionRequest struct {
	TargetURL  string   `json:"target_url"`
	EventTypes []string `json:"event_types"`
	Secret     *string  `json:"secret,omitempty"`
}

func (req *createSubscriptionRequest) check() error {
	target, err := url.Parse(req.TargetURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return trace.BadParameter("target_url must be an http(s) URL")
	}
	if len(req.EventTypes) == 0 {
		return trace.BadParameter("missing event_types")
	}
	for _, eventType := range req.EventTypes {
		if !events.IsKnownType(eventType) {
			return trace.BadParameter("unknown event type %q", eventType)
		}
	}
	return nil
}

func (h *Handler) createWebhookSubscription(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	var req createSubscriptionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := req.check(); err != nil {
		return nil, trace.Wrap(err)
	}
	subscription, err := h.cfg.Backend.CreateWebhookSubscription(r.Context(),
		s.ProjectID, req.TargetURL, req.EventTypes, req.Secret)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Emitter.Emit(r.Context(), s.ProjectID, events.Event{
		Type:       events.WebhookSubscriptionCreated,
		OccurredAt: h.cfg.Clock.Now().UTC(),
		Payload: map[string]any{
			"subscription_id": subscription.ID.String(),
			"target_url":      subscription.TargetURL,
			"event_types":     subscription.EventTypes,
		},
	}); err != nil {
		h.cfg.Log.WarnContext(r.Context(), "Failed to emit subscription created event",
			"subscription_id", subscription.ID, "error", err)
	}
	return newSubscriptionView(subscription), nil
}

func (h *Handler) getWebhookSubscription(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	subscriptionID, err := paramUUID(p, "subscription_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	subscription, err := h.cfg.Backend.GetWebhookSubscription(r.Context(), subscriptionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if subscription.ProjectID != s.ProjectID {
		return nil, trace.NotFound("webhook subscription not found")
	}
	return newSubscriptionView(subscription), nil
}

func (h *Handler) listWebhookDeliveries(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	var status *string
	if raw := r.URL.Query().Get("status"); raw != "" {
		switch raw {
		case storage.DeliveryStatusPending, storage.DeliveryStatusInProgress,
			storage.DeliveryStatusSucceeded, storage.DeliveryStatusFailed:
		default:
			return nil, trace.BadParameter("unknown delivery status %q", raw)
		}
		status = &raw
	}
	limit, err := queryInt(r, "limit", defaults.DeliveriesPageSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	deliveries, total, err := h.cfg.Backend.ListWebhookDeliveries(r.Context(), s.ProjectID, status, limit, offset)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := make([]deliveryView, len(deliveries))
	for i := range deliveries {
		views[i] = newDeliveryView(&deliveries[i])
	}
	return map[string]any{"deliveries": views, "total": total}, nil
}

func (h *Handler) retryWebhookDelivery(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	deliveryID, err := paramUUID(p, "delivery_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	delivery, err := h.cfg.Backend.RetryWebhookDelivery(r.Context(), s.ProjectID, deliveryID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newDeliveryView(delivery), nil
}
