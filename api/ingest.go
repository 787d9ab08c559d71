package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sweater-ventures/relay/app"
	"github.com/sweater-ventures/relay/db"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("POST /ingest/{subscription_id}", routeHandler(app, ingestHandler))
	})
}

type IngestResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// ingestHandler accepts a webhook payload for a subscription, persists a
// delivery task and queues it for asynchronous delivery. The sender gets a
// 202 as soon as the task is durable; nothing waits on the target endpoint.
func ingestHandler(relay *app.Application, w http.ResponseWriter, r *http.Request) {
	subscriptionID, err := app.ParseUuid(r.PathValue("subscription_id"))
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "subscription_id must be a valid UUID"})
		return
	}

	maxPayload := relay.Config.MaxWebhookPayloadSize

	// Reject oversized payloads on the declared length before reading
	// anything, then enforce the cap again while streaming for senders
	// that lie or chunk.
	if r.ContentLength > maxPayload {
		writeJsonResponse(w, http.StatusRequestEntityTooLarge,
			map[string]string{"error": fmt.Sprintf("payload exceeds maximum size of %d bytes", maxPayload)})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload+1))
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	if int64(len(body)) > maxPayload {
		writeJsonResponse(w, http.StatusRequestEntityTooLarge,
			map[string]string{"error": fmt.Sprintf("payload exceeds maximum size of %d bytes", maxPayload)})
		return
	}

	eventType := r.Header.Get("X-Event-Type")

	sub, err := resolveSubscription(relay, r, subscriptionID, eventType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJsonResponse(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
			return
		}
		if errors.Is(err, errEventTypeFiltered) {
			// Acknowledged but intentionally not delivered.
			writeJsonResponse(w, http.StatusOK,
				map[string]string{"message": fmt.Sprintf("Ignored event type: %s", eventType)})
			return
		}
		log(r.Context()).Error("Failed to resolve subscription", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to resolve subscription"})
		return
	}

	// Senders that include a signature must sign correctly; unsigned
	// requests are accepted as-is even when the subscription has a secret.
	if sub.Secret.Valid {
		if signature := r.Header.Get("X-Webhook-Signature"); signature != "" {
			if !app.VerifySignature(sub.Secret.String, body, signature) {
				log(r.Context()).Warn("Rejected payload with bad signature",
					"subscription_id", app.UuidToString(subscriptionID))
				writeJsonResponse(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
				return
			}
		}
	}

	if !json.Valid(body) {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "payload must be valid JSON"})
		return
	}

	params := db.InsertDeliveryTaskParams{
		ID:             app.NewUuid(),
		SubscriptionID: subscriptionID,
		Payload:        body,
		MaxRetries:     int32(relay.Config.WebhookMaxRetries),
	}
	if eventType != "" {
		params.EventType = pgtype.Text{String: eventType, Valid: true}
	}

	task, err := relay.DB.InsertDeliveryTask(r.Context(), params)
	if err != nil {
		log(r.Context()).Error("Failed to create delivery task", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to create delivery task"})
		return
	}

	if err := relay.Queue.Enqueue(r.Context(), app.UuidToString(task.ID)); err != nil {
		// The task is durable; startup resume or the next promotion pass
		// will pick it up.
		log(r.Context()).Warn("Failed to enqueue delivery task, relying on resume",
			"task_id", app.UuidToString(task.ID), "error", err)
	}

	log(r.Context()).Info("Accepted webhook for delivery",
		"task_id", app.UuidToString(task.ID),
		"subscription_id", app.UuidToString(subscriptionID),
		"event_type", eventType,
		"payload_bytes", len(body),
	)

	writeJsonResponse(w, http.StatusAccepted, IngestResponse{
		TaskID: app.UuidToString(task.ID),
		Status: string(task.Status),
	})
}

var errEventTypeFiltered = errors.New("event type filtered")

// resolveSubscription loads the subscription that should receive the
// payload. With an event type, a subscription that exists but does not
// subscribe to the type yields errEventTypeFiltered; without one, any
// configured event_types list accepts the payload.
func resolveSubscription(relay *app.Application, r *http.Request, id pgtype.UUID, eventType string) (db.Subscription, error) {
	if eventType == "" {
		return relay.Cache.Resolve(r.Context(), id)
	}

	sub, err := relay.DB.GetSubscriptionForEventType(r.Context(), db.GetSubscriptionForEventTypeParams{
		ID:        id,
		EventType: eventType,
	})
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return db.Subscription{}, err
	}

	// Distinguish "no such subscription" from "subscribed to other types".
	exists, err := relay.DB.SubscriptionExists(r.Context(), id)
	if err != nil {
		return db.Subscription{}, err
	}
	if exists {
		return db.Subscription{}, errEventTypeFiltered
	}
	return db.Subscription{}, pgx.ErrNoRows
}
