package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sweater-ventures/relay/app"
	"github.com/sweater-ventures/relay/db"
	"github.com/sweater-ventures/relay/middleware"
)

func init() {
	registerRoute(func(relay *app.Application, router *http.ServeMux) {
		// Creation gets its own, much tighter quota on top of the
		// API-wide limit.
		strict := middleware.RateLimitMiddleware(&relay.Config,
			middleware.NewRateLimiter(relay.Redis, relay.Config.RateLimitStrategy),
			relay.Config.SubscriptionCreateLimit, relay.Config.SubscriptionCreateWindow)

		router.Handle("POST /subscriptions", strict(routeHandler(relay, createSubscriptionHandler)))
		router.Handle("GET /subscriptions", routeHandler(relay, listSubscriptionsHandler))
		router.Handle("GET /subscriptions/{id}", routeHandler(relay, getSubscriptionHandler))
		router.Handle("PUT /subscriptions/{id}", routeHandler(relay, updateSubscriptionHandler))
		router.Handle("DELETE /subscriptions/{id}", routeHandler(relay, deleteSubscriptionHandler))
		router.Handle("GET /subscriptions/{id}/logs", routeHandler(relay, listSubscriptionLogsHandler))
	})
}

type SubscriptionRequest struct {
	TargetUrl  string   `json:"target_url"`
	Secret     *string  `json:"secret"`
	EventTypes []string `json:"event_types"`
}

type SubscriptionResponse struct {
	ID         string    `json:"id"`
	TargetUrl  string    `json:"target_url"`
	EventTypes []string  `json:"event_types"`
	HasSecret  bool      `json:"has_secret"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type DeliveryLogResponse struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	TargetUrl     string    `json:"target_url"`
	AttemptNumber int32     `json:"attempt_number"`
	Status        string    `json:"status"`
	StatusCode    *int32    `json:"status_code"`
	ErrorDetails  *string   `json:"error_details"`
	CreatedAt     time.Time `json:"created_at"`
}

func (req *SubscriptionRequest) validate() string {
	if req.TargetUrl == "" {
		return "target_url is required"
	}
	parsed, err := url.Parse(req.TargetUrl)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "target_url must be an absolute http or https URL"
	}
	for _, et := range req.EventTypes {
		if et == "" {
			return "event_types must not contain empty strings"
		}
	}
	return ""
}

// eventTypes normalizes an empty list to NULL so the stored row means
// accept-all, the same as omitting the field.
func (req *SubscriptionRequest) eventTypes() []string {
	if len(req.EventTypes) == 0 {
		return nil
	}
	return req.EventTypes
}

func (req *SubscriptionRequest) secret() pgtype.Text {
	if req.Secret != nil && *req.Secret != "" {
		return pgtype.Text{String: *req.Secret, Valid: true}
	}
	return pgtype.Text{}
}

func createSubscriptionHandler(relay *app.Application, w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if msg := req.validate(); msg != "" {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	sub, err := relay.DB.CreateSubscription(r.Context(), db.CreateSubscriptionParams{
		ID:         app.NewUuid(),
		TargetUrl:  req.TargetUrl,
		Secret:     req.secret(),
		EventTypes: req.eventTypes(),
	})
	if err != nil {
		log(r.Context()).Error("Failed to create subscription", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to create subscription"})
		return
	}

	log(r.Context()).Info("Subscription created",
		"subscription_id", app.UuidToString(sub.ID), "target_url", sub.TargetUrl)
	writeJsonResponse(w, http.StatusCreated, subscriptionToResponse(sub))
}

func listSubscriptionsHandler(relay *app.Application, w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	subs, err := relay.DB.ListSubscriptions(r.Context(), db.ListSubscriptionsParams{
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		log(r.Context()).Error("Failed to list subscriptions", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list subscriptions"})
		return
	}

	resp := make([]SubscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, subscriptionToResponse(sub))
	}
	writeJsonResponse(w, http.StatusOK, resp)
}

func getSubscriptionHandler(relay *app.Application, w http.ResponseWriter, r *http.Request) {
	id, err := app.ParseUuid(r.PathValue("id"))
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "id must be a valid UUID"})
		return
	}

	sub, err := relay.Cache.Resolve(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJsonResponse(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
			return
		}
		log(r.Context()).Error("Failed to get subscription", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve subscription"})
		return
	}

	writeJsonResponse(w, http.StatusOK, subscriptionToResponse(sub))
}

func updateSubscriptionHandler(relay *app.Application, w http.ResponseWriter, r *http.Request) {
	id, err := app.ParseUuid(r.PathValue("id"))
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "id must be a valid UUID"})
		return
	}

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if msg := req.validate(); msg != "" {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	sub, err := relay.DB.UpdateSubscription(r.Context(), db.UpdateSubscriptionParams{
		ID:         id,
		TargetUrl:  req.TargetUrl,
		Secret:     req.secret(),
		EventTypes: req.eventTypes(),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJsonResponse(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
			return
		}
		log(r.Context()).Error("Failed to update subscription", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to update subscription"})
		return
	}

	// Invalidate before responding so a read after the 200 cannot see the
	// old target.
	relay.Cache.Invalidate(r.Context(), id)

	log(r.Context()).Info("Subscription updated", "subscription_id", app.UuidToString(id))
	writeJsonResponse(w, http.StatusOK, subscriptionToResponse(sub))
}

func deleteSubscriptionHandler(relay *app.Application, w http.ResponseWriter, r *http.Request) {
	id, err := app.ParseUuid(r.PathValue("id"))
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "id must be a valid UUID"})
		return
	}

	exists, err := relay.DB.SubscriptionExists(r.Context(), id)
	if err != nil {
		log(r.Context()).Error("Failed to check subscription", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to delete subscription"})
		return
	}
	if !exists {
		writeJsonResponse(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
		return
	}

	if err := relay.DB.DeleteSubscription(r.Context(), id); err != nil {
		log(r.Context()).Error("Failed to delete subscription", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to delete subscription"})
		return
	}

	relay.Cache.Invalidate(r.Context(), id)

	log(r.Context()).Info("Subscription deleted", "subscription_id", app.UuidToString(id))
	w.WriteHeader(http.StatusNoContent)
}

func listSubscriptionLogsHandler(relay *app.Application, w http.ResponseWriter, r *http.Request) {
	id, err := app.ParseUuid(r.PathValue("id"))
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "id must be a valid UUID"})
		return
	}

	exists, err := relay.DB.SubscriptionExists(r.Context(), id)
	if err != nil {
		log(r.Context()).Error("Failed to check subscription", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list delivery logs"})
		return
	}
	if !exists {
		writeJsonResponse(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
		return
	}

	limit := queryInt(r, "limit", 100)
	logs, err := relay.DB.ListLogsForSubscription(r.Context(), db.ListLogsForSubscriptionParams{
		SubscriptionID: id,
		Limit:          int32(limit),
	})
	if err != nil {
		log(r.Context()).Error("Failed to list delivery logs", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list delivery logs"})
		return
	}

	resp := make([]DeliveryLogResponse, 0, len(logs))
	for _, entry := range logs {
		resp = append(resp, logToResponse(entry))
	}
	writeJsonResponse(w, http.StatusOK, resp)
}

func subscriptionToResponse(sub db.Subscription) SubscriptionResponse {
	eventTypes := sub.EventTypes
	if eventTypes == nil {
		eventTypes = []string{}
	}
	return SubscriptionResponse{
		ID:         app.UuidToString(sub.ID),
		TargetUrl:  sub.TargetUrl,
		EventTypes: eventTypes,
		HasSecret:  sub.Secret.Valid,
		CreatedAt:  sub.CreatedAt.Time,
		UpdatedAt:  sub.UpdatedAt.Time,
	}
}

func logToResponse(entry db.DeliveryLog) DeliveryLogResponse {
	resp := DeliveryLogResponse{
		ID:            app.UuidToString(entry.ID),
		TaskID:        app.UuidToString(entry.DeliveryTaskID),
		TargetUrl:     entry.TargetUrl,
		AttemptNumber: entry.AttemptNumber,
		Status:        string(entry.Status),
		CreatedAt:     entry.CreatedAt.Time,
	}
	if entry.StatusCode.Valid {
		code := entry.StatusCode.Int32
		resp.StatusCode = &code
	}
	if entry.ErrorDetails.Valid {
		details := entry.ErrorDetails.String
		resp.ErrorDetails = &details
	}
	return resp
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
