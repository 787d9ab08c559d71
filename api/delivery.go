package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sweater-ventures/relay/app"
	"github.com/sweater-ventures/relay/db"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("GET /deliveries/{task_id}", routeHandler(app, getDeliveryHandler))
	})
}

type DeliveryTaskResponse struct {
	ID             string                `json:"id"`
	SubscriptionID string                `json:"subscription_id"`
	EventType      *string               `json:"event_type"`
	Status         string                `json:"status"`
	AttemptCount   int32                 `json:"attempt_count"`
	MaxRetries     int32                 `json:"max_retries"`
	NextAttemptAt  *time.Time            `json:"next_attempt_at"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Logs           []DeliveryLogResponse `json:"logs"`
}

// getDeliveryHandler returns a delivery task with its full attempt history.
func getDeliveryHandler(relay *app.Application, w http.ResponseWriter, r *http.Request) {
	id, err := app.ParseUuid(r.PathValue("task_id"))
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "task_id must be a valid UUID"})
		return
	}

	task, err := relay.DB.GetDeliveryTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJsonResponse(w, http.StatusNotFound, map[string]string{"error": "delivery task not found"})
			return
		}
		log(r.Context()).Error("Failed to get delivery task", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve delivery task"})
		return
	}

	logs, err := relay.DB.ListLogsForTask(r.Context(), id)
	if err != nil {
		log(r.Context()).Error("Failed to list delivery logs", "error", err)
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve delivery logs"})
		return
	}

	writeJsonResponse(w, http.StatusOK, taskToResponse(task, logs))
}

func taskToResponse(task db.DeliveryTask, logs []db.DeliveryLog) DeliveryTaskResponse {
	resp := DeliveryTaskResponse{
		ID:             app.UuidToString(task.ID),
		SubscriptionID: app.UuidToString(task.SubscriptionID),
		Status:         string(task.Status),
		AttemptCount:   task.AttemptCount,
		MaxRetries:     task.MaxRetries,
		CreatedAt:      task.CreatedAt.Time,
		UpdatedAt:      task.UpdatedAt.Time,
		Logs:           make([]DeliveryLogResponse, 0, len(logs)),
	}
	if task.EventType.Valid {
		et := task.EventType.String
		resp.EventType = &et
	}
	if task.NextAttemptAt.Valid {
		t := task.NextAttemptAt.Time
		resp.NextAttemptAt = &t
	}
	for _, entry := range logs {
		resp.Logs = append(resp.Logs, logToResponse(entry))
	}
	return resp
}
