package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sweater-ventures/relay/db"
)

const signatureHeader = "X-Hub-Signature-256"

// ProcessTask runs one delivery attempt for the task ID pulled off the
// queue. It claims the task row, posts the payload to the subscription's
// target, records the outcome and either completes, reschedules or fails
// the task.
func ProcessTask(ctx context.Context, relay *Application, taskID string) {
	id, err := ParseUuid(taskID)
	if err != nil {
		slog.Warn("Discarding queue entry with malformed task ID", "task_id", taskID)
		return
	}

	task, claimed, err := relay.Claimer.ClaimTask(ctx, id)
	if err != nil {
		slog.Error("Failed to claim delivery task", "task_id", taskID, "error", err)
		return
	}
	if !claimed {
		slog.Debug("Delivery task not claimable, skipping", "task_id", taskID)
		return
	}

	logger := slog.Default().With(
		"task_id", taskID,
		"subscription_id", UuidToString(task.SubscriptionID),
		"attempt", task.AttemptCount,
		"max_retries", task.MaxRetries,
	)

	sub, err := relay.Cache.Resolve(ctx, task.SubscriptionID)
	if err != nil {
		if SubscriptionNotFound(err) {
			logger.Warn("Subscription no longer exists, abandoning task")
			updateTaskStatus(ctx, relay, task.TaskID, db.DeliveryTaskStatusFAILED, pgtype.Timestamptz{}, logger)
			return
		}
		logger.Error("Failed to load subscription", "error", err)
		settleFailedAttempt(ctx, relay, task, "", 0, fmt.Sprintf("subscription lookup failed: %v", err), logger)
		return
	}

	allowed, err := relay.TargetLimiter.Allow(ctx, sub.TargetUrl)
	if err != nil {
		// Fail open: a broken limiter must not stop deliveries.
		logger.Warn("Target rate limiter unavailable", "error", err)
	} else if !allowed {
		logger.Warn("Target URL rate limited, deferring attempt", "target_url", sub.TargetUrl)
		settleFailedAttempt(ctx, relay, task, sub.TargetUrl, 0, "target rate limited", logger)
		return
	}

	statusCode, errDetail := attemptDelivery(ctx, relay, task, sub)

	if statusCode >= 200 && statusCode < 300 {
		insertLog(ctx, relay, task, sub.TargetUrl, db.DeliveryLogStatusSUCCESS, statusCode, "", logger)
		updateTaskStatus(ctx, relay, task.TaskID, db.DeliveryTaskStatusCOMPLETED, pgtype.Timestamptz{}, logger)
		logger.Info("Delivery succeeded", "target_url", sub.TargetUrl, "status_code", statusCode)
		return
	}

	settleFailedAttempt(ctx, relay, task, sub.TargetUrl, statusCode, errDetail, logger)
}

// attemptDelivery posts the payload to the target and returns the response
// status code, or 0 with an error description when no response was received.
func attemptDelivery(ctx context.Context, relay *Application, task db.ClaimedTask, sub db.Subscription) (int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetUrl, bytes.NewReader(task.Payload))
	if err != nil {
		return 0, fmt.Sprintf("request creation failed: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", UuidToString(task.TaskID))
	if task.EventType.Valid {
		req.Header.Set("X-Webhook-Event", task.EventType.String)
	}
	if sub.Secret.Valid {
		req.Header.Set(signatureHeader, SignPayload(sub.Secret.String, task.Payload))
	}

	resp, err := relay.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, ""
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, snippet)
}

// settleFailedAttempt records the failed attempt and either schedules the
// next one or marks the task failed when the retry budget is spent.
func settleFailedAttempt(ctx context.Context, relay *Application, task db.ClaimedTask, targetUrl string, statusCode int, errDetail string, logger *slog.Logger) {
	if task.AttemptCount >= task.MaxRetries {
		insertLog(ctx, relay, task, targetUrl, db.DeliveryLogStatusFAILURE, statusCode, errDetail, logger)
		updateTaskStatus(ctx, relay, task.TaskID, db.DeliveryTaskStatusFAILED, pgtype.Timestamptz{}, logger)
		logger.Warn("Delivery failed permanently",
			"target_url", targetUrl, "status_code", statusCode, "error_details", errDetail)
		return
	}

	insertLog(ctx, relay, task, targetUrl, db.DeliveryLogStatusFAILEDATTEMPT, statusCode, errDetail, logger)

	delay := retryDelay(relay.Config.RetryDelays(), task.AttemptCount)
	nextAttempt := time.Now().Add(delay)
	updateTaskStatus(ctx, relay, task.TaskID, db.DeliveryTaskStatusPENDING,
		pgtype.Timestamptz{Time: nextAttempt, Valid: true}, logger)

	if err := relay.Queue.EnqueueDelayed(ctx, UuidToString(task.TaskID), delay); err != nil {
		// The task stays PENDING with its next_attempt_at set, so startup
		// resume will still pick it up.
		logger.Error("Failed to schedule retry", "error", err)
		return
	}

	logger.Info("Scheduling retry",
		"target_url", targetUrl,
		"status_code", statusCode,
		"next_attempt", task.AttemptCount+1,
		"delay_seconds", delay.Seconds(),
	)
}

// retryDelay returns the backoff for the attempt that just failed.
// attemptCount is 1-based; attempts past the schedule reuse the last delay.
func retryDelay(delays []time.Duration, attemptCount int32) time.Duration {
	idx := int(attemptCount) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// SignPayload computes the hex HMAC-SHA256 signature header value for a
// payload.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header value against the
// payload in constant time. The "sha256=" prefix is optional.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := SignPayload(secret, payload)
	if len(signature) >= 7 && signature[:7] == "sha256=" {
		return hmac.Equal([]byte(expected), []byte(signature))
	}
	return hmac.Equal([]byte(expected[7:]), []byte(signature))
}

func insertLog(ctx context.Context, relay *Application, task db.ClaimedTask, targetUrl string, status db.DeliveryLogStatus, statusCode int, errDetail string, logger *slog.Logger) {
	params := db.InsertDeliveryLogParams{
		ID:             NewUuid(),
		DeliveryTaskID: task.TaskID,
		SubscriptionID: task.SubscriptionID,
		TargetUrl:      targetUrl,
		AttemptNumber:  task.AttemptCount,
		Status:         status,
	}
	if statusCode != 0 {
		params.StatusCode = pgtype.Int4{Int32: int32(statusCode), Valid: true}
	}
	if errDetail != "" {
		params.ErrorDetails = pgtype.Text{String: errDetail, Valid: true}
	}
	if _, err := relay.DB.InsertDeliveryLog(ctx, params); err != nil {
		logger.Error("Failed to record delivery attempt", "error", err)
	}
}

func updateTaskStatus(ctx context.Context, relay *Application, taskID pgtype.UUID, status db.DeliveryTaskStatus, nextAttemptAt pgtype.Timestamptz, logger *slog.Logger) {
	_, err := relay.DB.UpdateTaskStatus(ctx, db.UpdateTaskStatusParams{
		ID:            taskID,
		Status:        status,
		NextAttemptAt: nextAttemptAt,
	})
	if err != nil {
		logger.Error("Failed to update delivery task status", "status", status, "error", err)
	}
}
