package testutil

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/redis/go-redis/v9"
	"github.com/sweater-ventures/relay/app"
	"github.com/sweater-ventures/relay/config"
	"github.com/sweater-ventures/relay/db"
)

// NewUUID returns a pgtype.UUID with a new random UUID.
func NewUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.Must(uuid.NewV7()), Valid: true}
}

// NewTimestamp returns a pgtype.Timestamptz set to now.
func NewTimestamp() pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
}

// SubscriptionOpt is a functional option for building test Subscriptions.
type SubscriptionOpt func(*db.Subscription)

// NewSubscription creates a db.Subscription with sensible defaults.
// EventTypes is nil, meaning the subscription accepts every event type.
func NewSubscription(opts ...SubscriptionOpt) db.Subscription {
	s := db.Subscription{
		ID:        NewUUID(),
		TargetUrl: "https://example.com/webhook",
		CreatedAt: NewTimestamp(),
		UpdatedAt: NewTimestamp(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// DeliveryTaskOpt is a functional option for building test DeliveryTasks.
type DeliveryTaskOpt func(*db.DeliveryTask)

// NewDeliveryTask creates a db.DeliveryTask with sensible defaults.
func NewDeliveryTask(opts ...DeliveryTaskOpt) db.DeliveryTask {
	t := db.DeliveryTask{
		ID:             NewUUID(),
		SubscriptionID: NewUUID(),
		Payload:        json.RawMessage(`{"key":"value"}`),
		Status:         db.DeliveryTaskStatusPENDING,
		AttemptCount:   0,
		MaxRetries:     5,
		CreatedAt:      NewTimestamp(),
		UpdatedAt:      NewTimestamp(),
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// ClaimedTaskOpt is a functional option for building test ClaimedTasks.
type ClaimedTaskOpt func(*db.ClaimedTask)

// NewClaimedTask creates a db.ClaimedTask as the claim step would produce it
// for a first attempt.
func NewClaimedTask(opts ...ClaimedTaskOpt) db.ClaimedTask {
	t := db.ClaimedTask{
		TaskID:         NewUUID(),
		SubscriptionID: NewUUID(),
		Payload:        json.RawMessage(`{"key":"value"}`),
		AttemptCount:   1,
		MaxRetries:     5,
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// DeliveryLogOpt is a functional option for building test DeliveryLogs.
type DeliveryLogOpt func(*db.DeliveryLog)

// NewDeliveryLog creates a db.DeliveryLog with sensible defaults.
func NewDeliveryLog(opts ...DeliveryLogOpt) db.DeliveryLog {
	l := db.DeliveryLog{
		ID:             NewUUID(),
		DeliveryTaskID: NewUUID(),
		SubscriptionID: NewUUID(),
		TargetUrl:      "https://example.com/webhook",
		AttemptNumber:  1,
		Status:         db.DeliveryLogStatusSUCCESS,
		StatusCode:     pgtype.Int4{Int32: 200, Valid: true},
		CreatedAt:      NewTimestamp(),
	}
	for _, opt := range opts {
		opt(&l)
	}
	return l
}

// NewTestConfig returns an AppConfig with the stock defaults used in tests.
func NewTestConfig() config.AppConfig {
	return config.AppConfig{
		Port:                     8000,
		WebhookTimeoutSeconds:    10,
		WebhookMaxRetries:        5,
		WebhookRetryDelays:       "10,30,60,300,900",
		MaxWebhookPayloadSize:    1048576,
		VerifySSLCertificates:    true,
		TargetURLRateLimit:       10,
		LogRetentionHours:        72,
		FailedTaskRetentionDays:  7,
		RateLimitEnabled:         true,
		RateLimitStrategy:        "fixed-window",
		RateLimitDefaultLimit:    100,
		RateLimitDefaultWindow:   60,
		SubscriptionCreateLimit:  5,
		SubscriptionCreateWindow: 60,
		SubscriptionCacheTTL:     3600,
		DeliveryWorkers:          2,
		DeliveryQueue:            "delivery:queue",
	}
}

// AppOpt is a functional option for building test Applications.
type AppOpt func(*app.Application)

// NewTestApp creates an app.Application suitable for testing.
// It uses the provided mock Querier and sensible config defaults. Use
// WithRedis to attach the Redis-backed pieces.
func NewTestApp(mockDB *MockQuerier, opts ...AppOpt) *app.Application {
	a := &app.Application{
		Config:     NewTestConfig(),
		DB:         mockDB,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithRedis wires the Redis-backed cache, queue and target limiter into a
// test Application.
func WithRedis(rdb *redis.Client) AppOpt {
	return func(a *app.Application) {
		a.Redis = rdb
		a.Cache = app.NewSubscriptionCache(a.DB, rdb, &a.Config)
		a.Queue = app.NewDeliveryQueue(rdb, a.Config.DeliveryQueue)
		a.TargetLimiter = app.NewTargetLimiter(rdb, a.Config.TargetURLRateLimit)
	}
}

// WithClaimer installs a mock claim step.
func WithClaimer(claimer app.TaskClaimer) AppOpt {
	return func(a *app.Application) {
		a.Claimer = claimer
	}
}

// NewRedis starts a miniredis instance scoped to the test and returns a
// client pointed at it.
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}
