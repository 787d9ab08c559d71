package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sweater-ventures/relay/config"
	"github.com/sweater-ventures/relay/db"
)

// --- local test helpers (avoid importing testutil to prevent import cycle) ---

// deliveryMockQuerier is a testify mock implementation of db.Querier for app tests.
type deliveryMockQuerier struct {
	mock.Mock
}

var _ db.Querier = (*deliveryMockQuerier)(nil)

func (m *deliveryMockQuerier) CreateSubscription(ctx context.Context, arg db.CreateSubscriptionParams) (db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *deliveryMockQuerier) DeleteExpiredFailedTasks(ctx context.Context, updatedAt pgtype.Timestamptz) (int64, error) {
	args := m.Called(ctx, updatedAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *deliveryMockQuerier) DeleteExpiredLogs(ctx context.Context, createdAt pgtype.Timestamptz) (int64, error) {
	args := m.Called(ctx, createdAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *deliveryMockQuerier) DeleteSubscription(ctx context.Context, id pgtype.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *deliveryMockQuerier) GetDeliveryTask(ctx context.Context, id pgtype.UUID) (db.DeliveryTask, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *deliveryMockQuerier) GetDeliveryTaskForUpdate(ctx context.Context, id pgtype.UUID) (db.DeliveryTask, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *deliveryMockQuerier) GetSubscriptionByID(ctx context.Context, id pgtype.UUID) (db.Subscription, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *deliveryMockQuerier) GetSubscriptionForEventType(ctx context.Context, arg db.GetSubscriptionForEventTypeParams) (db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *deliveryMockQuerier) InsertDeliveryLog(ctx context.Context, arg db.InsertDeliveryLogParams) (db.DeliveryLog, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.DeliveryLog), args.Error(1)
}

func (m *deliveryMockQuerier) InsertDeliveryTask(ctx context.Context, arg db.InsertDeliveryTaskParams) (db.DeliveryTask, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *deliveryMockQuerier) ListEligiblePendingTasks(ctx context.Context, limit int32) ([]db.DeliveryTask, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]db.DeliveryTask), args.Error(1)
}

func (m *deliveryMockQuerier) ListLogsForSubscription(ctx context.Context, arg db.ListLogsForSubscriptionParams) ([]db.DeliveryLog, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]db.DeliveryLog), args.Error(1)
}

func (m *deliveryMockQuerier) ListLogsForTask(ctx context.Context, deliveryTaskID pgtype.UUID) ([]db.DeliveryLog, error) {
	args := m.Called(ctx, deliveryTaskID)
	return args.Get(0).([]db.DeliveryLog), args.Error(1)
}

func (m *deliveryMockQuerier) ListSubscriptions(ctx context.Context, arg db.ListSubscriptionsParams) ([]db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]db.Subscription), args.Error(1)
}

func (m *deliveryMockQuerier) MarkTaskInProgress(ctx context.Context, id pgtype.UUID) (db.DeliveryTask, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *deliveryMockQuerier) SubscriptionExists(ctx context.Context, id pgtype.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(bool), args.Error(1)
}

func (m *deliveryMockQuerier) UpdateSubscription(ctx context.Context, arg db.UpdateSubscriptionParams) (db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *deliveryMockQuerier) UpdateTaskStatus(ctx context.Context, arg db.UpdateTaskStatusParams) (db.DeliveryTask, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

// mockClaimer stubs the worker claim step.
type mockClaimer struct {
	mock.Mock
}

func (m *mockClaimer) ClaimTask(ctx context.Context, id pgtype.UUID) (db.ClaimedTask, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.ClaimedTask), args.Bool(1), args.Error(2)
}

func newTestUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.Must(uuid.NewV7()), Valid: true}
}

func newTestConfig() config.AppConfig {
	return config.AppConfig{
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

func newTestApp(t *testing.T, mockDB *deliveryMockQuerier) (*Application, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := newTestConfig()
	relay := &Application{
		Config:        cfg,
		DB:            mockDB,
		Redis:         rdb,
		Cache:         NewSubscriptionCache(mockDB, rdb, &cfg),
		Queue:         NewDeliveryQueue(rdb, cfg.DeliveryQueue),
		TargetLimiter: NewTargetLimiter(rdb, cfg.TargetURLRateLimit),
		HTTPClient:    &http.Client{Timeout: 2 * time.Second},
	}
	return relay, mr
}

func newTestSubscription(targetUrl string, opts ...func(*db.Subscription)) db.Subscription {
	s := db.Subscription{
		ID:        newTestUUID(),
		TargetUrl: targetUrl,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func newClaimedTask(sub db.Subscription, opts ...func(*db.ClaimedTask)) db.ClaimedTask {
	task := db.ClaimedTask{
		TaskID:         newTestUUID(),
		SubscriptionID: sub.ID,
		Payload:        []byte(`{"key":"value"}`),
		AttemptCount:   1,
		MaxRetries:     5,
	}
	for _, opt := range opts {
		opt(&task)
	}
	return task
}

// --- tests ---

func TestProcessTask_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mockDB := new(deliveryMockQuerier)
	relay, _ := newTestApp(t, mockDB)

	sub := newTestSubscription(server.URL)
	task := newClaimedTask(sub)

	claimer := new(mockClaimer)
	claimer.On("ClaimTask", mock.Anything, task.TaskID).Return(task, true, nil)
	relay.Claimer = claimer

	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("InsertDeliveryLog", mock.Anything, mock.MatchedBy(func(arg db.InsertDeliveryLogParams) bool {
		return arg.Status == db.DeliveryLogStatusSUCCESS &&
			arg.StatusCode.Valid && arg.StatusCode.Int32 == 200 &&
			arg.AttemptNumber == 1 &&
			arg.TargetUrl == server.URL
	})).Return(db.DeliveryLog{}, nil)
	mockDB.On("UpdateTaskStatus", mock.Anything, db.UpdateTaskStatusParams{
		ID:     task.TaskID,
		Status: db.DeliveryTaskStatusCOMPLETED,
	}).Return(db.DeliveryTask{}, nil)

	ProcessTask(context.Background(), relay, UuidToString(task.TaskID))

	mockDB.AssertExpectations(t)
	claimer.AssertExpectations(t)
}

func TestProcessTask_SignsPayloadWhenSecretSet(t *testing.T) {
	payload := []byte(`{"key":"value"}`)
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Hub-Signature-256")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	mockDB := new(deliveryMockQuerier)
	relay, _ := newTestApp(t, mockDB)

	sub := newTestSubscription(server.URL, func(s *db.Subscription) {
		s.Secret = pgtype.Text{String: "shhh", Valid: true}
	})
	task := newClaimedTask(sub, func(ct *db.ClaimedTask) {
		ct.Payload = payload
	})

	claimer := new(mockClaimer)
	claimer.On("ClaimTask", mock.Anything, task.TaskID).Return(task, true, nil)
	relay.Claimer = claimer

	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("InsertDeliveryLog", mock.Anything, mock.Anything).Return(db.DeliveryLog{}, nil)
	mockDB.On("UpdateTaskStatus", mock.Anything, mock.Anything).Return(db.DeliveryTask{}, nil)

	ProcessTask(context.Background(), relay, UuidToString(task.TaskID))

	assert.Equal(t, SignPayload("shhh", payload), gotSignature)
}

func TestProcessTask_FailureSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	mockDB := new(deliveryMockQuerier)
	relay, mr := newTestApp(t, mockDB)

	sub := newTestSubscription(server.URL)
	task := newClaimedTask(sub)

	claimer := new(mockClaimer)
	claimer.On("ClaimTask", mock.Anything, task.TaskID).Return(task, true, nil)
	relay.Claimer = claimer

	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("InsertDeliveryLog", mock.Anything, mock.MatchedBy(func(arg db.InsertDeliveryLogParams) bool {
		return arg.Status == db.DeliveryLogStatusFAILEDATTEMPT &&
			arg.StatusCode.Valid && arg.StatusCode.Int32 == 503 &&
			arg.ErrorDetails.Valid
	})).Return(db.DeliveryLog{}, nil)
	mockDB.On("UpdateTaskStatus", mock.Anything, mock.MatchedBy(func(arg db.UpdateTaskStatusParams) bool {
		return arg.Status == db.DeliveryTaskStatusPENDING && arg.NextAttemptAt.Valid
	})).Return(db.DeliveryTask{}, nil)

	ProcessTask(context.Background(), relay, UuidToString(task.TaskID))

	mockDB.AssertExpectations(t)

	// First retry waits 10s, so the task sits on the delay set, not the queue.
	members, err := relay.Redis.ZRange(context.Background(), relay.Config.DeliveryQueue+":scheduled", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{UuidToString(task.TaskID)}, members)
	assert.False(t, mr.Exists(relay.Config.DeliveryQueue))
}

func TestProcessTask_ExhaustedRetriesFailsPermanently(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	mockDB := new(deliveryMockQuerier)
	relay, mr := newTestApp(t, mockDB)

	sub := newTestSubscription(server.URL)
	task := newClaimedTask(sub, func(ct *db.ClaimedTask) {
		ct.AttemptCount = 5
	})

	claimer := new(mockClaimer)
	claimer.On("ClaimTask", mock.Anything, task.TaskID).Return(task, true, nil)
	relay.Claimer = claimer

	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("InsertDeliveryLog", mock.Anything, mock.MatchedBy(func(arg db.InsertDeliveryLogParams) bool {
		return arg.Status == db.DeliveryLogStatusFAILURE && arg.AttemptNumber == 5
	})).Return(db.DeliveryLog{}, nil)
	mockDB.On("UpdateTaskStatus", mock.Anything, db.UpdateTaskStatusParams{
		ID:     task.TaskID,
		Status: db.DeliveryTaskStatusFAILED,
	}).Return(db.DeliveryTask{}, nil)

	ProcessTask(context.Background(), relay, UuidToString(task.TaskID))

	mockDB.AssertExpectations(t)
	assert.False(t, mr.Exists(relay.Config.DeliveryQueue+":scheduled"))
}

func TestProcessTask_ConnectionErrorCountsAsAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	targetUrl := server.URL
	server.Close() // connection refused from here on

	mockDB := new(deliveryMockQuerier)
	relay, _ := newTestApp(t, mockDB)

	sub := newTestSubscription(targetUrl)
	task := newClaimedTask(sub)

	claimer := new(mockClaimer)
	claimer.On("ClaimTask", mock.Anything, task.TaskID).Return(task, true, nil)
	relay.Claimer = claimer

	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("InsertDeliveryLog", mock.Anything, mock.MatchedBy(func(arg db.InsertDeliveryLogParams) bool {
		return arg.Status == db.DeliveryLogStatusFAILEDATTEMPT &&
			!arg.StatusCode.Valid &&
			arg.ErrorDetails.Valid
	})).Return(db.DeliveryLog{}, nil)
	mockDB.On("UpdateTaskStatus", mock.Anything, mock.Anything).Return(db.DeliveryTask{}, nil)

	ProcessTask(context.Background(), relay, UuidToString(task.TaskID))

	mockDB.AssertExpectations(t)
}

func TestProcessTask_NotClaimable(t *testing.T) {
	mockDB := new(deliveryMockQuerier)
	relay, _ := newTestApp(t, mockDB)

	taskID := newTestUUID()
	claimer := new(mockClaimer)
	claimer.On("ClaimTask", mock.Anything, taskID).Return(db.ClaimedTask{}, false, nil)
	relay.Claimer = claimer

	ProcessTask(context.Background(), relay, UuidToString(taskID))

	mockDB.AssertNotCalled(t, "InsertDeliveryLog", mock.Anything, mock.Anything)
	mockDB.AssertNotCalled(t, "UpdateTaskStatus", mock.Anything, mock.Anything)
}

func TestProcessTask_SubscriptionGone(t *testing.T) {
	mockDB := new(deliveryMockQuerier)
	relay, _ := newTestApp(t, mockDB)

	sub := newTestSubscription("https://example.com/webhook")
	task := newClaimedTask(sub)

	claimer := new(mockClaimer)
	claimer.On("ClaimTask", mock.Anything, task.TaskID).Return(task, true, nil)
	relay.Claimer = claimer

	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(db.Subscription{}, pgx.ErrNoRows)
	mockDB.On("UpdateTaskStatus", mock.Anything, db.UpdateTaskStatusParams{
		ID:     task.TaskID,
		Status: db.DeliveryTaskStatusFAILED,
	}).Return(db.DeliveryTask{}, nil)

	ProcessTask(context.Background(), relay, UuidToString(task.TaskID))

	mockDB.AssertExpectations(t)
	mockDB.AssertNotCalled(t, "InsertDeliveryLog", mock.Anything, mock.Anything)
}

func TestProcessTask_TargetRateLimited(t *testing.T) {
	mockDB := new(deliveryMockQuerier)
	relay, _ := newTestApp(t, mockDB)
	relay.TargetLimiter = NewTargetLimiter(relay.Redis, 1)

	sub := newTestSubscription("https://example.com/webhook")
	task := newClaimedTask(sub)

	// Consume the only slot for this target.
	allowed, err := relay.TargetLimiter.Allow(context.Background(), sub.TargetUrl)
	require.NoError(t, err)
	require.True(t, allowed)

	claimer := new(mockClaimer)
	claimer.On("ClaimTask", mock.Anything, task.TaskID).Return(task, true, nil)
	relay.Claimer = claimer

	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil)
	mockDB.On("InsertDeliveryLog", mock.Anything, mock.MatchedBy(func(arg db.InsertDeliveryLogParams) bool {
		return arg.Status == db.DeliveryLogStatusFAILEDATTEMPT &&
			arg.ErrorDetails.Valid && arg.ErrorDetails.String == "target rate limited"
	})).Return(db.DeliveryLog{}, nil)
	mockDB.On("UpdateTaskStatus", mock.Anything, mock.MatchedBy(func(arg db.UpdateTaskStatusParams) bool {
		return arg.Status == db.DeliveryTaskStatusPENDING && arg.NextAttemptAt.Valid
	})).Return(db.DeliveryTask{}, nil)

	ProcessTask(context.Background(), relay, UuidToString(task.TaskID))

	mockDB.AssertExpectations(t)
}

func TestRetryDelay(t *testing.T) {
	cfg := newTestConfig()
	delays := cfg.RetryDelays()
	require.Len(t, delays, 5)

	tests := []struct {
		attempt  int32
		expected time.Duration
	}{
		{1, 10 * time.Second},
		{2, 30 * time.Second},
		{3, 60 * time.Second},
		{4, 300 * time.Second},
		{5, 900 * time.Second},
		{9, 900 * time.Second}, // past the schedule, stick to the last delay
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, retryDelay(delays, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"key":"value"}`)

	assert.True(t, VerifySignature("shhh", payload, SignPayload("shhh", payload)))
	assert.False(t, VerifySignature("shhh", payload, SignPayload("other", payload)))
	assert.False(t, VerifySignature("shhh", payload, "sha256=deadbeef"))
	assert.False(t, VerifySignature("shhh", payload, ""))

	// Bare hex digest without the scheme prefix is accepted.
	bare := SignPayload("shhh", payload)[len("sha256="):]
	assert.True(t, VerifySignature("shhh", payload, bare))
}
