package testutil

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/mock"
	"github.com/sweater-ventures/relay/db"
)

// MockQuerier is a testify mock implementation of db.Querier.
type MockQuerier struct {
	mock.Mock
}

var _ db.Querier = (*MockQuerier)(nil)

func (m *MockQuerier) CreateSubscription(ctx context.Context, arg db.CreateSubscriptionParams) (db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *MockQuerier) DeleteExpiredFailedTasks(ctx context.Context, updatedAt pgtype.Timestamptz) (int64, error) {
	args := m.Called(ctx, updatedAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQuerier) DeleteExpiredLogs(ctx context.Context, createdAt pgtype.Timestamptz) (int64, error) {
	args := m.Called(ctx, createdAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQuerier) DeleteSubscription(ctx context.Context, id pgtype.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockQuerier) GetDeliveryTask(ctx context.Context, id pgtype.UUID) (db.DeliveryTask, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *MockQuerier) GetDeliveryTaskForUpdate(ctx context.Context, id pgtype.UUID) (db.DeliveryTask, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *MockQuerier) GetSubscriptionByID(ctx context.Context, id pgtype.UUID) (db.Subscription, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *MockQuerier) GetSubscriptionForEventType(ctx context.Context, arg db.GetSubscriptionForEventTypeParams) (db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *MockQuerier) InsertDeliveryLog(ctx context.Context, arg db.InsertDeliveryLogParams) (db.DeliveryLog, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.DeliveryLog), args.Error(1)
}

func (m *MockQuerier) InsertDeliveryTask(ctx context.Context, arg db.InsertDeliveryTaskParams) (db.DeliveryTask, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *MockQuerier) ListEligiblePendingTasks(ctx context.Context, limit int32) ([]db.DeliveryTask, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]db.DeliveryTask), args.Error(1)
}

func (m *MockQuerier) ListLogsForSubscription(ctx context.Context, arg db.ListLogsForSubscriptionParams) ([]db.DeliveryLog, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]db.DeliveryLog), args.Error(1)
}

func (m *MockQuerier) ListLogsForTask(ctx context.Context, deliveryTaskID pgtype.UUID) ([]db.DeliveryLog, error) {
	args := m.Called(ctx, deliveryTaskID)
	return args.Get(0).([]db.DeliveryLog), args.Error(1)
}

func (m *MockQuerier) ListSubscriptions(ctx context.Context, arg db.ListSubscriptionsParams) ([]db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]db.Subscription), args.Error(1)
}

func (m *MockQuerier) MarkTaskInProgress(ctx context.Context, id pgtype.UUID) (db.DeliveryTask, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

func (m *MockQuerier) SubscriptionExists(ctx context.Context, id pgtype.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(bool), args.Error(1)
}

func (m *MockQuerier) UpdateSubscription(ctx context.Context, arg db.UpdateSubscriptionParams) (db.Subscription, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Subscription), args.Error(1)
}

func (m *MockQuerier) UpdateTaskStatus(ctx context.Context, arg db.UpdateTaskStatusParams) (db.DeliveryTask, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.DeliveryTask), args.Error(1)
}

// MockClaimer is a testify mock implementation of app.TaskClaimer.
type MockClaimer struct {
	mock.Mock
}

func (m *MockClaimer) ClaimTask(ctx context.Context, id pgtype.UUID) (db.ClaimedTask, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.ClaimedTask), args.Bool(1), args.Error(2)
}
