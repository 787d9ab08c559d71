package api

import (
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/sweater-ventures/relay/app"
	"github.com/sweater-ventures/relay/db"
	"github.com/sweater-ventures/relay/testutil"
)

func TestCreateSubscription(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	relay := testutil.NewTestApp(mockDB)

	created := testutil.NewSubscription(func(s *db.Subscription) {
		s.TargetUrl = "https://example.com/hooks"
		s.EventTypes = []string{"order.created"}
	})
	mockDB.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(arg db.CreateSubscriptionParams) bool {
		return arg.TargetUrl == "https://example.com/hooks" &&
			arg.Secret.Valid && arg.Secret.String == "shhh" &&
			len(arg.EventTypes) == 1
	})).Return(created, nil)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/subscriptions", map[string]any{
		"target_url":  "https://example.com/hooks",
		"secret":      "shhh",
		"event_types": []string{"order.created"},
	})

	rec := callHandler(t, relay, createSubscriptionHandler, req)

	var resp SubscriptionResponse
	testutil.AssertJSONResponse(t, rec, http.StatusCreated, &resp)
	assert.Equal(t, app.UuidToString(created.ID), resp.ID)
	assert.Equal(t, "https://example.com/hooks", resp.TargetUrl)
	assert.False(t, resp.HasSecret) // factory default has no secret stored
}

// An empty event_types list means accept-all and must be stored as NULL, not
// as an empty array that matches no event type.
func TestCreateSubscription_EmptyEventTypesStoredAsNull(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	relay := testutil.NewTestApp(mockDB)

	created := testutil.NewSubscription()
	mockDB.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(arg db.CreateSubscriptionParams) bool {
		return arg.EventTypes == nil
	})).Return(created, nil)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/subscriptions", map[string]any{
		"target_url":  "https://example.com/hooks",
		"event_types": []string{},
	})

	rec := callHandler(t, relay, createSubscriptionHandler, req)
	testutil.AssertJSONResponse(t, rec, http.StatusCreated, nil)
	mockDB.AssertExpectations(t)
}

func TestCreateSubscription_MissingTargetUrl(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	relay := testutil.NewTestApp(mockDB)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/subscriptions", map[string]any{
		"event_types": []string{"order.created"},
	})

	rec := callHandler(t, relay, createSubscriptionHandler, req)
	testutil.AssertJSONError(t, rec, http.StatusBadRequest, "target_url is required")
	mockDB.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
}

func TestCreateSubscription_RejectsNonHttpUrl(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	relay := testutil.NewTestApp(mockDB)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/subscriptions", map[string]any{
		"target_url": "ftp://example.com/hooks",
	})

	rec := callHandler(t, relay, createSubscriptionHandler, req)
	testutil.AssertJSONError(t, rec, http.StatusBadRequest, "http or https")
}

func TestGetSubscription_CacheMissReadsThrough(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewRedis(t)
	relay := testutil.NewTestApp(mockDB, testutil.WithRedis(rdb))

	sub := testutil.NewSubscription()
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil).Once()

	req := testutil.NewJSONRequest(t, http.MethodGet, "/subscriptions/"+app.UuidToString(sub.ID), nil)
	req.SetPathValue("id", app.UuidToString(sub.ID))

	rec := callHandler(t, relay, getSubscriptionHandler, req)

	var resp SubscriptionResponse
	testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
	assert.Equal(t, app.UuidToString(sub.ID), resp.ID)

	// Second read is served from the cache; the single .Once() expectation
	// would fail if the database were hit again.
	rec = callHandler(t, relay, getSubscriptionHandler, req)
	testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
	mockDB.AssertExpectations(t)
}

func TestGetSubscription_NotFound(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewRedis(t)
	relay := testutil.NewTestApp(mockDB, testutil.WithRedis(rdb))

	sub := testutil.NewSubscription()
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(db.Subscription{}, pgx.ErrNoRows)

	req := testutil.NewJSONRequest(t, http.MethodGet, "/subscriptions/"+app.UuidToString(sub.ID), nil)
	req.SetPathValue("id", app.UuidToString(sub.ID))

	rec := callHandler(t, relay, getSubscriptionHandler, req)
	testutil.AssertJSONError(t, rec, http.StatusNotFound, "subscription not found")
}

func TestUpdateSubscription_InvalidatesCache(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	mr, rdb := testutil.NewRedis(t)
	relay := testutil.NewTestApp(mockDB, testutil.WithRedis(rdb))

	sub := testutil.NewSubscription()

	// Warm the cache through a read.
	mockDB.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, nil).Once()
	getReq := testutil.NewJSONRequest(t, http.MethodGet, "/subscriptions/"+app.UuidToString(sub.ID), nil)
	getReq.SetPathValue("id", app.UuidToString(sub.ID))
	callHandler(t, relay, getSubscriptionHandler, getReq)
	assert.True(t, mr.Exists("subscription:"+app.UuidToString(sub.ID)))

	updated := sub
	updated.TargetUrl = "https://example.com/v2"
	mockDB.On("UpdateSubscription", mock.Anything, mock.Anything).Return(updated, nil)

	req := testutil.NewJSONRequest(t, http.MethodPut, "/subscriptions/"+app.UuidToString(sub.ID), map[string]any{
		"target_url": "https://example.com/v2",
	})
	req.SetPathValue("id", app.UuidToString(sub.ID))

	rec := callHandler(t, relay, updateSubscriptionHandler, req)

	var resp SubscriptionResponse
	testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
	assert.Equal(t, "https://example.com/v2", resp.TargetUrl)

	// The cached copy must be gone by the time the response is written.
	assert.False(t, mr.Exists("subscription:"+app.UuidToString(sub.ID)))
}

func TestUpdateSubscription_NotFound(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewRedis(t)
	relay := testutil.NewTestApp(mockDB, testutil.WithRedis(rdb))

	sub := testutil.NewSubscription()
	mockDB.On("UpdateSubscription", mock.Anything, mock.Anything).Return(db.Subscription{}, pgx.ErrNoRows)

	req := testutil.NewJSONRequest(t, http.MethodPut, "/subscriptions/"+app.UuidToString(sub.ID), map[string]any{
		"target_url": "https://example.com/v2",
	})
	req.SetPathValue("id", app.UuidToString(sub.ID))

	rec := callHandler(t, relay, updateSubscriptionHandler, req)
	testutil.AssertJSONError(t, rec, http.StatusNotFound, "subscription not found")
}

func TestDeleteSubscription(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewRedis(t)
	relay := testutil.NewTestApp(mockDB, testutil.WithRedis(rdb))

	sub := testutil.NewSubscription()
	mockDB.On("SubscriptionExists", mock.Anything, sub.ID).Return(true, nil)
	mockDB.On("DeleteSubscription", mock.Anything, sub.ID).Return(nil)

	req := testutil.NewJSONRequest(t, http.MethodDelete, "/subscriptions/"+app.UuidToString(sub.ID), nil)
	req.SetPathValue("id", app.UuidToString(sub.ID))

	rec := callHandler(t, relay, deleteSubscriptionHandler, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	mockDB.AssertExpectations(t)
}

func TestDeleteSubscription_NotFound(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	_, rdb := testutil.NewRedis(t)
	relay := testutil.NewTestApp(mockDB, testutil.WithRedis(rdb))

	sub := testutil.NewSubscription()
	mockDB.On("SubscriptionExists", mock.Anything, sub.ID).Return(false, nil)

	req := testutil.NewJSONRequest(t, http.MethodDelete, "/subscriptions/"+app.UuidToString(sub.ID), nil)
	req.SetPathValue("id", app.UuidToString(sub.ID))

	rec := callHandler(t, relay, deleteSubscriptionHandler, req)
	testutil.AssertJSONError(t, rec, http.StatusNotFound, "subscription not found")
	mockDB.AssertNotCalled(t, "DeleteSubscription", mock.Anything, mock.Anything)
}

func TestListSubscriptionLogs(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	relay := testutil.NewTestApp(mockDB)

	sub := testutil.NewSubscription()
	logs := []db.DeliveryLog{
		testutil.NewDeliveryLog(func(l *db.DeliveryLog) { l.SubscriptionID = sub.ID }),
		testutil.NewDeliveryLog(func(l *db.DeliveryLog) {
			l.SubscriptionID = sub.ID
			l.Status = db.DeliveryLogStatusFAILEDATTEMPT
			l.StatusCode = pgtype.Int4{Int32: 503, Valid: true}
		}),
	}
	mockDB.On("SubscriptionExists", mock.Anything, sub.ID).Return(true, nil)
	mockDB.On("ListLogsForSubscription", mock.Anything, db.ListLogsForSubscriptionParams{
		SubscriptionID: sub.ID,
		Limit:          100,
	}).Return(logs, nil)

	req := testutil.NewJSONRequest(t, http.MethodGet, "/subscriptions/"+app.UuidToString(sub.ID)+"/logs", nil)
	req.SetPathValue("id", app.UuidToString(sub.ID))

	rec := callHandler(t, relay, listSubscriptionLogsHandler, req)

	var resp []DeliveryLogResponse
	testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
	assert.Len(t, resp, 2)
	assert.Equal(t, "SUCCESS", resp[0].Status)
	assert.Equal(t, "FAILED_ATTEMPT", resp[1].Status)
}
