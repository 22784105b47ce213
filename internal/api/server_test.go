package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendforge/sendforge/internal/cache"
	"github.com/sendforge/sendforge/internal/queue"
)

func newTestServer(t *testing.T) (*Server, queue.Store) {
	t.Helper()

	store := queue.NewMemoryStore()
	c := cache.NewMemory(cache.Config{})
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })

	limiter := queue.NewRateLimiter(queue.RateLimiterConfig{
		Enabled:           true,
		DefaultDailyLimit: 1000,
	}, c)

	sender := queue.SenderFunc(func(ctx context.Context, accountID, contactID, templateID string, params map[string]string) (*queue.SendResult, error) {
		return &queue.SendResult{MessageID: "msg"}, nil
	})

	supervisor := queue.NewSupervisor(queue.Config{}, store, sender, limiter, nil)
	return NewServer(":0", supervisor), store
}

func doRequest(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueSingleMessage(t *testing.T) {
	server, store := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/queue/messages", map[string]interface{}{
		"messages": []map[string]string{{
			"contact_id":  "contact-1",
			"account_id":  "acct-1",
			"template_id": "tmpl-1",
		}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID       string `json:"id"`
		Inserted int    `json:"inserted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, 1, resp.Inserted)

	job, err := store.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
}

func TestEnqueueBatch(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/queue/messages", map[string]interface{}{
		"messages": []map[string]string{
			{"contact_id": "a", "account_id": "acct-1", "template_id": "tmpl-1"},
			{"contact_id": "b", "account_id": "acct-1", "template_id": "tmpl-1"},
			{"contact_id": "invalid"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Inserted int `json:"inserted"`
		Skipped  int `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Inserted)
	assert.Equal(t, 1, resp.Skipped)
}

func TestEnqueueValidation(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/queue/messages", map[string]interface{}{
		"messages": []map[string]string{{"contact_id": "only-this"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, http.MethodPost, "/api/queue/messages", map[string]interface{}{
		"messages": []map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	for _, contact := range []string{"a", "b"} {
		_, err := store.Enqueue(ctx, &queue.Job{
			CampaignID: "camp-1",
			ContactID:  contact,
			AccountID:  "acct-1",
			TemplateID: "tmpl-1",
		})
		require.NoError(t, err)
	}

	rec := doRequest(t, server, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 2, stats.Total)
	assert.False(t, stats.IsRunning)
}

func TestHealthEndpoint(t *testing.T) {
	server, store := newTestServer(t)

	// Stopped and idle: healthy
	rec := doRequest(t, server, http.MethodGet, "/api/queue/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Stopped with a backlog: unhealthy
	_, err := store.Enqueue(context.Background(), &queue.Job{
		ContactID: "a", AccountID: "acct-1", TemplateID: "tmpl-1",
	})
	require.NoError(t, err)

	rec = doRequest(t, server, http.MethodGet, "/api/queue/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health queue.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "stopped_with_backlog", health.Status)
	assert.False(t, health.Healthy)
}

func TestCampaignCancelAndRetry(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	pendingID, err := store.Enqueue(ctx, &queue.Job{
		CampaignID: "camp-1", ContactID: "a", AccountID: "acct-1", TemplateID: "tmpl-1",
	})
	require.NoError(t, err)
	failedID, err := store.Enqueue(ctx, &queue.Job{
		CampaignID: "camp-1", ContactID: "b", AccountID: "acct-1", TemplateID: "tmpl-1",
	})
	require.NoError(t, err)

	_, err = store.ClaimBatch(ctx, 10, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.MarkResult(ctx, failedID, queue.Outcome{
		Status: queue.StatusFailed, AttemptCount: 3, LastError: "boom",
	}))
	require.NoError(t, store.MarkResult(ctx, pendingID, queue.Outcome{
		Status: queue.StatusPending,
	}))

	rec := doRequest(t, server, http.MethodPost, "/api/campaigns/camp-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelResp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelResp))
	assert.Equal(t, 1, cancelResp["cancelled"])

	rec = doRequest(t, server, http.MethodPost, "/api/campaigns/camp-1/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var retryResp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retryResp))
	assert.Equal(t, 1, retryResp["requeued"])

	job, err := store.Get(ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Zero(t, job.AttemptCount)
}

func TestClearFailedEndpoint(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, &queue.Job{
		ContactID: "a", AccountID: "acct-1", TemplateID: "tmpl-1",
	})
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.MarkResult(ctx, id, queue.Outcome{
		Status: queue.StatusFailed, AttemptCount: 3,
	}))

	rec := doRequest(t, server, http.MethodDelete, "/api/queue/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["deleted"])
}

func TestCleanupEndpointValidation(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/queue/cleanup?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, http.MethodPost, "/api/queue/cleanup?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, http.MethodPost, "/api/queue/cleanup?days=30", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
