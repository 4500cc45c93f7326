package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketIsCachedUntilNearExpiry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(ticketResponse{
			Ticket:    "tkt-1",
			ExpiresAt: time.Now().Add(time.Minute).UnixMilli(),
		})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	first, err := c.Ticket(ctx, "ses_1")
	require.NoError(t, err)
	second, err := c.Ticket(ctx, "ses_1")
	require.NoError(t, err)

	assert.Equal(t, "tkt-1", first)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls.Load(), "unexpired ticket is reused")
}

func TestRefreshBypassesCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		_ = json.NewEncoder(w).Encode(ticketResponse{
			Ticket:    "tkt-" + string(rune('0'+n)),
			ExpiresAt: time.Now().Add(time.Minute).UnixMilli(),
		})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	first, err := c.Ticket(ctx, "ses_1")
	require.NoError(t, err)
	fresh, err := c.Refresh(ctx, "ses_1")
	require.NoError(t, err)

	assert.NotEqual(t, first, fresh)
	assert.EqualValues(t, 2, calls.Load())
}

func TestConcurrentTicketRequestsCollapse(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(ticketResponse{
			Ticket:    "tkt-shared",
			ExpiresAt: time.Now().Add(time.Minute).UnixMilli(),
		})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := c.Ticket(ctx, "ses_1")
			assert.NoError(t, err)
			assert.Equal(t, "tkt-shared", ticket)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "singleflight collapses concurrent requests")
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		code   ErrorCode
	}{
		{http.StatusUnauthorized, CodeUnauthorized},
		{http.StatusPaymentRequired, CodePaymentRequired},
		{http.StatusNotFound, CodeNotFound},
		{http.StatusInternalServerError, CodeInternal},
		{http.StatusConflict, CodeBadRequest},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(errorBody{Message: "nope"})
		}))
		c := NewClient(Config{BaseURL: srv.URL})
		c.retryBase = time.Millisecond

		err := c.Initiate(context.Background(), "ses_1")
		require.Error(t, err)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, tc.code, apiErr.Code, "status %d", tc.status)
		assert.Equal(t, "nope", apiErr.Message)
		srv.Close()
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL})
	c.retryBase = time.Millisecond

	require.NoError(t, c.Initiate(context.Background(), "ses_1"))
	assert.EqualValues(t, 3, calls.Load())
}

func TestTerminalFailuresAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL})
	c.retryBase = time.Millisecond

	require.Error(t, c.Initiate(context.Background(), "ses_1"))
	assert.EqualValues(t, 1, calls.Load())
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(&APIError{Code: CodeInternal, StatusCode: 500}))
	assert.True(t, IsTransient(&APIError{Code: CodeBadRequest, StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsTransient(&APIError{Code: CodeUnauthorized, StatusCode: 401}))
	assert.False(t, IsTransient(nil))
}

func TestLoadReturnsSnapshot(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/ses_1", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"details": {"sessionId": "ses_1", "title": "t", "updatedAt": 1700000000000},
			"messages": [{"info": {"id": "msg_1", "sessionID": "ses_1", "role": "user", "time": {"created": 1}}, "parts": []}]
		}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL})
	details, messages, err := c.Load(context.Background(), "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "ses_1", details.SessionID)
	assert.EqualValues(t, 1_700_000_000_000, details.UpdatedAt)
	require.Len(t, messages, 1)
	assert.Equal(t, "msg_1", messages[0].Info.ID)
}
