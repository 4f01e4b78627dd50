package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123456:SECRET-token"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{Token: testToken, API: srv.URL})
	require.NoError(t, err)

	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestSendMessage_Form(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/bot"+testToken+"/sendMessage", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("disable_web_page_preview"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "-100", r.PostForm.Get("chat_id"))
		assert.Equal(t, "123456", r.PostForm.Get("text"))
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	})

	require.NoError(t, c.SendMessage(context.Background(), "-100", "123456"))
}

func TestSendMessage_RetryAfter(t *testing.T) {
	var calls atomic.Int32
	c, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	require.NoError(t, c.SendMessage(context.Background(), "1", "x"))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{3*time.Second + 200*time.Millisecond}, *waits)
}

func TestSendMessage_ServerErrorBackoff(t *testing.T) {
	var calls atomic.Int32
	c, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.SendMessage(context.Background(), "1", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 600 * time.Millisecond}, *waits)
}

func TestSendMessage_ClientErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	})

	err := c.SendMessage(context.Background(), "1", "x")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "chat not found")
}

func TestSendMessage_NotOK(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false}`))
	})
	assert.Error(t, c.SendMessage(context.Background(), "1", "x"))
}

func TestSendMessage_TokenRedacted(t *testing.T) {
	c, err := NewClient(Options{Token: testToken, API: "http://127.0.0.1:1"})
	require.NoError(t, err)
	c.retries = 0

	err = c.SendMessage(context.Background(), "1", "x")
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "SECRET"), err.Error())
	assert.Contains(t, err.Error(), "***")
}

func TestSendMessage_Cancelled(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c.sleep = sleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.SendMessage(ctx, "1", "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailed))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)

	_, err = NewClient(Options{Token: "t", Proxy: "://bad"})
	assert.Error(t, err)
}
