package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierPostsPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	require.NoError(t, n.SendError(context.Background(), "cache update failed"))

	assert.Equal(t, "error", got["level"])
	assert.Equal(t, "cache update failed", got["message"])
	assert.NotEmpty(t, got["timestamp"])
}

func TestWebhookNotifierLevels(t *testing.T) {
	var levels []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		levels = append(levels, body["level"])
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	require.NoError(t, n.SendSuccess(context.Background(), "server restarted"))
	require.NoError(t, n.SendError(context.Background(), "shutdown timed out"))
	assert.Equal(t, []string{"success", "error"}, levels)
}

func TestWebhookNotifierNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	assert.Error(t, n.SendSuccess(context.Background(), "ignored"))
}

func TestEmptyURLYieldsNopNotifier(t *testing.T) {
	n := NewWebhookNotifier("")
	assert.IsType(t, NopNotifier{}, n)
	assert.NoError(t, n.SendSuccess(context.Background(), "x"))
	assert.NoError(t, n.SendError(context.Background(), "x"))
}
