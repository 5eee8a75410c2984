package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/stake-reward-distributor/internal/security"
)

func signed(t *testing.T) security.Envelope {
	t.Helper()
	s, err := security.NewSigner("")
	require.NoError(t, err)
	env, err := s.Sign(map[string]int{"confirmed": 3})
	require.NoError(t, err)
	return env
}

func TestWebhook_Send(t *testing.T) {
	var got Delivery
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	w := NewWebhook(WebhookConfig{URL: server.URL, APIKey: "secret"})
	require.True(t, w.Enabled())

	env := signed(t)
	err := w.Send(context.Background(), Delivery{Command: "execute", RunDate: "2024-05-01", Envelope: env})
	require.NoError(t, err)

	assert.Equal(t, "execute", got.Command)
	assert.NotEmpty(t, got.ExportTime)
	assert.NoError(t, security.Verify(got.Envelope))
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w := NewWebhook(WebhookConfig{URL: server.URL, RetryMax: 3})
	require.NoError(t, w.Send(context.Background(), Delivery{Envelope: signed(t)}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhook_ClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	w := NewWebhook(WebhookConfig{URL: server.URL, RetryMax: 3})
	err := w.Send(context.Background(), Delivery{Envelope: signed(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWebhook_Disabled(t *testing.T) {
	var w *Webhook
	assert.False(t, w.Enabled())
	assert.Error(t, NewWebhook(WebhookConfig{}).Send(context.Background(), Delivery{}))
}
