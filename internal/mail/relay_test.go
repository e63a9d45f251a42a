package mail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moemail/moemail/internal/mailboxes"
)

func TestRelayDeliver(t *testing.T) {
	var got relayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	client := NewRelayClient(srv.URL+"/", "re_test")
	err := client.Deliver(context.Background(), mailboxes.Outbound{From: "a@example.com", To: "b@example.com", Subject: "hi", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b@example.com"}, got.To)
	assert.Equal(t, "hello", got.HTML)
	assert.Equal(t, "hello", got.Text)
}

func TestRelayErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnprocessableEntity)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"message":"domain not verified"}`))
	}))
	defer srv.Close()
	client := NewRelayClient(srv.URL, "re_test")

	err := client.Deliver(context.Background(), mailboxes.Outbound{To: "b@example.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "domain not verified")

	status.Store(http.StatusTooManyRequests)
	err = client.Deliver(context.Background(), mailboxes.Outbound{To: "b@example.com"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))

	status.Store(http.StatusBadGateway)
	err = client.Deliver(context.Background(), mailboxes.Outbound{To: "b@example.com"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
}

func TestNewTransportFallsBackToLog(t *testing.T) {
	_, ok := NewTransport("https://api.resend.com", "", nil).(LogTransport)
	assert.True(t, ok)
	_, ok = NewTransport("https://api.resend.com", "re_x", nil).(*RelayClient)
	assert.True(t, ok)
	assert.NoError(t, LogTransport{}.Deliver(context.Background(), mailboxes.Outbound{}))
}
