package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rollcall/events"
)

func TestPublishDelivers(t *testing.T) {
	var got events.Event
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := New(srv.URL, "Authorization: Bearer secret")
	err := p.Publish(context.Background(), events.Event{Type: events.SessionEnded, SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, events.SessionEnded, got.Type)
}

func TestPublishRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.URL, "")
	p.retryDelay = 10 * time.Millisecond
	require.NoError(t, p.Publish(context.Background(), events.Event{Type: events.RecordCreated}))
	require.Equal(t, int32(2), calls.Load())
}

func TestPublishDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(srv.URL, "")
	p.retryDelay = 10 * time.Millisecond
	require.Error(t, p.Publish(context.Background(), events.Event{Type: events.RecordCreated}))
	require.Equal(t, int32(1), calls.Load())
}
