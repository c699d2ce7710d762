package client

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

	"github.com/betbot/botfleet/internal/registry"
)

func TestClientSendsTenantAndDecodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get("X-Tenant-ID"))
		switch r.URL.Path {
		case "/api/bots/b1/start":
			var body struct {
				Config registry.BotConfig `json:"config"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []string{"ping"}, body.Config.Commands)
			_, _ = w.Write([]byte(`{"botId":"b1","state":"running","pid":42,"balance":"3"}`))
		case "/api/bots/b1/stop":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"b1: bot is not running","kind":"not_found"}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL + "/", Tenant: "alice"})
	res, err := c.Start(context.Background(), "b1", &registry.BotConfig{Commands: []string{"ping"}})
	require.NoError(t, err)
	assert.Equal(t, 42, res.PID)
	require.NotNil(t, res.Balance)
	assert.Equal(t, "3", res.Balance.String())

	err = c.Stop(context.Background(), "b1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Kind)
}

func TestClientRetriesRateLimitedReads(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[{"botId":"b1","state":"stopped"}]`))
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL, Tenant: "alice"})
	bots, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientSendsAdminToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"live":2,"running":1,"backoff":1}`))
	}))
	defer ts.Close()

	u, err := New(Options{BaseURL: ts.URL, AdminToken: "tok"}).Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, u.Live)
	assert.Equal(t, 1, u.Backoff)
}

func TestClientDecodesRegardlessOfContentType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		switch r.URL.Path {
		case "/api/bots/b1/status":
			_, _ = w.Write([]byte(`{"botId":"b1","state":"running","pid":7}`))
		default:
			_, _ = w.Write([]byte(`<html>proxy error</html>`))
		}
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL, Tenant: "alice"})
	st, err := c.Status(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 7, st.PID)

	_, err = c.List(context.Background())
	assert.Error(t, err)
}
