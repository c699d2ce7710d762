package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("test")
	c.BotStarted("start")
	c.BotStarted("revive")
	c.BotStarted("revive")
	c.BotStopped("crash")
	c.BotRevived(1, 10*time.Second)
	c.LiveBots(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.starts.WithLabelValues("revive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stops.WithLabelValues("crash")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.revivals))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.live))
}

func TestMuxServesMetricsAndVars(t *testing.T) {
	c := NewCollector("test")
	c.BotRecycled()
	srv := httptest.NewServer(newMux(c))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "test_bot_recycles_total 1"))

	vars, err := http.Get(srv.URL + "/debug/vars")
	require.NoError(t, err)
	vars.Body.Close()
	assert.Equal(t, http.StatusOK, vars.StatusCode)
}
