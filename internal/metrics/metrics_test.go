package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.EventDispatched("response")
	m.EventDispatched("response")
	m.EventDispatched("input_audio")
	m.ItemCollected("message")
	m.SessionClosed("response_completed")
	m.FrameDropped()
	m.ConnectionOpened("relay")
	m.ConnectionOpened("demo")
	m.ConnectionClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDispatched.WithLabelValues("response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDispatched.WithLabelValues("input_audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsCollected.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("response_completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AudioFramesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventDispatched("response")
	m.FrameDropped()
	m.SearchDone("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.PageFetched("error")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `rtrelay_search_page_fetches_total{outcome="error"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
