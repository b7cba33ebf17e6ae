package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Event("hazard.reported", "accepted")
		m.Intent("health", "opened")
		m.Transition("pending", "dispatched")
		m.DispatchAttempt("webhook", "success", time.Second)
		m.QueueDepth(3)
		m.QueueRejected()
		m.DeadlineFired("deadline_expired")
		m.SchedulerTick(time.Now())
		m.SchedulerTickError()
		m.ClockMismatch()
	})
}

func TestCounters(t *testing.T) {
	m := New()

	m.Intent("health", "opened")
	m.Intent("health", "opened")
	m.Intent("ppe", "duplicate")
	m.QueueRejected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.intentsTotal.WithLabelValues("health", "opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.intentsTotal.WithLabelValues("ppe", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueRejected))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SchedulerTick(time.Unix(1700000000, 0))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hsenotify_scheduler_last_tick_timestamp_seconds 1.7e+09")
}
