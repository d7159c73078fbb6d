package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/realtime"
	"github.com/opencivic/realtime/cfg"
	"github.com/opencivic/realtime/telemetry"
)

type fakeManager struct {
	state    realtime.ConnectionState
	snap     telemetry.Snapshot
	resets   int
	subs     int
	promStub http.Handler
}

func (f *fakeManager) Status() realtime.ConnectionState    { return f.state }
func (f *fakeManager) MetricsSnapshot() telemetry.Snapshot { return f.snap }
func (f *fakeManager) SubscriptionCount() int              { return f.subs }
func (f *fakeManager) PrometheusHandler() http.Handler     { return f.promStub }

func (f *fakeManager) ResetMetrics() telemetry.Snapshot {
	f.resets++
	prev := f.snap
	f.snap = telemetry.Snapshot{}
	return prev
}

func newTestServer(m Manager) http.Handler {
	return NewServer(cfg.AdminConfiguration{BindAddress: "127.0.0.1", Port: 9480}, m).router()
}

func TestStatusEndpoint(t *testing.T) {
	m := &fakeManager{
		state: realtime.StateConnected,
		subs:  3,
		snap:  telemetry.Snapshot{ConnectionUptime: 90 * time.Second},
	}
	h := newTestServer(m)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CONNECTED", body.State)
	assert.Equal(t, 3, body.Subscriptions)
	assert.Equal(t, int64(90000), body.UptimeMS)
}

func TestStatsEndpoint(t *testing.T) {
	m := &fakeManager{
		snap: telemetry.Snapshot{
			TotalEvents:        7,
			EventsByTable:      map[string]uint64{"votes": 7},
			DeduplicatedEvents: 2,
		},
	}
	h := newTestServer(m)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body telemetry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(7), body.TotalEvents)
	assert.Equal(t, uint64(7), body.EventsByTable["votes"])
	assert.Equal(t, uint64(2), body.DeduplicatedEvents)
}

func TestStatsResetReturnsPriorSnapshot(t *testing.T) {
	m := &fakeManager{snap: telemetry.Snapshot{TotalEvents: 7}}
	h := newTestServer(m)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats/reset", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, m.resets)

	var body telemetry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(7), body.TotalEvents, "response carries the discarded counters")

	// A GET never resets.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/reset", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 1, m.resets)
}

func TestMetricsEndpointWithoutTelemetry(t *testing.T) {
	h := newTestServer(&fakeManager{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointDelegates(t *testing.T) {
	m := &fakeManager{
		promStub: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("realtime_events_total 1\n"))
		}),
	}
	h := newTestServer(m)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "realtime_events_total")
}
