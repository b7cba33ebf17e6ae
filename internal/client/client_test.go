package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/hsenotify/internal/api"
	"github.com/RevCBH/hsenotify/internal/events"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_AddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8740", New("127.0.0.1:8740").baseURL)
	assert.Equal(t, "https://notify.example", New("https://notify.example/").baseURL)
}

func TestIngest_SendsBatch(t *testing.T) {
	mux := http.NewServeMux()
	var got []events.Event
	mux.HandleFunc("POST /v1/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, api.IngestResponse{Results: []api.EventResult{
			{Type: string(got[0].Type), Action: "intent", Outcome: "opened", InstanceID: "inst-1"},
		}})
	})
	c := newTestClient(t, mux)

	e := events.NewEvent(events.HealthIncidentReported, "emp-1", time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	e.IncidentSeverity = "critical"
	resp, err := c.Ingest(context.Background(), e)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "emp-1", got[0].SubjectID)
	assert.Equal(t, "inst-1", resp.Results[0].InstanceID)
}

func TestIngest_RejectedEventStillReturnsResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, api.IngestResponse{
			Results: []api.EventResult{{Type: "payroll.updated", Error: "unknown event type"}},
			Failed:  1,
		})
	})
	c := newTestClient(t, mux)

	resp, err := c.Ingest(context.Background(), events.Event{Type: "payroll.updated"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, "unknown event type", resp.Results[0].Error)
}

func TestIngest_BatchRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON"})
	})
	c := newTestClient(t, mux)

	_, err := c.Ingest(context.Background(), events.Event{Type: events.HazardReported})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid JSON", apiErr.Message)
}

func TestIngest_Empty(t *testing.T) {
	c := New("127.0.0.1:1")
	resp, err := c.Ingest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestAcknowledge(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/instances/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		var req api.AckRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if r.PathValue("id") != "inst-1" {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "instance not found"})
			return
		}
		writeJSON(w, http.StatusOK, api.Instance{ID: "inst-1", State: "acknowledged", ResolvedBy: req.By})
	})
	c := newTestClient(t, mux)

	inst, err := c.Acknowledge(context.Background(), "inst-1", "dr-ahmed")
	require.NoError(t, err)
	assert.Equal(t, "acknowledged", inst.State)
	assert.Equal(t, "dr-ahmed", inst.ResolvedBy)

	_, err = c.Acknowledge(context.Background(), "inst-2", "dr-ahmed")
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "instance not found")
}

func TestClear(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conditions/clear", func(w http.ResponseWriter, r *http.Request) {
		var req api.ClearRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hazard", req.Module)
		assert.Equal(t, "hz-1", req.SubjectID)
		assert.Equal(t, "site-lead", req.By)
		writeJSON(w, http.StatusOK, api.ClearResponse{Resolved: []string{"inst-1", "inst-2"}})
	})
	c := newTestClient(t, mux)

	ids, err := c.Clear(context.Background(), "hazard", "hz-1", "site-lead")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-1", "inst-2"}, ids)
}

func TestListings_PassQueryParameters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/instances", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, api.InstanceListResponse{Instances: []api.Instance{{ID: "inst-1"}}})
	})
	mux.HandleFunc("GET /v1/intents", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "no_rule", r.URL.Query().Get("outcome"))
		assert.Empty(t, r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, api.IntentListResponse{Intents: []api.IntentRecord{{ID: 3, Outcome: "no_rule"}}})
	})
	mux.HandleFunc("GET /v1/deadlines", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.DeadlineListResponse{Deadlines: []api.Deadline{{ID: "dl-1", WarningDays: []int{30, 7}}}})
	})
	mux.HandleFunc("GET /v1/rules", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.RuleSetListResponse{RuleSets: []api.RuleSet{{Version: "v2", RuleCount: 4}}})
	})
	mux.HandleFunc("GET /v1/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.InstanceDetail{
			Instance:    api.Instance{ID: r.PathValue("id")},
			Transitions: []api.Transition{{To: "pending"}},
		})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	instances, err := c.Instances(ctx, 5)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	intents, err := c.Intents(ctx, "no_rule", 0)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, int64(3), intents[0].ID)

	deadlines, err := c.Deadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{30, 7}, deadlines[0].WarningDays)

	ruleSets, err := c.RuleSets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, ruleSets[0].RuleCount)

	detail, err := c.Instance(ctx, "inst-9")
	require.NoError(t, err)
	assert.Equal(t, "inst-9", detail.Instance.ID)
	assert.Len(t, detail.Transitions, 1)
}

func TestHealth_DegradedIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, api.Health{Status: "degraded", Version: "1.2.0"})
	})
	c := newTestClient(t, mux)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "1.2.0", h.Version)
}

func TestErrors_NonJSONBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/deadlines", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream unavailable")
	})
	c := newTestClient(t, mux)

	_, err := c.Deadlines(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
	assert.False(t, IsNotFound(err))
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestTransportError(t *testing.T) {
	c := NewWithDoer("127.0.0.1:8740", failingDoer{})
	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, c.Close())
}
