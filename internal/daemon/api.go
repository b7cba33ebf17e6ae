package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/RevCBH/hsenotify/internal/api"
	"github.com/RevCBH/hsenotify/internal/escalation"
	"github.com/RevCBH/hsenotify/internal/events"
	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/normalize"
	"github.com/RevCBH/hsenotify/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler returns the daemon's HTTP API.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", d.handleEvents)
	mux.HandleFunc("POST /v1/conditions/clear", d.handleClear)
	mux.HandleFunc("POST /v1/instances/{id}/ack", d.handleAck)
	mux.HandleFunc("GET /v1/instances/{id}", d.handleInstance)
	mux.HandleFunc("GET /v1/instances", d.handleInstances)
	mux.HandleFunc("GET /v1/deadlines", d.handleDeadlines)
	mux.HandleFunc("GET /v1/intents", d.handleIntents)
	mux.HandleFunc("GET /v1/rules", d.handleRules)
	mux.HandleFunc("GET /healthz", d.handleHealth)
	mux.Handle("GET /metrics", d.metrics.Handler())
	return mux
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		d.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	batch, err := events.DecodeBatch(body)
	if err != nil {
		d.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := api.IngestResponse{Results: make([]api.EventResult, 0, len(batch))}
	var firstErr error
	for _, e := range batch {
		res, err := d.orch.Ingest(r.Context(), e)
		if err != nil {
			resp.Failed++
			if firstErr == nil {
				firstErr = err
			}
			d.logger.Warn("Event rejected", zap.String("event", e.String()), zap.Error(err))
		}
		resp.Results = append(resp.Results, api.FromResult(res, err))
	}

	// One bad event in a batch does not fail the others.
	status := http.StatusOK
	if len(batch) == 1 && firstErr != nil {
		status = statusFor(firstErr)
	}
	d.writeJSON(w, status, resp)
}

func (d *Daemon) handleClear(w http.ResponseWriter, r *http.Request) {
	var req api.ClearRequest
	if !d.decode(w, r, &req) {
		return
	}
	by := strings.TrimSpace(req.By)
	if by == "" {
		by = "api"
	}
	resolved, err := d.orch.ClearCondition(r.Context(), intent.Module(req.Module), req.SubjectID, by)
	if err != nil {
		d.writeError(w, statusFor(err), err.Error())
		return
	}
	ids := make([]string, 0, len(resolved))
	for _, inst := range resolved {
		ids = append(ids, inst.ID)
	}
	d.writeJSON(w, http.StatusOK, api.ClearResponse{Resolved: ids})
}

func (d *Daemon) handleAck(w http.ResponseWriter, r *http.Request) {
	var req api.AckRequest
	if !d.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.By) == "" {
		d.writeError(w, http.StatusBadRequest, "acknowledgement requires \"by\"")
		return
	}
	inst, err := d.orch.Acknowledge(r.Context(), r.PathValue("id"), strings.TrimSpace(req.By))
	if err != nil {
		d.writeError(w, statusFor(err), err.Error())
		return
	}
	d.writeJSON(w, http.StatusOK, api.FromInstance(inst))
}

func (d *Daemon) handleInstance(w http.ResponseWriter, r *http.Request) {
	detail, err := d.orch.Instance(r.Context(), r.PathValue("id"))
	if err != nil {
		d.writeError(w, statusFor(err), err.Error())
		return
	}
	d.writeJSON(w, http.StatusOK, api.FromDetail(detail.Instance, detail.Transitions, detail.Attempts))
}

func (d *Daemon) handleInstances(w http.ResponseWriter, r *http.Request) {
	limit, ok := d.limit(w, r)
	if !ok {
		return
	}
	list, err := d.store.ListInstances(r.Context(), limit)
	if err != nil {
		d.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	d.writeJSON(w, http.StatusOK, api.InstanceListResponse{Instances: api.FromInstances(list)})
}

func (d *Daemon) handleDeadlines(w http.ResponseWriter, r *http.Request) {
	d.writeJSON(w, http.StatusOK, api.DeadlineListResponse{Deadlines: api.FromDeadlines(d.orch.Deadlines())})
}

func (d *Daemon) handleIntents(w http.ResponseWriter, r *http.Request) {
	limit, ok := d.limit(w, r)
	if !ok {
		return
	}
	outcome := store.Outcome(strings.TrimSpace(r.URL.Query().Get("outcome")))
	list, err := d.store.ListIntents(r.Context(), outcome, limit)
	if err != nil {
		d.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	d.writeJSON(w, http.StatusOK, api.IntentListResponse{Intents: api.FromIntentRecords(list)})
}

func (d *Daemon) handleRules(w http.ResponseWriter, r *http.Request) {
	list, err := d.store.ListRuleSets(r.Context())
	if err != nil {
		d.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]api.RuleSet, 0, len(list))
	for _, rec := range list {
		out = append(out, api.FromRuleSet(rec))
	}
	d.writeJSON(w, http.StatusOK, api.RuleSetListResponse{RuleSets: out})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := d.Health()
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	d.writeJSON(w, status, h)
}

// Health reports scheduler liveness and pipeline state.
func (d *Daemon) Health() api.Health {
	h := api.Health{
		Status:           "ok",
		Version:          d.opts.Version,
		SchedulerHealthy: d.orch.Healthy(),
		QueueDepth:       d.orch.QueueLen(),
		Channel:          d.channel.Name(),
		RuleSet:          api.FromRuleSet(d.ruleSet),
	}
	if !h.SchedulerHealthy {
		h.Status = "degraded"
	}
	h.LastTick = api.FormatTime(d.orch.LastTick())
	h.StartedAt = api.FormatTime(d.started)
	return h
}

func (d *Daemon) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		d.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func (d *Daemon) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		d.writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, normalize.ErrUnknownEventType), errors.Is(err, normalize.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, escalation.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (d *Daemon) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		d.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (d *Daemon) writeError(w http.ResponseWriter, status int, message string) {
	d.writeJSON(w, status, api.ErrorResponse{Error: message})
}
