package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"sentinel/core"
	"sentinel/detect"
	"sentinel/storage"
)

// ingestEvent accepts one security event and runs it through the detection
// pipeline synchronously, returning any threats it produced.
func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var event core.SecurityEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, fmt.Sprintf("invalid event payload: %v", err), http.StatusBadRequest)
		return
	}
	if event.EventType == "" {
		http.Error(w, "event_type is required", http.StatusBadRequest)
		return
	}
	if event.EventID == "" {
		stamped := core.NewSecurityEvent(event.EventType)
		event.EventID = stamped.EventID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	threats, err := a.detector.ProcessEvent(r.Context(), &event)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to process event: %v", err), http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, map[string]interface{}{
		"event_id": event.EventID,
		"threats":  threats,
	}, http.StatusAccepted)
}

func (a *API) listThreats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := detect.ThreatFilter{
		ThreatType: core.ThreatType(q.Get("type")),
		Severity:   core.Severity(q.Get("severity")),
		SourceIP:   q.Get("source_ip"),
		UserID:     q.Get("user_id"),
		Limit:      parseLimit(q.Get("limit"), 100),
	}
	if q.Get("include_resolved") == "true" {
		filter.IncludeResolved = true
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		filter.Since = t
	}

	threats, err := a.detector.ListThreats(r.Context(), filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list threats: %v", err), http.StatusInternalServerError)
		return
	}
	if threats == nil {
		threats = []*core.ThreatEvent{}
	}
	a.respondJSON(w, threats, http.StatusOK)
}

func (a *API) getThreatStats(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.detector.Stats(), http.StatusOK)
}

func (a *API) resolveThreat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		FalsePositive bool `json:"false_positive"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			return
		}
	}

	threat, err := a.detector.Resolve(r.Context(), id, body.FalsePositive, actor(r))
	if err != nil {
		a.threatError(w, id, err)
		return
	}
	a.respondJSON(w, threat, http.StatusOK)
}

func (a *API) blockThreat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	threat, err := a.detector.Block(r.Context(), id, actor(r))
	if err != nil {
		a.threatError(w, id, err)
		return
	}
	a.respondJSON(w, threat, http.StatusOK)
}

func (a *API) threatError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrThreatNotFound) {
		http.Error(w, fmt.Sprintf("threat %s not found", id), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
		return n
	}
	return def
}
