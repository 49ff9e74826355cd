package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"sentinel/core"
	"sentinel/respond"
	"sentinel/storage"
)

func (a *API) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := respond.IncidentFilter{
		Status:     core.IncidentStatus(q.Get("status")),
		Severity:   core.Severity(q.Get("severity")),
		AssigneeID: q.Get("assignee"),
		Limit:      parseLimit(q.Get("limit"), 100),
	}

	incidents, err := a.incidents.List(r.Context(), filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list incidents: %v", err), http.StatusInternalServerError)
		return
	}
	if incidents == nil {
		incidents = []*core.Incident{}
	}
	a.respondJSON(w, incidents, http.StatusOK)
}

func (a *API) createIncident(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if body.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	severity, err := core.ParseSeverity(body.Severity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	incident, err := a.incidents.CreateIncident(r.Context(), body.Title, body.Description, severity, actor(r))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to create incident: %v", err), http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, incident, http.StatusCreated)
}

func (a *API) getIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	incident, err := a.incidents.Get(r.Context(), id)
	if err != nil {
		a.incidentError(w, id, err)
		return
	}
	a.respondJSON(w, incident, http.StatusOK)
}

func (a *API) transitionIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	to := core.IncidentStatus(body.Status)
	if !to.IsValid() {
		http.Error(w, fmt.Sprintf("unknown incident status %q", body.Status), http.StatusBadRequest)
		return
	}

	incident, err := a.incidents.Transition(r.Context(), id, to, actor(r))
	if err != nil {
		a.incidentError(w, id, err)
		return
	}
	a.respondJSON(w, incident, http.StatusOK)
}

func (a *API) assignIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		AssigneeID string `json:"assignee_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if body.AssigneeID == "" {
		http.Error(w, "assignee_id is required", http.StatusBadRequest)
		return
	}

	incident, err := a.incidents.Assign(r.Context(), id, body.AssigneeID, actor(r))
	if err != nil {
		a.incidentError(w, id, err)
		return
	}
	a.respondJSON(w, incident, http.StatusOK)
}

func (a *API) listIncidentActions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actions, err := a.incidents.Actions(r.Context(), id)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list actions: %v", err), http.StatusInternalServerError)
		return
	}
	if actions == nil {
		actions = []*core.AutomatedAction{}
	}
	a.respondJSON(w, actions, http.StatusOK)
}

func (a *API) incidentError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrIncidentNotFound) {
		http.Error(w, fmt.Sprintf("incident %s not found", id), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
