package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"sentinel/core"
	"sentinel/storage"
)

func (a *API) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := a.playbooks.ListPlaybooks(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list playbooks: %v", err), http.StatusInternalServerError)
		return
	}
	if playbooks == nil {
		playbooks = []*core.ResponsePlaybook{}
	}
	a.respondJSON(w, playbooks, http.StatusOK)
}

func (a *API) createPlaybook(w http.ResponseWriter, r *http.Request) {
	var playbook core.ResponsePlaybook
	if err := json.NewDecoder(r.Body).Decode(&playbook); err != nil {
		http.Error(w, fmt.Sprintf("invalid playbook payload: %v", err), http.StatusBadRequest)
		return
	}
	if playbook.ID == "" {
		playbook.ID = uuid.New().String()
	}
	if playbook.CreatedBy == "" {
		playbook.CreatedBy = actor(r)
	}
	now := time.Now().UTC()
	playbook.CreatedAt = now
	playbook.UpdatedAt = now

	if err := playbook.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.playbooks.SavePlaybook(r.Context(), &playbook); err != nil {
		if errors.Is(err, storage.ErrDuplicateID) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("failed to save playbook: %v", err), http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, &playbook, http.StatusCreated)
}

func (a *API) getPlaybook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	playbook, err := a.playbooks.GetPlaybook(r.Context(), id)
	if err != nil {
		a.playbookError(w, id, err)
		return
	}
	a.respondJSON(w, playbook, http.StatusOK)
}

func (a *API) updatePlaybook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := a.playbooks.GetPlaybook(r.Context(), id)
	if err != nil {
		a.playbookError(w, id, err)
		return
	}

	var playbook core.ResponsePlaybook
	if err := json.NewDecoder(r.Body).Decode(&playbook); err != nil {
		http.Error(w, fmt.Sprintf("invalid playbook payload: %v", err), http.StatusBadRequest)
		return
	}
	// Identity and provenance are immutable.
	playbook.ID = existing.ID
	playbook.CreatedBy = existing.CreatedBy
	playbook.CreatedAt = existing.CreatedAt
	playbook.UpdatedAt = time.Now().UTC()

	if err := playbook.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.playbooks.UpdatePlaybook(r.Context(), &playbook); err != nil {
		a.playbookError(w, id, err)
		return
	}
	a.respondJSON(w, &playbook, http.StatusOK)
}

func (a *API) deletePlaybook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.playbooks.DeletePlaybook(r.Context(), id); err != nil {
		a.playbookError(w, id, err)
		return
	}
	a.respondJSON(w, map[string]string{"status": "deleted"}, http.StatusOK)
}

func (a *API) setPlaybookEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		playbook, err := a.playbooks.GetPlaybook(r.Context(), id)
		if err != nil {
			a.playbookError(w, id, err)
			return
		}
		playbook.Enabled = enabled
		playbook.UpdatedAt = time.Now().UTC()
		if err := a.playbooks.UpdatePlaybook(r.Context(), playbook); err != nil {
			a.playbookError(w, id, err)
			return
		}
		a.respondJSON(w, playbook, http.StatusOK)
	}
}

func (a *API) playbookError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrPlaybookNotFound) {
		http.Error(w, fmt.Sprintf("playbook %s not found", id), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
