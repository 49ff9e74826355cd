package respond

import (
	"context"
	"errors"
	"sort"
	"sync"

	"sentinel/core"
)

// In-memory store implementations shared by the package tests.

type memIncidentStore struct {
	mu        sync.Mutex
	incidents map[string]*core.Incident
}

func newMemIncidentStore() *memIncidentStore {
	return &memIncidentStore{incidents: make(map[string]*core.Incident)}
}

func (m *memIncidentStore) SaveIncident(_ context.Context, incident *core.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[incident.ID] = incident
	return nil
}

func (m *memIncidentStore) UpdateIncident(ctx context.Context, incident *core.Incident) error {
	return m.SaveIncident(ctx, incident)
}

func (m *memIncidentStore) GetIncident(_ context.Context, id string) (*core.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	incident, ok := m.incidents[id]
	if !ok {
		return nil, errors.New("incident not found")
	}
	return incident, nil
}

func (m *memIncidentStore) ListIncidents(_ context.Context, filter IncidentFilter) ([]*core.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Incident
	for _, incident := range m.incidents {
		if filter.Status != "" && incident.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && incident.Severity != filter.Severity {
			continue
		}
		if filter.AssigneeID != "" && incident.AssigneeID != filter.AssigneeID {
			continue
		}
		out = append(out, incident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memActionStore struct {
	mu      sync.Mutex
	actions map[string]*core.AutomatedAction
	order   []string
}

func newMemActionStore() *memActionStore {
	return &memActionStore{actions: make(map[string]*core.AutomatedAction)}
}

func (m *memActionStore) CreateAction(_ context.Context, action *core.AutomatedAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[action.ID]; !ok {
		m.order = append(m.order, action.ID)
	}
	clone := *action
	m.actions[action.ID] = &clone
	return nil
}

func (m *memActionStore) UpdateAction(ctx context.Context, action *core.AutomatedAction) error {
	return m.CreateAction(ctx, action)
}

func (m *memActionStore) GetAction(_ context.Context, id string) (*core.AutomatedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[id]
	if !ok {
		return nil, errors.New("action not found")
	}
	clone := *action
	return &clone, nil
}

func (m *memActionStore) ListActionsByStatus(_ context.Context, status core.ActionStatus, limit int) ([]*core.AutomatedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.AutomatedAction
	for _, id := range m.order {
		action := m.actions[id]
		if action.Status != status {
			continue
		}
		clone := *action
		out = append(out, &clone)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memActionStore) ListActionsByIncident(_ context.Context, incidentID string) ([]*core.AutomatedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.AutomatedAction
	for _, id := range m.order {
		action := m.actions[id]
		if action.IncidentID == incidentID {
			clone := *action
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memActionStore) CountActionsByStatus(_ context.Context, status core.ActionStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, action := range m.actions {
		if action.Status == status {
			n++
		}
	}
	return n, nil
}

type memPlaybookStore struct {
	mu        sync.Mutex
	playbooks map[string]*core.ResponsePlaybook
}

func newMemPlaybookStore() *memPlaybookStore {
	return &memPlaybookStore{playbooks: make(map[string]*core.ResponsePlaybook)}
}

func (m *memPlaybookStore) SavePlaybook(_ context.Context, playbook *core.ResponsePlaybook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playbooks[playbook.ID] = playbook
	return nil
}

func (m *memPlaybookStore) UpdatePlaybook(ctx context.Context, playbook *core.ResponsePlaybook) error {
	return m.SavePlaybook(ctx, playbook)
}

func (m *memPlaybookStore) DeletePlaybook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.playbooks, id)
	return nil
}

func (m *memPlaybookStore) GetPlaybook(_ context.Context, id string) (*core.ResponsePlaybook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	playbook, ok := m.playbooks[id]
	if !ok {
		return nil, errors.New("playbook not found")
	}
	return playbook, nil
}

func (m *memPlaybookStore) ListPlaybooks(_ context.Context) ([]*core.ResponsePlaybook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.ResponsePlaybook, 0, len(m.playbooks))
	for _, playbook := range m.playbooks {
		out = append(out, playbook)
	}
	return out, nil
}
