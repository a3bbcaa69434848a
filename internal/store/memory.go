package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Memory is an in-process Store. Records are copied on the way in and out,
// so callers never share mutable state with the store.
type Memory struct {
	mu         sync.RWMutex
	apiKeys    map[string]*models.APIKey
	workspaces map[string]*models.Workspace
	sessions   map[string]*models.Session
	workers    map[string]*models.Worker
	jobs       map[string]*models.Job

	clock clock.Clock
}

var _ Store = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		apiKeys:    make(map[string]*models.APIKey),
		workspaces: make(map[string]*models.Workspace),
		sessions:   make(map[string]*models.Session),
		workers:    make(map[string]*models.Worker),
		jobs:       make(map[string]*models.Job),
		clock:      clk,
	}
}

func (m *Memory) GetAPIKey(_ context.Context, apiKey string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.apiKeys[apiKey]
	if !ok {
		return nil, derror.NotFound("api key not found")
	}
	c := *key
	return &c, nil
}

func (m *Memory) UpsertAPIKey(_ context.Context, key *models.APIKey) error {
	if key.APIKey == "" {
		return derror.Validation("api key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *key
	m.apiKeys[key.APIKey] = &c
	return nil
}

func (m *Memory) GetWorkspace(_ context.Context, guid string) (*models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[guid]
	if !ok {
		return nil, derror.NotFound("workspace %s not found", guid)
	}
	return ws.Clone(), nil
}

func (m *Memory) UpsertWorkspace(_ context.Context, ws *models.Workspace) error {
	if ws.Guid == "" {
		return derror.Validation("workspace guid is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.workspaces[ws.Guid] = ws.Clone()
	return nil
}

func (m *Memory) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.Guid]; exists {
		return derror.Conflict("session %s already exists", session.Guid)
	}
	m.sessions[session.Guid] = session.Clone()
	return nil
}

func (m *Memory) GetSession(_ context.Context, guid string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[guid]
	if !ok {
		return nil, derror.NotFound("session %s not found", guid)
	}
	return s.Clone(), nil
}

func (m *Memory) ListSessions(_ context.Context, filter SessionFilter) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Session
	for _, s := range m.sessions {
		if len(filter.States) > 0 && !slices.Contains(filter.States, s.State) {
			continue
		}
		if !filter.LastSeenBefore.IsZero() && !s.LastSeen.Before(filter.LastSeenBefore) {
			continue
		}
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FirstSeen.Before(result[j].FirstSeen)
	})
	return result, nil
}

func (m *Memory) UpdateSession(_ context.Context, guid string, expect []models.SessionState, set SessionUpdate) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[guid]
	if !ok {
		return nil, derror.NotFound("session %s not found", guid)
	}
	if len(expect) > 0 && !slices.Contains(expect, s.State) {
		return nil, derror.Conflict("session %s is %s", guid, s.State)
	}

	if set.State != nil {
		s.State = *set.State
	}
	if set.LastSeen != nil {
		s.LastSeen = *set.LastSeen
	}
	if set.WorkerGuid != nil {
		s.WorkerGuid = *set.WorkerGuid
	}
	if set.FailReason != nil {
		s.FailReason = *set.FailReason
	}
	if set.ClosedAt != nil {
		t := *set.ClosedAt
		s.ClosedAt = &t
	}
	return s.Clone(), nil
}

func (m *Memory) GetWorker(_ context.Context, guid string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[guid]
	if !ok {
		return nil, derror.NotFound("worker %s not found", guid)
	}
	return w.Clone(), nil
}

func (m *Memory) UpsertWorker(_ context.Context, worker *models.Worker) error {
	if worker.Guid == "" {
		return derror.Validation("worker guid is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := worker.Clone()
	if existing, ok := m.workers[worker.Guid]; ok {
		// Heartbeats never carry the binding; keep it.
		c.SessionGuid = existing.SessionGuid
		c.FirstSeen = existing.FirstSeen
	} else if c.FirstSeen.IsZero() {
		c.FirstSeen = m.clock.Now()
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = m.clock.Now()
	}
	m.workers[worker.Guid] = c
	return nil
}

func (m *Memory) ListWorkers(_ context.Context, workgroup string) ([]*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Worker
	for _, w := range m.workers {
		if workgroup != "" && w.Workgroup != workgroup {
			continue
		}
		result = append(result, w.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Guid < result[j].Guid
	})
	return result, nil
}

func (m *Memory) ClaimWorker(_ context.Context, workgroup, sessionGuid string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidate *models.Worker
	for _, w := range m.workers {
		if w.Workgroup != workgroup || !w.Available() {
			continue
		}
		// Prefer the most recently seen worker; guid breaks ties for determinism.
		if candidate == nil || w.LastSeen.After(candidate.LastSeen) ||
			(w.LastSeen.Equal(candidate.LastSeen) && w.Guid < candidate.Guid) {
			candidate = w
		}
	}
	if candidate == nil {
		return nil, derror.Forbidden("no available workers in workgroup %s", workgroup)
	}
	candidate.SessionGuid = sessionGuid
	return candidate.Clone(), nil
}

func (m *Memory) ReleaseWorker(_ context.Context, workerGuid, sessionGuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerGuid]
	if !ok {
		return derror.NotFound("worker %s not found", workerGuid)
	}
	if w.SessionGuid == sessionGuid {
		w.SessionGuid = ""
	}
	return nil
}

func (m *Memory) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.Guid]; exists {
		return derror.Conflict("job %s already exists", job.Guid)
	}
	m.jobs[job.Guid] = job.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, guid string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[guid]
	if !ok {
		return nil, derror.NotFound("job %s not found", guid)
	}
	return j.Clone(), nil
}

func (m *Memory) ListActiveJobs(_ context.Context, workgroup string) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Job
	for _, j := range m.jobs {
		if j.State.Terminal() {
			continue
		}
		if workgroup != "" {
			w, ok := m.workers[j.WorkerGuid]
			if !ok || w.Workgroup != workgroup {
				continue
			}
		}
		result = append(result, j.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) UpdateJob(_ context.Context, guid string, expect []models.JobState, set JobUpdate) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[guid]
	if !ok {
		return nil, derror.NotFound("job %s not found", guid)
	}
	if len(expect) > 0 && !slices.Contains(expect, j.State) {
		return nil, derror.Conflict("job %s is %s", guid, j.State)
	}

	if set.State != nil {
		j.State = *set.State
	}
	if set.URLs != nil {
		j.URLs = append([]string(nil), set.URLs...)
	}
	if set.Error != nil {
		j.Error = *set.Error
	}
	if set.UpdatedAt != nil {
		j.UpdatedAt = *set.UpdatedAt
	} else {
		j.UpdatedAt = m.clock.Now()
	}
	return j.Clone(), nil
}
