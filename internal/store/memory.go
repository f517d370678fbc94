package store

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/kanflow/fleet/internal/common/errors"
	"github.com/kanflow/fleet/internal/model"
)

// MemoryStore is an in-memory Store, used directly in tests and as the
// write-through cache fronting SQLiteStore in the coordinator binary.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	events   map[string][]*model.Event // sessionID -> ordered events
	runs     map[string]*model.Run
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		events:   make(map[string][]*model.Event),
		runs:     make(map[string]*model.Run),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; ok {
		return apperrors.Conflict("session already exists")
	}
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *MemoryStore) Bind(_ context.Context, sessionID, executorSessionID, hostname, executorType, projectDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	if s.Bound() {
		if s.ExecutorSessionID != executorSessionID {
			return apperrors.Conflict("session already bound to a different executor session")
		}
		return nil
	}
	s.ExecutorSessionID = executorSessionID
	s.Hostname = hostname
	s.ExecutorType = executorType
	if projectDir != "" {
		s.ProjectDir = projectDir
	}
	s.Status = model.SessionRunning
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[ev.SessionID]
	if !ok {
		return apperrors.NotFound("session", ev.SessionID)
	}
	if s.Terminal() {
		return apperrors.SessionTerminal(ev.SessionID)
	}
	log := m.events[ev.SessionID]
	ev.Seq = int64(len(log)) + 1
	m.events[ev.SessionID] = append(log, ev)

	switch ev.Type {
	case model.EventRunCompleted:
		s.Status = model.SessionFinished
	case model.EventRunFailed:
		s.Status = model.SessionFailed
	}
	return nil
}

func (m *MemoryStore) GetStatus(_ context.Context, sessionID string) (model.SessionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", apperrors.NotFound("session", sessionID)
	}
	return s.Status, nil
}

func (m *MemoryStore) GetResult(_ context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", apperrors.NotFound("session", sessionID)
	}
	if !s.Terminal() {
		return "", apperrors.NotFinished(sessionID)
	}
	log := m.events[sessionID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Type.Terminal() {
			return resultEventData(log[i]), nil
		}
	}
	return "", nil
}

func (m *MemoryStore) GetAffinity(_ context.Context, sessionID string) (*Affinity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if !s.Bound() {
		return &Affinity{Bound: false}, nil
	}
	return &Affinity{
		Bound:             true,
		Hostname:          s.Hostname,
		ExecutorType:      s.ExecutorType,
		ProjectDir:        s.ProjectDir,
		ExecutorSessionID: s.ExecutorSessionID,
	}, nil
}

func (m *MemoryStore) GetByID(_ context.Context, sessionID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByName(_ context.Context, name string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *model.Session
	for _, s := range m.sessions {
		if s.SessionName != name {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, apperrors.NotFound("session", name)
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) Events(_ context.Context, sessionID string) ([]*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	log := m.events[sessionID]
	out := make([]*model.Event, len(log))
	copy(out, log)
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Session
	for _, s := range m.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateMetadata(_ context.Context, sessionID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	if v, ok := fields["agent_name"].(string); ok {
		s.AgentName = v
	}
	if v, ok := fields["parent_session_name"].(string); ok {
		s.ParentSessionName = v
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return apperrors.NotFound("session", sessionID)
	}
	delete(m.sessions, sessionID)
	delete(m.events, sessionID)
	return nil
}

// SaveRun persists a new run's current snapshot (an upsert, matching
// UpdateRun's semantics so callers never need to branch on first-write).
func (m *MemoryStore) SaveRun(_ context.Context, r *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.RunID] = &cp
	return nil
}

// UpdateRun overwrites the persisted snapshot for a run already known.
func (m *MemoryStore) UpdateRun(_ context.Context, r *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.RunID] = &cp
	return nil
}

// ListRuns returns every persisted run, for queue rehydration at startup.
func (m *MemoryStore) ListRuns(_ context.Context) ([]*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
