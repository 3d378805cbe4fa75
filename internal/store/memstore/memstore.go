// Package memstore provides an in-memory store.Store implementation.
// Intended for testing. Nothing is persisted across restarts.
package memstore

import (
	"context"
	"maps"
	"sync"
	"time"

	"han/internal/cache"
	"han/internal/store"
)

type cacheKey struct {
	plugin, hook, directory string
}

// Store is an in-memory store.Store implementation.
type Store struct {
	mu sync.RWMutex

	orchestrations map[string]store.Orchestration
	pending        map[string][]store.PendingHook
	nextPendingID  int64
	attempts       map[string]store.AttemptCounter
	sessionFiles   map[string]map[string]bool
	activeSession  string
	cacheEntries   map[cacheKey]cache.Entry
	dedup          map[string]store.CheckDedupEntry
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		orchestrations: make(map[string]store.Orchestration),
		pending:        make(map[string][]store.PendingHook),
		attempts:       make(map[string]store.AttemptCounter),
		sessionFiles:   make(map[string]map[string]bool),
		cacheEntries:   make(map[cacheKey]cache.Entry),
		dedup:          make(map[string]store.CheckDedupEntry),
	}
}

func (s *Store) Close() error { return nil }

func attemptKey(sessionID, plugin, hook, directory string) string {
	return sessionID + "\x00" + plugin + "\x00" + hook + "\x00" + directory
}

// --- OrchestrationStore ---

func (s *Store) CreateOrchestration(ctx context.Context, o store.Orchestration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.SessionID != "" {
		for id, existing := range s.orchestrations {
			if existing.SessionID == o.SessionID && existing.Status == store.StatusRunning {
				existing.Status = store.StatusCancelled
				s.orchestrations[id] = existing
			}
		}
	}
	s.orchestrations[o.ID] = o
	return nil
}

func (s *Store) GetOrchestration(ctx context.Context, id string) (*store.Orchestration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orchestrations[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *Store) UpdateOrchestrationStatus(ctx context.Context, id string, status store.OrchestrationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orchestrations[id]
	if !ok {
		return nil
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	s.orchestrations[id] = o
	return nil
}

func (s *Store) SetOrchestrationDegraded(ctx context.Context, id string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orchestrations[id]
	if !ok {
		return nil
	}
	o.Degraded = degraded
	s.orchestrations[id] = o
	return nil
}

func (s *Store) ActiveOrchestrationForSession(ctx context.Context, sessionID string) (*store.Orchestration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *store.Orchestration
	for _, o := range s.orchestrations {
		if o.SessionID != sessionID {
			continue
		}
		if o.Status != store.StatusPending && o.Status != store.StatusRunning {
			continue
		}
		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			oc := o
			best = &oc
		}
	}
	return best, nil
}

// --- PendingHookStore ---

func (s *Store) QueuePendingHooks(ctx context.Context, orchestrationID string, hooks []store.PendingHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range hooks {
		s.nextPendingID++
		h.ID = s.nextPendingID
		h.OrchestrationID = orchestrationID
		s.pending[orchestrationID] = append(s.pending[orchestrationID], h)
	}
	return nil
}

func (s *Store) ListPendingHooks(ctx context.Context, orchestrationID string) ([]store.PendingHook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hooks := s.pending[orchestrationID]
	out := make([]store.PendingHook, len(hooks))
	copy(out, hooks)
	return out, nil
}

func (s *Store) ClearPendingHooks(ctx context.Context, orchestrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, orchestrationID)
	return nil
}

// --- AttemptStore ---

func (s *Store) GetAttemptCounter(ctx context.Context, sessionID, plugin, hook, directory string) (*store.AttemptCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.attempts[attemptKey(sessionID, plugin, hook, directory)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) IncrementAttempt(ctx context.Context, sessionID, plugin, hook, directory string, maxAttempts int) (*store.AttemptCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := attemptKey(sessionID, plugin, hook, directory)
	c, ok := s.attempts[key]
	if !ok {
		c = store.AttemptCounter{SessionID: sessionID, Plugin: plugin, Hook: hook, Directory: directory, MaxAttempts: maxAttempts}
	}
	c.ConsecutiveFail++
	if maxAttempts > 0 {
		c.MaxAttempts = maxAttempts
	}
	s.attempts[key] = c
	out := c
	return &out, nil
}

func (s *Store) ResetAttempt(ctx context.Context, sessionID, plugin, hook, directory string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, attemptKey(sessionID, plugin, hook, directory))
	return nil
}

// --- SessionStore ---

func (s *Store) RecordSessionFileChange(ctx context.Context, sessionID, absPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionFiles[sessionID] == nil {
		s.sessionFiles[sessionID] = make(map[string]bool)
	}
	s.sessionFiles[sessionID][absPath] = true
	s.activeSession = sessionID
	return nil
}

func (s *Store) ActiveSessionID(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeSession, nil
}

// --- cache.SessionChanges ---

func (s *Store) SessionChangedFiles(ctx context.Context, sessionID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.sessionFiles[sessionID]), nil
}

// --- cache.Store ---

func (s *Store) GetCacheEntry(ctx context.Context, pluginName, hook, directory string) (*cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cacheEntries[cacheKey{pluginName, hook, directory}]
	if !ok {
		return nil, nil
	}
	out := e
	out.Files = maps.Clone(e.Files)
	return &out, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, entry cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry
	e.Files = maps.Clone(entry.Files)
	s.cacheEntries[cacheKey{entry.Plugin, entry.Hook, entry.Directory}] = e
	return nil
}

// --- CheckDedupStore ---

func (s *Store) ShouldReport(ctx context.Context, key, outputHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	prev, ok := s.dedup[key]
	if ok && prev.OutputHash == outputHash && now.Sub(prev.LoggedAt) < store.DedupWindow {
		return false, nil
	}
	s.dedup[key] = store.CheckDedupEntry{Key: key, OutputHash: outputHash, LoggedAt: now}
	return true, nil
}

