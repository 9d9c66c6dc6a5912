package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/relay/internal/logger"
)

// Persister is the narrow interface the Store needs from the relational
// backend (internal/store/sqlstore) to survive process restart. The Store
// itself owns the in-memory source of truth during a process lifetime;
// Persister is its write-behind / recovery log.
type Persister interface {
	Insert(s *Session) error
	Update(s *Session) error
	Delete(id string) error
	Load() ([]*Session, error)
}

// Store is the single source of truth for session state plus the runtime
// resources (locks, runtime, pending permissions) backing it. Grounded on
// the InstanceStore (map + secondary indexes guarded by one RWMutex),
// generalized with a named per-session lock for the phase1/phase2/phase3
// discipline runner dispatch requires.
type Store struct {
	mu sync.RWMutex

	sessions      map[string]*Session
	byRunnerID    map[string]string // runner_session_id -> session id
	runtimes      map[string]*Runtime
	locks         map[string]*sync.Mutex

	persist Persister
	log     *logger.Logger

	dedupRingSize int
}

// NewStore builds an empty Store. Call Recover to hydrate it from the
// persister and the event journal on startup.
func NewStore(persist Persister, log *logger.Logger, dedupRingSize int) *Store {
	return &Store{
		sessions:      make(map[string]*Session),
		byRunnerID:    make(map[string]string),
		runtimes:      make(map[string]*Runtime),
		locks:         make(map[string]*sync.Mutex),
		persist:       persist,
		log:           log,
		dedupRingSize: dedupRingSize,
	}
}

// Recover loads every persisted session row and rebuilds the in-memory
// indexes. It does not seed Runtime.Seq — that is the journal's job, done by
// the events package at startup per session, scanning each session's
// journal to recover the next seq.
func (st *Store) Recover() error {
	rows, err := st.persist.Load()
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range rows {
		st.sessions[s.ID] = s
		st.runtimes[s.ID] = NewRuntime(st.dedupRingSize)
		st.locks[s.ID] = &sync.Mutex{}
		if s.RunnerSessionID != "" {
			st.byRunnerID[s.RunnerSessionID] = s.ID
		}
	}
	return nil
}

// Lock returns the named per-session lock, creating it if this is the first
// reference. Callers must hold it for validate+transition+emit (phase 1) and
// for finalize-or-error (phase 3), but never across a runner call (phase 2).
func (st *Store) Lock(id string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	l, ok := st.locks[id]
	if !ok {
		l = &sync.Mutex{}
		st.locks[id] = l
	}
	return l
}

// Runtime returns the non-persisted runtime resources for id.
func (st *Store) Runtime(id string) (*Runtime, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rt, ok := st.runtimes[id]
	return rt, ok
}

// Create generates an id, persists a CREATED row, and initializes runtime.
func (st *Store) Create(directory, adapter, platform string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             "sess_" + uuid.NewString(),
		State:          StateCreated,
		Directory:      directory,
		Adapter:        adapter,
		Platform:       platform,
		ApprovalMode:   ApprovalInteractive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := st.persist.Insert(s); err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.runtimes[s.ID] = NewRuntime(st.dedupRingSize)
	st.locks[s.ID] = &sync.Mutex{}
	st.mu.Unlock()

	return s.Clone(), nil
}

// Get returns a copy of the session with id, or ErrNotFound.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// List returns a snapshot of every session.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// Update performs a full-object write, silently reverting any attempt to
// change runner_session_id through this call — callers wanting to set it
// must use SetRunnerSessionID/ReplaceRunnerSessionID.
func (st *Store) Update(updated *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	current, ok := st.sessions[updated.ID]
	if !ok {
		return ErrNotFound
	}

	if updated.RunnerSessionID != current.RunnerSessionID {
		if st.log != nil {
			st.log.Warn("ignoring attempt to change runner_session_id via Update; use SetRunnerSessionID")
		}
		updated.RunnerSessionID = current.RunnerSessionID
	}

	cp := updated.Clone()
	st.sessions[updated.ID] = cp
	return st.persist.Update(cp)
}

// SetRunnerSessionID binds V to id. Succeeds only if the session currently
// has no bound id and no other session already owns V.
func (st *Store) SetRunnerSessionID(id, v string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.RunnerSessionID != "" {
		if st.log != nil {
			st.log.Warn("runner_session_id already bound, ignoring set")
		}
		return ErrRunnerSessionIDBound
	}
	if owner, exists := st.byRunnerID[v]; exists && owner != id {
		if st.log != nil {
			st.log.Warn("runner_session_id owned by another session, ignoring set")
		}
		return ErrRunnerSessionIDConflict
	}

	s.RunnerSessionID = v
	st.byRunnerID[v] = id
	return st.persist.Update(s.Clone())
}

// ReplaceRunnerSessionID is the atomic expiry-replacement operation: succeeds
// only if the current value equals old (or is nil) and new is not already
// owned by another session.
func (st *Store) ReplaceRunnerSessionID(id, old, newID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.RunnerSessionID != old && s.RunnerSessionID != "" {
		return ErrRunnerSessionIDStale
	}
	if owner, exists := st.byRunnerID[newID]; exists && owner != id {
		return ErrRunnerSessionIDConflict
	}

	if s.RunnerSessionID != "" {
		delete(st.byRunnerID, s.RunnerSessionID)
	}
	s.RunnerSessionID = newID
	st.byRunnerID[newID] = id
	return st.persist.Update(s.Clone())
}

// FindByRunnerSessionID returns the session id bound to v, if any.
func (st *Store) FindByRunnerSessionID(v string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byRunnerID[v]
	return id, ok
}

// Delete removes id's row and runtime. Refused while RUNNING or
// INTERRUPTING.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateRunning || s.State == StateInterrupting {
		return ErrActive
	}

	if rt, ok := st.runtimes[id]; ok {
		rt.Permissions().ClearAll()
	}

	if s.RunnerSessionID != "" {
		delete(st.byRunnerID, s.RunnerSessionID)
	}
	delete(st.sessions, id)
	delete(st.runtimes, id)
	delete(st.locks, id)

	return st.persist.Delete(id)
}

// WithSession runs fn with the session's per-id lock held, passing the live
// (non-cloned) Session pointer for in-place mutation followed by a single
// persist. fn must not itself call a runner adapter — see the phase
// discipline in the Store doc comment.
func (st *Store) WithSession(id string, fn func(s *Session, rt *Runtime) error) error {
	lock := st.Lock(id)
	lock.Lock()
	defer lock.Unlock()

	st.mu.RLock()
	s, ok := st.sessions[id]
	rt := st.runtimes[id]
	st.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if err := fn(s, rt); err != nil {
		return err
	}
	return st.persist.Update(s.Clone())
}
