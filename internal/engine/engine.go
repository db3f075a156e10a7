package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/devcoord/devcoord/internal/models"
	"github.com/devcoord/devcoord/internal/store"
)

// Engine is the session coordination core. All state-mutating operations for
// one project run under that project's mutex, so each project behaves as a
// single-writer serialization domain. There is no process-wide lock beyond
// the project map itself.
type Engine struct {
	cfg    Config
	store  store.Store // nil means in-memory only
	logger *slog.Logger
	now    func() time.Time

	mu              sync.RWMutex
	projects        map[string]*project
	sessionProject  map[string]string
	conflictProject map[string]string
}

// project owns the coordination state of one workspace. Its mutex is the
// per-project serialization point: sessions, locks, queues, conflicts, and
// the event sequence are only touched while it is held.
type project struct {
	id string

	mu        sync.Mutex
	seq       uint64
	sessions  map[string]*models.Session
	locks     map[string][]*models.Lock      // holders per resource; exclusive means exactly one
	queues    map[string][]*models.WaitEntry // FIFO per resource
	conflicts []*models.Conflict             // append-only, detection order
	byID      map[string]*models.Conflict
	edits     map[string]map[string]struct{} // declared edits: path -> declaring sessions
	subs      map[*subscriber]struct{}
}

// New creates an Engine. The store may be nil for a purely in-memory engine
// (tests, ephemeral runs); the logger may be nil to discard logs.
func New(cfg Config, st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		cfg:             cfg.withDefaults(),
		store:           st,
		logger:          logger,
		now:             time.Now,
		projects:        make(map[string]*project),
		sessionProject:  make(map[string]string),
		conflictProject: make(map[string]string),
	}
}

// Load restores persisted project state and unresolved conflicts from the
// store. Wait queues are not persisted, so waiters must re-issue their
// acquires after a restart.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	states, err := e.store.LoadProjectStates(ctx)
	if err != nil {
		return err
	}

	open, err := e.store.ListConflicts(ctx, store.ConflictListFilter{Unresolved: true})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for projectID, st := range states {
		p := e.projectLocked(projectID)
		for _, s := range st.Sessions {
			p.sessions[s.ID] = s
			e.sessionProject[s.ID] = projectID
		}
		for resource, holders := range st.Locks {
			p.locks[resource] = holders
		}
		// Wait queues were not restored, so a persisted "waiting" status is
		// stale; derive each status from what actually survived the restart.
		now := e.now()
		for _, s := range p.sessions {
			p.recomputeStatus(s, now, e.cfg.IdleThreshold)
		}
	}

	for _, c := range open {
		p := e.projectLocked(c.ProjectID)
		p.conflicts = append(p.conflicts, c)
		p.byID[c.ID] = c
		e.conflictProject[c.ID] = c.ProjectID
	}

	return nil
}

// Run drives the liveness sweeper until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := e.SweepIdle(ctx, e.now())
			for _, s := range evicted {
				e.logger.Info("session evicted by sweeper",
					"session", s.ID, "project", s.ProjectID, "last_active", s.LastActive)
			}
		}
	}
}

// projectLocked returns the project, creating it if needed.
// Caller must hold e.mu for writing.
func (e *Engine) projectLocked(projectID string) *project {
	p, ok := e.projects[projectID]
	if !ok {
		p = &project{
			id:       projectID,
			sessions: make(map[string]*models.Session),
			locks:    make(map[string][]*models.Lock),
			queues:   make(map[string][]*models.WaitEntry),
			byID:     make(map[string]*models.Conflict),
			edits:    make(map[string]map[string]struct{}),
			subs:     make(map[*subscriber]struct{}),
		}
		e.projects[projectID] = p
	}
	return p
}

// getProject returns the project for the id, creating it on demand.
func (e *Engine) getProject(projectID string) *project {
	e.mu.RLock()
	p, ok := e.projects[projectID]
	e.mu.RUnlock()
	if ok {
		return p
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.projectLocked(projectID)
}

// findSession resolves a session id to its project. The index is a hint;
// callers must re-validate membership under the project mutex.
func (e *Engine) findSession(sessionID string) (*project, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	projectID, ok := e.sessionProject[sessionID]
	if !ok {
		return nil, false
	}
	p, ok := e.projects[projectID]
	return p, ok
}

// persistLocked flushes the project's serialized state through the store.
// Persistence failures are logged, never propagated: the in-memory state is
// authoritative and a transient disk error must not fail the operation.
func (e *Engine) persistLocked(ctx context.Context, p *project) {
	if e.store == nil {
		return
	}
	st := &models.ProjectState{
		Sessions: make([]*models.Session, 0, len(p.sessions)),
		Locks:    make(map[string][]*models.Lock, len(p.locks)),
	}
	for _, s := range p.sessions {
		st.Sessions = append(st.Sessions, cloneSession(s))
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].ID < st.Sessions[j].ID })
	for resource, holders := range p.locks {
		cp := make([]*models.Lock, len(holders))
		for i, l := range holders {
			cp[i] = cloneLock(l)
		}
		st.Locks[resource] = cp
	}

	if err := e.store.SaveProjectState(ctx, p.id, st); err != nil {
		e.logger.Warn("persist project state failed", "project", p.id, "error", err)
	}
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

func cloneSession(s *models.Session) *models.Session {
	cp := *s
	return &cp
}

func cloneLock(l *models.Lock) *models.Lock {
	cp := *l
	return &cp
}

func cloneConflict(c *models.Conflict) *models.Conflict {
	cp := *c
	cp.SessionIDs = append([]string(nil), c.SessionIDs...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
