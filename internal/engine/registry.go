package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/devcoord/devcoord/internal/models"
)

// ConnectParams carries the already-authenticated identity and working
// context of a connecting session. SessionID may be empty, in which case the
// engine generates one. Branch and WorkingDirectory are free-form hints used
// only by conflict detection.
type ConnectParams struct {
	SessionID        string
	ProjectID        string
	UserID           string
	Branch           string
	WorkingDirectory string
}

// Connect admits a session. Reconnecting with an existing session id returns
// the existing record unchanged rather than forking state. The first session
// a user connects to a project becomes that user's primary session.
func (e *Engine) Connect(ctx context.Context, params ConnectParams) (*models.Session, error) {
	if params.SessionID == "" {
		params.SessionID = uuid.NewString()
	}

	// Reconnect with a known id is idempotent, regardless of which project
	// the caller names this time around. The index re-check under e.mu keeps
	// two racing connects with the same id from each creating the session in
	// their own project; the loser loops and returns the winner's record.
	var p *project
	for {
		if existing, ok := e.findSession(params.SessionID); ok {
			existing.mu.Lock()
			if s, ok := existing.sessions[params.SessionID]; ok {
				defer existing.mu.Unlock()
				return cloneSession(s), nil
			}
			existing.mu.Unlock()
		}

		e.mu.Lock()
		if _, ok := e.sessionProject[params.SessionID]; ok {
			// Another connect claimed the id between the lookup and here, or
			// a disconnect is mid-teardown. Start over.
			e.mu.Unlock()
			continue
		}
		p = e.projectLocked(params.ProjectID)
		e.sessionProject[params.SessionID] = params.ProjectID
		e.mu.Unlock()
		break
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := e.now()
	s := &models.Session{
		ID:               params.SessionID,
		ProjectID:        params.ProjectID,
		UserID:           params.UserID,
		Status:           models.SessionStatusActive,
		CurrentBranch:    params.Branch,
		WorkingDirectory: params.WorkingDirectory,
		StartedAt:        now,
		LastActive:       now,
	}
	if !p.hasPrimary(params.UserID) {
		s.IsPrimary = true
	}
	p.sessions[s.ID] = s

	e.emitLocked(p, e.sessionEvent(models.EventSessionConnected, s))
	e.persistLocked(ctx, p)

	e.logger.Info("session connected", "session", s.ID, "project", p.id, "user", s.UserID)
	return cloneSession(s), nil
}

// Heartbeat records activity for a session, reviving it from idle.
func (e *Engine) Heartbeat(ctx context.Context, sessionID string) error {
	p, ok := e.findSession(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}

	s.LastActive = e.now()
	p.recomputeStatus(s, e.now(), e.cfg.IdleThreshold)
	e.persistLocked(ctx, p)
	return nil
}

// Disconnect removes a session and force-releases everything it holds.
// It returns the resources that were freed, for the caller's own reporting;
// the release and any follow-on grants are also broadcast as events.
func (e *Engine) Disconnect(ctx context.Context, sessionID string) ([]string, error) {
	p, ok := e.findSession(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}

	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrUnknownSession
	}
	released := e.disconnectLocked(ctx, p, s)
	p.mu.Unlock()

	e.mu.Lock()
	delete(e.sessionProject, sessionID)
	e.mu.Unlock()

	return released, nil
}

// disconnectLocked tears a session down: locks are force-released (granting
// queued waiters), pending requests and declared edits are dropped, and the
// user's primary flag is handed to their oldest surviving session.
// Caller must hold p.mu.
func (e *Engine) disconnectLocked(ctx context.Context, p *project, s *models.Session) []string {
	// Drop pending requests first so the session's own releases cannot grant
	// back to it (possible when it queued an upgrade on a resource it holds).
	p.dropQueueEntries(s.ID)
	released := e.forceReleaseAllLocked(ctx, p, s.ID)
	for path, declarers := range p.edits {
		delete(declarers, s.ID)
		if len(declarers) == 0 {
			delete(p.edits, path)
		}
	}

	delete(p.sessions, s.ID)

	if s.IsPrimary {
		p.promotePrimary(s.UserID)
	}

	e.emitLocked(p, e.sessionEvent(models.EventSessionDisconnected, s))
	e.persistLocked(ctx, p)

	e.logger.Info("session disconnected", "session", s.ID, "project", p.id, "released", len(released))
	return released
}

// SweepIdle applies the liveness thresholds as of now: sessions past the
// idle threshold become idle, sessions past the disconnect threshold are
// evicted as if they had disconnected. Returns the evicted sessions.
func (e *Engine) SweepIdle(ctx context.Context, now time.Time) []*models.Session {
	e.mu.RLock()
	projects := make([]*project, 0, len(e.projects))
	for _, p := range e.projects {
		projects = append(projects, p)
	}
	e.mu.RUnlock()

	var evicted []*models.Session
	for _, p := range projects {
		p.mu.Lock()
		for _, s := range p.sessions {
			age := now.Sub(s.LastActive)
			switch {
			case age > e.cfg.DisconnectThreshold:
				evicted = append(evicted, cloneSession(s))
				e.disconnectLocked(ctx, p, s)
			case age > e.cfg.IdleThreshold:
				p.recomputeStatus(s, now, e.cfg.IdleThreshold)
			}
		}
		p.mu.Unlock()
	}

	if len(evicted) > 0 {
		e.mu.Lock()
		for _, s := range evicted {
			delete(e.sessionProject, s.ID)
		}
		e.mu.Unlock()
	}

	return evicted
}

// recomputeStatus derives a session's status from the lock table and its
// last activity. Waiting wins over locked, which wins over the idle/active
// distinction; clients never set status directly.
func (p *project) recomputeStatus(s *models.Session, now time.Time, idleThreshold time.Duration) {
	for _, queue := range p.queues {
		for _, w := range queue {
			if w.SessionID == s.ID {
				s.Status = models.SessionStatusWaiting
				return
			}
		}
	}

	for _, holders := range p.locks {
		for _, l := range holders {
			if l.SessionID == s.ID && l.Type == models.LockTypeExclusive {
				s.Status = models.SessionStatusLocked
				return
			}
		}
	}

	if now.Sub(s.LastActive) > idleThreshold {
		s.Status = models.SessionStatusIdle
	} else {
		s.Status = models.SessionStatusActive
	}
}

func (p *project) hasPrimary(userID string) bool {
	for _, s := range p.sessions {
		if s.UserID == userID && s.IsPrimary {
			return true
		}
	}
	return false
}

// promotePrimary hands the primary flag to the user's oldest remaining
// session, keeping at most one primary per (project, user).
func (p *project) promotePrimary(userID string) {
	var oldest *models.Session
	for _, s := range p.sessions {
		if s.UserID != userID {
			continue
		}
		if oldest == nil || s.StartedAt.Before(oldest.StartedAt) {
			oldest = s
		}
	}
	if oldest != nil {
		oldest.IsPrimary = true
	}
}

// dropQueueEntries removes every pending request owned by the session.
func (p *project) dropQueueEntries(sessionID string) {
	for resource, queue := range p.queues {
		filtered := queue[:0]
		for _, w := range queue {
			if w.SessionID != sessionID {
				filtered = append(filtered, w)
			}
		}
		if len(filtered) == 0 {
			delete(p.queues, resource)
		} else {
			p.queues[resource] = filtered
		}
	}
}
