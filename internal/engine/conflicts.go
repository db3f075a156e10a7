package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/devcoord/devcoord/internal/models"
)

// classifyResource maps a contended resource key to a conflict type. Lock
// resources are free-form strings, so this is a heuristic: path-like keys are
// file edits, anything else is generic resource contention. Branch conflicts
// never come through here; DeclareBranch tags them git_merge directly.
func classifyResource(resource string) models.ConflictType {
	if strings.ContainsAny(resource, "/\\") || strings.Contains(resource, ".") {
		return models.ConflictTypeFileEdit
	}
	return models.ConflictTypeResourceLock
}

// raiseConflictLocked records contention between the given sessions. If an
// unresolved conflict for the same (resource, type) already shares a member
// with the new set, the new sessions merge into it instead of duplicating the
// record; membership is therefore independent of which session triggered
// detection. Returns nil when fewer than two sessions are involved. Caller
// must hold p.mu.
func (e *Engine) raiseConflictLocked(ctx context.Context, p *project, typ models.ConflictType, resource string, sessionIDs []string) *models.Conflict {
	if len(sessionIDs) < 2 {
		return nil
	}

	if existing := p.openConflict(typ, resource, sessionIDs); existing != nil {
		added := false
		for _, id := range sessionIDs {
			if !existing.HasSession(id) {
				existing.SessionIDs = append(existing.SessionIDs, id)
				added = true
			}
		}
		if !added {
			return existing
		}
		sort.Strings(existing.SessionIDs)
		if e.store != nil {
			if err := e.store.UpdateConflict(ctx, cloneConflict(existing)); err != nil {
				e.logger.Warn("persist conflict membership failed", "conflict", existing.ID, "error", err)
			}
		}
		e.emitLocked(p, e.conflictEvent(models.EventConflictDetected, existing))
		return existing
	}

	ids := append([]string(nil), sessionIDs...)
	sort.Strings(ids)
	c := &models.Conflict{
		ID:         newULID(),
		ProjectID:  p.id,
		Type:       typ,
		Resource:   resource,
		SessionIDs: ids,
		DetectedAt: e.now(),
	}
	p.conflicts = append(p.conflicts, c)
	p.byID[c.ID] = c

	e.mu.Lock()
	e.conflictProject[c.ID] = p.id
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.AppendConflict(ctx, cloneConflict(c)); err != nil {
			e.logger.Warn("persist conflict failed", "conflict", c.ID, "error", err)
		}
	}

	e.emitLocked(p, e.conflictEvent(models.EventConflictDetected, c))
	e.logger.Info("conflict detected",
		"conflict", c.ID, "project", p.id, "type", c.Type, "resource", resource, "sessions", len(ids))
	return c
}

// openConflict finds an unresolved conflict on the same (resource, type)
// whose membership overlaps the given session set.
func (p *project) openConflict(typ models.ConflictType, resource string, sessionIDs []string) *models.Conflict {
	for _, c := range p.conflicts {
		if c.Resolved || c.Type != typ || c.Resource != resource {
			continue
		}
		for _, id := range sessionIDs {
			if c.HasSession(id) {
				return c
			}
		}
	}
	return nil
}

// DeclareEdit records a session's intent to edit a file without taking a
// lock. It raises a file_edit conflict when another session already holds the
// file exclusively, or has itself declared an edit on the same path with no
// coordinating lock in place. Returns the conflict, if any.
func (e *Engine) DeclareEdit(ctx context.Context, sessionID, filePath string) (*models.Conflict, error) {
	p, ok := e.findSession(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	s.LastActive = e.now()

	if p.edits[filePath] == nil {
		p.edits[filePath] = make(map[string]struct{})
	}
	p.edits[filePath][sessionID] = struct{}{}

	contenders := []string{sessionID}

	// An exclusive holder other than the declarer is contention outright.
	holderContention := false
	for _, l := range p.locks[filePath] {
		if l.Type == models.LockTypeExclusive && l.SessionID != sessionID {
			contenders = append(contenders, l.SessionID)
			holderContention = true
		}
	}

	// With no exclusive lock coordinating the path, concurrent declarations
	// collide with each other.
	if !holderContention && !p.hasExclusive(filePath) {
		for other := range p.edits[filePath] {
			if other != sessionID {
				contenders = append(contenders, other)
			}
		}
	}

	var conflict *models.Conflict
	if len(contenders) >= 2 {
		conflict = e.raiseConflictLocked(ctx, p, models.ConflictTypeFileEdit, filePath, contenders)
	}
	e.persistLocked(ctx, p)

	if conflict != nil {
		return cloneConflict(conflict), nil
	}
	return nil, nil
}

// DeclareBranch records the branch a session is working on. When the caller
// reports the history as diverged, any other session declared on the same
// branch produces a git_merge conflict. The engine never computes diffs; the
// diverged hint is the caller's.
func (e *Engine) DeclareBranch(ctx context.Context, sessionID, branch string, diverged bool) (*models.Conflict, error) {
	p, ok := e.findSession(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}

	s.CurrentBranch = branch
	s.LastActive = e.now()

	var conflict *models.Conflict
	if diverged {
		contenders := []string{sessionID}
		for _, other := range p.sessions {
			if other.ID != sessionID && other.CurrentBranch == branch {
				contenders = append(contenders, other.ID)
			}
		}
		if len(contenders) >= 2 {
			conflict = e.raiseConflictLocked(ctx, p, models.ConflictTypeGitMerge, branch, contenders)
		}
	}

	e.persistLocked(ctx, p)

	if conflict != nil {
		return cloneConflict(conflict), nil
	}
	return nil, nil
}

// hasExclusive reports whether any session holds the resource exclusively.
func (p *project) hasExclusive(resource string) bool {
	for _, l := range p.locks[resource] {
		if l.Type == models.LockTypeExclusive {
			return true
		}
	}
	return false
}
