package engine

import (
	"context"

	"github.com/devcoord/devcoord/internal/models"
)

// AcquireResult reports the outcome of an acquire attempt. Acquire never
// blocks the caller: a contended request is queued and the eventual grant
// arrives on the event stream.
type AcquireResult struct {
	Granted  bool             `json:"granted"`
	Lock     *models.Lock     `json:"lock,omitempty"`
	Position int              `json:"position,omitempty"` // 1-based queue position when queued
	Conflict *models.Conflict `json:"conflict,omitempty"` // set when the contention raised a conflict
}

// Acquire attempts to take a lock on a named resource. A free resource, or a
// shared request against only shared holders with nobody queued ahead, is
// granted immediately. Anything else joins the resource's FIFO wait queue; a
// later shared request never jumps an earlier queued exclusive one, so
// exclusive waiters cannot starve.
func (e *Engine) Acquire(ctx context.Context, sessionID, resource string, typ models.LockType) (*AcquireResult, error) {
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

	// Re-acquiring a resource the session already holds is a no-op; holding
	// exclusive subsumes a shared request.
	if held := p.lockHeldBy(resource, sessionID); held != nil {
		if held.Type == typ || held.Type == models.LockTypeExclusive {
			return &AcquireResult{Granted: true, Lock: cloneLock(held)}, nil
		}
		// Upgrade shared -> exclusive in place when this session is the sole
		// holder and nobody is queued ahead.
		if len(p.locks[resource]) == 1 && len(p.queues[resource]) == 0 {
			held.Type = models.LockTypeExclusive
			held.AcquiredAt = e.now()
			p.recomputeStatus(s, e.now(), e.cfg.IdleThreshold)
			e.emitLocked(p, e.lockEvent(models.EventLockAcquired, resource, held))
			e.persistLocked(ctx, p)
			return &AcquireResult{Granted: true, Lock: cloneLock(held)}, nil
		}
	}

	// A retried acquire from a session already in the queue reports its
	// current position instead of enqueueing a second entry. Clients retry
	// after timeouts; a duplicate entry would later re-grant the resource to
	// its own releaser.
	for i, w := range p.queues[resource] {
		if w.SessionID == sessionID {
			return &AcquireResult{Position: i + 1}, nil
		}
	}

	if p.compatible(resource, typ) && len(p.queues[resource]) == 0 {
		l := e.grantLocked(p, sessionID, resource, typ)
		e.persistLocked(ctx, p)
		return &AcquireResult{Granted: true, Lock: cloneLock(l)}, nil
	}

	w := &models.WaitEntry{
		SessionID:  sessionID,
		Type:       typ,
		EnqueuedAt: e.now(),
	}
	p.queues[resource] = append(p.queues[resource], w)
	s.LastActive = e.now()
	p.recomputeStatus(s, e.now(), e.cfg.IdleThreshold)
	e.emitLocked(p, e.queuedEvent(resource, w))

	// Contention the lock table cannot silently satisfy raises a conflict
	// covering everyone with a stake in the resource.
	contenders := p.stakeholders(resource)
	conflict := e.raiseConflictLocked(ctx, p, classifyResource(resource), resource, contenders)

	e.persistLocked(ctx, p)

	res := &AcquireResult{Position: len(p.queues[resource])}
	if conflict != nil {
		res.Conflict = cloneConflict(conflict)
	}
	return res, nil
}

// Release gives up a held lock and hands the resource to queued waiters in
// strict FIFO order. Releasing a lock the session does not hold fails with
// ErrNotHolder and changes nothing.
func (e *Engine) Release(ctx context.Context, sessionID, resource string) error {
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

	released := p.removeLock(resource, sessionID)
	if released == nil {
		return ErrNotHolder
	}

	e.emitLocked(p, e.lockEvent(models.EventLockReleased, resource, released))
	p.recomputeStatus(s, e.now(), e.cfg.IdleThreshold)
	e.grantWaitersLocked(p, resource)
	e.persistLocked(ctx, p)
	return nil
}

// CancelAcquire withdraws a pending lock request. It has no effect if the
// request was already granted; the caller must Release instead.
func (e *Engine) CancelAcquire(ctx context.Context, sessionID, resource string) error {
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

	queue := p.queues[resource]
	for i, w := range queue {
		if w.SessionID == sessionID {
			p.queues[resource] = append(queue[:i], queue[i+1:]...)
			// The withdrawn entry may have been the head blocking later
			// compatible waiters.
			e.grantWaitersLocked(p, resource)
			p.recomputeStatus(s, e.now(), e.cfg.IdleThreshold)
			e.persistLocked(ctx, p)
			return nil
		}
	}
	return nil
}

// forceReleaseAllLocked releases every lock the session holds, granting
// queued waiters as each resource frees up. Used by eviction, where the owner
// is gone and release order does not matter. Caller must hold p.mu.
func (e *Engine) forceReleaseAllLocked(ctx context.Context, p *project, sessionID string) []string {
	var released []string
	for resource := range p.locks {
		if l := p.removeLock(resource, sessionID); l != nil {
			released = append(released, resource)
			e.emitLocked(p, e.lockEvent(models.EventLockReleased, resource, l))
			e.grantWaitersLocked(p, resource)
		}
	}
	return released
}

// grantLocked records a new lock for the session and broadcasts the grant.
// Caller must hold p.mu and have checked compatibility.
func (e *Engine) grantLocked(p *project, sessionID, resource string, typ models.LockType) *models.Lock {
	l := &models.Lock{
		Resource:   resource,
		SessionID:  sessionID,
		Type:       typ,
		AcquiredAt: e.now(),
	}
	p.locks[resource] = append(p.locks[resource], l)
	if s, ok := p.sessions[sessionID]; ok {
		s.LastActive = e.now()
		p.recomputeStatus(s, e.now(), e.cfg.IdleThreshold)
	}
	e.emitLocked(p, e.lockEvent(models.EventLockAcquired, resource, l))
	return l
}

// grantWaitersLocked serves the head of the wait queue for as long as the
// compatibility rule allows: a shared head may be granted alongside further
// shared entries until an exclusive entry blocks the scan. Caller must hold
// p.mu.
func (e *Engine) grantWaitersLocked(p *project, resource string) {
	for {
		queue := p.queues[resource]
		if len(queue) == 0 {
			delete(p.queues, resource)
			return
		}
		head := queue[0]
		if !p.compatible(resource, head.Type) {
			return
		}
		p.queues[resource] = queue[1:]
		e.grantLocked(p, head.SessionID, resource, head.Type)
	}
}

// compatible reports whether a lock of the given type can coexist with the
// resource's current holders.
func (p *project) compatible(resource string, typ models.LockType) bool {
	holders := p.locks[resource]
	if len(holders) == 0 {
		return true
	}
	if typ == models.LockTypeExclusive {
		return false
	}
	for _, l := range holders {
		if l.Type == models.LockTypeExclusive {
			return false
		}
	}
	return true
}

// lockHeldBy returns the session's lock on the resource, or nil.
func (p *project) lockHeldBy(resource, sessionID string) *models.Lock {
	for _, l := range p.locks[resource] {
		if l.SessionID == sessionID {
			return l
		}
	}
	return nil
}

// removeLock removes and returns the session's lock on the resource.
func (p *project) removeLock(resource, sessionID string) *models.Lock {
	holders := p.locks[resource]
	for i, l := range holders {
		if l.SessionID == sessionID {
			p.locks[resource] = append(holders[:i], holders[i+1:]...)
			if len(p.locks[resource]) == 0 {
				delete(p.locks, resource)
			}
			return l
		}
	}
	return nil
}

// stakeholders returns every session with a stake in the resource: current
// holders plus everyone queued. Order is irrelevant; conflict membership is
// a set.
func (p *project) stakeholders(resource string) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, l := range p.locks[resource] {
		add(l.SessionID)
	}
	for _, w := range p.queues[resource] {
		add(w.SessionID)
	}
	return ids
}
