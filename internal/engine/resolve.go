package engine

import (
	"context"
	"fmt"

	"github.com/devcoord/devcoord/internal/models"
)

// Resolve settles an open conflict. Only the first call succeeds: a second
// call fails with ErrAlreadyResolved so racing resolvers can tell they lost.
//
// Strategy side effects:
//   - manual, primary_wins: the contested resource is granted exclusively to
//     the chosen session (for primary_wins, the primary member by default).
//     Other contenders queued on the resource stay queued and are served
//     after release, per normal FIFO.
//   - last_writer_wins, merge: advisory only; the engine records the decision
//     and leaves the lock table alone.
func (e *Engine) Resolve(ctx context.Context, conflictID, strategy, chosenSessionID string) error {
	switch strategy {
	case models.StrategyManual, models.StrategyPrimaryWins,
		models.StrategyLastWriterWins, models.StrategyMerge:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidTransition, strategy)
	}

	e.mu.RLock()
	projectID, ok := e.conflictProject[conflictID]
	var p *project
	if ok {
		p = e.projects[projectID]
	}
	e.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("%w: resolve of unknown conflict %s", ErrInvalidTransition, conflictID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[conflictID]
	if !ok {
		return fmt.Errorf("%w: resolve of unknown conflict %s", ErrInvalidTransition, conflictID)
	}
	if c.Resolved {
		return ErrAlreadyResolved
	}

	switch strategy {
	case models.StrategyManual:
		if chosenSessionID == "" {
			return fmt.Errorf("%w: manual resolution requires a chosen session", ErrInvalidTransition)
		}
		if !c.HasSession(chosenSessionID) {
			return fmt.Errorf("%w: session %s is not a party to conflict %s", ErrInvalidTransition, chosenSessionID, conflictID)
		}
		if _, ok := p.sessions[chosenSessionID]; !ok {
			return ErrUnknownSession
		}
		e.grantExclusiveLocked(p, c.Resource, chosenSessionID)

	case models.StrategyPrimaryWins:
		winner := chosenSessionID
		if winner == "" {
			winner = p.primaryMember(c)
		}
		// With no surviving primary among the members the decision is
		// recorded without touching the lock table.
		if winner != "" {
			if !c.HasSession(winner) {
				return fmt.Errorf("%w: session %s is not a party to conflict %s", ErrInvalidTransition, winner, conflictID)
			}
			if _, ok := p.sessions[winner]; !ok {
				return ErrUnknownSession
			}
			e.grantExclusiveLocked(p, c.Resource, winner)
		}
	}

	now := e.now()
	c.Resolved = true
	c.ResolutionStrategy = strategy
	c.ResolvedAt = &now

	if e.store != nil {
		if err := e.store.UpdateConflict(ctx, cloneConflict(c)); err != nil {
			e.logger.Warn("persist conflict resolution failed", "conflict", c.ID, "error", err)
		}
	}

	e.emitLocked(p, e.conflictEvent(models.EventConflictResolved, c))
	e.persistLocked(ctx, p)

	e.logger.Info("conflict resolved",
		"conflict", c.ID, "project", p.id, "strategy", strategy, "chosen", chosenSessionID)
	return nil
}

// grantExclusiveLocked hands the resource exclusively to the winner,
// displacing any other current holders. The winner's own queued request, if
// any, is consumed; everyone else queued on the resource stays queued.
// Caller must hold p.mu.
func (e *Engine) grantExclusiveLocked(p *project, resource, winner string) {
	// Displace other holders.
	holders := p.locks[resource]
	remaining := holders[:0]
	for _, l := range holders {
		if l.SessionID == winner {
			remaining = append(remaining, l)
			continue
		}
		e.emitLocked(p, e.lockEvent(models.EventLockReleased, resource, l))
		if s, ok := p.sessions[l.SessionID]; ok {
			p.recomputeStatus(s, e.now(), e.cfg.IdleThreshold)
		}
	}
	if len(remaining) == 0 {
		delete(p.locks, resource)
	} else {
		p.locks[resource] = remaining
	}

	// Consume the winner's queue entry; losers keep their places.
	queue := p.queues[resource]
	for i, w := range queue {
		if w.SessionID == winner {
			p.queues[resource] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(p.queues[resource]) == 0 {
		delete(p.queues, resource)
	}

	if held := p.lockHeldBy(resource, winner); held != nil {
		if held.Type != models.LockTypeExclusive {
			held.Type = models.LockTypeExclusive
			held.AcquiredAt = e.now()
			e.emitLocked(p, e.lockEvent(models.EventLockAcquired, resource, held))
		}
		if s, ok := p.sessions[winner]; ok {
			p.recomputeStatus(s, e.now(), e.cfg.IdleThreshold)
		}
		return
	}

	e.grantLocked(p, winner, resource, models.LockTypeExclusive)
}

// primaryMember returns the conflict member flagged primary, or "".
func (p *project) primaryMember(c *models.Conflict) string {
	for _, id := range c.SessionIDs {
		if s, ok := p.sessions[id]; ok && s.IsPrimary {
			return s.ID
		}
	}
	return ""
}
