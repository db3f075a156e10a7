package engine

import (
	"sort"
	"time"

	"github.com/devcoord/devcoord/internal/models"
)

// subscriberBuffer is the per-subscriber event channel capacity. A subscriber
// that falls this far behind has events dropped; it detects the sequence gap
// and re-subscribes for a fresh snapshot.
const subscriberBuffer = 64

type subscriber struct {
	sessionID string
	ch        chan *models.Event
}

// Subscribe registers a listener on the project's event stream and returns
// the current full state, so a (re)connecting client never depends on events
// it may have missed. The returned cancel func must be called exactly once;
// it closes the event channel.
func (e *Engine) Subscribe(sessionID, projectID string) (*models.Snapshot, <-chan *models.Event, func()) {
	p := e.getProject(projectID)

	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan *models.Event, subscriberBuffer),
	}
	p.subs[sub] = struct{}{}

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[sub]; ok {
			delete(p.subs, sub)
			close(sub.ch)
		}
	}

	return e.snapshotLocked(p), sub.ch, cancel
}

// Snapshot returns the current full state of a project.
func (e *Engine) Snapshot(projectID string) *models.Snapshot {
	p := e.getProject(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.snapshotLocked(p)
}

// snapshotLocked builds a deep-copied snapshot. Caller must hold p.mu.
func (e *Engine) snapshotLocked(p *project) *models.Snapshot {
	snap := &models.Snapshot{
		ProjectID: p.id,
		Seq:       p.seq,
		Sessions:  make([]*models.Session, 0, len(p.sessions)),
		Locks:     make(map[string][]*models.Lock, len(p.locks)),
		Conflicts: make([]*models.Conflict, 0),
	}

	for _, s := range p.sessions {
		snap.Sessions = append(snap.Sessions, cloneSession(s))
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		if !snap.Sessions[i].StartedAt.Equal(snap.Sessions[j].StartedAt) {
			return snap.Sessions[i].StartedAt.Before(snap.Sessions[j].StartedAt)
		}
		return snap.Sessions[i].ID < snap.Sessions[j].ID
	})

	for resource, holders := range p.locks {
		cp := make([]*models.Lock, len(holders))
		for i, l := range holders {
			cp[i] = cloneLock(l)
		}
		snap.Locks[resource] = cp
	}

	for _, c := range p.conflicts {
		if !c.Resolved {
			snap.Conflicts = append(snap.Conflicts, cloneConflict(c))
		}
	}

	return snap
}

// emitLocked assigns the next sequence number and fans the event out to every
// subscriber. Sends never block: the project mutex is the serialization point
// for the whole engine and must not wait on a slow consumer. Caller must hold
// p.mu, which is what makes the per-project event order total.
func (e *Engine) emitLocked(p *project, ev *models.Event) {
	p.seq++
	ev.Seq = p.seq
	ev.ProjectID = p.id
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}

	for sub := range p.subs {
		select {
		case sub.ch <- ev:
		default:
			e.logger.Warn("subscriber behind, dropping event",
				"project", p.id, "subscriber", sub.sessionID, "seq", ev.Seq)
		}
	}
}

func (e *Engine) sessionEvent(typ models.EventType, s *models.Session) *models.Event {
	return &models.Event{Type: typ, Time: e.now(), Session: cloneSession(s)}
}

func (e *Engine) lockEvent(typ models.EventType, resource string, l *models.Lock) *models.Event {
	ev := &models.Event{Type: typ, Time: e.now(), Resource: resource}
	if l != nil {
		ev.Lock = cloneLock(l)
	}
	return ev
}

func (e *Engine) conflictEvent(typ models.EventType, c *models.Conflict) *models.Event {
	return &models.Event{Type: typ, Time: e.now(), Resource: c.Resource, Conflict: cloneConflict(c)}
}

// queuedEvent carries the pending request as a lock record with the enqueue
// time, so consumers see who is waiting and for what.
func (e *Engine) queuedEvent(resource string, w *models.WaitEntry) *models.Event {
	return &models.Event{
		Type:     models.EventLockQueued,
		Time:     e.now(),
		Resource: resource,
		Lock: &models.Lock{
			Resource:   resource,
			SessionID:  w.SessionID,
			Type:       w.Type,
			AcquiredAt: time.Time{},
		},
	}
}
