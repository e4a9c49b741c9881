package collab

import (
	"sync"
)

// Subscriber is one live connection's outbound side. Send must never block:
// the websocket layer backs it with a buffered channel and drops the
// connection when the buffer is full.
type Subscriber interface {
	ConnID() string
	Send(event string, payload any)
}

// room is the set of live connections joined to one document. Membership is
// runtime-only state, never a source of truth for permissions.
type room struct {
	mu      sync.Mutex
	members map[string]Subscriber

	// dispatch orders the commit-to-enqueue window of change broadcasts so
	// peers see them in version order; the store's conditional write remains
	// the correctness arbiter.
	dispatch sync.Mutex
}

// rooms is the registry keyed by document id. Rooms are created on first join
// and dropped when the last member leaves.
type rooms struct {
	mu    sync.Mutex
	byDoc map[string]*room

	// onDrain runs after a room loses its last member, outside all locks.
	onDrain func(documentID string)
}

func newRooms() *rooms {
	return &rooms{byDoc: make(map[string]*room)}
}

func (r *rooms) get(documentID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDoc[documentID]
}

func (r *rooms) ensure(documentID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.byDoc[documentID]
	if !ok {
		rm = &room{members: make(map[string]Subscriber)}
		r.byDoc[documentID] = rm
	}
	return rm
}

func (r *rooms) join(documentID string, sub Subscriber) {
	rm := r.ensure(documentID)
	rm.mu.Lock()
	rm.members[sub.ConnID()] = sub
	rm.mu.Unlock()
}

// leave removes the connection from one room and reports whether it was a
// member. The room is dropped from the registry when it drains.
func (r *rooms) leave(documentID, connID string) bool {
	r.mu.Lock()
	rm, ok := r.byDoc[documentID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	rm.mu.Lock()
	_, member := rm.members[connID]
	delete(rm.members, connID)
	drained := len(rm.members) == 0
	rm.mu.Unlock()
	if drained {
		delete(r.byDoc, documentID)
	}
	r.mu.Unlock()

	if member && drained && r.onDrain != nil {
		r.onDrain(documentID)
	}
	return member
}

// leaveAll removes the connection from every room it belongs to and returns
// the document ids it left. Used for implicit leave on disconnect.
func (r *rooms) leaveAll(connID string) []string {
	r.mu.Lock()
	var left []string
	var drainedDocs []string
	for documentID, rm := range r.byDoc {
		rm.mu.Lock()
		if _, member := rm.members[connID]; member {
			delete(rm.members, connID)
			left = append(left, documentID)
			if len(rm.members) == 0 {
				delete(r.byDoc, documentID)
				drainedDocs = append(drainedDocs, documentID)
			}
		}
		rm.mu.Unlock()
	}
	r.mu.Unlock()

	if r.onDrain != nil {
		for _, documentID := range drainedDocs {
			r.onDrain(documentID)
		}
	}
	return left
}

func (r *rooms) isMember(documentID, connID string) bool {
	rm := r.get(documentID)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.members[connID]
	return ok
}

func (r *rooms) memberCount(documentID string) int {
	rm := r.get(documentID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

func (r *rooms) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDoc)
}

// broadcast delivers an event to every member except excludeConnID. Pass an
// empty excludeConnID to reach the whole room.
func (r *rooms) broadcast(documentID, excludeConnID, event string, payload any) int {
	rm := r.get(documentID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	targets := make([]Subscriber, 0, len(rm.members))
	for connID, sub := range rm.members {
		if connID == excludeConnID {
			continue
		}
		targets = append(targets, sub)
	}
	rm.mu.Unlock()

	for _, sub := range targets {
		sub.Send(event, payload)
	}
	return len(targets)
}
