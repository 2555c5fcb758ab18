package gateway

import "sync"

// Sender enqueues an outbound message on a live connection without blocking.
type Sender interface {
	Enqueue(message OutboundMessage) bool
}

// Participant is a room member's ephemeral presence state.
type Participant struct {
	UserID   string
	Identity Identity
	Conn     Sender
	Cursor   *Cursor
}

type room struct {
	mu           sync.Mutex
	participants map[string]*Participant
}

// Registry owns the mapping from document id to present participants. Rooms are
// created lazily on first join and evicted when the last participant leaves; an
// empty room is never retained.
//
// Membership changes hold the registry write lock. Cursor updates, snapshots,
// and broadcasts hold the registry read lock plus the room's own mutex, so
// high-frequency traffic on unrelated documents does not serialize.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRegistry constructs an empty room registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Join inserts or replaces the participant and returns a snapshot of the full
// participant list, the new joiner included. A second join under the same user
// id replaces the prior entry: last write wins.
func (r *Registry) Join(documentID string, participant Participant) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.rooms[documentID]
	if current == nil {
		current = &room{participants: make(map[string]*Participant)}
		r.rooms[documentID] = current
	}
	joined := participant
	current.participants[participant.UserID] = &joined

	snapshot := make([]Participant, 0, len(current.participants))
	for _, member := range current.participants {
		snapshot = append(snapshot, *member)
	}
	return snapshot
}

// Leave removes the participant and evicts the room when it becomes empty.
// Reports whether the user was actually present.
func (r *Registry) Leave(documentID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.rooms[documentID]
	if current == nil {
		return false
	}
	if _, ok := current.participants[userID]; !ok {
		return false
	}
	delete(current.participants, userID)
	if len(current.participants) == 0 {
		delete(r.rooms, documentID)
	}
	return true
}

// LeaveIfConn removes the participant only while it is still bound to conn.
// A duplicate join replaces the prior entry, so the replaced connection's
// later disconnect must not evict the newer participant.
func (r *Registry) LeaveIfConn(documentID, userID string, conn Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.rooms[documentID]
	if current == nil {
		return false
	}
	member, ok := current.participants[userID]
	if !ok || member.Conn != conn {
		return false
	}
	delete(current.participants, userID)
	if len(current.participants) == 0 {
		delete(r.rooms, documentID)
	}
	return true
}

// UpdateCursor records the participant's last cursor position. A late update
// after leave is dropped rather than resurrecting the participant.
func (r *Registry) UpdateCursor(documentID, userID string, cursor Cursor) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current := r.rooms[documentID]
	if current == nil {
		return false
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	member, ok := current.participants[userID]
	if !ok {
		return false
	}
	position := cursor
	member.Cursor = &position
	return true
}

// Participants returns a snapshot of the room's membership, or nil when the
// room does not exist.
func (r *Registry) Participants(documentID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current := r.rooms[documentID]
	if current == nil {
		return nil
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	snapshot := make([]Participant, 0, len(current.participants))
	for _, member := range current.participants {
		snapshot = append(snapshot, *member)
	}
	return snapshot
}

// Participant looks up a single room member by user id.
func (r *Registry) Participant(documentID, userID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current := r.rooms[documentID]
	if current == nil {
		return Participant{}, false
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	member, ok := current.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *member, true
}

// Broadcast enqueues the message for every room member except excludeUserID.
// The enqueue happens under the room mutex so deliveries for one room preserve
// arrival order. Pass an empty excludeUserID to include the sender.
func (r *Registry) Broadcast(documentID, excludeUserID string, message OutboundMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current := r.rooms[documentID]
	if current == nil {
		return
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	for userID, member := range current.participants {
		if excludeUserID != "" && userID == excludeUserID {
			continue
		}
		if member.Conn != nil {
			member.Conn.Enqueue(message)
		}
	}
}
