package chat

import (
	"sync"
	"time"
)

// Member is one connection's presence in one room.
type Member struct {
	Handle   string
	ConnID   string
	JoinedAt time.Time
}

// Snapshot is an immutable copy of a room's state. MemberCount always
// equals len(Members).
type Snapshot struct {
	ID          string
	Name        string
	CreatedAt   time.Time
	MemberCount int
	Members     []Member
}

// Room is a named group of members. All fields below mu are guarded by it.
type Room struct {
	id        string
	name      string
	createdAt time.Time

	mu        sync.Mutex
	members   []Member
	emptiedAt time.Time
	reclaimed bool
}

func newRoom(id, name string, createdAt time.Time) *Room {
	return &Room{id: id, name: name, createdAt: createdAt}
}

// snapshotLocked copies the room state; the caller holds r.mu.
func (r *Room) snapshotLocked() Snapshot {
	members := make([]Member, len(r.members))
	copy(members, r.members)
	return Snapshot{
		ID:          r.id,
		Name:        r.name,
		CreatedAt:   r.createdAt,
		MemberCount: len(members),
		Members:     members,
	}
}

func (r *Room) indexOfLocked(connID string) int {
	for i, m := range r.members {
		if m.ConnID == connID {
			return i
		}
	}
	return -1
}

func (r *Room) connIDsLocked() []string {
	ids := make([]string, len(r.members))
	for i, m := range r.members {
		ids[i] = m.ConnID
	}
	return ids
}

// removeLocked drops connID from the member list, keeping order.
func (r *Room) removeLocked(connID string, now time.Time) bool {
	i := r.indexOfLocked(connID)
	if i < 0 {
		return false
	}
	r.members = append(r.members[:i], r.members[i+1:]...)
	if len(r.members) == 0 {
		r.emptiedAt = now
	}
	return true
}
