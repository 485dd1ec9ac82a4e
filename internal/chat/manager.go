// Package chat implements the room registry and the membership state
// machine driven by decrypted client commands.
//
// Rooms move between Empty and Active as members join and leave; a room id
// stays valid once minted unless empty-room reclamation is enabled. The
// manager keeps a reverse index from connection id to joined room ids that
// mirrors room membership exactly. Every membership change updates the room
// and the reverse index while holding that room's lock.
package chat

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/shardmap"
)

// Message is a chat message accepted for fan-out.
type Message struct {
	RoomID       string
	Text         string
	SenderHandle string
	SenderID     string
	CreatedAt    time.Time
}

// Departure describes one room a leaving connection was removed from.
type Departure struct {
	RoomID    string
	Remaining []string
	Snapshot  Snapshot
}

// Manager owns every room and the connection to rooms reverse index.
type Manager struct {
	rooms       *shardmap.Map[*Room]
	memberships *shardmap.Map[map[string]struct{}]
	now         func() time.Time
	newID       func() string
	logger      *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides how room ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		rooms:       shardmap.New[*Room](shardmap.DefaultShards),
		memberships: shardmap.New[map[string]struct{}](shardmap.DefaultShards),
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func (m *Manager) indexAdd(connID, roomID string) {
	m.memberships.Compute(connID, func(set map[string]struct{}, exists bool) (map[string]struct{}, bool) {
		if !exists {
			set = make(map[string]struct{}, 1)
		}
		set[roomID] = struct{}{}
		return set, true
	})
}

func (m *Manager) indexRemove(connID, roomID string) {
	m.memberships.Compute(connID, func(set map[string]struct{}, exists bool) (map[string]struct{}, bool) {
		if !exists {
			return nil, false
		}
		delete(set, roomID)
		return set, len(set) > 0
	})
}

// Create mints a room whose only member is the requester.
func (m *Manager) Create(connID, handle, name string) (Snapshot, error) {
	if blank(connID) || blank(handle) || blank(name) {
		return Snapshot{}, fmt.Errorf("%w: handle and roomName are required", ErrInvalidRequest)
	}

	now := m.now()
	r := newRoom(m.newID(), name, now)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = append(r.members, Member{Handle: handle, ConnID: connID, JoinedAt: now})
	if _, dup := m.rooms.Store(r.id, r); dup {
		// uuid collisions do not happen in practice; a custom generator might.
		panic(fmt.Sprintf("chat: duplicate room id %q", r.id))
	}
	m.indexAdd(connID, r.id)

	m.logger.Debug("room created", zap.String("room", r.id), zap.String("conn", connID))
	return r.snapshotLocked(), nil
}

// JoinFunc observes a committed join. It runs with the room lock held, so
// it must not block or call back into the Manager.
type JoinFunc func(snap Snapshot, peers []string)

// SendFunc observes an accepted message under the room lock.
type SendFunc func(msg Message, recipients []string)

// LeaveFunc observes one room departure under that room's lock.
type LeaveFunc func(d Departure)

// Join appends the requester to roomID. It returns the updated room and the
// connection ids that were members before the join.
func (m *Manager) Join(connID, roomID, handle string) (Snapshot, []string, error) {
	return m.JoinNotify(connID, roomID, handle, nil)
}

// JoinNotify is Join with notify called before the room lock is released.
// Anything notify queues is ordered ahead of later events for the room.
func (m *Manager) JoinNotify(connID, roomID, handle string, notify JoinFunc) (Snapshot, []string, error) {
	if blank(connID) || blank(handle) {
		return Snapshot{}, nil, fmt.Errorf("%w: handle is required", ErrInvalidRequest)
	}

	r, ok := m.rooms.Load(roomID)
	if !ok {
		return Snapshot{}, nil, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reclaimed {
		return Snapshot{}, nil, ErrRoomNotFound
	}
	if r.indexOfLocked(connID) >= 0 {
		return Snapshot{}, nil, ErrAlreadyMember
	}

	peers := r.connIDsLocked()
	r.members = append(r.members, Member{Handle: handle, ConnID: connID, JoinedAt: m.now()})
	r.emptiedAt = time.Time{}
	m.indexAdd(connID, roomID)

	m.logger.Debug("room joined", zap.String("room", roomID), zap.String("conn", connID), zap.Int("members", len(r.members)))
	snap := r.snapshotLocked()
	if notify != nil {
		notify(snap, peers)
	}
	return snap, peers, nil
}

// Send accepts a message from connID and returns it with every current
// member of the room as recipients, the sender included.
func (m *Manager) Send(connID, roomID, text string) (Message, []string, error) {
	return m.SendNotify(connID, roomID, text, nil)
}

// SendNotify is Send with notify called before the room lock is released.
func (m *Manager) SendNotify(connID, roomID, text string, notify SendFunc) (Message, []string, error) {
	if blank(roomID) || text == "" {
		return Message{}, nil, fmt.Errorf("%w: roomId and message are required", ErrInvalidRequest)
	}

	r, ok := m.rooms.Load(roomID)
	if !ok {
		return Message{}, nil, ErrSenderNotInRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOfLocked(connID)
	if r.reclaimed || i < 0 {
		return Message{}, nil, ErrSenderNotInRoom
	}

	msg := Message{
		RoomID:       roomID,
		Text:         text,
		SenderHandle: r.members[i].Handle,
		SenderID:     connID,
		CreatedAt:    m.now(),
	}
	recipients := r.connIDsLocked()
	if notify != nil {
		notify(msg, recipients)
	}
	return msg, recipients, nil
}

// Leave removes connID from every room it belongs to. Rooms that become
// empty stay registered.
func (m *Manager) Leave(connID string) []Departure {
	return m.LeaveNotify(connID, nil)
}

// LeaveNotify is Leave with notify called for each departure before that
// room's lock is released.
func (m *Manager) LeaveNotify(connID string, notify LeaveFunc) []Departure {
	roomIDs := m.RoomsOf(connID)
	departures := make([]Departure, 0, len(roomIDs))
	now := m.now()

	for _, roomID := range roomIDs {
		r, ok := m.rooms.Load(roomID)
		if !ok {
			m.indexRemove(connID, roomID)
			continue
		}

		r.mu.Lock()
		removed := r.removeLocked(connID, now)
		m.indexRemove(connID, roomID)
		if removed {
			d := Departure{
				RoomID:    roomID,
				Remaining: r.connIDsLocked(),
				Snapshot:  r.snapshotLocked(),
			}
			if notify != nil {
				notify(d)
			}
			departures = append(departures, d)
		}
		r.mu.Unlock()
	}

	m.memberships.LoadAndDelete(connID)
	if len(departures) > 0 {
		m.logger.Debug("connection left rooms", zap.String("conn", connID), zap.Int("rooms", len(departures)))
	}
	return departures
}

// Room returns a snapshot of roomID.
func (m *Manager) Room(roomID string) (Snapshot, bool) {
	r, ok := m.rooms.Load(roomID)
	if !ok {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reclaimed {
		return Snapshot{}, false
	}
	return r.snapshotLocked(), true
}

// RoomsOf returns the sorted ids of the rooms connID belongs to.
func (m *Manager) RoomsOf(connID string) []string {
	var ids []string
	m.memberships.View(connID, func(set map[string]struct{}, exists bool) {
		if !exists {
			return
		}
		ids = make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered rooms.
func (m *Manager) Len() int {
	return m.rooms.Len()
}

// Reap unregisters rooms that have had no members for at least ttl and
// returns their ids.
func (m *Manager) Reap(ttl time.Duration) []string {
	now := m.now()
	var reaped []string

	m.rooms.Range(func(id string, r *Room) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.reclaimed || len(r.members) > 0 || r.emptiedAt.IsZero() {
			return true
		}
		if now.Sub(r.emptiedAt) < ttl {
			return true
		}
		r.reclaimed = true
		m.rooms.LoadAndDelete(id)
		reaped = append(reaped, id)
		return true
	})

	if len(reaped) > 0 {
		m.logger.Info("reclaimed empty rooms", zap.Int("count", len(reaped)))
	}
	return reaped
}
