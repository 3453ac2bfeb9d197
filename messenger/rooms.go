package messenger

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"sumchat/models"
	"sumchat/storage"
)

var (
	// ErrAlreadyMember indicates the local user already joined the room.
	ErrAlreadyMember = errors.New("messenger: already a room member")
	// ErrNotInvited indicates no pending invitation for the room exists.
	ErrNotInvited = errors.New("messenger: no pending invitation")
	// ErrUnknownRoom indicates the room is neither joined nor invited.
	ErrUnknownRoom = errors.New("messenger: unknown room")
	// ErrInvalidRoom indicates an empty or reserved room name.
	ErrInvalidRoom = errors.New("messenger: invalid room name")
)

// RoomTracker tracks the local user's room memberships and pending
// invitations. Joining and leaving are local decisions; the shared
// directory only ever learns about memberships.
type RoomTracker struct {
	allRoom string
	store   *storage.Store

	mu      sync.Mutex
	members map[string]models.Room
	invites map[string]models.Room
}

// NewRoomTracker creates a RoomTracker, reloading the persisted roomlist
// when a store is given.
func NewRoomTracker(allRoom string, store *storage.Store) (*RoomTracker, error) {
	tracker := &RoomTracker{
		allRoom: allRoom,
		store:   store,
		members: make(map[string]models.Room),
		invites: make(map[string]models.Room),
	}

	if store != nil {
		rooms, err := store.ListRooms()
		if err != nil {
			return nil, err
		}
		for _, room := range rooms {
			if room.Invited == "" {
				tracker.members[roomKey(room.Name)] = room
			} else {
				tracker.invites[roomKey(room.Name)] = room
			}
		}
	}

	return tracker, nil
}

// List returns the virtual everyone-room followed by memberships and
// pending invitations, each sorted by name.
func (t *RoomTracker) List() []models.Room {
	t.mu.Lock()
	defer t.mu.Unlock()

	rooms := make([]models.Room, 0, len(t.members)+len(t.invites)+1)
	if t.allRoom != "" {
		rooms = append(rooms, models.Room{Name: t.allRoom})
	}
	rooms = append(rooms, sortedRooms(t.members)...)
	rooms = append(rooms, sortedRooms(t.invites)...)
	return rooms
}

// Advertised returns the memberships published in the shared directory.
// The everyone-room is implicit and invitations stay private.
func (t *RoomTracker) Advertised() []models.Room {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedRooms(t.members)
}

// IsMember reports membership. Everyone is a member of the everyone-room.
func (t *RoomTracker) IsMember(name string) bool {
	if t.isAllRoom(name) {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[roomKey(name)]
	return ok
}

// IsInvited reports a pending invitation for the room.
func (t *RoomTracker) IsInvited(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.invites[roomKey(name)]
	return ok
}

// Add creates or joins a room directly, without an invitation.
func (t *RoomTracker) Add(name string) error {
	if err := t.validateName(name); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := roomKey(name)
	if _, ok := t.members[key]; ok {
		return ErrAlreadyMember
	}

	room := models.Room{Name: name}
	t.members[key] = room
	t.persist(room)
	return nil
}

// RecordInvite stores an inbound invitation with its inviter. Duplicate
// invitations are dropped; it reports whether anything changed. A room is
// never both membership and invitation, so an invite for a room the user
// already joined is dropped too.
func (t *RoomTracker) RecordInvite(name, inviter string) (bool, error) {
	if err := t.validateName(name); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := roomKey(name)
	if _, ok := t.invites[key]; ok {
		return false, nil
	}
	if _, ok := t.members[key]; ok {
		return false, nil
	}

	room := models.Room{Name: name, Invited: inviter}
	t.invites[key] = room
	t.persist(room)
	return true, nil
}

// Accept turns a pending invitation into a membership and returns the
// accepted room with its inviter. When the user is already a member the
// invitation is still cleared and ErrAlreadyMember is returned.
func (t *RoomTracker) Accept(name string) (models.Room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := roomKey(name)
	invite, invited := t.invites[key]
	if invited {
		delete(t.invites, key)
	}

	if member, ok := t.members[key]; ok {
		// A cleared invite may have overwritten the persisted membership
		// row; write the membership back so a restart keeps it.
		if invited {
			t.persist(member)
		}
		return models.Room{}, ErrAlreadyMember
	}
	if !invited {
		return models.Room{}, ErrNotInvited
	}

	room := models.Room{Name: invite.Name}
	t.members[key] = room
	t.persist(room)
	return invite, nil
}

// Decline clears a pending invitation and returns its inviter.
func (t *RoomTracker) Decline(name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := roomKey(name)
	invite, ok := t.invites[key]
	if !ok {
		return "", ErrNotInvited
	}

	delete(t.invites, key)
	t.unpersist(invite.Name)
	return invite.Invited, nil
}

// Leave drops a membership locally. No peer is told; the change reaches
// them through the next directory sync.
func (t *RoomTracker) Leave(name string) error {
	if t.isAllRoom(name) {
		return ErrInvalidRoom
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := roomKey(name)
	if _, ok := t.members[key]; !ok {
		return ErrUnknownRoom
	}

	delete(t.members, key)
	t.unpersist(name)
	return nil
}

func (t *RoomTracker) validateName(name string) error {
	if strings.TrimSpace(name) == "" || t.isAllRoom(name) {
		return ErrInvalidRoom
	}
	return nil
}

func (t *RoomTracker) isAllRoom(name string) bool {
	return t.allRoom != "" && strings.EqualFold(name, t.allRoom)
}

// persist and unpersist are best effort; the in-memory tracker stays the
// source of truth for the running session.
func (t *RoomTracker) persist(room models.Room) {
	if t.store == nil {
		return
	}
	_ = t.store.UpsertRoom(room)
}

func (t *RoomTracker) unpersist(name string) {
	if t.store == nil {
		return
	}
	_ = t.store.DeleteRoom(name)
}

func roomKey(name string) string {
	return strings.ToLower(name)
}

func sortedRooms(rooms map[string]models.Room) []models.Room {
	out := make([]models.Room, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool {
		return roomKey(out[i].Name) < roomKey(out[j].Name)
	})
	return out
}
