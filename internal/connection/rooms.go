package connection

import (
	"sort"
	"sync"

	"github.com/pitabwire/relay/model"
)

// Rooms tracks which connections are members of which rooms. Membership is
// mirrored on each Connection so either side can be queried.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]*model.Connection
}

// NewRooms creates an empty room registry.
func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[string]*model.Connection)}
}

// Join adds conn to room. It returns false if conn was already a member.
func (r *Rooms) Join(room string, conn *model.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !conn.JoinRoom(room) {
		return false
	}
	m, ok := r.members[room]
	if !ok {
		m = make(map[string]*model.Connection)
		r.members[room] = m
	}
	m[conn.ID] = conn
	return true
}

// Leave removes conn from room. It returns false if conn was not a member.
func (r *Rooms) Leave(room string, conn *model.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !conn.LeaveRoom(room) {
		return false
	}
	r.remove(room, conn.ID)
	return true
}

// LeaveAll removes conn from every room it joined.
func (r *Rooms) LeaveAll(conn *model.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range conn.Rooms() {
		conn.LeaveRoom(room)
		r.remove(room, conn.ID)
	}
}

func (r *Rooms) remove(room, id string) {
	m := r.members[room]
	delete(m, id)
	if len(m) == 0 {
		delete(r.members, room)
	}
}

// Members returns the ids of the connections in room, sorted.
func (r *Rooms) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.members[room]))
	for id := range r.members[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status describes room for the roomView verb.
func (r *Rooms) Status(room string) map[string]any {
	members := r.Members(room)
	return map[string]any{
		"room":         room,
		"membersCount": len(members),
		"members":      members,
	}
}
