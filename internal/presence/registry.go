// Package presence tracks which participants are currently connected to a
// session, independent of the persisted user records. Entries live only as
// long as the process; a restart empties every room.
package presence

import "sync"

// User is the participant identity carried by a live connection.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type room struct {
	// order keeps connection ids in join order so snapshots are stable.
	order  []string
	byConn map[string]User
}

// Registry is an in-memory mapping of session code to connected
// participants. It is constructed per process and injected where needed so
// tests can run independent instances.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
	// conns maps a connection id to the codes it joined, so an abrupt
	// disconnect can be cleaned up without knowing the room.
	conns map[string]map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		conns: make(map[string]map[string]bool),
	}
}

// Join records the connection's presence in the room, overwriting any entry
// the same connection already holds there.
func (r *Registry) Join(code, connID string, user User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[code]
	if rm == nil {
		rm = &room{byConn: make(map[string]User)}
		r.rooms[code] = rm
	}
	if _, exists := rm.byConn[connID]; !exists {
		rm.order = append(rm.order, connID)
	}
	rm.byConn[connID] = user

	codes := r.conns[connID]
	if codes == nil {
		codes = make(map[string]bool)
		r.conns[connID] = codes
	}
	codes[code] = true
}

// Leave removes the connection from the room. No-op if it was not present.
func (r *Registry) Leave(code, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(code, connID)
}

// LeaveAll removes the connection from every room it joined and returns the
// affected codes. Used on disconnect, where the client never sends an
// explicit leave.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var codes []string
	for code := range r.conns[connID] {
		r.leaveLocked(code, connID)
		codes = append(codes, code)
	}
	return codes
}

func (r *Registry) leaveLocked(code, connID string) {
	rm := r.rooms[code]
	if rm != nil {
		if _, exists := rm.byConn[connID]; exists {
			delete(rm.byConn, connID)
			for i, id := range rm.order {
				if id == connID {
					rm.order = append(rm.order[:i], rm.order[i+1:]...)
					break
				}
			}
		}
		if len(rm.byConn) == 0 {
			delete(r.rooms, code)
		}
	}

	if codes := r.conns[connID]; codes != nil {
		delete(codes, code)
		if len(codes) == 0 {
			delete(r.conns, connID)
		}
	}
}

// Snapshot lists the users present in a room in join order, collapsing
// multiple connections of the same user into one entry (first seen wins).
func (r *Registry) Snapshot(code string) []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]User, 0)
	rm := r.rooms[code]
	if rm == nil {
		return users
	}

	seen := make(map[string]bool, len(rm.byConn))
	for _, connID := range rm.order {
		u := rm.byConn[connID]
		if u.ID == "" || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		users = append(users, u)
	}
	return users
}
