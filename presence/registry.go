package presence

import (
	"sort"
	"sync"
)

// Registry is the record of which user ids are currently connected to which session's chat room, plus the voice
// room association of individual connections.
//
// The memory implementation is local to one gateway process; a shared implementation would allow several gateway
// processes behind one address.
type Registry interface {
	// Add marks userId as present in sessionId. It reports whether userId was not present before.
	Add(sessionId, userId string) bool
	// Remove drops one presence reference of userId in sessionId. It reports whether userId is now gone entirely.
	Remove(sessionId, userId string) bool
	Contains(sessionId, userId string) bool
	// Members returns the present user ids of sessionId, sorted.
	Members(sessionId string) []string
	IsEmpty(sessionId string) bool

	// SetVoice associates the connection with the voice room of sessionId. It reports whether the association is new.
	SetVoice(connectionId, sessionId, userId string) bool
	// ClearVoice removes the voice association of the connection and returns what it was.
	ClearVoice(connectionId string) (VoiceAssociation, bool)
	Voice(connectionId string) (VoiceAssociation, bool)
}

type VoiceAssociation struct {
	SessionId string
	UserId    string
}

// MemoryRegistry keeps presence in process memory. A user id is present as long as at least one of its
// connections is bound to the session.
type MemoryRegistry struct {
	// session id -> user id -> number of bound connections
	sessions map[string]map[string]int

	// connection id -> voice room
	voice map[string]VoiceAssociation

	sync.RWMutex
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]map[string]int),
		voice:    make(map[string]VoiceAssociation),
	}
}

func (r *MemoryRegistry) Add(sessionId, userId string) bool {
	r.Lock()
	defer r.Unlock()
	users, ok := r.sessions[sessionId]
	if !ok {
		users = make(map[string]int)
		r.sessions[sessionId] = users
	}
	users[userId]++
	return users[userId] == 1
}

func (r *MemoryRegistry) Remove(sessionId, userId string) bool {
	r.Lock()
	defer r.Unlock()
	users, ok := r.sessions[sessionId]
	if !ok {
		return false
	}
	count, ok := users[userId]
	if !ok {
		return false
	}
	if count > 1 {
		users[userId] = count - 1
		return false
	}
	delete(users, userId)
	if len(users) == 0 {
		delete(r.sessions, sessionId)
	}
	return true
}

func (r *MemoryRegistry) Contains(sessionId, userId string) bool {
	r.RLock()
	defer r.RUnlock()
	_, ok := r.sessions[sessionId][userId]
	return ok
}

func (r *MemoryRegistry) Members(sessionId string) []string {
	r.RLock()
	defer r.RUnlock()
	members := make([]string, 0, len(r.sessions[sessionId]))
	for userId := range r.sessions[sessionId] {
		members = append(members, userId)
	}
	sort.Strings(members)
	return members
}

func (r *MemoryRegistry) IsEmpty(sessionId string) bool {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions[sessionId]) == 0
}

// NoSessions returns the number of sessions with at least one present user.
func (r *MemoryRegistry) NoSessions() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

func (r *MemoryRegistry) SetVoice(connectionId, sessionId, userId string) bool {
	r.Lock()
	defer r.Unlock()
	association := VoiceAssociation{SessionId: sessionId, UserId: userId}
	if old, ok := r.voice[connectionId]; ok && old == association {
		return false
	}
	r.voice[connectionId] = association
	return true
}

func (r *MemoryRegistry) ClearVoice(connectionId string) (VoiceAssociation, bool) {
	r.Lock()
	defer r.Unlock()
	association, ok := r.voice[connectionId]
	if ok {
		delete(r.voice, connectionId)
	}
	return association, ok
}

func (r *MemoryRegistry) Voice(connectionId string) (VoiceAssociation, bool) {
	r.RLock()
	defer r.RUnlock()
	association, ok := r.voice[connectionId]
	return association, ok
}
