package voice

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
)

const (
	// derived uids are in [1, derivedLimit), fallback uids in [derivedLimit, fallbackLimit)
	derivedLimit  = 1 << 30
	fallbackLimit = 1 << 31

	defaultCacheSize = 10000
)

var ErrNoUserId = errors.New("no user id")

// IdentityAllocator maps user ids to numeric voice identities. The identity of a user id is a hash of it, so it is
// stable across reconnects (and restarts). If the hash is already taken by a different user id, a random identity
// from the disjoint upper range is assigned instead and remembered for as long as the assignment stays in the cache.
type IdentityAllocator struct {
	assigned *lru.Cache        // user id -> uid
	owners   map[uint32]string // uid -> user id, mirrors assigned

	mu sync.Mutex
}

func NewIdentityAllocator(size int) (*IdentityAllocator, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	a := &IdentityAllocator{owners: make(map[uint32]string)}
	// evictions happen inside Add, which is only called with mu held
	cache, err := lru.NewWithEvict(size, func(key, value interface{}) {
		uid := value.(uint32)
		if a.owners[uid] == key.(string) {
			delete(a.owners, uid)
		}
	})
	if err != nil {
		return nil, err
	}
	a.assigned = cache
	return a, nil
}

// Uid returns the voice identity of userId.
func (a *IdentityAllocator) Uid(userId string) (uint32, error) {
	if userId == "" {
		return 0, ErrNoUserId
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.assigned.Get(userId); ok {
		return v.(uint32), nil
	}
	uid := DeriveUid(userId)
	if owner, taken := a.owners[uid]; taken && owner != userId {
		uid = a.fallbackUid()
	}
	a.owners[uid] = userId
	a.assigned.Add(userId, uid)
	return uid, nil
}

func (a *IdentityAllocator) fallbackUid() uint32 {
	for {
		uid := derivedLimit + rand.Uint32N(fallbackLimit-derivedLimit)
		if _, taken := a.owners[uid]; !taken {
			return uid
		}
	}
}

// DeriveUid hashes userId into the derived identity range.
func DeriveUid(userId string) uint32 {
	return uint32(xxhash.Sum64String(userId)%(derivedLimit-1)) + 1
}
