package store

import "sync"

// userLocks serializes all mutations for one user while letting different
// users proceed independently. Entries are created lazily and never removed;
// the map grows with the number of distinct users seen by this process.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

func (u *userLocks) get(userID string) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()

	l, ok := u.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		u.locks[userID] = l
	}
	return l
}
