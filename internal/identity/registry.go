package identity

import (
	"sync"
)

// Registry is the process-wide CID -> User table. A User stays alive while
// any hub references it (refcounted): users are born lazily on first
// sighting and become removable once every referencing hub has let go.
// Removal happens only when CollectGarbage is called; nothing in this module
// calls it on a timer.
type Registry struct {
	mut   sync.Mutex
	users map[CID]*entry
}

type entry struct {
	user *User
	refs int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[CID]*entry)}
}

// Acquire returns the User for cid, creating it if unseen, and increments
// its reference count. Callers (hub sessions adding an OnlineUser, queue
// sources) must call Release when they stop referencing it.
func (r *Registry) Acquire(cid CID) *User {
	r.mut.Lock()
	defer r.mut.Unlock()

	e, ok := r.users[cid]
	if !ok {
		e = &entry{user: &User{CID: cid}}
		r.users[cid] = e
	}
	e.refs++
	return e.user
}

// Release decrements cid's reference count. The entry is not removed
// immediately; CollectGarbage removes zero-refcount entries when it runs,
// so a brief acquire/release race doesn't thrash the map.
func (r *Registry) Release(cid CID) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if e, ok := r.users[cid]; ok && e.refs > 0 {
		e.refs--
	}
}

// Lookup returns the User for cid without affecting its reference count.
func (r *Registry) Lookup(cid CID) (*User, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	e, ok := r.users[cid]
	if !ok {
		return nil, false
	}
	return e.user, true
}

// CollectGarbage removes every entry with a reference count of zero and
// returns how many it removed. It runs only when a caller invokes it.
func (r *Registry) CollectGarbage() int {
	r.mut.Lock()
	defer r.mut.Unlock()

	removed := 0
	for cid, e := range r.users {
		if e.refs <= 0 {
			delete(r.users, cid)
			removed++
		}
	}
	return removed
}

// Len returns the number of known users, live or pending collection.
func (r *Registry) Len() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.users)
}
