// Package upload implements the upload slot manager: running/extra slot
// counters, reservations, and a waiting list for users who could not be
// admitted immediately.
package upload

import (
	"sync"
	"time"

	"github.com/prxssh/dchub/internal/identity"
)

// Config mirrors the relevant §6 settings.
type Config struct {
	Slots           int
	ExtraSlots      int
	MiniSlotBytes   int64
	MinUploadSpeed  int64
	AutoSlotCooldown time.Duration
}

// waiter is one queued-but-not-yet-admitted request.
type waiter struct {
	cid       identity.CID
	filenames map[string]struct{}
	since     time.Time
}

// connecting tracks a user mid-handshake so a second request from the same
// user during that window can still be admitted ahead of strangers.
type connecting struct {
	cid   identity.CID
	since time.Time
}

// Manager is the single-mutex slot arbiter.
type Manager struct {
	mut sync.Mutex
	cfg Config

	running int
	extra   int

	granted     map[identity.CID]struct{}
	reserved    map[identity.CID]struct{}
	favorites   map[identity.CID]struct{}
	waiters     map[identity.CID]*waiter
	connecting  map[identity.CID]*connecting
	lastAutoSlot time.Time
}

// NewManager returns a slot Manager configured per cfg.
func NewManager(cfg Config) *Manager {
	if cfg.AutoSlotCooldown <= 0 {
		cfg.AutoSlotCooldown = 30 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		granted:    make(map[identity.CID]struct{}),
		reserved:   make(map[identity.CID]struct{}),
		favorites:  make(map[identity.CID]struct{}),
		waiters:    make(map[identity.CID]*waiter),
		connecting: make(map[identity.CID]*connecting),
	}
}

// SetFavorite marks or unmarks cid as a favorite, which always qualifies
// for a full slot.
func (m *Manager) SetFavorite(cid identity.CID, fav bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if fav {
		m.favorites[cid] = struct{}{}
	} else {
		delete(m.favorites, cid)
	}
}

// Reserve grants cid a standing reservation (e.g. from a prior partial
// download), which always qualifies for a full slot.
func (m *Manager) Reserve(cid identity.CID) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.reserved[cid] = struct{}{}
}

// FreeSlots returns the number of unused full slots.
func (m *Manager) FreeSlots() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.freeSlotsLocked()
}

func (m *Manager) freeSlotsLocked() int {
	if f := m.cfg.Slots - m.running; f > 0 {
		return f
	}
	return 0
}

// RequestFullSlot decides whether cid is granted a full upload slot right
// now. On denial, cid is enqueued into the waiting list (if filename is
// non-empty, recorded against it) and the caller should report the
// returned queue position to the peer.
func (m *Manager) RequestFullSlot(cid identity.CID, filename string, measuredUploadRate int64, now time.Time) (granted bool, queuePos int) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if _, ok := m.granted[cid]; ok {
		return true, 0
	}
	if _, ok := m.reserved[cid]; ok {
		m.admitLocked(cid)
		return true, 0
	}
	if _, ok := m.favorites[cid]; ok {
		m.admitLocked(cid)
		return true, 0
	}

	if measuredUploadRate < m.cfg.MinUploadSpeed && now.Sub(m.lastAutoSlot) >= m.cfg.AutoSlotCooldown {
		m.lastAutoSlot = now
		m.admitLocked(cid)
		return true, 0
	}

	_, isConnecting := m.connecting[cid]
	if m.freeSlotsLocked() > 0 && (len(m.waiters) == 0 || isConnecting) {
		m.admitLocked(cid)
		return true, 0
	}

	w, ok := m.waiters[cid]
	if !ok {
		w = &waiter{cid: cid, filenames: make(map[string]struct{}), since: now}
		m.waiters[cid] = w
	}
	if filename != "" {
		w.filenames[filename] = struct{}{}
	}
	return false, m.positionLocked(cid)
}

func (m *Manager) admitLocked(cid identity.CID) {
	m.granted[cid] = struct{}{}
	m.running++
	delete(m.waiters, cid)
}

func (m *Manager) positionLocked(cid identity.CID) int {
	pos := 1
	for other := range m.waiters {
		if other == cid {
			continue
		}
		pos++
	}
	return pos
}

// RequestMiniSlot decides whether cid is granted an out-of-pool mini-slot
// for a tree/full-list/partial-list transfer, or a small file under
// MiniSlotBytes. Peers must advertise mini-slot support; operators bypass
// the extra-slot ceiling.
func (m *Manager) RequestMiniSlot(cid identity.CID, size int64, isTreeOrList, peerSupportsMiniSlots, peerIsOp bool) bool {
	if !peerSupportsMiniSlots {
		return false
	}
	if !isTreeOrList && size > m.cfg.MiniSlotBytes {
		return false
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	if m.extra < m.cfg.ExtraSlots || peerIsOp {
		m.extra++
		return true
	}
	return false
}

// ReleaseFullSlot returns cid's full slot to the pool.
func (m *Manager) ReleaseFullSlot(cid identity.CID) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if _, ok := m.granted[cid]; ok {
		delete(m.granted, cid)
		m.running--
	}
}

// ReleaseMiniSlot returns one mini-slot to the pool.
func (m *Manager) ReleaseMiniSlot() {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.extra > 0 {
		m.extra--
	}
}

// MarkConnecting records that cid is mid-handshake, giving it priority over
// strangers for the duration of the connect window.
func (m *Manager) MarkConnecting(cid identity.CID, now time.Time) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.connecting[cid] = &connecting{cid: cid, since: now}
}

// SweepStale drops connecting entries older than 90s and releases the full
// slots held by non-favorite users that isOnline reports offline (the
// caller supplies isOnline so this package doesn't need a hub dependency).
// The waiting list is left unchanged.
func (m *Manager) SweepStale(now time.Time, isOnline func(identity.CID) bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	for cid, c := range m.connecting {
		if now.Sub(c.since) > 90*time.Second {
			delete(m.connecting, cid)
		}
	}

	if isOnline == nil {
		return
	}
	for cid := range m.granted {
		if _, fav := m.favorites[cid]; fav {
			continue
		}
		if !isOnline(cid) {
			delete(m.granted, cid)
			m.running--
		}
	}
}

// Stats reports the current slot usage.
func (m *Manager) Stats() (running, extra, free, waiting int) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.running, m.extra, m.freeSlotsLocked(), len(m.waiters)
}
