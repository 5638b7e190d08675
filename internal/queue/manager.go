package queue

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/dchub/internal/identity"
)

// Manager owns every Item, indexed both by target path and by
// per-user-per-priority deques for scheduling. One mutex guards the whole
// structure, per the core's single-mutex-per-component rule.
type Manager struct {
	logger *slog.Logger

	mut       sync.Mutex
	byTarget  map[string]*Item
	byTTH     map[identity.TTHValue]*Item
	userQueue map[identity.CID]map[Priority][]*Item

	dirty     atomic.Bool
	lastSaved time.Time
}

// NewManager returns an empty queue Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger.With("component", "queue"),
		byTarget:  make(map[string]*Item),
		byTTH:     make(map[identity.TTHValue]*Item),
		userQueue: make(map[identity.CID]map[Priority][]*Item),
	}
}

// Add inserts item into the queue, indexing it by every good (unflagged)
// source currently registered on it.
func (m *Manager) Add(item *Item) {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.byTarget[item.Target] = item
	if !item.TTH.IsZero() {
		m.byTTH[item.TTH] = item
	}
	for _, src := range item.GoodSources() {
		m.indexForUserLocked(item, src.User.CID)
	}
	m.dirty.Store(true)
}

// RegisterSource adds user as a source of item and indexes item into that
// user's per-priority deque.
func (m *Manager) RegisterSource(item *Item, user *identity.User, hubURL string) {
	item.AddSource(user, hubURL)

	m.mut.Lock()
	defer m.mut.Unlock()
	m.indexForUserLocked(item, user.CID)
	m.dirty.Store(true)
}

func (m *Manager) indexForUserLocked(item *Item, cid identity.CID) {
	byPrio, ok := m.userQueue[cid]
	if !ok {
		byPrio = make(map[Priority][]*Item)
		m.userQueue[cid] = byPrio
	}
	for _, existing := range byPrio[item.Priority] {
		if existing == item {
			return
		}
	}
	byPrio[item.Priority] = append(byPrio[item.Priority], item)
}

// Remove drops item from every index.
func (m *Manager) Remove(item *Item) {
	m.mut.Lock()
	defer m.mut.Unlock()

	delete(m.byTarget, item.Target)
	delete(m.byTTH, item.TTH)
	for cid, byPrio := range m.userQueue {
		for prio, items := range byPrio {
			byPrio[prio] = removeItem(items, item)
		}
		if len(byPrio) == 0 {
			delete(m.userQueue, cid)
		}
	}
	m.dirty.Store(true)
}

func removeItem(items []*Item, target *Item) []*Item {
	out := items[:0]
	for _, it := range items {
		if it != target {
			out = append(out, it)
		}
	}
	return out
}

// ByTarget returns the item queued for the given target path.
func (m *Manager) ByTarget(target string) (*Item, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	it, ok := m.byTarget[target]
	return it, ok
}

// ByTTH returns the item queued for the given TTH, used for match-queue and
// dedup checks.
func (m *Manager) ByTTH(tth identity.TTHValue) (*Item, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	it, ok := m.byTTH[tth]
	return it, ok
}

// GetNext returns the highest-priority-first candidate item for user at or
// above minPrio that still has a free segment of up to wantedSize. Within
// one priority, in-progress items are tried ahead of fresh ones.
func (m *Manager) GetNext(cid identity.CID, minPrio Priority, blockSize, wantedSize int64) (*Item, Segment, bool) {
	m.mut.Lock()
	byPrio, ok := m.userQueue[cid]
	m.mut.Unlock()
	if !ok {
		return nil, Segment{}, false
	}

	for prio := PriorityHighest; prio >= minPrio && prio >= PriorityLowest; prio-- {
		m.mut.Lock()
		items := append([]*Item(nil), byPrio[prio]...)
		m.mut.Unlock()

		sort.SliceStable(items, func(i, j int) bool {
			return items[i].DoneBytes() > 0 && items[j].DoneBytes() == 0
		})

		for _, it := range items {
			if it.Flags&FlagUserList != 0 {
				continue
			}
			seg, ok := it.NextSegment(blockSize, wantedSize)
			if ok {
				return it, seg, true
			}
		}
	}
	return nil, Segment{}, false
}

// Items returns every queued item, for persistence and status reporting.
func (m *Manager) Items() []*Item {
	m.mut.Lock()
	defer m.mut.Unlock()
	out := make([]*Item, 0, len(m.byTarget))
	for _, it := range m.byTarget {
		out = append(out, it)
	}
	return out
}

// TakeDirty reports whether the queue changed since the last save, clearing
// the flag.
func (m *Manager) TakeDirty() bool { return m.dirty.CompareAndSwap(true, false) }

// MarkDirty flags the queue as changed since the last save, for callers
// that mutate an Item in place (ResetSegments, Pause) rather than through
// an Add/RegisterSource/Remove call that already does this.
func (m *Manager) MarkDirty() { m.dirty.Store(true) }

// ShouldSave reports whether at least minInterval has passed since the last
// successful save.
func (m *Manager) ShouldSave(minInterval time.Duration) bool {
	return time.Since(m.lastSaved) >= minInterval
}

// MarkSaved records the time of a successful save.
func (m *Manager) MarkSaved() { m.lastSaved = time.Now() }
