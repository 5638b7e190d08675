// Package queue implements the download queue: per-user per-priority
// lists, segmented byte-range tracking per QueueItem, and XML persistence.
package queue

import (
	"sync"
	"time"

	"github.com/prxssh/dchub/internal/identity"
)

// Priority orders items within a user's queue. PAUSED items are never
// scheduled.
type Priority int

const (
	PriorityPaused Priority = iota
	PriorityLowest
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

// DefaultPriority is the priority assigned to newly added items absent an
// explicit choice.
const DefaultPriority = PriorityNormal

// Flag is a bitmask of QueueItem transfer-kind markers.
type Flag uint8

const (
	FlagUserList Flag = 1 << iota
	FlagClientView
	FlagText
	FlagXMLBZList
	FlagMatchQueue
	FlagDirectoryDownload
)

// SourceFlag marks why a source is (or became) unusable.
type SourceFlag uint16

const (
	SourceFlagFileNotAvailable SourceFlag = 1 << iota
	SourceFlagPassive
	SourceFlagBadTree
	SourceFlagSlowSource
	SourceFlagNoTree
	SourceFlagNoTTHF
	SourceFlagCRCFailed
	SourceFlagUntrusted
	SourceFlagUnencrypted
)

// Source is one candidate peer for a QueueItem.
type Source struct {
	User      *identity.User
	HubURL    string
	Flags     SourceFlag
	LastError time.Time
	Errors    int
}

// Bad reports whether this source currently carries any disqualifying
// flag.
func (s *Source) Bad() bool { return s.Flags != 0 }

// Segment is a half-open byte range [Start, Start+Size).
type Segment struct {
	Start int64
	Size  int64
}

// End returns the exclusive end offset of the segment.
func (s Segment) End() int64 { return s.Start + s.Size }

// Item is one queued download target.
type Item struct {
	mut sync.Mutex

	Target      string
	TempTarget  string
	Size        int64
	TTH         identity.TTHValue
	Priority    Priority
	Flags       Flag
	Added       time.Time
	AutoPriority bool

	done    []Segment // non-overlapping, sorted by Start
	sources map[identity.CID]*Source
	active  int // count of in-flight Downloads
}

// NewItem constructs a queue item for target/size/tth at the given
// priority.
func NewItem(target string, size int64, tth identity.TTHValue, prio Priority) *Item {
	return &Item{
		Target:     target,
		TempTarget: target + ".dctmp",
		Size:       size,
		TTH:        tth,
		Priority:   prio,
		Added:      time.Now(),
		sources:    make(map[identity.CID]*Source),
	}
}

// AddSource registers user as a candidate source, replacing any existing
// entry for the same CID.
func (it *Item) AddSource(user *identity.User, hubURL string) *Source {
	it.mut.Lock()
	defer it.mut.Unlock()

	src := &Source{User: user, HubURL: hubURL}
	it.sources[user.CID] = src
	return src
}

// RemoveSource drops cid from the source set.
func (it *Item) RemoveSource(cid identity.CID) {
	it.mut.Lock()
	defer it.mut.Unlock()
	delete(it.sources, cid)
}

// FlagSource ORs flags into cid's source record, if present. A source is
// never simultaneously a good and bad source: once flagged it is excluded
// from scheduling by GoodSources.
func (it *Item) FlagSource(cid identity.CID, flags SourceFlag) {
	it.mut.Lock()
	defer it.mut.Unlock()
	if s, ok := it.sources[cid]; ok {
		s.Flags |= flags
	}
}

// GoodSources returns sources carrying no disqualifying flag.
func (it *Item) GoodSources() []*Source {
	it.mut.Lock()
	defer it.mut.Unlock()

	out := make([]*Source, 0, len(it.sources))
	for _, s := range it.sources {
		if !s.Bad() {
			out = append(out, s)
		}
	}
	return out
}

// SourceCount returns the total number of registered sources, good or bad.
func (it *Item) SourceCount() int {
	it.mut.Lock()
	defer it.mut.Unlock()
	return len(it.sources)
}

// IsFinished reports whether the completed segment set covers the whole
// file.
func (it *Item) IsFinished() bool {
	it.mut.Lock()
	defer it.mut.Unlock()
	return it.doneBytesLocked() == it.Size
}

func (it *Item) doneBytesLocked() int64 {
	var total int64
	for _, s := range it.done {
		total += s.Size
	}
	return total
}

// DoneBytes returns the total completed byte count.
func (it *Item) DoneBytes() int64 {
	it.mut.Lock()
	defer it.mut.Unlock()
	return it.doneBytesLocked()
}

// MarkDone inserts [start, start+size) into the completed set, merging with
// adjacent/overlapping runs so the invariant "segments in done are
// non-overlapping" always holds.
func (it *Item) MarkDone(start, size int64) {
	it.mut.Lock()
	defer it.mut.Unlock()

	seg := Segment{Start: start, Size: size}
	merged := make([]Segment, 0, len(it.done)+1)
	inserted := false

	for _, existing := range it.done {
		if inserted {
			merged = append(merged, existing)
			continue
		}
		if existing.End() < seg.Start {
			merged = append(merged, existing)
			continue
		}
		if seg.End() < existing.Start {
			merged = append(merged, seg)
			merged = append(merged, existing)
			inserted = true
			continue
		}
		// Overlapping or adjacent: absorb into seg.
		if existing.Start < seg.Start {
			seg.Size += seg.Start - existing.Start
			seg.Start = existing.Start
		}
		if existing.End() > seg.End() {
			seg.Size = existing.End() - seg.Start
		}
	}
	if !inserted {
		merged = append(merged, seg)
	}
	it.done = merged
}

// ResetSegments discards all completed-range tracking, forcing the whole
// file to be re-downloaded. Used after a TREE/TTH or CRC verification
// failure, where the bytes on disk can no longer be trusted.
func (it *Item) ResetSegments() {
	it.mut.Lock()
	defer it.mut.Unlock()
	it.done = nil
}

// Pause sets the item's priority to PriorityPaused, taking it out of
// scheduling until a caller explicitly resumes it.
func (it *Item) Pause() {
	it.mut.Lock()
	defer it.mut.Unlock()
	it.Priority = PriorityPaused
}

// Segments returns a copy of the completed segment list.
func (it *Item) Segments() []Segment {
	it.mut.Lock()
	defer it.mut.Unlock()
	out := make([]Segment, len(it.done))
	copy(out, it.done)
	return out
}

// NextSegment returns a free window of up to wantedSize bytes starting at
// the first byte not in the completed set, or ok=false if the completed set
// covers the whole item. A window inside a gap between completed segments is
// rounded down to a multiple of blockSize (or is the whole gap when that is
// smaller than one block); a window at the tail is not rounded. Ranges held
// by in-flight downloads are not tracked here.
func (it *Item) NextSegment(blockSize, wantedSize int64) (Segment, bool) {
	it.mut.Lock()
	defer it.mut.Unlock()

	if blockSize <= 0 {
		blockSize = 1
	}
	if wantedSize <= 0 {
		wantedSize = it.Size
	}

	var cursor int64
	for _, seg := range it.done {
		if seg.Start > cursor {
			gap := seg.Start - cursor
			size := min64(gap, wantedSize)
			size = alignDown(size, blockSize)
			if size <= 0 {
				size = min64(gap, wantedSize)
			}
			return Segment{Start: cursor, Size: size}, true
		}
		if seg.End() > cursor {
			cursor = seg.End()
		}
	}

	if cursor >= it.Size {
		return Segment{}, false
	}

	size := min64(it.Size-cursor, wantedSize)
	return Segment{Start: cursor, Size: size}, true
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func alignDown(v, align int64) int64 {
	if align <= 0 {
		return v
	}
	return (v / align) * align
}
