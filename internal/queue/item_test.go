package queue

import (
	"testing"

	"github.com/prxssh/dchub/internal/identity"
)

func TestMarkDoneMerge(t *testing.T) {
	it := NewItem("/tmp/f", 1000, identity.TTHValue{}, PriorityNormal)

	it.MarkDone(0, 100)
	it.MarkDone(200, 100)
	it.MarkDone(100, 100) // bridges the two

	segs := it.Segments()
	if len(segs) != 1 {
		t.Fatalf("expected merge into 1 segment, got %d: %+v", len(segs), segs)
	}
	if segs[0].Start != 0 || segs[0].Size != 300 {
		t.Fatalf("unexpected merged segment: %+v", segs[0])
	}
}

func TestIsFinished(t *testing.T) {
	it := NewItem("/tmp/f", 500, identity.TTHValue{}, PriorityNormal)
	if it.IsFinished() {
		t.Fatalf("empty item reported finished")
	}
	it.MarkDone(0, 500)
	if !it.IsFinished() {
		t.Fatalf("fully covered item not reported finished")
	}
}

func TestNextSegmentSkipsDone(t *testing.T) {
	it := NewItem("/tmp/f", 1000, identity.TTHValue{}, PriorityNormal)
	it.MarkDone(0, 400)

	seg, ok := it.NextSegment(64, 1000)
	if !ok {
		t.Fatalf("expected a free segment")
	}
	if seg.Start != 400 {
		t.Fatalf("expected next segment to start at 400, got %d", seg.Start)
	}
}

func TestNextSegmentNoneWhenFull(t *testing.T) {
	it := NewItem("/tmp/f", 100, identity.TTHValue{}, PriorityNormal)
	it.MarkDone(0, 100)

	if _, ok := it.NextSegment(64, 100); ok {
		t.Fatalf("expected no free segment on a fully-done item")
	}
}

func TestSourceFlaggingExcludesFromGoodSources(t *testing.T) {
	it := NewItem("/tmp/f", 100, identity.TTHValue{}, PriorityNormal)
	u := &identity.User{CID: identity.CID{1, 2, 3}}
	it.AddSource(u, "adc://hub")

	if len(it.GoodSources()) != 1 {
		t.Fatalf("expected 1 good source before flagging")
	}

	it.FlagSource(u.CID, SourceFlagBadTree)
	if len(it.GoodSources()) != 0 {
		t.Fatalf("expected 0 good sources after flagging bad")
	}
}
