package peerconn

import (
	"testing"
	"time"
)

func TestSegmentSizerInitialChunkFloor(t *testing.T) {
	s := NewSegmentSizer()
	got := s.Next(1000)
	if got != 1000 {
		t.Fatalf("Next(1000) = %d, want 1000 (clamped to remaining)", got)
	}
}

func TestSegmentSizerInitialChunkDefaultsToOneMiB(t *testing.T) {
	s := NewSegmentSizer()
	got := s.Next(10 << 20)
	if got != 1<<20 {
		t.Fatalf("Next with no history = %d, want 1 MiB", got)
	}
}

func TestSegmentSizerFastChunkDoubles(t *testing.T) {
	s := NewSegmentSizer()
	s.Record(1<<20, 5*time.Millisecond)
	if s.lastChunk != 2<<20 {
		t.Fatalf("fast chunk: lastChunk = %d, want %d", s.lastChunk, 2<<20)
	}
}

func TestSegmentSizerFarBelowTargetDoubles(t *testing.T) {
	s := NewSegmentSizer()
	// 1 MiB at 1 MiB/s takes 1000ms, far below SEGMENT_TIME/4 (30s).
	s.Record(1<<20, 1*time.Second)
	if s.lastChunk != 2<<20 {
		t.Fatalf("far-below-target: lastChunk = %d, want %d", s.lastChunk, 2<<20)
	}
}

func TestSegmentSizerNearTargetKeepsSize(t *testing.T) {
	s := NewSegmentSizer()
	s.SetLeafSize(4096)
	// speed such that msecs == SEGMENT_TIME: size/speed == 120s.
	s.Record(1<<20, segmentTime)
	if s.lastChunk != 1<<20 {
		t.Fatalf("near-target: lastChunk = %d, want unchanged %d", s.lastChunk, 1<<20)
	}
}

func TestSegmentSizerFarAboveTargetHalves(t *testing.T) {
	s := NewSegmentSizer()
	// msecs far above 4*SEGMENT_TIME (480s): size/speed implies ~1000s.
	s.Record(1<<20, 1000*time.Second)
	if s.lastChunk != 1<<19 {
		t.Fatalf("far-above-target: lastChunk = %d, want %d", s.lastChunk, 1<<19)
	}
}

func TestSegmentSizerFloorsAtMinimum(t *testing.T) {
	s := NewSegmentSizer()
	s.Record(segmentFloor, 1000*time.Second)
	if s.lastChunk != segmentFloor {
		t.Fatalf("lastChunk = %d, want floor %d", s.lastChunk, segmentFloor)
	}
}

func TestParseADCGetRoundTrip(t *testing.T) {
	fields := []string{"CGET", "file", "TTH/ABCDEF", "0", "1024", "ZL1"}
	got, err := parseADCGet(fields)
	if err != nil {
		t.Fatalf("parseADCGet: %v", err)
	}
	if got.Type != "file" || got.Path != "TTH/ABCDEF" || got.Start != 0 || got.Bytes != 1024 || !got.Compressed {
		t.Fatalf("parseADCGet = %+v, unexpected", got)
	}
	if want := "ADCGET file TTH/ABCDEF 0 1024 ZL1"; got.String() != want {
		t.Fatalf("String() = %q, want %q", got.String(), want)
	}
}

func TestParseADCGetRejectsShortFields(t *testing.T) {
	if _, err := parseADCGet([]string{"CGET", "file"}); err == nil {
		t.Fatalf("expected error for too few fields")
	}
}
