package peerconn

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/prxssh/dchub/internal/identity"
)

// Source is a readable transfer subject: a shared file, a serialized file
// list, or a TTH tree, addressed by byte range.
type Source interface {
	Size() int64
	ReadAt(p []byte, off int64) (int, error)
}

// Target is a writable download destination.
type Target interface {
	WriteAt(p []byte, off int64) error
}

// segmentTime is SEGMENT_TIME from the sizing algorithm: the duration a
// chunk transfer should roughly take.
const segmentTime = 120 * time.Second

const segmentFloor = 64 * 1024

// SegmentSizer tracks the adaptive chunk size for one in-progress transfer,
// per the initial-chunk and per-chunk adjustment rules.
type SegmentSizer struct {
	lastChunk int64
	leafSize  int64
}

// NewSegmentSizer returns a sizer seeded at the 1 KiB leaf size; callers
// with a known tree leaf size should set it via SetLeafSize before the
// first Next call.
func NewSegmentSizer() *SegmentSizer {
	return &SegmentSizer{leafSize: 1024}
}

// SetLeafSize overrides the promoted block size used in the "+leafSize /
// -leafSize" adjustment steps.
func (s *SegmentSizer) SetLeafSize(n int64) { s.leafSize = n }

// Next returns the chunk size to request for the next segment, given the
// remaining bytes in the item.
func (s *SegmentSizer) Next(remaining int64) int64 {
	size := s.lastChunk
	if size == 0 {
		size = 1 << 20 // 1 MiB
	}
	size = max64Peer(segmentFloor, min64Peer(size, 1<<20))
	if size > remaining {
		size = remaining
	}
	return size
}

// Record updates the sizer after a chunk of size bytes completed in
// elapsed wall time, applying the SEGMENT_TIME-relative adjustment rules.
func (s *SegmentSizer) Record(size int64, elapsed time.Duration) {
	s.lastChunk = size

	if elapsed <= 10*time.Millisecond {
		s.lastChunk = size * 2
		return
	}

	speed := float64(size) / elapsed.Seconds() // bytes/sec
	if speed <= 0 {
		return
	}
	msecs := time.Duration(1000 * float64(size) / speed * float64(time.Millisecond))

	switch {
	case msecs < segmentTime/4:
		s.lastChunk = size * 2
	case msecs < time.Duration(float64(segmentTime)/1.25):
		s.lastChunk = size + s.leafSize
	case msecs <= segmentTime*5/4: // within ~25% of target: keep
		s.lastChunk = size
	case msecs < segmentTime*4:
		s.lastChunk = size - s.leafSize
	default:
		s.lastChunk = size / 2
	}

	if s.lastChunk < segmentFloor {
		s.lastChunk = segmentFloor
	}
}

func max64Peer(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64Peer(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// adcGet is a parsed "ADCGET <type> <path> <start> <bytes> [ZL1]" request.
type adcGet struct {
	Type       string
	Path       string
	Start      int64
	Bytes      int64
	Compressed bool
}

func parseADCGet(fields []string) (adcGet, error) {
	if len(fields) < 5 {
		return adcGet{}, fmt.Errorf("peerconn: malformed ADCGET")
	}
	start, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return adcGet{}, err
	}
	n, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return adcGet{}, err
	}
	g := adcGet{Type: fields[1], Path: fields[2], Start: start, Bytes: n}
	for _, f := range fields[5:] {
		if f == "ZL1" {
			g.Compressed = true
		}
	}
	return g, nil
}

func (g adcGet) String() string {
	s := fmt.Sprintf("ADCGET %s %s %d %d", g.Type, g.Path, g.Start, g.Bytes)
	if g.Compressed {
		s += " ZL1"
	}
	return s
}

// serveTransferADC is the post-handshake loop: it serves the peer's
// incoming GET requests from hooks.OpenForRead. It does not issue requests
// of its own; downloads go through RequestDownload.
func (c *Conn) serveTransferADC(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := c.readADCLine()
		if err != nil {
			return err
		}
		fields := splitADCFields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "CGET", "BGET":
			if err := c.serveADCGet(fields); err != nil {
				return err
			}
		case "CSND", "BSND":
			// Unsolicited SND with no matching pending request: ignore.
		default:
			// QUI and other control frames during transfer: tear down on
			// QUI, ignore anything else benign.
			if strings.HasPrefix(fields[0][1:], "QUI") {
				return nil
			}
		}
	}
}

func (c *Conn) serveADCGet(fields []string) error {
	req, err := parseADCGet(fields)
	if err != nil {
		return c.writeADCLine("CSTA 140 " + err.Error())
	}

	if c.hooks.OpenForRead == nil {
		return c.writeADCLine("CSTA 150 file not available")
	}
	src, err := c.hooks.OpenForRead(req.Path)
	if err != nil {
		return c.writeADCLine("CSTA 151 " + err.Error())
	}

	n := req.Bytes
	if n < 0 || req.Start+n > src.Size() {
		n = src.Size() - req.Start
	}

	sndLine := fmt.Sprintf("CSND %s %s %d %d", req.Type, req.Path, req.Start, n)
	if req.Compressed {
		sndLine += " ZL1"
	}
	if err := c.writeADCLine(sndLine); err != nil {
		return err
	}

	return c.streamFromSource(src, req.Start, n, req.Compressed)
}

func (c *Conn) streamFromSource(src Source, start, n int64, compressed bool) error {
	var w io.Writer = c.rw.Writer
	var zw *zlib.Writer
	if compressed {
		zw = zlib.NewWriter(c.rw.Writer)
		w = zw
	}

	buf := make([]byte, 64*1024)
	var sent int64
	for sent < n {
		want := int64(len(buf))
		if rem := n - sent; rem < want {
			want = rem
		}
		rd, err := src.ReadAt(buf[:want], start+sent)
		if rd > 0 {
			if _, werr := w.Write(buf[:rd]); werr != nil {
				return werr
			}
			sent += int64(rd)
		}
		if err != nil {
			if err == io.EOF && sent >= n {
				break
			}
			return err
		}
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return c.rw.Flush()
}

// RequestDownload issues an ADCGET for the given item and streams the
// response into target, driving the adaptive segment sizer across
// successive chunk requests until size bytes are received.
func (c *Conn) RequestDownload(ctx context.Context, adcPath string, tth identity.TTHValue, totalStart, size int64, target Target) error {
	remaining := size
	pos := totalStart

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk := c.sizer.Next(remaining)
		start := time.Now()

		if err := c.writeADCLine(adcGet{Type: "file", Path: adcPath, Start: pos, Bytes: chunk}.String()); err != nil {
			return err
		}

		line, err := c.readADCLine()
		if err != nil {
			return err
		}
		fields := splitADCFields(line)
		if len(fields) == 0 || !strings.HasSuffix(fields[0], "SND") {
			return fmt.Errorf("peerconn: expected CSND/BSND, got %q", line)
		}
		got, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return err
		}

		if err := c.readInto(target, pos, got); err != nil {
			return err
		}

		elapsed := time.Since(start)
		c.sizer.Record(got, elapsed)

		if c.hooks.OnSegmentDone != nil {
			c.hooks.OnSegmentDone(tth, pos, got)
		}

		pos += got
		remaining -= got
		if got == 0 {
			return fmt.Errorf("peerconn: peer sent zero-length segment")
		}
	}
	return nil
}

func (c *Conn) readInto(target Target, offset, n int64) error {
	buf := make([]byte, 64*1024)
	var got int64
	for got < n {
		want := int64(len(buf))
		if rem := n - got; rem < want {
			want = rem
		}
		rn, err := c.rw.Reader.Read(buf[:want])
		if rn > 0 {
			if werr := target.WriteAt(buf[:rn], offset+got); werr != nil {
				return werr
			}
			got += int64(rn)
		}
		if err != nil && got < n {
			return err
		}
	}
	c.touch()
	return nil
}

// serveTransferNMDC is the legacy-dialect analog of serveTransferADC:
// "$Get <file>$<offset+1>|" requests a file, we answer "$FileLength <n>|",
// and the raw bytes follow once the requester sends "$Send|".
func (c *Conn) serveTransferNMDC(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := c.readNMDCLine()
		if err != nil {
			return err
		}

		switch {
		case strings.HasPrefix(line, "$Get "):
			if err := c.serveNMDCGet(line); err != nil {
				return err
			}
		case line == "":
			// empty keep-alive frame
		}
	}
}

func (c *Conn) serveNMDCGet(line string) error {
	rest := strings.TrimPrefix(line, "$Get ")
	idx := strings.LastIndex(rest, "$")
	if idx < 0 {
		return c.writeNMDCLine("$Error malformed get")
	}
	file := rest[:idx]
	offset1, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil {
		return c.writeNMDCLine("$Error malformed get")
	}
	start := offset1 - 1

	if c.hooks.OpenForRead == nil {
		return c.writeNMDCLine("$Error file not available")
	}
	src, err := c.hooks.OpenForRead(file)
	if err != nil {
		return c.writeNMDCLine("$Error " + err.Error())
	}

	n := src.Size() - start
	if err := c.writeNMDCLine(fmt.Sprintf("$FileLength %d", n)); err != nil {
		return err
	}

	// Wait for the client's $Send before streaming, per the legacy
	// handshake (some clients omit it for $Get/$FileLength pairs that
	// were already negotiated via $ADCGET-equivalent upgrade, but plain
	// NMDC always sends it here).
	for {
		l, err := c.readNMDCLine()
		if err != nil {
			return err
		}
		if l == "$Send" {
			break
		}
	}

	return c.streamFromSource(src, start, n, false)
}
