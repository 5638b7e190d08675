package core

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/queue"
	"github.com/prxssh/dchub/internal/tth"
)

// FileMoved reports a successfully completed and placed download, per
// §4.5's "on success emit FileMoved".
type FileMoved struct {
	Item   *queue.Item
	Target string
}

// onSegmentDone is peerconn.Hooks.OnSegmentDone: it folds a completed
// transfer chunk into the queue item's done-segment set and, once the item
// is fully covered, runs it through verification and placement.
func (c *Core) onSegmentDone(tthValue identity.TTHValue, start, size int64) {
	item, ok := c.Queue.ByTTH(tthValue)
	if !ok {
		return
	}
	item.MarkDone(start, size)
	c.Queue.MarkDirty()

	if item.IsFinished() {
		c.finalizeItem(item)
	}
}

// finalizeItem implements §4.5's on-full-completion path: TTH verification
// against the downloaded bytes (standing in for a dedicated TREE leg, since
// tth.Verify already rebuilds and compares the whole tree from the same
// bytes a separate tree transfer would have verified), an optional .sfv
// CRC check, and the atomic temp→target move.
func (c *Core) finalizeItem(item *queue.Item) {
	f, err := os.Open(item.TempTarget)
	if err != nil {
		c.logger.Warn("queue: cannot open completed temp file", "target", item.Target, "error", err)
		return
	}

	ok, err := tth.Verify(f, item.Size, item.TTH)
	f.Close()
	if err != nil {
		c.logger.Warn("queue: TTH verification failed", "target", item.Target, "error", err)
		return
	}
	if !ok {
		c.failBadTree(item)
		return
	}

	if sfvOK, checked := c.verifySFV(item); checked && !sfvOK {
		c.failCRC(item)
		return
	}

	c.moveIntoPlace(item)
}

// failBadTree handles a TTH mismatch: every current source is untrustworthy
// for this item (we can't attribute which one sent the bad bytes under the
// segment model this queue uses), so all are flagged and dropped and the
// item is requeued from scratch.
func (c *Core) failBadTree(item *queue.Item) {
	c.logger.Warn("queue: TTH mismatch on completed download, requeuing", "target", item.Target)
	for _, src := range item.GoodSources() {
		item.FlagSource(src.User.CID, queue.SourceFlagBadTree)
		item.RemoveSource(src.User.CID)
	}
	item.ResetSegments()
	c.Queue.MarkDirty()
}

// failCRC handles an .sfv CRC mismatch: the temp file is discarded, the
// item is paused (not requeued — a corrupt source on a verified-correct
// TTH almost always means local disk or transfer corruption, not a bad
// peer, so auto-retry is unlikely to help), and every source is flagged.
func (c *Core) failCRC(item *queue.Item) {
	c.logger.Warn("queue: CRC mismatch on completed download, pausing", "target", item.Target)
	os.Remove(item.TempTarget)
	item.ResetSegments()
	item.Pause()
	for _, src := range item.GoodSources() {
		item.FlagSource(src.User.CID, queue.SourceFlagCRCFailed)
	}
	c.Queue.MarkDirty()
}

// verifySFV looks for an .sfv sibling of item.Target and, if present and it
// names this file, checks the temp file's CRC32 against it. checked is
// false when no applicable .sfv entry exists, per the check being
// optional.
func (c *Core) verifySFV(item *queue.Item) (ok bool, checked bool) {
	dir := filepath.Dir(item.Target)
	name := filepath.Base(item.Target)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, false
	}

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".sfv") {
			continue
		}
		want, found := findSFVEntry(filepath.Join(dir, e.Name()), name)
		if !found {
			continue
		}
		got, err := fileCRC32(item.TempTarget)
		if err != nil {
			return false, false
		}
		return got == want, true
	}
	return false, false
}

// findSFVEntry scans an .sfv file for a "filename crc32hex" line matching
// name (case-insensitively, as most SFV producers do).
func findSFVEntry(sfvPath, name string) (crc uint32, found bool) {
	f, err := os.Open(sfvPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		sp := strings.LastIndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		fname, hexCRC := line[:sp], strings.TrimSpace(line[sp+1:])
		if !strings.EqualFold(filepath.Base(fname), name) {
			continue
		}
		v, err := strconv.ParseUint(hexCRC, 16, 32)
		if err != nil {
			continue
		}
		return uint32(v), true
	}
	return 0, false
}

func fileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// moveIntoPlace atomically renames the temp file onto item.Target,
// appending " (N)" on a collision, and reports FileMoved on success.
func (c *Core) moveIntoPlace(item *queue.Item) {
	target := item.Target
	if _, err := os.Stat(target); err == nil {
		target = nextAvailableName(target)
	}

	if err := os.Rename(item.TempTarget, target); err != nil {
		c.logger.Warn("queue: failed to move completed file into place", "target", target, "error", err)
		return
	}

	c.logger.Info("download complete", "target", target)
	c.Queue.Remove(item)
	c.Queue.MarkDirty()

	if c.OnFileMoved != nil {
		c.OnFileMoved(FileMoved{Item: item, Target: target})
	}
}

// nextAvailableName finds a "name (N).ext" variant of path that doesn't
// already exist, starting at N=1.
func nextAvailableName(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}
