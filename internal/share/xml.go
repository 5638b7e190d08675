package share

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/tth"
)

// XMLGenerator regenerates the full file-list XML (plain and bz2) on a
// dirty+interval schedule, and serves partial listings for a given virtual
// path on demand.
type XMLGenerator struct {
	index       *Index
	cid         identity.CID
	generator   string
	path        string
	bz2Path     string
	interval    time.Duration
	lastGenTime time.Time
}

// NewXMLGenerator returns a generator writing to plainPath/bz2Path.
func NewXMLGenerator(index *Index, cid identity.CID, generator, plainPath, bz2Path string, interval time.Duration) *XMLGenerator {
	return &XMLGenerator{
		index:     index,
		cid:       cid,
		generator: generator,
		path:      plainPath,
		bz2Path:   bz2Path,
		interval:  interval,
	}
}

// MaybeRegenerate regenerates both artefacts on the first call, and after
// that whenever the index is dirty and the interval has elapsed since the
// last generation. The dirty flag is only taken once the interval has
// elapsed, so a change made earlier is picked up by a later call.
func (g *XMLGenerator) MaybeRegenerate() (identity.TTHValue, bool, error) {
	first := g.lastGenTime.IsZero()
	due := !first && time.Since(g.lastGenTime) >= g.interval

	if !first && !due {
		return identity.TTHValue{}, false, nil
	}
	if dirty := g.index.TakeDirty(); !first && !dirty {
		return identity.TTHValue{}, false, nil
	}

	var buf bytes.Buffer
	if err := g.writeFull(&buf); err != nil {
		return identity.TTHValue{}, false, err
	}

	if err := os.WriteFile(g.path, buf.Bytes(), 0o644); err != nil {
		return identity.TTHValue{}, false, err
	}

	bz, err := compressBZ2(buf.Bytes())
	if err != nil {
		return identity.TTHValue{}, false, err
	}
	if err := os.WriteFile(g.bz2Path, bz, 0o644); err != nil {
		return identity.TTHValue{}, false, err
	}

	root, err := tthOf(buf.Bytes())
	if err != nil {
		return identity.TTHValue{}, false, err
	}

	g.lastGenTime = time.Now()
	return root, true, nil
}

func compressBZ2(data []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := bzip2.NewWriter(&out, &bzip2.WriterConfig{Level: 6})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (g *XMLGenerator) writeFull(w io.Writer) error {
	fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n")
	fmt.Fprintf(w, "<FileListing Version=\"1\" CID=%q Base=\"/\" Generator=%q>\n", g.cid.String(), g.generator)

	g.index.mut.RLock()
	roots := make([]*Directory, 0, len(g.index.forest))
	for _, d := range g.index.forest {
		roots = append(roots, d)
	}
	g.index.mut.RUnlock()

	for _, d := range roots {
		if err := writeDirectory(w, d, -1); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "</FileListing>\n")
	return nil
}

// Partial writes a listing rooted at virtualPath. From depth 2 down a
// directory is flattened: at most 16 child directories are listed, each as
// an Incomplete stub, plus at most 4 files; further entries are omitted.
func (g *XMLGenerator) Partial(w io.Writer, virtualPath string) error {
	dir, ok := g.index.Resolve(virtualPath)
	if !ok {
		return fmt.Errorf("share: no such virtual path %q", virtualPath)
	}

	fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n")
	fmt.Fprintf(w, "<FileListing Version=\"1\" CID=%q Base=%q Generator=%q>\n", g.cid.String(), virtualPath, g.generator)
	if err := writeDirectory(w, dir, 0); err != nil {
		return err
	}
	fmt.Fprintf(w, "</FileListing>\n")
	return nil
}

const (
	flattenDepth    = 2
	flattenMaxDirs  = 16
	flattenMaxFiles = 4
)

func writeDirectory(w io.Writer, d *Directory, depth int) error {
	if d.Name != "" {
		fmt.Fprintf(w, "<Directory Name=%q>\n", d.Name)
	}

	dirs := d.SortedDirs()
	files := d.SortedFiles()

	if depth >= 0 && depth >= flattenDepth {
		shown := 0
		for _, c := range dirs {
			if shown >= flattenMaxDirs {
				break
			}
			fmt.Fprintf(w, "<Directory Name=%q Incomplete=\"1\"/>\n", c.Name)
			shown++
		}
		shownFiles := 0
		for _, f := range files {
			if shownFiles >= flattenMaxFiles {
				break
			}
			writeFile(w, f)
			shownFiles++
		}
	} else {
		for _, f := range files {
			writeFile(w, f)
		}
		for _, c := range dirs {
			nextDepth := depth
			if depth >= 0 {
				nextDepth++
			}
			if err := writeDirectory(w, c, nextDepth); err != nil {
				return err
			}
		}
	}

	if d.Name != "" {
		fmt.Fprintf(w, "</Directory>\n")
	}
	return nil
}

func writeFile(w io.Writer, f *File) {
	if f.Hashed {
		fmt.Fprintf(w, "<File Name=%q Size=\"%d\" TTH=%q/>\n", xmlEscape(f.Name), f.Size, f.TTH.String())
	} else {
		fmt.Fprintf(w, "<File Name=%q Size=\"%d\"/>\n", xmlEscape(f.Name), f.Size)
	}
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func tthOf(data []byte) (identity.TTHValue, error) {
	tr, err := tth.Build(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return identity.TTHValue{}, err
	}
	return tr.Root, nil
}
