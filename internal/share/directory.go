// Package share implements the shared-tree index: the virtual directory
// forest a hub session advertises, its Bloom filter and TTH index, file
// list XML generation, and search.
package share

import (
	"sort"
	"strings"

	"github.com/prxssh/dchub/internal/identity"
)

// File is one shared file: its virtual name, size, and (once hashed) TTH.
// RealPath is the file's on-disk path; Name is always the de-duplicated
// virtual name actually advertised, which differs from the on-disk name when
// it collided with a sibling and had to be suffixed.
type File struct {
	Name     string
	Size     int64
	TTH      identity.TTHValue
	Hashed   bool
	RealPath string
}

// Directory is one node of the virtual share tree: a sorted set of child
// directories and a sorted set of files, unique by name within the node.
type Directory struct {
	Name     string
	RealPath string
	Parent   *Directory
	Dirs     map[string]*Directory
	Files    map[string]*File
}

// NewDirectory returns an empty directory node named name.
func NewDirectory(name, realPath string, parent *Directory) *Directory {
	return &Directory{
		Name:     name,
		RealPath: realPath,
		Parent:   parent,
		Dirs:     make(map[string]*Directory),
		Files:    make(map[string]*File),
	}
}

// uniqueName returns a name guaranteed not to collide with any existing
// file or directory entry in d, appending " (N)" as the spec's collision
// rule requires.
func (d *Directory) uniqueName(name string) string {
	if _, fok := d.Files[name]; !fok {
		if _, dok := d.Dirs[name]; !dok {
			return name
		}
	}

	for n := 2; ; n++ {
		candidate := name + " (" + itoa(n) + ")"
		_, fok := d.Files[candidate]
		_, dok := d.Dirs[candidate]
		if !fok && !dok {
			return candidate
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// AddDirectory creates (or returns, if an identically-named one already
// exists with the same real path) a child directory.
func (d *Directory) AddDirectory(realName, realPath string) *Directory {
	if existing, ok := d.Dirs[realName]; ok && existing.RealPath == realPath {
		return existing
	}

	name := d.uniqueName(realName)
	child := NewDirectory(name, realPath, d)
	d.Dirs[name] = child
	return child
}

// AddFile inserts a file, resolving a name collision with the spec's
// "(N)" suffix rule. Returns the virtual name actually used.
func (d *Directory) AddFile(realName string, size int64, realPath string) string {
	name := d.uniqueName(realName)
	d.Files[name] = &File{Name: name, Size: size, RealPath: realPath}
	return name
}

// Path returns the full virtual path from the forest root to d, using "/"
// separators and a trailing slash, e.g. "/music/flac/".
func (d *Directory) Path() string {
	if d.Parent == nil {
		return "/"
	}
	return d.Parent.Path() + d.Name + "/"
}

// SortedDirs returns d's child directories ordered by name.
func (d *Directory) SortedDirs() []*Directory {
	names := make([]string, 0, len(d.Dirs))
	for n := range d.Dirs {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]*Directory, len(names))
	for i, n := range names {
		out[i] = d.Dirs[n]
	}
	return out
}

// SortedFiles returns d's files ordered by name.
func (d *Directory) SortedFiles() []*File {
	names := make([]string, 0, len(d.Files))
	for n := range d.Files {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]*File, len(names))
	for i, n := range names {
		out[i] = d.Files[n]
	}
	return out
}

// TotalSize returns the recursive byte size of d and every descendant.
func (d *Directory) TotalSize() int64 {
	var total int64
	for _, f := range d.Files {
		total += f.Size
	}
	for _, c := range d.Dirs {
		total += c.TotalSize()
	}
	return total
}

// Walk calls fn for d and every descendant directory, depth-first,
// stopping early if fn returns false.
func (d *Directory) Walk(fn func(*Directory) bool) {
	if !fn(d) {
		return
	}
	for _, c := range d.SortedDirs() {
		c.Walk(fn)
	}
}

// Resolve navigates a "/"-separated virtual path from d, returning the
// target directory.
func (d *Directory) Resolve(virtualPath string) (*Directory, bool) {
	virtualPath = strings.Trim(virtualPath, "/")
	if virtualPath == "" {
		return d, true
	}

	cur := d
	for _, part := range strings.Split(virtualPath, "/") {
		child, ok := cur.Dirs[part]
		if !ok {
			return nil, false
		}
		cur = child
	}
	return cur, true
}
