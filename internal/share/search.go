package share

import (
	"strconv"
	"strings"

	"github.com/prxssh/dchub/internal/identity"
)

// FileType mirrors the legacy NMDC search file-type enum (0=any ... 8=TTH).
type FileType int

const (
	FileTypeAny FileType = iota
	FileTypeAudio
	FileTypeCompressed
	FileTypeDocument
	FileTypeExecutable
	FileTypePicture
	FileTypeVideo
	FileTypeDirectory
	FileTypeTTH
)

// Query is a normalized search request, covering both dialects: legacy
// (size/fileType/string) and modern (2-letter param list, handled by the
// caller translating AN/NO/EX/TY/GR/RX/LE/GE/EQ into this shape).
type Query struct {
	Pattern    []string // AND-matched, case-insensitive tokens
	Exclude    []string
	Extensions []string
	TTH        *identity.TTHValue
	FileType   FileType
	MinSize    int64
	MaxSize    int64
	MaxResults int
}

// Result is one matched file or directory.
type Result struct {
	VirtualPath string
	IsDirectory bool
	Size        int64
	TTH         identity.TTHValue
	Hashed      bool
}

// Search executes q against the index. An empty Pattern (outside a TTH
// lookup) is a caller bug, not searched. TTH queries short circuit to at
// most one result.
func (idx *Index) Search(q Query) []Result {
	if q.TTH != nil {
		if f, ok := idx.FileByTTH(*q.TTH); ok {
			return []Result{{VirtualPath: virtualPathOf(f), Size: f.Size, TTH: f.TTH, Hashed: true}}
		}
		return nil
	}

	if len(q.Pattern) == 0 {
		return nil
	}

	bloom := idx.Bloom()
	for _, tok := range q.Pattern {
		if !bloom.Has(tok) {
			return nil
		}
	}

	idx.mut.RLock()
	roots := make([]*Directory, 0, len(idx.forest))
	for _, d := range idx.forest {
		roots = append(roots, d)
	}
	idx.mut.RUnlock()

	var results []Result
	limit := q.MaxResults
	if limit <= 0 {
		limit = 10
	}

	for _, root := range roots {
		searchDir(root, q, &results, limit)
		if len(results) >= limit {
			break
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func virtualPathOf(f *File) string { return f.Name }

func searchDir(d *Directory, q Query, results *[]Result, limit int) {
	if len(*results) >= limit {
		return
	}

	for _, ex := range q.Exclude {
		if containsToken(d.Name, ex) {
			return
		}
	}

	remaining := make([]string, 0, len(q.Pattern))
	matchedHere := matchTokens(d.Name, q.Pattern, &remaining)
	_ = matchedHere

	if q.FileType == FileTypeDirectory || q.FileType == FileTypeAny {
		if len(remaining) == 0 {
			*results = append(*results, Result{VirtualPath: d.Path(), IsDirectory: true})
		}
	}

	for _, f := range d.SortedFiles() {
		if len(*results) >= limit {
			return
		}
		if !matchFile(f, remaining, q) {
			continue
		}
		*results = append(*results, Result{
			VirtualPath: d.Path() + f.Name,
			Size:        f.Size,
			TTH:         f.TTH,
			Hashed:      f.Hashed,
		})
	}

	for _, c := range d.SortedDirs() {
		childQ := q
		childQ.Pattern = remaining
		searchDir(c, childQ, results, limit)
	}
}

// matchTokens returns true if every token in pattern is contained in name;
// tokens that DID match are consumed (not passed to remaining) per the
// spec's "tokens matched on the directory consume themselves for
// descendants" rule.
func matchTokens(name string, pattern []string, remaining *[]string) bool {
	lower := strings.ToLower(name)
	allMatched := true
	for _, tok := range pattern {
		if strings.Contains(lower, strings.ToLower(tok)) {
			continue
		}
		*remaining = append(*remaining, tok)
		allMatched = false
	}
	return allMatched
}

func containsToken(name, token string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(token))
}

func matchFile(f *File, pattern []string, q Query) bool {
	lower := strings.ToLower(f.Name)
	for _, tok := range pattern {
		if !strings.Contains(lower, strings.ToLower(tok)) {
			return false
		}
	}

	if q.MinSize > 0 && f.Size < q.MinSize {
		return false
	}
	if q.MaxSize > 0 && f.Size > q.MaxSize {
		return false
	}

	if len(q.Extensions) > 0 {
		matched := false
		for _, ext := range q.Extensions {
			if strings.HasSuffix(lower, strings.ToLower(ext)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return fileTypeMatches(f.Name, q.FileType)
}

var fileTypeExtensions = map[FileType][]string{
	FileTypeAudio:      {".mp3", ".flac", ".wav", ".ogg", ".m4a"},
	FileTypeCompressed: {".zip", ".rar", ".7z", ".tar", ".gz", ".bz2"},
	FileTypeDocument:   {".txt", ".pdf", ".doc", ".docx", ".nfo"},
	FileTypeExecutable: {".exe", ".bat", ".sh", ".bin"},
	FileTypePicture:    {".jpg", ".jpeg", ".png", ".gif", ".bmp"},
	FileTypeVideo:      {".avi", ".mkv", ".mp4", ".mov", ".wmv"},
}

func fileTypeMatches(name string, ft FileType) bool {
	if ft == FileTypeAny || ft == FileTypeDirectory || ft == FileTypeTTH {
		return true
	}
	exts, ok := fileTypeExtensions[ft]
	if !ok {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ParseLegacySearchType maps the NMDC $Search single-digit file type.
func ParseLegacySearchType(s string) FileType {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 8 {
		return FileTypeAny
	}
	return FileType(n)
}
