package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrNotFound means the path (or the parent of a path to be created) does not resolve.
	ErrNotFound = errors.New("path not found")
	// ErrOutsideRoot means the path resolves but escapes the storage root.
	ErrOutsideRoot = errors.New("path outside root")
)

const maxSegmentBytes = 255

// SanitizeSegment reduces a single file name or path segment to a safe character set.
// Separators are replaced, never deleted, so an embedded "../" can not turn into a
// traversal after filtering. An empty result means the segment is invalid.
func SanitizeSegment(raw string) string {
	raw = strings.ReplaceAll(raw, "/", "_")
	raw = strings.ReplaceAll(raw, "\\", "_")

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r == utf8.RuneError:
			b.WriteByte('_')
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case strings.ContainsRune("._ -()[]+", r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.TrimSpace(b.String())
	if len(s) > maxSegmentBytes {
		s = truncateUTF8(s, maxSegmentBytes)
	}
	if s == "" || s == "." || s == ".." {
		return ""
	}
	return s
}

func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimSpace(s[:n])
}

// SplitRelPath splits a user path on both separator styles and sanitizes each
// segment. Segments that sanitize to empty ("", ".", "..") are dropped.
func SplitRelPath(p string) []string {
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := SanitizeSegment(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	return strings.Join(SplitRelPath(p), "/")
}

// PathHandle is a root-confined location. Only a Resolver creates one.
type PathHandle struct {
	abs string
	rel string
}

// Abs is the canonical absolute filesystem path.
func (h PathHandle) Abs() string { return h.abs }

// Rel is the slash-separated path relative to the storage root ("" for the root).
func (h PathHandle) Rel() string { return h.rel }

// IsZero reports whether h was never resolved.
func (h PathHandle) IsZero() bool { return h.abs == "" }

// Resolver confines paths to a storage root.
type Resolver struct {
	root     string
	excluded []string
}

// NewResolver canonicalizes root. Paths under any of the excluded directories
// (typically the state dir when it lives inside root) never resolve.
func NewResolver(root string, excluded ...string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	r := &Resolver{root: filepath.Clean(canon)}
	for _, ex := range excluded {
		if ex == "" {
			continue
		}
		exAbs, err := filepath.Abs(ex)
		if err != nil {
			return nil, err
		}
		if c, err := filepath.EvalSymlinks(exAbs); err == nil {
			exAbs = c
		}
		r.excluded = append(r.excluded, filepath.Clean(exAbs))
	}
	return r, nil
}

// Root returns the canonical storage root.
func (r *Resolver) Root() string { return r.root }

// Resolve returns a handle for an existing path.
func (r *Resolver) Resolve(rel string) (PathHandle, error) {
	segs := SplitRelPath(rel)
	canon, err := filepath.EvalSymlinks(filepath.Join(append([]string{r.root}, segs...)...))
	if err != nil {
		return PathHandle{}, ErrNotFound
	}
	return r.handle(canon)
}

// ResolveCreate returns a handle for a path that may not exist yet. The deepest
// existing ancestor is canonicalized and the remaining (sanitized) segments are
// re-appended.
func (r *Resolver) ResolveCreate(rel string) (PathHandle, error) {
	segs := SplitRelPath(rel)
	for i := len(segs); i >= 0; i-- {
		candidate := filepath.Join(append([]string{r.root}, segs[:i]...)...)
		canon, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return PathHandle{}, ErrNotFound
		}
		if i < len(segs) {
			st, err := os.Stat(canon)
			if err != nil || !st.IsDir() {
				return PathHandle{}, ErrNotFound
			}
		}
		return r.handle(filepath.Join(append([]string{canon}, segs[i:]...)...))
	}
	return PathHandle{}, ErrNotFound
}

// Child resolves name (and optional sub directories) below an existing directory handle.
func (r *Resolver) Child(dir PathHandle, parts ...string) (PathHandle, error) {
	rel := dir.rel
	for _, p := range parts {
		if rel == "" {
			rel = p
		} else {
			rel += "/" + p
		}
	}
	return r.ResolveCreate(rel)
}

func (r *Resolver) handle(abs string) (PathHandle, error) {
	abs = filepath.Clean(abs)
	if !within(r.root, abs) {
		return PathHandle{}, ErrOutsideRoot
	}
	for _, ex := range r.excluded {
		if within(ex, abs) {
			return PathHandle{}, ErrOutsideRoot
		}
	}
	rel := ""
	if len(abs) > len(r.root) {
		rel = filepath.ToSlash(strings.TrimLeft(abs[len(r.root):], string(filepath.Separator)))
	}
	return PathHandle{abs: abs, rel: rel}, nil
}

// within reports whether p equals root or lies below it, compared case-insensitively.
func within(root, p string) bool {
	if strings.EqualFold(p, root) {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return len(p) > len(prefix) && strings.EqualFold(p[:len(prefix)], prefix)
}

// IsExcluded reports whether abs lies inside one of the resolver's excluded directories.
func (r *Resolver) IsExcluded(abs string) bool {
	for _, ex := range r.excluded {
		if within(ex, filepath.Clean(abs)) {
			return true
		}
	}
	return false
}
