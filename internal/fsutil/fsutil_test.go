package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSegment(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "report.pdf",
		"my file (1) [v2]+.x": "my file (1) [v2]+.x",
		"a/b":                 "a_b",
		`a\b`:                 "a_b",
		"bad*name?.txt":       "bad_name_.txt",
		"  padded  ":          "padded",
		"résumé.doc":          "résumé.doc",
		"nul\x00byte":         "nul_byte",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeSegment(in), "input %q", in)
	}
}

func TestSanitizeSegmentRejects(t *testing.T) {
	for _, in := range []string{"", ".", "..", "   ", " .. "} {
		assert.Equal(t, "", SanitizeSegment(in), "input %q", in)
	}
	// Separators are replaced, so the result is a harmless literal name.
	got := SanitizeSegment("../../x")
	assert.Equal(t, ".._.._x", got)
	assert.NotContains(t, got, "/")
	assert.NotContains(t, got, `\`)
}

func TestSanitizeSegmentTruncates(t *testing.T) {
	got := SanitizeSegment(strings.Repeat("é", 200))
	assert.LessOrEqual(t, len(got), 255)
	assert.True(t, strings.HasPrefix(got, "é"))
}

func TestCleanRelPath(t *testing.T) {
	cases := map[string]string{
		"":             "",
		".":            "",
		"/":            "",
		"/a/b":         "a/b",
		"a//b/":        "a/b",
		`a\b`:          "a/b",
		"a/../../b":    "a/b",
		"../../etc":    "etc",
		"./x/./y":      "x/y",
		"dir/in*valid": "dir/in_valid",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanRelPath(in), "input %q", in)
	}
}

func newTestResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	r, err := NewResolver(root)
	require.NoError(t, err)
	return r, r.Root()
}

func TestResolveExisting(t *testing.T) {
	r, root := newTestResolver(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "sub"), 0o755))

	h, err := r.Resolve("docs/sub")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "docs", "sub"), h.Abs())
	assert.Equal(t, "docs/sub", h.Rel())

	h, err = r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, root, h.Abs())
	assert.Equal(t, "", h.Rel())

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveTraversal(t *testing.T) {
	r, root := newTestResolver(t)
	for _, in := range []string{"../../etc/passwd", "a/../../b", "/etc/passwd"} {
		h, err := r.Resolve(in)
		if err == nil {
			t.Fatalf("resolve %q: expected error, got %q", in, h.Abs())
		}

		// Even the create variant stays inside root.
		h, err = r.ResolveCreate(in)
		if err == nil {
			assert.True(t, within(root, h.Abs()), "create %q escaped: %s", in, h.Abs())
		}
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	r, root := newTestResolver(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := r.Resolve("link/secret")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = r.ResolveCreate("link/newfile")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestResolveCreate(t *testing.T) {
	r, root := newTestResolver(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "in"), 0o755))

	h, err := r.ResolveCreate("in/new/deeper/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "in", "new", "deeper", "file.txt"), h.Abs())
	assert.Equal(t, "in/new/deeper/file.txt", h.Rel())

	// A regular file can not act as a parent directory.
	require.NoError(t, os.WriteFile(filepath.Join(root, "plain"), nil, 0o644))
	_, err = r.ResolveCreate("plain/child")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveExcluded(t *testing.T) {
	root := t.TempDir()
	state := filepath.Join(root, ".filedock")
	require.NoError(t, os.MkdirAll(filepath.Join(state, "chunks"), 0o755))
	r, err := NewResolver(root, state)
	require.NoError(t, err)

	_, err = r.Resolve(".filedock/chunks")
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, err = r.ResolveCreate(".filedock/evil.txt")
	assert.ErrorIs(t, err, ErrOutsideRoot)
	assert.True(t, r.IsExcluded(filepath.Join(r.Root(), ".filedock")))
}

func TestChild(t *testing.T) {
	r, _ := newTestResolver(t)
	dir, err := r.Resolve("")
	require.NoError(t, err)

	h, err := r.Child(dir, "a", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", h.Rel())
}

func TestWithinCaseInsensitive(t *testing.T) {
	sep := string(filepath.Separator)
	root := sep + "Data" + sep + "Share"
	assert.True(t, within(root, root))
	assert.True(t, within(root, sep+"data"+sep+"share"+sep+"x"))
	assert.False(t, within(root, sep+"Data"+sep+"ShareOther"))
	assert.False(t, within(root, sep+"Data"))
}

func TestPermissionsMkdirAll(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits are not meaningful on windows")
	}
	root := t.TempDir()
	p := Permissions{FileMode: 0o600, DirMode: 0o750, UID: -1, GID: -1}
	target := filepath.Join(root, "a", "b")
	require.NoError(t, p.MkdirAll(root, target))

	st, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), st.Mode().Perm())

	f := filepath.Join(target, "f")
	require.NoError(t, os.WriteFile(f, nil, 0o666))
	require.NoError(t, p.Apply(f, false))
	st, err = os.Stat(f)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestStorageInfo(t *testing.T) {
	info, err := GetStorageInfo(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, info.TotalBytes, uint64(0))
	assert.Equal(t, info.TotalBytes-info.FreeBytes, info.UsedBytes)

	derived := newStorageInfo(200, 50)
	assert.Equal(t, uint64(150), derived.UsedBytes)
	assert.Equal(t, 75.0, derived.UsedPercent)
	assert.Equal(t, uint64(10), newStorageInfo(10, 99).TotalBytes)
}
