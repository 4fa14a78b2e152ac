package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) (*FSStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	s, err := New(fsys, "/state/chunks")
	require.NoError(t, err)
	return s, fsys
}

func readChunk(t *testing.T, s Store, id string, i int) []byte {
	t.Helper()
	rc, size, err := s.OpenChunk(id, i)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), size)
	return b
}

func TestValidUploadID(t *testing.T) {
	for _, id := range []string{"abc", "A-1-b", "0123456789abcdef"} {
		assert.True(t, ValidUploadID(id), id)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`, "a_b", "a.b", "ü", string(bytes.Repeat([]byte("a"), 129))} {
		assert.False(t, ValidUploadID(id), id)
	}
}

func TestChunkPath(t *testing.T) {
	s, _ := newMemStore(t)

	p, err := s.ChunkPath("up-1", 3)
	require.NoError(t, err)
	assert.Equal(t, "/up-1/3.part", p)

	_, err = s.ChunkPath("../escape", 0)
	assert.ErrorIs(t, err, ErrInvalidUploadID)
	_, err = s.ChunkPath("up-1", -1)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestWriteChunkIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t)

	n, err := s.WriteChunk(ctx, "up", 0, bytes.NewReader([]byte("hello")), "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = s.WriteChunk(ctx, "up", 0, bytes.NewReader([]byte("hello")), "")
	require.NoError(t, err)

	idx, err := s.PresentIndices("up")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, idx)
	assert.Equal(t, []byte("hello"), readChunk(t, s, "up", 0))
}

func TestPresentIndices(t *testing.T) {
	ctx := context.Background()
	s, fsys := newMemStore(t)

	idx, err := s.PresentIndices("nothing")
	require.NoError(t, err)
	assert.Empty(t, idx)

	for _, i := range []int{4, 0, 2, 10} {
		_, err := s.WriteChunk(ctx, "up", i, bytes.NewReader([]byte{byte(i)}), "")
		require.NoError(t, err)
	}
	// Stray files are ignored.
	require.NoError(t, afero.WriteFile(fsys, "/state/chunks/up/notes.txt", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/state/chunks/up/7.part.abc.tmp", []byte("x"), 0o644))

	idx, err = s.PresentIndices("up")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4, 10}, idx)
}

func TestWriteChunkChecksum(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t)
	data := []byte("chunk-data")
	sum := fmt.Sprintf("%016x", xxhash.Sum64(data))

	_, err := s.WriteChunk(ctx, "up", 1, bytes.NewReader(data), sum)
	require.NoError(t, err)

	_, err = s.WriteChunk(ctx, "up", 2, bytes.NewReader(data), "0000000000000000")
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	idx, err := s.PresentIndices("up")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, idx)
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := min(len(p), f.after)
	f.after -= n
	return n, nil
}

func TestWriteChunkFailureLeavesNoPart(t *testing.T) {
	s, _ := newMemStore(t)

	_, err := s.WriteChunk(context.Background(), "up", 0, &failingReader{after: 10}, "")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.WriteChunk(ctx, "up", 1, bytes.NewReader([]byte("x")), "")
	assert.ErrorIs(t, err, context.Canceled)

	idx, err := s.PresentIndices("up")
	require.NoError(t, err)
	assert.Empty(t, idx)
}

// peekingReader lists the session dir on its first read, while the chunk is
// still being written.
type peekingReader struct {
	fsys  afero.Fs
	dir   string
	seen  []string
	data  []byte
	taken bool
}

func (p *peekingReader) Read(b []byte) (int, error) {
	if !p.taken {
		p.taken = true
		ents, err := afero.ReadDir(p.fsys, p.dir)
		if err != nil {
			return 0, err
		}
		for _, e := range ents {
			p.seen = append(p.seen, e.Name())
		}
	}
	if len(p.data) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.data)
	p.data = p.data[n:]
	return n, nil
}

func TestWriteChunkTempName(t *testing.T) {
	s, fsys := newMemStore(t)
	r := &peekingReader{fsys: fsys, dir: "/state/chunks/up", data: []byte("payload")}

	_, err := s.WriteChunk(context.Background(), "up", 3, r, "")
	require.NoError(t, err)

	require.Len(t, r.seen, 1)
	name := r.seen[0]
	require.True(t, strings.HasPrefix(name, "3.part.") && strings.HasSuffix(name, ".tmp"), name)
	_, err = uuid.Parse(strings.TrimSuffix(strings.TrimPrefix(name, "3.part."), ".tmp"))
	assert.NoError(t, err, name)

	ents, err := afero.ReadDir(fsys, "/state/chunks/up")
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "3.part", ents[0].Name())
}

func TestOpenChunkMissing(t *testing.T) {
	s, _ := newMemStore(t)
	_, _, err := s.OpenChunk("up", 0)
	assert.True(t, errors.Is(err, ErrChunkNotFound))
}

func TestRemoveSessionAndSessions(t *testing.T) {
	ctx := context.Background()
	s, fsys := newMemStore(t)
	for _, id := range []string{"a", "b"} {
		_, err := s.WriteChunk(ctx, id, 0, bytes.NewReader([]byte("x")), "")
		require.NoError(t, err)
	}
	require.NoError(t, fsys.MkdirAll("/state/chunks/not_an_id", 0o755))

	ids, err := s.Sessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, s.RemoveSession("a"))
	require.NoError(t, s.RemoveSession("a"))
	assert.ErrorIs(t, s.RemoveSession("../x"), ErrInvalidUploadID)

	ids, err = s.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestLastModified(t *testing.T) {
	ctx := context.Background()
	s, fsys := newMemStore(t)

	_, ok, err := s.LastModified("none")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.WriteChunk(ctx, "up", 0, bytes.NewReader([]byte("x")), "")
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	newer := time.Now().Add(-1 * time.Hour)
	require.NoError(t, fsys.Chtimes("/state/chunks/up", old, old))
	require.NoError(t, fsys.Chtimes("/state/chunks/up/0.part", newer, newer))

	got, ok, err := s.LastModified("up")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, newer, got, time.Second)
}

func TestOSStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chunks")
	s, err := NewOS(dir)
	require.NoError(t, err)

	_, err = s.WriteChunk(context.Background(), "disk", 0, bytes.NewReader([]byte("abc")), "")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "disk", "0.part"))
	assert.Equal(t, []byte("abc"), readChunk(t, s, "disk", 0))

	require.NoError(t, s.RemoveSession("disk"))
	assert.NoDirExists(t, filepath.Join(dir, "disk"))
}
