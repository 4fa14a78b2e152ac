package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var (
	ErrInvalidUploadID  = errors.New("invalid upload id")
	ErrInvalidIndex     = errors.New("invalid chunk index")
	ErrChunkNotFound    = errors.New("chunk not found")
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
)

// Store is the staging area for in-flight chunked uploads. Each upload owns one
// directory named by its upload id; each chunk is one file in it.
type Store interface {
	// ChunkPath is the store-relative location of a chunk.
	ChunkPath(uploadID string, index int) (string, error)
	// WriteChunk writes (or overwrites) a chunk from r. When checksum is not empty it
	// must equal the xxhash64 hex digest of the bytes, otherwise nothing is stored.
	WriteChunk(ctx context.Context, uploadID string, index int, r io.Reader, checksum string) (int64, error)
	// OpenChunk opens a stored chunk for reading and returns its size.
	OpenChunk(uploadID string, index int) (io.ReadCloser, int64, error)
	// PresentIndices lists stored chunk indices in ascending order.
	PresentIndices(uploadID string) ([]int, error)
	// RemoveSession deletes the upload directory and everything in it.
	RemoveSession(uploadID string) error
	// LastModified is the newest mtime of the upload directory and its members.
	LastModified(uploadID string) (time.Time, bool, error)
	// Sessions lists the upload ids that currently have a directory.
	Sessions() ([]string, error)
}

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,128}$`)

// ValidUploadID reports whether id may be used as a directory name.
func ValidUploadID(id string) bool {
	return uploadIDPattern.MatchString(id)
}

const (
	partSuffix = ".part"
	copyBuffer = 64 << 10
)

// FSStore implements Store on an afero filesystem rooted at the chunk directory.
type FSStore struct {
	fs afero.Fs
}

var _ Store = (*FSStore)(nil)

// New returns a store whose upload directories live directly under dir on fsys.
func New(fsys afero.Fs, dir string) (*FSStore, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{fs: afero.NewBasePathFs(fsys, dir)}, nil
}

// NewOS is New on the OS filesystem.
func NewOS(dir string) (*FSStore, error) {
	return New(afero.NewOsFs(), dir)
}

func sessionDir(uploadID string) (string, error) {
	if !ValidUploadID(uploadID) {
		return "", ErrInvalidUploadID
	}
	return "/" + uploadID, nil
}

func (s *FSStore) ChunkPath(uploadID string, index int) (string, error) {
	dir, err := sessionDir(uploadID)
	if err != nil {
		return "", err
	}
	if index < 0 {
		return "", ErrInvalidIndex
	}
	return path.Join(dir, strconv.Itoa(index)+partSuffix), nil
}

func (s *FSStore) WriteChunk(ctx context.Context, uploadID string, index int, r io.Reader, checksum string) (int64, error) {
	final, err := s.ChunkPath(uploadID, index)
	if err != nil {
		return 0, err
	}
	if err := s.fs.MkdirAll(path.Dir(final), 0o755); err != nil {
		return 0, err
	}
	tmp := fmt.Sprintf("%s.%s.tmp", final, uuid.NewString())
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = s.fs.Remove(tmp)
		}
	}()

	h := xxhash.New()
	n, err := io.CopyBuffer(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: r}, make([]byte, copyBuffer))
	if err != nil {
		_ = f.Close()
		return n, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return n, err
	}
	if err := f.Close(); err != nil {
		return n, err
	}
	if checksum != "" && !strings.EqualFold(checksum, fmt.Sprintf("%016x", h.Sum64())) {
		return n, ErrChecksumMismatch
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return n, err
	}
	ok = true
	return n, nil
}

func (s *FSStore) OpenChunk(uploadID string, index int) (io.ReadCloser, int64, error) {
	p, err := s.ChunkPath(uploadID, index)
	if err != nil {
		return nil, 0, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrChunkNotFound
		}
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func (s *FSStore) PresentIndices(uploadID string) ([]int, error) {
	dir, err := sessionDir(uploadID)
	if err != nil {
		return nil, err
	}
	ents, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]int, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(e.Name(), partSuffix))
		if err != nil || i < 0 {
			continue
		}
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func (s *FSStore) RemoveSession(uploadID string) error {
	dir, err := sessionDir(uploadID)
	if err != nil {
		return err
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session %s: %w", uploadID, err)
	}
	return nil
}

func (s *FSStore) LastModified(uploadID string) (time.Time, bool, error) {
	dir, err := sessionDir(uploadID)
	if err != nil {
		return time.Time{}, false, err
	}
	st, err := s.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	latest := st.ModTime()
	ents, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return latest, true, nil
	}
	for _, e := range ents {
		if e.ModTime().After(latest) {
			latest = e.ModTime()
		}
	}
	return latest, true, nil
}

func (s *FSStore) Sessions() ([]string, error) {
	ents, err := afero.ReadDir(s.fs, "/")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() && ValidUploadID(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// ctxReader stops a copy as soon as ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
