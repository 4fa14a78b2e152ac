package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"filedock/internal/chunkstore"
	"filedock/internal/fsutil"
	"filedock/internal/logging"
)

const (
	mergeBuffer = 64 << 10
	sniffBytes  = 3072
)

// MergeResult describes a successfully rendered destination file.
type MergeResult struct {
	Size   int64
	SHA256 string
	MIME   string
}

// Merger concatenates a complete chunk session into its destination file.
type Merger struct {
	store    chunkstore.Store
	resolver *fsutil.Resolver
	perms    fsutil.Permissions
	limits   Limits
	storage  fsutil.StorageInfoFunc
	log      *logging.Logger
}

// NewMerger wires a merger; storage may be nil to skip the free-space check.
func NewMerger(store chunkstore.Store, resolver *fsutil.Resolver, perms fsutil.Permissions, limits Limits, storage fsutil.StorageInfoFunc, log *logging.Logger) *Merger {
	if log == nil {
		log = logging.Nop()
	}
	return &Merger{store: store, resolver: resolver, perms: perms, limits: limits, storage: storage, log: log}
}

// Merge renders chunks 0..total-1 of uploadID into dest. expectedSize < 0 means
// unknown. On any failure the chunk parts are left in place so a retry of the
// final chunk can merge again; a partially written destination is removed.
func (m *Merger) Merge(ctx context.Context, uploadID string, total int, expectedSize int64, dest fsutil.PathHandle) (MergeResult, error) {
	log := logging.FromContext(ctx, m.log).With("upload_id", uploadID)

	present, err := m.store.PresentIndices(uploadID)
	if err != nil {
		return MergeResult{}, newError(KindTransient, "could not read upload state", err)
	}
	if next := NextMissing(present); next < total {
		return MergeResult{}, newError(KindConsistency,
			fmt.Sprintf("upload incomplete: chunk %d of %d is missing, resume the upload", next, total), ErrMissingChunks)
	}
	if len(present) != total {
		return MergeResult{}, newError(KindConsistency, "upload state is corrupted, start the upload over", ErrUnexpectedChunks)
	}

	var sum int64
	for i := 0; i < total; i++ {
		rc, size, err := m.store.OpenChunk(uploadID, i)
		if err != nil {
			return MergeResult{}, newError(KindTransient, "could not read upload state", err)
		}
		_ = rc.Close()
		sum += size
	}
	if expectedSize >= 0 && sum != expectedSize {
		return MergeResult{}, newError(KindConsistency, "uploaded size does not match the declared size, start the upload over",
			fmt.Errorf("%w: chunks=%d declared=%d", ErrSizeMismatch, sum, expectedSize))
	}
	if err := m.limits.checkFileSize(sum); err != nil {
		return MergeResult{}, err
	}
	if err := m.limits.checkFree(m.storage, m.resolver.Root(), sum); err != nil {
		return MergeResult{}, err
	}

	if err := prepareParent(m.resolver, m.perms, dest); err != nil {
		return MergeResult{}, err
	}
	out, err := os.OpenFile(dest.Abs(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode(m.perms))
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return MergeResult{}, newError(KindConflict, "a file with this name already exists", ErrDestinationExists)
		}
		return MergeResult{}, newError(KindTransient, "could not create destination file", err)
	}

	res, err := m.render(uploadID, total, out)
	if err == nil && res.Size != sum {
		err = newError(KindConsistency, "merged file is incomplete, start the upload over",
			fmt.Errorf("%w: wrote=%d chunks=%d", ErrSizeMismatch, res.Size, sum))
	}
	if err != nil {
		if rmErr := os.Remove(dest.Abs()); rmErr != nil {
			log.Error("remove partial destination", "path", dest.Abs(), "error", rmErr)
		}
		return MergeResult{}, err
	}

	if err := m.perms.Apply(dest.Abs(), false); err != nil {
		log.Warn("apply permissions", "path", dest.Abs(), "error", err)
	}
	// Parts go only after the destination is complete on disk.
	if err := m.store.RemoveSession(uploadID); err != nil {
		log.Warn("remove merged chunk session, leaving it to the sweeper", "error", err)
	}
	log.Info("upload merged", "path", dest.Rel(), "chunks", total, "size", humanize.IBytes(uint64(res.Size)))
	return res, nil
}

// render streams every chunk into out with a fixed buffer and closes out.
func (m *Merger) render(uploadID string, total int, out *os.File) (MergeResult, error) {
	h := sha256.New()
	head := &headWriter{max: sniffBytes}
	w := io.MultiWriter(out, h, head)
	buf := make([]byte, mergeBuffer)

	var written int64
	for i := 0; i < total; i++ {
		rc, _, err := m.store.OpenChunk(uploadID, i)
		if err != nil {
			_ = out.Close()
			return MergeResult{}, newError(KindTransient, "could not read upload state", err)
		}
		n, err := io.CopyBuffer(w, rc, buf)
		_ = rc.Close()
		written += n
		if err != nil {
			_ = out.Close()
			return MergeResult{}, newError(KindTransient, "could not write destination file", fmt.Errorf("chunk %d: %w", i, err))
		}
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return MergeResult{}, newError(KindTransient, "could not write destination file", err)
	}
	if err := out.Close(); err != nil {
		return MergeResult{}, newError(KindTransient, "could not write destination file", err)
	}
	st, err := os.Stat(out.Name())
	if err != nil {
		return MergeResult{}, newError(KindTransient, "could not verify destination file", err)
	}
	if st.Size() != written {
		return MergeResult{}, newError(KindConsistency, "merged file is incomplete, start the upload over",
			fmt.Errorf("%w: on disk=%d written=%d", ErrSizeMismatch, st.Size(), written))
	}
	return MergeResult{
		Size:   st.Size(),
		SHA256: hex.EncodeToString(h.Sum(nil)),
		MIME:   mimetype.Detect(head.buf).String(),
	}, nil
}

// describeFile digests a file that is already in place.
func describeFile(path string) (MergeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return MergeResult{}, err
	}
	defer f.Close()
	h := sha256.New()
	head := &headWriter{max: sniffBytes}
	n, err := io.CopyBuffer(io.MultiWriter(h, head), f, make([]byte, mergeBuffer))
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		MIME:   mimetype.Detect(head.buf).String(),
	}, nil
}

// prepareParent creates the directories above dest and confirms dest still
// resolves to the same place once they exist.
func prepareParent(r *fsutil.Resolver, perms fsutil.Permissions, dest fsutil.PathHandle) error {
	if err := perms.MkdirAll(r.Root(), filepath.Dir(dest.Abs())); err != nil {
		return newError(KindTransient, "could not create destination directory", err)
	}
	again, err := r.ResolveCreate(dest.Rel())
	if err != nil || again.Abs() != dest.Abs() {
		return newError(KindValidation, "invalid destination path", err)
	}
	return nil
}

func fileMode(p fsutil.Permissions) os.FileMode {
	if p.FileMode == 0 {
		return 0o644
	}
	return p.FileMode
}

// headWriter keeps the first max bytes written to it for content sniffing.
type headWriter struct {
	buf []byte
	max int
}

func (h *headWriter) Write(p []byte) (int, error) {
	if room := h.max - len(h.buf); room > 0 {
		h.buf = append(h.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}

// NextMissing returns the smallest index not in sorted.
func NextMissing(sorted []int) int {
	next := 0
	for _, i := range sorted {
		if i == next {
			next++
		} else if i > next {
			break
		}
	}
	return next
}
