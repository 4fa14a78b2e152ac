package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"filedock/internal/fsutil"
	"filedock/internal/logging"
	"filedock/internal/policy"
)

// SmallUploader stores whole files that arrive in a single request, without
// staging them in the chunk store.
type SmallUploader struct {
	resolver *fsutil.Resolver
	gate     policy.Gate
	perms    fsutil.Permissions
	limits   Limits
	storage  fsutil.StorageInfoFunc
	log      *logging.Logger
}

func NewSmallUploader(o Options) *SmallUploader {
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return &SmallUploader{
		resolver: o.Resolver,
		gate:     o.Gate,
		perms:    o.Perms,
		limits:   o.Limits,
		storage:  o.Storage,
		log:      o.Logger,
	}
}

// Batch is the state of one small-upload request. It is not safe for
// concurrent use; files of a request are saved one after another.
type Batch struct {
	u       *SmallUploader
	dir     string
	spent   int64
	results []Result
}

// Begin checks the gate and the target directory before any file byte is read.
// sizeHint is the request size when known, -1 otherwise.
func (u *SmallUploader) Begin(ctx context.Context, dirRel string, sizeHint int64) (*Batch, error) {
	if ok, reason := u.gate.Allowed(policy.OpUpload); !ok {
		return nil, newError(KindForbidden, reason, nil)
	}
	dir, err := resolveDir(u.resolver, dirRel)
	if err != nil {
		return nil, err
	}
	if u.limits.MaxRequestBytes > 0 && sizeHint > 0 && sizeHint > u.limits.MaxRequestBytes+multipartSlack {
		return nil, u.requestCapError()
	}
	if err := u.limits.checkFree(u.storage, u.resolver.Root(), sizeHint); err != nil {
		return nil, err
	}
	logging.FromContext(ctx, u.log).Debug("small upload started", "dir", dir.Rel())
	return &Batch{u: u, dir: dir.Rel()}, nil
}

const (
	tempPrefix = ".filedock-"
	tempSuffix = ".tmp"
)

// IsTempName reports whether name is an in-flight small upload.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}

// ReapTempFiles removes small-upload temp files older than maxAge anywhere
// under the resolver's root. Only a process that died mid-upload leaves them
// behind. Excluded directories are not entered.
func ReapTempFiles(ctx context.Context, r *fsutil.Resolver, maxAge time.Duration, log *logging.Logger) (int, error) {
	if log == nil {
		log = logging.Nop()
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	err := filepath.WalkDir(r.Root(), func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			log.Warn("reap temp files", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if r.IsExcluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !IsTempName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			return nil
		}
		removed++
		log.Info("removed stale temp file", "path", path)
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

// multipartSlack tolerates boundaries and part headers when comparing a
// request's Content-Length against the byte cap.
const multipartSlack = 64 << 10

// Results returns the per-file outcomes so far, in arrival order.
func (b *Batch) Results() []Result { return b.results }

// Succeeded reports whether every file so far was stored.
func (b *Batch) Succeeded() bool {
	for _, r := range b.results {
		if !r.Success {
			return false
		}
	}
	return len(b.results) > 0
}

// Add stores one file read from body. A per-file failure is recorded in the
// result and returned as nil error so the caller moves on to the next file; a
// non-nil error means the client went away and the request must stop.
func (b *Batch) Add(ctx context.Context, original, relativePath string, body io.Reader) (Result, error) {
	res, err := b.u.save(ctx, b, original, relativePath, body)
	b.results = append(b.results, res)
	if err != nil && KindOf(err) == KindAborted {
		return res, err
	}
	return res, nil
}

func (u *SmallUploader) save(ctx context.Context, b *Batch, original, relativePath string, body io.Reader) (Result, error) {
	log := logging.FromContext(ctx, u.log)
	name := fsutil.SanitizeSegment(original)
	if name == "" {
		return failed(original, name, newError(KindValidation, "invalid file name", nil)), nil
	}

	limit, capErr := u.limits.MaxFileBytes, error(nil)
	if limit > 0 {
		capErr = u.limits.checkFileSize(limit + 1)
	}
	if u.limits.MaxRequestBytes > 0 {
		left := u.limits.MaxRequestBytes - b.spent
		if left <= 0 {
			return failed(original, name, u.requestCapError()), nil
		}
		if limit <= 0 || left < limit {
			limit, capErr = left, u.requestCapError()
		}
	}

	dest, err := resolveDestination(u.resolver, b.dir, relativePath, name)
	if err != nil {
		return failed(original, name, err), nil
	}
	if _, err := os.Lstat(dest.Abs()); err == nil {
		return failed(original, name, newError(KindConflict, "a file with this name already exists", ErrDestinationExists)), nil
	}
	if err := prepareParent(u.resolver, u.perms, dest); err != nil {
		return failed(original, name, err), nil
	}

	tmp := filepath.Join(filepath.Dir(dest.Abs()), tempPrefix+uuid.NewString()+tempSuffix)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode(u.perms))
	if err != nil {
		log.Error("create temp file", "path", tmp, "error", err)
		return failed(original, name, newError(KindTransient, "could not store file", err)), nil
	}
	discard := func() {
		_ = f.Close()
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove temp file", "path", tmp, "error", err)
		}
	}

	tr := &trackingReader{r: body}
	var src io.Reader = tr
	if limit > 0 {
		src = io.LimitReader(tr, limit+1)
	}
	h := sha256.New()
	head := &headWriter{max: sniffBytes}
	n, err := io.Copy(io.MultiWriter(f, h, head), src)
	b.spent += n
	switch {
	case err != nil && (tr.err != nil || ctx.Err() != nil):
		discard()
		log.Warn("client disconnected, temp file discarded", "file", name, "cause", err)
		aborted := newError(KindAborted, "upload aborted", fmt.Errorf("%w: %v", ErrDisconnected, err))
		return failed(original, name, aborted), aborted
	case err != nil:
		discard()
		log.Error("write temp file", "path", tmp, "error", err)
		return failed(original, name, newError(KindTransient, "could not store file", err)), nil
	case limit > 0 && n > limit:
		discard()
		return failed(original, name, capErr), nil
	}
	if err := f.Sync(); err != nil {
		discard()
		return failed(original, name, newError(KindTransient, "could not store file", err)), nil
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return failed(original, name, newError(KindTransient, "could not store file", err)), nil
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		log.Warn("client disconnected, temp file discarded", "file", name)
		aborted := newError(KindAborted, "upload aborted", fmt.Errorf("%w: %v", ErrDisconnected, err))
		return failed(original, name, aborted), aborted
	}

	if err := publish(tmp, dest.Abs()); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, os.ErrExist) {
			return failed(original, name, newError(KindConflict, "a file with this name already exists", ErrDestinationExists)), nil
		}
		log.Error("move temp file into place", "path", dest.Abs(), "error", err)
		return failed(original, name, newError(KindTransient, "could not store file", err)), nil
	}
	if err := u.perms.Apply(dest.Abs(), false); err != nil {
		log.Warn("apply permissions", "path", dest.Abs(), "error", err)
	}
	log.Info("file uploaded", "path", dest.Rel(), "size", humanize.IBytes(uint64(n)))
	return Result{
		OriginalName: original,
		Filename:     name,
		Path:         dest.Rel(),
		Success:      true,
		Message:      "upload complete",
		Size:         n,
		SHA256:       hex.EncodeToString(h.Sum(nil)),
		MIME:         mimetype.Detect(head.buf).String(),
	}, nil
}

func (u *SmallUploader) requestCapError() error {
	return newError(KindCapacity, fmt.Sprintf("upload request exceeds the maximum size of %s",
		humanize.IBytes(uint64(u.limits.MaxRequestBytes))), nil)
}

// publish moves tmp to dest without ever replacing an existing dest. A hard
// link fails with ErrExist when dest appeared meanwhile; filesystems without
// hard links fall back to a checked rename.
func publish(tmp, dest string) error {
	err := os.Link(tmp, dest)
	if err == nil {
		return os.Remove(tmp)
	}
	if errors.Is(err, os.ErrExist) {
		return err
	}
	if _, statErr := os.Lstat(dest); statErr == nil {
		return os.ErrExist
	}
	return os.Rename(tmp, dest)
}

func resolveDir(r *fsutil.Resolver, dirRel string) (fsutil.PathHandle, error) {
	dir, err := r.Resolve(dirRel)
	if err != nil {
		return fsutil.PathHandle{}, newError(KindValidation, "target directory not found", err)
	}
	if st, err := os.Stat(dir.Abs()); err != nil || !st.IsDir() {
		return fsutil.PathHandle{}, newError(KindValidation, "target directory not found", err)
	}
	return dir, nil
}
