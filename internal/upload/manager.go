package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"filedock/internal/chunkstore"
	"filedock/internal/fsutil"
	"filedock/internal/logging"
	"filedock/internal/policy"
)

// Chunked upload protocol:
//   - POST /api/upload/check {uploadId}            => {exists, nextChunkIndex}
//   - POST /api/upload/chunk (multipart, one chunk) => ack, or the merged result on the last chunk
//   - POST /api/upload/abort {uploadId}            => session discarded
//
// Nothing is kept in memory between requests: the chunk store is the only state,
// so any number of server processes can share one chunk directory.

// Limits are byte caps enforced before data is accepted.
type Limits struct {
	MaxFileBytes    int64
	MaxRequestBytes int64
	MinFreeBytes    int64
}

func (l Limits) checkFileSize(n int64) error {
	if l.MaxFileBytes > 0 && n > l.MaxFileBytes {
		return newError(KindCapacity, fmt.Sprintf("file exceeds the maximum size of %s", humanize.IBytes(uint64(l.MaxFileBytes))), nil)
	}
	return nil
}

// checkFree refuses need bytes when they would eat into the MinFreeBytes reserve.
// An unknown capacity is not an error; the write itself will fail if the disk is full.
func (l Limits) checkFree(storage fsutil.StorageInfoFunc, path string, need int64) error {
	if storage == nil || need <= 0 {
		return nil
	}
	info, err := storage(path)
	if err != nil {
		return nil
	}
	reserve := uint64(l.MinFreeBytes)
	if info.FreeBytes < reserve || info.FreeBytes-reserve < uint64(need) {
		avail := uint64(0)
		if info.FreeBytes > reserve {
			avail = info.FreeBytes - reserve
		}
		return newError(KindCapacity, fmt.Sprintf("not enough free disk space (need %s, available %s)",
			humanize.IBytes(uint64(need)), humanize.IBytes(avail)), nil)
	}
	return nil
}

// chunkCap is the most bytes a single chunk may carry, or -1 when nothing
// bounds it. No chunk can be larger than the whole file.
func (l Limits) chunkCap(totalSize int64) (int64, error) {
	switch {
	case totalSize >= 0 && (l.MaxFileBytes <= 0 || totalSize <= l.MaxFileBytes):
		return totalSize, newError(KindCapacity, "chunk is larger than the declared file size", ErrChunkTooLarge)
	case l.MaxFileBytes > 0:
		return l.MaxFileBytes, newError(KindCapacity,
			fmt.Sprintf("file exceeds the maximum size of %s", humanize.IBytes(uint64(l.MaxFileBytes))), ErrChunkTooLarge)
	}
	return -1, nil
}

// State of a chunk session as seen from disk.
type State int

const (
	StateUnknown State = iota
	StateInProgress
	StateReadyToMerge
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in-progress"
	case StateReadyToMerge:
		return "ready-to-merge"
	default:
		return "unknown"
	}
}

// Status is the answer to a resume check.
type Status struct {
	Exists         bool
	NextChunkIndex int
	ChunkCount     int
	State          State
}

// ChunkRequest is one chunk upload. TotalSize and SizeHint are -1 when unknown.
type ChunkRequest struct {
	UploadID     string
	Index        int
	Total        int
	Filename     string
	RelativePath string
	Path         string
	TotalSize    int64
	Checksum     string
	SizeHint     int64
	Body         io.Reader
}

// ChunkResponse acknowledges a stored chunk. Merged is set when this chunk
// completed the upload, in which case Result describes the final file.
type ChunkResponse struct {
	Merged      bool
	ChunkIndex  int
	TotalChunks int
	Result      Result
}

// Options wires a Manager.
type Options struct {
	Store      chunkstore.Store
	Resolver   *fsutil.Resolver
	Gate       policy.Gate
	Perms      fsutil.Permissions
	Limits     Limits
	StaleAfter time.Duration
	Storage    fsutil.StorageInfoFunc
	Logger     *logging.Logger
}

// Manager drives the chunked upload state machine.
type Manager struct {
	store    chunkstore.Store
	resolver *fsutil.Resolver
	gate     policy.Gate
	limits   Limits
	storage  fsutil.StorageInfoFunc
	merger   *Merger
	sweeper  *Sweeper
	log      *logging.Logger
}

func NewManager(o Options) *Manager {
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 24 * time.Hour
	}
	return &Manager{
		store:    o.Store,
		resolver: o.Resolver,
		gate:     o.Gate,
		limits:   o.Limits,
		storage:  o.Storage,
		merger:   NewMerger(o.Store, o.Resolver, o.Perms, o.Limits, o.Storage, o.Logger),
		sweeper:  NewSweeper(o.Store, o.StaleAfter, o.Logger),
		log:      o.Logger,
	}
}

// Check reports where a client should resume uploadID. When totalChunks is
// known (> 0) the state distinguishes in-progress from ready-to-merge.
func (m *Manager) Check(ctx context.Context, uploadID string, totalChunks int) (Status, error) {
	if !chunkstore.ValidUploadID(uploadID) {
		return Status{}, newError(KindValidation, "invalid upload id", chunkstore.ErrInvalidUploadID)
	}
	_, exists, err := m.store.LastModified(uploadID)
	if err != nil {
		return Status{}, newError(KindTransient, "could not read upload state", err)
	}
	if !exists {
		return Status{}, nil
	}
	present, err := m.store.PresentIndices(uploadID)
	if err != nil {
		return Status{}, newError(KindTransient, "could not read upload state", err)
	}
	st := Status{Exists: true, NextChunkIndex: NextMissing(present), ChunkCount: len(present), State: StateInProgress}
	if totalChunks > 0 && st.NextChunkIndex >= totalChunks {
		st.State = StateReadyToMerge
	}
	logging.FromContext(ctx, m.log).Debug("upload checked", "upload_id", uploadID, "next", st.NextChunkIndex, "present", st.ChunkCount)
	return st, nil
}

// ReceiveChunk stores one chunk and merges the upload when it was the last one.
func (m *Manager) ReceiveChunk(ctx context.Context, req ChunkRequest) (ChunkResponse, error) {
	log := logging.FromContext(ctx, m.log).With("upload_id", req.UploadID)
	ack := ChunkResponse{ChunkIndex: req.Index, TotalChunks: req.Total}

	if ok, reason := m.gate.Allowed(policy.OpUpload); !ok {
		return ack, newError(KindForbidden, reason, nil)
	}
	if !chunkstore.ValidUploadID(req.UploadID) {
		return ack, newError(KindValidation, "invalid upload id", chunkstore.ErrInvalidUploadID)
	}
	if req.Total < 1 || req.Index < 0 || req.Index >= req.Total {
		return ack, newError(KindValidation, "invalid chunk index", chunkstore.ErrInvalidIndex)
	}
	name := fsutil.SanitizeSegment(req.Filename)
	if name == "" {
		return ack, newError(KindValidation, "invalid file name", nil)
	}
	dest, err := resolveDestination(m.resolver, req.Path, req.RelativePath, name)
	if err != nil {
		return ack, err
	}

	if resp, handled, err := m.lateChunk(ctx, req, name, dest); handled {
		return resp, err
	}
	if req.Index == 0 {
		if err := m.preflight(dest, req.TotalSize); err != nil {
			return ack, err
		}
		if n, err := m.sweeper.Sweep(ctx, req.UploadID); err != nil {
			log.Warn("stale session sweep incomplete", "removed", n, "error", err)
		}
	}
	if err := m.limits.checkFree(m.storage, m.resolver.Root(), req.SizeHint); err != nil {
		return ack, err
	}

	body := &trackingReader{r: req.Body}
	var src io.Reader = body
	if limit, capErr := m.limits.chunkCap(req.TotalSize); limit >= 0 {
		src = &capReader{r: body, max: limit, err: capErr}
	}
	n, err := m.store.WriteChunk(ctx, req.UploadID, req.Index, src, req.Checksum)
	switch {
	case err != nil && (body.err != nil || ctx.Err() != nil):
		return ack, m.rollback(log, req.UploadID, err)
	case errors.Is(err, ErrChunkTooLarge):
		// A file this large can never merge.
		if rmErr := m.store.RemoveSession(req.UploadID); rmErr != nil {
			log.Error("discard oversized upload session", "error", rmErr)
		}
		log.Warn("oversized chunk rejected", "index", req.Index, "read", n)
		return ack, err
	case errors.Is(err, chunkstore.ErrChecksumMismatch):
		return ack, newError(KindValidation, "chunk checksum mismatch, resend the chunk", err)
	case err != nil:
		log.Error("store chunk", "index", req.Index, "error", err)
		return ack, newError(KindTransient, "could not store chunk", err)
	case ctx.Err() != nil:
		// The bytes landed but the client is gone and never saw an ack.
		return ack, m.rollback(log, req.UploadID, ctx.Err())
	}
	log.Debug("chunk stored", "index", req.Index, "total", req.Total, "bytes", n)

	if req.Index+1 < req.Total {
		return ack, nil
	}

	res, err := m.merger.Merge(context.WithoutCancel(ctx), req.UploadID, req.Total, req.TotalSize, dest)
	if err != nil {
		log.Warn("merge failed, chunks kept for retry", "kind", KindOf(err), "error", err)
		return ack, err
	}
	ack.Merged = true
	ack.Result = Result{
		OriginalName: req.Filename,
		Filename:     name,
		Path:         dest.Rel(),
		Success:      true,
		Message:      "upload complete",
		Size:         res.Size,
		SHA256:       res.SHA256,
		MIME:         res.MIME,
	}
	return ack, nil
}

// Abort discards a session on client request. Unknown sessions are not an error.
func (m *Manager) Abort(ctx context.Context, uploadID string) error {
	if ok, reason := m.gate.Allowed(policy.OpUpload); !ok {
		return newError(KindForbidden, reason, nil)
	}
	if !chunkstore.ValidUploadID(uploadID) {
		return newError(KindValidation, "invalid upload id", chunkstore.ErrInvalidUploadID)
	}
	if err := m.store.RemoveSession(uploadID); err != nil {
		return newError(KindTransient, "could not discard upload", err)
	}
	logging.FromContext(ctx, m.log).Info("upload aborted by client", "upload_id", uploadID)
	return nil
}

// Sweep removes every stale session now.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.sweeper.Sweep(ctx, "")
}

func (m *Manager) preflight(dest fsutil.PathHandle, totalSize int64) error {
	if _, err := os.Lstat(dest.Abs()); err == nil {
		return newError(KindConflict, "a file with this name already exists", ErrDestinationExists)
	}
	if totalSize < 0 {
		return nil
	}
	if err := m.limits.checkFileSize(totalSize); err != nil {
		return err
	}
	return m.limits.checkFree(m.storage, m.resolver.Root(), totalSize)
}

// lateChunk answers a non-first chunk whose session is gone while its
// destination exists, or a final chunk with no session at all. Either way the
// chunk is not staged. A final chunk repeated after a merge whose ack was lost
// finds a regular file of the declared size and is reported as complete.
func (m *Manager) lateChunk(ctx context.Context, req ChunkRequest, name string, dest fsutil.PathHandle) (ChunkResponse, bool, error) {
	ack := ChunkResponse{ChunkIndex: req.Index, TotalChunks: req.Total}
	if req.Index == 0 {
		return ack, false, nil
	}
	_, exists, err := m.store.LastModified(req.UploadID)
	if err != nil {
		return ack, true, newError(KindTransient, "could not read upload state", err)
	}
	if exists {
		return ack, false, nil
	}
	final := req.Index == req.Total-1
	st, err := os.Lstat(dest.Abs())
	switch {
	case errors.Is(err, os.ErrNotExist) && !final:
		return ack, false, nil
	case errors.Is(err, os.ErrNotExist):
		return ack, true, newError(KindConsistency, "upload session not found, start the upload over", ErrMissingChunks)
	case err != nil:
		return ack, true, newError(KindTransient, "could not read destination", err)
	case !final || !st.Mode().IsRegular() || req.TotalSize < 0 || st.Size() != req.TotalSize:
		return ack, true, newError(KindConflict, "a file with this name already exists", ErrDestinationExists)
	}

	res, err := describeFile(dest.Abs())
	if err != nil {
		return ack, true, newError(KindTransient, "could not read destination file", err)
	}
	logging.FromContext(ctx, m.log).Info("final chunk repeated after merge", "upload_id", req.UploadID, "path", dest.Rel())
	ack.Merged = true
	ack.Result = Result{
		OriginalName: req.Filename,
		Filename:     name,
		Path:         dest.Rel(),
		Success:      true,
		Message:      "upload already complete",
		Size:         res.Size,
		SHA256:       res.SHA256,
		MIME:         res.MIME,
	}
	return ack, true, nil
}

func (m *Manager) rollback(log *logging.Logger, uploadID string, cause error) error {
	if err := m.store.RemoveSession(uploadID); err != nil {
		log.Error("discard aborted upload session", "error", err)
	}
	log.Warn("client disconnected, upload session discarded", "cause", cause)
	return newError(KindAborted, "upload aborted, start again to resume", fmt.Errorf("%w: %v", ErrDisconnected, cause))
}

// resolveDestination confines <dirRel>/<dir part of relativePath>/<name> to the root.
// dirRel must name an existing directory; folders from relativePath may be missing.
func resolveDestination(r *fsutil.Resolver, dirRel, relativePath, name string) (fsutil.PathHandle, error) {
	dir, err := resolveDir(r, dirRel)
	if err != nil {
		return fsutil.PathHandle{}, err
	}
	parts := fsutil.SplitRelPath(strings.ReplaceAll(relativePath, "\\", "/"))
	if len(parts) > 0 {
		parts = parts[:len(parts)-1]
	}
	dest, err := r.Child(dir, append(parts, name)...)
	if err != nil {
		return fsutil.PathHandle{}, newError(KindValidation, "invalid destination path", err)
	}
	return dest, nil
}

// trackingReader remembers read failures of the request body, which mean the
// client went away mid-transfer.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}

// capReader fails with err as soon as more than max bytes come through.
type capReader struct {
	r   io.Reader
	max int64
	n   int64
	err error
}

func (c *capReader) Read(p []byte) (int, error) {
	if room := c.max - c.n + 1; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		return n, c.err
	}
	return n, err
}
