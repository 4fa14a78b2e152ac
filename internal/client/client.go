package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"filedock/internal/logging"
	"filedock/internal/upload"
)

// RetryConfig configures retry behavior for one chunk or one small upload.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

type Options struct {
	// BaseURL of the server, e.g. "http://nas.local:3923".
	BaseURL    string
	HTTPClient *http.Client
	Retry      RetryConfig
	Logger     *logging.Logger
	// Progress, when set, is called after every acknowledged chunk or file.
	Progress func(name string, sent, total int64)
}

type Client struct {
	base     *url.URL
	http     *http.Client
	retry    RetryConfig
	log      *logging.Logger
	progress func(name string, sent, total int64)

	info *Info
}

func New(o Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(o.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", o.BaseURL)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Retry.Multiplier < 1 {
		o.Retry = DefaultRetryConfig()
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return &Client{base: base, http: o.HTTPClient, retry: o.Retry, log: o.Logger, progress: o.Progress}, nil
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
}

// retriable reports whether trying again can help. Rejections the server made
// on purpose (bad input, conflict, capacity, policy) are final.
func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500 || ae.Status == http.StatusTooManyRequests || ae.Status == http.StatusRequestTimeout
	}
	return true
}

// Info is what the server advertises about uploads.
type Info struct {
	ChunkSize       int64 `json:"chunkSize"`
	ChunkThreshold  int64 `json:"chunkThreshold"`
	MaxFileBytes    int64 `json:"maxFileBytes"`
	MaxRequestBytes int64 `json:"maxRequestBytes"`
	UploadsAllowed  bool  `json:"uploadsAllowed"`
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	if c.info != nil {
		return *c.info, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/info"), nil)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := c.do(req, &info); err != nil {
		return Info{}, err
	}
	if info.ChunkSize <= 0 {
		return Info{}, errors.New("server advertised no chunk size")
	}
	if info.ChunkThreshold <= 0 {
		info.ChunkThreshold = info.ChunkSize
	}
	c.info = &info
	return info, nil
}

// CheckResult mirrors the server's resume answer.
type CheckResult struct {
	Exists         bool   `json:"exists"`
	NextChunkIndex int    `json:"nextChunkIndex"`
	ChunkCount     int    `json:"chunkCount"`
	Complete       bool   `json:"complete"`
	Message        string `json:"message"`
}

func (c *Client) Check(ctx context.Context, uploadID string, totalChunks int) (CheckResult, error) {
	var out CheckResult
	err := c.postJSON(ctx, "/api/upload/check", map[string]any{"uploadId": uploadID, "totalChunks": totalChunks}, &out)
	return out, err
}

func (c *Client) Abort(ctx context.Context, uploadID string) error {
	return c.postJSON(ctx, "/api/upload/abort", map[string]any{"uploadId": uploadID}, nil)
}

// Upload sends one local file into destDir on the server. relativePath places
// it in sub folders (folder uploads) and may be empty.
func (c *Client) Upload(ctx context.Context, localPath, destDir, relativePath string) (upload.Result, error) {
	name := filepath.Base(localPath)
	st, err := os.Stat(localPath)
	if err != nil {
		return upload.Result{OriginalName: name}, err
	}
	if !st.Mode().IsRegular() {
		return upload.Result{OriginalName: name}, fmt.Errorf("%s is not a regular file", localPath)
	}
	info, err := c.Info(ctx)
	if err != nil {
		return upload.Result{OriginalName: name}, err
	}
	if st.Size() <= info.ChunkThreshold {
		return c.uploadSmall(ctx, localPath, destDir, relativePath)
	}
	return c.uploadChunked(ctx, localPath, st, destDir, relativePath, info.ChunkSize)
}

// UploadDir uploads every regular file below localDir, keeping the folder
// layout (including localDir's own name) under destDir. It keeps going after a
// failed file and returns all failures joined.
func (c *Client) UploadDir(ctx context.Context, localDir, destDir string) ([]upload.Result, error) {
	top := filepath.Base(filepath.Clean(localDir))
	var (
		results []upload.Result
		errs    []error
	)
	walkErr := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		res, err := c.Upload(ctx, p, destDir, filepath.ToSlash(filepath.Join(top, rel)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rel, err))
			if res.Message == "" {
				res.Message = err.Error()
			}
		}
		results = append(results, res)
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return results, errors.Join(errs...)
}

type chunkResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	MIME        string `json:"mime"`
}

func (c *Client) uploadChunked(ctx context.Context, localPath string, st os.FileInfo, destDir, relativePath string, chunkSize int64) (upload.Result, error) {
	name := filepath.Base(localPath)
	size := st.Size()
	total := int((size + chunkSize - 1) / chunkSize)
	id := upload.Identity(upload.Fingerprint{
		Filename:     name,
		Size:         size,
		LastModified: st.ModTime().UnixMilli(),
		DestDir:      destDir,
		RelativePath: relativePath,
	})
	log := c.log.With("upload_id", id, "file", name)
	failed := upload.Result{OriginalName: name}

	f, err := os.Open(localPath)
	if err != nil {
		return failed, err
	}
	defer f.Close()

	var (
		i          int
		attempt    int
		interval   = c.retry.InitialInterval
		needCheck  = true
		finalSent  bool
		confirming bool
	)
	for {
		var err error
		if needCheck {
			if i, err = c.resumePoint(ctx, id, total); err == nil {
				needCheck = false
				if i == 0 && finalSent && total > 1 {
					// The last chunk may have merged the file before its ack was lost.
					i, confirming = total-1, true
				}
				if i > 0 {
					log.Info("resuming upload", "chunk", i, "of", total)
				}
			}
		}
		if err == nil {
			off := int64(i) * chunkSize
			n := min(chunkSize, size-off)
			var resp chunkResponse
			resp, err = c.sendChunk(ctx, io.NewSectionReader(f, off, n), id, i, total, name, destDir, relativePath, size)
			if err == nil {
				attempt, interval = 0, c.retry.InitialInterval
				c.report(name, off+n, size)
				log.Debug("chunk acknowledged", "chunk", i, "of", total)
				if i == total-1 {
					return upload.Result{
						OriginalName: name,
						Filename:     resp.Filename,
						Path:         resp.Path,
						Success:      true,
						Message:      resp.Message,
						Size:         resp.Size,
						SHA256:       resp.SHA256,
						MIME:         resp.MIME,
					}, nil
				}
				i++
				continue
			}
			var apiErr *APIError
			if confirming && errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
				log.Info("upload was not merged, starting over")
				i, finalSent, confirming = 0, false, false
				continue
			}
			confirming = false
			if i == total-1 {
				finalSent = true
			}
		}
		if !retriable(err) || attempt >= c.retry.MaxRetries {
			failed.Message = message(err)
			return failed, err
		}
		attempt++
		log.Warn("upload step failed, will retry", "chunk", i, "attempt", attempt, "error", err)
		if err := sleep(ctx, interval); err != nil {
			return failed, err
		}
		interval = c.backoff(interval)
		// The server may have discarded the session; ask where to go on.
		needCheck = true
	}
}

// resumePoint is the next chunk to send. A session that is complete but not
// merged restarts at the last chunk, which triggers the merge again.
func (c *Client) resumePoint(ctx context.Context, id string, total int) (int, error) {
	st, err := c.Check(ctx, id, total)
	if err != nil {
		return 0, err
	}
	if !st.Exists {
		return 0, nil
	}
	if st.Complete || st.NextChunkIndex >= total {
		return total - 1, nil
	}
	return st.NextChunkIndex, nil
}

func (c *Client) sendChunk(ctx context.Context, r *io.SectionReader, id string, index, total int, name, destDir, relativePath string, size int64) (chunkResponse, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return chunkResponse{}, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return chunkResponse{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"uploadId", id},
		{"chunkIndex", strconv.Itoa(index)},
		{"totalChunks", strconv.Itoa(total)},
		{"filename", name},
		{"relativePath", relativePath},
		{"path", destDir},
		{"totalSize", strconv.FormatInt(size, 10)},
		{"chunkChecksum", fmt.Sprintf("%016x", h.Sum64())},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return chunkResponse{}, err
		}
	}
	part, err := mw.CreateFormFile("chunk", "blob")
	if err != nil {
		return chunkResponse{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return chunkResponse{}, err
	}
	if err := mw.Close(); err != nil {
		return chunkResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/upload/chunk"), &buf)
	if err != nil {
		return chunkResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out chunkResponse
	return out, c.do(req, &out)
}

type filesResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Results []upload.Result `json:"results"`
}

func (c *Client) uploadSmall(ctx context.Context, localPath, destDir, relativePath string) (upload.Result, error) {
	name := filepath.Base(localPath)
	failed := upload.Result{OriginalName: name}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return failed, err
	}

	interval := c.retry.InitialInterval
	for attempt := 0; ; attempt++ {
		res, err := c.sendSmall(ctx, name, data, destDir, relativePath)
		if err == nil {
			c.report(name, int64(len(data)), int64(len(data)))
			if !res.Success {
				return res, &APIError{Status: http.StatusOK, Message: res.Message}
			}
			return res, nil
		}
		if !retriable(err) || attempt >= c.retry.MaxRetries {
			failed.Message = message(err)
			return failed, err
		}
		c.log.Warn("upload failed, will retry", "file", name, "attempt", attempt+1, "error", err)
		if err := sleep(ctx, interval); err != nil {
			return failed, err
		}
		interval = c.backoff(interval)
	}
}

func (c *Client) sendSmall(ctx context.Context, name string, data []byte, destDir, relativePath string) (upload.Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("path", destDir); err != nil {
		return upload.Result{}, err
	}
	if err := mw.WriteField("relativePath", relativePath); err != nil {
		return upload.Result{}, err
	}
	part, err := mw.CreateFormFile("files[]", name)
	if err != nil {
		return upload.Result{}, err
	}
	if _, err := part.Write(data); err != nil {
		return upload.Result{}, err
	}
	if err := mw.Close(); err != nil {
		return upload.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/upload"), &buf)
	if err != nil {
		return upload.Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out filesResponse
	if err := c.do(req, &out); err != nil {
		return upload.Result{}, err
	}
	if len(out.Results) != 1 {
		return upload.Result{}, fmt.Errorf("expected one result, got %d", len(out.Results))
	}
	return out.Results[0], nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do sends req and decodes a JSON answer into out (which may be nil).
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &e) != nil || e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

func (c *Client) report(name string, sent, total int64) {
	if c.progress != nil {
		c.progress(name, sent, total)
	}
}

func (c *Client) backoff(interval time.Duration) time.Duration {
	if interval >= c.retry.MaxInterval {
		return c.retry.MaxInterval
	}
	return min(time.Duration(float64(interval)*c.retry.Multiplier), c.retry.MaxInterval)
}

func message(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
