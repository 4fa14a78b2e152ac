package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedock/internal/config"
	"filedock/internal/fsutil"
	"filedock/internal/httpserver"
	"filedock/internal/logging"
)

// interceptor counts chunk requests and lets a test break some of them.
type interceptor struct {
	next   http.Handler
	mu     sync.Mutex
	chunks int
	// breakChunk is called for the n-th chunk request (1-based); returning true
	// means the request was answered and must not reach the server.
	breakChunk func(n int, w http.ResponseWriter, r *http.Request) bool
}

func (i *interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/upload/chunk" {
		i.mu.Lock()
		i.chunks++
		n := i.chunks
		i.mu.Unlock()
		if i.breakChunk != nil && i.breakChunk(n, w, r) {
			return
		}
	}
	i.next.ServeHTTP(w, r)
}

func (i *interceptor) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.chunks
}

type fixture struct {
	cfg    config.Config
	srv    *httpserver.Server
	ic     *interceptor
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.ChunkSize = 1024
	cfg.ChunkThreshold = 1024
	require.NoError(t, cfg.Validate())
	srv, err := httpserver.New(httpserver.Options{
		Config: cfg,
		Logger: logging.NewTestLogger(),
		Storage: func(string) (fsutil.StorageInfo, error) {
			return fsutil.StorageInfo{TotalBytes: 1 << 30, FreeBytes: 1 << 29}, nil
		},
	})
	require.NoError(t, err)
	ic := &interceptor{next: srv.Handler()}
	ts := httptest.NewServer(ic)
	t.Cleanup(ts.Close)

	c, err := New(Options{
		BaseURL: ts.URL,
		Retry:   RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
		Logger:  logging.NewTestLogger(),
	})
	require.NoError(t, err)
	return &fixture{cfg: cfg, srv: srv, ic: ic, client: c}
}

func writeRandom(t *testing.T, path string, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return b
}

func assertStored(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "content of %s", path)
}

func TestUploadSmallFile(t *testing.T) {
	fx := newFixture(t)
	local := filepath.Join(t.TempDir(), "small.txt")
	data := writeRandom(t, local, 100)

	res, err := fx.client.Upload(context.Background(), local, "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(100), res.Size)
	assert.Zero(t, fx.ic.count())
	assertStored(t, filepath.Join(fx.cfg.Root, "small.txt"), data)
}

func TestUploadChunked(t *testing.T) {
	fx := newFixture(t)
	local := filepath.Join(t.TempDir(), "big.bin")
	data := writeRandom(t, local, 5000)

	var last int64
	fx.client.progress = func(_ string, sent, total int64) {
		assert.Equal(t, int64(5000), total)
		last = sent
	}
	res, err := fx.client.Upload(context.Background(), local, "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(5000), res.Size)
	assert.Equal(t, int64(5000), last)
	assert.Equal(t, 5, fx.ic.count())
	assertStored(t, filepath.Join(fx.cfg.Root, "big.bin"), data)
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	fx := newFixture(t)
	fx.ic.breakChunk = func(n int, w http.ResponseWriter, r *http.Request) bool {
		if n == 3 {
			http.Error(w, `{"success":false,"message":"boom"}`, http.StatusBadGateway)
			return true
		}
		return false
	}
	local := filepath.Join(t.TempDir(), "flaky.bin")
	data := writeRandom(t, local, 5000)

	_, err := fx.client.Upload(context.Background(), local, "", "")
	require.NoError(t, err)
	assert.Equal(t, 6, fx.ic.count())
	assertStored(t, filepath.Join(fx.cfg.Root, "flaky.bin"), data)
}

func TestUploadResumesAfterDiscardedSession(t *testing.T) {
	fx := newFixture(t)
	fx.ic.breakChunk = func(n int, w http.ResponseWriter, r *http.Request) bool {
		if n == 3 {
			// The connection dropped mid-chunk: the server threw the session away.
			ents, err := os.ReadDir(fx.cfg.ChunkDir)
			assert.NoError(t, err)
			for _, e := range ents {
				assert.NoError(t, fx.srv.Uploads().Abort(context.Background(), e.Name()))
			}
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	}
	local := filepath.Join(t.TempDir(), "resume.bin")
	data := writeRandom(t, local, 5000)

	_, err := fx.client.Upload(context.Background(), local, "", "")
	require.NoError(t, err)
	// two chunks, the broken one, then all five again from the start
	assert.Equal(t, 8, fx.ic.count())
	assertStored(t, filepath.Join(fx.cfg.Root, "resume.bin"), data)
}

func TestUploadFinalAckLost(t *testing.T) {
	fx := newFixture(t)
	fx.ic.breakChunk = func(n int, w http.ResponseWriter, r *http.Request) bool {
		if n != 5 {
			return false
		}
		// The server merges, but the answer never reaches the client.
		fx.ic.next.ServeHTTP(httptest.NewRecorder(), r)
		w.WriteHeader(http.StatusBadGateway)
		return true
	}
	local := filepath.Join(t.TempDir(), "acked.bin")
	data := writeRandom(t, local, 5000)

	res, err := fx.client.Upload(context.Background(), local, "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "upload already complete", res.Message)
	assert.Equal(t, int64(5000), res.Size)
	// five chunks, then the last one again
	assert.Equal(t, 6, fx.ic.count())
	assertStored(t, filepath.Join(fx.cfg.Root, "acked.bin"), data)

	ents, err := os.ReadDir(fx.cfg.ChunkDir)
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestUploadRestartsWhenFinalChunkIsLost(t *testing.T) {
	fx := newFixture(t)
	fx.ic.breakChunk = func(n int, w http.ResponseWriter, r *http.Request) bool {
		if n != 5 {
			return false
		}
		ents, err := os.ReadDir(fx.cfg.ChunkDir)
		assert.NoError(t, err)
		for _, e := range ents {
			assert.NoError(t, fx.srv.Uploads().Abort(context.Background(), e.Name()))
		}
		w.WriteHeader(http.StatusInternalServerError)
		return true
	}
	local := filepath.Join(t.TempDir(), "restart.bin")
	data := writeRandom(t, local, 5000)

	res, err := fx.client.Upload(context.Background(), local, "", "")
	require.NoError(t, err)
	assert.Equal(t, "upload complete", res.Message)
	// five chunks, the last one again (refused), then all five from the start
	assert.Equal(t, 11, fx.ic.count())
	assertStored(t, filepath.Join(fx.cfg.Root, "restart.bin"), data)
}

func TestUploadConflictIsFinal(t *testing.T) {
	fx := newFixture(t)
	local := filepath.Join(t.TempDir(), "taken.bin")
	writeRandom(t, local, 3000)
	require.NoError(t, os.WriteFile(filepath.Join(fx.cfg.Root, "taken.bin"), []byte("mine"), 0o644))

	res, err := fx.client.Upload(context.Background(), local, "", "")
	require.Error(t, err)
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusConflict, ae.Status)
	assert.False(t, res.Success)
	assert.Equal(t, "a file with this name already exists", res.Message)
	assert.Equal(t, 1, fx.ic.count())
}

func TestUploadDir(t *testing.T) {
	fx := newFixture(t)
	src := filepath.Join(t.TempDir(), "album")
	small := writeRandom(t, filepath.Join(src, "cover.jpg"), 10)
	big := writeRandom(t, filepath.Join(src, "disc1", "track.flac"), 4000)
	require.NoError(t, os.Mkdir(filepath.Join(fx.cfg.Root, "music"), 0o755))

	results, err := fx.client.UploadDir(context.Background(), src, "music")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, r.Message)
	}
	assertStored(t, filepath.Join(fx.cfg.Root, "music", "album", "cover.jpg"), small)
	assertStored(t, filepath.Join(fx.cfg.Root, "music", "album", "disc1", "track.flac"), big)
}

func TestRetriable(t *testing.T) {
	assert.True(t, retriable(errors.New("connection reset")))
	assert.True(t, retriable(&APIError{Status: http.StatusInternalServerError}))
	assert.True(t, retriable(&APIError{Status: http.StatusTooManyRequests}))
	assert.False(t, retriable(&APIError{Status: http.StatusConflict}))
	assert.False(t, retriable(&APIError{Status: http.StatusUnprocessableEntity}))
	assert.False(t, retriable(context.Canceled))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	assert.Error(t, err)
}
