package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filedock/internal/chunkstore"
	"filedock/internal/config"
	"filedock/internal/fsutil"
	"filedock/internal/logging"
	"filedock/internal/policy"
	"filedock/internal/upload"
)

type Options struct {
	Config config.Config
	Logger *logging.Logger
	// Storage reports volume capacity; nil uses fsutil.GetStorageInfo.
	Storage fsutil.StorageInfoFunc
}

type Server struct {
	cfg      config.Config
	resolver *fsutil.Resolver
	gate     policy.Gate
	uploads  *upload.Manager
	small    *upload.SmallUploader
	storage  fsutil.StorageInfoFunc
	log      *logging.Logger
}

// New wires the upload subsystem for a validated config. Root must exist; the
// chunk directory is created when missing.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	storage := opts.Storage
	if storage == nil {
		storage = fsutil.GetStorageInfo
	}
	store, err := chunkstore.NewOS(cfg.ChunkDir)
	if err != nil {
		return nil, fmt.Errorf("chunk dir: %w", err)
	}
	resolver, err := fsutil.NewResolver(cfg.Root, cfg.StateDir, cfg.ChunkDir)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	gate, err := policy.NewGate(cfg.ReadOnly, cfg.DisabledOperations)
	if err != nil {
		return nil, err
	}
	fileMode, dirMode := cfg.Modes()
	uo := upload.Options{
		Store:    store,
		Resolver: resolver,
		Gate:     gate,
		Perms:    fsutil.Permissions{FileMode: fileMode, DirMode: dirMode, UID: cfg.OwnerUID, GID: cfg.OwnerGID},
		Limits: upload.Limits{
			MaxFileBytes:    cfg.MaxFileBytes,
			MaxRequestBytes: cfg.MaxRequestBytes,
			MinFreeBytes:    cfg.MinFreeBytes,
		},
		StaleAfter: time.Duration(cfg.StaleChunkHours) * time.Hour,
		Storage:    storage,
		Logger:     log,
	}
	return &Server{
		cfg:      cfg,
		resolver: resolver,
		gate:     gate,
		uploads:  upload.NewManager(uo),
		small:    upload.NewSmallUploader(uo),
		storage:  storage,
		log:      log,
	}, nil
}

// Uploads exposes the chunk session manager, e.g. for an explicit sweep.
func (s *Server) Uploads() *upload.Manager { return s.uploads }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for a := Action(0); a < numActions; a++ {
		rt := routes[a]
		mux.Handle(rt.method+" "+rt.pattern, s.guard(rt.op, rt.handle))
	}
	return withHeaders(s.withRequestID(mux))
}

// guard rejects an operation the gate forbids before the request body is read.
func (s *Server) guard(op policy.Operation, h func(*Server, http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if op != 0 {
			if ok, reason := s.gate.Allowed(op); !ok {
				s.reply(w, r, http.StatusForbidden, reason)
				return
			}
		}
		h(s, w, r)
	})
}

// --- collaborator handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

type infoResponse struct {
	Success         bool  `json:"success"`
	ChunkSize       int64 `json:"chunkSize"`
	ChunkThreshold  int64 `json:"chunkThreshold"`
	MaxFileBytes    int64 `json:"maxFileBytes,omitempty"`
	MaxRequestBytes int64 `json:"maxRequestBytes,omitempty"`
	UploadsAllowed  bool  `json:"uploadsAllowed"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	allowed, _ := s.gate.Allowed(policy.OpUpload)
	writeJSON(w, http.StatusOK, infoResponse{
		Success:         true,
		ChunkSize:       s.cfg.ChunkSize,
		ChunkThreshold:  s.cfg.ChunkThreshold,
		MaxFileBytes:    s.cfg.MaxFileBytes,
		MaxRequestBytes: s.cfg.MaxRequestBytes,
		UploadsAllowed:  allowed,
	})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	info := s.storageInfo(r)
	if info == nil {
		s.reply(w, r, http.StatusInternalServerError, "storage information unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "storage": info})
}

// storageInfo is best effort; nil means unknown.
func (s *Server) storageInfo(r *http.Request) *fsutil.StorageInfo {
	info, err := s.storage(s.resolver.Root())
	if err != nil {
		logging.FromContext(r.Context(), s.log).Warn("storage info", "error", err)
		return nil
	}
	return &info
}

type listItem struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Mime  string `json:"mime,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	dir, err := s.resolver.Resolve(r.URL.Query().Get("path"))
	if err != nil {
		s.reply(w, r, http.StatusNotFound, "directory not found")
		return
	}
	st, err := os.Stat(dir.Abs())
	if err != nil || !st.IsDir() {
		s.reply(w, r, http.StatusNotFound, "directory not found")
		return
	}
	ents, err := os.ReadDir(dir.Abs())
	if err != nil {
		logging.FromContext(r.Context(), s.log).Error("read dir", "path", dir.Abs(), "error", err)
		s.reply(w, r, http.StatusInternalServerError, "could not list directory")
		return
	}
	items := make([]listItem, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if s.resolver.IsExcluded(filepath.Join(dir.Abs(), name)) || upload.IsTempName(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		it := listItem{
			Name:  name,
			Path:  joinRel(dir.Rel(), name),
			IsDir: e.IsDir(),
			Size:  info.Size(),
			Mtime: info.ModTime().Unix(),
		}
		if !it.IsDir {
			it.Mime = contentTypeForName(name)
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": dir.Rel(), "items": items})
}

// handleFile serves a file with Range support.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	h, err := s.resolver.Resolve(strings.TrimPrefix(r.URL.Path, "/f/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(h.Abs())
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}
	if ct := contentTypeForName(st.Name()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": st.Name()}))
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

// --- helpers ---

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}

// fail maps an upload error to a status and a message that never carries
// internal detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := upload.KindOf(err)
	log := logging.FromContext(r.Context(), s.log)
	switch kind {
	case upload.KindTransient:
		log.Error("upload failed", "kind", kind, "error", err)
	case upload.KindAborted:
		log.Info("upload aborted", "error", err)
	default:
		log.Warn("upload rejected", "kind", kind, "error", err)
	}
	s.reply(w, r, statusFor(kind), upload.Message(err))
}

func statusFor(k upload.Kind) int {
	switch k {
	case upload.KindValidation, upload.KindAborted:
		return http.StatusBadRequest
	case upload.KindForbidden:
		return http.StatusForbidden
	case upload.KindConflict:
		return http.StatusConflict
	case upload.KindCapacity:
		return http.StatusRequestEntityTooLarge
	case upload.KindConsistency:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".mkv":
		return "video/x-matroska"
	case ".flac":
		return "audio/flac"
	case ".md", ".log", ".yaml", ".yml", ".toml", ".go":
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}
