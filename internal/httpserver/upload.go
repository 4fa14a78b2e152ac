package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"filedock/internal/fsutil"
	"filedock/internal/logging"
	"filedock/internal/upload"
)

const (
	maxFieldBytes = 64 << 10
	maxJSONBytes  = 64 << 10
)

type uploadIDRequest struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks,omitempty"`
}

type checkResponse struct {
	Success        bool   `json:"success"`
	Exists         bool   `json:"exists"`
	NextChunkIndex int    `json:"nextChunkIndex"`
	ChunkCount     int    `json:"chunkCount"`
	Complete       bool   `json:"complete"`
	Message        string `json:"message"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req uploadIDRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	st, err := s.uploads.Check(r.Context(), req.UploadID, req.TotalChunks)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg := "no upload in progress"
	switch {
	case st.State == upload.StateReadyToMerge:
		msg = "all chunks received, resend the last chunk to finish"
	case st.Exists:
		msg = fmt.Sprintf("resume at chunk %d", st.NextChunkIndex)
	}
	writeJSON(w, http.StatusOK, checkResponse{
		Success:        true,
		Exists:         st.Exists,
		NextChunkIndex: st.NextChunkIndex,
		ChunkCount:     st.ChunkCount,
		Complete:       st.State == upload.StateReadyToMerge,
		Message:        msg,
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req uploadIDRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.uploads.Abort(r.Context(), req.UploadID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, errorResponse{Success: true, Message: "upload aborted"})
}

type chunkAck struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
}

type mergeResponse struct {
	Success  bool                `json:"success"`
	Message  string              `json:"message"`
	Filename string              `json:"filename"`
	Path     string              `json:"path"`
	Size     int64               `json:"size"`
	SHA256   string              `json:"sha256"`
	MIME     string              `json:"mime"`
	Storage  *fsutil.StorageInfo `json:"storage,omitempty"`
}

// handleChunk streams one chunk to the chunk store. Form fields must come
// before the "chunk" part, which is consumed straight from the connection.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.reply(w, r, http.StatusBadRequest, "expected a multipart request")
		return
	}
	fields := map[string]string{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.reply(w, r, http.StatusBadRequest, "missing chunk data")
			return
		}
		if err != nil {
			s.badBody(w, r, err)
			return
		}
		if part.FormName() != "chunk" {
			v, err := readField(part)
			if err != nil {
				s.badBody(w, r, err)
				return
			}
			fields[part.FormName()] = v
			continue
		}

		req, msg := chunkRequest(fields)
		if msg != "" {
			s.reply(w, r, http.StatusBadRequest, msg)
			return
		}
		req.SizeHint = r.ContentLength
		req.Body = part
		s.receive(w, r, req)
		return
	}
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request, req upload.ChunkRequest) {
	resp, err := s.uploads.ReceiveChunk(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !resp.Merged {
		writeJSON(w, http.StatusOK, chunkAck{
			Success:     true,
			Message:     "chunk received",
			ChunkIndex:  resp.ChunkIndex,
			TotalChunks: resp.TotalChunks,
		})
		return
	}
	res := resp.Result
	writeJSON(w, http.StatusOK, mergeResponse{
		Success:  true,
		Message:  res.Message,
		Filename: res.Filename,
		Path:     res.Path,
		Size:     res.Size,
		SHA256:   res.SHA256,
		MIME:     res.MIME,
		Storage:  s.storageInfo(r),
	})
}

// chunkRequest builds a request from the form fields; a non-empty message
// names the first invalid field.
func chunkRequest(f map[string]string) (upload.ChunkRequest, string) {
	req := upload.ChunkRequest{
		UploadID:     f["uploadId"],
		Filename:     f["filename"],
		RelativePath: f["relativePath"],
		Path:         f["path"],
		Checksum:     f["chunkChecksum"],
		TotalSize:    -1,
	}
	for _, name := range []string{"uploadId", "chunkIndex", "totalChunks", "filename"} {
		if strings.TrimSpace(f[name]) == "" {
			return req, "missing field " + name
		}
	}
	var err error
	if req.Index, err = strconv.Atoi(f["chunkIndex"]); err != nil {
		return req, "invalid chunkIndex"
	}
	if req.Total, err = strconv.Atoi(f["totalChunks"]); err != nil {
		return req, "invalid totalChunks"
	}
	if v := f["totalSize"]; v != "" {
		if req.TotalSize, err = strconv.ParseInt(v, 10, 64); err != nil || req.TotalSize < 0 {
			return req, "invalid totalSize"
		}
	}
	return req, ""
}

type filesResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Results []upload.Result     `json:"results"`
	Storage *fsutil.StorageInfo `json:"storage,omitempty"`
}

// handleFiles stores whole files from a multipart request. The target directory
// comes from the "path" query parameter or a "path" field sent before the files;
// a "relativePath" field applies to the file part that follows it.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.reply(w, r, http.StatusBadRequest, "expected a multipart request")
		return
	}
	dir := r.URL.Query().Get("path")
	relativePath := ""
	var batch *upload.Batch
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.badBody(w, r, err)
			return
		}
		if part.FileName() == "" {
			v, err := readField(part)
			if err != nil {
				s.badBody(w, r, err)
				return
			}
			switch part.FormName() {
			case "path":
				if batch == nil {
					dir = v
				}
			case "relativePath":
				relativePath = v
			}
			continue
		}

		if batch == nil {
			if batch, err = s.small.Begin(r.Context(), dir, r.ContentLength); err != nil {
				s.fail(w, r, err)
				return
			}
		}
		if _, err := batch.Add(r.Context(), part.FileName(), relativePath, part); err != nil {
			s.fail(w, r, err)
			return
		}
		relativePath = ""
	}
	if batch == nil {
		s.reply(w, r, http.StatusBadRequest, "no files in request")
		return
	}
	resp := filesResponse{Success: batch.Succeeded(), Results: batch.Results(), Storage: s.storageInfo(r)}
	if !resp.Success {
		resp.Message = "some files were not uploaded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// badBody answers a multipart stream that broke off; when the client is gone
// nobody reads the reply.
func (s *Server) badBody(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context(), s.log)
	if r.Context().Err() != nil {
		log.Info("client disconnected", "error", err)
	} else {
		log.Warn("malformed multipart body", "error", err)
	}
	s.reply(w, r, http.StatusBadRequest, "malformed multipart request")
}

func readField(p *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(p, maxFieldBytes+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxFieldBytes {
		return "", fmt.Errorf("field %s too large", p.FormName())
	}
	return string(b), nil
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(v); err != nil {
		s.reply(w, r, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}
