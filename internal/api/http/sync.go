package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	myerrors "github.com/myworld/mywdb/internal/errors"
	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/internal/transport"
)

// maxUploadMemory is the part of an upload held in memory before spilling
// to disk.
const maxUploadMemory = 32 << 20

// SyncHandler serves the sync share and replica management of a master.
type SyncHandler struct {
	share  *storage.Share
	master transport.Master

	mu     sync.Mutex
	tokens map[string]bool
}

// NewSyncHandler creates a handler over a share and a master database.
func NewSyncHandler(share *storage.Share, master transport.Master) *SyncHandler {
	return &SyncHandler{share: share, master: master, tokens: make(map[string]bool)}
}

// Routes returns the router of the sync surface.
func (h *SyncHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware, RequestIDMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/csrf_token", h.csrfToken)

	r.Route("/sync", func(r chi.Router) {
		r.With(SnappyMiddleware).Get("/updates", h.updates)
		r.With(SnappyMiddleware).Get("/file", h.file)
		r.Group(func(r chi.Router) {
			r.Use(h.requireCSRF)
			r.Post("/register", h.register)
			r.Post("/upload", h.upload)
			r.Post("/replica/{id}/status", h.status)
		})
	})
	return r
}

func (h *SyncHandler) csrfToken(w http.ResponseWriter, r *http.Request) {
	tok := uuid.New().String()
	h.mu.Lock()
	h.tokens[tok] = true
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, transport.CSRFResponse{Token: tok})
}

func (h *SyncHandler) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		ok := h.tokens[r.Header.Get(transport.CSRFHeader)]
		h.mu.Unlock()
		if !ok {
			writeError(w, http.StatusForbidden, "missing or unknown CSRF token", myerrors.CodeBadCSRF, GetRequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sharePath validates a client supplied share path.
func sharePath(p string) (string, error) {
	clean := path.Clean("/" + p)[1:]
	if p == "" || clean == "" || strings.Contains(p, "..") {
		return "", myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("bad sync path %q", p))
	}
	return clean, nil
}

func (h *SyncHandler) register(w http.ResponseWriter, r *http.Request) {
	var req transport.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), myerrors.CodeBadValue, GetRequestID(r.Context()))
		return
	}
	if req.ExtractType == "" || req.NIDs <= 0 {
		writeError(w, http.StatusBadRequest, "extract_type and n_ids are required", myerrors.CodeBadValue, GetRequestID(r.Context()))
		return
	}
	reg, err := h.master.RegisterReplica(r.Context(), req.ExtractType, req.Owner, req.Location, req.NIDs)
	if err != nil {
		writeMywError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (h *SyncHandler) updates(w http.ResponseWriter, r *http.Request) {
	dir, err := sharePath(r.URL.Query().Get("path"))
	if err != nil {
		writeMywError(w, r, err)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	updates, err := h.share.Updates(r.Context(), dir, since)
	if err != nil {
		writeMywError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.UpdatesResponse{Updates: updates})
}

// file serves length bytes of a share file from offset.
func (h *SyncHandler) file(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := sharePath(q.Get("path"))
	if err != nil {
		writeMywError(w, r, err)
		return
	}
	offset, _ := strconv.ParseInt(q.Get("offset"), 10, 64)
	length, _ := strconv.ParseInt(q.Get("length"), 10, 64)

	tmp, err := os.CreateTemp("", "myw-sync-*")
	if err != nil {
		writeMywError(w, r, err)
		return
	}
	tmp.Close()
	defer os.Remove(tmp.Name())
	if err := h.share.Storage().Download(r.Context(), p, tmp.Name()); err != nil {
		writeMywError(w, r, storage.AsMywError("download", p, err))
		return
	}
	f, err := os.Open(tmp.Name())
	if err != nil {
		writeMywError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeMywError(w, r, err)
		return
	}
	if length <= 0 {
		length = info.Size()
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(transport.TotalSizeHeader, strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, io.NewSectionReader(f, offset, length))
}

func (h *SyncHandler) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error(), myerrors.CodeBadValue, GetRequestID(r.Context()))
		return
	}
	dir, err := sharePath(r.FormValue("path"))
	if err != nil {
		writeMywError(w, r, err)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload has no file", myerrors.CodeBadValue, GetRequestID(r.Context()))
		return
	}
	defer file.Close()

	tmpDir, err := os.MkdirTemp("", "myw-upload-*")
	if err != nil {
		writeMywError(w, r, err)
		return
	}
	defer os.RemoveAll(tmpDir)
	name := filepath.Base(hdr.Filename)
	out, err := os.Create(filepath.Join(tmpDir, name))
	if err == nil {
		_, err = io.Copy(out, file)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		writeMywError(w, r, err)
		return
	}

	if err := transport.NewDirect(h.share, nil).UploadFile(r.Context(), dir, tmpDir, name); err != nil {
		writeMywError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path.Join(dir, name)})
}

func (h *SyncHandler) status(w http.ResponseWriter, r *http.Request) {
	var req transport.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), myerrors.CodeBadValue, GetRequestID(r.Context()))
		return
	}
	if err := h.master.UpdateReplicaStatus(r.Context(), chi.URLParam(r, "id"), req.MasterUpdate); err != nil {
		writeMywError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
